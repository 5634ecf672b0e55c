package wa

import (
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestExtractTextBody(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil message", nil, ""},
		{"conversation", &waE2E.Message{Conversation: proto.String("hello")}, "hello"},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("extended")}}, "extended"},
		{"image without caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, ""},
		{"image caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("look")}}, "look"},
		{"document caption", &waE2E.Message{DocumentWithCaptionMessage: &waE2E.FutureProofMessage{
			Message: &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{Caption: proto.String("the report")}},
		}}, "the report"},
		{"empty conversation", &waE2E.Message{Conversation: proto.String("")}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractTextBody(tt.msg)
			if got != tt.want {
				t.Errorf("extractTextBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectMessageType(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil", nil, "unknown"},
		{"text conversation", &waE2E.Message{Conversation: proto.String("hi")}, "text"},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("hi")}}, "text"},
		{"image", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, "image"},
		{"video", &waE2E.Message{VideoMessage: &waE2E.VideoMessage{}}, "video"},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, "audio"},
		{"document", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{}}, "document"},
		{"sticker", &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, "sticker"},
		{"contact", &waE2E.Message{ContactMessage: &waE2E.ContactMessage{}}, "contact"},
		{"location", &waE2E.Message{LocationMessage: &waE2E.LocationMessage{}}, "location"},
		{"empty message", &waE2E.Message{}, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := detectMessageType(tt.msg)
			if got != tt.want {
				t.Errorf("detectMessageType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseLiveMessage(t *testing.T) {
	ts := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	evt := &events.Message{
		Info: types.MessageInfo{
			PushName:  "Alice",
			Timestamp: ts,
			MessageSource: types.MessageSource{
				Chat:     types.JID{User: "chat", Server: "s.whatsapp.net"},
				Sender:   types.JID{User: "sender", Server: "s.whatsapp.net"},
				IsFromMe: true,
			},
			ID: "MSG123",
		},
		Message: &waE2E.Message{Conversation: proto.String("hello world")},
	}

	in := ParseLiveMessage(evt)

	if in.ChatJID != "chat@s.whatsapp.net" {
		t.Errorf("ChatJID = %q, want chat@s.whatsapp.net", in.ChatJID)
	}
	if in.ID != "MSG123" {
		t.Errorf("ID = %q, want MSG123", in.ID)
	}
	if in.SenderJID != "sender@s.whatsapp.net" {
		t.Errorf("SenderJID = %q, want sender@s.whatsapp.net", in.SenderJID)
	}
	if in.PushName != "Alice" {
		t.Errorf("PushName = %q, want Alice", in.PushName)
	}
	if in.Text != "hello world" {
		t.Errorf("Text = %q, want hello world", in.Text)
	}
	if !in.FromMe {
		t.Error("FromMe = false, want true")
	}
	if !in.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", in.Timestamp, ts)
	}
	if in.Media != nil || in.Quoted != nil {
		t.Error("plain text should carry no media")
	}
}

// Live messages from device-specific JIDs must map to the canonical user JID
// or history lookups miss.
func TestNormalizeJID(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"558592403672@s.whatsapp.net", "558592403672@s.whatsapp.net"},
		{"558592403672:0@s.whatsapp.net", "558592403672@s.whatsapp.net"},
		{"558592403672:5@s.whatsapp.net", "558592403672@s.whatsapp.net"},
		{"120363123456@g.us", "120363123456@g.us"},
		{"", ""},
		{"invalid", "invalid"},
		{"3917077286968@lid", "3917077286968@lid"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := NormalizeJID(tt.input)
			if got != tt.want {
				t.Errorf("NormalizeJID(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseLiveMessageStripsDeviceSuffix(t *testing.T) {
	evt := &events.Message{
		Info: types.MessageInfo{
			ID:        "M1",
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "558592403672", Server: "s.whatsapp.net", Device: 1},
				Sender: types.JID{User: "558592403672", Server: "s.whatsapp.net", Device: 3},
			},
		},
		Message: &waE2E.Message{Conversation: proto.String("hi")},
	}

	in := ParseLiveMessage(evt)
	if in.ChatJID != "558592403672@s.whatsapp.net" {
		t.Errorf("ChatJID = %q, device suffix not stripped", in.ChatJID)
	}
	if in.SenderJID != "558592403672@s.whatsapp.net" {
		t.Errorf("SenderJID = %q, device suffix not stripped", in.SenderJID)
	}
}

func TestParseLiveMessageImage(t *testing.T) {
	evt := &events.Message{
		Info: types.MessageInfo{
			ID:        "IMG1",
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "c", Server: "s.whatsapp.net"},
				Sender: types.JID{User: "s", Server: "s.whatsapp.net"},
			},
		},
		Message: &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Mimetype: proto.String("image/jpeg"),
			Caption:  proto.String("what is this?"),
		}},
	}

	in := ParseLiveMessage(evt)
	if in.Text != "what is this?" {
		t.Errorf("Text = %q, want the caption", in.Text)
	}
	if in.Media == nil {
		t.Fatal("Media = nil")
	}
	if in.Media.MediaType != "image" || in.Media.Mimetype != "image/jpeg" || in.Media.MessageID != "IMG1" {
		t.Errorf("Media = %+v", in.Media)
	}
	if in.Media.ChatJID != "c@s.whatsapp.net" || in.Media.Payload == nil {
		t.Errorf("Media = %+v", in.Media)
	}
}

func TestParseLiveMessageQuotedDocument(t *testing.T) {
	evt := &events.Message{
		Info: types.MessageInfo{
			ID:        "R1",
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "c", Server: "s.whatsapp.net"},
				Sender: types.JID{User: "c", Server: "s.whatsapp.net"},
			},
		},
		Message: &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String("summarise this"),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID: proto.String("DOC1"),
				QuotedMessage: &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
					FileName: proto.String("report.pdf"),
					Mimetype: proto.String("application/pdf"),
				}},
			},
		}},
	}

	in := ParseLiveMessage(evt)
	if in.QuotedID != "DOC1" {
		t.Errorf("QuotedID = %q", in.QuotedID)
	}
	if in.Quoted == nil {
		t.Fatal("Quoted = nil")
	}
	if in.Quoted.MediaType != "document" || in.Quoted.FileName != "report.pdf" || in.Quoted.MessageID != "DOC1" {
		t.Errorf("Quoted = %+v", in.Quoted)
	}
	if in.Media != nil {
		t.Error("the reply itself carries no media")
	}
}

func TestParseLiveMessageQuotedText(t *testing.T) {
	evt := &events.Message{
		Info: types.MessageInfo{
			ID: "R2",
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "c", Server: "s.whatsapp.net"},
				Sender: types.JID{User: "c", Server: "s.whatsapp.net"},
			},
		},
		Message: &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String("and this?"),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String("T1"),
				QuotedMessage: &waE2E.Message{Conversation: proto.String("earlier")},
			},
		}},
	}

	in := ParseLiveMessage(evt)
	if in.QuotedID != "T1" || in.Quoted != nil {
		t.Errorf("QuotedID = %q, Quoted = %+v", in.QuotedID, in.Quoted)
	}
}
