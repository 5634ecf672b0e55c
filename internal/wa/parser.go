package wa

import (
	"github.com/matheus3301/wppbot/internal/media"
	"github.com/matheus3301/wppbot/internal/pipeline"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// NormalizeJID strips the device suffix from a JID string. Strings that do
// not parse are returned unchanged.
func NormalizeJID(s string) string {
	if s == "" {
		return s
	}
	jid, err := types.ParseJID(s)
	if err != nil || jid.User == "" {
		return s
	}
	return jid.ToNonAD().String()
}

// ParseLiveMessage normalizes a live whatsmeow message event. JIDs are
// stripped of device suffixes but LIDs are left for the caller to resolve.
func ParseLiveMessage(evt *events.Message) pipeline.Inbound {
	msg := evt.Message
	chat := evt.Info.Chat.ToNonAD().String()

	in := pipeline.Inbound{
		ID:        evt.Info.ID,
		ChatJID:   chat,
		SenderJID: evt.Info.Sender.ToNonAD().String(),
		PushName:  evt.Info.PushName,
		Text:      extractTextBody(msg),
		FromMe:    evt.Info.IsFromMe,
		IsGroup:   evt.Info.IsGroup,
		Timestamp: evt.Info.Timestamp,
	}

	if kind := detectMessageType(msg); isMedia(kind) {
		in.Media = mediaReference(msg, kind, evt.Info.ID, chat)
	}

	if ci := contextInfo(msg); ci != nil && ci.GetStanzaID() != "" {
		in.QuotedID = ci.GetStanzaID()
		if q := ci.GetQuotedMessage(); q != nil {
			if kind := detectMessageType(q); isMedia(kind) {
				in.Quoted = mediaReference(q, kind, ci.GetStanzaID(), chat)
			}
		}
	}
	return in
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	switch {
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetCaption()
	case msg.GetDocumentWithCaptionMessage() != nil:
		return msg.GetDocumentWithCaptionMessage().GetMessage().GetDocumentMessage().GetCaption()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil, msg.GetDocumentWithCaptionMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}

func isMedia(kind string) bool {
	switch kind {
	case "image", "video", "audio", "document", "sticker":
		return true
	}
	return false
}

func mediaReference(msg *waE2E.Message, kind, msgID, chat string) *media.Reference {
	ref := &media.Reference{
		MediaType: kind,
		Caption:   extractTextBody(msg),
		MessageID: msgID,
		ChatJID:   chat,
		Payload:   msg,
	}
	switch kind {
	case "image":
		ref.Mimetype = msg.GetImageMessage().GetMimetype()
	case "video":
		ref.Mimetype = msg.GetVideoMessage().GetMimetype()
	case "audio":
		ref.Mimetype = msg.GetAudioMessage().GetMimetype()
	case "sticker":
		ref.Mimetype = msg.GetStickerMessage().GetMimetype()
	case "document":
		doc := msg.GetDocumentMessage()
		if doc == nil {
			doc = msg.GetDocumentWithCaptionMessage().GetMessage().GetDocumentMessage()
		}
		ref.Mimetype = doc.GetMimetype()
		ref.FileName = doc.GetFileName()
	}
	return ref
}

// contextInfo returns the reply context of whichever submessage carries one.
func contextInfo(msg *waE2E.Message) *waE2E.ContextInfo {
	if msg == nil {
		return nil
	}
	switch {
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetContextInfo()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetContextInfo()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetContextInfo()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetContextInfo()
	case msg.GetAudioMessage() != nil:
		return msg.GetAudioMessage().GetContextInfo()
	case msg.GetStickerMessage() != nil:
		return msg.GetStickerMessage().GetContextInfo()
	case msg.GetDocumentWithCaptionMessage() != nil:
		return msg.GetDocumentWithCaptionMessage().GetMessage().GetDocumentMessage().GetContextInfo()
	}
	return nil
}
