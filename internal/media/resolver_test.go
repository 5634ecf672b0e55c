package media

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/matheus3301/wppbot/internal/ai"
	"github.com/matheus3301/wppbot/internal/apperr"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.uber.org/zap"
)

type fakeFetcher struct {
	data  []byte
	err   error
	calls int
}

func (f *fakeFetcher) FetchMedia(context.Context, Reference) ([]byte, error) {
	f.calls++
	return f.data, f.err
}

type fakeReader struct {
	out    string
	err    error
	prompt string
}

func (f *fakeReader) Read(_ context.Context, _ []byte, _ Reference, prompt string) (string, error) {
	f.prompt = prompt
	return f.out, f.err
}

type fakeHistory struct {
	analyses map[string]string
	texts    map[string]string
	saved    map[string]string
}

func newHistory() *fakeHistory {
	return &fakeHistory{analyses: map[string]string{}, texts: map[string]string{}, saved: map[string]string{}}
}

func (h *fakeHistory) FindAnalysis(_ context.Context, _, id string) (string, bool, error) {
	s, ok := h.analyses[id]
	return s, ok, nil
}

func (h *fakeHistory) FindMessage(_ context.Context, _, id string) (string, bool, error) {
	s, ok := h.texts[id]
	return s, ok, nil
}

func (h *fakeHistory) SaveAnalysis(_ context.Context, ref Reference, text string) error {
	h.saved[ref.MessageID] = text
	return nil
}

func imageRef() Reference {
	return Reference{
		MediaType: "image",
		Mimetype:  "image/jpeg",
		MessageID: "IMG1",
		ChatJID:   "5511@s.whatsapp.net",
		Payload:   &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}},
	}
}

var expired = apperr.New(apperr.KindMediaExpired, "media.fetch", errors.New("404"))

func TestResolveFreshFetchStoresAnalysis(t *testing.T) {
	f := &fakeFetcher{data: []byte("jpeg")}
	reader := &fakeReader{out: "a cat on a sofa"}
	h := newHistory()
	r := NewResolver(f, map[string]Reader{"image": reader}, h, 0, zap.NewNop())

	res, err := r.Resolve(context.Background(), imageRef(), "what breed?")
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceFresh || res.Text != "a cat on a sofa" {
		t.Errorf("resolution = %+v", res)
	}
	if h.saved["IMG1"] != "a cat on a sofa" {
		t.Error("fresh analysis should be stored for later quotes")
	}
	if reader.prompt != "what breed?" {
		t.Errorf("reader prompt = %q", reader.prompt)
	}
}

func TestResolveExpiredUsesStoredAnalysis(t *testing.T) {
	h := newHistory()
	h.analyses["IMG1"] = "Receipt from Store X, total 42.00"
	h.texts["IMG1"] = "caption text"
	r := NewResolver(&fakeFetcher{err: expired}, map[string]Reader{"image": &fakeReader{}}, h, 0, zap.NewNop())

	res, err := r.Resolve(context.Background(), imageRef(), "what was the total?")
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceAnalysis {
		t.Fatalf("source = %s, want analysis", res.Source)
	}
	if !strings.Contains(res.Text, "total 42.00") || !strings.Contains(res.Text, "could not be downloaded again") {
		t.Errorf("text = %q, want analysis plus re-fetch note", res.Text)
	}
}

func TestResolveFallsBackToStoredText(t *testing.T) {
	h := newHistory()
	h.texts["IMG1"] = "photo of my invoice"
	r := NewResolver(&fakeFetcher{err: expired}, map[string]Reader{"image": &fakeReader{}}, h, 0, zap.NewNop())

	res, err := r.Resolve(context.Background(), imageRef(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceText || res.Text != "photo of my invoice" {
		t.Errorf("resolution = %+v", res)
	}
}

func TestResolveFallsBackToCaption(t *testing.T) {
	ref := imageRef()
	ref.Caption = "holiday"
	r := NewResolver(&fakeFetcher{err: expired}, map[string]Reader{"image": &fakeReader{}}, newHistory(), 0, zap.NewNop())

	res, err := r.Resolve(context.Background(), ref, "q")
	if err != nil || res.Text != "holiday" {
		t.Errorf("Resolve = %+v, %v", res, err)
	}
}

func TestResolveNothingLeftAsksForReupload(t *testing.T) {
	r := NewResolver(&fakeFetcher{err: expired}, map[string]Reader{"image": &fakeReader{}}, newHistory(), 0, zap.NewNop())

	_, err := r.Resolve(context.Background(), imageRef(), "q")
	if !errors.Is(err, apperr.ErrMediaExpired) {
		t.Fatalf("err = %v, want media expired", err)
	}
	if !strings.Contains(err.Error(), "send it again") {
		t.Errorf("err = %q, want re-upload request", err)
	}
}

func TestResolveReaderFailureIsReported(t *testing.T) {
	readErr := apperr.New(apperr.KindDownstream, "ai.complete", errors.New("500"))
	r := NewResolver(&fakeFetcher{data: []byte("x")}, map[string]Reader{"image": &fakeReader{err: readErr}}, newHistory(), 0, zap.NewNop())

	_, err := r.Resolve(context.Background(), imageRef(), "q")
	if !errors.Is(err, apperr.ErrDownstream) {
		t.Fatalf("err = %v, want downstream", err)
	}
}

func TestResolveUnknownTypeSkipsFetch(t *testing.T) {
	f := &fakeFetcher{data: []byte("x")}
	ref := imageRef()
	ref.MediaType = "audio"
	r := NewResolver(f, map[string]Reader{"image": &fakeReader{}}, newHistory(), 0, zap.NewNop())

	_, err := r.Resolve(context.Background(), ref, "q")
	if f.calls != 0 {
		t.Error("no fetch expected without a reader")
	}
	if !errors.Is(err, apperr.ErrMediaExpired) {
		t.Errorf("err = %v", err)
	}
}

func TestTextReader(t *testing.T) {
	r := NewTextReader(5)
	out, err := r.Read(context.Background(), []byte("hello world"), Reference{FileName: "a.txt"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if out != "Contents of a.txt:\nhello\n[truncated]" {
		t.Errorf("out = %q", out)
	}

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	if _, err := r.Read(context.Background(), png, Reference{}, ""); !errors.Is(err, apperr.ErrDownstream) {
		t.Errorf("binary input err = %v, want downstream", err)
	}
}

type captureCompleter struct {
	msgs []ai.Message
}

func (c *captureCompleter) Complete(_ context.Context, msgs []ai.Message, _ ai.Options) (string, error) {
	c.msgs = msgs
	return "described", nil
}

func TestVisionReaderAttachesImage(t *testing.T) {
	c := &captureCompleter{}
	out, err := NewVisionReader(c).Read(context.Background(), []byte("img"), Reference{Mimetype: "image/webp"}, "is it ripe?")
	if err != nil || out != "described" {
		t.Fatalf("Read = %q, %v", out, err)
	}
	if len(c.msgs) != 1 || len(c.msgs[0].Images) != 1 || c.msgs[0].Images[0].Mimetype != "image/webp" {
		t.Errorf("messages = %+v", c.msgs)
	}
	if !strings.Contains(c.msgs[0].Content, "is it ripe?") {
		t.Errorf("prompt not forwarded: %q", c.msgs[0].Content)
	}
}
