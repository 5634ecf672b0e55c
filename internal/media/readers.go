package media

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/matheus3301/wppbot/internal/ai"
	"github.com/matheus3301/wppbot/internal/apperr"
)

// VisionReader describes images through a multimodal completion.
type VisionReader struct {
	completer ai.Completer
	Model     string // empty uses the completer's default model
}

// NewVisionReader creates an image reader.
func NewVisionReader(c ai.Completer) *VisionReader {
	return &VisionReader{completer: c}
}

// Read asks the model to analyse the image with the user's question in mind.
func (v *VisionReader) Read(ctx context.Context, data []byte, ref Reference, prompt string) (string, error) {
	mt := ref.Mimetype
	if mt == "" || !strings.HasPrefix(mt, "image/") {
		mt = mimetype.Detect(data).String()
	}
	instruction := "Describe this image in detail, including any visible text."
	if prompt != "" {
		instruction += " The user asks: " + prompt
	}
	return v.completer.Complete(ctx, []ai.Message{{
		Role:    ai.RoleUser,
		Content: instruction,
		Images:  []ai.Image{{Mimetype: mt, Data: data}},
	}}, ai.Options{Model: v.Model, Phase: "vision"})
}

// TextReader extracts plain-text documents. Binary formats are rejected.
type TextReader struct {
	MaxChars int
}

// NewTextReader creates a document reader that keeps at most maxChars.
func NewTextReader(maxChars int) *TextReader {
	if maxChars <= 0 {
		maxChars = 12000
	}
	return &TextReader{MaxChars: maxChars}
}

// Read returns the document text, truncated to MaxChars.
func (t *TextReader) Read(_ context.Context, data []byte, ref Reference, _ string) (string, error) {
	detected := mimetype.Detect(data)
	if !isText(detected) || !utf8.Valid(data) {
		return "", apperr.New(apperr.KindDownstream, "media.read",
			fmt.Errorf("unsupported document type %s", detected.String()))
	}
	text := strings.TrimSpace(string(data))
	truncated := false
	if utf8.RuneCountInString(text) > t.MaxChars {
		text = string([]rune(text)[:t.MaxChars])
		truncated = true
	}
	var b strings.Builder
	if ref.FileName != "" {
		fmt.Fprintf(&b, "Contents of %s:\n", ref.FileName)
	}
	b.WriteString(text)
	if truncated {
		b.WriteString("\n[truncated]")
	}
	return b.String(), nil
}

func isText(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}
