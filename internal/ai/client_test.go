package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/wppbot/internal/apperr"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	c := NewClient(Config{BaseURL: url, APIKey: "k", Model: "m"}, zap.NewNop())
	c.backoff = func() retry.Backoff {
		return retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond))
	}
	return c
}

func reply(w http.ResponseWriter, text string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"content": text}}},
	})
}

func TestCompleteSendsMessages(t *testing.T) {
	var got chatRequest
	var rawMessages []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		var body struct {
			Model    string           `json:"model"`
			Messages []map[string]any `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		got.Model = body.Model
		rawMessages = body.Messages
		reply(w, "  hello  ")
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	out, err := c.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "what is this?", Images: []Image{{Mimetype: "image/png", Data: []byte{1, 2, 3}}}},
	}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello" {
		t.Errorf("out = %q, want trimmed reply", out)
	}
	if got.Model != "m" {
		t.Errorf("model = %q", got.Model)
	}
	if len(rawMessages) != 2 {
		t.Fatalf("messages = %d, want 2", len(rawMessages))
	}
	if _, ok := rawMessages[0]["content"].(string); !ok {
		t.Error("text-only message should use string content")
	}
	parts, ok := rawMessages[1]["content"].([]any)
	if !ok || len(parts) != 2 {
		t.Fatalf("vision message content = %#v", rawMessages[1]["content"])
	}
	img := parts[1].(map[string]any)["image_url"].(map[string]any)["url"].(string)
	if !strings.HasPrefix(img, "data:image/png;base64,") {
		t.Errorf("image url = %q", img)
	}
}

func TestCompleteRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		reply(w, "ok")
	}))
	defer srv.Close()

	out, err := testClient(t, srv.URL).Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out != "ok" || calls.Load() != 3 {
		t.Errorf("out = %q calls = %d, want ok after 3 calls", out, calls.Load())
	}
}

func TestCompleteGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	if !errors.Is(err, apperr.ErrTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", calls.Load())
	}
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad"}}`))
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	if !errors.Is(err, apperr.ErrDownstream) {
		t.Fatalf("err = %v, want downstream", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestCompleteWithoutKey(t *testing.T) {
	c := NewClient(Config{}, zap.NewNop())
	_, err := c.Complete(context.Background(), nil, Options{})
	if !errors.Is(err, apperr.ErrMissingDependency) {
		t.Fatalf("err = %v, want missing dependency", err)
	}
}
