package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/matheus3301/wppbot/internal/apperr"
	"github.com/matheus3301/wppbot/internal/metrics"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Config holds the completion endpoint settings.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxRetries  uint64
	MaxTokens   int
	Temperature float64
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
	backoff    func() retry.Backoff
}

// NewClient creates a completion client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
	c.backoff = func() retry.Backoff {
		return retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewExponential(time.Second))
	}
	return c
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c.cfg.APIKey != ""
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends msgs and returns the first choice. Transient failures are
// retried with exponential backoff.
func (c *Client) Complete(ctx context.Context, msgs []Message, opts Options) (string, error) {
	if !c.Configured() {
		return "", apperr.New(apperr.KindMissingDependency, "ai.complete", errors.New("no API key configured"))
	}
	body, err := json.Marshal(c.buildRequest(msgs, opts))
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	phase := opts.Phase
	if phase == "" {
		phase = "reply"
	}
	metrics.AICalls.WithLabelValues(phase).Inc()

	var out string
	err = retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		text, err := c.do(ctx, body)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindTransient {
				c.logger.Warn("completion failed, retrying", zap.Error(err))
				return retry.RetryableError(err)
			}
			return err
		}
		out = text
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

func (c *Client) buildRequest(msgs []Message, opts Options) chatRequest {
	req := chatRequest{Model: c.cfg.Model, MaxTokens: c.cfg.MaxTokens}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	temp := c.cfg.Temperature
	if opts.Temperature > 0 {
		temp = opts.Temperature
	}
	if temp > 0 {
		req.Temperature = &temp
	}

	for _, m := range msgs {
		if len(m.Images) == 0 {
			req.Messages = append(req.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
			continue
		}
		parts := []contentPart{{Type: "text", Text: m.Content}}
		for _, img := range m.Images {
			url := fmt.Sprintf("data:%s;base64,%s", img.Mimetype, base64.StdEncoding.EncodeToString(img.Data))
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: url}})
		}
		req.Messages = append(req.Messages, chatMessage{Role: string(m.Role), Content: parts})
	}
	return req
}

func (c *Client) do(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperr.Classify("ai.complete", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", apperr.Classify("ai.complete", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", apperr.New(apperr.KindTransient, "ai.complete", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized:
		return "", apperr.New(apperr.KindMissingDependency, "ai.complete", errors.New("API key rejected"))
	case resp.StatusCode != http.StatusOK:
		return "", apperr.New(apperr.KindDownstream, "ai.complete", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(raw), 200)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", apperr.New(apperr.KindDownstream, "ai.complete", fmt.Errorf("decode response: %w", err))
	}
	if parsed.Error != nil {
		return "", apperr.New(apperr.KindDownstream, "ai.complete", errors.New(parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return "", apperr.New(apperr.KindDownstream, "ai.complete", errors.New("empty choices"))
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
