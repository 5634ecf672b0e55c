package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/matheus3301/wppbot/internal/apperr"
	"github.com/matheus3301/wppbot/internal/metrics"
	"go.uber.org/zap"
)

// Config holds the search provider settings.
type Config struct {
	BaseURL    string
	APIKey     string
	NumResults int
	Timeout    time.Duration
}

// Result is a single search hit.
type Result struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Summary string `json:"summary,omitempty"`
	Text    string `json:"text,omitempty"`
}

type searchRequest struct {
	Query      string          `json:"query"`
	NumResults int             `json:"numResults"`
	Contents   map[string]bool `json:"contents,omitempty"`
}

type searchResponse struct {
	Results []Result `json:"results"`
}

// Client queries an Exa-style search API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a search client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.exa.ai"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.NumResults <= 0 || cfg.NumResults > 10 {
		cfg.NumResults = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c.cfg.APIKey != ""
}

// Search runs query and returns results formatted for a model prompt.
// An empty string means nothing was found.
func (c *Client) Search(ctx context.Context, query string) (string, error) {
	if !c.Configured() {
		return "", apperr.New(apperr.KindMissingDependency, "search", errors.New("no API key configured"))
	}
	metrics.SearchCalls.Inc()

	body, err := json.Marshal(searchRequest{
		Query:      query,
		NumResults: c.cfg.NumResults,
		Contents:   map[string]bool{"summary": true},
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperr.Classify("search", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		kind := apperr.KindDownstream
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			kind = apperr.KindTransient
		}
		return "", apperr.New(kind, "search", fmt.Errorf("status %d", resp.StatusCode))
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", apperr.New(apperr.KindDownstream, "search", fmt.Errorf("decode response: %w", err))
	}
	c.logger.Info("search completed", zap.String("query", query), zap.Int("results", len(parsed.Results)))
	return Format(parsed.Results), nil
}

// Format renders results as "URL: Title. Snippet: summary" blocks.
func Format(results []Result) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		snippet := r.Summary
		if snippet == "" {
			snippet = r.Text
		}
		if len(snippet) > 600 {
			snippet = snippet[:600] + "..."
		}
		b.WriteString(r.URL)
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(r.Title))
		b.WriteString(". Snippet: ")
		b.WriteString(strings.TrimSpace(snippet))
	}
	return b.String()
}
