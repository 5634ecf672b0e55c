package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/wppbot/internal/apperr"
	"github.com/matheus3301/wppbot/internal/metrics"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.uber.org/zap"
)

// Reference is the minimal description of an attachment needed to fetch it
// again and to find what is already known about it.
type Reference struct {
	MediaType string // image, sticker, document, audio, video
	Mimetype  string
	FileName  string
	Caption   string
	MessageID string
	ChatJID   string
	Payload   *waE2E.Message
}

// Source says which tier produced a resolution.
type Source string

const (
	SourceFresh    Source = "fresh"
	SourceAnalysis Source = "analysis"
	SourceText     Source = "text"
)

// Resolution is usable context about a quoted attachment.
type Resolution struct {
	Source Source
	Text   string
}

// Fetcher downloads attachment bytes through the transport.
type Fetcher interface {
	FetchMedia(ctx context.Context, ref Reference) ([]byte, error)
}

// Reader turns attachment bytes into text.
type Reader interface {
	Read(ctx context.Context, data []byte, ref Reference, prompt string) (string, error)
}

// History is the slice of the conversation store the resolver needs.
type History interface {
	FindAnalysis(ctx context.Context, chatJID, msgID string) (string, bool, error)
	FindMessage(ctx context.Context, chatJID, msgID string) (string, bool, error)
	SaveAnalysis(ctx context.Context, ref Reference, text string) error
}

// ErrUnsupported is returned by Analyze when no reader handles the media type.
var ErrUnsupported = errors.New("unsupported media type")

// ReuploadMessage is sent when nothing about a quoted attachment survives.
const ReuploadMessage = "I can no longer open that file. Could you send it again?"

const expiredNote = "Note: the original attachment could not be downloaded again; " +
	"this is an earlier analysis of it and may not cover the new question.\n\n"

// Resolver recovers context for quoted attachments.
type Resolver struct {
	fetcher      Fetcher
	readers      map[string]Reader
	history      History
	fetchTimeout time.Duration
	logger       *zap.Logger
}

// NewResolver creates a resolver. readers is keyed by media type.
func NewResolver(fetcher Fetcher, readers map[string]Reader, history History, fetchTimeout time.Duration, logger *zap.Logger) *Resolver {
	if fetchTimeout <= 0 {
		fetchTimeout = 60 * time.Second
	}
	return &Resolver{
		fetcher:      fetcher,
		readers:      readers,
		history:      history,
		fetchTimeout: fetchTimeout,
		logger:       logger,
	}
}

// Resolve returns context for ref, trying in order: a fresh fetch and read,
// the stored analysis, the stored text or caption. When nothing is left it
// returns an error matching apperr.ErrMediaExpired.
func (r *Resolver) Resolve(ctx context.Context, ref Reference, prompt string) (*Resolution, error) {
	text, freshErr := r.Analyze(ctx, ref, prompt)
	if freshErr == nil {
		metrics.MediaResolutions.WithLabelValues(string(SourceFresh)).Inc()
		return &Resolution{Source: SourceFresh, Text: text}, nil
	}
	log := r.logger.With(zap.String("msg_id", ref.MessageID), zap.String("media_type", ref.MediaType))
	log.Info("quoted media unavailable, trying history", zap.Error(freshErr))

	if analysis, ok, err := r.history.FindAnalysis(ctx, ref.ChatJID, ref.MessageID); err != nil {
		log.Warn("analysis lookup failed", zap.Error(err))
	} else if ok {
		metrics.MediaResolutions.WithLabelValues(string(SourceAnalysis)).Inc()
		return &Resolution{Source: SourceAnalysis, Text: expiredNote + analysis}, nil
	}

	stored, ok, err := r.history.FindMessage(ctx, ref.ChatJID, ref.MessageID)
	if err != nil {
		log.Warn("message lookup failed", zap.Error(err))
	}
	if !ok || stored == "" {
		stored = ref.Caption
	}
	if stored != "" {
		metrics.MediaResolutions.WithLabelValues(string(SourceText)).Inc()
		return &Resolution{Source: SourceText, Text: stored}, nil
	}

	metrics.MediaResolutions.WithLabelValues("none").Inc()
	if apperr.KindOf(freshErr) == apperr.KindMediaExpired || errors.Is(freshErr, ErrUnsupported) {
		return nil, apperr.New(apperr.KindMediaExpired, "media.resolve", errors.New(ReuploadMessage))
	}
	return nil, freshErr
}

// Analyze fetches ref, runs the reader for its type and stores the result
// as an analysis of ref.MessageID.
func (r *Resolver) Analyze(ctx context.Context, ref Reference, prompt string) (string, error) {
	reader, ok := r.readers[ref.MediaType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, ref.MediaType)
	}
	if ref.Payload == nil {
		return "", apperr.New(apperr.KindMediaExpired, "media.fetch", errors.New("no payload reference"))
	}

	fctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	data, err := r.fetcher.FetchMedia(fctx, ref)
	cancel()
	if err != nil {
		return "", err
	}

	text, err := reader.Read(ctx, data, ref, prompt)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", ref.MediaType, err)
	}
	if err := r.history.SaveAnalysis(ctx, ref, text); err != nil {
		r.logger.Warn("failed to store analysis", zap.String("msg_id", ref.MessageID), zap.Error(err))
	}
	return text, nil
}
