package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/wppbot/internal/ai"
	"github.com/matheus3301/wppbot/internal/apperr"
	"github.com/matheus3301/wppbot/internal/bus"
	"github.com/matheus3301/wppbot/internal/dedup"
	"github.com/matheus3301/wppbot/internal/marker"
	"github.com/matheus3301/wppbot/internal/media"
	"github.com/matheus3301/wppbot/internal/metrics"
	"github.com/matheus3301/wppbot/internal/pending"
	"github.com/matheus3301/wppbot/internal/store"
	"go.uber.org/zap"
)

// Deduplicator rejects messages already seen.
type Deduplicator interface {
	Accept(k dedup.Key) bool
}

// Conversation is the history store.
type Conversation interface {
	UpsertRecord(ctx context.Context, r *store.Record) error
	History(ctx context.Context, chatJID string, limit int) ([]store.Record, error)
}

// MediaResolver recovers attachment context.
type MediaResolver interface {
	Resolve(ctx context.Context, ref media.Reference, prompt string) (*media.Resolution, error)
	Analyze(ctx context.Context, ref media.Reference, prompt string) (string, error)
}

// Markers post-processes a model reply.
type Markers interface {
	Apply(ctx context.Context, req marker.Request, reply string) (*marker.Outcome, error)
}

// Outbox queues replies for delivery.
type Outbox interface {
	QueueText(ctx context.Context, chatJID, text string) (string, error)
	QueueFile(ctx context.Context, chatJID, fileName string, data []byte) (string, error)
}

// Reporter forwards failures to the operator.
type Reporter interface {
	Report(ctx context.Context, where string, err error) bool
}

// DefaultPersona is the system prompt used when none is configured.
const DefaultPersona = "You are a helpful personal assistant chatting on WhatsApp. " +
	"Answer concisely in the user's language. " +
	"If you need current information from the web, reply with only [WEBSEARCH:your query]. " +
	"If the answer is best delivered as a file, write a short lead-in, then [FILE:name.ext] on its own line, then the file content."

// User-facing replies.
const (
	apologyTransient = "Sorry, I couldn't reach my assistant service just now. Please try again in a moment."
	apologyGeneric   = "Sorry, something went wrong while handling your message. The issue has been reported."
	apologyConfig    = "Sorry, that feature isn't available right now."
	unsupportedMedia = "I can't open that kind of attachment yet."
	formatPrompt     = "I found a YouTube link. Reply *mp3* for audio or *mp4* for video within 5 minutes."
)

// Options tunes the pipeline.
type Options struct {
	Persona      string
	HistoryLimit int
	AITimeout    time.Duration
	// DownloadTimeout bounds one yt-dlp run including the media transfer.
	DownloadTimeout time.Duration
	ReplyInGroups   bool
}

// Deps groups the pipeline collaborators.
type Deps struct {
	Dedup      Deduplicator
	Store      Conversation
	Completer  ai.Completer
	Markers    Markers
	Resolver   MediaResolver
	Outbox     Outbox
	Reporter   Reporter
	Pending    *pending.Tracker
	Downloader pending.Downloader
	Bus        *bus.Bus
}

// Pipeline handles one inbound message end to end.
type Pipeline struct {
	Deps
	opts   Options
	logger *zap.Logger
}

// New creates a pipeline.
func New(deps Deps, opts Options, logger *zap.Logger) *Pipeline {
	if opts.Persona == "" {
		opts.Persona = DefaultPersona
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if opts.AITimeout <= 0 {
		opts.AITimeout = 90 * time.Second
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 10 * time.Minute
	}
	return &Pipeline{Deps: deps, opts: opts, logger: logger}
}

// Handle processes in at most once. Failures are answered with an apology
// and reported; the returned error is for logging only.
func (p *Pipeline) Handle(ctx context.Context, in Inbound) error {
	if p.skip(in) {
		return nil
	}
	if !p.Dedup.Accept(dedup.Key{ID: in.ID, Sender: in.SenderJID, Content: in.Text}) {
		metrics.MessagesDuplicate.Inc()
		p.logger.Debug("duplicate message dropped", zap.String("msg_id", in.ID))
		if p.Bus != nil {
			p.Bus.Emit(bus.KindMessageDuplicate, in.ID)
		}
		return nil
	}
	metrics.MessagesProcessed.Inc()
	p.logger.Debug("message accepted",
		zap.String("msg_id", in.ID),
		zap.String("chat", in.ChatJID),
		zap.String("kind", in.kind()))

	p.record(ctx, in)

	where, err := p.route(ctx, in)
	if err != nil {
		p.fail(ctx, in, where, err)
		return fmt.Errorf("%s: %w", where, err)
	}
	return nil
}

func (p *Pipeline) skip(in Inbound) bool {
	switch {
	case in.FromMe:
		return true
	case in.ChatJID == StatusBroadcast:
		return true
	case in.IsGroup && !p.opts.ReplyInGroups:
		return true
	case strings.TrimSpace(in.Text) == "" && in.Media == nil:
		return true
	}
	return false
}

func (p *Pipeline) record(ctx context.Context, in Inbound) {
	r := &store.Record{
		ChatJID:   in.ChatJID,
		MsgID:     in.ID,
		RefMsgID:  in.QuotedID,
		SenderJID: in.SenderJID,
		Role:      store.RoleUser,
		Kind:      store.KindText,
		Content:   in.Text,
	}
	if !in.Timestamp.IsZero() {
		r.CreatedAt = in.Timestamp.UnixMilli()
	}
	if in.Media != nil {
		r.Kind = store.KindMedia
		r.MediaType = in.Media.MediaType
		r.Mimetype = in.Media.Mimetype
		r.FileName = in.Media.FileName
	}
	if err := p.Store.UpsertRecord(ctx, r); err != nil {
		p.logger.Warn("failed to record inbound message", zap.String("msg_id", in.ID), zap.Error(err))
	}
}

// route picks the handler for in and returns a context label for reports.
func (p *Pipeline) route(ctx context.Context, in Inbound) (string, error) {
	text := strings.TrimSpace(in.Text)

	if f, ok := pending.ParseFormat(text); ok && p.Pending != nil && in.Media == nil {
		if d, ok := p.Pending.Claim(in.ChatJID); ok {
			return "download", p.download(ctx, in, d, f)
		}
	}
	if d, ok := pending.ParseLink(text); ok && p.Pending != nil && p.Downloader != nil && in.Media == nil {
		p.Pending.Put(in.ChatJID, d)
		_, err := p.Outbox.QueueText(ctx, in.ChatJID, formatPrompt)
		return "link", err
	}
	if in.Quoted != nil && text != "" {
		return "quoted-media", p.answerQuoted(ctx, in, text)
	}
	if in.Media != nil {
		return "media", p.answerMedia(ctx, in, text)
	}
	return "chat", p.answer(ctx, in, text)
}

func (p *Pipeline) download(ctx context.Context, in Inbound, d pending.Download, f pending.Format) error {
	dctx, cancel := context.WithTimeout(ctx, p.opts.DownloadTimeout)
	defer cancel()
	file, err := p.Downloader.Download(dctx, d, f)
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return apperr.New(apperr.KindTransient, "download", fmt.Errorf("timed out after %s: %w", p.opts.DownloadTimeout, err))
		}
		return err
	}
	_, err = p.Outbox.QueueFile(ctx, in.ChatJID, file.Name, file.Data)
	return err
}

func (p *Pipeline) answerQuoted(ctx context.Context, in Inbound, text string) error {
	res, err := p.Resolver.Resolve(ctx, *in.Quoted, text)
	if errors.Is(err, apperr.ErrMediaExpired) {
		_, qerr := p.Outbox.QueueText(ctx, in.ChatJID, media.ReuploadMessage)
		return qerr
	}
	if err != nil {
		return err
	}
	prompt := fmt.Sprintf("The user is replying to an earlier %s.\nWhat is known about it:\n%s\n\nTheir message: %s",
		in.Quoted.MediaType, res.Text, text)
	return p.answer(ctx, in, prompt)
}

func (p *Pipeline) answerMedia(ctx context.Context, in Inbound, caption string) error {
	analysis, err := p.Resolver.Analyze(ctx, *in.Media, caption)
	if errors.Is(err, media.ErrUnsupported) {
		if caption == "" {
			_, qerr := p.Outbox.QueueText(ctx, in.ChatJID, unsupportedMedia)
			return qerr
		}
		return p.answer(ctx, in, caption)
	}
	if err != nil {
		return err
	}
	if caption == "" {
		caption = "Summarise what this is and anything notable about it."
	}
	prompt := fmt.Sprintf("The user sent a %s.\nAnalysis:\n%s\n\nTheir message: %s", in.Media.MediaType, analysis, caption)
	return p.answer(ctx, in, prompt)
}

// answer runs one completion, applies the reply markers once and queues the result.
func (p *Pipeline) answer(ctx context.Context, in Inbound, prompt string) error {
	msgs := p.buildMessages(ctx, in, prompt)
	req := marker.Request{Messages: msgs, Options: ai.Options{Phase: "reply"}}

	actx, cancel := context.WithTimeout(ctx, p.opts.AITimeout)
	defer cancel()

	reply, err := p.Completer.Complete(actx, msgs, req.Options)
	if err != nil {
		return err
	}
	out, err := p.Markers.Apply(actx, req, reply)
	if err != nil {
		return err
	}
	return p.deliver(ctx, in.ChatJID, out)
}

func (p *Pipeline) deliver(ctx context.Context, chatJID string, out *marker.Outcome) error {
	if text := strings.TrimSpace(out.Text); text != "" {
		if _, err := p.Outbox.QueueText(ctx, chatJID, text); err != nil {
			return err
		}
	}
	if out.File != nil {
		if _, err := p.Outbox.QueueFile(ctx, chatJID, out.File.FileName, []byte(out.File.Content)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) buildMessages(ctx context.Context, in Inbound, prompt string) []ai.Message {
	msgs := []ai.Message{{Role: ai.RoleSystem, Content: p.opts.Persona}}

	hist, err := p.Store.History(ctx, in.ChatJID, p.opts.HistoryLimit+1)
	if err != nil {
		p.logger.Warn("failed to load history", zap.String("chat", in.ChatJID), zap.Error(err))
	}
	for _, r := range hist {
		if r.MsgID == in.ID || r.Content == "" {
			continue
		}
		role := ai.RoleUser
		if r.Role == store.RoleAssistant {
			role = ai.RoleAssistant
		}
		msgs = append(msgs, ai.Message{Role: role, Content: r.Content})
	}
	if len(msgs) > p.opts.HistoryLimit+1 {
		msgs = append(msgs[:1], msgs[len(msgs)-p.opts.HistoryLimit:]...)
	}
	return append(msgs, ai.Message{Role: ai.RoleUser, Content: prompt})
}

// fail sends one apology for in and reports err to the operator.
func (p *Pipeline) fail(ctx context.Context, in Inbound, where string, err error) {
	kind := apperr.KindOf(err)
	if kind == "" {
		kind = apperr.KindDownstream
	}
	metrics.Failures.WithLabelValues(string(kind)).Inc()
	p.logger.Error("message handling failed",
		zap.String("msg_id", in.ID),
		zap.String("context", where),
		zap.String("kind", string(kind)),
		zap.Error(err))

	apology := apologyGeneric
	switch kind {
	case apperr.KindTransient:
		apology = apologyTransient
	case apperr.KindMissingDependency:
		apology = apologyConfig
	}
	if _, qerr := p.Outbox.QueueText(ctx, in.ChatJID, apology); qerr != nil {
		p.logger.Error("failed to queue apology", zap.Error(qerr))
	}
	if p.Reporter != nil {
		p.Reporter.Report(ctx, where, err)
	}
}
