package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wppbot/internal/bus"
	"github.com/matheus3301/wppbot/internal/status"
	"github.com/matheus3301/wppbot/internal/store"
	"go.uber.org/zap"
)

// Transport sends messages over the WhatsApp session.
type Transport interface {
	SendText(ctx context.Context, jid string, text string) (serverMsgID string, err error)
	SendDocument(ctx context.Context, jid string, fileName string, data []byte) (serverMsgID string, err error)
}

// Phase reports the current session phase. Implemented by status.Machine.
type Phase interface {
	Current() status.State
}

// Sender drains the outbox and delivers replies in queue order. Entries
// wait in the queue while the session is not open.
type Sender struct {
	db        *store.DB
	transport Transport
	phase     Phase
	bus       *bus.Bus
	logger    *zap.Logger
	interval  time.Duration
	wake      chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSender creates a new outbox sender. A nil phase treats the session as
// always open.
func NewSender(db *store.DB, transport Transport, phase Phase, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:        db,
		transport: transport,
		phase:     phase,
		bus:       b,
		logger:    logger,
		interval:  500 * time.Millisecond,
		wake:      make(chan struct{}, 1),
	}
}

// QueueText queues a text reply and records it in the conversation as sending.
func (s *Sender) QueueText(ctx context.Context, chatJID, text string) (string, error) {
	return s.queue(ctx, &store.OutboxEntry{ChatJID: chatJID, Kind: "text", Body: text})
}

// QueueFile queues a document reply.
func (s *Sender) QueueFile(ctx context.Context, chatJID, fileName string, data []byte) (string, error) {
	return s.queue(ctx, &store.OutboxEntry{ChatJID: chatJID, Kind: "document", FileName: fileName, Payload: data})
}

func (s *Sender) queue(ctx context.Context, e *store.OutboxEntry) (string, error) {
	e.ClientMsgID = uuid.NewString()
	if err := s.db.QueueOutbox(ctx, e); err != nil {
		return "", err
	}

	// Optimistic history row so the next turn sees the reply.
	rec := &store.Record{
		ChatJID:  e.ChatJID,
		MsgID:    e.ClientMsgID,
		Role:     store.RoleAssistant,
		Kind:     store.KindText,
		Content:  e.Body,
		FileName: e.FileName,
		Status:   "sending",
	}
	if e.Kind == "document" {
		rec.Kind = store.KindMedia
		rec.MediaType = "document"
		rec.Content = "[sent file " + e.FileName + "]"
	}
	if err := s.db.UpsertRecord(ctx, rec); err != nil {
		s.logger.Warn("failed to record outgoing message", zap.Error(err))
	}
	s.bus.Emit(bus.KindMessageUpserted, map[string]string{"chat_jid": e.ChatJID, "msg_id": e.ClientMsgID})

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return e.ClientMsgID, nil
}

// Start begins draining the outbox.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for the current batch.
func (s *Sender) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Flush(ctx)
		case <-s.wake:
			s.Flush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) open() bool {
	return s.phase == nil || s.phase.Current() == status.Open
}

// Flush sends every queued entry once. It does nothing while the session is
// not open.
func (s *Sender) Flush(ctx context.Context) {
	if !s.open() {
		return
	}
	pending, err := s.db.PendingOutbox(ctx, 0)
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil || !s.open() {
			return
		}
		s.deliver(ctx, entry)
	}
}

func (s *Sender) deliver(ctx context.Context, entry store.OutboxEntry) {
	log := s.logger.With(zap.String("client_msg_id", entry.ClientMsgID), zap.String("kind", entry.Kind))
	if err := s.db.MarkOutboxSending(ctx, entry.ClientMsgID); err != nil {
		log.Error("failed to mark sending", zap.Error(err))
		return
	}

	var serverMsgID string
	var err error
	switch entry.Kind {
	case "document":
		serverMsgID, err = s.transport.SendDocument(ctx, entry.ChatJID, entry.FileName, entry.Payload)
	default:
		serverMsgID, err = s.transport.SendText(ctx, entry.ChatJID, entry.Body)
	}

	if err != nil && !s.open() {
		// The session dropped mid-send. Retry once it reopens.
		log.Warn("send interrupted by disconnect, requeued", zap.Error(err))
		if rerr := s.db.RequeueOutbox(ctx, entry.ClientMsgID, err.Error()); rerr != nil {
			log.Error("failed to requeue", zap.Error(rerr))
		}
		return
	}
	if err != nil {
		log.Error("failed to send message", zap.Error(err))
		if ferr := s.db.MarkOutboxFailed(ctx, entry.ClientMsgID, err.Error()); ferr != nil {
			log.Error("failed to mark failed", zap.Error(ferr))
		}
		if rerr := s.db.SetRecordStatus(ctx, entry.ChatJID, entry.ClientMsgID, "failed"); rerr != nil {
			log.Error("failed to update record status", zap.Error(rerr))
		}
		s.bus.Emit(bus.KindMessageSendFailed, map[string]string{
			"client_msg_id": entry.ClientMsgID,
			"chat_jid":      entry.ChatJID,
			"error":         err.Error(),
		})
		return
	}

	if err := s.db.MarkOutboxSent(ctx, entry.ClientMsgID, serverMsgID); err != nil {
		log.Error("failed to mark sent", zap.Error(err))
	}
	if err := s.db.SetRecordStatus(ctx, entry.ChatJID, entry.ClientMsgID, "sent"); err != nil {
		log.Error("failed to update record status", zap.Error(err))
	}

	log.Info("message sent", zap.String("server_msg_id", serverMsgID))
	s.bus.Emit(bus.KindMessageSendAck, map[string]string{
		"client_msg_id": entry.ClientMsgID,
		"server_msg_id": serverMsgID,
		"chat_jid":      entry.ChatJID,
	})
}
