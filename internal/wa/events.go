package wa

import (
	"context"
	"time"

	"github.com/matheus3301/wppbot/internal/conn"
	"github.com/matheus3301/wppbot/internal/pipeline"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// keepAliveLimit is how many missed keepalives count as a lost connection.
const keepAliveLimit = 3

// Notifier receives connection updates. Implemented by conn.Manager.
type Notifier interface {
	Notify(u conn.Update)
}

// Dispatcher receives parsed inbound messages.
type Dispatcher interface {
	Dispatch(in pipeline.Inbound) error
}

// JIDResolver maps LIDs to phone number JIDs.
type JIDResolver interface {
	ResolveLID(ctx context.Context, jid types.JID) types.JID
	SelfJID() *types.JID
}

// EventHandler translates whatsmeow events into connection updates and
// inbound messages. It never reconnects on its own.
type EventHandler struct {
	notifier   Notifier
	dispatcher Dispatcher
	resolver   JIDResolver
	logger     *zap.Logger
}

// NewEventHandler creates a new event handler. resolver may be nil, in
// which case LIDs are passed through.
func NewEventHandler(n Notifier, d Dispatcher, resolver JIDResolver, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		notifier:   n,
		dispatcher: d,
		resolver:   resolver,
		logger:     logger,
	}
}

// Handle is the whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.handleMessage(evt)
	case *events.QR:
		if len(evt.Codes) == 0 {
			return
		}
		h.logger.Debug("login challenge received", zap.Int("codes", len(evt.Codes)))
		h.notifier.Notify(conn.Update{Kind: conn.UpdateQR, QRCodes: evt.Codes})
	case *events.PairSuccess:
		h.logger.Info("device paired", zap.String("jid", evt.ID.String()), zap.String("platform", evt.Platform))
	case *events.Connected:
		h.logger.Info("WhatsApp connected")
		h.notifier.Notify(conn.Update{Kind: conn.UpdateOpen, SelfID: h.selfID()})
	case *events.ManualLoginReconnect:
		h.closed(conn.ReasonRestartRequired, nil)
	case *events.Disconnected:
		h.closed(conn.ReasonConnectionLost, nil)
	case *events.StreamReplaced:
		h.closed(conn.ReasonReplaced, nil)
	case *events.KeepAliveTimeout:
		if evt.ErrorCount >= keepAliveLimit {
			h.closed(conn.ReasonKeepAliveTimeout, nil)
		}
	case *events.ConnectFailure:
		if evt.Reason.IsLoggedOut() {
			return // followed by LoggedOut
		}
		h.closed(conn.ReasonConnectFailure, connectFailureError{evt})
	case *events.LoggedOut:
		h.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		h.closed(conn.ReasonLoggedOut, loggedOutError{evt})
	case *events.TemporaryBan:
		h.logger.Error("account temporarily banned", zap.Any("ban", evt))
	}
}

func (h *EventHandler) closed(reason conn.CloseReason, err error) {
	h.logger.Warn("WhatsApp connection closed", zap.String("reason", string(reason)), zap.Error(err))
	h.notifier.Notify(conn.Update{Kind: conn.UpdateClosed, Reason: reason, Err: err})
}

func (h *EventHandler) handleMessage(evt *events.Message) {
	if h.dispatcher == nil {
		return
	}
	in := ParseLiveMessage(evt)
	if h.resolver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		in.SenderJID = h.resolveJID(ctx, evt.Info.Sender)
		if !evt.Info.IsGroup {
			in.ChatJID = h.resolveJID(ctx, evt.Info.Chat)
			if in.Media != nil {
				in.Media.ChatJID = in.ChatJID
			}
			if in.Quoted != nil {
				in.Quoted.ChatJID = in.ChatJID
			}
		}
		cancel()
	}
	if err := h.dispatcher.Dispatch(in); err != nil {
		h.logger.Warn("inbound message dropped", zap.String("msg_id", in.ID), zap.Error(err))
	}
}

func (h *EventHandler) resolveJID(ctx context.Context, jid types.JID) string {
	return h.resolver.ResolveLID(ctx, jid.ToNonAD()).ToNonAD().String()
}

func (h *EventHandler) selfID() string {
	if h.resolver == nil {
		return ""
	}
	if id := h.resolver.SelfJID(); id != nil {
		return id.ToNonAD().String()
	}
	return ""
}

type connectFailureError struct{ evt *events.ConnectFailure }

func (e connectFailureError) Error() string {
	return "connect failure: " + e.evt.Reason.String() + " " + e.evt.Message
}

type loggedOutError struct{ evt *events.LoggedOut }

func (e loggedOutError) Error() string {
	return "logged out: " + e.evt.Reason.String()
}
