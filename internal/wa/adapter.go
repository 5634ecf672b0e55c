package wa

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/matheus3301/wppbot/internal/apperr"
	"github.com/matheus3301/wppbot/internal/media"
	"github.com/matheus3301/wppbot/internal/store"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// PairingClientName is shown on the phone next to a pairing code request.
const PairingClientName = "Chrome (Linux)"

// Adapter wraps the whatsmeow client. The client is replaced when the
// device is reset, so callers must not keep it.
type Adapter struct {
	mu        sync.RWMutex
	client    *whatsmeow.Client
	container *sqlstore.Container
	handlers  []whatsmeow.EventHandler

	db     *store.DB
	logger *zap.Logger
}

// NewAdapter opens the whatsmeow device store at sessionDBPath.
func NewAdapter(ctx context.Context, sessionDBPath string, db *store.DB, logger *zap.Logger) (*Adapter, error) {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("wppbot", [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", sessionDBPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	a := &Adapter{container: container, db: db, logger: logger}
	a.client = a.newClient(device)
	return a, nil
}

// newClient builds a client that leaves every reconnect decision to the
// connection manager.
func (a *Adapter) newClient(device *wastore.Device) *whatsmeow.Client {
	c := whatsmeow.NewClient(device, nil)
	c.EnableAutoReconnect = false
	c.DisableLoginAutoReconnect = true
	for _, h := range a.handlers {
		c.AddEventHandler(h)
	}
	return c
}

// Client returns the current whatsmeow client.
func (a *Adapter) Client() *whatsmeow.Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client
}

// RegisterEventHandler adds a handler for whatsmeow events. Handlers
// survive device resets.
func (a *Adapter) RegisterEventHandler(handler whatsmeow.EventHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, handler)
	a.client.AddEventHandler(handler)
}

// SelfJID returns the linked account's JID, or nil before pairing.
func (a *Adapter) SelfJID() *types.JID {
	return a.Client().Store.ID
}

// IsConnected reports whether the websocket is up.
func (a *Adapter) IsConnected() bool {
	return a.Client().IsConnected()
}

// Connect opens the websocket, dropping a stale one first.
func (a *Adapter) Connect(_ context.Context) error {
	c := a.Client()
	if c.IsConnected() {
		c.Disconnect()
	}
	a.logger.Info("connecting to WhatsApp", zap.Bool("logged_in", c.Store.ID != nil))
	err := c.Connect()
	if errors.Is(err, whatsmeow.ErrAlreadyConnected) {
		return nil
	}
	return err
}

// Disconnect terminates the WhatsApp connection.
func (a *Adapter) Disconnect() {
	a.Client().Disconnect()
}

// RequestPairingCode asks the server for a linking code for phone.
func (a *Adapter) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	code, err := a.Client().PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, PairingClientName)
	if err != nil {
		return "", apperr.Classify("pair phone", err)
	}
	return code, nil
}

// ResetDevice deletes the linked device and starts over with a fresh one.
// Registered handlers move to the new client.
func (a *Adapter) ResetDevice(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	old := a.client
	old.Disconnect()
	if old.Store.ID != nil {
		if err := old.Store.Delete(ctx); err != nil {
			return fmt.Errorf("delete device: %w", err)
		}
	}
	a.client = a.newClient(a.container.NewDevice())
	a.logger.Info("device reset, a new link is required")
	return nil
}

// FetchMedia downloads the attachment in ref.Payload. Expired media is
// reported as apperr.KindMediaExpired.
func (a *Adapter) FetchMedia(ctx context.Context, ref media.Reference) ([]byte, error) {
	d := downloadable(ref.Payload)
	if d == nil {
		return nil, apperr.New(apperr.KindMediaExpired, "download", fmt.Errorf("no downloadable %s in message", ref.MediaType))
	}
	data, err := a.Client().Download(ctx, d)
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, whatsmeow.ErrMediaDownloadFailedWith404),
		errors.Is(err, whatsmeow.ErrMediaDownloadFailedWith410),
		errors.Is(err, whatsmeow.ErrNoURLPresent):
		return nil, apperr.New(apperr.KindMediaExpired, "download", err)
	default:
		return nil, apperr.Classify("download", err)
	}
}

// SendText sends a text message to jid and returns the server message ID.
func (a *Adapter) SendText(ctx context.Context, jid string, text string) (string, error) {
	to, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	resp, err := a.Client().SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", apperr.Classify("send message", err)
	}
	return resp.ID, nil
}

// SendDocument uploads data and sends it to jid as a named document.
func (a *Adapter) SendDocument(ctx context.Context, jid string, fileName string, data []byte) (string, error) {
	to, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	c := a.Client()
	up, err := c.Upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		return "", apperr.Classify("upload document", err)
	}
	mime := mimetype.Detect(data).String()
	resp, err := c.SendMessage(ctx, to, &waE2E.Message{
		DocumentMessage: &waE2E.DocumentMessage{
			Title:         proto.String(fileName),
			FileName:      proto.String(fileName),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		},
	})
	if err != nil {
		return "", apperr.Classify("send document", err)
	}
	return resp.ID, nil
}

// ResolveLID maps a LID JID to its phone number JID. Mappings found in the
// device store are cached in the app database so they survive device resets.
// Returns the original JID if it is not a LID or no mapping is known.
func (a *Adapter) ResolveLID(ctx context.Context, jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer && jid.Server != types.HostedLIDServer {
		return jid
	}
	if c := a.Client(); c.Store != nil && c.Store.LIDs != nil {
		pn, err := c.Store.LIDs.GetPNForLID(ctx, jid)
		if err == nil && !pn.IsEmpty() {
			if a.db != nil {
				if err := a.db.RememberLID(ctx, jid.User, pn.User); err != nil {
					a.logger.Debug("failed to cache lid mapping", zap.Error(err))
				}
			}
			return pn
		}
	}
	if a.db != nil {
		if pn, ok, err := a.db.PhoneForLID(ctx, jid.User); err == nil && ok {
			return types.NewJID(pn, types.DefaultUserServer)
		}
	}
	return jid
}

func downloadable(m *waE2E.Message) whatsmeow.DownloadableMessage {
	switch {
	case m == nil:
		return nil
	case m.GetImageMessage() != nil:
		return m.GetImageMessage()
	case m.GetDocumentMessage() != nil:
		return m.GetDocumentMessage()
	case m.GetStickerMessage() != nil:
		return m.GetStickerMessage()
	case m.GetAudioMessage() != nil:
		return m.GetAudioMessage()
	case m.GetVideoMessage() != nil:
		return m.GetVideoMessage()
	case m.GetDocumentWithCaptionMessage().GetMessage().GetDocumentMessage() != nil:
		return m.GetDocumentWithCaptionMessage().GetMessage().GetDocumentMessage()
	}
	return nil
}
