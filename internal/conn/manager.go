package conn

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/wppbot/internal/apperr"
	"github.com/matheus3301/wppbot/internal/bus"
	"github.com/matheus3301/wppbot/internal/creds"
	"github.com/matheus3301/wppbot/internal/metrics"
	"github.com/matheus3301/wppbot/internal/status"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// AuthMethod selects how a device without credentials is linked.
type AuthMethod string

const (
	AuthQR      AuthMethod = "qr"
	AuthPairing AuthMethod = "pairing"
)

// Transport is the session surface the manager drives.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	RequestPairingCode(ctx context.Context, phone string) (string, error)
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler arms timers. The default uses time.AfterFunc.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options configures the manager. Zero durations use the defaults.
type Options struct {
	AuthMethod     AuthMethod
	PhoneNumber    string
	PairingDelay   time.Duration // wait before asking for a pairing code
	PairingTimeout time.Duration // single-shot expiry for an issued code
	RestartDelay   time.Duration // reconnect delay after a stream restart
	LoggedOutDelay time.Duration // delay before acquisition restarts after logout
	RequestTimeout time.Duration // bound on connect and pairing calls
	QRFirstTimeout time.Duration // lifetime of the first QR code in a batch
	QRNextTimeout  time.Duration // lifetime of each later QR code
	QRWriter       io.Writer     // terminal to render QR codes on; nil logs only
}

func (o *Options) applyDefaults() {
	if o.AuthMethod == "" {
		o.AuthMethod = AuthQR
	}
	if o.PairingDelay <= 0 {
		o.PairingDelay = 3 * time.Second
	}
	if o.PairingTimeout <= 0 {
		o.PairingTimeout = 60 * time.Second
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = 3 * time.Second
	}
	if o.LoggedOutDelay <= 0 {
		o.LoggedOutDelay = 2 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.QRFirstTimeout <= 0 {
		o.QRFirstTimeout = 60 * time.Second
	}
	if o.QRNextTimeout <= 0 {
		o.QRNextTimeout = 20 * time.Second
	}
}

// Snapshot is a point-in-time copy of the connection state.
type Snapshot struct {
	Phase             status.State
	ReconnectAttempts int
	PairingRequested  bool
	Authenticated     bool
	Credentials       creds.State
}

// Manager owns the transport session lifecycle. Updates are consumed by a
// single goroutine (Run), which is the only writer of the state fields.
type Manager struct {
	transport Transport
	store     creds.Store
	validator *creds.Validator
	policy    *ReconnectPolicy
	machine   *status.Machine
	bus       *bus.Bus
	sched     Scheduler
	opts      Options
	logger    *zap.Logger

	updates chan Update
	done    chan struct{}
	stopped atomic.Bool

	// Loop-owned.
	credState        creds.State
	pairingRequested bool
	authenticated    bool
	pairingGen       uint64
	restartPending   bool
	qrCodes          []string
	qrIndex          int
	qrGen            uint64

	timersMu       sync.Mutex
	pairingTimer   Timer
	reconnectTimer Timer
	qrTimer        Timer

	snapMu sync.RWMutex
	snap   Snapshot
}

// NewManager creates a connection manager.
func NewManager(
	transport Transport,
	store creds.Store,
	policy *ReconnectPolicy,
	machine *status.Machine,
	b *bus.Bus,
	opts Options,
	logger *zap.Logger,
) *Manager {
	opts.applyDefaults()
	m := &Manager{
		transport: transport,
		store:     store,
		validator: creds.NewValidator(store, logger),
		policy:    policy,
		machine:   machine,
		bus:       b,
		sched:     realScheduler{},
		opts:      opts,
		logger:    logger,
		updates:   make(chan Update, 64),
		done:      make(chan struct{}),
		credState: creds.Absent,
	}
	m.refreshSnapshot()
	return m
}

// SetScheduler replaces the timer source. Must be called before Start.
func (m *Manager) SetScheduler(s Scheduler) {
	m.sched = s
}

// Notify queues a transport update for the loop. Safe for concurrent use.
func (m *Manager) Notify(u Update) {
	select {
	case m.updates <- u:
	case <-m.done:
	}
}

// Start queues the boot sequence: validate credentials, then connect.
func (m *Manager) Start() {
	m.Notify(Update{Kind: updateStart})
}

// Run consumes updates until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case u := <-m.updates:
			m.handle(ctx, u)
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels pending timers and disconnects. Later updates are ignored.
func (m *Manager) Stop() {
	m.stopped.Store(true)
	m.timersMu.Lock()
	stopTimer(m.pairingTimer)
	stopTimer(m.reconnectTimer)
	stopTimer(m.qrTimer)
	m.pairingTimer, m.reconnectTimer, m.qrTimer = nil, nil, nil
	m.timersMu.Unlock()
	m.transport.Disconnect()
}

// Snapshot returns the current connection state.
func (m *Manager) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

func (m *Manager) handle(ctx context.Context, u Update) {
	if m.stopped.Load() {
		return
	}
	switch u.Kind {
	case updateStart:
		m.onStart(ctx)
	case UpdateQR:
		m.onQR(u)
	case UpdateOpen:
		m.onOpen(ctx, u)
	case UpdateClosed:
		m.onClosed(ctx, u)
	case updateConnect:
		m.connect(ctx)
	case updatePairingDue:
		m.requestPairing(ctx)
	case updatePairingExpired:
		if u.gen == m.pairingGen {
			m.onPairingExpired(ctx)
		}
	case updateQRRotate:
		if u.gen == m.qrGen {
			m.onQRRotate(ctx)
		}
	}
	m.refreshSnapshot()
}

func (m *Manager) onStart(ctx context.Context) {
	state, err := m.validator.Check(ctx)
	if err != nil {
		m.logger.Error("credential check failed", zap.Error(err))
		m.enter(status.Failed)
		m.bus.Emit(bus.KindFatal, err)
		return
	}
	m.credState = state
	if state != creds.Absent {
		m.logger.Info("credentials present, skipping acquisition", zap.String("state", string(state)))
	}
	m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) {
	m.restartPending = false
	if m.machine.Current() == status.Open {
		return
	}
	m.enter(status.Connecting)
	cctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()
	if err := m.transport.Connect(cctx); err != nil {
		m.logger.Warn("connect failed", zap.Error(err))
		m.onClosed(ctx, Update{Kind: UpdateClosed, Reason: ReasonConnectFailure, Err: err})
	}
}

func (m *Manager) onQR(u Update) {
	if m.credState != creds.Absent {
		m.logger.Debug("ignoring login challenge, credentials present")
		return
	}
	switch m.opts.AuthMethod {
	case AuthPairing:
		if m.pairingRequested {
			return
		}
		m.pairingRequested = true
		m.logger.Info("pairing code will be requested", zap.Duration("delay", m.opts.PairingDelay))
		m.schedule(&m.pairingTimer, m.opts.PairingDelay, Update{Kind: updatePairingDue})
	default:
		if len(u.QRCodes) == 0 {
			return
		}
		if m.machine.Current() != status.AwaitingQR {
			m.enter(status.AwaitingQR)
		}
		m.cancelQR()
		m.qrCodes = u.QRCodes
		m.qrIndex = 0
		m.showQR()
	}
}

// showQR displays the current code of the batch and arms the timer that
// replaces it when it lapses.
func (m *Manager) showQR() {
	code := m.qrCodes[m.qrIndex]
	m.renderQR(code)
	m.bus.Emit(bus.KindQR, code)

	d := m.opts.QRNextTimeout
	if m.qrIndex == 0 {
		d = m.opts.QRFirstTimeout
	}
	m.schedule(&m.qrTimer, d, Update{Kind: updateQRRotate, gen: m.qrGen})
}

func (m *Manager) onQRRotate(ctx context.Context) {
	if m.machine.Current() != status.AwaitingQR {
		return
	}
	m.qrIndex++
	if m.qrIndex < len(m.qrCodes) {
		m.showQR()
		return
	}
	m.restartQR(ctx)
}

// restartQR opens a fresh login window after the last code lapsed. It does
// not count against the reconnect policy.
func (m *Manager) restartQR(ctx context.Context) {
	m.logger.Info("QR codes expired, requesting a new batch")
	m.cancelQR()
	m.transport.Disconnect()
	m.enter(status.Idle)
	m.connect(ctx)
}

func (m *Manager) cancelQR() {
	m.qrGen++
	m.qrCodes, m.qrIndex = nil, 0
	m.timersMu.Lock()
	stopTimer(m.qrTimer)
	m.qrTimer = nil
	m.timersMu.Unlock()
}

func (m *Manager) requestPairing(ctx context.Context) {
	if m.credState != creds.Absent || m.machine.Current() == status.Open {
		m.pairingRequested = false
		return
	}
	cctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()
	code, err := m.transport.RequestPairingCode(cctx, m.opts.PhoneNumber)
	if err != nil {
		m.logger.Error("pairing code request failed", zap.Error(err))
		m.pairingRequested = false
		return
	}

	m.enter(status.AwaitingPairingCode)
	m.logger.Info("pairing code issued", zap.String("code", code), zap.Duration("expires_in", m.opts.PairingTimeout))
	if m.opts.QRWriter != nil {
		_, _ = fmt.Fprintf(m.opts.QRWriter, "\nPairing code: %s\n\n", code)
	}
	m.bus.Emit(bus.KindPairingCode, code)

	m.pairingGen++
	m.timersMu.Lock()
	stopTimer(m.pairingTimer)
	gen := m.pairingGen
	m.pairingTimer = m.sched.AfterFunc(m.opts.PairingTimeout, func() {
		m.Notify(Update{Kind: updatePairingExpired, gen: gen})
	})
	m.timersMu.Unlock()
}

func (m *Manager) onPairingExpired(ctx context.Context) {
	if m.machine.Current() == status.Open {
		return
	}
	m.logger.Warn("pairing code expired, restarting acquisition")
	m.pairingRequested = false
	m.transport.Disconnect()
	if err := m.store.Delete(ctx); err != nil {
		m.logger.Error("failed to delete pairing credentials", zap.Error(err))
	}
	m.credState = creds.Absent
	m.enter(status.Idle)
	m.connect(ctx)
}

func (m *Manager) onOpen(ctx context.Context, u Update) {
	m.authenticated = true
	m.restartPending = false
	m.policy.Reset()
	m.cancelPairing()
	m.cancelQR()
	m.timersMu.Lock()
	stopTimer(m.reconnectTimer)
	m.reconnectTimer = nil
	m.timersMu.Unlock()
	m.pairingRequested = false
	m.credState = creds.Valid
	if u.SelfID != "" {
		if err := m.store.MarkRegistered(ctx, u.SelfID); err != nil {
			m.logger.Error("failed to mark credentials registered", zap.Error(err))
		}
	}
	m.enter(status.Open)
	m.logger.Info("session open", zap.String("self_id", u.SelfID))
	m.bus.Emit(bus.KindOpened, u.SelfID)
}

func (m *Manager) onClosed(ctx context.Context, u Update) {
	if m.machine.Current() == status.Failed {
		return
	}
	if u.Reason == ReasonConnectionLost && m.restartPending {
		// The socket close that follows a stream restart request.
		m.logger.Debug("ignoring disconnect during stream restart")
		return
	}
	if u.Reason == ReasonConnectionLost && m.machine.Current() == status.AwaitingQR {
		// The server ended the login window before the last code lapsed.
		m.restartQR(ctx)
		return
	}
	m.authenticated = false
	m.cancelQR()
	m.enter(status.Closed)

	switch u.Reason {
	case ReasonRestartRequired:
		m.restartPending = true
		m.logger.Info("stream restart requested, reconnecting", zap.Duration("delay", m.opts.RestartDelay))
		metrics.Reconnects.WithLabelValues(string(u.Reason)).Inc()
		m.schedule(&m.reconnectTimer, m.opts.RestartDelay, Update{Kind: updateConnect})

	case ReasonLoggedOut:
		m.restartPending = false
		m.logger.Warn("logged out, wiping credentials")
		m.cancelPairing()
		if err := m.store.Delete(ctx); err != nil {
			m.logger.Error("failed to delete credentials", zap.Error(err))
		}
		m.policy.Reset()
		m.pairingRequested = false
		m.credState = creds.Absent
		m.bus.Emit(bus.KindLoggedOut, apperr.New(apperr.KindAuthExpired, "session", u.Err))
		m.enter(status.Idle)
		m.schedule(&m.reconnectTimer, m.opts.LoggedOutDelay, Update{Kind: updateConnect})

	default:
		attempt, delay, ok := m.policy.Next()
		if !ok {
			err := apperr.New(apperr.KindReconnectExhausted, "reconnect", fmt.Errorf("gave up after %d attempts", attempt))
			m.logger.Error("reconnect attempts exhausted, manual intervention required",
				zap.Int("attempts", attempt), zap.String("reason", string(u.Reason)))
			m.enter(status.Failed)
			m.bus.Emit(bus.KindFatal, err)
			return
		}
		m.logger.Warn("connection closed, scheduling reconnect",
			zap.String("reason", string(u.Reason)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(u.Err))
		metrics.Reconnects.WithLabelValues(string(u.Reason)).Inc()
		m.schedule(&m.reconnectTimer, delay, Update{Kind: updateConnect})
	}
}

// schedule arms a timer that posts u back into the loop, replacing any
// timer already stored in slot.
func (m *Manager) schedule(slot *Timer, d time.Duration, u Update) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	stopTimer(*slot)
	*slot = m.sched.AfterFunc(d, func() { m.Notify(u) })
}

func (m *Manager) cancelPairing() {
	m.pairingGen++
	m.timersMu.Lock()
	stopTimer(m.pairingTimer)
	m.pairingTimer = nil
	m.timersMu.Unlock()
}

func (m *Manager) enter(s status.State) {
	if m.machine.Current() == s {
		return
	}
	if err := m.machine.Transition(s); err != nil {
		m.logger.Warn("unexpected session transition", zap.Error(err))
	}
}

func (m *Manager) renderQR(code string) {
	m.logger.Info("scan the QR code to link this device")
	if m.opts.QRWriter == nil || code == "" {
		return
	}
	q, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		m.logger.Warn("failed to render QR code", zap.Error(err))
		return
	}
	_, _ = io.WriteString(m.opts.QRWriter, q.ToSmallString(false))
}

func (m *Manager) refreshSnapshot() {
	s := Snapshot{
		Phase:             m.machine.Current(),
		ReconnectAttempts: m.policy.Attempts(),
		PairingRequested:  m.pairingRequested,
		Authenticated:     m.authenticated,
		Credentials:       m.credState,
	}
	m.snapMu.Lock()
	m.snap = s
	m.snapMu.Unlock()
}

func stopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}
