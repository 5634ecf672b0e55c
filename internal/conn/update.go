package conn

// UpdateKind enumerates connection updates.
type UpdateKind int

const (
	UpdateQR UpdateKind = iota + 1
	UpdateOpen
	UpdateClosed

	// Internal updates posted by the manager's own timers.
	updateStart
	updateConnect
	updatePairingDue
	updatePairingExpired
	updateQRRotate
)

// CloseReason says why the transport closed.
type CloseReason string

const (
	ReasonRestartRequired  CloseReason = "restart_required" // stream error 515 right after pairing
	ReasonLoggedOut        CloseReason = "logged_out"
	ReasonConnectionLost   CloseReason = "connection_lost"
	ReasonConnectFailure   CloseReason = "connect_failure"
	ReasonReplaced         CloseReason = "replaced"
	ReasonKeepAliveTimeout CloseReason = "keepalive_timeout"
)

// Update is a typed connection event fed to the manager loop.
type Update struct {
	Kind    UpdateKind
	QRCodes []string    // UpdateQR, in display order
	SelfID  string      // UpdateOpen
	Reason  CloseReason // UpdateClosed
	Err     error       // UpdateClosed, optional cause

	gen uint64
}
