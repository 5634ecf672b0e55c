package bus

import "time"

// Event kinds. Subscribers filter by prefix ("session.", "message.").
const (
	KindStatusChanged = "session.status_changed"
	KindQR            = "session.qr"
	KindPairingCode   = "session.pairing_code"
	KindOpened        = "session.opened"
	KindLoggedOut     = "session.logged_out"
	KindFatal         = "session.fatal"

	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindMessageDuplicate  = "message.duplicate"

	KindBackupCompleted = "backup.completed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
