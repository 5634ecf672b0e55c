package pipeline

import (
	"time"

	"github.com/matheus3301/wppbot/internal/media"
)

// Inbound is a normalized incoming message.
type Inbound struct {
	ID        string
	ChatJID   string
	SenderJID string // phone-number form once LIDs are resolved
	PushName  string
	Text      string // body, or caption for attachments
	FromMe    bool
	IsGroup   bool
	Timestamp time.Time

	// Media is set when the message itself carries an attachment.
	Media *media.Reference
	// Quoted is set when the message replies to an earlier attachment.
	Quoted *media.Reference
	// QuotedID is the id of any quoted message.
	QuotedID string
}

// StatusBroadcast is the pseudo-chat used for WhatsApp status updates.
const StatusBroadcast = "status@broadcast"

func (in *Inbound) kind() string {
	if in.Media != nil {
		return in.Media.MediaType
	}
	return "text"
}
