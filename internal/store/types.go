package store

// Role is who authored a conversation record.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind separates what a record holds. One message may have a text row and
// an analysis row.
type Kind string

const (
	KindText     Kind = "text"
	KindAnalysis Kind = "analysis"
	KindMedia    Kind = "media"
)

// Record is one row of conversation history.
type Record struct {
	ID        int64
	ChatJID   string
	MsgID     string
	RefMsgID  string // quoted message, or the analysed message for analysis rows
	SenderJID string
	Role      Role
	Kind      Kind
	Content   string
	MediaType string
	Mimetype  string
	FileName  string
	Status    string
	CreatedAt int64 // unix millis
}

// OutboxEntry is a queued outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	ChatJID      string
	Kind         string // text, document
	Body         string
	FileName     string
	Payload      []byte
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerMsgID  string
}
