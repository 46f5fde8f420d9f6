package store

// Message delivery statuses.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusRead    = "read"
	StatusFailed  = "failed"
)

// Outbox entry statuses.
const (
	OutboxQueued    = "queued"
	OutboxSending   = "sending"
	OutboxSent      = "sent"
	OutboxConfirmed = "confirmed"
	OutboxFailed    = "failed"
)

// Community is a chat room mirrored from the server.
type Community struct {
	ID    string
	Name  string
	Image string
}

// Message is one entry of a community's message log. Before confirmation
// MsgID equals TempID; afterwards MsgID is the server id and TempID is empty.
type Message struct {
	ID           int64
	CommunityID  string
	MsgID        string
	TempID       string
	SenderID     string
	SenderName   string
	Body         string
	Image        string
	Document     string
	ReplyToID    string
	ReplySnippet string
	ReplySender  string
	Status       string
	Edited       bool
	FromMe       bool
	SentAt       int64
}

// LastMessage is the per-community projection of the log head.
type LastMessage struct {
	CommunityID string
	MsgID       string
	SenderID    string
	SenderName  string
	Body        string
	Image       string
	Document    string
	Status      string
	Edited      bool
	SentAt      int64
}

// OutboxEntry is a queued outgoing send_message frame.
type OutboxEntry struct {
	ID           int64
	TempID       string
	CommunityID  string
	Payload      string
	Status       string
	ErrorMessage string
	ServerMsgID  string
	Attempts     int
	CreatedAt    int64
	SentAt       int64
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
