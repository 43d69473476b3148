package store

// OutboxEntry is the local record of one send attempt, keyed by its idempotency token.
type OutboxEntry struct {
	ID           int64
	ClientToken  string
	TempID       string
	PeerID       string
	Body         string
	Status       string // queued, sent, failed
	ErrorMessage string
	ServerMsgID  int64
}

// Outbox statuses.
const (
	OutboxQueued = "queued"
	OutboxSent   = "sent"
	OutboxFailed = "failed"
)

// CallRecord is one finished call in the local call log.
type CallRecord struct {
	ID         int64
	CallID     string
	PeerID     string
	Direction  string
	Kind       string
	Outcome    string // completed, declined, failed, cancelled
	StartedAt  int64
	DurationMs int64
	CreatedAt  int64
}
