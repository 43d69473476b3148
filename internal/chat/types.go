// Package chat holds the data model shared by the sync, unread and backend layers.
package chat

import "time"

// Message is one direct message between two users.
//
// ID is assigned only once the backend has persisted the row. TempID is set
// only while the message is an optimistic local copy. Token is the
// client-generated idempotency key carried through to the persisted row.
type Message struct {
	ID          int64
	TempID      string
	Token       string
	SenderID    string
	RecipientID string
	Text        string
	CreatedAt   time.Time
	IsRead      bool
}

// Optimistic reports whether m is a local copy awaiting its persisted form.
func (m Message) Optimistic() bool {
	return m.ID == 0 && m.TempID != ""
}

// Between reports whether m belongs to the conversation of users a and b.
func (m Message) Between(a, b string) bool {
	return (m.SenderID == a && m.RecipientID == b) || (m.SenderID == b && m.RecipientID == a)
}

// Peer returns the other participant from localID's point of view,
// or "" if localID is not a participant.
func (m Message) Peer(localID string) string {
	switch localID {
	case m.SenderID:
		return m.RecipientID
	case m.RecipientID:
		return m.SenderID
	}
	return ""
}

// Friend is a known conversation endpoint.
type Friend struct {
	UserID      string
	DisplayName string
}

// Profile is the public identity row of a user.
type Profile struct {
	ID        string
	Username  string
	FullName  string
	AvatarURL string
	UpdatedAt time.Time
}

// ProfileUpdate changes a user's profile. Empty fields keep their
// current value.
type ProfileUpdate struct {
	Username  string
	FullName  string
	AvatarURL string
}
