package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/duet/internal/bus"
	"github.com/matheus3301/duet/internal/chat"
	"github.com/matheus3301/duet/internal/presence"
)

// Frame types on the channel.
const (
	FrameInsert        = "INSERT"
	FrameUpdate        = "UPDATE"
	FramePresenceState = "presence_state"
	FramePresenceJoin  = "presence_join"
	FramePresenceLeave = "presence_leave"
)

const tableMessages = "messages"

// Frame is one JSON message on the event channel.
type Frame struct {
	Type    string   `json:"type"`
	Table   string   `json:"table,omitempty"`
	Record  *Record  `json:"record,omitempty"`
	IDs     []string `json:"ids,omitempty"`
	ID      string   `json:"id,omitempty"`
	Version uint64   `json:"version,omitempty"`
}

// Record is a messages row as the channel carries it.
type Record struct {
	ID          int64     `json:"id"`
	ClientToken string    `json:"client_token,omitempty"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
	IsRead      bool      `json:"is_read"`
}

// Message converts the row to its persisted chat form.
func (r Record) Message() chat.Message {
	return chat.Message{
		ID:          r.ID,
		Token:       r.ClientToken,
		SenderID:    r.SenderID,
		RecipientID: r.RecipientID,
		Text:        r.Text,
		CreatedAt:   r.CreatedAt,
		IsRead:      r.IsRead,
	}
}

// RecordOf is the inverse of Record.Message.
func RecordOf(m chat.Message) *Record {
	return &Record{
		ID:          m.ID,
		ClientToken: m.Token,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Text:        m.Text,
		CreatedAt:   m.CreatedAt,
		IsRead:      m.IsRead,
	}
}

// Decode turns a raw frame into a bus event. ok is false for frames this
// client does not consume (other tables, unknown types).
func Decode(data []byte) (evt bus.Event, ok bool, err error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return bus.Event{}, false, fmt.Errorf("decode frame: %w", err)
	}

	switch f.Type {
	case FrameInsert, FrameUpdate:
		if f.Table != tableMessages {
			return bus.Event{}, false, nil
		}
		if f.Record == nil || f.Record.ID == 0 {
			return bus.Event{}, false, fmt.Errorf("%s frame without a persisted record", f.Type)
		}
		kind := bus.KindStreamMessageInserted
		if f.Type == FrameUpdate {
			kind = bus.KindStreamMessageUpdated
		}
		return bus.NewEvent(kind, f.Record.Message()), true, nil
	case FramePresenceState:
		return bus.NewEvent(bus.KindStreamPresenceState, presence.Snapshot{IDs: f.IDs, Version: f.Version}), true, nil
	case FramePresenceJoin:
		return bus.NewEvent(bus.KindStreamPresenceJoin, presence.Delta{ID: f.ID, Version: f.Version}), true, nil
	case FramePresenceLeave:
		return bus.NewEvent(bus.KindStreamPresenceLeave, presence.Delta{ID: f.ID, Version: f.Version}), true, nil
	}
	return bus.Event{}, false, nil
}
