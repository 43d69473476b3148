package api

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/duet/internal/app"
	"github.com/matheus3301/duet/internal/call"
	"github.com/matheus3301/duet/internal/chat"
	"github.com/matheus3301/duet/internal/media"
	"github.com/matheus3301/duet/internal/store"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// StatusView is the session snapshot returned by Status.
type StatusView struct {
	UserID     string         `json:"user_id"`
	Status     string         `json:"status"`
	ActivePeer string         `json:"active_peer,omitempty"`
	Unread     map[string]int `json:"unread"`
	Online     []string       `json:"online"`
	Call       CallView       `json:"call"`
}

// CallView describes the call session.
type CallView struct {
	Phase           string        `json:"phase"`
	CallID          string        `json:"call_id,omitempty"`
	PeerID          string        `json:"peer_id,omitempty"`
	Direction       string        `json:"direction,omitempty"`
	Kind            string        `json:"kind,omitempty"`
	StartedAtUnixMs int64         `json:"started_at_unix_ms,omitempty"`
	LocalTracks     []string      `json:"local_tracks,omitempty"`
	RemoteTracks    []string      `json:"remote_tracks,omitempty"`
	Incoming        *IncomingView `json:"incoming,omitempty"`
}

// IncomingView is a pending offer.
type IncomingView struct {
	CallID string `json:"call_id"`
	PeerID string `json:"peer_id"`
	Kind   string `json:"kind"`
}

// MessageView is one entry of a conversation.
type MessageView struct {
	ID              int64  `json:"id,omitempty"`
	TempID          string `json:"temp_id,omitempty"`
	SenderID        string `json:"sender_id"`
	RecipientID     string `json:"recipient_id"`
	Text            string `json:"text"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
	IsRead          bool   `json:"is_read"`
	Pending         bool   `json:"pending,omitempty"`
}

// FriendView is one friend.
type FriendView struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// ProfileView is the user's own profile.
type ProfileView struct {
	UserID          string `json:"user_id"`
	Username        string `json:"username"`
	FullName        string `json:"full_name,omitempty"`
	AvatarURL       string `json:"avatar_url,omitempty"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
}

// ProfileRequest changes the profile. Empty fields are left as they are.
type ProfileRequest struct {
	Username  string `json:"username,omitempty"`
	FullName  string `json:"full_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// CallRecordView is one call log entry.
type CallRecordView struct {
	CallID          string `json:"call_id"`
	PeerID          string `json:"peer_id"`
	Direction       string `json:"direction"`
	Kind            string `json:"kind"`
	Outcome         string `json:"outcome"`
	StartedAtUnixMs int64  `json:"started_at_unix_ms"`
	DurationMs      int64  `json:"duration_ms"`
}

// EventView is one bus event delivered by Watch.
type EventView struct {
	EventID          string         `json:"event_id"`
	Kind             string         `json:"kind"`
	OccurredAtUnixMs int64          `json:"occurred_at_unix_ms"`
	Payload          map[string]any `json:"payload,omitempty"`
}

type messageList struct {
	Messages []MessageView `json:"messages"`
}

type friendList struct {
	Friends []FriendView `json:"friends"`
}

type callList struct {
	Calls []CallRecordView `json:"calls"`
}

type sendResult struct {
	TempID string `json:"temp_id"`
}

type startCallRequest struct {
	PeerID string `json:"peer_id,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

func statusView(s app.Snapshot) StatusView {
	return StatusView{
		UserID:     s.UserID,
		Status:     string(s.Status),
		ActivePeer: s.ActivePeer,
		Unread:     s.Unread,
		Online:     s.Online,
		Call:       callView(s.Call),
	}
}

func callView(s call.Session) CallView {
	v := CallView{
		Phase:        string(s.Phase),
		CallID:       s.CallID,
		PeerID:       s.PeerID,
		Direction:    string(s.Direction),
		Kind:         string(s.Kind),
		LocalTracks:  trackKinds(s.LocalTracks),
		RemoteTracks: trackKinds(s.RemoteTracks),
	}
	if !s.StartedAt.IsZero() {
		v.StartedAtUnixMs = s.StartedAt.UnixMilli()
	}
	if s.Pending != nil {
		v.Incoming = &IncomingView{CallID: s.Pending.CallID, PeerID: s.Pending.PeerID, Kind: string(s.Pending.Kind)}
	}
	return v
}

func trackKinds(tracks []media.Track) []string {
	var kinds []string
	for _, t := range tracks {
		kinds = append(kinds, t.Kind)
	}
	return kinds
}

func messageViews(msgs []chat.Message) []MessageView {
	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, MessageView{
			ID:              m.ID,
			TempID:          m.TempID,
			SenderID:        m.SenderID,
			RecipientID:     m.RecipientID,
			Text:            m.Text,
			CreatedAtUnixMs: m.CreatedAt.UnixMilli(),
			IsRead:          m.IsRead,
			Pending:         m.Optimistic(),
		})
	}
	return views
}

func friendView(f chat.Friend) FriendView {
	return FriendView{UserID: f.UserID, DisplayName: f.DisplayName}
}

func profileView(p chat.Profile) ProfileView {
	return ProfileView{
		UserID:          p.ID,
		Username:        p.Username,
		FullName:        p.FullName,
		AvatarURL:       p.AvatarURL,
		UpdatedAtUnixMs: p.UpdatedAt.UnixMilli(),
	}
}

func callRecordView(r store.CallRecord) CallRecordView {
	return CallRecordView{
		CallID:          r.CallID,
		PeerID:          r.PeerID,
		Direction:       r.Direction,
		Kind:            r.Kind,
		Outcome:         r.Outcome,
		StartedAtUnixMs: r.StartedAt,
		DurationMs:      r.DurationMs,
	}
}

// encode converts v to a Struct through its JSON form. Values that are not
// JSON objects are wrapped under "value".
func encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	if len(b) == 0 || b[0] != '{' {
		b, err = json.Marshal(map[string]json.RawMessage{"value": b})
		if err != nil {
			return nil, err
		}
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("decode struct: %w", err)
	}
	return s, nil
}

// decode fills v from a Struct produced by encode.
func decode(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
