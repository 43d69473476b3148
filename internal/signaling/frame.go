package signaling

import "github.com/matheus3301/duet/internal/media"

// Frame types exchanged through the rendezvous.
const (
	frameRegister = "register"
	frameOffer    = "offer"
	frameRinging  = "ringing"
	frameAnswer   = "answer"
	frameClose    = "close"
)

// Frame is one rendezvous message. The rendezvous routes by To.
type Frame struct {
	Type   string      `json:"type"`
	CallID string      `json:"call_id,omitempty"`
	From   string      `json:"from,omitempty"`
	To     string      `json:"to,omitempty"`
	Kind   string      `json:"kind,omitempty"`
	Stream *StreamInfo `json:"stream,omitempty"`
}

// StreamInfo describes the sender's media.
type StreamInfo struct {
	ID     string      `json:"id"`
	Tracks []TrackInfo `json:"tracks"`
}

// TrackInfo describes one track.
type TrackInfo struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

func describe(s *media.Stream) *StreamInfo {
	if s == nil {
		return nil
	}
	info := &StreamInfo{ID: s.ID()}
	for _, t := range s.Tracks() {
		info.Tracks = append(info.Tracks, TrackInfo{ID: t.ID, Kind: t.Kind})
	}
	return info
}

// remote builds the receiving side's view of a described stream.
func (i *StreamInfo) remote() *media.Stream {
	if i == nil {
		return media.NewStream("", nil, nil)
	}
	tracks := make([]media.Track, 0, len(i.Tracks))
	for _, t := range i.Tracks {
		tracks = append(tracks, media.Track{ID: t.ID, Kind: t.Kind})
	}
	return media.NewStream(i.ID, tracks, nil)
}
