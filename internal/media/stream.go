// Package media models local capture devices and the streams acquired from them.
package media

import "sync"

// Constraints selects which capture kinds a stream needs.
type Constraints struct {
	Audio bool
	Video bool
}

// Track kinds.
const (
	TrackAudio = "audio"
	TrackVideo = "video"
)

// Track is one capture (or received) track.
type Track struct {
	ID   string
	Kind string
}

// Stream is a set of tracks. Local streams hold their devices until Stop;
// Stop releases exactly once no matter how many paths call it.
type Stream struct {
	id      string
	tracks  []Track
	release func()
	once    sync.Once
}

// NewStream wraps tracks. release may be nil for streams that hold no device.
func NewStream(id string, tracks []Track, release func()) *Stream {
	return &Stream{id: id, tracks: tracks, release: release}
}

// ID returns the stream id.
func (s *Stream) ID() string { return s.id }

// Tracks returns a copy of the stream's tracks.
func (s *Stream) Tracks() []Track {
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// HasVideo reports whether the stream carries a video track.
func (s *Stream) HasVideo() bool {
	for _, t := range s.tracks {
		if t.Kind == TrackVideo {
			return true
		}
	}
	return false
}

// Stop releases the underlying devices.
func (s *Stream) Stop() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}
