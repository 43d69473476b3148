package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrUnavailable means the requested device does not exist or is blocked.
	ErrUnavailable = errors.New("capture device unavailable")
	// ErrNothingRequested is returned for empty constraints.
	ErrNothingRequested = errors.New("no capture kind requested")
)

// Devices is the local capture capability. It hands out tracks for the
// kinds that are enabled and counts how many are live; a non-zero count is
// the device-in-use indicator.
type Devices struct {
	mu     sync.Mutex
	audio  bool
	video  bool
	live   int
	logger *zap.Logger
}

// NewDevices creates a provider with the given kinds available.
func NewDevices(audio, video bool, logger *zap.Logger) *Devices {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Devices{audio: audio, video: video, logger: logger}
}

// SetAvailable changes which kinds can be acquired.
func (d *Devices) SetAvailable(audio, video bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.audio, d.video = audio, video
}

// Acquire captures a stream satisfying c.
func (d *Devices) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, ErrNothingRequested
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if c.Audio && !d.audio {
		return nil, fmt.Errorf("%w: microphone", ErrUnavailable)
	}
	if c.Video && !d.video {
		return nil, fmt.Errorf("%w: camera", ErrUnavailable)
	}

	var tracks []Track
	if c.Audio {
		tracks = append(tracks, Track{ID: uuid.NewString(), Kind: TrackAudio})
	}
	if c.Video {
		tracks = append(tracks, Track{ID: uuid.NewString(), Kind: TrackVideo})
	}
	d.live += len(tracks)
	n := len(tracks)
	id := uuid.NewString()
	d.logger.Debug("media acquired", zap.String("stream", id), zap.Int("tracks", n))

	return NewStream(id, tracks, func() {
		d.mu.Lock()
		d.live -= n
		d.mu.Unlock()
		d.logger.Debug("media released", zap.String("stream", id), zap.Int("tracks", n))
	}), nil
}

// Live returns the number of acquired, unreleased tracks.
func (d *Devices) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}
