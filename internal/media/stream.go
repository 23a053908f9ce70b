// Package media models the local media stream owned by a call session and
// the acquisition of new streams from capture devices.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrNoStream is returned when acquisition produced no stream
var ErrNoStream = errors.New("media: no stream")

// Track is the part of a capture track the call core needs. Tracks produced
// by mediadevices satisfy it.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Close() error
}

// Stream is a set of local tracks acquired together
type Stream interface {
	ID() string
	Tracks() []Track
}

// Overrides narrow an acquisition to specific devices and capture settings.
// Zero values mean "use the default".
type Overrides struct {
	CameraID     string
	MicrophoneID string
	Width        int
	Height       int
	FrameRate    float64
}

// Acquirer produces local streams from capture hardware
type Acquirer interface {
	GetLocalStream(ctx context.Context, o Overrides) (Stream, error)
}

// Stop closes every track of s
func Stop(s Stream) error {
	if s == nil {
		return nil
	}
	var err error
	for _, t := range s.Tracks() {
		err = multierr.Append(err, t.Close())
	}
	return err
}

// Slot holds the session's single live local stream. Installing a new
// stream always stops every track of the one it replaces.
type Slot struct {
	mu      sync.Mutex
	current Stream
	logger  *zap.Logger
}

// NewSlot returns an empty slot
func NewSlot(logger *zap.Logger) *Slot {
	if logger == nil {
		logger = zap.L()
	}
	return &Slot{logger: logger.Named("stream-slot")}
}

// Replace installs next and releases the previous stream
func (s *Slot) Replace(next Stream) {
	s.mu.Lock()
	previous := s.current
	s.current = next
	s.mu.Unlock()

	if previous == nil || previous == next {
		return
	}
	if err := Stop(previous); err != nil {
		s.logger.Warn("Failed to stop all tracks of replaced stream",
			zap.String("stream", previous.ID()), zap.Error(err))
		return
	}
	s.logger.Debug("Released replaced stream", zap.String("stream", previous.ID()))
}

// Current returns the live stream, or nil
func (s *Slot) Current() Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Release stops and forgets the live stream
func (s *Slot) Release() {
	s.Replace(nil)
}
