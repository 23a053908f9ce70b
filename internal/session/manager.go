// Package session holds the canonical on/off flags and last known quality
// of a call session.
package session

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/callcore/internal/events"
	"github.com/mikeyg42/callcore/internal/quality"
)

// State is a snapshot of the session flags
type State struct {
	VideoEnabled       bool
	AudioEnabled       bool
	ScreenShareEnabled bool
	RecordingEnabled   bool
	ConnectionQuality  quality.Label
	VideoQuality       quality.VideoQuality
	InSession          bool
}

// DefaultState is the state of a session that has not started yet
func DefaultState() State {
	return State{
		VideoEnabled:      true,
		AudioEnabled:      true,
		ConnectionQuality: quality.Good,
		VideoQuality:      quality.VideoHigh,
	}
}

// Change is published whenever the state changes
type Change struct {
	Previous State
	Current  State
}

// QualityChanged reports whether the connection quality differs between the
// two snapshots
func (c Change) QualityChanged() bool {
	return c.Previous.ConnectionQuality != c.Current.ConnectionQuality
}

// QualitySink is the narrow write access given to the components allowed to
// record connection quality. UI code never receives one.
type QualitySink interface {
	SetConnectionQuality(quality.Label)
}

// Manager owns the session State. All writes are serialized by its mutex.
//
// Changes are published in the order they were applied. Subscribers must not
// write back into the Manager from their handler.
type Manager struct {
	pubMu   sync.Mutex
	mu      sync.RWMutex
	state   State
	changes *events.Bus[Change]
	logger  *zap.Logger
}

// NewManager creates a manager in the default state. A nil logger uses the
// global zap logger.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.L()
	}
	return &Manager{
		state:   DefaultState(),
		changes: events.NewBus[Change](),
		logger:  logger.Named("session"),
	}
}

// Changes exposes the change stream
func (m *Manager) Changes() *events.Bus[Change] {
	return m.changes
}

// Snapshot returns a copy of the current state
func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// InSession reports whether the session is live
func (m *Manager) InSession() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.InSession
}

// Begin marks the session live
func (m *Manager) Begin() {
	m.update(func(s *State) { s.InSession = true })
}

// End marks the session over
func (m *Manager) End() {
	m.update(func(s *State) { s.InSession = false })
}

func (m *Manager) ToggleVideo() bool {
	return m.toggle(func(s *State) *bool { return &s.VideoEnabled })
}

func (m *Manager) ToggleAudio() bool {
	return m.toggle(func(s *State) *bool { return &s.AudioEnabled })
}

func (m *Manager) ToggleScreenShare() bool {
	return m.toggle(func(s *State) *bool { return &s.ScreenShareEnabled })
}

func (m *Manager) ToggleRecording() bool {
	return m.toggle(func(s *State) *bool { return &s.RecordingEnabled })
}

// SetConnectionQuality records the latest connection quality
func (m *Manager) SetConnectionQuality(label quality.Label) {
	m.update(func(s *State) { s.ConnectionQuality = label })
}

// SetVideoQuality records the capture quality used for the next acquisition
func (m *Manager) SetVideoQuality(q quality.VideoQuality) {
	m.update(func(s *State) { s.VideoQuality = q })
}

func (m *Manager) toggle(field func(*State) *bool) bool {
	var next bool
	m.update(func(s *State) {
		f := field(s)
		*f = !*f
		next = *f
	})
	return next
}

// update applies fn under the lock and publishes the change after the lock
// is released. Unchanged state is not published.
func (m *Manager) update(fn func(*State)) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	m.mu.Lock()
	previous := m.state
	fn(&m.state)
	current := m.state
	m.mu.Unlock()

	if previous == current {
		return
	}

	if previous.ConnectionQuality != current.ConnectionQuality {
		m.logger.Info("Connection quality changed",
			zap.Stringer("from", previous.ConnectionQuality),
			zap.Stringer("to", current.ConnectionQuality))
	}
	m.changes.Publish(Change{Previous: previous, Current: current})
}
