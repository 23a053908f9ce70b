package session

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/callcore/internal/quality"
)

func TestTogglesAreIdempotentInPairs(t *testing.T) {
	testCases := []struct {
		name   string
		toggle func(*Manager) bool
		field  func(State) bool
	}{
		{"Video", (*Manager).ToggleVideo, func(s State) bool { return s.VideoEnabled }},
		{"Audio", (*Manager).ToggleAudio, func(s State) bool { return s.AudioEnabled }},
		{"ScreenShare", (*Manager).ToggleScreenShare, func(s State) bool { return s.ScreenShareEnabled }},
		{"Recording", (*Manager).ToggleRecording, func(s State) bool { return s.RecordingEnabled }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(zaptest.NewLogger(t))
			original := tc.field(m.Snapshot())

			first := tc.toggle(m)
			if first == original {
				t.Fatalf("First toggle should flip the flag, still %v", first)
			}
			if tc.field(m.Snapshot()) != first {
				t.Fatal("Returned value should match stored state")
			}

			second := tc.toggle(m)
			if second != original {
				t.Fatalf("Two toggles should restore %v, got %v", original, second)
			}
		})
	}
}

func TestDefaultState(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	s := m.Snapshot()

	if !s.VideoEnabled || !s.AudioEnabled {
		t.Fatal("Video and audio should start enabled")
	}
	if s.ScreenShareEnabled || s.RecordingEnabled || s.InSession {
		t.Fatal("Screen share, recording and session should start off")
	}
	if s.ConnectionQuality != quality.Good {
		t.Fatalf("Expected initial quality good, got %s", s.ConnectionQuality)
	}
}

func TestChangesArePublished(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))

	var changes []Change
	m.Changes().Subscribe(func(c Change) { changes = append(changes, c) })

	m.Begin()
	m.SetConnectionQuality(quality.Poor)
	m.SetConnectionQuality(quality.Poor) // unchanged, not published
	m.ToggleAudio()

	if len(changes) != 3 {
		t.Fatalf("Expected 3 changes, got %d", len(changes))
	}
	if !changes[0].Current.InSession || changes[0].Previous.InSession {
		t.Fatal("First change should mark the session live")
	}
	if !changes[1].QualityChanged() || changes[1].Current.ConnectionQuality != quality.Poor {
		t.Fatalf("Second change should move quality to poor, got %+v", changes[1])
	}
	if changes[2].QualityChanged() {
		t.Fatal("Toggling audio should not report a quality change")
	}
}

func TestSinkInterface(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	var sink QualitySink = m

	sink.SetConnectionQuality(quality.Disconnected)
	if got := m.Snapshot().ConnectionQuality; got != quality.Disconnected {
		t.Fatalf("Expected disconnected, got %s", got)
	}

	m.SetVideoQuality(quality.VideoLow)
	if got := m.Snapshot().VideoQuality; got != quality.VideoLow {
		t.Fatalf("Expected low video quality, got %s", got)
	}
}
