// Package quality derives coarse connection-quality labels and fine-grained
// scores from peer connection state and RTC statistics.
package quality

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Label is the coarse connection quality shown to the user
type Label int

const (
	Excellent Label = iota
	Good
	Poor
	Disconnected
)

func (l Label) String() string {
	switch l {
	case Excellent:
		return "excellent"
	case Good:
		return "good"
	case Poor:
		return "poor"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ParseLabel converts a string to a Label
func ParseLabel(s string) (Label, error) {
	switch s {
	case "excellent":
		return Excellent, nil
	case "good":
		return Good, nil
	case "poor":
		return Poor, nil
	case "disconnected":
		return Disconnected, nil
	default:
		return 0, fmt.Errorf("invalid connection quality: %s", s)
	}
}

// FromPeerState maps the native peer connection state to a Label.
//
// States without an explicit mapping (new, closed, unknown) report Good.
// That optimistic fallback can hide a connection that never came up and is
// waiting on product review.
func FromPeerState(state webrtc.PeerConnectionState) Label {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		return Excellent
	case webrtc.PeerConnectionStateConnecting:
		return Good
	case webrtc.PeerConnectionStateDisconnected:
		return Poor
	case webrtc.PeerConnectionStateFailed:
		return Disconnected
	default:
		return Good
	}
}
