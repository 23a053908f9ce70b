package quality

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestFromPeerState(t *testing.T) {
	testCases := []struct {
		state webrtc.PeerConnectionState
		want  Label
	}{
		{webrtc.PeerConnectionStateConnected, Excellent},
		{webrtc.PeerConnectionStateConnecting, Good},
		{webrtc.PeerConnectionStateDisconnected, Poor},
		{webrtc.PeerConnectionStateFailed, Disconnected},
		{webrtc.PeerConnectionStateNew, Good},
		{webrtc.PeerConnectionStateClosed, Good},
		{webrtc.PeerConnectionStateUnknown, Good},
	}

	for _, tc := range testCases {
		t.Run(tc.state.String(), func(t *testing.T) {
			if got := FromPeerState(tc.state); got != tc.want {
				t.Fatalf("Expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestParseLabelRoundTrip(t *testing.T) {
	for _, l := range []Label{Excellent, Good, Poor, Disconnected} {
		got, err := ParseLabel(l.String())
		if err != nil {
			t.Fatalf("ParseLabel(%q) failed: %v", l.String(), err)
		}
		if got != l {
			t.Fatalf("Expected %s, got %s", l, got)
		}
	}

	if _, err := ParseLabel("great"); err == nil {
		t.Fatal("Expected error for unknown label")
	}
}

func TestScore(t *testing.T) {
	hd := Resolution{Width: 1280, Height: 720}

	testCases := []struct {
		name    string
		metrics Metrics
		want    int
	}{
		{"Perfect", Metrics{RTT: 50 * time.Millisecond, Resolution: hd, FrameRate: 30}, 100},
		{"RTT just above 100ms", Metrics{RTT: 101 * time.Millisecond, Resolution: hd, FrameRate: 30}, 95},
		{"RTT exactly 150ms", Metrics{RTT: 150 * time.Millisecond, Resolution: hd, FrameRate: 30}, 95},
		{"RTT above 150ms", Metrics{RTT: 200 * time.Millisecond, Resolution: hd, FrameRate: 30}, 85},
		{"RTT above 300ms", Metrics{RTT: 400 * time.Millisecond, Resolution: hd, FrameRate: 30}, 70},
		{"Minor loss", Metrics{PacketLoss: 1, Resolution: hd, FrameRate: 30}, 90},
		{"Loss exactly 0.5", Metrics{PacketLoss: 0.5, Resolution: hd, FrameRate: 30}, 100},
		{"Warning loss", Metrics{PacketLoss: 3, Resolution: hd, FrameRate: 30}, 80},
		{"Critical loss", Metrics{PacketLoss: 6, Resolution: hd, FrameRate: 30}, 60},
		{"Exactly VGA", Metrics{Resolution: Resolution{Width: 640, Height: 480}, FrameRate: 30}, 100},
		{"Below VGA", Metrics{Resolution: Resolution{Width: 320, Height: 240}, FrameRate: 30}, 90},
		{"Choppy", Metrics{Resolution: hd, FrameRate: 20}, 95},
		{"Slideshow", Metrics{Resolution: hd, FrameRate: 10}, 85},
		{"Everything bad", Metrics{RTT: time.Second, PacketLoss: 50, Resolution: Resolution{}, FrameRate: 1}, 5},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Score(tc.metrics); got != tc.want {
				t.Fatalf("Expected score %d, got %d", tc.want, got)
			}
		})
	}
}

func TestScoreStaysInRange(t *testing.T) {
	for rtt := 0; rtt <= 1000; rtt += 50 {
		for loss := 0.0; loss <= 100; loss += 2.5 {
			s := Score(Metrics{RTT: time.Duration(rtt) * time.Millisecond, PacketLoss: loss})
			if s < 0 || s > 100 {
				t.Fatalf("Score %d out of range for rtt=%dms loss=%.1f", s, rtt, loss)
			}
		}
	}
}

func TestVideoQualityProfiles(t *testing.T) {
	low := VideoLow.Profile()
	medium := VideoMedium.Profile()
	high := VideoHigh.Profile()

	if !(low.Resolution.Pixels() < medium.Resolution.Pixels() && medium.Resolution.Pixels() < high.Resolution.Pixels()) {
		t.Fatalf("Profiles should grow with quality: %s, %s, %s", low.Resolution, medium.Resolution, high.Resolution)
	}

	for _, q := range []VideoQuality{VideoLow, VideoMedium, VideoHigh} {
		got, err := ParseVideoQuality(q.String())
		if err != nil || got != q {
			t.Fatalf("ParseVideoQuality(%q) = %v, %v", q.String(), got, err)
		}
	}
}
