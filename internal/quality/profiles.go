package quality

import "fmt"

// VideoQuality is the user-selected capture quality
type VideoQuality int

const (
	VideoLow VideoQuality = iota
	VideoMedium
	VideoHigh
)

func (q VideoQuality) String() string {
	switch q {
	case VideoLow:
		return "low"
	case VideoMedium:
		return "medium"
	case VideoHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseVideoQuality converts string to VideoQuality
func ParseVideoQuality(s string) (VideoQuality, error) {
	switch s {
	case "low":
		return VideoLow, nil
	case "medium":
		return VideoMedium, nil
	case "high":
		return VideoHigh, nil
	default:
		return 0, fmt.Errorf("invalid video quality: %s", s)
	}
}

// CaptureProfile is the capture resolution and frame rate requested for a
// VideoQuality
type CaptureProfile struct {
	Name       string
	Resolution Resolution
	FrameRate  int
}

// Profile returns the capture profile for q. Unknown values fall back to the
// medium profile.
func (q VideoQuality) Profile() CaptureProfile {
	switch q {
	case VideoLow:
		return CaptureProfile{
			Name:       "360p@20",
			Resolution: Resolution{Width: 640, Height: 360},
			FrameRate:  20,
		}
	case VideoHigh:
		return CaptureProfile{
			Name:       "720p@30",
			Resolution: Resolution{Width: 1280, Height: 720},
			FrameRate:  30,
		}
	default:
		return CaptureProfile{
			Name:       "480p@30",
			Resolution: Resolution{Width: 640, Height: 480},
			FrameRate:  30,
		}
	}
}
