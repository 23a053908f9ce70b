package quality

import (
	"fmt"
	"time"
)

const (
	criticalRTT = 300 * time.Millisecond
	warningRTT  = 150 * time.Millisecond
	elevatedRTT = 100 * time.Millisecond

	criticalPacketLoss = 5.0 // percent
	warningPacketLoss  = 2.0
	minorPacketLoss    = 0.5

	minAcceptablePixels    = 640 * 480
	minAcceptableFramerate = 15.0
	smoothFramerate        = 24.0

	maxScore = 100
)

// Resolution represents video dimensions
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

func (r Resolution) Pixels() int {
	return r.Width * r.Height
}

// Metrics are the inputs of the quality score, taken from one stats sample
type Metrics struct {
	RTT        time.Duration
	PacketLoss float64 // percent, 0-100
	Resolution Resolution
	FrameRate  float64
}

// Score rates a stats sample from 0 (unusable) to 100 (perfect).
// Each input is penalised independently and the sum is clamped.
func Score(m Metrics) int {
	score := maxScore

	switch {
	case m.RTT > criticalRTT:
		score -= 30
	case m.RTT > warningRTT:
		score -= 15
	case m.RTT > elevatedRTT:
		score -= 5
	}

	switch {
	case m.PacketLoss > criticalPacketLoss:
		score -= 40
	case m.PacketLoss > warningPacketLoss:
		score -= 20
	case m.PacketLoss > minorPacketLoss:
		score -= 10
	}

	if m.Resolution.Pixels() < minAcceptablePixels {
		score -= 10
	}

	switch {
	case m.FrameRate < minAcceptableFramerate:
		score -= 15
	case m.FrameRate < smoothFramerate:
		score -= 5
	}

	return clamp(score, 0, maxScore)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
