package rtcManager

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/callcore/internal/events"
	"github.com/mikeyg42/callcore/internal/quality"
)

const metricsHistorySize = 720 // one hour at the default poll interval

// ConnectionStats is the raw material pulled from one stats report
type ConnectionStats struct {
	Timestamp time.Time

	PacketsLost     uint32
	PacketsReceived uint32
	PacketsSent     uint32
	BytesSent       uint64
	BytesReceived   uint64
	RoundTripTime   float64 // seconds
	Jitter          float64

	FramesDecoded uint32
	FrameRate     float64
	VideoWidth    uint32
	VideoHeight   uint32
}

// StatsCollector turns stats reports into quality metrics. Frame rate is
// derived from the decoded frame count between consecutive reports.
type StatsCollector struct {
	mu      sync.Mutex
	last    *ConnectionStats
	history *events.Ring[quality.Metrics]
}

func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		history: events.NewRing[quality.Metrics](metricsHistorySize),
	}
}

// Collect extracts metrics from report, taken at the given time
func (sc *StatsCollector) Collect(report webrtc.StatsReport, at time.Time) quality.Metrics {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	current := gatherStats(report, at, sc.last)
	sc.last = current

	m := quality.Metrics{
		RTT:        time.Duration(current.RoundTripTime * float64(time.Second)),
		PacketLoss: packetLossPercent(current),
		Resolution: quality.Resolution{Width: int(current.VideoWidth), Height: int(current.VideoHeight)},
		FrameRate:  current.FrameRate,
	}
	sc.history.Add(m)
	return m
}

// Recent returns up to n metrics, newest first
func (sc *StatsCollector) Recent(n int) []quality.Metrics {
	return sc.history.Recent(n)
}

// LastStats returns the raw stats of the latest report, or nil
func (sc *StatsCollector) LastStats() *ConnectionStats {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.last == nil {
		return nil
	}
	stats := *sc.last
	return &stats
}

// Reset forgets previous reports, e.g. when a new peer connection starts
func (sc *StatsCollector) Reset() {
	sc.mu.Lock()
	sc.last = nil
	sc.mu.Unlock()
	sc.history.Clear()
}

func gatherStats(report webrtc.StatsReport, at time.Time, last *ConnectionStats) *ConnectionStats {
	current := &ConnectionStats{Timestamp: at}
	var pairRTT float64

	for _, s := range report {
		switch stat := s.(type) {
		case webrtc.InboundRTPStreamStats:
			addInbound(current, &stat)
		case webrtc.OutboundRTPStreamStats:
			current.PacketsSent += stat.PacketsSent
			current.BytesSent += stat.BytesSent
		case webrtc.RemoteInboundRTPStreamStats:
			if stat.RoundTripTime > current.RoundTripTime {
				current.RoundTripTime = stat.RoundTripTime
			}
		case webrtc.ICECandidatePairStats:
			if stat.Nominated && stat.CurrentRoundTripTime > pairRTT {
				pairRTT = stat.CurrentRoundTripTime
			}
		}
	}

	if current.RoundTripTime == 0 {
		current.RoundTripTime = pairRTT
	}

	if last != nil && current.FramesDecoded >= last.FramesDecoded {
		elapsed := current.Timestamp.Sub(last.Timestamp).Seconds()
		if elapsed > 0 {
			current.FrameRate = float64(current.FramesDecoded-last.FramesDecoded) / elapsed
		}
	}
	return current
}

func addInbound(current *ConnectionStats, stat *webrtc.InboundRTPStreamStats) {
	if stat.Kind == "video" {
		current.FramesDecoded += stat.FramesDecoded
		current.VideoWidth = stat.FrameWidth
		current.VideoHeight = stat.FrameHeight
	}
	current.PacketsReceived += stat.PacketsReceived
	if stat.PacketsLost > 0 {
		current.PacketsLost += uint32(stat.PacketsLost)
	}
	current.Jitter = stat.Jitter
	current.BytesReceived += stat.BytesReceived
}

func packetLossPercent(stats *ConnectionStats) float64 {
	total := stats.PacketsReceived + stats.PacketsLost
	if total == 0 {
		return 0
	}
	return float64(stats.PacketsLost) / float64(total) * 100
}
