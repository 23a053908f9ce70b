package rtcManager

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/callcore/internal/events"
	"github.com/mikeyg42/callcore/internal/quality"
)

const defaultMonitoringInterval = 5 * time.Second

// PeerHandle is the read-only view of a peer connection the monitor needs.
// *webrtc.PeerConnection satisfies it.
type PeerHandle interface {
	ConnectionState() webrtc.PeerConnectionState
	GetStats() webrtc.StatsReport
}

// PeerSource yields the session's current peer connection, or nil
type PeerSource interface {
	Peer() PeerHandle
}

// SessionView is what the monitor reads from and writes to the session
type SessionView interface {
	InSession() bool
	SetConnectionQuality(quality.Label)
}

// Sample is one monitor observation
type Sample struct {
	State   webrtc.PeerConnectionState
	Label   quality.Label
	Score   int
	Metrics quality.Metrics
	At      time.Time
}

// Monitor polls the peer connection while a session is active and records
// the derived quality label on the session.
type Monitor struct {
	session  SessionView
	peers    PeerSource
	stats    *StatsCollector
	interval time.Duration
	samples  *events.Bus[Sample]
	logger   *zap.Logger

	// sampleMu orders whole observations so a stale one is never
	// published after a newer one
	sampleMu sync.Mutex

	mu   sync.RWMutex
	last *Sample
	now  func() time.Time
}

func NewMonitor(session SessionView, peers PeerSource, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultMonitoringInterval
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Monitor{
		session:  session,
		peers:    peers,
		stats:    NewStatsCollector(),
		interval: interval,
		samples:  events.NewBus[Sample](),
		logger:   logger.Named("monitor"),
		now:      time.Now,
	}
}

// Samples publishes every observation
func (mon *Monitor) Samples() *events.Bus[Sample] {
	return mon.samples
}

// Stats exposes the collector backing the score
func (mon *Monitor) Stats() *StatsCollector {
	return mon.stats
}

// Run samples every interval until ctx ends
func (mon *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mon.Sample()
		}
	}
}

// Sample takes one observation. It is a no-op, returning false, outside a
// session or without a peer connection. Concurrent callers take turns.
func (mon *Monitor) Sample() (Sample, bool) {
	mon.sampleMu.Lock()
	defer mon.sampleMu.Unlock()

	if !mon.session.InSession() {
		return Sample{}, false
	}
	peer := mon.peers.Peer()
	if peer == nil {
		return Sample{}, false
	}

	at := mon.now()
	state := peer.ConnectionState()
	metrics := mon.stats.Collect(peer.GetStats(), at)

	s := Sample{
		State:   state,
		Label:   quality.FromPeerState(state),
		Score:   quality.Score(metrics),
		Metrics: metrics,
		At:      at,
	}

	mon.mu.Lock()
	previous := mon.last
	mon.last = &s
	mon.mu.Unlock()

	if previous == nil || previous.Label != s.Label {
		mon.logger.Info("Connection quality",
			zap.Stringer("state", state),
			zap.Stringer("quality", s.Label),
			zap.Int("score", s.Score))
	} else {
		mon.logger.Debug("Connection quality",
			zap.Stringer("state", state),
			zap.Stringer("quality", s.Label),
			zap.Int("score", s.Score),
			zap.Duration("rtt", metrics.RTT),
			zap.Float64("packet_loss", metrics.PacketLoss),
			zap.Stringer("resolution", metrics.Resolution),
			zap.Float64("fps", metrics.FrameRate))
	}

	mon.session.SetConnectionQuality(s.Label)
	mon.samples.Publish(s)
	return s, true
}

// LastSample returns the latest observation
func (mon *Monitor) LastSample() (Sample, bool) {
	mon.mu.RLock()
	defer mon.mu.RUnlock()
	if mon.last == nil {
		return Sample{}, false
	}
	return *mon.last, true
}

// Reset forgets previous observations
func (mon *Monitor) Reset() {
	mon.mu.Lock()
	mon.last = nil
	mon.mu.Unlock()
	mon.stats.Reset()
}
