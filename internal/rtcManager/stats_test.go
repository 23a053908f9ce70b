package rtcManager

import (
	"math"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func report(framesDecoded, received uint32, lost int32, rtt float64) webrtc.StatsReport {
	return webrtc.StatsReport{
		"inbound-video": webrtc.InboundRTPStreamStats{
			Kind:            "video",
			FramesDecoded:   framesDecoded,
			FrameWidth:      1280,
			FrameHeight:     720,
			PacketsReceived: received,
			PacketsLost:     lost,
		},
		"remote-inbound-video": webrtc.RemoteInboundRTPStreamStats{
			RoundTripTime: rtt,
		},
		"outbound-video": webrtc.OutboundRTPStreamStats{
			PacketsSent: 500,
			BytesSent:   120_000,
		},
	}
}

func TestStatsCollectorDerivesMetrics(t *testing.T) {
	sc := NewStatsCollector()
	start := time.Unix(1_700_000_000, 0)

	first := sc.Collect(report(100, 990, 10, 0.12), start)
	if first.FrameRate != 0 {
		t.Fatalf("First report has no baseline, expected 0 fps, got %v", first.FrameRate)
	}
	if first.RTT != 120*time.Millisecond {
		t.Fatalf("Expected 120ms RTT, got %v", first.RTT)
	}
	if math.Abs(first.PacketLoss-1.0) > 1e-9 {
		t.Fatalf("Expected 1%% packet loss, got %v", first.PacketLoss)
	}
	if first.Resolution.Width != 1280 || first.Resolution.Height != 720 {
		t.Fatalf("Unexpected resolution %v", first.Resolution)
	}

	second := sc.Collect(report(250, 1990, 10, 0.12), start.Add(5*time.Second))
	if math.Abs(second.FrameRate-30) > 1e-9 {
		t.Fatalf("Expected 30 fps from the decoded frame delta, got %v", second.FrameRate)
	}

	if got := sc.Recent(10); len(got) != 2 || got[0].FrameRate != second.FrameRate {
		t.Fatalf("Expected history newest first, got %+v", got)
	}
	last := sc.LastStats()
	if last == nil || last.PacketsSent != 500 || last.FramesDecoded != 250 {
		t.Fatalf("Unexpected raw stats %+v", last)
	}

	sc.Reset()
	if sc.LastStats() != nil || len(sc.Recent(10)) != 0 {
		t.Fatal("Reset should clear the collector")
	}
}

func TestStatsCollectorFallsBackToCandidatePairRTT(t *testing.T) {
	sc := NewStatsCollector()
	m := sc.Collect(webrtc.StatsReport{
		"pair": webrtc.ICECandidatePairStats{Nominated: true, CurrentRoundTripTime: 0.2},
		"idle": webrtc.ICECandidatePairStats{Nominated: false, CurrentRoundTripTime: 0.9},
	}, time.Now())

	if m.RTT != 200*time.Millisecond {
		t.Fatalf("Expected RTT from the nominated pair, got %v", m.RTT)
	}
	if m.PacketLoss != 0 {
		t.Fatalf("Expected no loss without inbound stats, got %v", m.PacketLoss)
	}
}

func TestStatsCollectorEmptyReport(t *testing.T) {
	m := NewStatsCollector().Collect(webrtc.StatsReport{}, time.Now())
	if m.RTT != 0 || m.PacketLoss != 0 || m.FrameRate != 0 || m.Resolution.Pixels() != 0 {
		t.Fatalf("Expected zero metrics, got %+v", m)
	}
}
