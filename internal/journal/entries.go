package journal

import (
	"fmt"
	"strings"

	"github.com/mikeyg42/callcore/internal/notification"
	"github.com/mikeyg42/callcore/internal/reconnect"
	"github.com/mikeyg42/callcore/internal/rtcManager"
	"github.com/mikeyg42/callcore/internal/session"
)

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// SessionEntry describes what a session change altered. ok is false when
// nothing worth recording changed.
func SessionEntry(c session.Change) (e Entry, ok bool) {
	prev, cur := c.Previous, c.Current
	var parts, tags []string

	if prev.InSession != cur.InSession {
		if cur.InSession {
			parts = append(parts, "session started")
		} else {
			parts = append(parts, "session ended")
		}
		tags = append(tags, "lifecycle")
	}
	flag := func(name string, was, is bool) {
		if was != is {
			parts = append(parts, name+" "+onOff(is))
			tags = append(tags, name)
		}
	}
	flag("video", prev.VideoEnabled, cur.VideoEnabled)
	flag("audio", prev.AudioEnabled, cur.AudioEnabled)
	flag("screenshare", prev.ScreenShareEnabled, cur.ScreenShareEnabled)
	flag("recording", prev.RecordingEnabled, cur.RecordingEnabled)

	if c.QualityChanged() {
		parts = append(parts, fmt.Sprintf("quality %s -> %s", prev.ConnectionQuality, cur.ConnectionQuality))
		tags = append(tags, "quality")
	}
	if prev.VideoQuality != cur.VideoQuality {
		parts = append(parts, fmt.Sprintf("video quality %s -> %s", prev.VideoQuality, cur.VideoQuality))
		tags = append(tags, "video_quality")
	}

	if len(parts) == 0 {
		return Entry{}, false
	}
	return Entry{
		Kind:    KindSession,
		Summary: strings.Join(parts, ", "),
		Tags:    tags,
		Data: map[string]any{
			"in_session":         cur.InSession,
			"video_enabled":      cur.VideoEnabled,
			"audio_enabled":      cur.AudioEnabled,
			"screenshare":        cur.ScreenShareEnabled,
			"recording":          cur.RecordingEnabled,
			"connection_quality": cur.ConnectionQuality.String(),
			"video_quality":      cur.VideoQuality.String(),
		},
	}, true
}

// SampleEntry records one monitor sample
func SampleEntry(s rtcManager.Sample) Entry {
	m := s.Metrics
	return Entry{
		Kind:    KindQuality,
		Summary: fmt.Sprintf("%s: %s (score %d)", s.State, s.Label, s.Score),
		Tags:    []string{s.Label.String()},
		Data: map[string]any{
			"peer_state":  s.State.String(),
			"label":       s.Label.String(),
			"score":       s.Score,
			"rtt_ms":      m.RTT.Milliseconds(),
			"packet_loss": m.PacketLoss,
			"width":       m.Resolution.Width,
			"height":      m.Resolution.Height,
			"frame_rate":  m.FrameRate,
		},
		At: s.At,
	}
}

// ReconnectEntry records a coordinator event
func ReconnectEntry(ev reconnect.Event) Entry {
	var summary string
	switch {
	case ev.Status == reconnect.StatusExhausted:
		summary = fmt.Sprintf("reconnection failed after %d attempts", ev.Attempt)
	case ev.Status == reconnect.StatusIdle:
		summary = "reconnection reset"
	case ev.Attempt == 0:
		summary = "connection lost, reconnection scheduled"
	case !ev.Finished:
		summary = fmt.Sprintf("attempt %d started", ev.Attempt)
	case ev.Err != nil:
		summary = fmt.Sprintf("attempt %d failed: %v", ev.Attempt, ev.Err)
	default:
		summary = fmt.Sprintf("attempt %d completed", ev.Attempt)
	}

	data := map[string]any{
		"status":   ev.Status.String(),
		"attempt":  ev.Attempt,
		"finished": ev.Finished,
	}
	if ev.Err != nil {
		data["error"] = ev.Err.Error()
	}
	return Entry{
		Kind:    KindReconnect,
		Summary: summary,
		Tags:    []string{ev.Status.String()},
		Data:    data,
		At:      ev.At,
	}
}

// ToastEntry records a toast shown to the user
func ToastEntry(t notification.Toast) Entry {
	summary := t.Title
	if t.Description != "" {
		summary += ": " + t.Description
	}
	return Entry{
		Kind:    KindToast,
		Summary: summary,
		Tags:    []string{t.Severity.String()},
		Data: map[string]any{
			"title":       t.Title,
			"description": t.Description,
			"severity":    t.Severity.String(),
		},
		At: t.Time,
	}
}
