// Package notification carries user-facing notices (toasts) out of the call
// core. Rendering them is the caller's job.
package notification

import (
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/callcore/internal/events"
)

// Severity of a toast
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeveritySuccess:
		return "success"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Toast is a single user-facing notice
type Toast struct {
	Title       string
	Description string
	Severity    Severity
	Time        time.Time
}

// Notifier accepts toasts
type Notifier interface {
	Notify(Toast)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(Toast)

func (f NotifierFunc) Notify(t Toast) { f(t) }

const defaultFeedCapacity = 50

// Feed is the session's activity feed. It keeps the most recent toasts and
// republishes each one to its subscribers. The composition root creates one
// per session and hands it to the components that report to the user.
type Feed struct {
	recent *events.Ring[Toast]
	bus    *events.Bus[Toast]
	logger *zap.Logger
}

// NewFeed creates a feed holding up to capacity toasts
func NewFeed(capacity int, logger *zap.Logger) *Feed {
	if capacity <= 0 {
		capacity = defaultFeedCapacity
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Feed{
		recent: events.NewRing[Toast](capacity),
		bus:    events.NewBus[Toast](),
		logger: logger.Named("feed"),
	}
}

// Notify records and publishes t
func (f *Feed) Notify(t Toast) {
	if t.Time.IsZero() {
		t.Time = time.Now()
	}

	fields := []zap.Field{
		zap.String("title", t.Title),
		zap.String("description", t.Description),
		zap.Stringer("severity", t.Severity),
	}
	switch t.Severity {
	case SeverityError:
		f.logger.Error("Notice", fields...)
	case SeverityWarning:
		f.logger.Warn("Notice", fields...)
	default:
		f.logger.Info("Notice", fields...)
	}

	f.recent.Add(t)
	f.bus.Publish(t)
}

// Recent returns up to n toasts, newest first
func (f *Feed) Recent(n int) []Toast {
	return f.recent.Recent(n)
}

// Subscribe registers fn for every future toast
func (f *Feed) Subscribe(fn func(Toast)) (unsubscribe func()) {
	return f.bus.Subscribe(fn)
}
