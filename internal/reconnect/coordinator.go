// Package reconnect re-establishes a call after its connection quality drops
// to disconnected, a bounded number of times.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/callcore/internal/events"
	"github.com/mikeyg42/callcore/internal/media"
	"github.com/mikeyg42/callcore/internal/notification"
	"github.com/mikeyg42/callcore/internal/quality"
)

const (
	DefaultMaxAttempts = 3
	DefaultDelay       = 3 * time.Second
)

// ErrCallFailed is reported when call initiation did not succeed
var ErrCallFailed = errors.New("reconnect: call initiation failed")

// Status of the coordinator
type Status int

const (
	StatusIdle Status = iota
	StatusAttempting
	StatusExhausted
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusAttempting:
		return "attempting"
	case StatusExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Event is published whenever the status or attempt count changes
type Event struct {
	Status  Status
	Attempt int
	// Finished is set once attempt Attempt has run; Err is its outcome
	Finished bool
	Err      error
	At       time.Time
}

// StreamSource acquires a fresh local stream
type StreamSource interface {
	AcquireStream(ctx context.Context) (media.Stream, error)
}

// CallInitiator starts a call with a stream
type CallInitiator interface {
	InitiateCall(ctx context.Context, stream media.Stream) bool
}

// Options configure a Coordinator
type Options struct {
	MaxAttempts int
	// Delay before each attempt when Backoff is nil
	Delay time.Duration
	// Backoff overrides the constant Delay policy
	Backoff  backoff.BackOff
	Streams  StreamSource
	Calls    CallInitiator
	Notifier notification.Notifier
	Logger   *zap.Logger
}

type observation struct {
	label     quality.Label
	inSession bool
}

type result struct {
	epoch   int
	attempt int
	err     error
}

// Coordinator is the reconnection state machine
//
//	idle -> attempting(n) -> idle       quality left disconnected
//	                      -> exhausted  n == max
//
// Observations, timer fires and attempt results are processed on the Run
// goroutine. Attempts themselves run on their own goroutine and post their
// result back; a result from before a reset is discarded.
type Coordinator struct {
	maxAttempts int
	policy      backoff.BackOff
	streams     StreamSource
	calls       CallInitiator
	notifier    notification.Notifier
	events      *events.Bus[Event]
	logger      *zap.Logger

	inbox   chan observation
	results chan result
	stopped chan struct{}

	mu       sync.RWMutex
	attempts int
	status   Status
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	policy := opts.Backoff
	if policy == nil {
		delay := opts.Delay
		if delay <= 0 {
			delay = DefaultDelay
		}
		policy = backoff.NewConstantBackOff(delay)
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notification.NotifierFunc(func(notification.Toast) {})
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.L()
	}
	return &Coordinator{
		maxAttempts: opts.MaxAttempts,
		policy:      policy,
		streams:     opts.Streams,
		calls:       opts.Calls,
		notifier:    notifier,
		events:      events.NewBus[Event](),
		logger:      logger.Named("reconnect"),
		inbox:       make(chan observation, 64),
		results:     make(chan result, 1),
		stopped:     make(chan struct{}),
	}
}

// Events publishes status and attempt changes
func (c *Coordinator) Events() *events.Bus[Event] {
	return c.events
}

// Attempts is the number of attempts started since the last reset
func (c *Coordinator) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// MaxAttempts is the attempt bound
func (c *Coordinator) MaxAttempts() int {
	return c.maxAttempts
}

// Observe feeds the latest connection quality and session flag
func (c *Coordinator) Observe(label quality.Label, inSession bool) {
	select {
	case c.inbox <- observation{label: label, inSession: inSession}:
	case <-c.stopped:
	}
}

// loop state, owned by Run
type loop struct {
	label     quality.Label
	inSession bool
	epoch     int
	inFlight  bool
	timer     *time.Timer
}

func (l *loop) timerC() <-chan time.Time {
	if l.timer == nil {
		return nil
	}
	return l.timer.C
}

func (l *loop) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// Run processes observations until ctx ends
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.stopped)

	l := &loop{label: quality.Good}
	defer l.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return

		case o := <-c.inbox:
			c.observe(l, o)

		case <-l.timerC():
			l.timer = nil
			c.start(ctx, l)

		case r := <-c.results:
			l.inFlight = false
			if r.epoch != l.epoch {
				c.logger.Debug("Discarding superseded attempt", zap.Int("attempt", r.attempt))
			} else {
				c.finish(l, r)
			}
			c.evaluate(l)
		}
	}
}

func (c *Coordinator) observe(l *loop, o observation) {
	l.label, l.inSession = o.label, o.inSession

	if !l.inSession || l.label != quality.Disconnected {
		c.reset(l)
		return
	}
	c.evaluate(l)
}

// reset returns to idle: counter to zero, pending timer cancelled, any
// in-flight attempt superseded
func (c *Coordinator) reset(l *loop) {
	l.stopTimer()

	c.mu.Lock()
	changed := c.attempts != 0 || c.status != StatusIdle
	c.attempts = 0
	c.status = StatusIdle
	c.mu.Unlock()

	if !changed {
		return
	}
	l.epoch++
	c.policy.Reset()
	c.logger.Info("Connection recovered, reconnection reset")
	c.events.Publish(Event{Status: StatusIdle, At: time.Now()})
}

// evaluate arms the next attempt if one is due
func (c *Coordinator) evaluate(l *loop) {
	if !l.inSession || l.label != quality.Disconnected || l.timer != nil || l.inFlight {
		return
	}

	c.mu.RLock()
	attempts, status := c.attempts, c.status
	c.mu.RUnlock()
	if status == StatusExhausted || attempts >= c.maxAttempts {
		return
	}

	delay := c.policy.NextBackOff()
	if delay == backoff.Stop {
		c.exhaust(attempts)
		return
	}
	l.timer = time.NewTimer(delay)

	if attempts == 0 {
		c.mu.Lock()
		c.status = StatusAttempting
		c.mu.Unlock()
		c.notifier.Notify(notification.Toast{
			Title:       "Connection lost",
			Description: "Attempting to reconnect...",
			Severity:    notification.SeverityWarning,
		})
		c.events.Publish(Event{Status: StatusAttempting, At: time.Now()})
	}
	c.logger.Info("Reconnection scheduled",
		zap.Int("attempt", attempts+1),
		zap.Int("max_attempts", c.maxAttempts),
		zap.Duration("delay", delay))
}

// start launches one attempt. The counter moves whatever the outcome.
func (c *Coordinator) start(ctx context.Context, l *loop) {
	if !l.inSession || l.label != quality.Disconnected {
		return
	}

	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	c.status = StatusAttempting
	c.mu.Unlock()

	l.inFlight = true
	epoch := l.epoch
	c.logger.Info("Reconnecting", zap.Int("attempt", attempt), zap.Int("max_attempts", c.maxAttempts))
	c.events.Publish(Event{Status: StatusAttempting, Attempt: attempt, At: time.Now()})

	go func() {
		err := c.attempt(ctx, attempt)
		select {
		case c.results <- result{epoch: epoch, attempt: attempt, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (c *Coordinator) attempt(ctx context.Context, attempt int) error {
	if c.streams == nil || c.calls == nil {
		return fmt.Errorf("reconnect: not wired")
	}

	stream, err := c.streams.AcquireStream(ctx)
	if err != nil {
		c.notifier.Notify(notification.Toast{
			Title:       "Reconnection error",
			Description: fmt.Sprintf("Could not access camera/microphone (attempt %d)", attempt),
			Severity:    notification.SeverityError,
		})
		return fmt.Errorf("failed to acquire stream: %w", err)
	}
	if !c.calls.InitiateCall(ctx, stream) {
		return ErrCallFailed
	}
	return nil
}

func (c *Coordinator) finish(l *loop, r result) {
	if r.err != nil {
		c.logger.Warn("Reconnection attempt failed", zap.Int("attempt", r.attempt), zap.Error(r.err))
	} else {
		c.logger.Info("Reconnection attempt completed", zap.Int("attempt", r.attempt))
	}
	c.events.Publish(Event{Status: StatusAttempting, Attempt: r.attempt, Finished: true, Err: r.err, At: time.Now()})

	if r.attempt >= c.maxAttempts && l.inSession && l.label == quality.Disconnected {
		c.exhaust(r.attempt)
	}
}

func (c *Coordinator) exhaust(attempts int) {
	c.mu.Lock()
	c.status = StatusExhausted
	c.mu.Unlock()

	c.logger.Error("Reconnection failed", zap.Int("attempts", attempts))
	c.notifier.Notify(notification.Toast{
		Title:       "Reconnection failed",
		Description: "Unable to restore the connection. Please rejoin the session.",
		Severity:    notification.SeverityError,
	})
	c.events.Publish(Event{Status: StatusExhausted, Attempt: attempts, At: time.Now()})
}
