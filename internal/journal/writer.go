package journal

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/callcore/internal/notification"
	"github.com/mikeyg42/callcore/internal/reconnect"
	"github.com/mikeyg42/callcore/internal/rtcManager"
	"github.com/mikeyg42/callcore/internal/session"
)

const (
	defaultBufferSize    = 256
	defaultBatchSize     = 32
	defaultFlushInterval = time.Second
	maxFlushRetries      = 3
	drainTimeout         = 5 * time.Second
)

// Subscriber is anything events can be taken from: an events.Bus or the
// notification feed.
type Subscriber[T any] interface {
	Subscribe(fn func(T)) func()
}

// Sources are the streams a Writer records. Nil sources are skipped.
type Sources struct {
	Session   Subscriber[session.Change]
	Samples   Subscriber[rtcManager.Sample]
	Reconnect Subscriber[reconnect.Event]
	Toasts    Subscriber[notification.Toast]
}

// Writer buffers entries and inserts them in batches off the caller's
// goroutine. Record never blocks; when the buffer is full the entry is
// dropped and counted.
type Writer struct {
	store     Store
	sessionID string
	entries   chan Entry
	logger    *zap.Logger

	batchSize     int
	flushInterval time.Duration
	dropped       atomic.Int64
	now           func() time.Time
}

func NewWriter(store Store, sessionID string, bufferSize int, logger *zap.Logger) *Writer {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Writer{
		store:         store,
		sessionID:     sessionID,
		entries:       make(chan Entry, bufferSize),
		logger:        logger.Named("journal").With(zap.String("session_id", sessionID)),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		now:           time.Now,
	}
}

// Record queues e, filling in its ID, session and time when unset
func (w *Writer) Record(e Entry) bool {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.SessionID == "" {
		e.SessionID = w.sessionID
	}
	if e.At.IsZero() {
		e.At = w.now()
	}

	select {
	case w.entries <- e:
		return true
	default:
		if n := w.dropped.Add(1); n == 1 || n%100 == 0 {
			w.logger.Warn("Journal buffer full, dropping entries", zap.Int64("dropped", n))
		}
		return false
	}
}

// Dropped returns how many entries were lost to a full buffer
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Attach subscribes the writer to src and returns a function undoing it
func (w *Writer) Attach(src Sources) (detach func()) {
	var unsubs []func()
	if src.Session != nil {
		unsubs = append(unsubs, src.Session.Subscribe(func(c session.Change) {
			if e, ok := SessionEntry(c); ok {
				w.Record(e)
			}
		}))
	}
	if src.Samples != nil {
		unsubs = append(unsubs, src.Samples.Subscribe(func(s rtcManager.Sample) {
			w.Record(SampleEntry(s))
		}))
	}
	if src.Reconnect != nil {
		unsubs = append(unsubs, src.Reconnect.Subscribe(func(ev reconnect.Event) {
			w.Record(ReconnectEntry(ev))
		}))
	}
	if src.Toasts != nil {
		unsubs = append(unsubs, src.Toasts.Subscribe(func(t notification.Toast) {
			w.Record(ToastEntry(t))
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Run batches queued entries into the store until ctx ends, then drains
// what is left with a short deadline of its own.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, w.batchSize)
	for {
		select {
		case e := <-w.entries:
			batch = append(batch, e)
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ctx.Done():
			w.drain(batch)
			return
		}
	}
}

func (w *Writer) drain(batch []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case e := <-w.entries:
			batch = append(batch, e)
		default:
			if len(batch) > 0 {
				w.flush(ctx, batch)
			}
			return
		}
	}
}

func (w *Writer) flush(ctx context.Context, batch []Entry) {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 200 * time.Millisecond
	ebo.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(ebo, maxFlushRetries), ctx)

	op := func() error {
		err := w.store.Insert(ctx, batch)
		if err != nil && permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		w.logger.Debug("Journal insert failed, retrying", zap.Error(err), zap.Duration("next", next))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		w.logger.Error("Failed to write journal entries",
			zap.Int("count", len(batch)),
			zap.Error(err))
		return
	}
	w.logger.Debug("Journal entries written", zap.Int("count", len(batch)))
}
