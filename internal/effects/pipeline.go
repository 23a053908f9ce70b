// Package effects holds the outgoing video effect state (background blur)
// and drives the frame pipeline that applies it.
package effects

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	MinBlurLevel = 0
	MaxBlurLevel = 10

	DefaultBlurLevel       = 5
	DefaultProcessingDelay = 500 * time.Millisecond
)

// ErrUnsupported is returned by appliers that cannot run on this platform
var ErrUnsupported = errors.New("effects: unsupported on this platform")

// State is the effect configuration of the outgoing video
type State struct {
	BlurEnabled bool
	BlurLevel   int
}

// Applier installs a State into the frame pipeline
type Applier interface {
	Apply(ctx context.Context, s State) error
}

// ApplierFunc adapts a function to Applier
type ApplierFunc func(ctx context.Context, s State) error

func (f ApplierFunc) Apply(ctx context.Context, s State) error { return f(ctx, s) }

// ClampBlurLevel bounds level to [MinBlurLevel, MaxBlurLevel]
func ClampBlurLevel(level int) int {
	if level < MinBlurLevel {
		return MinBlurLevel
	}
	if level > MaxBlurLevel {
		return MaxBlurLevel
	}
	return level
}

// Pipeline owns the effect State. A toggle only takes effect once the
// applier has rebuilt the frame pipeline; if that fails the state is left
// unchanged and the unmodified stream keeps flowing.
type Pipeline struct {
	applier         Applier
	processingDelay time.Duration
	logger          *zap.Logger

	// opMu serializes toggles so each one starts from the last applied state
	opMu  sync.Mutex
	mu    sync.RWMutex
	state State
}

// NewPipeline returns a pipeline with blur off. A nil applier only incurs
// the processing delay.
func NewPipeline(applier Applier, processingDelay time.Duration, blurLevel int, logger *zap.Logger) *Pipeline {
	if processingDelay < 0 {
		processingDelay = 0
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Pipeline{
		applier:         applier,
		processingDelay: processingDelay,
		logger:          logger.Named("effects"),
		state:           State{BlurLevel: ClampBlurLevel(blurLevel)},
	}
}

// State returns a snapshot
func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// ToggleBlur flips BlurEnabled and returns its new value once the frame
// pipeline is ready. On failure the state is unchanged and false is returned.
func (p *Pipeline) ToggleBlur(ctx context.Context) bool {
	enabled, err := p.Toggle(ctx)
	if err != nil {
		p.logger.Warn("Failed to toggle blur", zap.Error(err))
		return false
	}
	return enabled
}

// Toggle is ToggleBlur with the failure reported
func (p *Pipeline) Toggle(ctx context.Context) (bool, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	next := p.State()
	next.BlurEnabled = !next.BlurEnabled

	start := time.Now()
	if err := p.apply(ctx, next, true); err != nil {
		return false, err
	}

	p.mu.Lock()
	p.state.BlurEnabled = next.BlurEnabled
	p.mu.Unlock()

	p.logger.Info("Blur toggled",
		zap.Bool("enabled", next.BlurEnabled),
		zap.Int("level", next.BlurLevel),
		zap.Duration("took", time.Since(start)))
	return next.BlurEnabled, nil
}

// SetBlurLevel stores the clamped level and forwards it to the pipeline.
// BlurEnabled is not touched.
func (p *Pipeline) SetBlurLevel(ctx context.Context, level int) int {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	clamped := ClampBlurLevel(level)
	p.mu.Lock()
	p.state.BlurLevel = clamped
	next := p.state
	p.mu.Unlock()

	if err := p.apply(ctx, next, false); err != nil {
		p.logger.Warn("Failed to apply blur level", zap.Int("level", clamped), zap.Error(err))
	}
	return clamped
}

func (p *Pipeline) apply(ctx context.Context, s State, rebuild bool) (err error) {
	if rebuild && p.processingDelay > 0 {
		timer := time.NewTimer(p.processingDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.applier == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("effect applier panicked: %v", r)
		}
	}()
	return p.applier.Apply(ctx, s)
}
