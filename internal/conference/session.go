// Package conference is the composition root of a call session. It wires the
// session state, devices, peer connection, quality monitor, reconnection
// coordinator, video effects and journal together and exposes the operations
// a UI calls.
package conference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mikeyg42/callcore/internal/devices"
	"github.com/mikeyg42/callcore/internal/effects"
	"github.com/mikeyg42/callcore/internal/journal"
	"github.com/mikeyg42/callcore/internal/media"
	"github.com/mikeyg42/callcore/internal/notification"
	"github.com/mikeyg42/callcore/internal/quality"
	"github.com/mikeyg42/callcore/internal/reconnect"
	"github.com/mikeyg42/callcore/internal/rtcManager"
	"github.com/mikeyg42/callcore/internal/session"
)

var (
	ErrAlreadyJoined = errors.New("session already joined")
	ErrNotJoined     = errors.New("session not joined")
	ErrSessionEnded  = errors.New("session already ended")
)

// Call is the peer connection side of a session. *rtcManager.Manager
// implements it.
type Call interface {
	rtcManager.PeerSource
	reconnect.CallInitiator
	SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool)
	AddConnectionStateHandler(h func(webrtc.PeerConnectionState)) (remove func())
	Leave(ctx context.Context) error
}

// Options assemble a Session. Devices and Call are required.
type Options struct {
	SessionID string
	// State is created when nil. Pass one in when other components need to
	// read it before the Session exists.
	State   *session.Manager
	Devices *devices.Manager
	Call    Call
	Effects *effects.Pipeline
	Feed    *notification.Feed
	// Journal is optional
	Journal *journal.Writer

	PollInterval         time.Duration
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	ReconnectBackoff     backoff.BackOff

	Logger *zap.Logger
}

// Session is one video visit
type Session struct {
	id          string
	state       *session.Manager
	devices     *devices.Manager
	call        Call
	monitor     *rtcManager.Monitor
	coordinator *reconnect.Coordinator
	effects     *effects.Pipeline
	feed        *notification.Feed
	journal     *journal.Writer
	closers     []io.Closer
	logger      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	ended  bool
	unsubs []func()
	loops  sync.WaitGroup
}

func New(opts Options) (*Session, error) {
	if opts.Devices == nil {
		return nil, fmt.Errorf("device manager cannot be nil")
	}
	if opts.Call == nil {
		return nil, fmt.Errorf("call cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.With(zap.String("session_id", opts.SessionID))

	state := opts.State
	if state == nil {
		state = session.NewManager(logger)
	}
	feed := opts.Feed
	if feed == nil {
		feed = notification.NewFeed(0, logger)
	}
	pipeline := opts.Effects
	if pipeline == nil {
		pipeline = effects.NewPipeline(nil, effects.DefaultProcessingDelay, effects.DefaultBlurLevel, logger)
	}

	s := &Session{
		id:      opts.SessionID,
		state:   state,
		devices: opts.Devices,
		call:    opts.Call,
		effects: pipeline,
		feed:    feed,
		journal: opts.Journal,
		logger:  logger.Named("conference"),
	}
	s.monitor = rtcManager.NewMonitor(state, opts.Call, opts.PollInterval, logger)
	s.coordinator = reconnect.NewCoordinator(reconnect.Options{
		MaxAttempts: opts.MaxReconnectAttempts,
		Delay:       opts.ReconnectDelay,
		Backoff:     opts.ReconnectBackoff,
		Streams:     opts.Devices,
		Calls:       opts.Call,
		Notifier:    feed,
		Logger:      logger,
	})
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Feed() *notification.Feed { return s.feed }

func (s *Session) State() *session.Manager { return s.state }

func (s *Session) Monitor() *rtcManager.Monitor { return s.monitor }

func (s *Session) Coordinator() *reconnect.Coordinator { return s.coordinator }

// Join starts the session: background loops, device enumeration, local
// media and the call. Only local media failures are returned; a call that
// does not come up is left to the reconnection coordinator. A Session can be
// joined once.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyJoined
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.unsubs = s.wire()
	s.mu.Unlock()

	s.run(runCtx, s.coordinator.Run)
	s.run(runCtx, s.monitor.Run)
	s.run(runCtx, s.devices.Run)
	if s.journal != nil {
		s.run(runCtx, s.journal.Run)
	}

	s.state.Begin()
	s.logger.Info("Joining session")

	set := s.devices.FetchDevices(ctx)
	if err := s.devices.Err(); err != nil {
		s.abort()
		return fmt.Errorf("failed to access devices: %w", err)
	}
	s.logger.Debug("Devices ready",
		zap.String("camera", set.SelectedCamera),
		zap.String("microphone", set.SelectedMicrophone),
		zap.String("speaker", set.SelectedSpeaker))

	stream, err := s.devices.AcquireStream(ctx)
	if err != nil {
		s.feed.Notify(notification.Toast{
			Title:       "Device error",
			Description: "Could not access camera/microphone",
			Severity:    notification.SeverityError,
		})
		s.abort()
		return err
	}

	s.applyTrackState()
	s.startCall(ctx, stream)
	return nil
}

func (s *Session) run(ctx context.Context, fn func(context.Context)) {
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		fn(ctx)
	}()
}

// wire connects the components to each other
func (s *Session) wire() []func() {
	unsubs := []func(){
		// lifecycle changes suspend or resume the coordinator
		s.state.Changes().Subscribe(func(c session.Change) {
			if c.Previous.InSession != c.Current.InSession {
				s.coordinator.Observe(c.Current.ConnectionQuality, c.Current.InSession)
			}
		}),
		s.monitor.Samples().Subscribe(func(smp rtcManager.Sample) {
			s.coordinator.Observe(smp.Label, s.state.InSession())
		}),
		// sample on every peer state change instead of waiting for the tick
		s.call.AddConnectionStateHandler(func(webrtc.PeerConnectionState) {
			s.monitor.Sample()
		}),
		s.coordinator.Events().Subscribe(func(ev reconnect.Event) {
			if ev.Finished && ev.Err == nil {
				s.applyTrackState()
			}
		}),
	}
	if s.journal != nil {
		unsubs = append(unsubs, s.journal.Attach(journal.Sources{
			Session:   s.state.Changes(),
			Samples:   s.monitor.Samples(),
			Reconnect: s.coordinator.Events(),
			Toasts:    s.feed,
		}))
	}
	return unsubs
}

func (s *Session) startCall(ctx context.Context, stream media.Stream) {
	if s.call.InitiateCall(ctx, stream) {
		return
	}
	s.logger.Warn("Call did not start, handing over to reconnection")
	s.coordinator.Observe(quality.Disconnected, s.state.InSession())
}

func (s *Session) applyTrackState() {
	snap := s.state.Snapshot()
	s.call.SetTrackEnabled(webrtc.RTPCodecTypeVideo, snap.VideoEnabled)
	s.call.SetTrackEnabled(webrtc.RTPCodecTypeAudio, snap.AudioEnabled)
}

// abort undoes a Join that could not complete
func (s *Session) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Leave(ctx); err != nil {
		s.logger.Warn("Failed to clean up after join", zap.Error(err))
	}
}

// Leave ends the session, closes the call and releases local media
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	cancel, unsubs := s.cancel, s.unsubs
	s.cancel, s.unsubs = nil, nil
	if cancel != nil {
		s.ended = true
	}
	s.mu.Unlock()
	if cancel == nil {
		return ErrNotJoined
	}

	s.state.End()
	for _, u := range unsubs {
		u()
	}
	cancel()

	err := s.call.Leave(ctx)
	s.devices.Slot().Release()
	s.monitor.Reset()

	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("background loops did not stop: %w", ctx.Err()))
	}
	for _, c := range s.closers {
		err = multierr.Append(err, c.Close())
	}

	s.logger.Info("Left session")
	return err
}

// VideoState returns the session flags and last known quality
func (s *Session) VideoState() session.State {
	return s.state.Snapshot()
}

// ToggleVideo flips the camera flag and mutes or unmutes the outgoing video
func (s *Session) ToggleVideo() bool {
	enabled := s.state.ToggleVideo()
	s.call.SetTrackEnabled(webrtc.RTPCodecTypeVideo, enabled)
	return enabled
}

// ToggleAudio flips the microphone flag and mutes or unmutes the outgoing audio
func (s *Session) ToggleAudio() bool {
	enabled := s.state.ToggleAudio()
	s.call.SetTrackEnabled(webrtc.RTPCodecTypeAudio, enabled)
	return enabled
}

func (s *Session) ToggleScreenShare() bool {
	return s.state.ToggleScreenShare()
}

func (s *Session) ToggleRecording() bool {
	return s.state.ToggleRecording()
}

// SetVideoQuality sets the capture profile used by the next acquisition
func (s *Session) SetVideoQuality(q quality.VideoQuality) {
	s.state.SetVideoQuality(q)
}

// Devices returns the current device set
func (s *Session) Devices() devices.DeviceSet {
	return s.devices.Devices()
}

// ChangeDevice switches the device of kind to id. A new camera or microphone
// during a session restarts the call with the re-acquired stream.
func (s *Session) ChangeDevice(ctx context.Context, kind devices.Kind, id string) bool {
	before := s.devices.Slot().Current()
	changed := s.devices.ChangeDevice(ctx, kind, id)
	if kind == devices.Speaker || !s.state.InSession() {
		return changed
	}
	// A failed switch still replaces the stream when the previous devices
	// are reopened, and the call must carry whatever the slot now holds.
	if stream := s.devices.Slot().Current(); stream != nil && stream != before {
		s.startCall(ctx, stream)
		s.applyTrackState()
	}
	return changed
}

// TestDevices runs an acquisition smoke test
func (s *Session) TestDevices(ctx context.Context) bool {
	return s.devices.TestDevices(ctx)
}

// Effects returns the video effects state
func (s *Session) Effects() effects.State {
	return s.effects.State()
}

// ToggleBlur flips the background blur and returns the new value. A failure
// leaves blur as it was, reports a toast and returns false.
func (s *Session) ToggleBlur(ctx context.Context) bool {
	enabled, err := s.effects.Toggle(ctx)
	if err != nil {
		s.logger.Warn("Failed to toggle blur", zap.Error(err))
		s.feed.Notify(notification.Toast{
			Title:       "Video effects unavailable",
			Description: "Background blur could not be changed",
			Severity:    notification.SeverityError,
		})
		return false
	}
	return enabled
}

// SetBlurLevel clamps level to [0,10] and returns the stored value
func (s *Session) SetBlurLevel(ctx context.Context, level int) int {
	return s.effects.SetBlurLevel(ctx, level)
}

// ConnectionAttempt is the number of reconnection attempts since the
// connection was last healthy
func (s *Session) ConnectionAttempt() int {
	return s.coordinator.Attempts()
}

func (s *Session) ReconnectionStatus() reconnect.Status {
	return s.coordinator.Status()
}

// LastSample returns the latest connection quality sample
func (s *Session) LastSample() (rtcManager.Sample, bool) {
	return s.monitor.LastSample()
}
