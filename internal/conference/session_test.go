package conference

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/callcore/internal/devices"
	"github.com/mikeyg42/callcore/internal/effects"
	"github.com/mikeyg42/callcore/internal/events"
	"github.com/mikeyg42/callcore/internal/media"
	"github.com/mikeyg42/callcore/internal/notification"
	"github.com/mikeyg42/callcore/internal/quality"
	"github.com/mikeyg42/callcore/internal/reconnect"
	"github.com/mikeyg42/callcore/internal/rtcManager"
)

type fakePlatform struct {
	permission error
	devices    []devices.Device
}

func (p *fakePlatform) RequestPermission(context.Context) error { return p.permission }

func (p *fakePlatform) EnumerateDevices(context.Context) ([]devices.Device, error) {
	return p.devices, nil
}

func (p *fakePlatform) Changes(ctx context.Context) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out
}

type fakeTrack struct {
	mu      sync.Mutex
	closed  bool
	release func()
}

func (t *fakeTrack) ID() string                { return "track" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeVideo }
func (t *fakeTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed && t.release != nil {
		t.release()
	}
	t.closed = true
	return nil
}
func (t *fakeTrack) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeStream struct {
	id    string
	track *fakeTrack
}

func (s *fakeStream) ID() string            { return s.id }
func (s *fakeStream) Tracks() []media.Track { return []media.Track{s.track} }

// fakeAcquirer opens devices exclusively like the capture drivers do: a
// second open of a held camera or microphone fails until its track closes.
type fakeAcquirer struct {
	mu     sync.Mutex
	broken map[string]bool
	open   map[string]bool
	issued []*fakeStream
}

func (a *fakeAcquirer) GetLocalStream(_ context.Context, o media.Overrides) (media.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.broken[o.CameraID] || a.broken[o.MicrophoneID] {
		return nil, errors.New("device unplugged")
	}
	keys := []string{"camera/" + o.CameraID, "microphone/" + o.MicrophoneID}
	if a.open == nil {
		a.open = map[string]bool{}
	}
	for _, k := range keys {
		if a.open[k] {
			return nil, errors.New("invalid state: driver is already opened")
		}
	}
	for _, k := range keys {
		a.open[k] = true
	}
	track := &fakeTrack{release: func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for _, k := range keys {
			delete(a.open, k)
		}
	}}
	s := &fakeStream{id: o.CameraID, track: track}
	a.issued = append(a.issued, s)
	return s, nil
}

func (a *fakeAcquirer) breakDevice(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.broken == nil {
		a.broken = map[string]bool{}
	}
	a.broken[id] = true
}

func (a *fakeAcquirer) streams() []*fakeStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*fakeStream(nil), a.issued...)
}

type fakePeer struct {
	mu    sync.Mutex
	state webrtc.PeerConnectionState
}

func (p *fakePeer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePeer) GetStats() webrtc.StatsReport { return webrtc.StatsReport{} }

type fakeCall struct {
	mu        sync.Mutex
	peer      *fakePeer
	outcomes  []bool
	initiated int
	enabled   map[webrtc.RTPCodecType]bool
	left      bool
	states    *events.Bus[webrtc.PeerConnectionState]
}

func newFakeCall(outcomes ...bool) *fakeCall {
	return &fakeCall{
		outcomes: outcomes,
		enabled:  map[webrtc.RTPCodecType]bool{},
		states:   events.NewBus[webrtc.PeerConnectionState](),
	}
}

func (c *fakeCall) InitiateCall(context.Context, media.Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initiated++
	ok := false
	if len(c.outcomes) > 0 {
		ok, c.outcomes = c.outcomes[0], c.outcomes[1:]
	}
	if ok && c.peer == nil {
		c.peer = &fakePeer{state: webrtc.PeerConnectionStateNew}
	}
	return ok
}

func (c *fakeCall) Peer() rtcManager.PeerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == nil {
		return nil
	}
	return c.peer
}

func (c *fakeCall) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled[kind] = enabled
}

func (c *fakeCall) AddConnectionStateHandler(h func(webrtc.PeerConnectionState)) func() {
	return c.states.Subscribe(h)
}

func (c *fakeCall) Leave(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = true
	c.peer = nil
	return nil
}

func (c *fakeCall) setState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	p := c.peer
	c.mu.Unlock()
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (c *fakeCall) initiatedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initiated
}

func (c *fakeCall) trackEnabled(kind webrtc.RTPCodecType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled[kind]
}

var hardware = []devices.Device{
	{ID: "cam-1", Label: "FaceTime HD", Kind: devices.Camera},
	{ID: "cam-2", Label: "USB Camera", Kind: devices.Camera},
	{ID: "mic-1", Label: "Built-in Microphone", Kind: devices.Microphone},
	{ID: "spk-1", Label: "Speakers", Kind: devices.Speaker},
}

type fixture struct {
	session  *Session
	call     *fakeCall
	acquirer *fakeAcquirer
	feed     *notification.Feed
}

func newFixture(t *testing.T, platform *fakePlatform, call *fakeCall, applier effects.Applier) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	if platform == nil {
		platform = &fakePlatform{devices: hardware}
	}
	acquirer := &fakeAcquirer{}
	feed := notification.NewFeed(50, logger)
	dm := devices.NewManager(devices.Options{
		Platform: platform,
		Acquirer: acquirer,
		Notifier: feed,
		Logger:   logger,
	})

	s, err := New(Options{
		SessionID:            "appt-42",
		Devices:              dm,
		Call:                 call,
		Effects:              effects.NewPipeline(applier, 0, effects.DefaultBlurLevel, logger),
		Feed:                 feed,
		PollInterval:         time.Hour,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       10 * time.Millisecond,
		Logger:               logger,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Leave(ctx)
	})
	return &fixture{session: s, call: call, acquirer: acquirer, feed: feed}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func hasToast(feed *notification.Feed, title string) bool {
	for _, toast := range feed.Recent(50) {
		if toast.Title == title {
			return true
		}
	}
	return false
}

func TestConnectionScenarioExhaustsReconnection(t *testing.T) {
	call := newFakeCall(true) // the first call connects, every reconnection fails
	f := newFixture(t, nil, call, nil)
	s := f.session

	if err := s.Join(context.Background()); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	states := []webrtc.PeerConnectionState{
		webrtc.PeerConnectionStateConnecting,
		webrtc.PeerConnectionStateConnected,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
	}
	want := []quality.Label{
		quality.Good,
		quality.Excellent,
		quality.Poor,
		quality.Poor,
		quality.Poor,
		quality.Disconnected,
	}

	for i, state := range states {
		call.setState(state)
		sample, ok := s.monitor.Sample()
		if !ok {
			t.Fatalf("Sample %d was not taken", i)
		}
		if sample.Label != want[i] {
			t.Fatalf("Sample %d (%s): label %s, want %s", i, state, sample.Label, want[i])
		}
		if got := s.VideoState().ConnectionQuality; got != want[i] {
			t.Fatalf("Sample %d: session quality %s, want %s", i, got, want[i])
		}
		if i < len(states)-1 && s.ConnectionAttempt() != 0 {
			t.Fatalf("No reconnection expected before failure, got %d attempts", s.ConnectionAttempt())
		}
	}

	waitUntil(t, "exhaustion", func() bool {
		return s.ReconnectionStatus() == reconnect.StatusExhausted
	})
	if s.ConnectionAttempt() != 3 {
		t.Fatalf("Expected exactly 3 attempts, got %d", s.ConnectionAttempt())
	}

	time.Sleep(50 * time.Millisecond)
	if got := call.initiatedCount(); got != 4 {
		t.Fatalf("Expected the initial call plus 3 attempts, got %d", got)
	}
	if !hasToast(f.feed, "Reconnection failed") {
		t.Fatal("Exhaustion should be surfaced as a toast")
	}
	if last, ok := s.LastSample(); !ok || last.Label != quality.Disconnected {
		t.Fatalf("Unexpected last sample %+v", last)
	}
}

func TestInitialCallFailureIsRetried(t *testing.T) {
	call := newFakeCall(false, true)
	f := newFixture(t, nil, call, nil)

	if err := f.session.Join(context.Background()); err != nil {
		t.Fatalf("A failed call must not fail Join: %v", err)
	}
	waitUntil(t, "reconnection", func() bool { return call.initiatedCount() >= 2 })

	call.setState(webrtc.PeerConnectionStateConnected)
	call.states.Publish(webrtc.PeerConnectionStateConnected)

	waitUntil(t, "recovery", func() bool {
		return f.session.ReconnectionStatus() == reconnect.StatusIdle && f.session.ConnectionAttempt() == 0
	})
	if got := f.session.VideoState().ConnectionQuality; got != quality.Excellent {
		t.Fatalf("Expected excellent after the state change sample, got %s", got)
	}
}

func TestTogglesMuteTracks(t *testing.T) {
	call := newFakeCall(true)
	f := newFixture(t, nil, call, nil)
	s := f.session
	if err := s.Join(context.Background()); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if !call.trackEnabled(webrtc.RTPCodecTypeVideo) || !call.trackEnabled(webrtc.RTPCodecTypeAudio) {
		t.Fatal("Tracks should start enabled")
	}

	if s.ToggleVideo() {
		t.Fatal("First video toggle should turn video off")
	}
	if call.trackEnabled(webrtc.RTPCodecTypeVideo) {
		t.Fatal("Video track should be muted")
	}
	if !s.ToggleVideo() || !call.trackEnabled(webrtc.RTPCodecTypeVideo) {
		t.Fatal("Second toggle should restore video")
	}

	if s.ToggleAudio() || call.trackEnabled(webrtc.RTPCodecTypeAudio) {
		t.Fatal("Audio toggle should mute the audio track")
	}

	before := s.VideoState()
	s.ToggleScreenShare()
	s.ToggleRecording()
	s.ToggleScreenShare()
	s.ToggleRecording()
	after := s.VideoState()
	if before.ScreenShareEnabled != after.ScreenShareEnabled || before.RecordingEnabled != after.RecordingEnabled {
		t.Fatal("Two toggles should restore the original flags")
	}
}

func TestChangeCameraRestartsCall(t *testing.T) {
	call := newFakeCall(true, true)
	f := newFixture(t, nil, call, nil)
	s := f.session
	if err := s.Join(context.Background()); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	first := f.acquirer.streams()[len(f.acquirer.streams())-1]

	if !s.ChangeDevice(context.Background(), devices.Camera, "cam-2") {
		t.Fatal("Camera change failed")
	}
	if s.Devices().SelectedCamera != "cam-2" {
		t.Fatalf("Selected camera = %q", s.Devices().SelectedCamera)
	}
	if !first.track.isClosed() {
		t.Fatal("The previous stream should be released")
	}
	if call.initiatedCount() != 2 {
		t.Fatalf("Expected the call to restart with the new stream, got %d initiations", call.initiatedCount())
	}

	if s.ChangeDevice(context.Background(), devices.Camera, "cam-9") {
		t.Fatal("An unknown camera should be rejected")
	}
	if s.Devices().SelectedCamera != "cam-2" {
		t.Fatal("A rejected change must keep the previous selection")
	}
}

func TestFailedCameraSwitchRestartsCallWithPreviousDevices(t *testing.T) {
	call := newFakeCall(true, true)
	f := newFixture(t, nil, call, nil)
	s := f.session
	if err := s.Join(context.Background()); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	first := f.acquirer.streams()[len(f.acquirer.streams())-1]
	f.acquirer.breakDevice("cam-2")

	if s.ChangeDevice(context.Background(), devices.Camera, "cam-2") {
		t.Fatal("Expected the switch to an unplugged camera to fail")
	}
	if s.Devices().SelectedCamera != "cam-1" {
		t.Fatalf("Selected camera = %q", s.Devices().SelectedCamera)
	}
	if !first.track.isClosed() {
		t.Fatal("The previous stream should have been released for the switch")
	}

	streams := f.acquirer.streams()
	restored := streams[len(streams)-1]
	if restored == first || restored.id != "cam-1" || restored.track.isClosed() {
		t.Fatalf("Expected a live stream reopened on cam-1, got %q", restored.id)
	}
	if call.initiatedCount() != 2 {
		t.Fatalf("Expected the call to restart with the restored stream, got %d initiations", call.initiatedCount())
	}
}

func TestBlur(t *testing.T) {
	tests := []struct {
		name      string
		applier   effects.Applier
		wantBlur  bool
		wantToast bool
	}{
		{"Supported", nil, true, false},
		{"Unsupported", effects.ApplierFunc(func(context.Context, effects.State) error { return effects.ErrUnsupported }), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, newFakeCall(true), tt.applier)
			s := f.session

			if got := s.ToggleBlur(context.Background()); got != tt.wantBlur {
				t.Fatalf("ToggleBlur() = %v, want %v", got, tt.wantBlur)
			}
			if s.Effects().BlurEnabled != tt.wantBlur {
				t.Fatalf("Effects().BlurEnabled = %v", s.Effects().BlurEnabled)
			}
			if hasToast(f.feed, "Video effects unavailable") != tt.wantToast {
				t.Fatalf("Unexpected toast state")
			}
			if got := s.SetBlurLevel(context.Background(), 15); got != 10 {
				t.Fatalf("SetBlurLevel(15) = %d, want 10", got)
			}
			if s.Effects().BlurEnabled != tt.wantBlur {
				t.Fatal("SetBlurLevel must not toggle blur")
			}
		})
	}
}

func TestJoinFailsWithoutPermission(t *testing.T) {
	call := newFakeCall(true)
	f := newFixture(t, &fakePlatform{permission: errors.New("permission denied"), devices: hardware}, call, nil)
	s := f.session

	if err := s.Join(context.Background()); err == nil {
		t.Fatal("Expected Join to fail without device permission")
	}
	if s.VideoState().InSession {
		t.Fatal("A failed join must not leave the session live")
	}
	if call.initiatedCount() != 0 {
		t.Fatal("No call should be placed without media")
	}
	if err := s.Join(context.Background()); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("Expected ErrSessionEnded, got %v", err)
	}
}

func TestLeave(t *testing.T) {
	call := newFakeCall(true)
	f := newFixture(t, nil, call, nil)
	s := f.session

	if err := s.Leave(context.Background()); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("Expected ErrNotJoined, got %v", err)
	}
	if err := s.Join(context.Background()); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := s.Join(context.Background()); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("Expected ErrAlreadyJoined, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Leave(ctx); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	if s.VideoState().InSession {
		t.Fatal("Session should be over")
	}
	streams := f.acquirer.streams()
	if !streams[len(streams)-1].track.isClosed() {
		t.Fatal("Local media should be released")
	}
	if _, ok := s.monitor.Sample(); ok {
		t.Fatal("Monitor must be suspended after leave")
	}
}
