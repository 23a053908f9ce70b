// Package rtcManager owns the session's peer connection: call initiation
// through the signaling server, the outgoing RTP pumps and the connection
// quality monitor.
package rtcManager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/callcore/internal/events"
	"github.com/mikeyg42/callcore/internal/media"
	"github.com/mikeyg42/callcore/internal/signaling"
)

const (
	defaultGatherTimeout = 5 * time.Second
	rtpMTU               = 1200
)

var errCallClosed = errors.New("call closed during setup")

// Signaler is one signaling session with the SFU
type Signaler interface {
	Join(ctx context.Context, sid, uid string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	OnOffer(signaling.OfferHandler)
	OnTrickle(signaling.TrickleHandler)
	Close() error
}

// SignalerDialer opens a new signaling session for each call
type SignalerDialer func(ctx context.Context) (Signaler, error)

// Config configures a Manager
type Config struct {
	// SessionID is the room joined on the SFU
	SessionID string
	// UserID identifies this participant; a random one is used if empty
	UserID string
	ICE    ICEConfig
	// Codecs, when set, decides the codecs registered with the media engine.
	// Otherwise pion's defaults are used.
	Codecs        *mediadevices.CodecSelector
	GatherTimeout time.Duration
}

// Manager handles the WebRTC connection and signaling of one session
type Manager struct {
	cfg    Config
	dial   SignalerDialer
	logger *zap.Logger

	stateChanges *events.Bus[webrtc.PeerConnectionState]

	// callMu serializes call setup. Leave does not take it so a hanging
	// setup can still be closed.
	callMu sync.Mutex

	mu       sync.RWMutex
	pc       *webrtc.PeerConnection
	signaler Signaler
	cancel   context.CancelFunc
	pumps    sync.WaitGroup

	videoEnabled atomic.Bool
	audioEnabled atomic.Bool
	callID       atomic.Value // string
}

func NewManager(cfg Config, dial SignalerDialer, logger *zap.Logger) (*Manager, error) {
	if dial == nil {
		return nil, fmt.Errorf("signaler dialer cannot be nil")
	}
	if err := cfg.ICE.Validate(); err != nil {
		return nil, err
	}
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = defaultGatherTimeout
	}
	if logger == nil {
		logger = zap.L()
	}

	m := &Manager{
		cfg:          cfg,
		dial:         dial,
		logger:       logger.Named("rtc").With(zap.String("session", cfg.SessionID)),
		stateChanges: events.NewBus[webrtc.PeerConnectionState](),
	}
	m.videoEnabled.Store(true)
	m.audioEnabled.Store(true)
	m.callID.Store("")
	return m, nil
}

// AddConnectionStateHandler registers h for every peer connection state
// change and returns a function removing it
func (m *Manager) AddConnectionStateHandler(h func(webrtc.PeerConnectionState)) (remove func()) {
	return m.stateChanges.Subscribe(h)
}

// Peer returns the current peer connection, or nil
func (m *Manager) Peer() PeerHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pc == nil {
		return nil
	}
	return m.pc
}

func (m *Manager) isCurrent(pc *webrtc.PeerConnection) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pc == pc
}

// CallID identifies the current call attempt
func (m *Manager) CallID() string {
	return m.callID.Load().(string)
}

// SetTrackEnabled mutes or unmutes the outgoing track of kind. Muted tracks
// stay negotiated; their packets are dropped.
func (m *Manager) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) {
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		m.videoEnabled.Store(enabled)
	case webrtc.RTPCodecTypeAudio:
		m.audioEnabled.Store(enabled)
	default:
		return
	}
	m.logger.Debug("Track enabled", zap.Stringer("kind", kind), zap.Bool("enabled", enabled))
}

// InitiateCall replaces any existing peer connection with a new one carrying
// stream and joins the session on the SFU. It reports success; errors are
// logged. Concurrent calls run one after the other.
func (m *Manager) InitiateCall(ctx context.Context, stream media.Stream) bool {
	m.callMu.Lock()
	defer m.callMu.Unlock()

	callID := uuid.NewString()
	logger := m.logger.With(zap.String("call", callID))

	pc, err := m.initiate(ctx, stream, logger)
	if err != nil {
		logger.Error("Failed to initiate call", zap.Error(err))
		if pc != nil {
			m.closeCall(pc)
		}
		return false
	}
	m.callID.Store(callID)
	logger.Info("Call initiated")
	return true
}

// initiate builds the call around a new peer connection. Once created the
// connection is returned even on error so the caller can close it.
func (m *Manager) initiate(ctx context.Context, stream media.Stream, logger *zap.Logger) (*webrtc.PeerConnection, error) {
	m.teardown()

	iceServers, err := m.cfg.ICE.Servers()
	if err != nil {
		return nil, err
	}

	api, err := m.newAPI()
	if err != nil {
		return nil, err
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	callCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.pc = pc
	m.cancel = cancel
	m.mu.Unlock()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info("Peer connection state changed", zap.Stringer("state", state))
		// a replaced connection reports closed after the next one is up
		if m.isCurrent(pc) {
			m.stateChanges.Publish(state)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Info("Received remote track",
			zap.String("track", track.ID()),
			zap.Stringer("kind", track.Kind()),
			zap.Uint32("ssrc", uint32(track.SSRC())))
		go drainRemote(track)
	})

	if err := m.addTracks(callCtx, pc, stream, logger); err != nil {
		return pc, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return pc, fmt.Errorf("failed to create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return pc, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(m.cfg.GatherTimeout):
		logger.Warn("ICE gathering timed out, sending partial candidates",
			zap.Duration("timeout", m.cfg.GatherTimeout))
	case <-ctx.Done():
		return pc, ctx.Err()
	}

	signaler, err := m.dial(ctx)
	if err != nil {
		return pc, fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	m.mu.Lock()
	left := m.pc != pc
	if !left {
		m.signaler = signaler
	}
	m.mu.Unlock()
	if left {
		m.release(nil, signaler, nil)
		return pc, errCallClosed
	}

	signaler.OnOffer(func(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
		return renegotiate(pc, offer)
	})
	signaler.OnTrickle(func(candidate webrtc.ICECandidateInit, _ int) {
		if err := pc.AddICECandidate(candidate); err != nil {
			logger.Warn("Failed to add remote ICE candidate", zap.Error(err))
		}
	})

	answer, err := signaler.Join(ctx, m.cfg.SessionID, m.cfg.UserID, *pc.LocalDescription())
	if err != nil {
		return pc, err
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return pc, fmt.Errorf("failed to set remote description: %w", err)
	}
	return pc, nil
}

func (m *Manager) newAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if m.cfg.Codecs != nil {
		m.cfg.Codecs.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine)), nil
}

func (m *Manager) addTracks(ctx context.Context, pc *webrtc.PeerConnection, stream media.Stream, logger *zap.Logger) error {
	sending := map[webrtc.RTPCodecType]bool{}

	if stream != nil {
		for _, t := range stream.Tracks() {
			kind := t.Kind()
			capability, enabled := m.capability(kind)
			if enabled == nil {
				continue
			}

			local, err := webrtc.NewTrackLocalStaticRTP(capability, kind.String(), stream.ID())
			if err != nil {
				return fmt.Errorf("failed to create %s track: %w", kind, err)
			}
			sender, err := pc.AddTrack(local)
			if err != nil {
				return fmt.Errorf("failed to add %s track: %w", kind, err)
			}
			go drainRTCP(sender)
			sending[kind] = true

			if src, ok := t.(mediadevices.Track); ok {
				m.pumps.Add(1)
				go func() {
					defer m.pumps.Done()
					pumpRTP(ctx, src, local, enabled, logger.With(zap.Stringer("kind", kind)))
				}()
			}
		}
	}

	// Receive the remote participant even when not sending
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if sending[kind] {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (m *Manager) capability(kind webrtc.RTPCodecType) (webrtc.RTPCodecCapability, *atomic.Bool) {
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, &m.videoEnabled
	case webrtc.RTPCodecTypeAudio:
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		}, &m.audioEnabled
	}
	return webrtc.RTPCodecCapability{}, nil
}

func renegotiate(pc *webrtc.PeerConnection, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return *pc.LocalDescription(), nil
}

// pumpRTP packetizes src into dst until the source ends or ctx is cancelled.
// Packets are dropped while enabled is false.
func pumpRTP(ctx context.Context, src mediadevices.Track, dst *webrtc.TrackLocalStaticRTP, enabled *atomic.Bool, logger *zap.Logger) {
	reader, err := src.NewRTPReader(dst.Codec().MimeType, uuid.New().ID(), rtpMTU)
	if err != nil {
		logger.Error("Failed to create RTP reader", zap.Error(err))
		return
	}
	defer reader.Close()

	for {
		if ctx.Err() != nil {
			return
		}

		packets, release, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug("Source track ended")
				return
			}
			logger.Warn("Failed to read RTP packets", zap.Error(err))
			continue
		}

		open := true
		if enabled.Load() {
			open = writePackets(dst, packets, logger)
		}
		release()
		if !open {
			return
		}
	}
}

// writePackets reports false once dst is closed
func writePackets(dst *webrtc.TrackLocalStaticRTP, packets []*rtp.Packet, logger *zap.Logger) bool {
	for _, p := range packets {
		if err := dst.WriteRTP(p); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return false
			}
			logger.Warn("Failed to write RTP packet", zap.Error(err))
		}
	}
	return true
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func drainRemote(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func (m *Manager) teardown() {
	m.mu.Lock()
	pc, signaler, cancel := m.pc, m.signaler, m.cancel
	m.pc, m.signaler, m.cancel = nil, nil, nil
	m.mu.Unlock()
	m.release(pc, signaler, cancel)
}

// closeCall closes the call built around pc. A newer call is left alone,
// only pc itself is closed then.
func (m *Manager) closeCall(pc *webrtc.PeerConnection) {
	m.mu.Lock()
	if m.pc != pc {
		m.mu.Unlock()
		m.release(pc, nil, nil)
		return
	}
	signaler, cancel := m.signaler, m.cancel
	m.pc, m.signaler, m.cancel = nil, nil, nil
	m.mu.Unlock()
	m.release(pc, signaler, cancel)
}

func (m *Manager) release(pc *webrtc.PeerConnection, signaler Signaler, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if signaler != nil {
		if err := signaler.Close(); err != nil {
			m.logger.Warn("Failed to close signaling", zap.Error(err))
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			m.logger.Warn("Failed to close peer connection", zap.Error(err))
		}
	}
}

// Leave closes the call. It waits for the RTP pumps to stop or ctx to end.
func (m *Manager) Leave(ctx context.Context) error {
	m.teardown()
	m.callID.Store("")

	done := make(chan struct{})
	go func() {
		m.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("leave timed out: %w", ctx.Err())
	}
}
