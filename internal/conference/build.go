package conference

import (
	"context"
	"fmt"
	"io"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/mediadevices/pkg/io/video"
	"go.uber.org/zap"

	"github.com/mikeyg42/callcore/internal/config"
	"github.com/mikeyg42/callcore/internal/devices"
	"github.com/mikeyg42/callcore/internal/effects"
	"github.com/mikeyg42/callcore/internal/effects/blur"
	"github.com/mikeyg42/callcore/internal/journal"
	"github.com/mikeyg42/callcore/internal/media"
	"github.com/mikeyg42/callcore/internal/media/codec"
	"github.com/mikeyg42/callcore/internal/notification"
	"github.com/mikeyg42/callcore/internal/quality"
	"github.com/mikeyg42/callcore/internal/rtcManager"
	"github.com/mikeyg42/callcore/internal/session"
	"github.com/mikeyg42/callcore/internal/signaling"
)

// Build assembles a Session on local capture hardware, pion and the
// configured signaling server. The journal is connected when enabled.
func Build(ctx context.Context, cfg *config.Config, sessionID string, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.L()
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	selector, err := codec.NewSelector(codec.Params{
		VideoBitRate:     cfg.Video.BitRate,
		KeyFrameInterval: cfg.Video.KeyFrameInterval,
		AudioBitRate:     cfg.Audio.BitRate,
	})
	if err != nil {
		return nil, err
	}

	filter := blur.NewFilter(logger)
	acquirer := media.NewDeviceAcquirer(media.CaptureConfig{
		Width:           cfg.Video.Width,
		Height:          cfg.Video.Height,
		FrameRate:       cfg.Video.FrameRate,
		SampleRate:      cfg.Audio.SampleRate,
		ChannelCount:    cfg.Audio.ChannelCount,
		Codecs:          selector,
		VideoTransforms: []video.TransformFunc{filter.Transform},
	}, logger)

	state := session.NewManager(logger)
	feed := notification.NewFeed(0, logger)

	dm := devices.NewManager(devices.Options{
		Platform: devices.NewMediaPlatform(acquirer, cfg.Session.DeviceWatchInterval, logger),
		Acquirer: acquirer,
		Notifier: feed,
		VideoQuality: func() quality.VideoQuality {
			return state.Snapshot().VideoQuality
		},
		Logger: logger,
	})

	dial := func(ctx context.Context) (rtcManager.Signaler, error) {
		client, err := signaling.Dial(ctx, cfg.Signaling.URL, cfg.Signaling.DialTimeout, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	call, err := rtcManager.NewManager(rtcManager.Config{
		SessionID: sessionID,
		ICE: rtcManager.ICEConfig{
			STUNURLs:      cfg.ICE.STUNURLs,
			TURNURLs:      cfg.ICE.TURNURLs,
			TURNSecret:    cfg.ICE.TURNSecret,
			CredentialTTL: cfg.ICE.TURNCredentialTTL,
		},
		Codecs:        selector,
		GatherTimeout: cfg.ICE.GatherTimeout,
	}, dial, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create call manager: %w", err)
	}

	opts := Options{
		SessionID:            sessionID,
		State:                state,
		Devices:              dm,
		Call:                 call,
		Effects:              effects.NewPipeline(filter, cfg.Effects.ProcessingDelay, cfg.Effects.DefaultBlurLevel, logger),
		Feed:                 feed,
		PollInterval:         cfg.Session.PollInterval,
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		ReconnectDelay:       cfg.Session.ReconnectDelay,
		ReconnectBackoff:     reconnectPolicy(cfg.Session),
		Logger:               logger,
	}

	var closers []io.Closer
	if cfg.Journal.Enabled {
		store, err := journal.NewPostgresStore(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		opts.Journal = journal.NewWriter(store, sessionID, cfg.Journal.BufferSize, logger)
		closers = append(closers, store)
	}

	s, err := New(opts)
	if err != nil {
		for _, c := range closers {
			c.Close()
		}
		return nil, err
	}
	s.closers = closers
	return s, nil
}

// reconnectPolicy returns nil for the default constant delay
func reconnectPolicy(cfg config.SessionConfig) backoff.BackOff {
	if cfg.ReconnectBackoff != "exponential" {
		return nil
	}
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = cfg.ReconnectDelay
	ebo.MaxElapsedTime = 0
	ebo.Reset()
	return ebo
}
