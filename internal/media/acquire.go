package media

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"
)

// CaptureConfig holds the capture defaults applied to every acquisition
type CaptureConfig struct {
	Width     int
	Height    int
	FrameRate float64

	SampleRate   int
	ChannelCount int

	// Codecs is required for tracks that will be packetized into RTP
	Codecs *mediadevices.CodecSelector

	// VideoTransforms run on every captured video frame, in order
	VideoTransforms []video.TransformFunc
}

type getUserMediaFunc func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)

// DeviceAcquirer acquires streams from local hardware through mediadevices
type DeviceAcquirer struct {
	cfg          CaptureConfig
	getUserMedia getUserMediaFunc
	logger       *zap.Logger
}

func NewDeviceAcquirer(cfg CaptureConfig, logger *zap.Logger) *DeviceAcquirer {
	if logger == nil {
		logger = zap.L()
	}
	return &DeviceAcquirer{
		cfg:          cfg,
		getUserMedia: mediadevices.GetUserMedia,
		logger:       logger.Named("acquirer"),
	}
}

// GetLocalStream opens camera and microphone with the configured defaults,
// narrowed by o. If ctx ends before the hardware answers, a stream that
// arrives late is released instead of leaking.
func (a *DeviceAcquirer) GetLocalStream(ctx context.Context, o Overrides) (Stream, error) {
	constraints := a.constraints(o)

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	start := time.Now()

	go func() {
		s, err := a.getUserMedia(constraints)
		done <- result{stream: s, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to get user media: %w", r.err)
		}
		if r.stream == nil {
			return nil, ErrNoStream
		}
		stream := a.wrap(r.stream)
		a.logger.Info("Acquired local stream",
			zap.String("stream", stream.ID()),
			zap.Int("tracks", len(stream.Tracks())),
			zap.String("camera", o.CameraID),
			zap.String("microphone", o.MicrophoneID),
			zap.Duration("took", time.Since(start)))
		return stream, nil

	case <-ctx.Done():
		go func() {
			r := <-done
			if r.err == nil && r.stream != nil {
				if err := Stop(a.wrap(r.stream)); err != nil {
					a.logger.Warn("Failed to release late stream", zap.Error(err))
				}
			}
		}()
		return nil, ctx.Err()
	}
}

func (a *DeviceAcquirer) constraints(o Overrides) mediadevices.MediaStreamConstraints {
	width, height, frameRate := a.cfg.Width, a.cfg.Height, a.cfg.FrameRate
	if o.Width > 0 && o.Height > 0 {
		width, height = o.Width, o.Height
	}
	if o.FrameRate > 0 {
		frameRate = o.FrameRate
	}

	return mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			if o.CameraID != "" {
				c.DeviceID = prop.String(o.CameraID)
			}
			c.FrameFormat = prop.FrameFormat(frame.FormatYUY2)
			if width > 0 && height > 0 {
				c.Width = prop.Int(width)
				c.Height = prop.Int(height)
			}
			if frameRate > 0 {
				c.FrameRate = prop.Float(frameRate)
			}
		},
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			if o.MicrophoneID != "" {
				c.DeviceID = prop.String(o.MicrophoneID)
			}
			if a.cfg.SampleRate > 0 {
				c.SampleRate = prop.Int(a.cfg.SampleRate)
			}
			if a.cfg.ChannelCount > 0 {
				c.ChannelCount = prop.Int(a.cfg.ChannelCount)
			}
			c.SampleSize = prop.Int(16)
			c.IsFloat = prop.BoolExact(false)
			c.IsBigEndian = prop.BoolExact(false)
			c.IsInterleaved = prop.BoolExact(true)
			c.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: a.cfg.Codecs,
	}
}

func (a *DeviceAcquirer) wrap(s mediadevices.MediaStream) *DeviceStream {
	if len(a.cfg.VideoTransforms) > 0 {
		for _, t := range s.GetVideoTracks() {
			if vt, ok := t.(*mediadevices.VideoTrack); ok {
				vt.Transform(a.cfg.VideoTransforms...)
			}
		}
	}
	return &DeviceStream{id: uuid.NewString(), stream: s}
}

// DeviceStream is a Stream backed by mediadevices
type DeviceStream struct {
	id     string
	stream mediadevices.MediaStream
}

func (d *DeviceStream) ID() string { return d.id }

func (d *DeviceStream) Tracks() []Track {
	tracks := d.stream.GetTracks()
	out := make([]Track, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out
}

// MediaStream exposes the underlying mediadevices stream
func (d *DeviceStream) MediaStream() mediadevices.MediaStream {
	return d.stream
}
