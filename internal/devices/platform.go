package devices

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pion/mediadevices"
	"go.uber.org/zap"

	"github.com/mikeyg42/callcore/internal/media"
)

const defaultWatchInterval = 2 * time.Second

// MediaPlatform is the Platform backed by the drivers registered with
// mediadevices. The host offers no hot-plug callback, so Changes polls the
// enumeration and signals when it differs.
type MediaPlatform struct {
	opener        media.Acquirer
	watchInterval time.Duration
	enumerate     func() []mediadevices.MediaDeviceInfo
	logger        *zap.Logger
}

// NewMediaPlatform returns a platform that checks permission by opening opener and
// polls for device changes every watchInterval.
func NewMediaPlatform(opener media.Acquirer, watchInterval time.Duration, logger *zap.Logger) *MediaPlatform {
	if watchInterval <= 0 {
		watchInterval = defaultWatchInterval
	}
	if logger == nil {
		logger = zap.L()
	}
	return &MediaPlatform{
		opener:        opener,
		watchInterval: watchInterval,
		enumerate:     mediadevices.EnumerateDevices,
		logger:        logger.Named("platform"),
	}
}

// RequestPermission opens camera and microphone once and releases them
func (p *MediaPlatform) RequestPermission(ctx context.Context) error {
	if p.opener == nil {
		return nil
	}
	stream, err := p.opener.GetLocalStream(ctx, media.Overrides{})
	if err != nil {
		return err
	}
	if err := media.Stop(stream); err != nil {
		p.logger.Warn("Failed to release permission check stream", zap.Error(err))
	}
	return nil
}

func (p *MediaPlatform) EnumerateDevices(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos := p.enumerate()
	found := make([]Device, 0, len(infos))
	for _, info := range infos {
		var kind Kind
		switch info.Kind {
		case mediadevices.VideoInput:
			kind = Camera
		case mediadevices.AudioInput:
			kind = Microphone
		case mediadevices.AudioOutput:
			kind = Speaker
		default:
			continue
		}
		label := info.Label
		if label == "" {
			label = info.DeviceID
		}
		found = append(found, Device{ID: info.DeviceID, Label: label, Kind: kind})
	}
	return found, nil
}

func (p *MediaPlatform) Changes(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	last := fingerprint(p.enumerate())
	go func() {
		defer close(out)

		ticker := time.NewTicker(p.watchInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				current := fingerprint(p.enumerate())
				if current == last {
					continue
				}
				last = current
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

func fingerprint(infos []mediadevices.MediaDeviceInfo) string {
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		keys = append(keys, fmt.Sprintf("%v/%s", info.Kind, info.DeviceID))
	}
	sort.Strings(keys)
	return strings.Join(keys, "|")
}
