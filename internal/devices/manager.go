package devices

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/callcore/internal/events"
	"github.com/mikeyg42/callcore/internal/media"
	"github.com/mikeyg42/callcore/internal/notification"
	"github.com/mikeyg42/callcore/internal/quality"
)

// Options wires a Manager to the rest of the session
type Options struct {
	Platform Platform
	Acquirer media.Acquirer
	// Slot receives every stream acquired through AcquireStream or ChangeDevice
	Slot *media.Slot
	// Router is optional; without it speaker changes only update the selection
	Router   AudioRouter
	Notifier notification.Notifier
	// VideoQuality returns the capture profile for the next acquisition
	VideoQuality func() quality.VideoQuality
	Logger       *zap.Logger
}

// Manager owns the DeviceSet. Selections change only through FetchDevices
// and ChangeDevice.
type Manager struct {
	platform     Platform
	acquirer     media.Acquirer
	slot         *media.Slot
	router       AudioRouter
	notifier     notification.Notifier
	videoQuality func() quality.VideoQuality
	changes      *events.Bus[SetChanged]
	logger       *zap.Logger

	mu  sync.RWMutex
	set DeviceSet
	err error

	// acquireMu serializes everything that opens capture hardware
	acquireMu sync.Mutex
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.L()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notification.NotifierFunc(func(notification.Toast) {})
	}
	vq := opts.VideoQuality
	if vq == nil {
		vq = func() quality.VideoQuality { return quality.VideoHigh }
	}
	slot := opts.Slot
	if slot == nil {
		slot = media.NewSlot(logger)
	}
	return &Manager{
		platform:     opts.Platform,
		acquirer:     opts.Acquirer,
		slot:         slot,
		router:       opts.Router,
		notifier:     notifier,
		videoQuality: vq,
		changes:      events.NewBus[SetChanged](),
		logger:       logger.Named("devices"),
	}
}

// Changes publishes a SetChanged after every device-change notification
func (m *Manager) Changes() *events.Bus[SetChanged] {
	return m.changes
}

// Devices returns the current set
func (m *Manager) Devices() DeviceSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.set
}

// Err returns the error of the last failed FetchDevices, or nil
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Slot holds the session's local stream
func (m *Manager) Slot() *media.Slot {
	return m.slot
}

// FetchDevices requests permission, enumerates devices and rebuilds the set.
// On failure it returns an empty set, records the error, notifies the user
// and leaves the previous set in place.
func (m *Manager) FetchDevices(ctx context.Context) DeviceSet {
	found, err := m.enumerate(ctx)
	if err != nil {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()

		m.logger.Error("Failed to fetch devices", zap.Error(err))
		m.notifier.Notify(notification.Toast{
			Title:       "Device error",
			Description: "Could not access camera/microphone",
			Severity:    notification.SeverityError,
		})
		return DeviceSet{}
	}

	m.mu.Lock()
	set := build(found, m.set)
	m.set = set
	m.err = nil
	m.mu.Unlock()

	m.logger.Debug("Fetched devices",
		zap.Int("cameras", len(set.Cameras)),
		zap.Int("microphones", len(set.Microphones)),
		zap.Int("speakers", len(set.Speakers)),
		zap.String("camera", set.SelectedCamera),
		zap.String("microphone", set.SelectedMicrophone),
		zap.String("speaker", set.SelectedSpeaker))
	return set
}

func (m *Manager) enumerate(ctx context.Context) ([]Device, error) {
	if m.platform == nil {
		return nil, fmt.Errorf("no device platform configured")
	}
	if err := m.requestPermission(ctx); err != nil {
		return nil, fmt.Errorf("permission denied: %w", err)
	}
	found, err := m.platform.EnumerateDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	return found, nil
}

// requestPermission asks the platform for access unless a live local stream
// already proves it. The platform check would reopen the held devices.
func (m *Manager) requestPermission(ctx context.Context) error {
	m.acquireMu.Lock()
	defer m.acquireMu.Unlock()
	if m.slot.Current() != nil {
		return nil
	}
	return m.platform.RequestPermission(ctx)
}

// ChangeDevice selects id for kind k. Cameras and microphones re-acquire the
// local stream, speakers re-route remote audio. Any failure keeps the
// previous selection and returns false.
func (m *Manager) ChangeDevice(ctx context.Context, k Kind, id string) bool {
	if err := m.changeDevice(ctx, k, id); err != nil {
		m.logger.Warn("Failed to change device",
			zap.Stringer("kind", k), zap.String("device", id), zap.Error(err))
		m.notifier.Notify(notification.Toast{
			Title:       "Device error",
			Description: fmt.Sprintf("Could not switch %s", k),
			Severity:    notification.SeverityError,
		})
		return false
	}
	m.logger.Info("Changed device", zap.Stringer("kind", k), zap.String("device", id))
	return true
}

func (m *Manager) changeDevice(ctx context.Context, k Kind, id string) error {
	current := m.Devices()
	if k != Camera && k != Microphone && k != Speaker {
		return fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	if !current.Has(k, id) {
		return fmt.Errorf("%w: %s %q", ErrUnknownDevice, k, id)
	}
	candidate := current.withSelection(k, id)

	switch k {
	case Speaker:
		if m.router != nil {
			if err := m.router.SetSinkID(ctx, id); err != nil {
				return fmt.Errorf("failed to route audio output: %w", err)
			}
		}
	default:
		live := m.slot.Current() != nil
		if _, err := m.acquire(ctx, candidate); err != nil {
			if live {
				m.restore(ctx, current)
			}
			return err
		}
	}

	m.mu.Lock()
	m.set = m.set.withSelection(k, id)
	m.mu.Unlock()
	return nil
}

// AcquireStream releases the local stream and acquires a new one with the
// current selections and video quality. On failure the slot stays empty.
func (m *Manager) AcquireStream(ctx context.Context) (media.Stream, error) {
	return m.acquire(ctx, m.Devices())
}

func (m *Manager) acquire(ctx context.Context, set DeviceSet) (media.Stream, error) {
	if m.acquirer == nil {
		return nil, fmt.Errorf("no stream acquirer configured")
	}

	m.acquireMu.Lock()
	defer m.acquireMu.Unlock()

	// Capture drivers open exclusively. The live stream has to let go of
	// the devices before they can be opened again.
	m.slot.Release()

	stream, err := m.acquirer.GetLocalStream(ctx, m.overrides(set))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire local stream: %w", err)
	}
	m.slot.Replace(stream)
	return stream, nil
}

// restore reopens the previous selection after a failed switch released
// the live stream
func (m *Manager) restore(ctx context.Context, set DeviceSet) {
	if _, err := m.acquire(ctx, set); err != nil {
		m.logger.Error("Failed to restore local stream", zap.Error(err))
		return
	}
	m.logger.Info("Restored local stream after failed switch")
}

func (m *Manager) overrides(set DeviceSet) media.Overrides {
	profile := m.videoQuality().Profile()
	return media.Overrides{
		CameraID:     set.SelectedCamera,
		MicrophoneID: set.SelectedMicrophone,
		Width:        profile.Resolution.Width,
		Height:       profile.Resolution.Height,
		FrameRate:    float64(profile.FrameRate),
	}
}

// TestDevices acquires and immediately releases a stream with the current
// selections, reporting the outcome as a toast. Devices held by the live
// local stream are known to work and are not reopened.
func (m *Manager) TestDevices(ctx context.Context) bool {
	if m.acquirer == nil {
		return false
	}

	m.acquireMu.Lock()
	defer m.acquireMu.Unlock()

	if live := m.slot.Current(); live != nil {
		m.logger.Debug("Devices held by the local stream, skipping test acquisition",
			zap.String("stream", live.ID()))
		m.notifyWorking()
		return true
	}

	stream, err := m.acquirer.GetLocalStream(ctx, m.overrides(m.Devices()))
	if err != nil {
		m.logger.Warn("Device test failed", zap.Error(err))
		m.notifier.Notify(notification.Toast{
			Title:       "Device test failed",
			Description: "Please check your camera and microphone",
			Severity:    notification.SeverityError,
		})
		return false
	}
	if err := media.Stop(stream); err != nil {
		m.logger.Warn("Failed to release test stream", zap.Error(err))
	}
	m.notifyWorking()
	return true
}

func (m *Manager) notifyWorking() {
	m.notifier.Notify(notification.Toast{
		Title:       "Devices working",
		Description: "Camera and microphone are working properly",
		Severity:    notification.SeveritySuccess,
	})
}

// Run rebuilds the set on every platform device-change notification until
// ctx ends.
func (m *Manager) Run(ctx context.Context) {
	if m.platform == nil {
		return
	}
	for range m.platform.Changes(ctx) {
		previous := m.Devices()
		current := m.FetchDevices(ctx)
		if m.Err() != nil {
			continue
		}
		change := diff(previous, current)
		m.logger.Info("Devices changed",
			zap.Int("added", len(change.Added)),
			zap.Int("removed", len(change.Removed)))
		m.changes.Publish(change)
	}
}
