// Package devices enumerates local capture and playback hardware, tracks the
// user's selection for each kind and re-acquires the local stream when that
// selection changes.
package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownDevice is returned when a selection names a device that is not enumerated
	ErrUnknownDevice = errors.New("devices: unknown device")
	// ErrUnknownKind is returned for a kind outside camera, microphone and speaker
	ErrUnknownKind = errors.New("devices: unknown kind")
)

// Kind of device
type Kind int

const (
	Camera Kind = iota + 1
	Microphone
	Speaker
)

func (k Kind) String() string {
	switch k {
	case Camera:
		return "camera"
	case Microphone:
		return "microphone"
	case Speaker:
		return "speaker"
	default:
		return "unknown"
	}
}

// ParseKind accepts the names produced by Kind.String
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "camera", "video", "videoinput":
		return Camera, nil
	case "microphone", "mic", "audio", "audioinput":
		return Microphone, nil
	case "speaker", "audiooutput":
		return Speaker, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Device is one enumerated piece of hardware
type Device struct {
	ID    string
	Label string
	Kind  Kind
}

// DeviceSet is the result of one enumeration together with the current
// selections. Selections are device IDs; an empty string means none.
type DeviceSet struct {
	Cameras     []Device
	Microphones []Device
	Speakers    []Device

	SelectedCamera     string
	SelectedMicrophone string
	SelectedSpeaker    string
}

// List returns the devices of kind k
func (s DeviceSet) List(k Kind) []Device {
	switch k {
	case Camera:
		return s.Cameras
	case Microphone:
		return s.Microphones
	case Speaker:
		return s.Speakers
	}
	return nil
}

// Selected returns the selected ID for kind k
func (s DeviceSet) Selected(k Kind) string {
	switch k {
	case Camera:
		return s.SelectedCamera
	case Microphone:
		return s.SelectedMicrophone
	case Speaker:
		return s.SelectedSpeaker
	}
	return ""
}

// Has reports whether a device with id is enumerated under kind k
func (s DeviceSet) Has(k Kind, id string) bool {
	for _, d := range s.List(k) {
		if d.ID == id {
			return true
		}
	}
	return false
}

// Empty reports whether nothing was enumerated
func (s DeviceSet) Empty() bool {
	return len(s.Cameras) == 0 && len(s.Microphones) == 0 && len(s.Speakers) == 0
}

func (s DeviceSet) withSelection(k Kind, id string) DeviceSet {
	switch k {
	case Camera:
		s.SelectedCamera = id
	case Microphone:
		s.SelectedMicrophone = id
	case Speaker:
		s.SelectedSpeaker = id
	}
	return s
}

func (s DeviceSet) all() []Device {
	out := make([]Device, 0, len(s.Cameras)+len(s.Microphones)+len(s.Speakers))
	out = append(out, s.Cameras...)
	out = append(out, s.Microphones...)
	return append(out, s.Speakers...)
}

// build partitions an enumeration by kind and resolves selections: a previous
// selection survives if its ID is still present, otherwise the first device
// of the kind is chosen.
func build(found []Device, previous DeviceSet) DeviceSet {
	var set DeviceSet
	for _, d := range found {
		switch d.Kind {
		case Camera:
			set.Cameras = append(set.Cameras, d)
		case Microphone:
			set.Microphones = append(set.Microphones, d)
		case Speaker:
			set.Speakers = append(set.Speakers, d)
		}
	}
	for _, k := range []Kind{Camera, Microphone, Speaker} {
		set = set.withSelection(k, pick(set.List(k), previous.Selected(k)))
	}
	return set
}

func pick(list []Device, previous string) string {
	if previous != "" {
		for _, d := range list {
			if d.ID == previous {
				return previous
			}
		}
	}
	if len(list) > 0 {
		return list[0].ID
	}
	return ""
}

// SetChanged is published after a device-change notification rebuilt the set
type SetChanged struct {
	Previous DeviceSet
	Current  DeviceSet
	Added    []Device
	Removed  []Device
}

func diff(previous, current DeviceSet) SetChanged {
	key := func(d Device) string { return d.Kind.String() + "/" + d.ID }

	before := make(map[string]struct{})
	for _, d := range previous.all() {
		before[key(d)] = struct{}{}
	}
	after := make(map[string]struct{})
	for _, d := range current.all() {
		after[key(d)] = struct{}{}
	}

	change := SetChanged{Previous: previous, Current: current}
	for _, d := range current.all() {
		if _, ok := before[key(d)]; !ok {
			change.Added = append(change.Added, d)
		}
	}
	for _, d := range previous.all() {
		if _, ok := after[key(d)]; !ok {
			change.Removed = append(change.Removed, d)
		}
	}
	return change
}

// Platform is the host's device layer
type Platform interface {
	// RequestPermission asks for camera and microphone access
	RequestPermission(ctx context.Context) error
	EnumerateDevices(ctx context.Context) ([]Device, error)
	// Changes signals whenever the set of attached devices may have changed.
	// The channel is closed when ctx ends.
	Changes(ctx context.Context) <-chan struct{}
}

// AudioRouter directs remote audio playback to an output device
type AudioRouter interface {
	SetSinkID(ctx context.Context, deviceID string) error
}
