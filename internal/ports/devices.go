package ports

import "context"

// DeviceKind distinguishes audio capture from audio render devices.
type DeviceKind string

const (
	DeviceInput  DeviceKind = "audioinput"
	DeviceOutput DeviceKind = "audiooutput"
)

// AudioDevice describes one enumerable audio device. Labels are only
// available after a capture permission grant; before that the host reports
// empty labels.
type AudioDevice struct {
	ID    string
	Label string
	Kind  DeviceKind
}

// DeviceEnumerator lists the host's audio devices and notifies on changes
// (plug/unplug). Enumerate may require a prior permission grant to return
// labels.
type DeviceEnumerator interface {
	RequestPermission(ctx context.Context) error
	Enumerate(ctx context.Context) ([]AudioDevice, error)
	OnDeviceChange(handler func())
}

// RenderTarget is one audio render element (an output sink). The device
// manager applies the selected output device to every current and future
// target.
type RenderTarget interface {
	SetSinkID(deviceID string) error
}
