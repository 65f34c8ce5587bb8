package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lowfold/parley/internal/ports"
)

const kvKeyOutputDevice = "audio_output_device"

// DeviceManager tracks the host's audio devices, the selected input and
// output, and every registered render target. The output selection is
// persisted so it survives restarts; the input selection only matters while
// capture is live and is reapplied by restarting capture.
type DeviceManager struct {
	enum  ports.DeviceEnumerator
	media ports.MediaSession
	kv    ports.KVStore

	// Serializes capture restarts so two quick input switches cannot
	// interleave their disable/enable pairs.
	switchMu sync.Mutex

	mu       sync.Mutex
	devices  []ports.AudioDevice
	inputID  string
	outputID string
	targets  []ports.RenderTarget
	onChange func([]ports.AudioDevice)
}

func NewDeviceManager(enum ports.DeviceEnumerator, media ports.MediaSession, kv ports.KVStore) *DeviceManager {
	m := &DeviceManager{
		enum:  enum,
		media: media,
		kv:    kv,
	}
	if kv != nil {
		if saved, ok := kv.Get(kvKeyOutputDevice); ok {
			m.outputID = saved
		}
	}
	if enum != nil {
		enum.OnDeviceChange(m.handleDeviceChange)
	}
	return m
}

// OnDevicesChanged registers a callback fired after every re-enumeration.
func (m *DeviceManager) OnDevicesChanged(fn func([]ports.AudioDevice)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Refresh re-enumerates the host's devices. Permission is requested first so
// labels are populated; a denied permission still yields the unlabeled list.
func (m *DeviceManager) Refresh(ctx context.Context) ([]ports.AudioDevice, error) {
	if err := m.enum.RequestPermission(ctx); err != nil {
		slog.Warn("devices: permission not granted, labels may be empty", "error", err)
	}

	devices, err := m.enum.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate audio devices: %w", err)
	}

	m.mu.Lock()
	m.devices = devices
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		fn(devices)
	}
	return devices, nil
}

// Devices returns the last enumerated device list.
func (m *DeviceManager) Devices() []ports.AudioDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ports.AudioDevice(nil), m.devices...)
}

// InputID returns the selected capture device, empty for the default.
func (m *DeviceManager) InputID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputID
}

// OutputID returns the selected render device, empty for the default.
func (m *DeviceManager) OutputID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputID
}

// SelectInput switches the capture device. When capture is live the switch
// restarts it with the new constraint; restarts are serialized so rapid
// selections apply in order.
func (m *DeviceManager) SelectInput(ctx context.Context, deviceID string) error {
	if deviceID != "" && !m.knownDevice(deviceID, ports.DeviceInput) {
		return fmt.Errorf("select input %q: %w", deviceID, ports.ErrDeviceNotFound)
	}

	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.Lock()
	m.inputID = deviceID
	m.mu.Unlock()

	if m.media == nil || !m.media.CaptureEnabled() {
		return nil
	}
	if err := m.media.DisableCapture(ctx); err != nil {
		return fmt.Errorf("stop capture for device switch: %w", err)
	}
	if err := m.media.EnableCapture(ctx, deviceID); err != nil {
		return fmt.Errorf("restart capture on %q: %w", deviceID, err)
	}
	slog.Info("devices: capture switched", "device", deviceID)
	return nil
}

// SelectOutput switches the render device, persists the choice, and applies
// it to every registered render target. Targets that reject the sink are
// logged and skipped; one broken element must not block the rest.
func (m *DeviceManager) SelectOutput(deviceID string) error {
	if deviceID != "" && !m.knownDevice(deviceID, ports.DeviceOutput) {
		return fmt.Errorf("select output %q: %w", deviceID, ports.ErrDeviceNotFound)
	}

	m.mu.Lock()
	m.outputID = deviceID
	targets := append([]ports.RenderTarget(nil), m.targets...)
	m.mu.Unlock()

	if m.kv != nil {
		if err := m.kv.Set(kvKeyOutputDevice, deviceID); err != nil {
			slog.Warn("devices: persist output selection", "error", err)
		}
	}

	for _, t := range targets {
		if err := t.SetSinkID(deviceID); err != nil {
			slog.Warn("devices: sink not applied to target", "device", deviceID, "error", err)
		}
	}
	return nil
}

// RegisterRenderTarget adds a render element and immediately applies the
// current output selection to it.
func (m *DeviceManager) RegisterRenderTarget(t ports.RenderTarget) {
	m.mu.Lock()
	m.targets = append(m.targets, t)
	outputID := m.outputID
	m.mu.Unlock()

	if outputID != "" {
		if err := t.SetSinkID(outputID); err != nil {
			slog.Warn("devices: sink not applied to new target", "device", outputID, "error", err)
		}
	}
}

func (m *DeviceManager) knownDevice(deviceID string, kind ports.DeviceKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.devices) == 0 {
		// Not enumerated yet; trust the caller rather than reject blindly.
		return true
	}
	for _, d := range m.devices {
		if d.ID == deviceID && d.Kind == kind {
			return true
		}
	}
	return false
}

func (m *DeviceManager) handleDeviceChange() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if _, err := m.Refresh(ctx); err != nil {
		slog.Warn("devices: re-enumeration after device change failed", "error", err)
	}
}
