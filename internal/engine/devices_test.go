package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowfold/parley/internal/ports"
)

func testDeviceList() []ports.AudioDevice {
	return []ports.AudioDevice{
		{ID: "mic-1", Label: "Internal Mic", Kind: ports.DeviceInput},
		{ID: "mic-2", Label: "USB Mic", Kind: ports.DeviceInput},
		{ID: "spk-1", Label: "Speakers", Kind: ports.DeviceOutput},
		{ID: "spk-2", Label: "Headphones", Kind: ports.DeviceOutput},
	}
}

func TestDeviceManagerRestoresPersistedOutput(t *testing.T) {
	kv := newFakeKV()
	require.NoError(t, kv.Set(kvKeyOutputDevice, "spk-2"))

	m := NewDeviceManager(&fakeEnumerator{}, &fakeMedia{}, kv)
	assert.Equal(t, "spk-2", m.OutputID())
}

func TestDeviceManagerSelectOutput(t *testing.T) {
	enum := &fakeEnumerator{devices: testDeviceList()}
	kv := newFakeKV()
	m := NewDeviceManager(enum, &fakeMedia{}, kv)

	_, err := m.Refresh(context.Background())
	require.NoError(t, err)

	target := &fakeRenderTarget{}
	m.RegisterRenderTarget(target)

	require.NoError(t, m.SelectOutput("spk-2"))
	assert.Equal(t, []string{"spk-2"}, target.sinks)

	persisted, ok := kv.Get(kvKeyOutputDevice)
	require.True(t, ok)
	assert.Equal(t, "spk-2", persisted)

	// A target registered after selection picks up the current sink.
	late := &fakeRenderTarget{}
	m.RegisterRenderTarget(late)
	assert.Equal(t, []string{"spk-2"}, late.sinks)
}

func TestDeviceManagerSelectOutputUnknownDevice(t *testing.T) {
	enum := &fakeEnumerator{devices: testDeviceList()}
	m := NewDeviceManager(enum, &fakeMedia{}, newFakeKV())

	_, err := m.Refresh(context.Background())
	require.NoError(t, err)

	err = m.SelectOutput("ghost")
	assert.ErrorIs(t, err, ports.ErrDeviceNotFound)
}

func TestDeviceManagerSelectInputRestartsLiveCapture(t *testing.T) {
	enum := &fakeEnumerator{devices: testDeviceList()}
	media := &fakeMedia{}
	m := NewDeviceManager(enum, media, newFakeKV())

	_, err := m.Refresh(context.Background())
	require.NoError(t, err)

	require.NoError(t, media.EnableCapture(context.Background(), "mic-1"))
	media.ops = nil

	require.NoError(t, m.SelectInput(context.Background(), "mic-2"))
	assert.Equal(t, []string{"disable", "enable:mic-2"}, media.ops)
	assert.Equal(t, "mic-2", m.InputID())
}

func TestDeviceManagerSelectInputIdleCapture(t *testing.T) {
	enum := &fakeEnumerator{devices: testDeviceList()}
	media := &fakeMedia{}
	m := NewDeviceManager(enum, media, newFakeKV())

	_, err := m.Refresh(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.SelectInput(context.Background(), "mic-2"))
	assert.Empty(t, media.ops, "idle capture must not be restarted")
	assert.Equal(t, "mic-2", m.InputID())
}

func TestDeviceManagerRefreshNotifies(t *testing.T) {
	enum := &fakeEnumerator{devices: testDeviceList()}
	m := NewDeviceManager(enum, &fakeMedia{}, newFakeKV())

	var got []ports.AudioDevice
	m.OnDevicesChanged(func(devices []ports.AudioDevice) { got = devices })

	_, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Len(t, m.Devices(), 4)
}

func TestDeviceManagerReEnumeratesOnHotplug(t *testing.T) {
	enum := &fakeEnumerator{devices: testDeviceList()}
	m := NewDeviceManager(enum, &fakeMedia{}, newFakeKV())
	require.NotNil(t, enum.handler, "manager subscribes to device changes")

	enum.mu.Lock()
	enum.devices = enum.devices[:2]
	enum.mu.Unlock()

	enum.handler()
	assert.Len(t, m.Devices(), 2)
}
