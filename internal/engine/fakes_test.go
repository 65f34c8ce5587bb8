package engine

import (
	"context"
	"sync"

	"github.com/lowfold/parley/internal/ports"
)

type publishedPacket struct {
	payload []byte
	opts    ports.PublishOptions
}

type rpcCall struct {
	method  string
	payload string
	opts    ports.CallOptions
}

type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	participants []ports.Participant

	published  []publishedPacket
	publishErr error

	calls   []rpcCall
	callFn  func(method, payload string, opts ports.CallOptions) (string, error)
	callErr error

	onEvent func(ports.InboundEvent)
	onConn  func(bool)
	onPart  func(ports.Participant, bool)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true}
}

func (f *fakeTransport) Connect(ctx context.Context, room, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Participants() []ports.Participant {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ports.Participant(nil), f.participants...)
}

func (f *fakeTransport) OnEvent(handler func(ports.InboundEvent)) {
	f.onEvent = handler
}

func (f *fakeTransport) OnConnectionChange(handler func(bool)) {
	f.onConn = handler
}

func (f *fakeTransport) OnParticipantChange(handler func(ports.Participant, bool)) {
	f.onPart = handler
}

func (f *fakeTransport) Publish(ctx context.Context, payload []byte, opts ports.PublishOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedPacket{payload: payload, opts: opts})
	return nil
}

func (f *fakeTransport) Call(ctx context.Context, method, payload string, opts ports.CallOptions) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rpcCall{method: method, payload: payload, opts: opts})
	fn := f.callFn
	err := f.callErr
	f.mu.Unlock()

	if fn != nil {
		return fn(method, payload, opts)
	}
	return "", err
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) deliver(ev ports.InboundEvent) {
	f.onEvent(ev)
}

type fakeMedia struct {
	mu          sync.Mutex
	enabled     bool
	enableErr   error
	disableErr  error
	ops         []string
	enableGate  chan struct{}
	gateReached chan struct{}
	gateOnce    sync.Once
}

func (f *fakeMedia) EnableCapture(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	gate := f.enableGate
	f.mu.Unlock()
	if gate != nil {
		if f.gateReached != nil {
			f.gateOnce.Do(func() { close(f.gateReached) })
		}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "enable:"+deviceID)
	if f.enableErr != nil {
		return f.enableErr
	}
	f.enabled = true
	return nil
}

func (f *fakeMedia) DisableCapture(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "disable")
	f.enabled = false
	return f.disableErr
}

func (f *fakeMedia) CaptureEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

type fakeStore struct {
	mu        sync.Mutex
	saved     []ports.SavedMessage
	saveErr   error
	active    bool
	activeErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{active: true}
}

func (f *fakeStore) SaveMessage(ctx context.Context, msg ports.SavedMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, msg)
	return nil
}

func (f *fakeStore) IsSessionActive(ctx context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.activeErr
}

func (f *fakeStore) savedMessages() []ports.SavedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ports.SavedMessage(nil), f.saved...)
}

type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]string)}
}

func (f *fakeKV) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

func (f *fakeKV) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeKV) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

type fakeEnumerator struct {
	mu      sync.Mutex
	devices []ports.AudioDevice
	enumErr error
	permErr error
	handler func()
}

func (f *fakeEnumerator) RequestPermission(ctx context.Context) error {
	return f.permErr
}

func (f *fakeEnumerator) Enumerate(ctx context.Context) ([]ports.AudioDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enumErr != nil {
		return nil, f.enumErr
	}
	return append([]ports.AudioDevice(nil), f.devices...), nil
}

func (f *fakeEnumerator) OnDeviceChange(handler func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

type fakeRenderTarget struct {
	mu    sync.Mutex
	sinks []string
	err   error
}

func (f *fakeRenderTarget) SetSinkID(deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sinks = append(f.sinks, deviceID)
	return nil
}

// hookRecorder collects reconciler/session hook invocations for assertions.
type hookRecorder struct {
	mu        sync.Mutex
	created   []*ChatMessage
	updated   []*ChatMessage
	finalized []*ChatMessage
}

func (h *hookRecorder) reconcilerHooks() ReconcilerHooks {
	return ReconcilerHooks{
		OnMessageCreated:   h.onCreated,
		OnMessageUpdated:   h.onUpdated,
		OnMessageFinalized: h.onFinalized,
	}
}

func (h *hookRecorder) onCreated(m *ChatMessage)   { h.mu.Lock(); h.created = append(h.created, m); h.mu.Unlock() }
func (h *hookRecorder) onUpdated(m *ChatMessage)   { h.mu.Lock(); h.updated = append(h.updated, m); h.mu.Unlock() }
func (h *hookRecorder) onFinalized(m *ChatMessage) { h.mu.Lock(); h.finalized = append(h.finalized, m); h.mu.Unlock() }

func (h *hookRecorder) createdMessages() []*ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*ChatMessage(nil), h.created...)
}

func (h *hookRecorder) updatedMessages() []*ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*ChatMessage(nil), h.updated...)
}

func (h *hookRecorder) finalizedMessages() []*ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*ChatMessage(nil), h.finalized...)
}
