// Package engine implements the conversational protocol engine: payload
// decoding, stream reconciliation, mode control, agent metrics polling and
// audio device management, glued together by a Session.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lowfold/parley/internal/adapters/metrics"
	"github.com/lowfold/parley/internal/ports"
	"github.com/lowfold/parley/pkg/id"
	"github.com/lowfold/parley/pkg/protocol"
)

// SessionHooks receive everything the engine surfaces to its host. All hooks
// are optional and must be fast; they are called from transport goroutines.
type SessionHooks struct {
	OnMessageCreated    func(*ChatMessage)
	OnMessageUpdated    func(*ChatMessage)
	OnMessageFinalized  func(*ChatMessage)
	OnModeChanged       func(Mode)
	OnConnectionChanged func(connected bool)
	OnParticipantChange func(p ports.Participant, joined bool)
	OnMetrics           func(*protocol.MetricsSample)
	OnSpeaking          func(speaking bool)
}

// SessionOptions tunes a Session's timers.
type SessionOptions struct {
	ChatTopic      string
	RPCTimeout     time.Duration
	MetricsSettle  time.Duration
	MetricsEvery   time.Duration
	MetricsTimeout time.Duration
}

func (o *SessionOptions) applyDefaults() {
	if o.ChatTopic == "" {
		o.ChatTopic = protocol.TopicChat
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = 5 * time.Second
	}
	if o.MetricsSettle <= 0 {
		o.MetricsSettle = 2 * time.Second
	}
	if o.MetricsEvery <= 0 {
		o.MetricsEvery = 10 * time.Second
	}
	if o.MetricsTimeout <= 0 {
		o.MetricsTimeout = 5 * time.Second
	}
}

// speakingNotifier is implemented by media sessions that report local speech
// activity from the capture path.
type speakingNotifier interface {
	OnSpeaking(func(bool))
}

// Session is one live conversation: a connected room, its transcript, and
// the controllers operating on it.
type Session struct {
	transport ports.RoomTransport
	media     ports.MediaSession
	store     ports.MessageStore
	hooks     SessionHooks
	opts      SessionOptions
	tracer    trace.Tracer

	decoder    *Decoder
	reconciler *Reconciler
	mode       *ModeController
	poller     *MetricsPoller
	devices    *DeviceManager

	mu        sync.Mutex
	sessionID string
	connected bool
}

func NewSession(transport ports.RoomTransport, media ports.MediaSession, store ports.MessageStore, devices *DeviceManager, hooks SessionHooks, opts SessionOptions) *Session {
	opts.applyDefaults()

	s := &Session{
		transport: transport,
		media:     media,
		store:     store,
		hooks:     hooks,
		opts:      opts,
		tracer:    otel.Tracer("parley/engine"),
		decoder:   NewDecoder(opts.ChatTopic),
		devices:   devices,
	}

	s.reconciler = NewReconciler(store, ReconcilerHooks{
		OnMessageCreated:   hooks.OnMessageCreated,
		OnMessageUpdated:   hooks.OnMessageUpdated,
		OnMessageFinalized: hooks.OnMessageFinalized,
	})
	s.mode = NewModeController(transport, media, opts.RPCTimeout, hooks.OnModeChanged)
	s.poller = NewMetricsPoller(transport, opts.MetricsSettle, opts.MetricsEvery, opts.MetricsTimeout, hooks.OnMetrics)

	transport.OnEvent(s.handleInbound)
	transport.OnConnectionChange(s.handleConnectionChange)
	if hooks.OnParticipantChange != nil {
		transport.OnParticipantChange(hooks.OnParticipantChange)
	}
	if notifier, ok := media.(speakingNotifier); ok && hooks.OnSpeaking != nil {
		notifier.OnSpeaking(hooks.OnSpeaking)
	}
	return s
}

// SessionID returns the persistence session id, set on Connect.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Mode returns the committed communication mode.
func (s *Session) Mode() Mode { return s.mode.Mode() }

// Devices returns the session's device manager.
func (s *Session) Devices() *DeviceManager { return s.devices }

// Metrics returns the latest agent metrics sample, nil when unknown.
func (s *Session) Metrics() *protocol.MetricsSample { return s.poller.Sample() }

// Connect joins the room and starts the metrics poller. An empty sessionID
// generates a fresh one.
func (s *Session) Connect(ctx context.Context, room, identity, sessionID string) error {
	ctx, span := s.tracer.Start(ctx, "session.connect",
		trace.WithAttributes(attribute.String("room", room), attribute.String("identity", identity)))
	defer span.End()

	if sessionID == "" {
		sessionID = id.NewSession()
	}

	if err := s.transport.Connect(ctx, room, identity); err != nil {
		span.RecordError(err)
		return fmt.Errorf("connect session: %w", err)
	}

	s.mu.Lock()
	s.sessionID = sessionID
	s.connected = true
	s.mu.Unlock()

	s.reconciler.SetSession(sessionID)
	s.poller.Start()

	slog.Info("session: connected", "room", room, "identity", identity, "session", sessionID)
	return nil
}

// Disconnect leaves the room. Open streams are discarded, never persisted.
func (s *Session) Disconnect(ctx context.Context) {
	s.poller.Stop()
	if s.media != nil && s.media.CaptureEnabled() {
		if err := s.media.DisableCapture(ctx); err != nil {
			slog.Warn("session: disable capture on disconnect", "error", err)
		}
	}
	s.transport.Disconnect()

	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	s.reconciler.Reset()
	s.decoder.Reset()
	s.mode.Reset()
	slog.Info("session: disconnected")
}

// SendText publishes a user message on the chat topic and persists it. The
// session must be connected, non-empty, and still accepting writes.
func (s *Session) SendText(ctx context.Context, text string) (*ChatMessage, error) {
	ctx, span := s.tracer.Start(ctx, "session.send_text")
	defer span.End()

	if text == "" {
		return nil, ports.ErrEmptyContent
	}
	if !s.transport.Connected() {
		return nil, ports.ErrNotConnected
	}

	sessionID := s.SessionID()
	if s.store != nil {
		active, err := s.store.IsSessionActive(ctx, sessionID)
		if err != nil {
			slog.Warn("session: activity check failed", "session", sessionID, "error", err)
		} else if !active {
			return nil, ports.ErrSessionInactive
		}
	}

	msg := newChatMessage(RoleUser, text, MessageTypeText)
	packet, err := json.Marshal(protocol.ChatPacket{
		ID:        msg.ID,
		Message:   text,
		Timestamp: msg.Timestamp.UnixMilli(),
		Final:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat packet: %w", err)
	}

	err = s.transport.Publish(ctx, packet, ports.PublishOptions{
		Topic:    s.opts.ChatTopic,
		Reliable: true,
	})
	if err != nil {
		span.RecordError(err)
		s.surfaceSystemMessage(fmt.Sprintf("message not delivered: %v", err))
		return nil, fmt.Errorf("publish chat message: %w", err)
	}

	if s.hooks.OnMessageCreated != nil {
		s.hooks.OnMessageCreated(msg.Clone())
	}
	if s.hooks.OnMessageFinalized != nil {
		s.hooks.OnMessageFinalized(msg.Clone())
	}

	if s.store != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		err := s.store.SaveMessage(saveCtx, ports.SavedMessage{
			SessionID:   sessionID,
			Role:        RoleUser,
			Content:     text,
			MessageType: MessageTypeText,
		})
		if err != nil {
			slog.Error("session: persist user message", "session", sessionID, "error", err)
			s.surfaceSystemMessage("message sent but not saved to history")
		}
	}

	metrics.MessagesFinalized.WithLabelValues(RoleUser).Inc()
	return msg, nil
}

// ToggleMode flips between text and voice using the currently selected
// capture device.
func (s *Session) ToggleMode(ctx context.Context) (Mode, error) {
	ctx, span := s.tracer.Start(ctx, "session.toggle_mode")
	defer span.End()

	if !s.transport.Connected() {
		return s.mode.Mode(), ports.ErrNotConnected
	}

	deviceID := ""
	if s.devices != nil {
		deviceID = s.devices.InputID()
	}
	mode, err := s.mode.Toggle(ctx, deviceID)
	if err != nil {
		span.RecordError(err)
	}
	return mode, err
}

// SetMode transitions to an explicit mode rather than toggling.
func (s *Session) SetMode(ctx context.Context, mode Mode) error {
	if !s.transport.Connected() {
		return ports.ErrNotConnected
	}
	deviceID := ""
	if s.devices != nil {
		deviceID = s.devices.InputID()
	}
	return s.mode.Set(ctx, mode, deviceID)
}

// TestAudioOutput asks the agent to play its audio test chime.
func (s *Session) TestAudioOutput(ctx context.Context) error {
	if !s.transport.Connected() {
		return ports.ErrNotConnected
	}
	_, err := s.transport.Call(ctx, protocol.RPCTestAudio, protocol.AudioTestPayload, ports.CallOptions{
		Destination: agentDestination(s.transport),
		Timeout:     s.opts.RPCTimeout,
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RPCRequests.WithLabelValues(protocol.RPCTestAudio, status).Inc()
	if err != nil {
		return fmt.Errorf("audio output test: %w", err)
	}
	return nil
}

func (s *Session) handleInbound(ev ports.InboundEvent) {
	for _, event := range s.decoder.Decode(ev) {
		s.reconciler.Apply(event)
	}
}

func (s *Session) handleConnectionChange(connected bool) {
	s.mu.Lock()
	s.connected = connected
	s.mu.Unlock()

	if !connected {
		// Partial streams can never complete across a reconnect.
		s.poller.Stop()
		s.reconciler.Reset()
		s.decoder.Reset()
		if s.media != nil && s.media.CaptureEnabled() {
			if err := s.media.DisableCapture(context.Background()); err != nil {
				slog.Warn("session: disable capture on connection loss", "error", err)
			}
		}
		s.mode.Reset()
	} else {
		s.poller.Start()
	}

	if s.hooks.OnConnectionChanged != nil {
		s.hooks.OnConnectionChanged(connected)
	}
}

// surfaceSystemMessage injects a local-only system notice into the
// transcript. It is never persisted or published.
func (s *Session) surfaceSystemMessage(text string) {
	msg := newChatMessage(RoleSystem, text, MessageTypeText)
	if s.hooks.OnMessageCreated != nil {
		s.hooks.OnMessageCreated(msg.Clone())
	}
	if s.hooks.OnMessageFinalized != nil {
		s.hooks.OnMessageFinalized(msg.Clone())
	}
}
