// Package livekit adapts a LiveKit room to the engine's transport ports.
package livekit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/lowfold/parley/internal/ports"
)

// Config holds the room server connection parameters. Either Token or the
// APIKey/APISecret pair must be set; the SDK mints a join token from the pair.
type Config struct {
	URL             string
	APIKey          string
	APISecret       string
	Token           string
	ParticipantName string
}

// Transport implements ports.RoomTransport on a LiveKit room.
type Transport struct {
	cfg Config

	mu        sync.RWMutex
	room      *lksdk.Room
	connected bool

	onEvent       func(ports.InboundEvent)
	onConn        func(bool)
	onParticipant func(ports.Participant, bool)
}

var _ ports.RoomTransport = (*Transport)(nil)

func NewTransport(cfg Config) *Transport {
	return &Transport{cfg: cfg}
}

func (t *Transport) OnEvent(handler func(ports.InboundEvent)) {
	t.mu.Lock()
	t.onEvent = handler
	t.mu.Unlock()
}

func (t *Transport) OnConnectionChange(handler func(connected bool)) {
	t.mu.Lock()
	t.onConn = handler
	t.mu.Unlock()
}

func (t *Transport) OnParticipantChange(handler func(p ports.Participant, joined bool)) {
	t.mu.Lock()
	t.onParticipant = handler
	t.mu.Unlock()
}

func (t *Transport) Connect(ctx context.Context, roomName, identity string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		slog.Info("livekit: already connected", "room", roomName)
		return nil
	}

	slog.Info("livekit: connecting to room", "room", roomName, "url", t.cfg.URL, "identity", identity)

	callback := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnDataReceived: t.handleData,
		},
		OnParticipantConnected:    t.handleParticipantConnected,
		OnParticipantDisconnected: t.handleParticipantDisconnected,
		OnDisconnected:            t.handleDisconnected,
		OnReconnecting:            t.handleReconnecting,
		OnReconnected:             t.handleReconnected,
	}

	var (
		room *lksdk.Room
		err  error
	)
	if t.cfg.Token != "" {
		room, err = lksdk.ConnectToRoomWithToken(t.cfg.URL, t.cfg.Token, callback, lksdk.WithAutoSubscribe(true))
	} else {
		room, err = lksdk.ConnectToRoom(t.cfg.URL, lksdk.ConnectInfo{
			APIKey:              t.cfg.APIKey,
			APISecret:           t.cfg.APISecret,
			RoomName:            roomName,
			ParticipantIdentity: identity,
			ParticipantName:     t.cfg.ParticipantName,
		}, callback, lksdk.WithAutoSubscribe(true))
	}
	if err != nil {
		slog.Error("livekit: failed to join room", "room", roomName, "error", err)
		return fmt.Errorf("join room %q: %w", roomName, errors.Join(ports.ErrConnectionFailed, err))
	}

	t.room = room
	t.connected = true
	slog.Info("livekit: joined room", "room", roomName, "participants", len(room.GetRemoteParticipants()))
	return nil
}

func (t *Transport) Disconnect() {
	t.mu.Lock()
	room := t.room
	wasConnected := t.connected
	t.room = nil
	t.connected = false
	t.mu.Unlock()

	if room != nil {
		room.Disconnect()
	}
	if wasConnected {
		slog.Info("livekit: disconnected")
	}
}

func (t *Transport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *Transport) Participants() []ports.Participant {
	t.mu.RLock()
	room := t.room
	t.mu.RUnlock()

	if room == nil {
		return nil
	}
	remotes := room.GetRemoteParticipants()
	participants := make([]ports.Participant, 0, len(remotes))
	for _, p := range remotes {
		participants = append(participants, ports.Participant{
			Identity: p.Identity(),
			Name:     p.Name(),
		})
	}
	return participants
}

func (t *Transport) Publish(ctx context.Context, payload []byte, opts ports.PublishOptions) error {
	t.mu.RLock()
	room := t.room
	connected := t.connected
	t.mu.RUnlock()

	if !connected || room == nil {
		return ports.ErrNotConnected
	}

	pubOpts := []lksdk.DataPublishOption{
		lksdk.WithDataPublishReliable(opts.Reliable),
	}
	if opts.Topic != "" {
		pubOpts = append(pubOpts, lksdk.WithDataPublishTopic(opts.Topic))
	}

	if err := room.LocalParticipant.PublishDataPacket(lksdk.UserData(payload), pubOpts...); err != nil {
		return fmt.Errorf("publish data packet: %w", err)
	}
	return nil
}

func (t *Transport) handleData(data []byte, params lksdk.DataReceiveParams) {
	t.mu.RLock()
	handler := t.onEvent
	t.mu.RUnlock()

	if handler == nil {
		return
	}
	// A panicking handler must not take down the SDK's read loop.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("livekit: event handler panicked", "panic", r, "topic", params.Topic)
		}
	}()
	handler(ports.InboundEvent{
		Payload:        data,
		Topic:          params.Topic,
		SenderIdentity: params.SenderIdentity,
	})
}

func (t *Transport) handleParticipantConnected(p *lksdk.RemoteParticipant) {
	slog.Info("livekit: participant connected", "identity", p.Identity(), "name", p.Name())
	t.notifyParticipant(p, true)
}

func (t *Transport) handleParticipantDisconnected(p *lksdk.RemoteParticipant) {
	slog.Info("livekit: participant disconnected", "identity", p.Identity())
	t.notifyParticipant(p, false)
}

func (t *Transport) notifyParticipant(p *lksdk.RemoteParticipant, joined bool) {
	t.mu.RLock()
	handler := t.onParticipant
	t.mu.RUnlock()

	if handler != nil {
		handler(ports.Participant{Identity: p.Identity(), Name: p.Name()}, joined)
	}
}

func (t *Transport) handleDisconnected() {
	t.mu.Lock()
	t.connected = false
	handler := t.onConn
	t.mu.Unlock()

	slog.Warn("livekit: room disconnected")
	if handler != nil {
		handler(false)
	}
}

func (t *Transport) handleReconnecting() {
	slog.Warn("livekit: connection lost, reconnecting")
	t.mu.Lock()
	t.connected = false
	handler := t.onConn
	t.mu.Unlock()

	if handler != nil {
		handler(false)
	}
}

func (t *Transport) handleReconnected() {
	slog.Info("livekit: reconnected")
	t.mu.Lock()
	t.connected = true
	handler := t.onConn
	t.mu.Unlock()

	if handler != nil {
		handler(true)
	}
}
