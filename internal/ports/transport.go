// Package ports defines the interfaces the protocol engine consumes. Adapters
// under internal/adapters implement them; tests substitute fakes.
package ports

import (
	"context"
	"time"
)

// InboundEvent is one raw payload delivered by the room transport, in arrival
// order. Attributes carry transport-level metadata when the wire shape
// provides them (transcription segments do, data packets usually do not).
type InboundEvent struct {
	Payload        []byte
	Topic          string
	SenderIdentity string
	Attributes     map[string]string
}

// Participant is one remote room member.
type Participant struct {
	Identity string
	Name     string
}

// PublishOptions controls an outbound data publish.
type PublishOptions struct {
	Topic    string
	Reliable bool
}

// CallOptions controls one RPC call. An empty Destination means broadcast.
// Timeout of zero uses the transport default.
type CallOptions struct {
	Destination string
	Timeout     time.Duration
}

// RoomTransport is one connection to a room-based real-time service.
//
// Event handlers are invoked once per inbound event, in delivery order, never
// batched or reordered. Ordering guarantees are exactly the underlying
// transport's guarantees.
type RoomTransport interface {
	// Connect joins the room. Network or credential failures return a
	// wrapped ErrConnectionFailed with a human-readable cause.
	Connect(ctx context.Context, room, identity string) error

	// Disconnect is idempotent and always succeeds.
	Disconnect()

	Connected() bool
	Participants() []Participant

	OnEvent(handler func(InboundEvent))
	OnConnectionChange(handler func(connected bool))
	OnParticipantChange(handler func(p Participant, joined bool))

	Publish(ctx context.Context, payload []byte, opts PublishOptions) error

	// Call performs an RPC through the room. It returns ErrRPCTimeout when no
	// reply arrives within the timeout; a late reply from a timed-out call is
	// never applied.
	Call(ctx context.Context, method, payload string, opts CallOptions) (string, error)
}

// MediaSession controls local microphone capture on the transport's media
// layer. EnableCapture with a device ID applies that device's constraint;
// an empty ID uses the default device.
type MediaSession interface {
	EnableCapture(ctx context.Context, deviceID string) error
	DisableCapture(ctx context.Context) error
	CaptureEnabled() bool
}
