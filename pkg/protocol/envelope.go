package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MessageType tags the body of a backend envelope.
type MessageType uint16

const (
	TypeBackendError   MessageType = 1
	TypeSaveMessage    MessageType = 2
	TypeSaveMessageAck MessageType = 3
	TypeSessionQuery   MessageType = 4
	TypeSessionStatus  MessageType = 5
)

// Envelope is the frame exchanged with the backend persistence service over
// its websocket. RequestID correlates a reply with an outstanding request.
type Envelope struct {
	RequestID string      `msgpack:"requestId,omitempty" json:"requestId,omitempty"`
	SessionID string      `msgpack:"sessionId,omitempty" json:"sessionId,omitempty"`
	Type      MessageType `msgpack:"type" json:"type"`
	Body      any         `msgpack:"body" json:"body"`
}

func NewEnvelope(requestID, sessionID string, msgType MessageType, body any) *Envelope {
	return &Envelope{
		RequestID: requestID,
		SessionID: sessionID,
		Type:      msgType,
		Body:      body,
	}
}

func (e *Envelope) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// DecodeBody converts an envelope body (a map after generic decoding) into a
// typed struct by re-encoding it.
func DecodeBody[T any](e *Envelope) (*T, error) {
	if typed, ok := e.Body.(T); ok {
		return &typed, nil
	}

	data, err := msgpack.Marshal(e.Body)
	if err != nil {
		return nil, fmt.Errorf("re-encode body: %w", err)
	}

	var result T
	if err := msgpack.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode body to %T: %w", result, err)
	}
	return &result, nil
}

// SaveMessage asks the backend to persist one finalized message.
type SaveMessage struct {
	SessionID   string   `msgpack:"sessionId" json:"sessionId"`
	Role        string   `msgpack:"role" json:"role"`
	Content     string   `msgpack:"content" json:"content"`
	MessageType string   `msgpack:"messageType,omitempty" json:"messageType,omitempty"`
	Tokens      []string `msgpack:"tokens,omitempty" json:"tokens,omitempty"`
	LatencyMs   int64    `msgpack:"latencyMs,omitempty" json:"latencyMs,omitempty"`
}

type SaveMessageAck struct {
	Success bool   `msgpack:"success" json:"success"`
	Error   string `msgpack:"error,omitempty" json:"error,omitempty"`
}

// SessionQuery asks whether a session still accepts writes.
type SessionQuery struct {
	SessionID string `msgpack:"sessionId" json:"sessionId"`
}

type SessionStatus struct {
	SessionID string `msgpack:"sessionId" json:"sessionId"`
	Active    bool   `msgpack:"active" json:"active"`
}

type BackendError struct {
	Code    string `msgpack:"code" json:"code"`
	Message string `msgpack:"message" json:"message"`
}
