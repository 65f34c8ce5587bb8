package engine

import (
	"time"

	"github.com/lowfold/parley/pkg/id"
)

// Roles a message can carry in the transcript.
const (
	RoleUser   = "user"
	RoleAgent  = "agent"
	RoleSystem = "system"
)

// Message body kinds.
const (
	MessageTypeText            = "text"
	MessageTypeVoiceTranscript = "voice_transcript"
)

// ChatMessage is one entry in the session transcript, either complete or
// still accumulating tokens from an open stream.
type ChatMessage struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	IsStreaming bool      `json:"isStreaming"`
	MessageType string    `json:"messageType"`
	Tokens      []string  `json:"tokens,omitempty"`
	LatencyMs   int64     `json:"latencyMs,omitempty"`
}

func newChatMessage(role, content, messageType string) *ChatMessage {
	return &ChatMessage{
		ID:          id.NewMessage(),
		Role:        role,
		Content:     content,
		Timestamp:   time.Now(),
		MessageType: messageType,
	}
}

// Clone returns a copy safe to hand to callbacks while the original keeps
// mutating under the reconciler's lock.
func (m *ChatMessage) Clone() *ChatMessage {
	c := *m
	if m.Tokens != nil {
		c.Tokens = append([]string(nil), m.Tokens...)
	}
	return &c
}
