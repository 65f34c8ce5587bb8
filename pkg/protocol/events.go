// Package protocol defines the typed events the engine produces from raw room
// traffic, the wire constants shared with the remote agent, and the envelope
// used to talk to the backend persistence service.
package protocol

import "time"

// EventKind is the closed set of protocol event kinds. Payloads that cannot be
// classified into one of these are dropped by the decoder, never forwarded.
type EventKind string

const (
	EventUserMessage    EventKind = "user_message"
	EventTokenStream    EventKind = "token_stream"
	EventStreamComplete EventKind = "stream_complete"
	EventError          EventKind = "error"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventUserMessage, EventTokenStream, EventStreamComplete, EventError:
		return true
	}
	return false
}

// EventMetadata carries the optional attributes a wire shape may provide.
type EventMetadata struct {
	ParticipantIdentity string `json:"participantIdentity,omitempty"`
	IsAgent             bool   `json:"isAgent,omitempty"`
	SegmentID           string `json:"segmentId,omitempty"`
	IsFinal             bool   `json:"isFinal,omitempty"`
	TotalTokens         int    `json:"totalTokens,omitempty"`
	LatencyMs           int64  `json:"latencyMs,omitempty"`
	Model               string `json:"model,omitempty"`
}

// Event is one normalized protocol event. All three legacy wire encodings plus
// the JSON envelope decode into this single representation.
type Event struct {
	Kind      EventKind     `json:"type"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	SessionID string        `json:"sessionId,omitempty"`
	UserID    string        `json:"userId,omitempty"`
	Tokens    []string      `json:"tokens,omitempty"`
	StreamID  string        `json:"streamId,omitempty"`
	Metadata  EventMetadata `json:"metadata"`
}

// Topics and markers understood on the room data channel. The sentinel markers
// and the id::token delimiter are the oldest encoding generation and must keep
// working alongside the newer ones.
const (
	TopicChat            = "lk.chat"
	TopicTranscription   = "lk.transcription"
	TopicAssistantStream = "assistant_text_stream"

	StartResponseMarker = "__START_RESPONSE__"
	EndResponseMarker   = "__END_RESPONSE__"
	TokenDelimiter      = "::"

	AttrSegmentID          = "lk.segment_id"
	AttrTranscriptionFinal = "lk.transcription_final"
)

// RPC methods the remote agent registers.
const (
	RPCToggleMode   = "toggle_communication_mode"
	RPCAgentMetrics = "get_agent_metrics"
	RPCTestAudio    = "test_audio_output"

	ModePayloadText       = "text"
	ModePayloadVoice      = "voice"
	MetricsRequestPayload = "request"
	AudioTestPayload      = "test"
)

// ChatPacket is the structured chat-topic message shape (newest generation).
type ChatPacket struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Final     bool   `json:"final,omitempty"`
}

// TranscriptionPacket is the transcription-shaped payload. Final is a
// bool-as-string ("true"/"false") on the wire.
type TranscriptionPacket struct {
	SegmentID string `json:"segment_id"`
	Text      string `json:"text"`
	Final     string `json:"final"`
	Language  string `json:"language,omitempty"`
}
