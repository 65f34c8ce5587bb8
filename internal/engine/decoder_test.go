package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowfold/parley/internal/ports"
	"github.com/lowfold/parley/pkg/protocol"
)

func TestDecodeChatPacketStreaming(t *testing.T) {
	d := NewDecoder("")

	events := d.Decode(ports.InboundEvent{
		Payload:        []byte(`{"id":"m1","message":"Hi","final":false}`),
		Topic:          protocol.TopicChat,
		SenderIdentity: "agent-1",
	})
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventTokenStream, events[0].Kind)
	assert.Equal(t, "Hi", events[0].Content)
	assert.Equal(t, "m1", events[0].StreamID)
	assert.True(t, events[0].Metadata.IsAgent)

	events = d.Decode(ports.InboundEvent{
		Payload:        []byte(`{"id":"m1","message":"Hi there","final":true}`),
		Topic:          protocol.TopicChat,
		SenderIdentity: "agent-1",
	})
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventTokenStream, events[0].Kind)
	assert.Equal(t, "Hi there", events[0].Content)
	assert.Equal(t, protocol.EventStreamComplete, events[1].Kind)
	assert.Equal(t, "m1", events[1].StreamID)
}

func TestDecodeChatPacketOnConfiguredTopic(t *testing.T) {
	d := NewDecoder("user_text_message")

	events := d.Decode(ports.InboundEvent{
		Payload:        []byte(`{"id":"m1","message":"Hi","final":true}`),
		Topic:          "user_text_message",
		SenderIdentity: "agent-1",
	})
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventTokenStream, events[0].Kind)
	assert.Equal(t, "m1", events[0].StreamID)
	assert.Equal(t, protocol.EventStreamComplete, events[1].Kind)

	// The well-known topic stays recognized alongside the configured one.
	events = d.Decode(ports.InboundEvent{
		Payload:        []byte(`{"id":"m2","message":"hello","final":true}`),
		Topic:          protocol.TopicChat,
		SenderIdentity: "laptop",
	})
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventUserMessage, events[0].Kind)
}

func TestDecodeChatPacketFromUser(t *testing.T) {
	d := NewDecoder("")

	events := d.Decode(ports.InboundEvent{
		Payload:        []byte(`{"id":"m2","message":"hello","final":true}`),
		Topic:          protocol.TopicChat,
		SenderIdentity: "laptop",
	})
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventUserMessage, events[0].Kind)
	assert.Equal(t, "hello", events[0].Content)
	assert.Equal(t, "laptop", events[0].UserID)
	assert.False(t, events[0].Metadata.IsAgent)
}

func TestDecodeChatTopicOpaqueText(t *testing.T) {
	d := NewDecoder("")

	events := d.Decode(ports.InboundEvent{
		Payload:        []byte("just words"),
		Topic:          protocol.TopicChat,
		SenderIdentity: "assistant",
	})
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventTokenStream, events[0].Kind)
	assert.Equal(t, "just words", events[0].Content)
	assert.Equal(t, protocol.EventStreamComplete, events[1].Kind)
	assert.Equal(t, events[0].StreamID, events[1].StreamID)
}

func TestDecodeTranscriptionAttributes(t *testing.T) {
	d := NewDecoder("")

	events := d.Decode(ports.InboundEvent{
		Payload:        []byte("partial words"),
		SenderIdentity: "phone",
		Attributes: map[string]string{
			protocol.AttrSegmentID:          "seg_1",
			protocol.AttrTranscriptionFinal: "false",
		},
	})
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventTokenStream, events[0].Kind)
	assert.Equal(t, "seg_1", events[0].Metadata.SegmentID)
	assert.False(t, events[0].Metadata.IsFinal)

	events = d.Decode(ports.InboundEvent{
		Payload:        []byte("full sentence"),
		SenderIdentity: "phone",
		Attributes: map[string]string{
			protocol.AttrSegmentID:          "seg_1",
			protocol.AttrTranscriptionFinal: "true",
		},
	})
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventTokenStream, events[0].Kind)
	assert.True(t, events[0].Metadata.IsFinal)
	assert.Equal(t, protocol.EventStreamComplete, events[1].Kind)
	assert.Equal(t, "seg_1", events[1].Metadata.SegmentID)
}

func TestDecodeTranscriptionJSONBody(t *testing.T) {
	d := NewDecoder("")

	events := d.Decode(ports.InboundEvent{
		Payload:        []byte(`{"segment_id":"seg_9","text":"bonjour","final":"true","language":"fr"}`),
		Topic:          protocol.TopicTranscription,
		SenderIdentity: "agent-1",
	})
	require.Len(t, events, 2)
	assert.Equal(t, "bonjour", events[0].Content)
	assert.Equal(t, "seg_9", events[0].Metadata.SegmentID)
}

func TestDecodeTranscriptionMalformed(t *testing.T) {
	d := NewDecoder("")

	events := d.Decode(ports.InboundEvent{
		Payload:        []byte(`{"broken":`),
		Topic:          protocol.TopicTranscription,
		SenderIdentity: "agent-1",
	})
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventError, events[0].Kind)
	assert.Equal(t, `{"broken":`, events[0].Content)
}

func TestDecodeSentinelStream(t *testing.T) {
	d := NewDecoder("")

	events := d.Decode(ports.InboundEvent{
		Payload: []byte(protocol.StartResponseMarker + "resp1"),
		Topic:   protocol.TopicAssistantStream,
	})
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventTokenStream, events[0].Kind)
	assert.Equal(t, "resp1", events[0].StreamID)
	assert.Empty(t, events[0].Content)
	assert.True(t, events[0].Metadata.IsAgent)

	events = d.Decode(ports.InboundEvent{
		Payload: []byte("resp1::Hello"),
		Topic:   protocol.TopicAssistantStream,
	})
	require.Len(t, events, 1)
	assert.Equal(t, "Hello", events[0].Content)
	assert.Equal(t, []string{"Hello"}, events[0].Tokens)

	events = d.Decode(ports.InboundEvent{
		Payload: []byte("resp1:: world"),
		Topic:   protocol.TopicAssistantStream,
	})
	require.Len(t, events, 1)
	assert.Equal(t, "Hello world", events[0].Content, "chunks accumulate into cumulative content")
	assert.Equal(t, 2, events[0].Metadata.TotalTokens)

	events = d.Decode(ports.InboundEvent{
		Payload: []byte(protocol.EndResponseMarker + "resp1"),
		Topic:   protocol.TopicAssistantStream,
	})
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventStreamComplete, events[0].Kind)
	assert.Equal(t, "Hello world", events[0].Content)
	assert.Equal(t, 2, events[0].Metadata.TotalTokens)
}

func TestDecodeSentinelTokenWithoutStart(t *testing.T) {
	d := NewDecoder("")

	events := d.Decode(ports.InboundEvent{
		Payload: []byte("orphan::text"),
		Topic:   protocol.TopicAssistantStream,
	})
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventTokenStream, events[0].Kind)
	assert.Equal(t, "orphan", events[0].StreamID)
	assert.Equal(t, "text", events[0].Content)
}

func TestDecodeBareTextOnStreamTopic(t *testing.T) {
	d := NewDecoder("")

	events := d.Decode(ports.InboundEvent{
		Payload: []byte("complete reply"),
		Topic:   protocol.TopicAssistantStream,
	})
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventTokenStream, events[0].Kind)
	assert.Equal(t, "complete reply", events[0].Content)
	assert.Equal(t, protocol.EventStreamComplete, events[1].Kind)
}

func TestDecodeJSONEnvelope(t *testing.T) {
	d := NewDecoder("")

	events := d.Decode(ports.InboundEvent{
		Payload:        []byte(`{"type":"token_stream","content":"partial","timestamp":1700000000000,"metadata":{"segmentId":"seg_2","isAgent":true}}`),
		SenderIdentity: "agent-1",
	})
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventTokenStream, events[0].Kind)
	assert.Equal(t, "partial", events[0].Content)
	assert.Equal(t, "seg_2", events[0].Metadata.SegmentID)
	assert.Equal(t, int64(1700000000000), events[0].Timestamp.UnixMilli())
}

func TestDecodeJSONEnvelopeUnknownType(t *testing.T) {
	d := NewDecoder("")

	events := d.Decode(ports.InboundEvent{
		Payload:        []byte(`{"type":"mystery","content":"??"}`),
		SenderIdentity: "someone",
	})
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventError, events[0].Kind)
}

func TestDecodePlainTextFallback(t *testing.T) {
	d := NewDecoder("")

	events := d.Decode(ports.InboundEvent{
		Payload:        []byte("loose text"),
		SenderIdentity: "my-laptop",
	})
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventUserMessage, events[0].Kind)
	assert.Equal(t, "loose text", events[0].Content)

	events = d.Decode(ports.InboundEvent{
		Payload:        []byte("agent words"),
		SenderIdentity: "voice-assistant",
	})
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventTokenStream, events[0].Kind)
	assert.Equal(t, protocol.EventStreamComplete, events[1].Kind)
}

func TestDecodeRejectsBinary(t *testing.T) {
	d := NewDecoder("")

	events := d.Decode(ports.InboundEvent{
		Payload:        []byte{0xff, 0xfe, 0x01},
		SenderIdentity: "someone",
	})
	assert.Empty(t, events)
}

func TestDecoderResetDropsLegacyState(t *testing.T) {
	d := NewDecoder("")

	d.Decode(ports.InboundEvent{
		Payload: []byte(protocol.StartResponseMarker + "r1"),
		Topic:   protocol.TopicAssistantStream,
	})
	d.Decode(ports.InboundEvent{
		Payload: []byte("r1::kept"),
		Topic:   protocol.TopicAssistantStream,
	})
	d.Reset()

	events := d.Decode(ports.InboundEvent{
		Payload: []byte("r1::fresh"),
		Topic:   protocol.TopicAssistantStream,
	})
	require.Len(t, events, 1)
	assert.Equal(t, "fresh", events[0].Content, "pre-reset chunks must not survive")
}

func TestIsAgentIdentity(t *testing.T) {
	assert.True(t, isAgentIdentity("agent-7"))
	assert.True(t, isAgentIdentity("Voice-Assistant"))
	assert.False(t, isAgentIdentity("alice-laptop"))
	assert.False(t, isAgentIdentity(""))
}
