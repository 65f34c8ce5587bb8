package engine

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/lowfold/parley/internal/adapters/metrics"
	"github.com/lowfold/parley/internal/ports"
	"github.com/lowfold/parley/pkg/id"
	"github.com/lowfold/parley/pkg/protocol"
)

// Decoder converts one raw inbound payload into zero or more protocol events.
// Each wire-encoding generation gets an isolated matcher; the first match
// wins, so legacy support never leaks into the reconciler.
//
// Decoding never fails towards the caller: malformed payloads degrade to an
// EventError carrying the original text, logged here.
type Decoder struct {
	// chatTopic is the session's configured chat channel. The well-known
	// default topic names stay recognized alongside it.
	chatTopic string

	mu sync.Mutex

	// Cumulative text per legacy sentinel stream. The sentinel encoding is
	// the only incremental one on the wire; the decoder normalizes it to the
	// cumulative-content representation the reconciler expects.
	legacyStreams map[string]*legacyStream
}

type legacyStream struct {
	content strings.Builder
	tokens  []string
}

func NewDecoder(chatTopic string) *Decoder {
	if chatTopic == "" {
		chatTopic = protocol.TopicChat
	}
	return &Decoder{
		chatTopic:     chatTopic,
		legacyStreams: make(map[string]*legacyStream),
	}
}

// Decode classifies one raw event. A nil or empty result means the payload
// was dropped (decode failure counted and logged).
func (d *Decoder) Decode(ev ports.InboundEvent) []protocol.Event {
	if !utf8.Valid(ev.Payload) {
		slog.Warn("decoder: non-text payload dropped", "topic", ev.Topic, "sender", ev.SenderIdentity, "bytes", len(ev.Payload))
		metrics.DecodeFailures.Inc()
		return nil
	}

	matchers := []func(ports.InboundEvent) ([]protocol.Event, bool){
		d.matchChatTopic,
		d.matchTranscription,
		d.matchSentinelStream,
		d.matchJSONEnvelope,
		d.matchPlainText,
	}

	for _, match := range matchers {
		events, ok := match(ev)
		if !ok {
			continue
		}
		for i := range events {
			if events[i].Timestamp.IsZero() {
				events[i].Timestamp = time.Now()
			}
			metrics.EventsDecoded.WithLabelValues(string(events[i].Kind)).Inc()
		}
		return events
	}

	// Unreachable: the plain-text matcher always claims the event.
	return nil
}

// Reset drops decoder-held legacy stream state. Called on disconnect so a
// reconnect starts from a clean slate.
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.legacyStreams = make(map[string]*legacyStream)
}

// matchChatTopic handles structured chat-topic messages: JSON packets with an
// id and optional final flag, or opaque text on the chat channel.
func (d *Decoder) matchChatTopic(ev ports.InboundEvent) ([]protocol.Event, bool) {
	if ev.Topic != d.chatTopic && ev.Topic != protocol.TopicChat && ev.Topic != "chat" {
		return nil, false
	}

	meta := senderMetadata(ev.SenderIdentity)

	var packet protocol.ChatPacket
	if err := json.Unmarshal(ev.Payload, &packet); err == nil && packet.ID != "" {
		if !meta.IsAgent {
			return []protocol.Event{{
				Kind:     protocol.EventUserMessage,
				Content:  packet.Message,
				UserID:   ev.SenderIdentity,
				Metadata: meta,
			}}, true
		}

		meta.IsFinal = packet.Final
		events := []protocol.Event{{
			Kind:     protocol.EventTokenStream,
			Content:  packet.Message,
			StreamID: packet.ID,
			Metadata: meta,
		}}
		if packet.Final {
			events = append(events, protocol.Event{
				Kind:     protocol.EventStreamComplete,
				StreamID: packet.ID,
				Metadata: meta,
			})
		}
		return events, true
	}

	// Opaque text on the chat channel, attributed to the sender.
	text := string(ev.Payload)
	if meta.IsAgent {
		return d.singleShotAgentMessage(text, meta), true
	}
	return []protocol.Event{{
		Kind:     protocol.EventUserMessage,
		Content:  text,
		UserID:   ev.SenderIdentity,
		Metadata: meta,
	}}, true
}

// matchTranscription handles transcription-shaped payloads: explicit
// final/segment attributes (bool-as-string on the wire), either as transport
// attributes or as a JSON body on the transcription topic.
func (d *Decoder) matchTranscription(ev ports.InboundEvent) ([]protocol.Event, bool) {
	meta := senderMetadata(ev.SenderIdentity)

	if seg, ok := ev.Attributes[protocol.AttrSegmentID]; ok && seg != "" {
		final, _ := strconv.ParseBool(ev.Attributes[protocol.AttrTranscriptionFinal])
		return transcriptionEvents(seg, string(ev.Payload), final, meta), true
	}

	if ev.Topic != protocol.TopicTranscription {
		return nil, false
	}

	var packet protocol.TranscriptionPacket
	if err := json.Unmarshal(ev.Payload, &packet); err != nil || packet.SegmentID == "" {
		slog.Warn("decoder: malformed transcription payload", "sender", ev.SenderIdentity, "error", err)
		metrics.DecodeFailures.Inc()
		return []protocol.Event{{
			Kind:     protocol.EventError,
			Content:  string(ev.Payload),
			Metadata: meta,
		}}, true
	}

	final, _ := strconv.ParseBool(packet.Final)
	return transcriptionEvents(packet.SegmentID, packet.Text, final, meta), true
}

func transcriptionEvents(segmentID, text string, final bool, meta protocol.EventMetadata) []protocol.Event {
	meta.SegmentID = segmentID
	meta.IsFinal = final

	events := []protocol.Event{{
		Kind:     protocol.EventTokenStream,
		Content:  text,
		StreamID: segmentID,
		Metadata: meta,
	}}
	if final {
		events = append(events, protocol.Event{
			Kind:     protocol.EventStreamComplete,
			StreamID: segmentID,
			Metadata: meta,
		})
	}
	return events
}

// matchSentinelStream handles the oldest encoding: raw frames on the
// assistant stream topic framed by __START_RESPONSE__/__END_RESPONSE__
// markers with id::token chunks in between.
func (d *Decoder) matchSentinelStream(ev ports.InboundEvent) ([]protocol.Event, bool) {
	text := string(ev.Payload)
	onStreamTopic := ev.Topic == protocol.TopicAssistantStream

	if !onStreamTopic && !strings.HasPrefix(text, protocol.StartResponseMarker) &&
		!strings.HasPrefix(text, protocol.EndResponseMarker) {
		return nil, false
	}

	meta := senderMetadata(ev.SenderIdentity)
	if ev.SenderIdentity == "" {
		// Sentinel frames only ever come from the agent.
		meta.IsAgent = true
	}

	switch {
	case strings.HasPrefix(text, protocol.StartResponseMarker):
		streamID := strings.TrimPrefix(text, protocol.StartResponseMarker)
		d.mu.Lock()
		d.legacyStreams[streamID] = &legacyStream{}
		d.mu.Unlock()
		return []protocol.Event{{
			Kind:     protocol.EventTokenStream,
			StreamID: streamID,
			Metadata: meta,
		}}, true

	case strings.HasPrefix(text, protocol.EndResponseMarker):
		streamID := strings.TrimPrefix(text, protocol.EndResponseMarker)
		d.mu.Lock()
		stream, ok := d.legacyStreams[streamID]
		delete(d.legacyStreams, streamID)
		d.mu.Unlock()

		meta.IsFinal = true
		end := protocol.Event{
			Kind:     protocol.EventStreamComplete,
			StreamID: streamID,
			Metadata: meta,
		}
		if ok {
			end.Content = stream.content.String()
			end.Tokens = stream.tokens
			end.Metadata.TotalTokens = len(stream.tokens)
		}
		return []protocol.Event{end}, true

	case strings.Contains(text, protocol.TokenDelimiter):
		streamID, token, _ := strings.Cut(text, protocol.TokenDelimiter)
		d.mu.Lock()
		stream, ok := d.legacyStreams[streamID]
		if !ok {
			// Token for a stream we never saw start; open it implicitly.
			stream = &legacyStream{}
			d.legacyStreams[streamID] = stream
		}
		stream.content.WriteString(token)
		stream.tokens = append(stream.tokens, token)
		content := stream.content.String()
		tokens := append([]string(nil), stream.tokens...)
		d.mu.Unlock()

		meta.TotalTokens = len(tokens)
		return []protocol.Event{{
			Kind:     protocol.EventTokenStream,
			Content:  content,
			StreamID: streamID,
			Tokens:   tokens,
			Metadata: meta,
		}}, true

	case onStreamTopic:
		// Bare text on the stream topic is a complete single-shot reply
		// (the agent's non-streaming fallback path).
		return d.singleShotAgentMessage(text, meta), true
	}

	return nil, false
}

// matchJSONEnvelope handles payloads already in the internal event schema.
func (d *Decoder) matchJSONEnvelope(ev ports.InboundEvent) ([]protocol.Event, bool) {
	trimmed := strings.TrimSpace(string(ev.Payload))
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}

	var envelope struct {
		Type      string                 `json:"type"`
		Content   string                 `json:"content"`
		Timestamp json.RawMessage        `json:"timestamp"`
		SessionID string                 `json:"sessionId"`
		UserID    string                 `json:"userId"`
		Tokens    []string               `json:"tokens"`
		Metadata  protocol.EventMetadata `json:"metadata"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil || envelope.Type == "" {
		return nil, false
	}

	kind := protocol.EventKind(envelope.Type)
	if !kind.Valid() {
		slog.Warn("decoder: json envelope with unknown type", "type", envelope.Type, "sender", ev.SenderIdentity)
		metrics.DecodeFailures.Inc()
		return []protocol.Event{{
			Kind:     protocol.EventError,
			Content:  trimmed,
			Metadata: senderMetadata(ev.SenderIdentity),
		}}, true
	}

	event := protocol.Event{
		Kind:      kind,
		Content:   envelope.Content,
		Timestamp: parseWireTimestamp(envelope.Timestamp),
		SessionID: envelope.SessionID,
		UserID:    envelope.UserID,
		Tokens:    envelope.Tokens,
		StreamID:  envelope.Metadata.SegmentID,
		Metadata:  envelope.Metadata,
	}
	if event.Metadata.ParticipantIdentity == "" {
		event.Metadata.ParticipantIdentity = ev.SenderIdentity
	}
	if !event.Metadata.IsAgent {
		event.Metadata.IsAgent = isAgentIdentity(event.Metadata.ParticipantIdentity)
	}
	return []protocol.Event{event}, true
}

// matchPlainText is the terminal matcher: opaque text attributed to the
// sender. Always claims the event.
func (d *Decoder) matchPlainText(ev ports.InboundEvent) ([]protocol.Event, bool) {
	meta := senderMetadata(ev.SenderIdentity)
	text := string(ev.Payload)

	if meta.IsAgent {
		return d.singleShotAgentMessage(text, meta), true
	}
	return []protocol.Event{{
		Kind:     protocol.EventUserMessage,
		Content:  text,
		UserID:   ev.SenderIdentity,
		Metadata: meta,
	}}, true
}

// singleShotAgentMessage wraps a complete agent reply that never streamed:
// one TokenStream immediately closed by a synthetic StreamComplete.
func (d *Decoder) singleShotAgentMessage(text string, meta protocol.EventMetadata) []protocol.Event {
	streamID := id.NewStream()
	meta.IsFinal = true
	return []protocol.Event{
		{
			Kind:     protocol.EventTokenStream,
			Content:  text,
			StreamID: streamID,
			Metadata: meta,
		},
		{
			Kind:     protocol.EventStreamComplete,
			StreamID: streamID,
			Metadata: meta,
		},
	}
}

func senderMetadata(identity string) protocol.EventMetadata {
	return protocol.EventMetadata{
		ParticipantIdentity: identity,
		IsAgent:             isAgentIdentity(identity),
	}
}

// isAgentIdentity infers sender agency from the identity string. Substring
// matching is a pragmatic placeholder; room-membership metadata should
// replace it where the platform exposes a capability flag.
func isAgentIdentity(identity string) bool {
	lower := strings.ToLower(identity)
	return strings.Contains(lower, "agent") || strings.Contains(lower, "assistant")
}

func parseWireTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var millis int64
	if err := json.Unmarshal(raw, &millis); err == nil && millis > 0 {
		return time.UnixMilli(millis)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if ts, err := time.Parse(time.RFC3339, text); err == nil {
			return ts
		}
	}
	return time.Time{}
}
