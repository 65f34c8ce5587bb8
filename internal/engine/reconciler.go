package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lowfold/parley/internal/adapters/metrics"
	"github.com/lowfold/parley/internal/ports"
	"github.com/lowfold/parley/pkg/protocol"
)

const persistTimeout = 5 * time.Second

// ReconcilerHooks receive transcript changes. All hooks are optional and are
// invoked with a private copy of the message, outside the reconciler's lock.
type ReconcilerHooks struct {
	OnMessageCreated   func(*ChatMessage)
	OnMessageUpdated   func(*ChatMessage)
	OnMessageFinalized func(*ChatMessage)
}

// Reconciler folds decoded events into transcript messages. Concurrent
// streams accumulate independently under keys scoped by direction, so an
// agent reply and a live voice transcription never clobber each other.
type Reconciler struct {
	store ports.MessageStore
	hooks ReconcilerHooks

	mu           sync.Mutex
	sessionID    string
	accumulators map[string]*accumulator

	// One plain (non-transcription) stream may be open per direction at a
	// time. Tracks the key of that stream so a newly opened one can
	// force-finalize a predecessor the wire never closed.
	exclusive map[string]string
}

type accumulator struct {
	key       string
	direction string
	message   *ChatMessage
	openedAt  time.Time
}

func NewReconciler(store ports.MessageStore, hooks ReconcilerHooks) *Reconciler {
	return &Reconciler{
		store:        store,
		hooks:        hooks,
		accumulators: make(map[string]*accumulator),
		exclusive:    make(map[string]string),
	}
}

// SetSession binds subsequent persistence to the given session.
func (r *Reconciler) SetSession(sessionID string) {
	r.mu.Lock()
	r.sessionID = sessionID
	r.mu.Unlock()
}

// Apply folds one decoded event into the transcript.
func (r *Reconciler) Apply(ev protocol.Event) {
	switch ev.Kind {
	case protocol.EventUserMessage:
		r.applyComplete(RoleUser, ev.Content, MessageTypeText)
	case protocol.EventTokenStream:
		r.applyToken(ev)
	case protocol.EventStreamComplete:
		r.applyStreamComplete(ev)
	case protocol.EventError:
		slog.Warn("reconciler: error event", "content", ev.Content, "sender", ev.Metadata.ParticipantIdentity)
		r.applyComplete(RoleSystem, ev.Content, MessageTypeText)
	}
}

// Reset drops all open accumulators without finalizing or persisting them.
// Used when the transport drops and partial streams can never complete.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.accumulators); n > 0 {
		slog.Info("reconciler: discarding open streams on reset", "count", n)
	}
	r.accumulators = make(map[string]*accumulator)
	r.exclusive = make(map[string]string)
}

// OpenStreams reports the number of streams still accumulating.
func (r *Reconciler) OpenStreams() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accumulators)
}

func (r *Reconciler) applyComplete(role, content, messageType string) {
	msg := newChatMessage(role, content, messageType)
	r.fireCreated(msg)
	r.fireFinalized(msg)
}

func (r *Reconciler) applyToken(ev protocol.Event) {
	key, direction, messageType, exclusive := streamKey(ev)
	if key == "" {
		return
	}

	var created, updated *ChatMessage
	var forced *finalized

	r.mu.Lock()
	if exclusive {
		if prev, ok := r.exclusive[direction]; ok && prev != key {
			if acc, open := r.accumulators[prev]; open {
				slog.Warn("reconciler: stream superseded before completion",
					"direction", direction, "stream", prev, "replacedBy", key)
				forced = r.finalizeLocked(acc, "", 0)
			}
		}
		r.exclusive[direction] = key
	}

	acc, ok := r.accumulators[key]
	if !ok {
		acc = &accumulator{
			key:       key,
			direction: direction,
			message:   newChatMessage(direction, ev.Content, messageType),
			openedAt:  time.Now(),
		}
		acc.message.IsStreaming = true
		r.accumulators[key] = acc
		created = acc.message.Clone()
	} else {
		// Content is cumulative on the wire: replace, never append.
		acc.message.Content = ev.Content
		if len(ev.Tokens) > 0 {
			acc.message.Tokens = append([]string(nil), ev.Tokens...)
		}
		updated = acc.message.Clone()
	}
	r.mu.Unlock()

	if forced != nil {
		r.deliverFinalized(forced)
	}
	if created != nil {
		r.fireCreated(created)
	}
	if updated != nil && r.hooks.OnMessageUpdated != nil {
		r.hooks.OnMessageUpdated(updated)
	}
}

func (r *Reconciler) applyStreamComplete(ev protocol.Event) {
	key, _, _, _ := streamKey(ev)
	if key == "" {
		return
	}

	r.mu.Lock()
	acc, ok := r.accumulators[key]
	if !ok {
		// Completion for a stream we never opened, or already finalized.
		r.mu.Unlock()
		return
	}
	fin := r.finalizeLocked(acc, ev.Content, ev.Metadata.TotalTokens)
	r.mu.Unlock()

	r.deliverFinalized(fin)
}

type finalized struct {
	message *ChatMessage
	persist bool
}

// finalizeLocked closes an accumulator exactly once. Caller holds r.mu.
func (r *Reconciler) finalizeLocked(acc *accumulator, content string, totalTokens int) *finalized {
	delete(r.accumulators, acc.key)
	if r.exclusive[acc.direction] == acc.key {
		delete(r.exclusive, acc.direction)
	}

	msg := acc.message
	msg.IsStreaming = false
	if content != "" {
		msg.Content = content
	}
	if totalTokens > 0 && len(msg.Tokens) == 0 {
		msg.Tokens = make([]string, 0)
	}
	msg.LatencyMs = time.Since(acc.openedAt).Milliseconds()

	metrics.MessagesFinalized.WithLabelValues(msg.Role).Inc()
	metrics.StreamLatency.Observe(time.Since(acc.openedAt).Seconds())

	return &finalized{
		message: msg.Clone(),
		persist: msg.Role == RoleAgent && msg.Content != "",
	}
}

func (r *Reconciler) deliverFinalized(fin *finalized) {
	if fin.persist {
		r.persist(fin.message)
	}
	if r.hooks.OnMessageFinalized != nil {
		r.hooks.OnMessageFinalized(fin.message)
	}
}

func (r *Reconciler) fireCreated(msg *ChatMessage) {
	if r.hooks.OnMessageCreated != nil {
		r.hooks.OnMessageCreated(msg)
	}
}

func (r *Reconciler) fireFinalized(msg *ChatMessage) {
	if r.hooks.OnMessageFinalized != nil {
		r.hooks.OnMessageFinalized(msg)
	}
}

func (r *Reconciler) persist(msg *ChatMessage) {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	sessionID := r.sessionID
	r.mu.Unlock()
	if sessionID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err := r.store.SaveMessage(ctx, ports.SavedMessage{
		SessionID:   sessionID,
		Role:        msg.Role,
		Content:     msg.Content,
		MessageType: msg.MessageType,
		Tokens:      msg.Tokens,
		LatencyMs:   msg.LatencyMs,
	})
	if err != nil {
		slog.Error("reconciler: persist message failed", "session", sessionID, "role", msg.Role, "error", err)
	}
}

// streamKey derives the accumulator key for a stream event. Transcription
// segments get their own keyspace so several can accumulate concurrently;
// plain streams are exclusive per direction.
func streamKey(ev protocol.Event) (key, direction, messageType string, exclusive bool) {
	direction = RoleUser
	if ev.Metadata.IsAgent {
		direction = RoleAgent
	}

	if ev.Metadata.SegmentID != "" {
		return direction + "|seg|" + ev.Metadata.SegmentID, direction, MessageTypeVoiceTranscript, false
	}
	if ev.StreamID == "" {
		return "", direction, MessageTypeText, false
	}
	return direction + "|stream|" + ev.StreamID, direction, MessageTypeText, true
}
