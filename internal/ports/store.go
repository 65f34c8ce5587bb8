package ports

import "context"

// SavedMessage is the payload handed to the persistence collaborator when a
// message finalizes. The engine fires and forgets: persistence failures are
// logged, never retried here, and never block the live conversation.
type SavedMessage struct {
	SessionID   string
	Role        string
	Content     string
	MessageType string
	Tokens      []string
	LatencyMs   int64
}

// MessageStore is the persistence collaborator contract. The engine owns no
// store of its own.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg SavedMessage) error

	// IsSessionActive reports whether the session still accepts writes.
	IsSessionActive(ctx context.Context, sessionID string) (bool, error)
}

// KVStore is a small durable key-value store used for client preferences that
// must survive restarts (e.g. the selected audio output device).
type KVStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}
