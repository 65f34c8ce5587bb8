package livekit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/lowfold/parley/internal/ports"
)

const defaultRPCTimeout = 5 * time.Second

// Call performs a room RPC against the destination participant. The SDK call
// runs in its own goroutine and is raced against a local timer, so the
// timeout is deterministic regardless of how the SDK reports its own; a reply
// arriving after the deadline is discarded, never delivered.
func (t *Transport) Call(ctx context.Context, method, payload string, opts ports.CallOptions) (string, error) {
	t.mu.RLock()
	room := t.room
	connected := t.connected
	t.mu.RUnlock()

	if !connected || room == nil {
		return "", ports.ErrNotConnected
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}

	type rpcResult struct {
		reply string
		err   error
	}
	// Buffered so an abandoned call never blocks the SDK goroutine.
	resultCh := make(chan rpcResult, 1)

	go func() {
		responseTimeout := timeout
		reply, err := room.LocalParticipant.PerformRpc(lksdk.PerformRpcParams{
			DestinationIdentity: opts.Destination,
			Method:              method,
			Payload:             payload,
			ResponseTimeout:     &responseTimeout,
		})
		resultCh <- rpcResult{reply: reply, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		if res.err != nil {
			// The SDK reports a missing handler as an unsupported-method
			// RPC error; surface it as the sentinel so callers can branch.
			if strings.Contains(strings.ToLower(res.err.Error()), "unsupported") {
				return "", fmt.Errorf("rpc %s to %q: %w", method, opts.Destination, ports.ErrRPCUnsupported)
			}
			return "", fmt.Errorf("rpc %s to %q: %w", method, opts.Destination, res.err)
		}
		return res.reply, nil
	case <-timer.C:
		slog.Warn("livekit: rpc timed out", "method", method, "destination", opts.Destination, "timeout", timeout)
		return "", fmt.Errorf("rpc %s to %q: %w", method, opts.Destination, ports.ErrRPCTimeout)
	case <-ctx.Done():
		return "", fmt.Errorf("rpc %s to %q: %w", method, opts.Destination, ctx.Err())
	}
}
