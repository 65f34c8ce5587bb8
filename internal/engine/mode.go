package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lowfold/parley/internal/adapters/metrics"
	"github.com/lowfold/parley/internal/ports"
	"github.com/lowfold/parley/pkg/protocol"
)

// Mode is the active communication mode of the session.
type Mode string

const (
	ModeText  Mode = "text"
	ModeVoice Mode = "voice"
)

// ModeController switches the session between text and voice. Local capture
// state is authoritative: entering voice aborts if the microphone cannot be
// enabled, while the agent-side RPC is best effort in both directions.
type ModeController struct {
	transport  ports.RoomTransport
	media      ports.MediaSession
	rpcTimeout time.Duration
	onChanged  func(Mode)

	mu       sync.Mutex
	mode     Mode
	inFlight bool
}

func NewModeController(transport ports.RoomTransport, media ports.MediaSession, rpcTimeout time.Duration, onChanged func(Mode)) *ModeController {
	return &ModeController{
		transport:  transport,
		media:      media,
		rpcTimeout: rpcTimeout,
		onChanged:  onChanged,
		mode:       ModeText,
	}
}

// Mode returns the committed mode.
func (c *ModeController) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Toggle flips to the other mode. deviceID selects the capture device when
// entering voice; empty means the platform default.
func (c *ModeController) Toggle(ctx context.Context, deviceID string) (Mode, error) {
	target := ModeVoice
	if c.Mode() == ModeVoice {
		target = ModeText
	}
	if err := c.Set(ctx, target, deviceID); err != nil {
		return c.Mode(), err
	}
	return target, nil
}

// Set transitions to the target mode. Only one transition may be in flight;
// concurrent calls fail with ErrTransitionInFlight. Setting the current mode
// is a no-op.
func (c *ModeController) Set(ctx context.Context, target Mode, deviceID string) error {
	if target != ModeText && target != ModeVoice {
		return fmt.Errorf("unknown mode %q", target)
	}

	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return ports.ErrTransitionInFlight
	}
	if c.mode == target {
		c.mu.Unlock()
		return nil
	}
	c.inFlight = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	var err error
	if target == ModeVoice {
		err = c.enterVoice(ctx, deviceID)
	} else {
		err = c.leaveVoice(ctx)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.mode = target
	c.mu.Unlock()

	metrics.ModeTransitions.WithLabelValues(string(target)).Inc()
	slog.Info("mode: transition committed", "mode", target)
	if c.onChanged != nil {
		c.onChanged(target)
	}
	return nil
}

// Reset reverts the committed mode to text without touching the media layer
// or the agent. Used when the room drops and capture is torn down separately.
func (c *ModeController) Reset() {
	c.mu.Lock()
	changed := c.mode != ModeText
	c.mode = ModeText
	c.mu.Unlock()

	if changed {
		slog.Info("mode: reset to text")
		if c.onChanged != nil {
			c.onChanged(ModeText)
		}
	}
}

// enterVoice enables capture first; a capture failure aborts the transition
// and the session stays in text mode. The agent notification is sent only
// after capture is live and its failure does not roll the mode back.
func (c *ModeController) enterVoice(ctx context.Context, deviceID string) error {
	if err := c.media.EnableCapture(ctx, deviceID); err != nil {
		return errors.Join(ports.ErrCaptureFailed, err)
	}

	if err := c.notifyAgent(ctx, protocol.ModePayloadVoice); err != nil {
		slog.Warn("mode: agent not notified of voice mode", "error", err)
	}
	return nil
}

// leaveVoice disables capture unconditionally and commits to text even when
// the agent cannot be reached.
func (c *ModeController) leaveVoice(ctx context.Context) error {
	if err := c.media.DisableCapture(ctx); err != nil {
		slog.Warn("mode: disable capture", "error", err)
	}
	if err := c.notifyAgent(ctx, protocol.ModePayloadText); err != nil {
		slog.Warn("mode: agent not notified of text mode", "error", err)
	}
	return nil
}

func (c *ModeController) notifyAgent(ctx context.Context, payload string) error {
	dest := agentDestination(c.transport)
	_, err := c.transport.Call(ctx, protocol.RPCToggleMode, payload, ports.CallOptions{
		Destination: dest,
		Timeout:     c.rpcTimeout,
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RPCRequests.WithLabelValues(protocol.RPCToggleMode, status).Inc()
	return err
}

// agentDestination picks the RPC destination: the first participant whose
// identity looks like an agent, falling back to a room broadcast.
func agentDestination(transport ports.RoomTransport) string {
	for _, p := range transport.Participants() {
		if isAgentIdentity(p.Identity) {
			return p.Identity
		}
	}
	return ""
}
