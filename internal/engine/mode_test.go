package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowfold/parley/internal/ports"
	"github.com/lowfold/parley/pkg/protocol"
)

func TestModeEnterVoice(t *testing.T) {
	transport := newFakeTransport()
	transport.participants = []ports.Participant{{Identity: "agent-1"}}
	media := &fakeMedia{}

	var changedTo Mode
	c := NewModeController(transport, media, time.Second, func(m Mode) { changedTo = m })

	mode, err := c.Toggle(context.Background(), "mic-2")
	require.NoError(t, err)
	assert.Equal(t, ModeVoice, mode)
	assert.Equal(t, ModeVoice, c.Mode())
	assert.Equal(t, ModeVoice, changedTo)
	assert.True(t, media.CaptureEnabled())

	require.Len(t, transport.calls, 1)
	assert.Equal(t, protocol.RPCToggleMode, transport.calls[0].method)
	assert.Equal(t, protocol.ModePayloadVoice, transport.calls[0].payload)
	assert.Equal(t, "agent-1", transport.calls[0].opts.Destination)
	assert.Equal(t, []string{"enable:mic-2"}, media.ops)
}

func TestModeCaptureFailureAborts(t *testing.T) {
	transport := newFakeTransport()
	media := &fakeMedia{enableErr: errors.New("device busy")}
	c := NewModeController(transport, media, time.Second, nil)

	err := c.Set(context.Background(), ModeVoice, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrCaptureFailed)
	assert.Equal(t, ModeText, c.Mode(), "failed capture must not commit voice mode")
	assert.Empty(t, transport.calls, "agent is not notified when capture fails")
}

func TestModeRPCFailureStillCommitsVoice(t *testing.T) {
	transport := newFakeTransport()
	transport.callErr = ports.ErrRPCTimeout
	media := &fakeMedia{}
	c := NewModeController(transport, media, time.Second, nil)

	err := c.Set(context.Background(), ModeVoice, "")
	require.NoError(t, err)
	assert.Equal(t, ModeVoice, c.Mode())
	assert.True(t, media.CaptureEnabled())
}

func TestModeLeaveVoiceDisablesCaptureUnconditionally(t *testing.T) {
	transport := newFakeTransport()
	transport.callErr = ports.ErrRPCTimeout
	media := &fakeMedia{}
	c := NewModeController(transport, media, time.Second, nil)

	require.NoError(t, c.Set(context.Background(), ModeVoice, ""))

	media.disableErr = errors.New("already stopped")
	err := c.Set(context.Background(), ModeText, "")
	require.NoError(t, err)
	assert.Equal(t, ModeText, c.Mode(), "leaving voice commits even when capture teardown and RPC fail")
	assert.False(t, media.CaptureEnabled())
}

func TestModeSameTargetIsNoOp(t *testing.T) {
	transport := newFakeTransport()
	media := &fakeMedia{}
	c := NewModeController(transport, media, time.Second, nil)

	require.NoError(t, c.Set(context.Background(), ModeText, ""))
	assert.Empty(t, transport.calls)
	assert.Empty(t, media.ops)
}

func TestModeRejectsConcurrentTransition(t *testing.T) {
	transport := newFakeTransport()
	media := &fakeMedia{
		enableGate:  make(chan struct{}),
		gateReached: make(chan struct{}),
	}
	c := NewModeController(transport, media, time.Second, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.Set(context.Background(), ModeVoice, "")
	}()

	// Wait until the first transition is parked inside EnableCapture.
	<-media.gateReached

	err := c.Set(context.Background(), ModeVoice, "")
	assert.ErrorIs(t, err, ports.ErrTransitionInFlight)

	close(media.enableGate)
	wg.Wait()
	assert.Equal(t, ModeVoice, c.Mode())
}

func TestModeRejectsUnknownTarget(t *testing.T) {
	c := NewModeController(newFakeTransport(), &fakeMedia{}, time.Second, nil)
	assert.Error(t, c.Set(context.Background(), Mode("carrier-pigeon"), ""))
}

func TestAgentDestinationFallsBackToBroadcast(t *testing.T) {
	transport := newFakeTransport()
	transport.participants = []ports.Participant{{Identity: "laptop"}, {Identity: "phone"}}
	assert.Equal(t, "", agentDestination(transport))

	transport.participants = append(transport.participants, ports.Participant{Identity: "assistant-main"})
	assert.Equal(t, "assistant-main", agentDestination(transport))
}
