package livekit

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/lowfold/parley/internal/ports"
)

// AudioSource delivers raw little-endian PCM16 from a capture device. Start
// returns a channel of frames; the channel closes when the source stops.
type AudioSource interface {
	Start(ctx context.Context, deviceID string) (<-chan []byte, error)
	Stop() error
	SampleRate() int
	Channels() int
}

const (
	frameDuration = 20 * time.Millisecond

	// RMS energy above this counts as speech.
	vadThreshold = 0.015
	// Silence this long after speech clears the speaking flag.
	silenceDuration = 700 * time.Millisecond
)

// Capture publishes microphone audio into the room as an opus track. It
// implements ports.MediaSession and reports local speech activity from a
// simple energy gate on the capture stream.
type Capture struct {
	transport *Transport
	source    AudioSource

	mu         sync.Mutex
	enabled    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	track      *lksdk.LocalSampleTrack
	pub        *lksdk.LocalTrackPublication
	onSpeaking func(bool)
}

var _ ports.MediaSession = (*Capture)(nil)

func NewCapture(transport *Transport, source AudioSource) *Capture {
	return &Capture{
		transport: transport,
		source:    source,
	}
}

// OnSpeaking registers the speech activity callback. Called with true when
// the energy gate opens and false after sustained silence.
func (c *Capture) OnSpeaking(fn func(bool)) {
	c.mu.Lock()
	c.onSpeaking = fn
	c.mu.Unlock()
}

func (c *Capture) CaptureEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// EnableCapture starts the device, publishes the opus track and begins the
// encode loop. Any failure tears down whatever was set up and leaves capture
// disabled.
func (c *Capture) EnableCapture(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enabled {
		return nil
	}

	c.transport.mu.RLock()
	room := c.transport.room
	connected := c.transport.connected
	c.transport.mu.RUnlock()
	if !connected || room == nil {
		return ports.ErrNotConnected
	}

	sampleRate := c.source.SampleRate()
	channels := c.source.Channels()

	encoder, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return fmt.Errorf("create opus encoder: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	frames, err := c.source.Start(loopCtx, deviceID)
	if err != nil {
		cancel()
		return fmt.Errorf("start audio source %q: %w", deviceID, err)
	}

	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: uint32(sampleRate),
		Channels:  uint16(channels),
	})
	if err != nil {
		cancel()
		_ = c.source.Stop()
		return fmt.Errorf("create audio track: %w", err)
	}

	pub, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "microphone",
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		cancel()
		_ = c.source.Stop()
		return fmt.Errorf("publish audio track: %w", err)
	}

	c.cancel = cancel
	c.track = track
	c.pub = pub
	c.enabled = true

	c.wg.Add(1)
	go c.encodeLoop(loopCtx, encoder, frames, sampleRate, channels)

	slog.Info("livekit: capture enabled", "device", deviceID, "sample_rate", sampleRate, "channels", channels)
	return nil
}

// DisableCapture stops the encode loop, unpublishes the track and stops the
// device. Safe to call when capture is not running.
func (c *Capture) DisableCapture(ctx context.Context) error {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	pub := c.pub
	c.cancel = nil
	c.track = nil
	c.pub = nil
	c.enabled = false
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	if err := c.source.Stop(); err != nil {
		slog.Warn("livekit: stop audio source", "error", err)
	}

	c.transport.mu.RLock()
	room := c.transport.room
	c.transport.mu.RUnlock()
	if room != nil && pub != nil {
		if _, err := room.LocalParticipant.UnpublishTrack(pub.SID()); err != nil {
			slog.Warn("livekit: unpublish audio track", "error", err)
		}
	}

	slog.Info("livekit: capture disabled")
	return nil
}

// encodeLoop reassembles source frames into 20ms opus packets and writes them
// to the published track, flipping the speaking flag from the energy gate.
func (c *Capture) encodeLoop(ctx context.Context, encoder *opus.Encoder, frames <-chan []byte, sampleRate, channels int) {
	defer c.wg.Done()

	frameSamples := sampleRate * channels * int(frameDuration/time.Millisecond) / 1000
	pcm := make([]int16, 0, frameSamples*2)
	opusBuf := make([]byte, 4096)

	speaking := false
	lastSpeech := time.Time{}

	for {
		select {
		case <-ctx.Done():
			if speaking {
				c.fireSpeaking(false)
			}
			return
		case raw, ok := <-frames:
			if !ok {
				if speaking {
					c.fireSpeaking(false)
				}
				return
			}

			energy := rmsEnergy(raw)
			now := time.Now()
			if energy > vadThreshold {
				lastSpeech = now
				if !speaking {
					speaking = true
					slog.Debug("livekit: speech started", "energy", energy)
					c.fireSpeaking(true)
				}
			} else if speaking && now.Sub(lastSpeech) >= silenceDuration {
				speaking = false
				slog.Debug("livekit: speech ended")
				c.fireSpeaking(false)
			}

			for i := 0; i+1 < len(raw); i += 2 {
				pcm = append(pcm, int16(binary.LittleEndian.Uint16(raw[i:])))
			}

			for len(pcm) >= frameSamples {
				frame := pcm[:frameSamples]

				n, err := encoder.Encode(frame, opusBuf)
				if err != nil {
					slog.Error("livekit: opus encode error", "error", err)
					pcm = pcm[frameSamples:]
					continue
				}

				data := make([]byte, n)
				copy(data, opusBuf[:n])

				c.mu.Lock()
				track := c.track
				c.mu.Unlock()
				if track == nil {
					return
				}
				if err := track.WriteSample(media.Sample{
					Data:     data,
					Duration: frameDuration,
				}, nil); err != nil {
					slog.Error("livekit: write sample", "error", err)
				}

				pcm = pcm[frameSamples:]
			}
		}
	}
}

func (c *Capture) fireSpeaking(speaking bool) {
	c.mu.Lock()
	fn := c.onSpeaking
	c.mu.Unlock()
	if fn != nil {
		fn(speaking)
	}
}

// rmsEnergy computes the root-mean-square energy of little-endian PCM16,
// normalized to [0, 1].
func rmsEnergy(data []byte) float64 {
	if len(data) < 2 {
		return 0
	}

	var sum float64
	numSamples := len(data) / 2
	for i := 0; i < numSamples; i++ {
		sample := int16(binary.LittleEndian.Uint16(data[i*2:]))
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(numSamples))
}
