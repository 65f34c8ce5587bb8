package livekit

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// ToneSource is an AudioSource that synthesizes a sine tone. It stands in for
// platform microphone capture in headless environments and drives the capture
// pipeline end to end for loopback checks.
type ToneSource struct {
	sampleRate int
	channels   int
	frequency  float64
	amplitude  float64

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewToneSource(sampleRate, channels int, frequency, amplitude float64) *ToneSource {
	return &ToneSource{
		sampleRate: sampleRate,
		channels:   channels,
		frequency:  frequency,
		amplitude:  amplitude,
	}
}

func (s *ToneSource) SampleRate() int { return s.sampleRate }
func (s *ToneSource) Channels() int   { return s.channels }

// Start emits 20ms PCM16 frames at the source's sample rate until the context
// is cancelled or Stop is called. The deviceID is ignored; a synthesized tone
// has no device.
func (s *ToneSource) Start(ctx context.Context, deviceID string) (<-chan []byte, error) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	frames := make(chan []byte, 8)
	frameSamples := s.sampleRate * int(frameDuration/time.Millisecond) / 1000

	go func() {
		defer close(frames)
		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()

		var phase float64
		step := 2 * math.Pi * s.frequency / float64(s.sampleRate)

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				frame := make([]byte, frameSamples*s.channels*2)
				for i := 0; i < frameSamples; i++ {
					sample := int16(s.amplitude * math.Sin(phase) * 32767)
					phase += step
					for ch := 0; ch < s.channels; ch++ {
						binary.LittleEndian.PutUint16(frame[(i*s.channels+ch)*2:], uint16(sample))
					}
				}
				select {
				case frames <- frame:
				case <-runCtx.Done():
					return
				}
			}
		}
	}()

	return frames, nil
}

func (s *ToneSource) Stop() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	return nil
}
