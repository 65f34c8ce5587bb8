// Package devices enumerates the host's audio devices from procfs. Native
// Linux clients have no permission broker, so RequestPermission is a no-op
// and labels are always available.
package devices

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lowfold/parley/internal/ports"
)

const (
	cardsPath    = "/proc/asound/cards"
	pollInterval = 2 * time.Second
)

// cardLine matches entries like " 0 [PCH   ]: HDA-Intel - HDA Intel PCH".
var cardLine = regexp.MustCompile(`^\s*(\d+)\s+\[(\S+)\s*\]:\s*\S+\s+-\s+(.*)$`)

// Enumerator implements ports.DeviceEnumerator on top of /proc/asound.
// Change notification is polling-based; the kernel exposes no portable event
// feed for card hotplug without a udev dependency.
type Enumerator struct {
	path string

	mu       sync.Mutex
	handlers []func()
	lastSeen string
	watching bool
	stop     chan struct{}
}

var _ ports.DeviceEnumerator = (*Enumerator)(nil)

func NewEnumerator() *Enumerator {
	return &Enumerator{path: cardsPath}
}

// RequestPermission always succeeds: native processes read procfs directly.
func (e *Enumerator) RequestPermission(ctx context.Context) error {
	return nil
}

// Enumerate lists sound cards. Every card is reported both as an input and an
// output; procfs does not distinguish capture-only hardware.
func (e *Enumerator) Enumerate(ctx context.Context) ([]ports.AudioDevice, error) {
	raw, err := os.ReadFile(e.path)
	if err != nil {
		return nil, fmt.Errorf("read sound cards: %w", err)
	}

	e.mu.Lock()
	e.lastSeen = string(raw)
	e.mu.Unlock()

	var devices []ports.AudioDevice
	for _, line := range strings.Split(string(raw), "\n") {
		m := cardLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id, label := m[2], strings.TrimSpace(m[3])
		devices = append(devices,
			ports.AudioDevice{ID: id, Label: label, Kind: ports.DeviceInput},
			ports.AudioDevice{ID: id, Label: label, Kind: ports.DeviceOutput},
		)
	}
	return devices, nil
}

// OnDeviceChange starts a poll loop on first registration and fires every
// handler when the card table changes.
func (e *Enumerator) OnDeviceChange(handler func()) {
	e.mu.Lock()
	e.handlers = append(e.handlers, handler)
	if !e.watching {
		e.watching = true
		e.stop = make(chan struct{})
		go e.watch(e.stop)
	}
	e.mu.Unlock()
}

// Close stops the change watcher.
func (e *Enumerator) Close() {
	e.mu.Lock()
	if e.watching {
		close(e.stop)
		e.watching = false
	}
	e.mu.Unlock()
}

func (e *Enumerator) watch(stop chan struct{}) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			raw, err := os.ReadFile(e.path)
			if err != nil {
				continue
			}

			e.mu.Lock()
			changed := e.lastSeen != "" && e.lastSeen != string(raw)
			e.lastSeen = string(raw)
			handlers := append([]func(){}, e.handlers...)
			e.mu.Unlock()

			if changed {
				for _, h := range handlers {
					h()
				}
			}
		}
	}
}
