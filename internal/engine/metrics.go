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

// MetricsPoller periodically asks the agent for its runtime metrics over RPC.
// The latest sample is cached; a failed poll clears it so consumers never act
// on stale numbers.
type MetricsPoller struct {
	transport  ports.RoomTransport
	settle     time.Duration
	interval   time.Duration
	rpcTimeout time.Duration
	onSample   func(*protocol.MetricsSample)

	mu      sync.Mutex
	sample  *protocol.MetricsSample
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func NewMetricsPoller(transport ports.RoomTransport, settle, interval, rpcTimeout time.Duration, onSample func(*protocol.MetricsSample)) *MetricsPoller {
	return &MetricsPoller{
		transport:  transport,
		settle:     settle,
		interval:   interval,
		rpcTimeout: rpcTimeout,
		onSample:   onSample,
	}
}

// Start launches the poll loop. The first poll waits for the settle delay so
// a freshly joined room has a chance to populate its roster. Starting a
// running poller is a no-op.
func (p *MetricsPoller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	stop, done := p.stop, p.done
	p.mu.Unlock()

	go p.loop(stop, done)
}

// Stop halts the loop and clears the cached sample. It returns once the loop
// goroutine has exited, so no poll fires after Stop returns.
func (p *MetricsPoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stop, done := p.stop, p.done
	p.mu.Unlock()

	close(stop)
	<-done

	p.setSample(nil)
}

// Sample returns the most recent successful poll result, or nil when the
// last poll failed or none has completed yet.
func (p *MetricsPoller) Sample() *protocol.MetricsSample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sample
}

func (p *MetricsPoller) loop(stop, done chan struct{}) {
	defer close(done)

	settle := time.NewTimer(p.settle)
	defer settle.Stop()
	select {
	case <-settle.C:
	case <-stop:
		return
	}

	p.pollOnce(stop)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.pollOnce(stop)
		case <-stop:
			return
		}
	}
}

func (p *MetricsPoller) pollOnce(stop chan struct{}) {
	if !p.transport.Connected() {
		p.setSample(nil)
		return
	}
	if len(p.transport.Participants()) == 0 {
		// Nobody to ask yet; keep whatever we have and try again later.
		metrics.MetricsPolls.WithLabelValues("skipped").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.rpcTimeout)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	reply, err := p.transport.Call(ctx, protocol.RPCAgentMetrics, protocol.MetricsRequestPayload, ports.CallOptions{
		Destination: agentDestination(p.transport),
		Timeout:     p.rpcTimeout,
	})
	if err != nil {
		slog.Debug("metrics: poll failed", "error", err)
		metrics.MetricsPolls.WithLabelValues("error").Inc()
		p.setSample(nil)
		return
	}

	sample, err := protocol.ParseMetricsSample(reply)
	if err != nil {
		slog.Warn("metrics: unparseable agent reply", "error", err)
		metrics.MetricsPolls.WithLabelValues("invalid").Inc()
		p.setSample(nil)
		return
	}

	metrics.MetricsPolls.WithLabelValues("ok").Inc()
	p.setSample(sample)
}

func (p *MetricsPoller) setSample(sample *protocol.MetricsSample) {
	p.mu.Lock()
	p.sample = sample
	p.mu.Unlock()
	if p.onSample != nil {
		p.onSample(sample)
	}
}
