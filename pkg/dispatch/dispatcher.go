// Package dispatch pulls messages from the priority bus and routes them to
// registered agents, bounding the number of concurrently handled messages.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/qa-toolchain/testflow/pkg/agent"
	"github.com/qa-toolchain/testflow/pkg/bus"
	"github.com/qa-toolchain/testflow/pkg/metrics"
)

// Consumer is the slice of the bus the dispatcher pulls from.
// *bus.Bus satisfies it.
type Consumer interface {
	ConsumeNext(ctx context.Context, timeout time.Duration) (*bus.Message, error)
	DeadLetter(ctx context.Context, id string, msg *bus.Message, reason string) error
}

// Config controls dispatcher concurrency and timing.
type Config struct {
	// MaxConcurrency bounds in-flight messages across all agents.
	MaxConcurrency int

	// PollTimeout is how long one bus pop blocks before re-checking for
	// shutdown.
	PollTimeout time.Duration

	// DrainTimeout bounds how long Stop waits for in-flight handlers.
	DrainTimeout time.Duration
}

// DefaultConfig returns the built-in dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		PollTimeout:    2 * time.Second,
		DrainTimeout:   30 * time.Second,
	}
}

// Dispatcher is the consumer/router loop.
type Dispatcher struct {
	consumer Consumer
	cfg      Config
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu     sync.RWMutex
	agents map[string]*agent.Runtime

	sem      chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup // the run loop
	inflight sync.WaitGroup // spawned handler tasks
}

// New creates a dispatcher. Agents are registered with Attach before Start.
func New(c Consumer, cfg Config, m *metrics.Metrics) *Dispatcher {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	return &Dispatcher{
		consumer: c,
		cfg:      cfg,
		metrics:  m,
		log:      slog.With("component", "dispatch"),
		agents:   make(map[string]*agent.Runtime),
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		stopCh:   make(chan struct{}),
	}
}

// Attach registers an agent runtime under its normalized type.
func (d *Dispatcher) Attach(rt *agent.Runtime) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[normalizeTarget(rt.Type())] = rt
}

// Lookup resolves a target type to a registered runtime. The target is
// normalized (lowercased, non-alphanumerics stripped) and the "<name>agent"
// alias is accepted.
func (d *Dispatcher) Lookup(targetType string) (*agent.Runtime, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	norm := normalizeTarget(targetType)
	if rt, ok := d.agents[norm]; ok {
		return rt, true
	}
	if trimmed, ok := strings.CutSuffix(norm, "agent"); ok && trimmed != "" {
		if rt, ok := d.agents[trimmed]; ok {
			return rt, true
		}
	}
	return nil, false
}

// Agents returns the registered runtimes.
func (d *Dispatcher) Agents() []*agent.Runtime {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*agent.Runtime, 0, len(d.agents))
	for _, rt := range d.agents {
		out = append(out, rt)
	}
	return out
}

// Start launches the consume loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
	d.log.Info("Dispatcher started", "max_concurrency", d.cfg.MaxConcurrency)
}

// Stop halts intake and waits up to DrainTimeout for in-flight handlers.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Info("Dispatcher drained")
	case <-time.After(d.cfg.DrainTimeout):
		d.log.Warn("Dispatcher drain timeout exceeded, abandoning in-flight handlers")
	}
}

// run is the main consume loop. It acquires a concurrency slot before
// popping so excess load stays queued in the bus rather than in memory.
func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case d.sem <- struct{}{}:
		}

		msg, err := d.consumer.ConsumeNext(ctx, d.cfg.PollTimeout)
		if err != nil {
			<-d.sem
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			d.log.Error("Bus pop failed", "error", err)
			d.sleep(time.Second)
			continue
		}
		if msg == nil {
			<-d.sem
			continue
		}

		rt, ok := d.Lookup(msg.Target.Type)
		if !ok {
			// No registered agent can ever claim this; retrying is pointless.
			d.log.Warn("No agent for target, dead-lettering",
				"target", msg.Target.Type, "message_id", msg.ID)
			if err := d.consumer.DeadLetter(ctx, msg.ID, msg, "no-agent"); err != nil {
				d.log.Error("Dead-lettering unroutable message failed", "error", err)
			}
			<-d.sem
			continue
		}

		d.inflight.Add(1)
		if d.metrics != nil {
			d.metrics.DispatchInFlight.Inc()
		}
		go func(m *bus.Message) {
			defer func() {
				<-d.sem
				d.inflight.Done()
				if d.metrics != nil {
					d.metrics.DispatchInFlight.Dec()
				}
			}()
			rt.Handle(ctx, m)
		}(msg)
	}
}

// sleep waits for d or until stop is signalled.
func (d *Dispatcher) sleep(dur time.Duration) {
	select {
	case <-d.stopCh:
	case <-time.After(dur):
	}
}

// normalizeTarget lowercases and strips non-alphanumeric characters.
func normalizeTarget(target string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(target) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
