package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/qa-toolchain/testflow/pkg/bus"
	"github.com/qa-toolchain/testflow/pkg/events"
	"github.com/qa-toolchain/testflow/pkg/metrics"
)

const lifecycleRingSize = 50

// Options configures a Runtime.
type Options struct {
	// HealthInterval is the period of the dependency probe tick.
	HealthInterval time.Duration

	// FailureThreshold is the number of consecutive degraded probes before
	// the agent adopts the worst observed status.
	FailureThreshold int

	// RecoveryThreshold is the number of consecutive healthy probes before
	// the agent returns to healthy.
	RecoveryThreshold int

	// StartupTimeout bounds Initialize.
	StartupTimeout time.Duration

	// ShutdownTimeout bounds Shutdown.
	ShutdownTimeout time.Duration
}

// DefaultOptions returns the built-in runtime defaults.
func DefaultOptions() Options {
	return Options{
		HealthInterval:    10 * time.Second,
		FailureThreshold:  3,
		RecoveryThreshold: 2,
		StartupTimeout:    30 * time.Second,
		ShutdownTimeout:   15 * time.Second,
	}
}

// Runtime hosts one Handler. It mediates initialization and shutdown,
// message dispatch with circuit breaking, acknowledgement, and the health
// tick. One Runtime per agent instance.
type Runtime struct {
	handler Handler
	bus     Bus
	events  EventPublisher
	deps    map[string]Pinger
	opts    Options
	metrics *metrics.Metrics
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger

	mu          sync.Mutex
	status      Status
	initialized bool
	processed   int64
	acked       int64
	failed      int64
	errorCount  int64
	lastError   string
	totalProcMs float64
	lifecycle   []LifecycleEvent
	degradeRun  int
	healthyRun  int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRuntime wraps a handler. deps are the dependencies probed by the
// health tick, keyed by name; m may be nil to disable instrumentation.
func NewRuntime(h Handler, b Bus, ep EventPublisher, deps map[string]Pinger, opts Options, m *metrics.Metrics) *Runtime {
	r := &Runtime{
		handler: h,
		bus:     b,
		events:  ep,
		deps:    deps,
		opts:    opts,
		metrics: m,
		status:  StatusUninitialized,
		stopCh:  make(chan struct{}),
		log:     slog.With("agent", h.Type()),
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        h.Type(),
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests <= 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("Circuit breaker state change", "from", from.String(), "to", to.String())
			r.recordLifecycle("breaker."+to.String(), "")
			if to == gobreaker.StateOpen && m != nil {
				m.BreakerOpened.WithLabelValues(name).Inc()
			}
		},
	})
	return r
}

// Type returns the hosted handler's agent type.
func (r *Runtime) Type() string {
	return r.handler.Type()
}

// Status returns the current agent status.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Initialize brings the agent online: probes the injected dependencies,
// runs the handler's OnInitialize, and starts the health tick. Idempotent;
// concurrent calls coalesce on the first invocation's outcome.
func (r *Runtime) Initialize(ctx context.Context) error {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return nil
	}
	r.initialized = true
	r.status = StatusInitializing
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.opts.StartupTimeout)
	defer cancel()

	for name, dep := range r.deps {
		if err := dep.Ping(ctx); err != nil {
			r.setStatus(StatusUnhealthy)
			return fmt.Errorf("agent %s: dependency %s unreachable: %w", r.Type(), name, err)
		}
	}
	if err := r.handler.OnInitialize(ctx); err != nil {
		r.setStatus(StatusUnhealthy)
		return fmt.Errorf("agent %s: initialize: %w", r.Type(), err)
	}

	r.setStatus(StatusHealthy)
	r.recordLifecycle("started", "")
	r.events.Publish(ctx, events.TypeAgentStarted, r.Type(), events.AgentLifecyclePayload{
		AgentType: r.Type(), Status: string(StatusHealthy),
	})

	r.wg.Add(1)
	go r.healthLoop()

	r.log.Info("Agent initialized")
	return nil
}

// Shutdown transitions the agent offline, stops the health tick, and runs
// the handler's OnShutdown within the shutdown budget.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.setStatus(StatusOffline)
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	ctx, cancel := context.WithTimeout(ctx, r.opts.ShutdownTimeout)
	defer cancel()

	err := r.handler.OnShutdown(ctx)
	r.recordLifecycle("stopped", "")
	r.events.Publish(ctx, events.TypeAgentStopped, r.Type(), events.AgentLifecyclePayload{
		AgentType: r.Type(), Status: string(StatusOffline),
	})
	if err != nil {
		return fmt.Errorf("agent %s: shutdown: %w", r.Type(), err)
	}
	r.log.Info("Agent shut down")
	return nil
}

// Handle processes one delivered message.
//
// When the circuit breaker is open the message is neither processed nor
// acknowledged: the processing lease expires and the bus redelivers. On
// handler success the message is acknowledged; on handler error it is
// failed back to the bus for retry/dead-lettering.
func (r *Runtime) Handle(ctx context.Context, msg *bus.Message) {
	log := r.log.With("message_id", msg.ID, "kind", msg.Kind)

	start := time.Now()
	_, err := r.breaker.Execute(func() (any, error) {
		return nil, r.handler.OnMessage(ctx, msg)
	})
	elapsed := time.Since(start)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		log.Debug("Circuit open, leaving message unacknowledged for redelivery")
		return
	}

	r.mu.Lock()
	r.processed++
	r.totalProcMs += float64(elapsed.Milliseconds())
	if err != nil {
		r.failed++
		r.errorCount++
		r.lastError = err.Error()
	} else {
		r.acked++
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.AgentProcessTime.WithLabelValues(r.Type()).Observe(elapsed.Seconds())
		if err != nil {
			r.metrics.AgentFailed.WithLabelValues(r.Type()).Inc()
		} else {
			r.metrics.AgentProcessed.WithLabelValues(r.Type()).Inc()
		}
	}

	if err != nil {
		log.Error("Handler failed", "error", err, "attempt", msg.Attempt)
		r.events.Publish(ctx, events.TypeAgentError, r.Type(), events.AgentLifecyclePayload{
			AgentType: r.Type(), Error: err.Error(),
		})
		// A payload the handler cannot decode will never decode on retry.
		if errors.Is(err, bus.ErrMalformedPayload) {
			if derr := r.bus.DeadLetter(ctx, msg.ID, msg, "parse-error"); derr != nil {
				log.Error("Dead-lettering malformed message failed", "error", derr)
			}
			return
		}
		if ferr := r.bus.Fail(ctx, msg.ID, msg); ferr != nil {
			log.Error("Failing message back to bus failed", "error", ferr)
		}
		return
	}

	if aerr := r.bus.Acknowledge(ctx, msg.ID); aerr != nil {
		log.Error("Acknowledge failed", "error", aerr)
	}
}

// Snapshot returns the agent's counters and lifecycle ring.
func (r *Runtime) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	avg := 0.0
	if r.processed > 0 {
		avg = r.totalProcMs / float64(r.processed)
	}
	ring := make([]LifecycleEvent, len(r.lifecycle))
	copy(ring, r.lifecycle)
	return Snapshot{
		AgentType:       r.handler.Type(),
		Status:          r.status,
		Processed:       r.processed,
		Acked:           r.acked,
		Failed:          r.failed,
		Errors:          r.errorCount,
		LastError:       r.lastError,
		AvgProcessingMs: avg,
		BreakerState:    r.breaker.State().String(),
		Lifecycle:       ring,
	}
}

// healthLoop runs the periodic dependency probe until shutdown.
func (r *Runtime) healthLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.probe()
		}
	}
}

// probe checks every dependency and applies hysteresis before moving the
// agent status.
func (r *Runtime) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.HealthInterval/2)
	defer cancel()

	worst := StatusHealthy
	for name, dep := range r.deps {
		if err := dep.Ping(ctx); err != nil {
			r.log.Warn("Dependency probe failed", "dependency", name, "error", err)
			if StatusUnhealthy.rank() > worst.rank() {
				worst = StatusUnhealthy
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusOffline {
		return
	}

	if worst == StatusHealthy {
		r.degradeRun = 0
		r.healthyRun++
		if r.healthyRun >= r.opts.RecoveryThreshold && r.status != StatusHealthy {
			r.status = StatusHealthy
			r.lifecycleLocked("health.recovered", "")
		}
		return
	}

	r.healthyRun = 0
	r.degradeRun++
	if r.degradeRun >= r.opts.FailureThreshold && r.status != worst {
		r.status = worst
		r.lifecycleLocked("health."+string(worst), "")
	}
}

func (r *Runtime) setStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

func (r *Runtime) recordLifecycle(event, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lifecycleLocked(event, detail)
}

func (r *Runtime) lifecycleLocked(event, detail string) {
	r.lifecycle = append(r.lifecycle, LifecycleEvent{TS: time.Now().UTC(), Event: event, Detail: detail})
	if len(r.lifecycle) > lifecycleRingSize {
		r.lifecycle = r.lifecycle[len(r.lifecycle)-lifecycleRingSize:]
	}
}
