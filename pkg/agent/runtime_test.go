package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qa-toolchain/testflow/pkg/bus"
	"github.com/qa-toolchain/testflow/pkg/events"
)

type fakeBus struct {
	mu      sync.Mutex
	sent    []*bus.Message
	acked   []string
	fails   []string
	dead    []string
	reasons []string
}

func (f *fakeBus) Send(_ context.Context, m *bus.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeBus) Acknowledge(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeBus) Fail(_ context.Context, id string, _ *bus.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = append(f.fails, id)
	return nil
}

func (f *fakeBus) DeadLetter(_ context.Context, id string, _ *bus.Message, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead = append(f.dead, id)
	f.reasons = append(f.reasons, reason)
	return nil
}

func (f *fakeBus) Ping(context.Context) error { return nil }

func (f *fakeBus) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

func (f *fakeBus) failCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fails)
}

type fakeEvents struct {
	mu     sync.Mutex
	broadcast []events.Type
}

func (f *fakeEvents) Publish(_ context.Context, typ events.Type, _ string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, typ)
}

type scriptedHandler struct {
	typ     string
	initErr error
	onMsg   func(*bus.Message) error
	inits   int
}

func (h *scriptedHandler) Type() string { return h.typ }

func (h *scriptedHandler) OnInitialize(context.Context) error {
	h.inits++
	return h.initErr
}

func (h *scriptedHandler) OnShutdown(context.Context) error { return nil }

func (h *scriptedHandler) OnMessage(_ context.Context, m *bus.Message) error {
	if h.onMsg != nil {
		return h.onMsg(m)
	}
	return nil
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.HealthInterval = time.Hour // keep the tick quiet in unit tests
	return opts
}

func newTestRuntime(t *testing.T, h *scriptedHandler) (*Runtime, *fakeBus, *fakeEvents) {
	t.Helper()
	fb := &fakeBus{}
	fe := &fakeEvents{}
	rt := NewRuntime(h, fb, fe, map[string]Pinger{"bus": fb}, testOptions(), nil)
	return rt, fb, fe
}

func msg(kind bus.Kind) *bus.Message {
	return bus.NewMessage(bus.AgentIdentity{Type: "test"}, "executor", kind, nil)
}

func TestInitializeIsIdempotent(t *testing.T) {
	h := &scriptedHandler{typ: "executor"}
	rt, _, fe := newTestRuntime(t, h)
	ctx := context.Background()

	require.NoError(t, rt.Initialize(ctx))
	require.NoError(t, rt.Initialize(ctx))
	assert.Equal(t, 1, h.inits)
	assert.Equal(t, StatusHealthy, rt.Status())
	assert.Contains(t, fe.broadcast, events.TypeAgentStarted)

	require.NoError(t, rt.Shutdown(ctx))
	assert.Equal(t, StatusOffline, rt.Status())
}

func TestInitializeFailureMarksUnhealthy(t *testing.T) {
	h := &scriptedHandler{typ: "executor", initErr: errors.New("no disk")}
	rt, _, _ := newTestRuntime(t, h)

	err := rt.Initialize(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StatusUnhealthy, rt.Status())
}

func TestHandleAcknowledgesOnSuccess(t *testing.T) {
	h := &scriptedHandler{typ: "executor"}
	rt, fb, _ := newTestRuntime(t, h)

	m := msg(bus.KindExecutionRequest)
	rt.Handle(context.Background(), m)

	assert.Equal(t, []string{m.ID}, fb.acked)
	assert.Empty(t, fb.fails)

	snap := rt.Snapshot()
	assert.EqualValues(t, 1, snap.Processed)
	assert.EqualValues(t, 1, snap.Acked)
	assert.EqualValues(t, 0, snap.Failed)
}

func TestHandleFailsMessageOnError(t *testing.T) {
	h := &scriptedHandler{typ: "executor", onMsg: func(*bus.Message) error {
		return errors.New("boom")
	}}
	rt, fb, fe := newTestRuntime(t, h)

	m := msg(bus.KindExecutionRequest)
	rt.Handle(context.Background(), m)

	assert.Empty(t, fb.acked)
	assert.Equal(t, []string{m.ID}, fb.fails)
	assert.Contains(t, fe.broadcast, events.TypeAgentError)

	snap := rt.Snapshot()
	assert.EqualValues(t, 1, snap.Failed)
	assert.Equal(t, "boom", snap.LastError)
}

// A handler error wrapping ErrMalformedPayload means retries can never
// succeed; the message is dead-lettered instead of failed back for retry.
func TestHandleDeadLettersMalformedPayload(t *testing.T) {
	h := &scriptedHandler{typ: "executor", onMsg: func(m *bus.Message) error {
		_, err := bus.DecodePayload[bus.ExecutionRequest](m)
		return err
	}}
	rt, fb, _ := newTestRuntime(t, h)

	m := msg(bus.KindExecutionRequest)
	m.Payload = []byte(`{"executionId": 42`)
	rt.Handle(context.Background(), m)

	assert.Empty(t, fb.acked)
	assert.Empty(t, fb.fails, "malformed payloads must not be retried")
	require.Equal(t, []string{m.ID}, fb.dead)
	assert.Equal(t, []string{"parse-error"}, fb.reasons)
}

func TestBreakerOpensUnderSustainedFailure(t *testing.T) {
	h := &scriptedHandler{typ: "executor", onMsg: func(*bus.Message) error {
		return errors.New("boom")
	}}
	rt, fb, _ := newTestRuntime(t, h)
	ctx := context.Background()

	// 11 consecutive failures: requests > 10 with failure rate 1.0 trips
	// the breaker on the 11th.
	for i := 0; i < 11; i++ {
		rt.Handle(ctx, msg(bus.KindExecutionRequest))
	}
	assert.Equal(t, "open", rt.Snapshot().BreakerState)
	failsAtOpen := fb.failCount()

	// While open, messages are neither processed nor acknowledged nor failed.
	m := msg(bus.KindExecutionRequest)
	rt.Handle(ctx, m)
	assert.Equal(t, failsAtOpen, fb.failCount())
	assert.Equal(t, 0, fb.ackCount())
}

func TestBreakerStaysClosedUnderLowFailureRate(t *testing.T) {
	var calls int
	h := &scriptedHandler{typ: "executor", onMsg: func(*bus.Message) error {
		calls++
		if calls%3 == 0 {
			return errors.New("sporadic")
		}
		return nil
	}}
	rt, _, _ := newTestRuntime(t, h)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		rt.Handle(ctx, msg(bus.KindExecutionRequest))
	}
	assert.Equal(t, "closed", rt.Snapshot().BreakerState)
}

type flakyPinger struct {
	mu   sync.Mutex
	fail bool
}

func (p *flakyPinger) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("unreachable")
	}
	return nil
}

func (p *flakyPinger) setFail(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = v
}

func TestProbeHysteresis(t *testing.T) {
	h := &scriptedHandler{typ: "executor"}
	dep := &flakyPinger{}
	fb := &fakeBus{}
	opts := testOptions()
	opts.FailureThreshold = 3
	opts.RecoveryThreshold = 2
	rt := NewRuntime(h, fb, &fakeEvents{}, map[string]Pinger{"state": dep}, opts, nil)
	rt.setStatus(StatusHealthy)

	// Two failing probes: below threshold, status unchanged.
	dep.setFail(true)
	rt.probe()
	rt.probe()
	assert.Equal(t, StatusHealthy, rt.Status())

	// Third consecutive failure crosses the threshold.
	rt.probe()
	assert.Equal(t, StatusUnhealthy, rt.Status())

	// One healthy probe is not enough to recover.
	dep.setFail(false)
	rt.probe()
	assert.Equal(t, StatusUnhealthy, rt.Status())

	rt.probe()
	assert.Equal(t, StatusHealthy, rt.Status())
}

func TestLifecycleRingIsBounded(t *testing.T) {
	h := &scriptedHandler{typ: "executor"}
	rt, _, _ := newTestRuntime(t, h)

	for i := 0; i < lifecycleRingSize+20; i++ {
		rt.recordLifecycle("tick", "")
	}
	assert.Len(t, rt.Snapshot().Lifecycle, lifecycleRingSize)
}
