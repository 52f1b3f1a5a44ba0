package agents

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/qa-toolchain/testflow/pkg/bus"
	"github.com/qa-toolchain/testflow/pkg/events"
	"github.com/qa-toolchain/testflow/pkg/state"
	"github.com/qa-toolchain/testflow/pkg/store"
)

// newTestState returns a real shared-state store over miniredis.
func newTestState(t *testing.T) (*state.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return state.New(rdb, state.DefaultConfig()), mr
}

// fakeBus records sent messages.
type fakeBus struct {
	mu   sync.Mutex
	sent []*bus.Message
}

func (f *fakeBus) Send(_ context.Context, msg *bus.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeBus) Acknowledge(context.Context, string) error                      { return nil }
func (f *fakeBus) Fail(context.Context, string, *bus.Message) error               { return nil }
func (f *fakeBus) DeadLetter(context.Context, string, *bus.Message, string) error { return nil }
func (f *fakeBus) Ping(context.Context) error                                     { return nil }

func (f *fakeBus) ofKind(k bus.Kind) []*bus.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*bus.Message
	for _, m := range f.sent {
		if m.Kind == k {
			out = append(out, m)
		}
	}
	return out
}

// fakeEvents records published events.
type fakeEvents struct {
	mu        sync.Mutex
	published []publishedEvent
}

type publishedEvent struct {
	Type    events.Type
	Source  string
	Payload any
}

func (f *fakeEvents) Publish(_ context.Context, typ events.Type, source string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedEvent{Type: typ, Source: source, Payload: payload})
}

func (f *fakeEvents) ofType(typ events.Type) []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedEvent
	for _, e := range f.published {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// In-memory repository fakes.

type artifactRec struct {
	mu   sync.Mutex
	rows []store.TestArtifact
}

func (r *artifactRec) Create(_ context.Context, a *store.TestArtifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.ID = int64(len(r.rows) + 1)
	a.CreatedAt = time.Now()
	r.rows = append(r.rows, *a)
	return nil
}

type execRec struct {
	mu   sync.Mutex
	rows []store.ExecutionReport
}

func (r *execRec) Create(_ context.Context, rep *store.ExecutionReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep.ID = int64(len(r.rows) + 1)
	rep.CreatedAt = time.Now()
	r.rows = append(r.rows, *rep)
	return nil
}

func (r *execRec) ListRecent(_ context.Context, limit int) ([]store.ExecutionReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.ExecutionReport
	for i := len(r.rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.rows[i])
	}
	return out, nil
}

func (r *execRec) ListByExecution(_ context.Context, executionID string) ([]store.ExecutionReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.ExecutionReport
	for _, row := range r.rows {
		if row.ExecutionID == executionID {
			out = append(out, row)
		}
	}
	return out, nil
}

type reportRec struct {
	mu   sync.Mutex
	rows []store.TestReport
}

func (r *reportRec) Create(_ context.Context, rep *store.TestReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep.ID = int64(len(r.rows) + 1)
	rep.CreatedAt = time.Now()
	r.rows = append(r.rows, *rep)
	return nil
}

type recRec struct {
	mu   sync.Mutex
	rows []store.Recommendation
}

func (r *recRec) Create(_ context.Context, rec *store.Recommendation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.ID = int64(len(r.rows) + 1)
	rec.CreatedAt = time.Now()
	r.rows = append(r.rows, *rec)
	return nil
}

func (r *recRec) ofType(recType string) []store.Recommendation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Recommendation
	for _, row := range r.rows {
		if row.Type == recType {
			out = append(out, row)
		}
	}
	return out
}

type logRepo struct {
	mu   sync.Mutex
	rows []store.LogRecord
}

func (r *logRepo) Create(_ context.Context, rec *store.LogRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.ID = int64(len(r.rows) + 1)
	rec.CreatedAt = time.Now()
	r.rows = append(r.rows, *rec)
	return nil
}

func (r *logRepo) Search(_ context.Context, q store.LogQuery) ([]store.LogRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []store.LogRecord
	for _, row := range r.rows {
		if q.Level != "" && row.Level != q.Level {
			continue
		}
		if q.Query != "" && !strings.Contains(strings.ToLower(row.Message), strings.ToLower(q.Query)) {
			continue
		}
		out = append(out, row)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
