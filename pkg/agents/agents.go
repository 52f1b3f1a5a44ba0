// Package agents contains the concrete agent implementations. Each agent
// is a plain struct implementing agent.Handler; all cross-agent
// communication goes through typed messages on the bus, and all shared
// state lives in the state store. Agents hold no references to each other.
package agents

import (
	"context"
	"time"

	"github.com/qa-toolchain/testflow/pkg/store"
)

// Agent type selectors, used as message targets.
const (
	TypeWriter    = "writer"
	TypeExecutor  = "executor"
	TypeOptimizer = "optimizer"
	TypeLocator   = "locator"
	TypeReporter  = "reporter"
	TypeContext   = "context"
	TypeLogger    = "logger"
)

// State is the slice of the shared state store agents use.
// *state.Store satisfies it.
type State interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	GetInt(ctx context.Context, key string) (int64, error)
	GetJSON(ctx context.Context, key string, v any) error
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// Narrow repository slices, satisfied by the pkg/store types. Agents depend
// on these so tests can substitute in-memory fakes.

// ArtifactRecorder persists generated test artifacts.
type ArtifactRecorder interface {
	Create(ctx context.Context, a *store.TestArtifact) error
}

// ExecutionRecorder persists execution outcomes.
type ExecutionRecorder interface {
	Create(ctx context.Context, r *store.ExecutionReport) error
}

// ExecutionReader lists execution outcomes.
type ExecutionReader interface {
	ListByExecution(ctx context.Context, executionID string) ([]store.ExecutionReport, error)
}

// ExecutionLister lists recent execution outcomes across executions,
// newest first.
type ExecutionLister interface {
	ListRecent(ctx context.Context, limit int) ([]store.ExecutionReport, error)
}

// ReportRecorder persists summary report pointers.
type ReportRecorder interface {
	Create(ctx context.Context, r *store.TestReport) error
}

// RecommendationRecorder persists optimizer recommendations.
type RecommendationRecorder interface {
	Create(ctx context.Context, r *store.Recommendation) error
}

// LogRepository persists and searches structured log rows.
type LogRepository interface {
	Create(ctx context.Context, r *store.LogRecord) error
	Search(ctx context.Context, q store.LogQuery) ([]store.LogRecord, error)
}
