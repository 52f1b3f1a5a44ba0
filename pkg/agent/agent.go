// Package agent hosts the runtime shared by every agent: lifecycle,
// message dispatch with fault isolation, health probing, and per-agent
// metrics. Concrete agent behavior lives in pkg/agents; each implements
// the Handler interface and is wrapped in a Runtime.
package agent

import (
	"context"
	"time"

	"github.com/qa-toolchain/testflow/pkg/bus"
	"github.com/qa-toolchain/testflow/pkg/events"
)

// Status is the runtime state of an agent.
type Status string

// Agent statuses. Offline is terminal.
const (
	StatusUninitialized Status = "uninitialized"
	StatusInitializing  Status = "initializing"
	StatusHealthy       Status = "healthy"
	StatusDegraded      Status = "degraded"
	StatusUnhealthy     Status = "unhealthy"
	StatusOffline       Status = "offline"
)

// rank orders statuses from best to worst for aggregation.
func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	case StatusOffline:
		return 3
	default:
		return 2
	}
}

// Handler is implemented by each concrete agent.
type Handler interface {
	// Type is the agent-type selector messages are addressed to,
	// e.g. "executor".
	Type() string

	// OnInitialize opens agent-specific resources.
	OnInitialize(ctx context.Context) error

	// OnShutdown releases agent-specific resources.
	OnShutdown(ctx context.Context) error

	// OnMessage processes one delivered message. Returning an error makes
	// the runtime fail the message back to the bus for retry.
	OnMessage(ctx context.Context, msg *bus.Message) error
}

// Bus is the slice of the message bus the runtime and agents use.
// *bus.Bus satisfies it.
type Bus interface {
	Send(ctx context.Context, msg *bus.Message) error
	Acknowledge(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, msg *bus.Message) error
	DeadLetter(ctx context.Context, id string, msg *bus.Message, reason string) error
	Ping(ctx context.Context) error
}

// EventPublisher broadcasts lifecycle and domain events.
// *events.Publisher satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, typ events.Type, source string, payload any)
}

// Pinger is a probeable dependency for the health tick.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LifecycleEvent is one entry in the bounded lifecycle ring.
type LifecycleEvent struct {
	TS     time.Time `json:"ts"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
}

// Snapshot is a point-in-time view of an agent's counters.
type Snapshot struct {
	AgentType       string           `json:"agentType"`
	Status          Status           `json:"status"`
	Processed       int64            `json:"processed"`
	Acked           int64            `json:"acked"`
	Failed          int64            `json:"failed"`
	Errors          int64            `json:"errors"`
	LastError       string           `json:"lastError,omitempty"`
	AvgProcessingMs float64          `json:"avgProcessingMs"`
	BreakerState    string           `json:"breakerState"`
	Lifecycle       []LifecycleEvent `json:"lifecycle"`
}
