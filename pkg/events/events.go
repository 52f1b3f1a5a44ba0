// Package events provides the fire-and-forget broadcast channel for
// lifecycle and domain events. Events are published to a Redis pub/sub
// channel; delivery is best-effort and never blocks the domain flow.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Type names a broadcast event.
type Type string

// Event types broadcast by the core.
const (
	TypeAgentStarted      Type = "agent.lifecycle.started"
	TypeAgentStopped      Type = "agent.lifecycle.stopped"
	TypeAgentError        Type = "agent.error"
	TypeTestGenerated     Type = "test.generated"
	TypeExecutionComplete Type = "execution.completed"
	TypeReportGenerated   Type = "report.generated"
	TypeLocatorComplete   Type = "locator.synthesis.completed"
	TypeLogQueryComplete  Type = "logger.query.completed"
)

// Event is the broadcast envelope.
type Event struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s event: %w", e.Type, err)
	}
	return nil
}

// --- Payloads ---

// AgentLifecyclePayload accompanies agent.lifecycle.* and agent.error events.
type AgentLifecyclePayload struct {
	AgentType string `json:"agentType"`
	Instance  string `json:"instance,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TestGeneratedPayload accompanies test.generated events.
type TestGeneratedPayload struct {
	Title    string `json:"title"`
	FilePath string `json:"filePath"`
	Provider string `json:"provider"`
}

// ExecutionCompletedPayload accompanies execution.completed events.
type ExecutionCompletedPayload struct {
	ExecutionID string  `json:"executionId"`
	Status      string  `json:"status"`
	Summary     string  `json:"summary,omitempty"`
	Progress    float64 `json:"progress"`
}

// ReportGeneratedPayload accompanies report.generated events.
type ReportGeneratedPayload struct {
	ExecutionID string `json:"executionId"`
	Path        string `json:"path"`
	Reports     int    `json:"reports"`
}

// LocatorCompletedPayload accompanies locator.synthesis.completed events.
type LocatorCompletedPayload struct {
	RequestID  string `json:"requestId,omitempty"`
	Top        string `json:"top,omitempty"`
	Candidates int    `json:"candidates"`
}

// LogQueryCompletedPayload accompanies logger.query.completed events.
type LogQueryCompletedPayload struct {
	Matched int `json:"matched"`
}

// Config controls the pub/sub channel name.
type Config struct {
	Channel string
}

// DefaultConfig returns the built-in event channel defaults.
func DefaultConfig() Config {
	return Config{Channel: "events:testflow"}
}

// Publisher broadcasts events. Publish errors are logged, not returned:
// the event channel is advisory and must never fail domain processing.
type Publisher struct {
	rdb *redis.Client
	cfg Config
	log *slog.Logger
}

// NewPublisher creates a publisher on top of an existing Redis client.
func NewPublisher(rdb *redis.Client, cfg Config) *Publisher {
	return &Publisher{rdb: rdb, cfg: cfg, log: slog.With("component", "events")}
}

// Publish broadcasts one event. Best-effort.
func (p *Publisher) Publish(ctx context.Context, typ Type, source string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn("Unmarshalable event payload", "type", typ, "error", err)
		return
	}
	env, err := json.Marshal(Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Payload:   raw,
	})
	if err != nil {
		return
	}
	if err := p.rdb.Publish(ctx, p.cfg.Channel, env).Err(); err != nil {
		p.log.Warn("Event publish failed", "type", typ, "error", err)
	}
}

// Ping verifies the backing store is reachable.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Listener subscribes to the event channel and exposes decoded events.
// Used by the API event feed and by tests.
type Listener struct {
	pubsub *redis.PubSub
	out    chan *Event
	once   sync.Once
}

// NewListener subscribes to the configured channel.
func NewListener(ctx context.Context, rdb *redis.Client, cfg Config) (*Listener, error) {
	ps := rdb.Subscribe(ctx, cfg.Channel)
	// Force the subscription to be established before returning so callers
	// do not miss events published immediately after.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", cfg.Channel, err)
	}

	l := &Listener{pubsub: ps, out: make(chan *Event, 64)}
	go l.pump()
	return l, nil
}

func (l *Listener) pump() {
	defer close(l.out)
	for msg := range l.pubsub.Channel() {
		var e Event
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			slog.Warn("Dropping undecodable event", "error", err)
			continue
		}
		select {
		case l.out <- &e:
		default:
			// Slow consumer: drop rather than block the pump.
		}
	}
}

// Events returns the stream of decoded events. Closed on Close.
func (l *Listener) Events() <-chan *Event {
	return l.out
}

// Close tears down the subscription.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() { err = l.pubsub.Close() })
	return err
}
