package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/qa-toolchain/testflow/pkg/agent"
	"github.com/qa-toolchain/testflow/pkg/bus"
	"github.com/qa-toolchain/testflow/pkg/state"
)

const (
	contextKeyPrefix = "ctx:"
	failureTTL       = time.Hour
)

// failureContext is what gets stored under ctx:lastFailure:<executionId>.
type failureContext struct {
	ExecutionID   string `json:"executionId"`
	Summary       string `json:"summary,omitempty"`
	File          string `json:"file,omitempty"`
	Title         string `json:"title,omitempty"`
	SelectorGuess string `json:"selectorGuess,omitempty"`
	ErrorSnippet  string `json:"errorSnippet,omitempty"`
	RecordedAt    int64  `json:"recordedAt"`
}

// ContextKeeper maintains shared correlation context: it proxies namespaced
// key/value access to the state store and turns execution failures into
// optimization work.
type ContextKeeper struct {
	identity bus.AgentIdentity
	state    State
	bus      agent.Bus
	log      *slog.Logger
}

// NewContextKeeper builds the Context agent.
func NewContextKeeper(st State, b agent.Bus, log *slog.Logger) *ContextKeeper {
	if log == nil {
		log = slog.Default()
	}
	return &ContextKeeper{
		identity: bus.AgentIdentity{Type: TypeContext},
		state:    st,
		bus:      b,
		log:      log.With("agent", TypeContext),
	}
}

func (c *ContextKeeper) Type() string { return TypeContext }

func (c *ContextKeeper) OnInitialize(ctx context.Context) error { return nil }
func (c *ContextKeeper) OnShutdown(ctx context.Context) error   { return nil }

func (c *ContextKeeper) OnMessage(ctx context.Context, msg *bus.Message) error {
	switch msg.Kind {
	case bus.KindUpdateContext:
		req, err := bus.DecodePayload[bus.ContextUpdate](msg)
		if err != nil {
			return err
		}
		return c.onUpdate(ctx, req)

	case bus.KindGetContext:
		req, err := bus.DecodePayload[bus.ContextGet](msg)
		if err != nil {
			return err
		}
		return c.onGet(ctx, msg.Source, req)

	case bus.KindExecutionFailure:
		req, err := bus.DecodePayload[bus.ExecutionFailure](msg)
		if err != nil {
			return err
		}
		return c.onFailure(ctx, req)

	case bus.KindExecutionResult:
		req, err := bus.DecodePayload[bus.ExecutionResult](msg)
		if err != nil {
			return err
		}
		return c.onResult(ctx, req)

	default:
		c.log.Warn("Ignoring unexpected message kind", "kind", msg.Kind)
		return nil
	}
}

func (c *ContextKeeper) onUpdate(ctx context.Context, req bus.ContextUpdate) error {
	if req.Key == "" {
		c.log.Warn("Context update without key")
		return nil
	}
	ttl := time.Duration(req.TTLMs) * time.Millisecond
	if err := c.state.Set(ctx, contextKeyPrefix+req.Key, string(req.Value), ttl); err != nil {
		return fmt.Errorf("failed to update context %s: %w", req.Key, err)
	}
	return nil
}

// onGet reads the key and echoes it back to the requesting agent as an
// UPDATE_CONTEXT message, the passthrough read path.
func (c *ContextKeeper) onGet(ctx context.Context, source bus.AgentIdentity, req bus.ContextGet) error {
	if req.Key == "" || source.Type == "" {
		return nil
	}
	val, err := c.state.Get(ctx, contextKeyPrefix+req.Key)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return err
	}
	value := json.RawMessage("null")
	if val != "" {
		value = json.RawMessage(val)
	}

	reply := bus.NewMessage(c.identity, source.Type, bus.KindUpdateContext, bus.ContextUpdate{
		Key:   req.Key,
		Value: value,
	})
	return c.bus.Send(ctx, reply)
}

// onFailure stores the last-failure context for the execution and nudges
// the Optimizer with a failed result.
func (c *ContextKeeper) onFailure(ctx context.Context, req bus.ExecutionFailure) error {
	fc := failureContext{
		ExecutionID: req.ExecutionID,
		Summary:     req.Summary,
		RecordedAt:  time.Now().UnixMilli(),
	}
	if err := c.state.SetJSON(ctx, contextKeyPrefix+"lastFailure:"+req.ExecutionID, fc, failureTTL); err != nil {
		return err
	}

	result := bus.NewMessage(c.identity, TypeOptimizer, bus.KindExecutionResult, bus.ExecutionResult{
		ExecutionID: req.ExecutionID,
		Status:      statusFailed,
		Summary:     req.Summary,
	})
	return c.bus.Send(ctx, result)
}

// onResult handles the extended result shape carrying per-test failures:
// the first failing test becomes the richer failure context and an
// OPTIMIZE_TEST_FILE request for the Optimizer.
func (c *ContextKeeper) onResult(ctx context.Context, req bus.ExecutionResult) error {
	if req.Status != statusFailed || len(req.FailedTests) == 0 {
		return nil
	}
	first := req.FailedTests[0]

	fc := failureContext{
		ExecutionID:   req.ExecutionID,
		Summary:       req.Summary,
		File:          first.File,
		Title:         first.Title,
		SelectorGuess: first.SelectorGuess,
		ErrorSnippet:  first.ErrorSnippet,
		RecordedAt:    time.Now().UnixMilli(),
	}
	if err := c.state.SetJSON(ctx, contextKeyPrefix+"lastFailure:"+req.ExecutionID, fc, failureTTL); err != nil {
		return err
	}

	optimize := bus.NewMessage(c.identity, TypeOptimizer, bus.KindOptimizeTestFile, bus.OptimizeTestFile{
		ExecutionID:      req.ExecutionID,
		TestFilePath:     first.File,
		OriginalSelector: first.SelectorGuess,
	})
	return c.bus.Send(ctx, optimize)
}
