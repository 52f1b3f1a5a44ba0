// Package bus provides the durable priority message bus that carries all
// inter-agent communication: priority queues, at-least-once delivery with
// retry and dead-lettering, idempotent send, and an append-only audit log.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedPayload indicates a payload that cannot be decoded into its
// kind's contract. Retrying cannot help; handlers returning it get the
// message dead-lettered rather than requeued.
var ErrMalformedPayload = errors.New("malformed payload")

// Priority determines which queue a message is routed to.
type Priority string

// Message priorities, lowest to highest.
const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Kind identifies the payload contract of a message.
type Kind string

// Message kinds understood by the agents.
const (
	KindTestGenerationRequest   Kind = "TEST_GENERATION_REQUEST"
	KindExecutionRequest        Kind = "EXECUTION_REQUEST"
	KindExecutionCancel         Kind = "EXECUTION_CANCEL"
	KindExecutionResult         Kind = "EXECUTION_RESULT"
	KindExecutionFailure        Kind = "EXECUTION_FAILURE"
	KindGenerateReport          Kind = "GENERATE_REPORT"
	KindOptimizeRecent          Kind = "OPTIMIZE_RECENT"
	KindOptimizeTestFile        Kind = "OPTIMIZE_TEST_FILE"
	KindLocatorSynthesisRequest Kind = "LOCATOR_SYNTHESIS_REQUEST"
	KindLocatorCandidates       Kind = "LOCATOR_CANDIDATES"
	KindUpdateContext           Kind = "UPDATE_CONTEXT"
	KindGetContext              Kind = "GET_CONTEXT"
	KindLogEntry                Kind = "LOG_ENTRY"
	KindQueryLogs               Kind = "QUERY_LOGS"
)

// AgentIdentity identifies the sender of a message.
type AgentIdentity struct {
	Type     string `json:"type"`
	Instance string `json:"instance,omitempty"`
	Node     string `json:"node,omitempty"`
}

// Target selects the agent type a message is addressed to.
type Target struct {
	Type string `json:"type"`
}

// Message is the envelope carried on the bus. Payload semantics are
// determined by Kind; see the payload structs below.
//
// Queue and Attempt are delivery metadata stamped by ConsumeNext; RetriedAt
// and FailedAt are stamped by Fail when a message is requeued or
// dead-lettered.
type Message struct {
	ID             string          `json:"id"`
	Source         AgentIdentity   `json:"source"`
	Target         Target          `json:"target"`
	Kind           Kind            `json:"kind"`
	Priority       Priority        `json:"priority,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`

	// EnqueuedAt is stamped by Send, milliseconds since epoch.
	EnqueuedAt int64 `json:"enqueuedAt,omitempty"`

	Queue     string `json:"queue,omitempty"`
	Attempt   int64  `json:"attempt,omitempty"`
	RetriedAt int64  `json:"retriedAt,omitempty"`
	FailedAt  int64  `json:"failedAt,omitempty"`
}

// NewMessage builds a message envelope with a fresh ID and the given payload.
// The payload is marshaled immediately; a marshal failure is a programming
// error and panics.
func NewMessage(source AgentIdentity, targetType string, kind Kind, payload any) *Message {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("bus: unmarshalable payload for %s: %v", kind, err))
	}
	return &Message{
		ID:        uuid.New().String(),
		Source:    source,
		Target:    Target{Type: targetType},
		Kind:      kind,
		Priority:  PriorityNormal,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
}

// WithPriority sets the message priority and returns the message.
func (m *Message) WithPriority(p Priority) *Message {
	m.Priority = p
	return m
}

// WithIdempotencyKey sets the idempotency key and returns the message.
func (m *Message) WithIdempotencyKey(key string) *Message {
	m.IdempotencyKey = key
	return m
}

// DecodePayload unmarshals the message payload into T.
func DecodePayload[T any](m *Message) (T, error) {
	var v T
	if len(m.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return v, fmt.Errorf("%w: decoding %s: %v", ErrMalformedPayload, m.Kind, err)
	}
	return v, nil
}

// --- Payload contracts ---

// GenerationRequest asks the Writer to synthesize a test from a repo change.
type GenerationRequest struct {
	Repo         string   `json:"repo"`
	Branch       string   `json:"branch"`
	HeadCommit   string   `json:"headCommit"`
	ChangedFiles []string `json:"changedFiles"`
	CompareURL   string   `json:"compareUrl,omitempty"`
}

// ExecutionRequest asks the Executor to run tests. All fields are optional;
// an empty request means a broad run over the configured tests directory.
type ExecutionRequest struct {
	ExecutionID  string `json:"executionId,omitempty"`
	TestFilePath string `json:"testFilePath,omitempty"`
	Grep         string `json:"grep,omitempty"`
	RerunAttempt int    `json:"rerunAttempt,omitempty"`
}

// ExecutionCancel marks an execution for advisory cancellation.
type ExecutionCancel struct {
	ExecutionID string `json:"executionId"`
}

// FailedTest describes one failing test inside an execution result.
type FailedTest struct {
	File          string `json:"file,omitempty"`
	Title         string `json:"title,omitempty"`
	SelectorGuess string `json:"selectorGuess,omitempty"`
	ErrorSnippet  string `json:"errorSnippet,omitempty"`
}

// ExecutionResult reports the terminal outcome of an execution.
type ExecutionResult struct {
	ExecutionID string       `json:"executionId"`
	Status      string       `json:"status"`
	Summary     string       `json:"summary,omitempty"`
	FailedTests []FailedTest `json:"failedTests,omitempty"`
}

// ExecutionFailure carries a failure summary to the Context agent.
type ExecutionFailure struct {
	ExecutionID string `json:"executionId"`
	Summary     string `json:"summary"`
}

// GenerateReport asks the Reporter to materialize a summary.
type GenerateReport struct {
	ExecutionID string `json:"executionId"`
}

// OptimizeRecent asks the Optimizer to sweep recent executions and nudge
// the failed ones back through the rerun pipeline. An empty payload uses
// the default scan window.
type OptimizeRecent struct {
	Limit int `json:"limit,omitempty"`
}

// OptimizeTestFile asks the Optimizer to rewrite a locator in a test file.
type OptimizeTestFile struct {
	ExecutionID      string `json:"executionId"`
	TestFilePath     string `json:"testFilePath"`
	OriginalSelector string `json:"originalSelector,omitempty"`
	RerunAttempt     int    `json:"rerunAttempt,omitempty"`
}

// OptimizationContext correlates a locator synthesis round-trip back to the
// pending optimization that requested it.
type OptimizationContext struct {
	ExecutionID      string `json:"execId"`
	TestFilePath     string `json:"testFilePath"`
	OriginalSelector string `json:"originalSelector,omitempty"`
	AttemptNumber    int    `json:"attemptNumber"`
}

// LocatorContext is the opaque context echoed through the Locator agent.
type LocatorContext struct {
	OptimizationContext *OptimizationContext `json:"optimizationContext,omitempty"`
}

// LocatorSynthesisRequest asks the Locator to score candidate selectors.
type LocatorSynthesisRequest struct {
	RequestID string            `json:"requestId"`
	Element   map[string]string `json:"element"`
	Context   LocatorContext    `json:"context"`
}

// LocatorCandidate is one scored selector.
type LocatorCandidate struct {
	Selector string `json:"selector"`
	Score    int    `json:"score"`
}

// LocatorCandidates returns ranked selectors to the Optimizer.
type LocatorCandidates struct {
	Context    LocatorContext     `json:"context"`
	Candidates []LocatorCandidate `json:"candidates"`
}

// ContextUpdate writes a namespaced key into shared state.
type ContextUpdate struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
	TTLMs int64           `json:"ttl,omitempty"`
}

// ContextGet reads a namespaced key from shared state.
type ContextGet struct {
	Key string `json:"key"`
}

// LogEntry is a structured log record persisted by the Logger agent.
type LogEntry struct {
	Level         string          `json:"level"`
	Message       string          `json:"message"`
	Context       json.RawMessage `json:"context,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// LogQuery filters persisted log records.
type LogQuery struct {
	Level string `json:"level,omitempty"`
	Query string `json:"query,omitempty"`
	Limit int    `json:"limit,omitempty"`
}
