package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/qa-toolchain/testflow/pkg/agent"
	"github.com/qa-toolchain/testflow/pkg/bus"
	"github.com/qa-toolchain/testflow/pkg/state"
	"github.com/qa-toolchain/testflow/pkg/store"
)

// patchMarker prefixes the line the Optimizer appends after rewriting a
// locator, so a later pass can tell the file was already patched.
const patchMarker = "// OPTIMIZER_PATCH:"

const pendingTTL = 10 * time.Minute

// recentScanLimit is the default window for an OPTIMIZE_RECENT sweep.
const recentScanLimit = 25

// pendingOptimization tracks candidate progress for one execution.
type pendingOptimization struct {
	TestFilePath     string            `json:"testFilePath"`
	OriginalSelector string            `json:"originalSelector"`
	ElementDesc      map[string]string `json:"elementDesc"`
	CandidateIndex   int               `json:"candidateIndex"`
	Candidates       []string          `json:"candidates"`
	AttemptNumber    int               `json:"attemptNumber"`
	LastApplied      string            `json:"lastApplied,omitempty"`
}

// OptimizerOptions configures failure-driven reruns.
type OptimizerOptions struct {
	// MaxAttempts bounds automatic reruns per execution.
	MaxAttempts int

	// Backoff is the fixed delay before a failure-driven rerun.
	Backoff time.Duration
}

// DefaultOptimizerOptions allows two reruns with a 2s backoff.
func DefaultOptimizerOptions() OptimizerOptions {
	return OptimizerOptions{MaxAttempts: 2, Backoff: 2 * time.Second}
}

// Optimizer reacts to failed executions: it schedules bounded reruns,
// records operator recommendations, and drives the locator-rewrite cycle
// for failing selectors. A single Optimizer instance is assumed; its
// read-modify-write on pending state is last-writer-wins.
type Optimizer struct {
	identity   bus.AgentIdentity
	opts       OptimizerOptions
	state      State
	recs       RecommendationRecorder
	executions ExecutionLister
	bus        agent.Bus
	log        *slog.Logger
}

// NewOptimizer builds the Optimizer agent.
func NewOptimizer(opts OptimizerOptions, st State, recs RecommendationRecorder, execs ExecutionLister, b agent.Bus, log *slog.Logger) *Optimizer {
	if opts.MaxAttempts < 0 {
		opts.MaxAttempts = 0
	}
	if log == nil {
		log = slog.Default()
	}
	return &Optimizer{
		identity:   bus.AgentIdentity{Type: TypeOptimizer},
		opts:       opts,
		state:      st,
		recs:       recs,
		executions: execs,
		bus:        b,
		log:        log.With("agent", TypeOptimizer),
	}
}

func (o *Optimizer) Type() string { return TypeOptimizer }

func (o *Optimizer) OnInitialize(ctx context.Context) error { return nil }
func (o *Optimizer) OnShutdown(ctx context.Context) error   { return nil }

func (o *Optimizer) OnMessage(ctx context.Context, msg *bus.Message) error {
	switch msg.Kind {
	case bus.KindExecutionResult:
		req, err := bus.DecodePayload[bus.ExecutionResult](msg)
		if err != nil {
			return err
		}
		return o.onExecutionResult(ctx, req)

	case bus.KindOptimizeRecent:
		req, err := bus.DecodePayload[bus.OptimizeRecent](msg)
		if err != nil {
			return err
		}
		return o.onOptimizeRecent(ctx, req)

	case bus.KindOptimizeTestFile:
		req, err := bus.DecodePayload[bus.OptimizeTestFile](msg)
		if err != nil {
			return err
		}
		return o.onOptimizeTestFile(ctx, req)

	case bus.KindLocatorCandidates:
		req, err := bus.DecodePayload[bus.LocatorCandidates](msg)
		if err != nil {
			return err
		}
		return o.onLocatorCandidates(ctx, req)

	default:
		o.log.Warn("Ignoring unexpected message kind", "kind", msg.Kind)
		return nil
	}
}

// onExecutionResult implements bounded rerun-with-backoff. A passed result
// resets the attempt counter; a failed one either schedules a rerun or, on
// exhaustion, records a high-severity recommendation.
func (o *Optimizer) onExecutionResult(ctx context.Context, res bus.ExecutionResult) error {
	log := o.log.With("executionId", res.ExecutionID)

	if res.Status == statusPassed {
		if err := o.state.Delete(ctx, "execAttempts:"+res.ExecutionID); err != nil {
			return err
		}
		return nil
	}
	if res.Status != statusFailed {
		return nil
	}

	prev, err := o.state.GetInt(ctx, "execAttempts:"+res.ExecutionID)
	if err != nil {
		return err
	}

	if prev == 0 {
		o.record(ctx, res.ExecutionID, store.RecIncreaseRetries, store.SeverityMedium,
			"first failure observed; consider increasing runner retries")
	}

	next := prev + 1
	if next > int64(o.opts.MaxAttempts) {
		log.Info("Rerun attempts exhausted", "attempts", prev)
		o.record(ctx, res.ExecutionID, store.RecInvestigateFlaky, store.SeverityHigh,
			fmt.Sprintf("still failing after %d automatic reruns", prev))
		return nil
	}

	if _, err := o.state.Incr(ctx, "execAttempts:"+res.ExecutionID, time.Hour); err != nil {
		return err
	}

	if o.opts.Backoff > 0 {
		select {
		case <-time.After(o.opts.Backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	log.Info("Scheduling rerun", "attempt", next)
	rerun := bus.NewMessage(o.identity, TypeExecutor, bus.KindExecutionRequest, bus.ExecutionRequest{
		ExecutionID:  res.ExecutionID,
		RerunAttempt: int(next),
	})
	if err := o.bus.Send(ctx, rerun); err != nil {
		return fmt.Errorf("failed to enqueue rerun: %w", err)
	}
	return nil
}

// onOptimizeRecent sweeps the latest persisted executions and feeds every
// one whose newest outcome is failed back through the rerun pipeline as an
// EXECUTION_RESULT. The idempotency key keeps repeated sweeps from stacking
// duplicate nudges for the same report row.
func (o *Optimizer) onOptimizeRecent(ctx context.Context, req bus.OptimizeRecent) error {
	limit := req.Limit
	if limit <= 0 {
		limit = recentScanLimit
	}

	rows, err := o.executions.ListRecent(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list recent executions: %w", err)
	}

	seen := make(map[string]struct{}, len(rows))
	nudged := 0
	for _, row := range rows {
		// Rows are newest first; only the latest outcome per execution counts.
		if _, ok := seen[row.ExecutionID]; ok {
			continue
		}
		seen[row.ExecutionID] = struct{}{}
		if row.Status != statusFailed {
			continue
		}

		nudge := bus.NewMessage(o.identity, TypeOptimizer, bus.KindExecutionResult, bus.ExecutionResult{
			ExecutionID: row.ExecutionID,
			Status:      statusFailed,
			Summary:     row.Summary,
		}).WithIdempotencyKey(fmt.Sprintf("optimizeRecent:%s:%d", row.ExecutionID, row.ID))
		if err := o.bus.Send(ctx, nudge); err != nil {
			return fmt.Errorf("failed to enqueue failure nudge for %s: %w", row.ExecutionID, err)
		}
		nudged++
	}

	o.log.Info("Recent failure sweep", "scanned", len(rows), "nudged", nudged)
	return nil
}

// onOptimizeTestFile starts (or resumes) a locator-rewrite cycle by asking
// the Locator agent for candidates derived from the failing selector.
func (o *Optimizer) onOptimizeTestFile(ctx context.Context, req bus.OptimizeTestFile) error {
	if req.ExecutionID == "" || req.TestFilePath == "" {
		o.log.Warn("Optimize request missing execution id or file path")
		return nil
	}

	pending := &pendingOptimization{}
	err := o.state.GetJSON(ctx, "opt:pending:"+req.ExecutionID, pending)
	if errors.Is(err, state.ErrNotFound) {
		pending = &pendingOptimization{
			TestFilePath:     req.TestFilePath,
			OriginalSelector: req.OriginalSelector,
			ElementDesc:      descriptorFromSelector(req.OriginalSelector),
			CandidateIndex:   0,
		}
	} else if err != nil {
		return err
	}

	if req.RerunAttempt > pending.AttemptNumber {
		pending.AttemptNumber = req.RerunAttempt
	}

	if err := o.state.SetJSON(ctx, "opt:pending:"+req.ExecutionID, pending, pendingTTL); err != nil {
		return err
	}

	synth := bus.NewMessage(o.identity, TypeLocator, bus.KindLocatorSynthesisRequest, bus.LocatorSynthesisRequest{
		RequestID: req.ExecutionID,
		Element:   pending.ElementDesc,
		Context: bus.LocatorContext{
			OptimizationContext: &bus.OptimizationContext{
				ExecutionID:      req.ExecutionID,
				TestFilePath:     pending.TestFilePath,
				OriginalSelector: pending.OriginalSelector,
				AttemptNumber:    pending.AttemptNumber,
			},
		},
	})
	if err := o.bus.Send(ctx, synth); err != nil {
		return fmt.Errorf("failed to request locator candidates: %w", err)
	}
	return nil
}

// onLocatorCandidates applies one candidate rewrite to the failing test
// file. Stale responses (older attempt number) never mutate the file, and
// candidateIndex only ever moves forward.
func (o *Optimizer) onLocatorCandidates(ctx context.Context, res bus.LocatorCandidates) error {
	oc := res.Context.OptimizationContext
	if oc == nil {
		o.log.Warn("Locator candidates without optimization context, dropping")
		return nil
	}
	log := o.log.With("executionId", oc.ExecutionID)

	pending := &pendingOptimization{}
	if err := o.state.GetJSON(ctx, "opt:pending:"+oc.ExecutionID, pending); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			log.Warn("No pending optimization for locator response, dropping")
			return nil
		}
		return err
	}

	if oc.AttemptNumber < pending.AttemptNumber {
		log.Info("Dropping stale locator response",
			"responseAttempt", oc.AttemptNumber, "pendingAttempt", pending.AttemptNumber)
		return nil
	}

	for _, c := range res.Candidates {
		pending.Candidates = mergeCandidate(pending.Candidates, c.Selector)
	}

	selector, ok := o.chooseCandidate(pending)
	if !ok {
		log.Info("Candidate list exhausted", "candidateIndex", pending.CandidateIndex)
		return o.state.SetJSON(ctx, "opt:pending:"+oc.ExecutionID, pending, pendingTTL)
	}
	replacement := selectorToCode(selector)

	content, err := os.ReadFile(pending.TestFilePath)
	if err != nil {
		return fmt.Errorf("failed to read test file: %w", err)
	}
	text := string(content)

	if strings.Contains(text, patchMarker) {
		// Already patched by a previous round; only advance the cursor.
		pending.CandidateIndex++
		return o.state.SetJSON(ctx, "opt:pending:"+oc.ExecutionID, pending, pendingTTL)
	}

	if !strings.Contains(text, pending.OriginalSelector) {
		log.Warn("Original selector not present in test file",
			"selector", pending.OriginalSelector, "file", pending.TestFilePath)
		return nil
	}

	patched := strings.Replace(text, pending.OriginalSelector, replacement, 1)
	marker := fmt.Sprintf("%s %s => %s [candidateIndex=%d]\n",
		patchMarker, pending.OriginalSelector, replacement, pending.CandidateIndex)
	if !strings.HasSuffix(patched, "\n") {
		patched += "\n"
	}
	patched += marker

	if err := os.WriteFile(pending.TestFilePath, []byte(patched), 0o644); err != nil {
		return fmt.Errorf("failed to write patched test file: %w", err)
	}

	pending.CandidateIndex++
	pending.LastApplied = replacement
	if err := o.state.SetJSON(ctx, "opt:pending:"+oc.ExecutionID, pending, pendingTTL); err != nil {
		return err
	}

	log.Info("Applied locator rewrite",
		"original", pending.OriginalSelector, "replacement", replacement,
		"candidateIndex", pending.CandidateIndex-1)

	rerun := bus.NewMessage(o.identity, TypeExecutor, bus.KindExecutionRequest, bus.ExecutionRequest{
		ExecutionID:  oc.ExecutionID,
		TestFilePath: pending.TestFilePath,
		RerunAttempt: pending.AttemptNumber,
	})
	if err := o.bus.Send(ctx, rerun); err != nil {
		return fmt.Errorf("failed to enqueue optimization rerun: %w", err)
	}
	return nil
}

// chooseCandidate selects the selector at the current cursor, spilling over
// into the deterministic fallback list once merged candidates run out.
func (o *Optimizer) chooseCandidate(p *pendingOptimization) (string, bool) {
	if p.CandidateIndex < len(p.Candidates) {
		return p.Candidates[p.CandidateIndex], true
	}
	fallback := fallbackSelectors(p.ElementDesc, p.OriginalSelector)
	overflow := p.CandidateIndex - len(p.Candidates)
	if overflow < len(fallback) {
		return fallback[overflow], true
	}
	return "", false
}

func (o *Optimizer) record(ctx context.Context, execID, recType, severity, detail string) {
	rec := &store.Recommendation{
		ExecutionID: execID,
		Type:        recType,
		Severity:    severity,
		Detail:      detail,
	}
	if err := o.recs.Create(ctx, rec); err != nil {
		o.log.Error("Failed to record recommendation",
			"executionId", execID, "type", recType, "error", err)
	}
}

var (
	getByTestIDRe = regexp.MustCompile(`getByTestId\(\s*'([^']+)'\s*\)`)
	getByRoleRe   = regexp.MustCompile(`getByRole\(\s*'([^']+)'`)
)

// descriptorFromSelector derives an element descriptor from the failing
// locator-call text. Unrecognized selectors fall back to a header tag.
func descriptorFromSelector(selector string) map[string]string {
	if m := getByTestIDRe.FindStringSubmatch(selector); m != nil {
		return map[string]string{"data-testid": m[1]}
	}
	if m := getByRoleRe.FindStringSubmatch(selector); m != nil {
		return map[string]string{"role": m[1]}
	}
	return map[string]string{"tag": "header"}
}

// fallbackSelectors builds the deterministic fallback list for an element
// descriptor: data-testid first, then role, tag, and structural landmarks.
// The original selector (in code form) is excluded and the list is deduped.
func fallbackSelectors(desc map[string]string, originalSelector string) []string {
	var raw []string
	if v := desc["data-testid"]; v != "" {
		raw = append(raw, fmt.Sprintf(`[data-testid=%q]`, v))
	}
	if v := desc["role"]; v != "" {
		raw = append(raw, "role="+v)
	}
	if v := desc["tag"]; v != "" {
		raw = append(raw, v)
	}
	raw = append(raw, "role=banner", "role=navigation", "header")

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, sel := range raw {
		if _, dup := seen[sel]; dup {
			continue
		}
		seen[sel] = struct{}{}
		if selectorToCode(sel) == originalSelector {
			continue
		}
		out = append(out, sel)
	}
	return out
}

// mergeCandidate appends selector if not already present, preserving order.
func mergeCandidate(list []string, selector string) []string {
	for _, s := range list {
		if s == selector {
			return list
		}
	}
	return append(list, selector)
}

var (
	attrTestIDRe   = regexp.MustCompile(`^\[data-testid="([^"]+)"\]$`)
	roleWithNameRe = regexp.MustCompile(`^role=([a-zA-Z]+)\[name="([^"]+)"\]$`)
	roleOnlyRe     = regexp.MustCompile(`^role=([a-zA-Z]+)$`)
	textRe         = regexp.MustCompile(`^text="([^"]+)"$`)
)

// selectorToCode renders an abstract selector as the runner's locator-call
// syntax, which is what gets written into test files.
func selectorToCode(selector string) string {
	if m := attrTestIDRe.FindStringSubmatch(selector); m != nil {
		return fmt.Sprintf("getByTestId('%s')", m[1])
	}
	if m := roleWithNameRe.FindStringSubmatch(selector); m != nil {
		return fmt.Sprintf("getByRole('%s', { name: '%s' })", m[1], m[2])
	}
	if m := roleOnlyRe.FindStringSubmatch(selector); m != nil {
		return fmt.Sprintf("getByRole('%s')", m[1])
	}
	if m := textRe.FindStringSubmatch(selector); m != nil {
		return fmt.Sprintf("getByText('%s')", m[1])
	}
	return fmt.Sprintf("locator('%s')", selector)
}
