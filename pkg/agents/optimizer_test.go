package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qa-toolchain/testflow/pkg/bus"
	"github.com/qa-toolchain/testflow/pkg/state"
	"github.com/qa-toolchain/testflow/pkg/store"
)

func newTestOptimizer(t *testing.T, maxAttempts int) (*Optimizer, *state.Store, *recRec, *fakeBus) {
	t.Helper()
	o, st, recs, fb, _ := newTestOptimizerWithExecutions(t, maxAttempts)
	return o, st, recs, fb
}

func newTestOptimizerWithExecutions(t *testing.T, maxAttempts int) (*Optimizer, *state.Store, *recRec, *fakeBus, *execRec) {
	t.Helper()
	st, _ := newTestState(t)
	recs := &recRec{}
	execs := &execRec{}
	fb := &fakeBus{}
	o := NewOptimizer(OptimizerOptions{MaxAttempts: maxAttempts, Backoff: 0}, st, recs, execs, fb, nil)
	return o, st, recs, fb, execs
}

func optMessage(kind bus.Kind, payload any) *bus.Message {
	return bus.NewMessage(bus.AgentIdentity{Type: "test"}, TypeOptimizer, kind, payload)
}

func writeTestFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "banner.spec.ts")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestOptimizerPassedResetsAttempts(t *testing.T) {
	o, st, _, fb := newTestOptimizer(t, 2)
	ctx := context.Background()

	_, err := st.Incr(ctx, "execAttempts:E", 0)
	require.NoError(t, err)

	require.NoError(t, o.OnMessage(ctx, optMessage(bus.KindExecutionResult,
		bus.ExecutionResult{ExecutionID: "E", Status: "passed"})))

	n, err := st.GetInt(ctx, "execAttempts:E")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, fb.sent)
}

func TestOptimizerFirstFailureSchedulesRerun(t *testing.T) {
	o, st, recs, fb := newTestOptimizer(t, 2)
	ctx := context.Background()

	require.NoError(t, o.OnMessage(ctx, optMessage(bus.KindExecutionResult,
		bus.ExecutionResult{ExecutionID: "E", Status: "failed"})))

	n, err := st.GetInt(ctx, "execAttempts:E")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	reruns := fb.ofKind(bus.KindExecutionRequest)
	require.Len(t, reruns, 1)
	req, err := bus.DecodePayload[bus.ExecutionRequest](reruns[0])
	require.NoError(t, err)
	assert.Equal(t, "E", req.ExecutionID)
	assert.Equal(t, 1, req.RerunAttempt)

	assert.Len(t, recs.ofType(store.RecIncreaseRetries), 1)
	assert.Empty(t, recs.ofType(store.RecInvestigateFlaky))
}

func TestOptimizerExhaustionRecordsFlaky(t *testing.T) {
	o, _, recs, fb := newTestOptimizer(t, 1)
	ctx := context.Background()
	fail := bus.ExecutionResult{ExecutionID: "E", Status: "failed"}

	require.NoError(t, o.OnMessage(ctx, optMessage(bus.KindExecutionResult, fail)))
	require.NoError(t, o.OnMessage(ctx, optMessage(bus.KindExecutionResult, fail)))

	assert.Len(t, fb.ofKind(bus.KindExecutionRequest), 1, "only one rerun at maxAttempts=1")

	flaky := recs.ofType(store.RecInvestigateFlaky)
	require.Len(t, flaky, 1)
	assert.Equal(t, store.SeverityHigh, flaky[0].Severity)

	retries := recs.ofType(store.RecIncreaseRetries)
	require.Len(t, retries, 1, "increase-retries only on the first failure")
	assert.Equal(t, store.SeverityMedium, retries[0].Severity)
}

// An empty OPTIMIZE_RECENT payload sweeps the persisted reports and feeds
// each execution whose latest outcome is failed back into the rerun
// pipeline, skipping executions that since passed.
func TestOptimizerRecentSweepNudgesLatestFailures(t *testing.T) {
	o, _, _, fb, execs := newTestOptimizerWithExecutions(t, 2)
	ctx := context.Background()

	rows := []*store.ExecutionReport{
		{ExecutionID: "E1", Status: "failed", Summary: "old failure"},
		{ExecutionID: "E1", Status: "passed", Summary: "recovered"},
		{ExecutionID: "E2", Status: "failed", Summary: "selector broke"},
		{ExecutionID: "E3", Status: "passed", Summary: "fine"},
	}
	for _, r := range rows {
		require.NoError(t, execs.Create(ctx, r))
	}

	require.NoError(t, o.OnMessage(ctx, optMessage(bus.KindOptimizeRecent, nil)))

	nudges := fb.ofKind(bus.KindExecutionResult)
	require.Len(t, nudges, 1, "only E2's latest outcome is failed")
	assert.Equal(t, TypeOptimizer, nudges[0].Target.Type)
	assert.Equal(t, "optimizeRecent:E2:3", nudges[0].IdempotencyKey)

	res, err := bus.DecodePayload[bus.ExecutionResult](nudges[0])
	require.NoError(t, err)
	assert.Equal(t, "E2", res.ExecutionID)
	assert.Equal(t, "failed", res.Status)
	assert.Equal(t, "selector broke", res.Summary)
}

func TestOptimizerRecentSweepHonorsLimit(t *testing.T) {
	o, _, _, fb, execs := newTestOptimizerWithExecutions(t, 2)
	ctx := context.Background()

	require.NoError(t, execs.Create(ctx, &store.ExecutionReport{ExecutionID: "E1", Status: "failed"}))
	require.NoError(t, execs.Create(ctx, &store.ExecutionReport{ExecutionID: "E2", Status: "failed"}))

	// Limit 1 only sees the newest row.
	require.NoError(t, o.OnMessage(ctx, optMessage(bus.KindOptimizeRecent, bus.OptimizeRecent{Limit: 1})))

	nudges := fb.ofKind(bus.KindExecutionResult)
	require.Len(t, nudges, 1)
	res, err := bus.DecodePayload[bus.ExecutionResult](nudges[0])
	require.NoError(t, err)
	assert.Equal(t, "E2", res.ExecutionID)
}

func TestOptimizerRequestsLocatorCandidates(t *testing.T) {
	o, st, _, fb := newTestOptimizer(t, 2)
	ctx := context.Background()

	require.NoError(t, o.OnMessage(ctx, optMessage(bus.KindOptimizeTestFile, bus.OptimizeTestFile{
		ExecutionID:      "E",
		TestFilePath:     "/tmp/banner.spec.ts",
		OriginalSelector: "getByRole('banner')",
	})))

	synth := fb.ofKind(bus.KindLocatorSynthesisRequest)
	require.Len(t, synth, 1)
	assert.Equal(t, TypeLocator, synth[0].Target.Type)

	req, err := bus.DecodePayload[bus.LocatorSynthesisRequest](synth[0])
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"role": "banner"}, req.Element)
	require.NotNil(t, req.Context.OptimizationContext)
	assert.Equal(t, "E", req.Context.OptimizationContext.ExecutionID)
	assert.Equal(t, "getByRole('banner')", req.Context.OptimizationContext.OriginalSelector)

	pending := &pendingOptimization{}
	require.NoError(t, st.GetJSON(ctx, "opt:pending:E", pending))
	assert.Zero(t, pending.CandidateIndex)
}

// The full rewrite cycle: a failed selector is replaced by the top locator
// candidate, the patch marker is appended, and a rerun is enqueued.
func TestOptimizerRewriteCycle(t *testing.T) {
	o, st, _, fb := newTestOptimizer(t, 2)
	ctx := context.Background()

	path := writeTestFile(t, "await page.getByRole('banner').click();\n")

	require.NoError(t, o.OnMessage(ctx, optMessage(bus.KindOptimizeTestFile, bus.OptimizeTestFile{
		ExecutionID:      "E",
		TestFilePath:     path,
		OriginalSelector: "getByRole('banner')",
	})))

	require.NoError(t, o.OnMessage(ctx, optMessage(bus.KindLocatorCandidates, bus.LocatorCandidates{
		Context: bus.LocatorContext{OptimizationContext: &bus.OptimizationContext{
			ExecutionID:      "E",
			TestFilePath:     path,
			OriginalSelector: "getByRole('banner')",
		}},
		Candidates: []bus.LocatorCandidate{
			{Selector: `[data-testid="banner"]`, Score: 15},
			{Selector: "role=banner", Score: 10},
		},
	})))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(content)
	assert.Contains(t, text, "getByTestId('banner')")
	assert.NotContains(t, text, "getByRole('banner').click")
	assert.Contains(t, text,
		"// OPTIMIZER_PATCH: getByRole('banner') => getByTestId('banner') [candidateIndex=0]")

	pending := &pendingOptimization{}
	require.NoError(t, st.GetJSON(ctx, "opt:pending:E", pending))
	assert.Equal(t, 1, pending.CandidateIndex)
	assert.Equal(t, "getByTestId('banner')", pending.LastApplied)

	reruns := fb.ofKind(bus.KindExecutionRequest)
	require.Len(t, reruns, 1)
	req, err := bus.DecodePayload[bus.ExecutionRequest](reruns[0])
	require.NoError(t, err)
	assert.Equal(t, path, req.TestFilePath)
	assert.Equal(t, "E", req.ExecutionID)
}

func TestOptimizerStaleResponseNeverMutates(t *testing.T) {
	o, st, _, fb := newTestOptimizer(t, 2)
	ctx := context.Background()

	path := writeTestFile(t, "await page.getByRole('banner').click();\n")
	original, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, st.SetJSON(ctx, "opt:pending:E", &pendingOptimization{
		TestFilePath:     path,
		OriginalSelector: "getByRole('banner')",
		ElementDesc:      map[string]string{"role": "banner"},
		AttemptNumber:    2,
	}, pendingTTL))

	require.NoError(t, o.OnMessage(ctx, optMessage(bus.KindLocatorCandidates, bus.LocatorCandidates{
		Context: bus.LocatorContext{OptimizationContext: &bus.OptimizationContext{
			ExecutionID:   "E",
			AttemptNumber: 1,
		}},
		Candidates: []bus.LocatorCandidate{{Selector: `[data-testid="banner"]`, Score: 15}},
	})))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, after, "stale response must not touch the file")
	assert.Empty(t, fb.sent)
}

func TestOptimizerExistingMarkerAdvancesIndexOnly(t *testing.T) {
	o, st, _, fb := newTestOptimizer(t, 2)
	ctx := context.Background()

	path := writeTestFile(t,
		"await page.getByRole('banner').click();\n// OPTIMIZER_PATCH: x => y [candidateIndex=0]\n")

	require.NoError(t, st.SetJSON(ctx, "opt:pending:E", &pendingOptimization{
		TestFilePath:     path,
		OriginalSelector: "getByRole('banner')",
		ElementDesc:      map[string]string{"role": "banner"},
		CandidateIndex:   0,
	}, pendingTTL))

	require.NoError(t, o.OnMessage(ctx, optMessage(bus.KindLocatorCandidates, bus.LocatorCandidates{
		Context:    bus.LocatorContext{OptimizationContext: &bus.OptimizationContext{ExecutionID: "E"}},
		Candidates: []bus.LocatorCandidate{{Selector: `[data-testid="banner"]`, Score: 15}},
	})))

	pending := &pendingOptimization{}
	require.NoError(t, st.GetJSON(ctx, "opt:pending:E", pending))
	assert.Equal(t, 1, pending.CandidateIndex)
	assert.Empty(t, fb.ofKind(bus.KindExecutionRequest), "no rerun when only advancing")
}

func TestOptimizerFallbackAfterExhaustedCandidates(t *testing.T) {
	o, st, _, _ := newTestOptimizer(t, 2)
	ctx := context.Background()

	path := writeTestFile(t, "await page.getByRole('banner').click();\n")

	// Cursor already past the single merged candidate: the first fallback
	// entry (excluding the original selector) gets applied.
	require.NoError(t, st.SetJSON(ctx, "opt:pending:E", &pendingOptimization{
		TestFilePath:     path,
		OriginalSelector: "getByRole('banner')",
		ElementDesc:      map[string]string{"role": "banner"},
		CandidateIndex:   1,
		Candidates:       []string{"role=banner"},
	}, pendingTTL))

	require.NoError(t, o.OnMessage(ctx, optMessage(bus.KindLocatorCandidates, bus.LocatorCandidates{
		Context: bus.LocatorContext{OptimizationContext: &bus.OptimizationContext{ExecutionID: "E"}},
	})))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "getByRole('navigation')",
		"role=banner is excluded (same as original), navigation is next")
}

func TestDescriptorFromSelector(t *testing.T) {
	cases := []struct {
		selector string
		want     map[string]string
	}{
		{"getByTestId('save-btn')", map[string]string{"data-testid": "save-btn"}},
		{"getByRole('button', { name: 'Save' })", map[string]string{"role": "button"}},
		{"getByRole('banner')", map[string]string{"role": "banner"}},
		{"page.locator('.hero')", map[string]string{"tag": "header"}},
		{"", map[string]string{"tag": "header"}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, descriptorFromSelector(tc.selector), "selector %q", tc.selector)
	}
}

func TestSelectorToCode(t *testing.T) {
	cases := map[string]string{
		`[data-testid="banner"]`:   "getByTestId('banner')",
		`role=button[name="Save"]`: "getByRole('button', { name: 'Save' })",
		"role=banner":              "getByRole('banner')",
		`text="Sign in"`:           "getByText('Sign in')",
		"header":                   "locator('header')",
		"#save":                    "locator('#save')",
	}
	for sel, want := range cases {
		assert.Equal(t, want, selectorToCode(sel), "selector %q", sel)
	}
}

func TestFallbackSelectorsExcludeOriginalAndDedupe(t *testing.T) {
	got := fallbackSelectors(map[string]string{"role": "banner"}, "getByRole('banner')")
	assert.Equal(t, []string{"role=navigation", "header"}, got)

	got = fallbackSelectors(map[string]string{"data-testid": "save"}, "getByRole('banner')")
	assert.Equal(t, []string{`[data-testid="save"]`, "role=navigation", "header"}, got)
}
