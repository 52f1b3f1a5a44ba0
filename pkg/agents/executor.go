package agents

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qa-toolchain/testflow/pkg/agent"
	"github.com/qa-toolchain/testflow/pkg/bus"
	"github.com/qa-toolchain/testflow/pkg/events"
	"github.com/qa-toolchain/testflow/pkg/runner"
	"github.com/qa-toolchain/testflow/pkg/store"
)

// Execution statuses reported on the event channel.
const (
	statusPassed  = "passed"
	statusFailed  = "failed"
	statusSkipped = "skipped"

	// statusCanceled is the persisted terminal status for skipped runs.
	statusCanceled = "canceled"
)

// RunnerClient spawns the test-runner child process. *runner.Runner
// satisfies it.
type RunnerClient interface {
	Run(ctx context.Context, opts runner.Options) (runner.Result, error)
}

// ExecutorOptions configures the Executor agent.
type ExecutorOptions struct {
	// Mode is "simulate" or "process".
	Mode      string
	Timeout   time.Duration
	ReportDir string
	TestsDir  string

	// CancelPoll is how often a running execution checks the cancellation
	// set. Defaults to 500ms.
	CancelPoll time.Duration
}

// DefaultExecutorOptions returns simulate mode with a 5 minute timeout.
func DefaultExecutorOptions() ExecutorOptions {
	return ExecutorOptions{
		Mode:       "simulate",
		Timeout:    5 * time.Minute,
		ReportDir:  "./reports",
		TestsDir:   "./tests",
		CancelPoll: 500 * time.Millisecond,
	}
}

// markRetention bounds how long cancellation and terminal marks are kept.
// Matches the TTL discipline of the shared-state keys; a mark older than
// this can only belong to a long-dead execution.
const markRetention = time.Hour

type terminalMark struct {
	status string
	at     time.Time
}

// Executor runs test executions. It owns the in-memory cancellation set and
// guarantees at most one terminal transition per execution id.
type Executor struct {
	identity bus.AgentIdentity
	opts     ExecutorOptions
	runner   RunnerClient
	reports  ExecutionRecorder
	bus      agent.Bus
	events   agent.EventPublisher
	state    State
	log      *slog.Logger

	mu       sync.Mutex
	canceled map[string]time.Time
	terminal map[string]terminalMark
}

// NewExecutor builds the Executor agent.
func NewExecutor(opts ExecutorOptions, r RunnerClient, reports ExecutionRecorder, b agent.Bus, ev agent.EventPublisher, st State, log *slog.Logger) *Executor {
	if opts.CancelPoll <= 0 {
		opts.CancelPoll = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		identity: bus.AgentIdentity{Type: TypeExecutor},
		opts:     opts,
		runner:   r,
		reports:  reports,
		bus:      b,
		events:   ev,
		state:    st,
		log:      log.With("agent", TypeExecutor),
		canceled: make(map[string]time.Time),
		terminal: make(map[string]terminalMark),
	}
}

func (e *Executor) Type() string { return TypeExecutor }

func (e *Executor) OnInitialize(ctx context.Context) error {
	if err := os.MkdirAll(e.opts.ReportDir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	return nil
}

func (e *Executor) OnShutdown(ctx context.Context) error { return nil }

func (e *Executor) OnMessage(ctx context.Context, msg *bus.Message) error {
	switch msg.Kind {
	case bus.KindExecutionCancel:
		req, err := bus.DecodePayload[bus.ExecutionCancel](msg)
		if err != nil {
			return err
		}
		e.markCanceled(req.ExecutionID)
		e.log.Info("Cancellation requested", "executionId", req.ExecutionID)
		return nil

	case bus.KindExecutionRequest:
		req, err := bus.DecodePayload[bus.ExecutionRequest](msg)
		if err != nil {
			return err
		}
		return e.execute(ctx, req)

	default:
		e.log.Warn("Ignoring unexpected message kind", "kind", msg.Kind)
		return nil
	}
}

type runOutcome struct {
	status     string
	summary    string
	exitCode   int
	duration   time.Duration
	reportPath string
	progress   float64
}

func (e *Executor) execute(ctx context.Context, req bus.ExecutionRequest) error {
	execID := req.ExecutionID
	if execID == "" {
		execID = uuid.New().String()
	}
	log := e.log.With("executionId", execID)

	e.setProgress(ctx, execID, 0.1)

	if e.isCanceled(execID) {
		log.Info("Execution canceled before start")
		return e.finish(ctx, execID, runOutcome{
			status:   statusSkipped,
			summary:  "canceled before start",
			progress: 0.1,
		})
	}

	var outcome runOutcome
	if e.opts.Mode == "process" {
		outcome = e.runProcess(ctx, execID, req)
	} else {
		outcome = e.runSimulated(ctx, execID)
	}
	outcome.progress = 1.0
	e.setProgress(ctx, execID, 1.0)

	return e.finish(ctx, execID, outcome)
}

func (e *Executor) runSimulated(_ context.Context, execID string) runOutcome {
	reportPath := filepath.Join(e.opts.ReportDir, execID+".html")
	content := fmt.Sprintf("<html><body><h1>Execution %s</h1><p>simulated</p></body></html>\n", execID)
	if err := os.WriteFile(reportPath, []byte(content), 0o644); err != nil {
		return runOutcome{status: statusFailed, summary: fmt.Sprintf("failed to write report: %v", err)}
	}
	return runOutcome{status: statusPassed, summary: "simulated", reportPath: reportPath}
}

// runProcess spawns the runner and supervises it: the cancellation set is
// polled on a coarse tick, the hard timeout terminates the child, and
// progress is marked at roughly half of the run lifecycle.
func (e *Executor) runProcess(ctx context.Context, execID string, req bus.ExecutionRequest) runOutcome {
	runCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	reportFolder := filepath.Join(e.opts.ReportDir, execID)

	var (
		res    runner.Result
		runErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, runErr = e.runner.Run(runCtx, runner.Options{
			TestsDir:     e.opts.TestsDir,
			ReportFolder: reportFolder,
			Grep:         req.Grep,
		})
	}()

	halfway := time.NewTimer(e.opts.Timeout / 2)
	defer halfway.Stop()
	tick := time.NewTicker(e.opts.CancelPoll)
	defer tick.Stop()

	canceledSeen := false
	for running := true; running; {
		select {
		case <-done:
			running = false
		case <-halfway.C:
			e.setProgress(ctx, execID, 0.5)
		case <-tick.C:
			if !canceledSeen && e.isCanceled(execID) {
				canceledSeen = true
				cancel()
			}
		}
	}

	outcome := runOutcome{
		exitCode:   res.ExitCode,
		duration:   res.Duration,
		reportPath: filepath.Join(reportFolder, "index.html"),
	}
	switch {
	case canceledSeen:
		outcome.status = statusSkipped
		outcome.summary = "canceled during run"
	case runErr != nil && runCtx.Err() == context.DeadlineExceeded:
		outcome.status = statusFailed
		outcome.summary = fmt.Sprintf("timed out after %s", e.opts.Timeout)
	case runErr != nil:
		outcome.status = statusFailed
		outcome.summary = runErr.Error()
	case res.Passed:
		outcome.status = statusPassed
		outcome.summary = fmt.Sprintf("passed in %s", res.Duration.Round(time.Millisecond))
	default:
		outcome.status = statusFailed
		outcome.summary = fmt.Sprintf("runner exited with code %d", res.ExitCode)
	}
	return outcome
}

// finish performs the single terminal transition: persist the report row,
// publish the completion event, and fan out follow-up messages. A second
// terminal attempt for the same execution is a no-op.
func (e *Executor) finish(ctx context.Context, execID string, out runOutcome) error {
	terminalStatus := out.status
	if terminalStatus == statusSkipped {
		terminalStatus = statusCanceled
	}

	if !e.markTerminal(execID, terminalStatus) {
		e.log.Warn("Execution already terminal, skipping transition", "executionId", execID)
		return nil
	}

	report := &store.ExecutionReport{
		ExecutionID: execID,
		Status:      terminalStatus,
		ExitCode:    out.exitCode,
		DurationMS:  out.duration.Milliseconds(),
		Summary:     out.summary,
		ReportPath:  filepath.ToSlash(out.reportPath),
	}
	if err := e.reports.Create(ctx, report); err != nil {
		// Roll back the terminal mark so the retried delivery can complete
		// the transition.
		e.unmarkTerminal(execID)
		return fmt.Errorf("failed to persist execution report: %w", err)
	}

	e.events.Publish(ctx, events.TypeExecutionComplete, TypeExecutor, events.ExecutionCompletedPayload{
		ExecutionID: execID,
		Status:      out.status,
		Summary:     out.summary,
		Progress:    out.progress,
	})

	if out.status == statusFailed {
		failure := bus.NewMessage(e.identity, TypeContext, bus.KindExecutionFailure, bus.ExecutionFailure{
			ExecutionID: execID,
			Summary:     out.summary,
		}).WithPriority(bus.PriorityHigh)
		if err := e.bus.Send(ctx, failure); err != nil {
			e.log.Error("Failed to send execution failure", "executionId", execID, "error", err)
		}
	}

	result := bus.NewMessage(e.identity, TypeOptimizer, bus.KindExecutionResult, bus.ExecutionResult{
		ExecutionID: execID,
		Status:      out.status,
		Summary:     out.summary,
	})
	if err := e.bus.Send(ctx, result); err != nil {
		e.log.Error("Failed to send execution result", "executionId", execID, "error", err)
	}

	genReport := bus.NewMessage(e.identity, TypeReporter, bus.KindGenerateReport, bus.GenerateReport{
		ExecutionID: execID,
	})
	if err := e.bus.Send(ctx, genReport); err != nil {
		e.log.Error("Failed to send report request", "executionId", execID, "error", err)
	}

	e.log.Info("Execution finished", "executionId", execID, "status", terminalStatus)
	return nil
}

func (e *Executor) setProgress(ctx context.Context, execID string, progress float64) {
	if e.state == nil {
		return
	}
	val := strconv.FormatFloat(progress, 'f', -1, 64)
	if err := e.state.Set(ctx, "exec:progress:"+execID, val, time.Hour); err != nil {
		e.log.Warn("Failed to store progress", "executionId", execID, "error", err)
	}
}

func (e *Executor) markCanceled(execID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	e.pruneLocked(now)
	e.canceled[execID] = now
}

func (e *Executor) isCanceled(execID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.canceled[execID]
	return ok
}

func (e *Executor) markTerminal(execID, status string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	e.pruneLocked(now)
	if _, ok := e.terminal[execID]; ok {
		return false
	}
	e.terminal[execID] = terminalMark{status: status, at: now}
	return true
}

func (e *Executor) unmarkTerminal(execID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.terminal, execID)
}

// pruneLocked drops marks older than the retention window so a long-lived
// executor does not accumulate them without bound. Caller holds e.mu.
func (e *Executor) pruneLocked(now time.Time) {
	for id, at := range e.canceled {
		if now.Sub(at) > markRetention {
			delete(e.canceled, id)
		}
	}
	for id, m := range e.terminal {
		if now.Sub(m.at) > markRetention {
			delete(e.terminal, id)
		}
	}
}
