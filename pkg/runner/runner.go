// Package runner invokes the external test-runner child process. The core
// only interprets the exit code; stdout/stderr are captured for diagnostics
// but never parsed.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// Options describes one runner invocation.
type Options struct {
	TestsDir     string
	ReportFolder string
	Grep         string
	Env          map[string]string
}

// Result is the outcome of one runner invocation.
type Result struct {
	ExitCode int
	Passed   bool
	Output   string
	Duration time.Duration
}

// Runner spawns the test-runner command.
type Runner struct {
	command string
	args    []string
	log     *slog.Logger
}

// New builds a runner for the given command. Defaults to the playwright CLI
// when command is empty.
func New(command string, args []string, log *slog.Logger) *Runner {
	if command == "" {
		command = "npx"
		args = []string{"playwright", "test"}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{command: command, args: args, log: log.With("component", "runner")}
}

// Run executes the child process and waits for it. Cancellation of ctx
// terminates the child; the run then reports as failed with the context
// error wrapped. A nonzero exit code is a failed result, not an error.
func (r *Runner) Run(ctx context.Context, opts Options) (Result, error) {
	args := append([]string(nil), r.args...)
	args = append(args, opts.TestsDir)
	if opts.Grep != "" {
		args = append(args, "--grep", opts.Grep)
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Env = os.Environ()
	if opts.ReportFolder != "" {
		cmd.Env = append(cmd.Env, "PLAYWRIGHT_HTML_REPORT="+opts.ReportFolder)
	}
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	r.log.Info("starting test run",
		"command", r.command, "testsDir", opts.TestsDir, "reportFolder", opts.ReportFolder)

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Output:   output.String(),
		Duration: time.Since(start),
	}

	if err == nil {
		result.ExitCode = 0
		result.Passed = true
		return result, nil
	}

	// Distinguish cancellation/timeout from an ordinary failing exit.
	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("test run aborted: %w", ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}

	return result, fmt.Errorf("failed to run %s: %w", r.command, err)
}
