package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/qa-toolchain/testflow/pkg/agent"
	"github.com/qa-toolchain/testflow/pkg/bus"
	"github.com/qa-toolchain/testflow/pkg/events"
	"github.com/qa-toolchain/testflow/pkg/store"
)

// Reporter materializes a JSON summary per execution from the persisted
// execution-report rows. The summary filename is derived from the execution
// id, so a redelivered request overwrites rather than duplicates.
type Reporter struct {
	identity    bus.AgentIdentity
	executions  ExecutionReader
	testReports ReportRecorder
	events      agent.EventPublisher
	reportDir   string
	workRoot    string
	log         *slog.Logger
}

// NewReporter builds the Reporter agent. workRoot anchors the relative path
// persisted with each summary; empty means the current directory.
func NewReporter(executions ExecutionReader, testReports ReportRecorder, ev agent.EventPublisher, reportDir, workRoot string, log *slog.Logger) *Reporter {
	if workRoot == "" {
		workRoot = "."
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{
		identity:    bus.AgentIdentity{Type: TypeReporter},
		executions:  executions,
		testReports: testReports,
		events:      ev,
		reportDir:   reportDir,
		workRoot:    workRoot,
		log:         log.With("agent", TypeReporter),
	}
}

func (r *Reporter) Type() string { return TypeReporter }

func (r *Reporter) OnInitialize(ctx context.Context) error {
	if err := os.MkdirAll(r.reportDir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	return nil
}

func (r *Reporter) OnShutdown(ctx context.Context) error { return nil }

// executionSummary is the shape of the materialized summary file.
type executionSummary struct {
	ExecutionID string                  `json:"executionId"`
	Reports     []store.ExecutionReport `json:"reports"`
	GeneratedAt time.Time               `json:"generatedAt"`
}

func (r *Reporter) OnMessage(ctx context.Context, msg *bus.Message) error {
	if msg.Kind != bus.KindGenerateReport {
		r.log.Warn("Ignoring unexpected message kind", "kind", msg.Kind)
		return nil
	}

	req, err := bus.DecodePayload[bus.GenerateReport](msg)
	if err != nil {
		return err
	}
	if req.ExecutionID == "" {
		r.log.Warn("Report request without execution id")
		return nil
	}

	rows, err := r.executions.ListByExecution(ctx, req.ExecutionID)
	if err != nil {
		return fmt.Errorf("failed to gather execution reports: %w", err)
	}

	summary := executionSummary{
		ExecutionID: req.ExecutionID,
		Reports:     rows,
		GeneratedAt: time.Now().UTC(),
	}
	if summary.Reports == nil {
		summary.Reports = []store.ExecutionReport{}
	}

	raw, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	summaryPath := filepath.Join(r.reportDir, req.ExecutionID+".summary.json")
	if err := os.WriteFile(summaryPath, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	relPath, err := filepath.Rel(r.workRoot, summaryPath)
	if err != nil {
		relPath = summaryPath
	}
	relPath = filepath.ToSlash(relPath)

	if err := r.testReports.Create(ctx, &store.TestReport{
		ExecutionID: req.ExecutionID,
		ReportType:  "json",
		ReportPath:  relPath,
	}); err != nil {
		return fmt.Errorf("failed to persist test report: %w", err)
	}

	r.events.Publish(ctx, events.TypeReportGenerated, TypeReporter, events.ReportGeneratedPayload{
		ExecutionID: req.ExecutionID,
		Path:        relPath,
		Reports:     len(rows),
	})

	r.log.Info("Report generated", "executionId", req.ExecutionID, "path", relPath)
	return nil
}
