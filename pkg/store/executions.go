package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ExecutionReport records the terminal outcome of one test execution.
type ExecutionReport struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"executionId"`
	Status      string    `json:"status"`
	ExitCode    int       `json:"exitCode"`
	DurationMS  int64     `json:"durationMs"`
	Summary     string    `json:"summary"`
	ReportPath  string    `json:"reportPath"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ExecutionReportStore persists execution outcomes.
type ExecutionReportStore struct {
	db *sql.DB
}

// Create inserts the report and fills in its ID and CreatedAt.
func (s *ExecutionReportStore) Create(ctx context.Context, r *ExecutionReport) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO execution_reports (execution_id, status, exit_code, duration_ms, summary, report_path)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		r.ExecutionID, r.Status, r.ExitCode, r.DurationMS, r.Summary, r.ReportPath,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution report: %w", err)
	}
	return nil
}

// ListByExecution returns all reports for one execution, oldest first.
func (s *ExecutionReportStore) ListByExecution(ctx context.Context, executionID string) ([]ExecutionReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, status, exit_code, duration_ms, summary, report_path, created_at
		 FROM execution_reports WHERE execution_id = $1 ORDER BY created_at ASC`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution reports: %w", err)
	}
	defer rows.Close()

	var out []ExecutionReport
	for rows.Next() {
		var r ExecutionReport
		if err := rows.Scan(&r.ID, &r.ExecutionID, &r.Status, &r.ExitCode, &r.DurationMS, &r.Summary, &r.ReportPath, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRecent returns the latest reports across all executions.
func (s *ExecutionReportStore) ListRecent(ctx context.Context, limit int) ([]ExecutionReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, status, exit_code, duration_ms, summary, report_path, created_at
		 FROM execution_reports ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent execution reports: %w", err)
	}
	defer rows.Close()

	var out []ExecutionReport
	for rows.Next() {
		var r ExecutionReport
		if err := rows.Scan(&r.ID, &r.ExecutionID, &r.Status, &r.ExitCode, &r.DurationMS, &r.Summary, &r.ReportPath, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
