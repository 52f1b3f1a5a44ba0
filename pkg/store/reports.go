package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TestReport points at a materialized summary produced by the Reporter.
type TestReport struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"executionId"`
	ReportType  string    `json:"reportType"`
	ReportPath  string    `json:"reportPath"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TestReportStore persists summary report pointers.
type TestReportStore struct {
	db *sql.DB
}

// Create inserts the report pointer and fills in its ID and CreatedAt.
func (s *TestReportStore) Create(ctx context.Context, r *TestReport) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO test_reports (execution_id, report_type, report_path)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		r.ExecutionID, r.ReportType, r.ReportPath,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert test report: %w", err)
	}
	return nil
}

// ListRecent returns the latest report pointers.
func (s *TestReportStore) ListRecent(ctx context.Context, limit int) ([]TestReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, report_type, report_path, created_at
		 FROM test_reports ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query test reports: %w", err)
	}
	defer rows.Close()

	var out []TestReport
	for rows.Next() {
		var r TestReport
		if err := rows.Scan(&r.ID, &r.ExecutionID, &r.ReportType, &r.ReportPath, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan test report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
