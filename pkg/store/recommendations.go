package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Recommendation severities.
const (
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Recommendation types emitted by the Optimizer.
const (
	RecIncreaseRetries  = "increase-retries"
	RecInvestigateFlaky = "investigate-flaky"
)

// Recommendation is an operator-facing suggestion recorded by the Optimizer.
type Recommendation struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"executionId"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Detail      string    `json:"detail"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RecommendationStore persists optimizer recommendations.
type RecommendationStore struct {
	db *sql.DB
}

// Create inserts the recommendation and fills in its ID and CreatedAt.
func (s *RecommendationStore) Create(ctx context.Context, r *Recommendation) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO recommendations (execution_id, rec_type, severity, detail)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		r.ExecutionID, r.Type, r.Severity, r.Detail,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert recommendation: %w", err)
	}
	return nil
}

// ListRecent returns the latest recommendations.
func (s *RecommendationStore) ListRecent(ctx context.Context, limit int) ([]Recommendation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, rec_type, severity, detail, created_at
		 FROM recommendations ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recommendations: %w", err)
	}
	defer rows.Close()

	var out []Recommendation
	for rows.Next() {
		var r Recommendation
		if err := rows.Scan(&r.ID, &r.ExecutionID, &r.Type, &r.Severity, &r.Detail, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan recommendation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
