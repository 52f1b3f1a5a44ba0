package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TestArtifact is a generated test file persisted by the Writer agent.
type TestArtifact struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"executionId"`
	Title       string    `json:"title"`
	FilePath    string    `json:"filePath"`
	Content     string    `json:"content"`
	Provider    string    `json:"provider"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TestArtifactStore persists generated test artifacts.
type TestArtifactStore struct {
	db *sql.DB
}

// Create inserts the artifact and fills in its ID and CreatedAt.
func (s *TestArtifactStore) Create(ctx context.Context, a *TestArtifact) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO test_artifacts (execution_id, title, file_path, content, provider)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		a.ExecutionID, a.Title, a.FilePath, a.Content, a.Provider,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert test artifact: %w", err)
	}
	return nil
}

// ListByExecution returns artifacts for one execution, newest first.
func (s *TestArtifactStore) ListByExecution(ctx context.Context, executionID string) ([]TestArtifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, title, file_path, content, provider, created_at
		 FROM test_artifacts WHERE execution_id = $1 ORDER BY created_at DESC`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query test artifacts: %w", err)
	}
	defer rows.Close()

	var out []TestArtifact
	for rows.Next() {
		var a TestArtifact
		if err := rows.Scan(&a.ID, &a.ExecutionID, &a.Title, &a.FilePath, &a.Content, &a.Provider, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan test artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
