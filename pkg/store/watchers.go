package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Watcher is a repository/branch subscription driving webhook-triggered
// test generation.
type Watcher struct {
	ID        int64     `json:"id"`
	Repo      string    `json:"repo"`
	Branch    string    `json:"branch"`
	Paths     []string  `json:"paths"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// WatcherStore persists webhook watchers.
type WatcherStore struct {
	db *sql.DB
}

// Create inserts the watcher and fills in its ID and timestamps.
func (s *WatcherStore) Create(ctx context.Context, w *Watcher) error {
	pathsJSON, err := json.Marshal(w.Paths)
	if err != nil {
		return fmt.Errorf("failed to encode watcher paths: %w", err)
	}
	if w.Paths == nil {
		pathsJSON = []byte(`[]`)
	}
	if w.Branch == "" {
		w.Branch = "main"
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO watchers (repo, branch, paths, enabled)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		w.Repo, w.Branch, pathsJSON, w.Enabled,
	).Scan(&w.ID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert watcher: %w", err)
	}
	return nil
}

// Get returns one watcher by id.
func (s *WatcherStore) Get(ctx context.Context, id int64) (*Watcher, error) {
	w, err := scanWatcher(s.db.QueryRowContext(ctx,
		`SELECT id, repo, branch, paths, enabled, created_at, updated_at
		 FROM watchers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query watcher: %w", err)
	}
	return w, nil
}

// List returns all watchers.
func (s *WatcherStore) List(ctx context.Context) ([]Watcher, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, repo, branch, paths, enabled, created_at, updated_at
		 FROM watchers ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query watchers: %w", err)
	}
	defer rows.Close()

	var out []Watcher
	for rows.Next() {
		w, err := scanWatcher(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan watcher: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// SetEnabled toggles a watcher.
func (s *WatcherStore) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE watchers SET enabled = $2, updated_at = now() WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to update watcher: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a watcher.
func (s *WatcherStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM watchers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete watcher: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWatcher(row rowScanner) (*Watcher, error) {
	var (
		w      Watcher
		pathsB []byte
	)
	if err := row.Scan(&w.ID, &w.Repo, &w.Branch, &pathsB, &w.Enabled, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	if len(pathsB) > 0 {
		if err := json.Unmarshal(pathsB, &w.Paths); err != nil {
			return nil, fmt.Errorf("failed to decode watcher paths: %w", err)
		}
	}
	return &w, nil
}
