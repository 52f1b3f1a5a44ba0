package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// LogRecord is a structured log row persisted by the Logger agent.
type LogRecord struct {
	ID             int64           `json:"id"`
	LoggedAt       time.Time       `json:"loggedAt"`
	Level          string          `json:"level"`
	Message        string          `json:"message"`
	Context        json.RawMessage `json:"context,omitempty"`
	SourceType     string          `json:"sourceType"`
	SourceInstance string          `json:"sourceInstance,omitempty"`
	SourceNode     string          `json:"sourceNode,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// LogQuery filters persisted log rows.
type LogQuery struct {
	Level string
	Query string
	Limit int
}

// LogStore persists structured log rows.
type LogStore struct {
	db *sql.DB
}

// Create inserts the record and fills in its ID and CreatedAt.
func (s *LogStore) Create(ctx context.Context, r *LogRecord) error {
	contextJSON := r.Context
	if len(contextJSON) == 0 {
		contextJSON = json.RawMessage(`{}`)
	}
	tagsJSON, err := json.Marshal(r.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode log tags: %w", err)
	}
	if r.Tags == nil {
		tagsJSON = []byte(`[]`)
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO log_entries (logged_at, level, message, context, source_type, source_instance, source_node, tags, correlation_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		r.LoggedAt, r.Level, r.Message, []byte(contextJSON),
		r.SourceType, r.SourceInstance, r.SourceNode, tagsJSON, r.CorrelationID,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}
	return nil
}

// Search returns rows matching the query, newest first. An empty level
// matches all levels; an empty query matches all messages. Limit is clamped
// to [1, 500].
func (s *LogStore) Search(ctx context.Context, q LogQuery) ([]LogRecord, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, logged_at, level, message, context, source_type, source_instance, source_node, tags, correlation_id, created_at
		 FROM log_entries
		 WHERE ($1 = '' OR level = $1)
		   AND ($2 = '' OR message ILIKE '%' || $2 || '%')
		 ORDER BY logged_at DESC LIMIT $3`,
		q.Level, q.Query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}
	defer rows.Close()

	var out []LogRecord
	for rows.Next() {
		var (
			r        LogRecord
			contextB []byte
			tagsB    []byte
		)
		if err := rows.Scan(&r.ID, &r.LoggedAt, &r.Level, &r.Message, &contextB,
			&r.SourceType, &r.SourceInstance, &r.SourceNode, &tagsB, &r.CorrelationID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		r.Context = json.RawMessage(contextB)
		if len(tagsB) > 0 {
			if err := json.Unmarshal(tagsB, &r.Tags); err != nil {
				return nil, fmt.Errorf("failed to decode log tags: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
