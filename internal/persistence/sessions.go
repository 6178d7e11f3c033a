package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskpilotlabs/taskpilot/internal/session"
)

// CreateSession inserts a new session row. Rows are append-only; closing a
// session only fills in ended_at and the usage columns.
func (s *SQLiteStore) CreateSession(ctx context.Context, rec *session.Record) error {
	var metadata []byte
	if len(rec.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode session metadata: %w", err)
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, task_id, project_id, iteration, started_at,
				tokens, turns, cost, metadata)
			VALUES (?, ?, ?, ?, ?, 0, 0, 0, ?)
		`, rec.ID, rec.TaskID, rec.ProjectID, rec.Iteration, rec.StartedAt.UTC(), string(metadata))
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// CloseSession stamps the end time and usage on an open session. Returns
// session.ErrSessionClosed (wrapped) when the row is missing or already
// closed, so the manager can surface the invariant violation.
func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string, endedAt time.Time, usage session.Usage) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET ended_at = ?, tokens = ?, turns = ?, cost = ?
			WHERE id = ? AND ended_at IS NULL
		`, endedAt.UTC(), usage.Tokens, usage.Turns, usage.Cost, sessionID)
		if err != nil {
			return fmt.Errorf("failed to close session: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("session %q: %w", sessionID, session.ErrSessionClosed)
		}
		return nil
	})
}

// SessionsForTask returns the task's session rows in iteration order.
func (s *SQLiteStore) SessionsForTask(ctx context.Context, taskID string) ([]*session.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.reader(ctx).QueryContext(ctx, `
		SELECT id, task_id, project_id, iteration, started_at, ended_at,
			tokens, turns, cost, metadata
		FROM sessions
		WHERE task_id = ?
		ORDER BY iteration, started_at
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var records []*session.Record
	for rows.Next() {
		rec := &session.Record{}
		var (
			endedAt  sql.NullTime
			metadata sql.NullString
		)
		err := rows.Scan(&rec.ID, &rec.TaskID, &rec.ProjectID, &rec.Iteration,
			&rec.StartedAt, &endedAt, &rec.Usage.Tokens, &rec.Usage.Turns,
			&rec.Usage.Cost, &metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if endedAt.Valid {
			rec.EndedAt = endedAt.Time
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode session metadata: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return records, nil
}
