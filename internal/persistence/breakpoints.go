package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/taskpilotlabs/taskpilot/internal/breakpoint"
)

// SaveBreakpointEvent upserts a breakpoint event. The manager calls this both
// on trigger and on resolution, so the write replaces the full row.
func (s *SQLiteStore) SaveBreakpointEvent(ctx context.Context, ev *breakpoint.Event) error {
	var evCtx []byte
	if len(ev.Context) > 0 {
		var err error
		evCtx, err = json.Marshal(ev.Context)
		if err != nil {
			return fmt.Errorf("failed to encode breakpoint context: %w", err)
		}
	}

	var resolvedAt any
	if !ev.ResolvedAt.IsZero() {
		resolvedAt = ev.ResolvedAt.UTC()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO breakpoint_events (id, project_id, task_id, type, severity,
				context, status, resolution, triggered_at, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				resolution = excluded.resolution,
				resolved_at = excluded.resolved_at
		`, ev.ID, ev.ProjectID, ev.TaskID, string(ev.Type), string(ev.Severity),
			string(evCtx), string(ev.Status), ev.Resolution, ev.TriggeredAt.UTC(), resolvedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert breakpoint event: %w", err)
		}
		return nil
	})
}

// GetBreakpointEvent loads a single event by ID.
func (s *SQLiteStore) GetBreakpointEvent(ctx context.Context, id string) (*breakpoint.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := s.reader(ctx).QueryRowContext(ctx, `
		SELECT id, project_id, task_id, type, severity, context, status,
			resolution, triggered_at, resolved_at
		FROM breakpoint_events
		WHERE id = ?
	`, id)

	ev, err := scanBreakpointEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("breakpoint event %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query breakpoint event: %w", err)
	}
	return ev, nil
}

// BreakpointEvents returns the project's full event history, oldest first.
func (s *SQLiteStore) BreakpointEvents(ctx context.Context, projectID string) ([]*breakpoint.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.reader(ctx).QueryContext(ctx, `
		SELECT id, project_id, task_id, type, severity, context, status,
			resolution, triggered_at, resolved_at
		FROM breakpoint_events
		WHERE project_id = ?
		ORDER BY triggered_at, id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query breakpoint events: %w", err)
	}
	defer rows.Close()

	var events []*breakpoint.Event
	for rows.Next() {
		ev, err := scanBreakpointEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan breakpoint event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating breakpoint events: %w", err)
	}
	return events, nil
}

func scanBreakpointEvent(row rowScanner) (*breakpoint.Event, error) {
	ev := &breakpoint.Event{}
	var (
		typ        string
		severity   string
		evCtx      sql.NullString
		status     string
		resolvedAt sql.NullTime
	)
	err := row.Scan(&ev.ID, &ev.ProjectID, &ev.TaskID, &typ, &severity,
		&evCtx, &status, &ev.Resolution, &ev.TriggeredAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	ev.Type = breakpoint.Type(typ)
	ev.Severity = breakpoint.Severity(severity)
	ev.Status = breakpoint.ResolutionStatus(status)
	if resolvedAt.Valid {
		ev.ResolvedAt = resolvedAt.Time
	}
	if evCtx.Valid && evCtx.String != "" {
		if err := json.Unmarshal([]byte(evCtx.String), &ev.Context); err != nil {
			return nil, fmt.Errorf("failed to decode breakpoint context: %w", err)
		}
	}
	return ev, nil
}
