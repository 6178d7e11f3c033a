package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskpilotlabs/taskpilot/internal/quality"
)

// SaveQualitySnapshot appends a score snapshot. Snapshots are append-only
// history; trend analysis reads them back through QualitySnapshots.
func (s *SQLiteStore) SaveQualitySnapshot(ctx context.Context, snap quality.Snapshot) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO quality_snapshots (project_id, task_id, overall, created_at)
			VALUES (?, ?, ?, ?)
		`, snap.ProjectID, snap.TaskID, snap.Overall, snap.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert quality snapshot: %w", err)
		}
		return nil
	})
}

// QualitySnapshots returns the project's snapshots at or after since, oldest
// first.
func (s *SQLiteStore) QualitySnapshots(ctx context.Context, projectID string, since time.Time) ([]quality.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.reader(ctx).QueryContext(ctx, `
		SELECT project_id, task_id, overall, created_at
		FROM quality_snapshots
		WHERE project_id = ? AND created_at >= ?
		ORDER BY created_at, id
	`, projectID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query quality snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []quality.Snapshot
	for rows.Next() {
		var snap quality.Snapshot
		if err := rows.Scan(&snap.ProjectID, &snap.TaskID, &snap.Overall, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan quality snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating quality snapshots: %w", err)
	}
	return snaps, nil
}
