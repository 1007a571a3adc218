// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package logstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Checkpoint returns the pull checkpoint for a table, creating a zero-valued
// row on first use.
func (s *Store) Checkpoint(ctx context.Context, tableName string) (*SyncCheckpoint, error) {
	cp := &SyncCheckpoint{TableName: tableName}
	var lastPulledAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT last_pulled_at, version_counter FROM sync_metadata WHERE table_name = ?
	`, tableName).Scan(&lastPulledAt, &cp.VersionCounter)
	if errors.Is(err, sql.ErrNoRows) {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		_, err = s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO sync_metadata (table_name, last_pulled_at, version_counter)
			VALUES (?, NULL, 0)
		`, tableName)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create checkpoint for %s: %v", ErrStorageUnavailable, tableName, err)
		}
		return cp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint for %s: %w", tableName, err)
	}
	cp.LastPulledAt = parseTime(lastPulledAt.String)
	return cp, nil
}

// AdvanceCheckpoint moves the watermark forward and bumps the version counter.
// The watermark never moves backwards.
func (s *Store) AdvanceCheckpoint(ctx context.Context, tableName string, pulledAt time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (table_name, last_pulled_at, version_counter)
		VALUES (?, ?, 1)
		ON CONFLICT(table_name) DO UPDATE SET
			last_pulled_at = CASE
				WHEN last_pulled_at IS NULL OR last_pulled_at < excluded.last_pulled_at
				THEN excluded.last_pulled_at
				ELSE last_pulled_at
			END,
			version_counter = version_counter + 1
	`, tableName, formatTime(pulledAt))
	if err != nil {
		return fmt.Errorf("%w: failed to advance checkpoint for %s: %v", ErrStorageUnavailable, tableName, err)
	}
	return nil
}
