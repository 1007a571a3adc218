// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Enqueue appends a mutation entry for a record. Entries are drained in
// insertion order.
func (s *Store) Enqueue(ctx context.Context, recordLocalID string, op Operation, snapshot json.RawMessage) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var payload any
	if len(snapshot) > 0 {
		payload = string(snapshot)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO mutation_queue (record_local_id, operation, payload_snapshot)
		VALUES (?, ?, ?)
	`, recordLocalID, string(op), payload)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to enqueue %s for %s: %v", ErrStorageUnavailable, op, recordLocalID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue entry id: %w", err)
	}
	return id, nil
}

// NextEntries returns queued mutations in enqueue order. Entries that hit the
// retry ceiling are excluded unless includeExhausted is set (the manual
// force-sync path); they are never dropped from the queue.
func (s *Store) NextEntries(ctx context.Context, limit, maxRetries int, includeExhausted bool) ([]*MutationEntry, error) {
	query := `
		SELECT id, record_local_id, operation, payload_snapshot, enqueued_at, retry_count, last_error
		FROM mutation_queue`
	args := []any{}
	if !includeExhausted {
		query += ` WHERE retry_count < ?`
		args = append(args, maxRetries)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutation queue: %w", err)
	}
	defer rows.Close()

	var entries []*MutationEntry
	for rows.Next() {
		var e MutationEntry
		var op, enqueuedAt string
		var snapshot, lastError sql.NullString
		if err := rows.Scan(&e.ID, &e.RecordLocalID, &op, &snapshot, &enqueuedAt, &e.RetryCount, &lastError); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Operation = Operation(op)
		if snapshot.Valid {
			e.PayloadSnapshot = json.RawMessage(snapshot.String)
		}
		e.EnqueuedAt = parseTime(enqueuedAt)
		e.LastError = lastError.String
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return entries, nil
}

// Dequeue removes a processed (or legitimately skipped) entry.
func (s *Store) Dequeue(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM mutation_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: failed to dequeue entry %d: %v", ErrStorageUnavailable, id, err)
	}
	return nil
}

// RecordFailure increments the retry counter and stores the last error. The
// entry stays queued regardless of the count.
func (s *Store) RecordFailure(ctx context.Context, id int64, message string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE mutation_queue SET retry_count = retry_count + 1, last_error = ? WHERE id = ?
	`, message, id)
	if err != nil {
		return fmt.Errorf("%w: failed to record failure for entry %d: %v", ErrStorageUnavailable, id, err)
	}
	return nil
}

// PendingCount counts all queued mutations, exhausted ones included.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutation_queue`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	return count, nil
}

// HasPendingCreateBefore reports whether a create entry for the same record
// precedes the given entry in the queue. Updates behind such an entry are
// skipped - the eventual create call already carries the latest data.
func (s *Store) HasPendingCreateBefore(ctx context.Context, recordLocalID string, beforeID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM mutation_queue
			WHERE record_local_id = ? AND operation = 'create' AND id < ?)
	`, recordLocalID, beforeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending create: %w", err)
	}
	return exists, nil
}

// HasPendingCreate reports whether any create entry is queued for the record.
// Identity migration uses it to stay idempotent when re-run after a crash.
func (s *Store) HasPendingCreate(ctx context.Context, recordLocalID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM mutation_queue
			WHERE record_local_id = ? AND operation = 'create')
	`, recordLocalID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending create: %w", err)
	}
	return exists, nil
}
