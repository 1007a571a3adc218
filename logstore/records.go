// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package logstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// recordColumns is the whitelist for dynamic UPDATE statements on records.
// Field names arriving through UpdateRecordFields are checked against this
// set and never interpolated otherwise.
var recordColumns = map[string]struct{}{
	"remote_id":      {},
	"owner_id":       {},
	"entry_date":     {},
	"range_start":    {},
	"range_end":      {},
	"status":         {},
	"updated_at":     {},
	"sync_state":     {},
	"last_synced_at": {},
	"is_deleted":     {},
}

const recordSelect = `
	SELECT local_id, remote_id, owner_id, entry_date, range_start, range_end,
	       status, created_at, updated_at, sync_state, last_synced_at, is_deleted
	FROM records`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var r Record
	var remoteID, lastSyncedAt sql.NullString
	var createdAt, updatedAt, syncState string
	var isDeleted int
	err := row.Scan(&r.LocalID, &remoteID, &r.OwnerID, &r.EntryDate,
		&r.RangeStart, &r.RangeEnd, &r.Status, &createdAt, &updatedAt,
		&syncState, &lastSyncedAt, &isDeleted)
	if err != nil {
		return nil, err
	}
	r.RemoteID = remoteID.String
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	r.SyncState = SyncState(syncState)
	r.LastSyncedAt = parseTime(lastSyncedAt.String)
	r.IsDeleted = isDeleted != 0
	return &r, nil
}

// InsertRecord inserts a new record row.
func (s *Store) InsertRecord(ctx context.Context, r *Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var remoteID, lastSyncedAt any
	if r.RemoteID != "" {
		remoteID = r.RemoteID
	}
	if !r.LastSyncedAt.IsZero() {
		lastSyncedAt = formatTime(r.LastSyncedAt)
	}
	isDeleted := 0
	if r.IsDeleted {
		isDeleted = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (local_id, remote_id, owner_id, entry_date, range_start,
			range_end, status, created_at, updated_at, sync_state, last_synced_at, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.LocalID, remoteID, r.OwnerID, r.EntryDate, r.RangeStart, r.RangeEnd,
		r.Status, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
		string(r.SyncState), lastSyncedAt, isDeleted)
	if err != nil {
		return fmt.Errorf("%w: failed to insert record %s: %v", ErrStorageUnavailable, r.LocalID, err)
	}
	return nil
}

// GetRecord returns the record with the given local id, deleted or not.
func (s *Store) GetRecord(ctx context.Context, localID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, recordSelect+` WHERE local_id = ?`, localID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", localID, err)
	}
	return r, nil
}

// GetRecordByRemoteID returns the record linked to a remote id.
func (s *Store) GetRecordByRemoteID(ctx context.Context, remoteID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, recordSelect+` WHERE remote_id = ?`, remoteID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record by remote id %s: %w", remoteID, err)
	}
	return r, nil
}

// ListRecords returns non-deleted records, newest first. limit <= 0 means all.
func (s *Store) ListRecords(ctx context.Context, limit int) ([]*Record, error) {
	query := recordSelect + ` WHERE is_deleted = 0 ORDER BY entry_date DESC, created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryRecords(ctx, query, args...)
}

// ListRecordsByOwner returns every record (including soft-deleted) currently
// tagged with ownerID. Used by identity migration.
func (s *Store) ListRecordsByOwner(ctx context.Context, ownerID string) ([]*Record, error) {
	return s.queryRecords(ctx, recordSelect+` WHERE owner_id = ? ORDER BY created_at`, ownerID)
}

// FindUnsyncedByContent looks for a record created offline (no remote id, not
// yet synced, not deleted) whose content matches exactly. This is the
// best-effort "our own echoed record" heuristic used on pull: two offline
// records with identical date and range may mis-link.
func (s *Store) FindUnsyncedByContent(ctx context.Context, entryDate string, rangeStart, rangeEnd int) (*Record, error) {
	row := s.db.QueryRowContext(ctx, recordSelect+`
		WHERE remote_id IS NULL AND sync_state != 'synced' AND is_deleted = 0
		  AND entry_date = ? AND range_start = ? AND range_end = ?
		ORDER BY created_at LIMIT 1`, entryDate, rangeStart, rangeEnd)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to match record by content: %w", err)
	}
	return r, nil
}

// UpdateRecordFields applies a partial update to one record. Every key in
// fields must be in the column whitelist; time.Time values are serialized,
// bool values stored as 0/1.
func (s *Store) UpdateRecordFields(ctx context.Context, localID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	setClauses, args, err := buildSetClauses(fields)
	if err != nil {
		return err
	}
	args = append(args, localID)

	query := fmt.Sprintf("UPDATE records SET %s WHERE local_id = ?", strings.Join(setClauses, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: failed to update record %s: %v", ErrStorageUnavailable, localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyIfNewer applies fields only when the row's updated_at is strictly
// older than remoteUpdatedAt. The comparison and the write are a single
// statement, so a concurrent local edit that advanced updated_at after the
// caller read the row is never overwritten with stale values. The timestamp
// format is fixed-width, so the textual comparison orders chronologically.
// Returns whether the row changed.
func (s *Store) ApplyIfNewer(ctx context.Context, localID string, remoteUpdatedAt time.Time, fields map[string]any) (bool, error) {
	if len(fields) == 0 {
		return false, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	setClauses, args, err := buildSetClauses(fields)
	if err != nil {
		return false, err
	}
	args = append(args, localID, formatTime(remoteUpdatedAt))

	query := fmt.Sprintf("UPDATE records SET %s WHERE local_id = ? AND updated_at < ?",
		strings.Join(setClauses, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%w: failed to apply record %s: %v", ErrStorageUnavailable, localID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func buildSetClauses(fields map[string]any) ([]string, []any, error) {
	setClauses := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+2)
	for col, val := range fields {
		if _, ok := recordColumns[col]; !ok {
			return nil, nil, fmt.Errorf("column %q is not updatable", col)
		}
		switch v := val.(type) {
		case time.Time:
			val = formatTime(v)
		case bool:
			if v {
				val = 1
			} else {
				val = 0
			}
		case SyncState:
			val = string(v)
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", col))
		args = append(args, val)
	}
	return setClauses, args, nil
}

// SoftDeleteRecord marks a record deleted and re-marks it pending. The row
// survives until the delete mutation is acknowledged remotely.
func (s *Store) SoftDeleteRecord(ctx context.Context, localID string, now time.Time) error {
	return s.UpdateRecordFields(ctx, localID, map[string]any{
		"is_deleted": true,
		"sync_state": SyncStatePending,
		"updated_at": now,
	})
}

// HardDeleteRecord removes the row entirely. Only called once a deletion has
// been confirmed remotely, or when the record never existed server-side.
func (s *Store) HardDeleteRecord(ctx context.Context, localID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE local_id = ?`, localID)
	if err != nil {
		return fmt.Errorf("%w: failed to delete record %s: %v", ErrStorageUnavailable, localID, err)
	}
	return nil
}

// MarkSynced links a record to its remote id and stamps the sync result.
func (s *Store) MarkSynced(ctx context.Context, localID, remoteID string, syncedAt time.Time) error {
	fields := map[string]any{
		"sync_state":     SyncStateSynced,
		"last_synced_at": syncedAt,
	}
	if remoteID != "" {
		fields["remote_id"] = remoteID
	}
	return s.UpdateRecordFields(ctx, localID, fields)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}
