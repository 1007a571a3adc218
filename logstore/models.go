// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package logstore

import (
	"encoding/json"
	"time"
)

// SyncState describes where a record stands relative to the remote backend.
type SyncState string

const (
	SyncStatePending  SyncState = "pending"
	SyncStateSynced   SyncState = "synced"
	SyncStateConflict SyncState = "conflict"
	SyncStateError    SyncState = "error"
)

// Operation is the kind of change captured in the mutation queue.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Record is a single prayer-log entry as stored locally.
//
// LocalID is generated on the device and never reused. RemoteID stays empty
// until the backend acknowledges the record at least once; SyncStateSynced
// implies RemoteID is set. IsDeleted is a soft-delete marker - the row is only
// hard-deleted once the corresponding delete mutation has been acknowledged.
type Record struct {
	LocalID      string
	RemoteID     string // empty until first accepted by the backend
	OwnerID      string // logical user id valid at write time
	EntryDate    string // YYYY-MM-DD
	RangeStart   int
	RangeEnd     int
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time // authority for last-write-wins
	SyncState    SyncState
	LastSyncedAt time.Time // zero until first sync
	IsDeleted    bool
}

// MutationEntry is a durable intent to apply one change remotely.
//
// PayloadSnapshot is captured at enqueue time and is advisory only: the push
// path re-reads the current record state so that edits made after enqueueing
// are included in the same network call.
type MutationEntry struct {
	ID              int64
	RecordLocalID   string
	Operation       Operation
	PayloadSnapshot json.RawMessage
	EnqueuedAt      time.Time
	RetryCount      int
	LastError       string
}

// SyncCheckpoint tracks the pull watermark for one synced table.
type SyncCheckpoint struct {
	TableName      string
	LastPulledAt   time.Time // zero on first run
	VersionCounter int64
}

// DeriveStatus computes the display status for a verse range. The sync core
// treats it as opaque beyond equality comparisons.
func DeriveStatus(rangeStart, rangeEnd int) string {
	if rangeStart > 0 && rangeEnd >= rangeStart {
		return "completed"
	}
	return "pending"
}

// timeFormat matches SQLite's strftime('%Y-%m-%dT%H:%M:%fZ','now') output so
// Go-written and SQL-written timestamps collate identically.
const timeFormat = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// Tolerate plain RFC3339 from older rows or remote payloads.
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}
