// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package praysync

import (
	"context"
	"errors"
	"fmt"

	"github.com/AsserAyman/qanet-sub000/backend"
	"github.com/AsserAyman/qanet-sub000/logstore"
)

// push drains the mutation queue in enqueue order, strictly sequentially.
// Each entry is isolated: a remote failure records the retry and moves on,
// it never aborts the whole drain.
func (e *Engine) push(ctx context.Context, includeExhausted bool) error {
	entries, err := e.store.NextEntries(ctx, 0, MaxRetryAttempts, includeExhausted)
	if err != nil {
		return fmt.Errorf("failed to load mutation queue: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.pushEntry(ctx, entry); err != nil {
			if backend.IsUnauthorized(err) {
				e.noteAuthFailure()
			}
			e.logger.Warn("mutation push failed",
				"entry_id", entry.ID, "operation", entry.Operation,
				"record", entry.RecordLocalID, "retry_count", entry.RetryCount, "error", err)
			if ferr := e.store.RecordFailure(ctx, entry.ID, err.Error()); ferr != nil {
				return ferr
			}
			continue
		}
		e.clearAuthFailure()
	}
	return nil
}

// pushEntry applies one queued mutation remotely. A nil return means the
// entry was either acknowledged or was a legitimate no-op; either way it has
// been dequeued.
func (e *Engine) pushEntry(ctx context.Context, entry *logstore.MutationEntry) error {
	switch entry.Operation {
	case logstore.OpCreate:
		return e.pushCreate(ctx, entry)
	case logstore.OpUpdate:
		return e.pushUpdate(ctx, entry)
	case logstore.OpDelete:
		return e.pushDelete(ctx, entry)
	default:
		// Unknown operations cannot succeed on retry; drop them.
		e.logger.Error("dropping unknown mutation operation", "operation", entry.Operation)
		return e.store.Dequeue(ctx, entry.ID)
	}
}

func (e *Engine) pushCreate(ctx context.Context, entry *logstore.MutationEntry) error {
	// Re-read current state rather than the queued snapshot: edits made after
	// enqueueing ride along, collapsing create+update bursts into one call.
	rec, err := e.store.GetRecord(ctx, entry.RecordLocalID)
	if errors.Is(err, logstore.ErrNotFound) {
		return e.store.Dequeue(ctx, entry.ID)
	}
	if err != nil {
		return err
	}
	// Already synced (crash-and-retry) or slated for deletion: skip. The
	// remote-id guard is what keeps a local id from ever producing two remote
	// rows.
	if rec.IsDeleted || rec.RemoteID != "" {
		return e.store.Dequeue(ctx, entry.ID)
	}

	// The returned server timestamp is ignored: the local updated_at was just
	// pushed and stays authoritative.
	remoteID, _, err := e.backend.CreateRecord(ctx, rec.OwnerID, fieldsOf(rec))
	if err != nil {
		return err
	}

	if err := e.store.MarkSynced(ctx, rec.LocalID, remoteID, e.now()); err != nil {
		return err
	}
	return e.store.Dequeue(ctx, entry.ID)
}

func (e *Engine) pushUpdate(ctx context.Context, entry *logstore.MutationEntry) error {
	rec, err := e.store.GetRecord(ctx, entry.RecordLocalID)
	if errors.Is(err, logstore.ErrNotFound) {
		return e.store.Dequeue(ctx, entry.ID)
	}
	if err != nil {
		return err
	}
	if rec.RemoteID == "" {
		// Never created remotely. If a create precedes this entry it will
		// carry the latest data; if not, there is nothing to update.
		return e.store.Dequeue(ctx, entry.ID)
	}
	ahead, err := e.store.HasPendingCreateBefore(ctx, rec.LocalID, entry.ID)
	if err != nil {
		return err
	}
	if ahead {
		return e.store.Dequeue(ctx, entry.ID)
	}

	if _, err := e.backend.UpdateRecord(ctx, rec.RemoteID, fieldsOf(rec)); err != nil {
		return err
	}
	// A record queued for deletion stays pending; its delete entry follows.
	if !rec.IsDeleted {
		if err := e.store.MarkSynced(ctx, rec.LocalID, "", e.now()); err != nil {
			return err
		}
	}
	return e.store.Dequeue(ctx, entry.ID)
}

func (e *Engine) pushDelete(ctx context.Context, entry *logstore.MutationEntry) error {
	rec, err := e.store.GetRecord(ctx, entry.RecordLocalID)
	if errors.Is(err, logstore.ErrNotFound) {
		return e.store.Dequeue(ctx, entry.ID)
	}
	if err != nil {
		return err
	}

	if rec.RemoteID != "" {
		if err := e.backend.DeleteRecord(ctx, rec.RemoteID); err != nil {
			return err
		}
	}
	// Acknowledged remotely (or never existed server-side): the soft-deleted
	// row can finally go.
	if err := e.store.HardDeleteRecord(ctx, rec.LocalID); err != nil {
		return err
	}
	return e.store.Dequeue(ctx, entry.ID)
}

func fieldsOf(rec *logstore.Record) backend.RecordFields {
	return backend.RecordFields{
		EntryDate:  rec.EntryDate,
		RangeStart: rec.RangeStart,
		RangeEnd:   rec.RangeEnd,
		Status:     rec.Status,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
}
