// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package praysync

import (
	"context"
	"errors"
	"fmt"

	"github.com/AsserAyman/qanet-sub000/backend"
	"github.com/AsserAyman/qanet-sub000/logstore"
	"github.com/google/uuid"
)

// pull fetches remote records updated since the checkpoint and reconciles
// them into the local store. Last-write-wins on updated_at; the remote side
// wins only when strictly newer.
// checkpointKey scopes the pull watermark to the owner id, so an identity
// transition (device id to remote user id) starts from a fresh window and
// account records that predate the transition are still fetched.
func checkpointKey(owner string) string {
	return recordsTable + ":" + owner
}

func (e *Engine) pull(ctx context.Context, owner string) error {
	cp, err := e.store.Checkpoint(ctx, checkpointKey(owner))
	if err != nil {
		return err
	}
	since := cp.LastPulledAt
	if since.IsZero() {
		since = e.now().Add(-initialPullWindow)
	}

	// Capture "now" before the fetch so a slow round-trip cannot hide rows
	// updated while it ran.
	pullStarted := e.now()

	remotes, err := e.backend.ListRecordsSince(ctx, owner, since)
	if err != nil {
		if backend.IsUnauthorized(err) {
			e.noteAuthFailure()
		}
		return fmt.Errorf("failed to list remote records: %w", err)
	}

	applied := 0
	for i := range remotes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.applyRemoteRecord(ctx, owner, &remotes[i]); err != nil {
			return fmt.Errorf("failed to apply remote record %s: %w", remotes[i].RemoteID, err)
		}
		applied++
	}

	// Advance to wall-clock now, not the max remote timestamp: the small
	// overlap re-scanned next time tolerates clock skew, and reconciliation
	// is idempotent.
	if err := e.store.AdvanceCheckpoint(ctx, checkpointKey(owner), pullStarted); err != nil {
		return err
	}
	if applied > 0 {
		e.logger.Debug("pull applied remote records", "count", applied, "owner", owner)
	}
	return nil
}

func (e *Engine) applyRemoteRecord(ctx context.Context, owner string, rr *backend.RemoteRecord) error {
	// 1) Known remote id: last-write-wins on updated_at. The comparison lives
	// inside the conditional apply, so a local edit landing between this
	// lookup and the write keeps its newer row.
	local, err := e.store.GetRecordByRemoteID(ctx, rr.RemoteID)
	if err != nil && !errors.Is(err, logstore.ErrNotFound) {
		return err
	}
	if err == nil {
		_, err := e.store.ApplyIfNewer(ctx, local.LocalID, rr.UpdatedAt, map[string]any{
			"entry_date":     rr.EntryDate,
			"range_start":    rr.RangeStart,
			"range_end":      rr.RangeEnd,
			"status":         rr.Status,
			"updated_at":     rr.UpdatedAt,
			"sync_state":     logstore.SyncStateSynced,
			"last_synced_at": e.now(),
		})
		return err
	}

	// 2) Offline-created record echoed back by our own push: link it instead
	// of inserting a duplicate. Content equality is a best-effort heuristic.
	match, err := e.store.FindUnsyncedByContent(ctx, rr.EntryDate, rr.RangeStart, rr.RangeEnd)
	if err != nil && !errors.Is(err, logstore.ErrNotFound) {
		return err
	}
	if err == nil {
		return e.store.UpdateRecordFields(ctx, match.LocalID, map[string]any{
			"remote_id":      rr.RemoteID,
			"owner_id":       owner,
			"updated_at":     rr.UpdatedAt,
			"sync_state":     logstore.SyncStateSynced,
			"last_synced_at": e.now(),
		})
	}

	// 3) Genuinely new to this device.
	rec := &logstore.Record{
		LocalID:      uuid.New().String(),
		RemoteID:     rr.RemoteID,
		OwnerID:      owner,
		EntryDate:    rr.EntryDate,
		RangeStart:   rr.RangeStart,
		RangeEnd:     rr.RangeEnd,
		Status:       rr.Status,
		CreatedAt:    rr.CreatedAt,
		UpdatedAt:    rr.UpdatedAt,
		SyncState:    logstore.SyncStateSynced,
		LastSyncedAt: e.now(),
	}
	return e.store.InsertRecord(ctx, rec)
}
