// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package praysync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/AsserAyman/qanet-sub000/logstore"
	"github.com/google/uuid"
)

// Identity is the slice of the identity resolver the service needs for
// synchronous writes and the data-wipe flow.
type Identity interface {
	LocalOwnerID(ctx context.Context) (string, error)
	DeviceID(ctx context.Context) (string, error)
	Wipe() error
}

// Anonymizer triggers the irreversible server-side wipe.
type Anonymizer interface {
	AnonymizeUserData(ctx context.Context, deviceID string) error
}

// EntryInput is the payload for creating a log entry.
type EntryInput struct {
	EntryDate  string
	RangeStart int
	RangeEnd   int
}

// EntryPatch is a partial update; nil fields are left untouched.
type EntryPatch struct {
	EntryDate  *string
	RangeStart *int
	RangeEnd   *int
}

// Service is the façade the UI layer talks to. Every mutating call writes the
// local store synchronously, enqueues exactly one mutation, and - when online -
// kicks the engine in the background. Nothing here ever blocks on network I/O.
type Service struct {
	store      *logstore.Store
	engine     *Engine
	identity   Identity
	network    ConnectivitySource
	anonymizer Anonymizer
	logger     *slog.Logger

	now func() time.Time
}

func NewService(store *logstore.Store, engine *Engine, id Identity, network ConnectivitySource, anonymizer Anonymizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		engine:     engine,
		identity:   id,
		network:    network,
		anonymizer: anonymizer,
		logger:     logger,
		now:        time.Now,
	}
}

// Create persists a new entry locally and queues its creation remotely.
func (s *Service) Create(ctx context.Context, in EntryInput) (*logstore.Record, error) {
	owner, err := s.identity.LocalOwnerID(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	rec := &logstore.Record{
		LocalID:    uuid.New().String(),
		OwnerID:    owner,
		EntryDate:  in.EntryDate,
		RangeStart: in.RangeStart,
		RangeEnd:   in.RangeEnd,
		Status:     logstore.DeriveStatus(in.RangeStart, in.RangeEnd),
		CreatedAt:  now,
		UpdatedAt:  now,
		SyncState:  logstore.SyncStatePending,
	}
	if err := s.store.InsertRecord(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, rec, logstore.OpCreate); err != nil {
		return nil, err
	}
	s.triggerSync()
	return rec, nil
}

// List returns non-deleted entries, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]*logstore.Record, error) {
	return s.store.ListRecords(ctx, limit)
}

// Update applies a partial edit and queues the change remotely.
func (s *Service) Update(ctx context.Context, localID string, patch EntryPatch) (*logstore.Record, error) {
	rec, err := s.store.GetRecord(ctx, localID)
	if err != nil {
		return nil, err
	}
	if rec.IsDeleted {
		return nil, logstore.ErrNotFound
	}

	if patch.EntryDate != nil {
		rec.EntryDate = *patch.EntryDate
	}
	if patch.RangeStart != nil {
		rec.RangeStart = *patch.RangeStart
	}
	if patch.RangeEnd != nil {
		rec.RangeEnd = *patch.RangeEnd
	}
	rec.Status = logstore.DeriveStatus(rec.RangeStart, rec.RangeEnd)
	rec.UpdatedAt = s.now()
	rec.SyncState = logstore.SyncStatePending

	err = s.store.UpdateRecordFields(ctx, localID, map[string]any{
		"entry_date":  rec.EntryDate,
		"range_start": rec.RangeStart,
		"range_end":   rec.RangeEnd,
		"status":      rec.Status,
		"updated_at":  rec.UpdatedAt,
		"sync_state":  rec.SyncState,
	})
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, rec, logstore.OpUpdate); err != nil {
		return nil, err
	}
	s.triggerSync()
	return rec, nil
}

// Delete soft-deletes an entry and queues the remote deletion. The row is
// hard-deleted only once the backend confirms.
func (s *Service) Delete(ctx context.Context, localID string) error {
	rec, err := s.store.GetRecord(ctx, localID)
	if err != nil {
		return err
	}
	if err := s.store.SoftDeleteRecord(ctx, localID, s.now()); err != nil {
		return err
	}
	if err := s.enqueue(ctx, rec, logstore.OpDelete); err != nil {
		return err
	}
	s.triggerSync()
	return nil
}

// Status exposes sync health to the UI layer.
func (s *Service) Status(ctx context.Context) (Status, error) {
	return s.engine.Status(ctx)
}

// ForceSyncNow runs a synchronous pass including entries past the automatic
// retry ceiling. Fails fast with ErrOffline when there is no connectivity.
func (s *Service) ForceSyncNow(ctx context.Context) error {
	return s.engine.ForceSync(ctx)
}

// WipeAllData irreversibly erases the user's data: the server-side records
// tied to this device, then every local row, then the stored identity.
func (s *Service) WipeAllData(ctx context.Context) error {
	if !s.network.IsOnline() {
		return ErrOffline
	}
	deviceID, err := s.identity.DeviceID(ctx)
	if err != nil {
		return err
	}
	if err := s.anonymizer.AnonymizeUserData(ctx, deviceID); err != nil {
		return fmt.Errorf("failed to anonymize remote data: %w", err)
	}
	if err := s.store.PurgeAll(ctx); err != nil {
		return err
	}
	return s.identity.Wipe()
}

// enqueue captures an advisory snapshot of the record's fields alongside the
// durable intent. The push path re-reads current state; the snapshot exists
// for diagnostics.
func (s *Service) enqueue(ctx context.Context, rec *logstore.Record, op logstore.Operation) error {
	snapshot, err := json.Marshal(map[string]any{
		"entry_date":  rec.EntryDate,
		"range_start": rec.RangeStart,
		"range_end":   rec.RangeEnd,
		"status":      rec.Status,
		"updated_at":  rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to snapshot record %s: %w", rec.LocalID, err)
	}
	_, err = s.store.Enqueue(ctx, rec.LocalID, op, snapshot)
	return err
}

// triggerSync kicks one background pass when online. Fire-and-forget: the
// caller never waits, and overlapping triggers coalesce on the engine's
// in-progress flag.
func (s *Service) triggerSync() {
	if s.network == nil || !s.network.IsOnline() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.engine.Sync(ctx); err != nil {
			s.logger.Warn("background sync failed", "error", err)
		}
	}()
}
