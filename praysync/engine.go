// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package praysync is the synchronization core for locally stored prayer-log
// records: a push/pull engine over the durable mutation queue, the service
// façade the UI layer talks to, and a scheduler that triggers sync passes on
// reconnect and on an interval.
package praysync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AsserAyman/qanet-sub000/backend"
	"github.com/AsserAyman/qanet-sub000/logstore"
)

// ErrOffline is returned by ForceSync when there is no connectivity.
var ErrOffline = errors.New("offline")

// MaxRetryAttempts is the automatic retry ceiling per mutation entry. Entries
// at the ceiling stay queued and are only retried by manual force-sync.
const MaxRetryAttempts = 3

// recordsTable prefixes the owner-scoped pull checkpoint keys.
const recordsTable = "records"

// initialPullWindow is how far back the first pull reaches when no checkpoint
// exists yet.
const initialPullWindow = 30 * 24 * time.Hour

// Backend is the remote API surface the engine drives.
type Backend interface {
	CreateRecord(ctx context.Context, ownerID string, fields backend.RecordFields) (string, time.Time, error)
	UpdateRecord(ctx context.Context, remoteID string, fields backend.RecordFields) (time.Time, error)
	DeleteRecord(ctx context.Context, remoteID string) error
	ListRecordsSince(ctx context.Context, ownerID string, since time.Time) ([]backend.RemoteRecord, error)
}

// OwnerResolver supplies the logical owner id. Resolve may register remotely
// and run the one-time record migration; it must not run concurrently with a
// drain, which the engine guarantees by calling it first in every pass.
type OwnerResolver interface {
	Resolve(ctx context.Context) (string, error)
	LocalOwnerID(ctx context.Context) (string, error)
}

// ConnectivitySource is the piece of the network monitor the engine needs.
type ConnectivitySource interface {
	IsOnline() bool
}

// Engine drains the mutation queue against the backend (push), then fetches
// and reconciles remote changes into the local store (pull).
type Engine struct {
	store    *logstore.Store
	backend  Backend
	resolver OwnerResolver
	network  ConnectivitySource
	logger   *slog.Logger

	// Reentrancy guard: a second trigger while a pass runs is a no-op, not
	// queued. The queue is durable, so coalescing loses nothing.
	syncing atomic.Bool

	mu           sync.Mutex
	lastSyncAt   time.Time
	authRequired bool

	// test hook
	now func() time.Time
}

func NewEngine(store *logstore.Store, api Backend, resolver OwnerResolver, network ConnectivitySource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		backend:  api,
		resolver: resolver,
		network:  network,
		logger:   logger,
		now:      time.Now,
	}
}

// Sync runs one push-then-pull pass. It returns nil immediately when another
// pass is in flight. Remote failures are absorbed per entry; only local-store
// and identity failures abort the pass.
func (e *Engine) Sync(ctx context.Context) error {
	return e.sync(ctx, false)
}

// ForceSync is the manual retry path: it fails fast when offline and includes
// mutation entries that exhausted their automatic retries.
func (e *Engine) ForceSync(ctx context.Context) error {
	if !e.network.IsOnline() {
		return ErrOffline
	}
	return e.sync(ctx, true)
}

func (e *Engine) sync(ctx context.Context, includeExhausted bool) error {
	if !e.syncing.CompareAndSwap(false, true) {
		return nil
	}
	defer e.syncing.Store(false)

	// Identity resolution gates the drain: any pending migration completes
	// here, before push or pull touch the queue.
	owner, err := e.resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve owner id: %w", err)
	}

	if err := e.push(ctx, includeExhausted); err != nil {
		return err
	}
	if err := e.pull(ctx, owner); err != nil {
		return err
	}

	e.mu.Lock()
	e.lastSyncAt = e.now()
	e.mu.Unlock()
	return nil
}

// Status is the introspection surface for the UI layer: sync health is
// visible here and never through blocking error dialogs.
type Status struct {
	PendingCount int
	LastSyncAt   time.Time
	IsOnline     bool
	AuthRequired bool
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	pending, err := e.store.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		PendingCount: pending,
		LastSyncAt:   e.lastSyncAt,
		IsOnline:     e.network.IsOnline(),
		AuthRequired: e.authRequired,
	}, nil
}

func (e *Engine) noteAuthFailure() {
	e.mu.Lock()
	e.authRequired = true
	e.mu.Unlock()
}

func (e *Engine) clearAuthFailure() {
	e.mu.Lock()
	e.authRequired = false
	e.mu.Unlock()
}
