// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AsserAyman/qanet-sub000/logstore"
)

// ErrIdentityUnavailable means no device id could be created. Fatal for sync,
// non-fatal for pure-local use.
var ErrIdentityUnavailable = errors.New("identity unavailable")

// Registrar is the piece of the remote backend the resolver needs:
// an idempotent upsert keyed by device id.
type Registrar interface {
	RegisterOrGetUser(ctx context.Context, deviceID, sessionUserID string) (string, error)
}

// MigrationStore is the slice of the local store used to migrate records when
// the logical owner id changes.
type MigrationStore interface {
	ListRecordsByOwner(ctx context.Context, ownerID string) ([]*logstore.Record, error)
	UpdateRecordFields(ctx context.Context, localID string, fields map[string]any) error
	Enqueue(ctx context.Context, recordLocalID string, op logstore.Operation, snapshot json.RawMessage) (int64, error)
	HasPendingCreate(ctx context.Context, recordLocalID string) (bool, error)
}

// Resolver produces the single logical owner id for records.
//
// Resolution order: cached remote user id, then registration against the
// backend (online only), then the device id itself as the offline fallback.
// The first successful registration migrates every device-owned record to the
// remote id. Resolve holds a lock for the whole resolution including
// migration, so sync draining never overlaps a migration for the same owner.
type Resolver struct {
	device  *DeviceIdentity
	secrets SecureStore
	local   MigrationStore
	backend Registrar
	online  func() bool
	logger  *slog.Logger

	mu            sync.Mutex
	sessionUserID string
}

func NewResolver(device *DeviceIdentity, secrets SecureStore, local MigrationStore, backend Registrar, online func() bool, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		device:  device,
		secrets: secrets,
		local:   local,
		backend: backend,
		online:  online,
		logger:  logger,
	}
}

// LocalOwnerID returns the owner id for synchronous write paths without ever
// touching the network: the cached remote id if one exists, the device id
// otherwise.
func (r *Resolver) LocalOwnerID(ctx context.Context) (string, error) {
	deviceID, err := r.device.GetOrCreateDeviceID(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	if cached, err := r.secrets.Get(keyRemoteUserID); err == nil && cached != "" {
		return cached, nil
	}
	return deviceID, nil
}

// DeviceID exposes the raw device id (data-wipe flow needs it).
func (r *Resolver) DeviceID(ctx context.Context) (string, error) {
	deviceID, err := r.device.GetOrCreateDeviceID(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	return deviceID, nil
}

// Resolve returns the current logical owner id, registering a remote user and
// migrating device-owned records when that becomes possible. Registration
// failures are non-fatal: the resolver falls back to the cache or device id
// and the system keeps working fully offline.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deviceID, err := r.device.GetOrCreateDeviceID(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}

	if cached, err := r.secrets.Get(keyRemoteUserID); err == nil && cached != "" {
		// Interrupted migrations resume here: re-running is idempotent.
		if err := r.migrate(ctx, deviceID, cached); err != nil {
			return "", fmt.Errorf("failed to resume identity migration: %w", err)
		}
		return cached, nil
	}

	if r.online == nil || !r.online() {
		return deviceID, nil
	}

	userID, err := r.backend.RegisterOrGetUser(ctx, deviceID, r.sessionUserID)
	if err != nil {
		r.logger.Warn("remote registration failed, falling back to device id",
			"device_id", deviceID, "error", err)
		return deviceID, nil
	}

	stored, err := r.secrets.SetIfAbsent(keyRemoteUserID, userID)
	if err != nil {
		r.logger.Warn("failed to cache remote user id", "error", err)
		// Without a durable cache the transition is not recorded; stay on the
		// device id so migration is not half-armed.
		return deviceID, nil
	}
	if err := r.migrate(ctx, deviceID, stored); err != nil {
		return "", fmt.Errorf("failed to migrate records to remote identity: %w", err)
	}
	return stored, nil
}

// RefreshSession records the remote session's user id (the JWT subject) and,
// when online, re-runs the idempotent registration so the auth session and
// the long-lived owner id stay linked. The owner id is stable across an
// anonymous-to-email upgrade, so no record migration happens here.
func (r *Resolver) RefreshSession(ctx context.Context, sessionToken string) error {
	sub, err := sessionSubject(sessionToken)
	if err != nil {
		return fmt.Errorf("failed to read session token: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionUserID = sub

	if r.online == nil || !r.online() {
		return nil
	}
	deviceID, err := r.device.GetOrCreateDeviceID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	userID, err := r.backend.RegisterOrGetUser(ctx, deviceID, sub)
	if err != nil {
		r.logger.Warn("session re-registration failed", "error", err)
		return nil
	}
	if _, err := r.secrets.SetIfAbsent(keyRemoteUserID, userID); err != nil {
		r.logger.Warn("failed to cache remote user id after session refresh", "error", err)
	}
	return nil
}

// Wipe clears both identities. Part of the irreversible data-wipe flow.
func (r *Resolver) Wipe() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionUserID = ""
	return r.device.Clear()
}

// migrate re-tags every record owned by fromOwner with toOwner and queues a
// synthetic create for each - the backend has never seen these records under
// any id. Idempotent: already-migrated records no longer match fromOwner, and
// a crash between enqueue and re-tag is absorbed by the pending-create check
// plus the push path's duplicate-create guard.
func (r *Resolver) migrate(ctx context.Context, fromOwner, toOwner string) error {
	if fromOwner == toOwner {
		return nil
	}
	records, err := r.local.ListRecordsByOwner(ctx, fromOwner)
	if err != nil {
		return fmt.Errorf("failed to list records for migration: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	r.logger.Info("migrating records to new owner id",
		"from", fromOwner, "to", toOwner, "count", len(records))

	for _, rec := range records {
		if rec.RemoteID != "" {
			// Already known to the backend; just move ownership.
			if err := r.local.UpdateRecordFields(ctx, rec.LocalID, map[string]any{
				"owner_id": toOwner,
			}); err != nil {
				return fmt.Errorf("failed to re-own record %s: %w", rec.LocalID, err)
			}
			continue
		}

		if !rec.IsDeleted {
			queued, err := r.local.HasPendingCreate(ctx, rec.LocalID)
			if err != nil {
				return err
			}
			if !queued {
				if _, err := r.local.Enqueue(ctx, rec.LocalID, logstore.OpCreate, nil); err != nil {
					return fmt.Errorf("failed to queue create for record %s: %w", rec.LocalID, err)
				}
			}
		}
		if err := r.local.UpdateRecordFields(ctx, rec.LocalID, map[string]any{
			"owner_id":   toOwner,
			"sync_state": logstore.SyncStatePending,
		}); err != nil {
			return fmt.Errorf("failed to re-own record %s: %w", rec.LocalID, err)
		}
	}
	return nil
}

// sessionSubject extracts the subject claim from an identity-provider token.
// The signature is the provider's concern; only the subject is read here.
func sessionSubject(token string) (string, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", err
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("session token has no subject")
	}
	return sub, nil
}

// compile-time interface check against the real store
var _ MigrationStore = (*logstore.Store)(nil)
