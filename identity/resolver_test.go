package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/AsserAyman/qanet-sub000/logstore"
)

type fakeRegistrar struct {
	userID string
	err    error
	calls  int

	lastDeviceID      string
	lastSessionUserID string
}

func (f *fakeRegistrar) RegisterOrGetUser(ctx context.Context, deviceID, sessionUserID string) (string, error) {
	f.calls++
	f.lastDeviceID = deviceID
	f.lastSessionUserID = sessionUserID
	if f.err != nil {
		return "", f.err
	}
	return f.userID, nil
}

func newTestResolver(t *testing.T, registrar *fakeRegistrar, online bool) (*Resolver, *logstore.Store, *MemorySecureStore) {
	t.Helper()
	store, err := logstore.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	secrets := NewMemorySecureStore()
	device := NewDeviceIdentity(secrets)
	resolver := NewResolver(device, secrets, store, registrar, func() bool { return online }, nil)
	return resolver, store, secrets
}

func seedRecord(t *testing.T, store *logstore.Store, localID, owner, remoteID string) {
	t.Helper()
	now := time.Now()
	rec := &logstore.Record{
		LocalID:    localID,
		RemoteID:   remoteID,
		OwnerID:    owner,
		EntryDate:  "2024-01-01",
		RangeStart: 1,
		RangeEnd:   10,
		CreatedAt:  now,
		UpdatedAt:  now,
		SyncState:  logstore.SyncStatePending,
	}
	require.NoError(t, store.InsertRecord(context.Background(), rec))
}

func TestResolveOfflineFallsBackToDeviceID(t *testing.T) {
	registrar := &fakeRegistrar{userID: "user-1"}
	resolver, _, _ := newTestResolver(t, registrar, false)
	ctx := context.Background()

	owner, err := resolver.Resolve(ctx)
	require.NoError(t, err)

	deviceID, err := resolver.DeviceID(ctx)
	require.NoError(t, err)
	require.Equal(t, deviceID, owner)
	require.Zero(t, registrar.calls, "no registration while offline")
}

func TestResolveRegistersAndMigrates(t *testing.T) {
	registrar := &fakeRegistrar{userID: "user-1"}
	resolver, store, _ := newTestResolver(t, registrar, true)
	ctx := context.Background()

	deviceID, err := resolver.DeviceID(ctx)
	require.NoError(t, err)
	seedRecord(t, store, "rec-1", deviceID, "")
	seedRecord(t, store, "rec-2", deviceID, "")

	owner, err := resolver.Resolve(ctx)
	require.NoError(t, err)
	require.Equal(t, "user-1", owner)
	require.Equal(t, deviceID, registrar.lastDeviceID)

	// Records were re-owned, re-marked pending, and a create was queued for
	// each - the backend has never seen them under any id.
	for _, id := range []string{"rec-1", "rec-2"} {
		rec, err := store.GetRecord(ctx, id)
		require.NoError(t, err)
		require.Equal(t, "user-1", rec.OwnerID)
		require.Equal(t, logstore.SyncStatePending, rec.SyncState)
		queued, err := store.HasPendingCreate(ctx, id)
		require.NoError(t, err)
		require.True(t, queued)
	}
}

func TestMigrationIdempotent(t *testing.T) {
	registrar := &fakeRegistrar{userID: "user-1"}
	resolver, store, _ := newTestResolver(t, registrar, true)
	ctx := context.Background()

	deviceID, err := resolver.DeviceID(ctx)
	require.NoError(t, err)
	seedRecord(t, store, "rec-1", deviceID, "")

	_, err = resolver.Resolve(ctx)
	require.NoError(t, err)
	_, err = resolver.Resolve(ctx)
	require.NoError(t, err)

	// Running resolution twice queues exactly one create and keeps one row.
	entries, err := store.NextEntries(ctx, 0, 3, true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "rec-1", entries[0].RecordLocalID)
	require.Equal(t, logstore.OpCreate, entries[0].Operation)

	records, err := store.ListRecords(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	// Registration is idempotent server-side; one client call suffices here.
	require.Equal(t, 1, registrar.calls)
}

func TestMigrationSkipsAlreadySyncedRecords(t *testing.T) {
	registrar := &fakeRegistrar{userID: "user-1"}
	resolver, store, _ := newTestResolver(t, registrar, true)
	ctx := context.Background()

	deviceID, err := resolver.DeviceID(ctx)
	require.NoError(t, err)
	seedRecord(t, store, "rec-1", deviceID, "r1")

	_, err = resolver.Resolve(ctx)
	require.NoError(t, err)

	rec, err := store.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", rec.OwnerID)

	// Known remotely already: ownership moves, but no re-create is queued.
	queued, err := store.HasPendingCreate(ctx, "rec-1")
	require.NoError(t, err)
	require.False(t, queued)
}

func TestResolveRegistrationFailureNonFatal(t *testing.T) {
	registrar := &fakeRegistrar{err: errors.New("boom")}
	resolver, store, _ := newTestResolver(t, registrar, true)
	ctx := context.Background()

	deviceID, err := resolver.DeviceID(ctx)
	require.NoError(t, err)
	seedRecord(t, store, "rec-1", deviceID, "")

	owner, err := resolver.Resolve(ctx)
	require.NoError(t, err)
	require.Equal(t, deviceID, owner)

	// Nothing migrated on failure.
	rec, err := store.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	require.Equal(t, deviceID, rec.OwnerID)
}

func TestResolveUsesCacheWithoutNetwork(t *testing.T) {
	registrar := &fakeRegistrar{userID: "user-1"}
	resolver, _, secrets := newTestResolver(t, registrar, true)
	ctx := context.Background()

	require.NoError(t, secrets.Set(keyRemoteUserID, "cached-user"))

	owner, err := resolver.Resolve(ctx)
	require.NoError(t, err)
	require.Equal(t, "cached-user", owner)
	require.Zero(t, registrar.calls)
}

func TestLocalOwnerID(t *testing.T) {
	registrar := &fakeRegistrar{userID: "user-1"}
	resolver, _, secrets := newTestResolver(t, registrar, true)
	ctx := context.Background()

	deviceID, err := resolver.DeviceID(ctx)
	require.NoError(t, err)

	owner, err := resolver.LocalOwnerID(ctx)
	require.NoError(t, err)
	require.Equal(t, deviceID, owner)

	require.NoError(t, secrets.Set(keyRemoteUserID, "user-1"))
	owner, err = resolver.LocalOwnerID(ctx)
	require.NoError(t, err)
	require.Equal(t, "user-1", owner)
	require.Zero(t, registrar.calls, "local owner lookup never hits the network")
}

func TestRefreshSessionReRegistersWithoutMigration(t *testing.T) {
	registrar := &fakeRegistrar{userID: "user-1"}
	resolver, store, secrets := newTestResolver(t, registrar, true)
	ctx := context.Background()

	require.NoError(t, secrets.Set(keyRemoteUserID, "user-1"))
	seedRecord(t, store, "rec-1", "user-1", "r1")

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "session-abc",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	require.NoError(t, resolver.RefreshSession(ctx, token))
	require.Equal(t, 1, registrar.calls)
	require.Equal(t, "session-abc", registrar.lastSessionUserID)

	// Owner id is stable across the session upgrade: no migration artifacts.
	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestRefreshSessionRejectsBadToken(t *testing.T) {
	registrar := &fakeRegistrar{userID: "user-1"}
	resolver, _, _ := newTestResolver(t, registrar, true)

	require.Error(t, resolver.RefreshSession(context.Background(), "not-a-jwt"))
	require.Zero(t, registrar.calls)
}
