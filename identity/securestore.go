// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package identity resolves the logical user id used to tag records: a
// durable device-scoped UUID at first, transparently upgraded to a remote
// user id once registration succeeds online.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// ErrStorageUnavailable means the secure store failed; no identity value may
// be fabricated in memory as a substitute, or retries would mint duplicate
// identities.
var ErrStorageUnavailable = errors.New("secure store unavailable")

// ErrKeyNotFound is returned by Get for absent keys.
var ErrKeyNotFound = errors.New("key not found")

// SecureStore is the tamper-resistant key-value storage the platform provides
// (keychain, keystore). Implementations must persist before returning.
type SecureStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
	// SetIfAbsent stores value only when the key is missing and returns the
	// value actually persisted, which is the existing one on a lost race.
	SetIfAbsent(key, value string) (string, error)
	Delete(key string) error
}

const (
	keyDeviceID     = "device_id"
	keyRemoteUserID = "remote_user_id"
)

// DeviceIdentity manages the device-scoped UUID. Concurrent first-time
// callers converge on a single id through one in-flight initialization.
type DeviceIdentity struct {
	store SecureStore
	group singleflight.Group
}

func NewDeviceIdentity(store SecureStore) *DeviceIdentity {
	return &DeviceIdentity{store: store}
}

// GetOrCreateDeviceID returns the persisted device id, creating one on first
// call. The id is only returned after the secure store write succeeded.
func (d *DeviceIdentity) GetOrCreateDeviceID(ctx context.Context) (string, error) {
	v, err, _ := d.group.Do(keyDeviceID, func() (any, error) {
		id, err := d.store.Get(keyDeviceID)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrKeyNotFound) {
			return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		stored, err := d.store.SetIfAbsent(keyDeviceID, uuid.New().String())
		if err != nil {
			return "", fmt.Errorf("%w: failed to persist device id: %v", ErrStorageUnavailable, err)
		}
		return stored, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Clear erases the device identity and the cached remote user id. Used only
// by the irreversible data-wipe flow.
func (d *DeviceIdentity) Clear() error {
	if err := d.store.Delete(keyRemoteUserID); err != nil && !errors.Is(err, ErrKeyNotFound) {
		return fmt.Errorf("%w: failed to clear cached user id: %v", ErrStorageUnavailable, err)
	}
	if err := d.store.Delete(keyDeviceID); err != nil && !errors.Is(err, ErrKeyNotFound) {
		return fmt.Errorf("%w: failed to clear device id: %v", ErrStorageUnavailable, err)
	}
	d.group.Forget(keyDeviceID)
	return nil
}

// FileSecureStore is a file-per-key store standing in for the platform
// keychain: one directory with 0600 files. SetIfAbsent relies on O_EXCL so a
// lost cross-process race re-reads the winner's value.
type FileSecureStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileSecureStore(dir string) (*FileSecureStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: failed to create store dir: %v", ErrStorageUnavailable, err)
	}
	return &FileSecureStore{dir: dir}, nil
}

func (f *FileSecureStore) path(key string) string {
	// Keys are internal constants; sanitize anyway.
	return filepath.Join(f.dir, strings.ReplaceAll(key, string(os.PathSeparator), "_"))
}

func (f *FileSecureStore) Get(key string) (string, error) {
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (f *FileSecureStore) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp := f.path(key) + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp, f.path(key)); err != nil {
		return fmt.Errorf("failed to commit %s: %w", key, err)
	}
	return nil
}

func (f *FileSecureStore) SetIfAbsent(key, value string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path(key), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if os.IsExist(err) {
		data, rerr := os.ReadFile(f.path(key))
		if rerr != nil {
			return "", fmt.Errorf("failed to read existing %s: %w", key, rerr)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", key, err)
	}
	defer file.Close()
	if _, err := file.WriteString(value); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := file.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync %s: %w", key, err)
	}
	return value, nil
}

func (f *FileSecureStore) Delete(key string) error {
	err := os.Remove(f.path(key))
	if os.IsNotExist(err) {
		return ErrKeyNotFound
	}
	return err
}

// MemorySecureStore is an in-memory SecureStore for tests.
type MemorySecureStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemorySecureStore() *MemorySecureStore {
	return &MemorySecureStore{values: make(map[string]string)}
}

func (m *MemorySecureStore) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

func (m *MemorySecureStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemorySecureStore) SetIfAbsent(key, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.values[key]; ok {
		return existing, nil
	}
	m.values[key] = value
	return value, nil
}

func (m *MemorySecureStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; !ok {
		return ErrKeyNotFound
	}
	delete(m.values, key)
	return nil
}
