// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package netmon tracks online/offline transitions and notifies subscribers.
package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Callbacks are invoked on state transitions. Handlers run on the monitor's
// dispatch path; panics are caught and logged, never propagated.
type Callbacks struct {
	OnOnline  func()
	OnOffline func()
	OnChange  func(online bool)
}

// Monitor holds the current connectivity state. Transitions are delivered by
// the platform through SetOnline, or derived by the optional probe loop.
type Monitor struct {
	logger *slog.Logger

	mu      sync.Mutex
	online  bool
	nextID  int
	subs    map[int]Callbacks
	started bool
}

func New(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{logger: logger, subs: make(map[int]Callbacks)}
}

// IsOnline reports the last known connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity change and dispatches callbacks when the
// state actually flipped.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]Callbacks, 0, len(m.subs))
	for _, cb := range m.subs {
		subs = append(subs, cb)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	for _, cb := range subs {
		m.dispatch(cb, online)
	}
}

// Subscribe registers callbacks and returns an unsubscribe function.
func (m *Monitor) Subscribe(cb Callbacks) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = cb
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Monitor) dispatch(cb Callbacks, online bool) {
	run := func(name string, fn func()) {
		if fn == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("network callback panicked", "callback", name, "panic", r)
			}
		}()
		fn()
	}
	if online {
		run("on_online", cb.OnOnline)
	} else {
		run("on_offline", cb.OnOffline)
	}
	if cb.OnChange != nil {
		run("on_change", func() { cb.OnChange(online) })
	}
}

// StartProbing derives connectivity by periodically probing url until ctx is
// cancelled. Useful when the platform delivers no connectivity events. Any
// HTTP response counts as reachable; only transport errors mean offline.
func (m *Monitor) StartProbing(ctx context.Context, url string, interval time.Duration) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	client := &http.Client{Timeout: 5 * time.Second}
	go func() {
		m.probe(ctx, client, url)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probe(ctx, client, url)
			}
		}
	}()
}

func (m *Monitor) probe(ctx context.Context, client *http.Client, url string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		m.SetOnline(false)
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		m.SetOnline(false)
		return
	}
	_ = resp.Body.Close()
	m.SetOnline(true)
}
