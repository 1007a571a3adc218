// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package praysync

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/AsserAyman/qanet-sub000/netmon"
)

// Scheduler triggers sync passes on a fixed interval and on reconnect. Both
// paths coalesce on the engine's in-progress flag, so rapid reconnect events
// cost nothing.
type Scheduler struct {
	engine   *Engine
	monitor  *netmon.Monitor
	interval time.Duration
	logger   *slog.Logger

	cron        *cron.Cron
	unsubscribe func()
}

func NewScheduler(engine *Engine, monitor *netmon.Monitor, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:   engine,
		monitor:  monitor,
		interval: interval,
		logger:   logger,
	}
}

// Start begins periodic scheduling and subscribes to connectivity changes.
// Triggers stop when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron = cron.New()
	s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(func() {
		s.trigger(ctx, "interval")
	}))
	s.cron.Start()

	s.unsubscribe = s.monitor.Subscribe(netmon.Callbacks{
		OnOnline: func() {
			s.trigger(ctx, "reconnect")
		},
	})

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts the periodic trigger and drops the connectivity subscription.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

func (s *Scheduler) trigger(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	if !s.monitor.IsOnline() {
		return
	}
	go func() {
		if err := s.engine.Sync(ctx); err != nil {
			s.logger.Warn("scheduled sync failed", "reason", reason, "error", err)
		}
	}()
}
