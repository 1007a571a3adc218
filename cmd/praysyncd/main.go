// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// praysyncd runs the offline-first prayer-log sync core as a daemon: it keeps
// the local store in sync with the remote backend and prints status on
// demand. The UI layer normally embeds the same services in-process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AsserAyman/qanet-sub000/backend"
	"github.com/AsserAyman/qanet-sub000/config"
	"github.com/AsserAyman/qanet-sub000/identity"
	"github.com/AsserAyman/qanet-sub000/logstore"
	"github.com/AsserAyman/qanet-sub000/netmon"
	"github.com/AsserAyman/qanet-sub000/praysync"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "praysyncd",
		Short:        "Offline-first prayer-log synchronization daemon",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print sync status and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(cmd.Context(), configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "wipe",
		Short: "Irreversibly erase all local and remote data for this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return wipe(cmd.Context(), configPath)
		},
	})
	return root
}

type services struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *logstore.Store
	monitor  *netmon.Monitor
	api      *backend.Client
	resolver *identity.Resolver
	engine   *praysync.Engine
	service  *praysync.Service
}

func buildServices(configPath string) (*services, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Logging)

	store, err := logstore.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}

	secrets, err := identity.NewFileSecureStore(cfg.Identity.SecureDir)
	if err != nil {
		return nil, err
	}
	device := identity.NewDeviceIdentity(secrets)

	var token func(ctx context.Context) (string, error)
	if cfg.Backend.AuthToken != "" {
		authToken := cfg.Backend.AuthToken
		token = func(ctx context.Context) (string, error) { return authToken, nil }
	}
	api := backend.NewClient(cfg.Backend.BaseURL, token)

	monitor := netmon.New(logger)
	resolver := identity.NewResolver(device, secrets, store, api, monitor.IsOnline, logger)
	engine := praysync.NewEngine(store, api, resolver, monitor, logger)
	service := praysync.NewService(store, engine, resolver, monitor, api, logger)

	return &services{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		monitor:  monitor,
		api:      api,
		resolver: resolver,
		engine:   engine,
		service:  service,
	}, nil
}

func runDaemon(configPath string) error {
	svc, err := buildServices(configPath)
	if err != nil {
		return err
	}
	defer svc.store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc.monitor.StartProbing(ctx, svc.cfg.Sync.ProbeURL, svc.cfg.Sync.ProbeInterval)

	scheduler := praysync.NewScheduler(svc.engine, svc.monitor, svc.cfg.Sync.Interval, svc.logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	svc.logger.Info("praysyncd started",
		"database", svc.cfg.Database.Path, "backend", svc.cfg.Backend.BaseURL)

	<-ctx.Done()
	svc.logger.Info("praysyncd stopping")
	return nil
}

func printStatus(ctx context.Context, configPath string) error {
	svc, err := buildServices(configPath)
	if err != nil {
		return err
	}
	defer svc.store.Close()

	status, err := svc.service.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pending mutations: %d\n", status.PendingCount)
	if status.LastSyncAt.IsZero() {
		fmt.Println("last sync: never")
	} else {
		fmt.Printf("last sync: %s\n", status.LastSyncAt)
	}
	fmt.Printf("online: %t\n", status.IsOnline)
	if status.AuthRequired {
		fmt.Println("authorization required: re-authenticate to resume sync")
	}
	return nil
}

func wipe(ctx context.Context, configPath string) error {
	svc, err := buildServices(configPath)
	if err != nil {
		return err
	}
	defer svc.store.Close()

	// Wipe needs connectivity; probe once synchronously.
	svc.monitor.SetOnline(probeOnce(ctx, svc.cfg.Sync.ProbeURL))
	if err := svc.service.WipeAllData(ctx); err != nil {
		return err
	}
	fmt.Println("all local and remote data erased")
	return nil
}

func probeOnce(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
