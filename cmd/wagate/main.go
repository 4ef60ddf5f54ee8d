// Copyright 2024-2026 Aiku AI

// Command wagate multiplexes many independent, long-lived messaging
// sessions, one per tenant, over a single process. It restores every known
// tenant's session at boot, supervises reconnects per tenant, and serves
// the status/pairing/send HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/wagate/pkg/config"
	"github.com/aiku/wagate/pkg/driver/loopback"
	"github.com/aiku/wagate/pkg/httpapi"
	"github.com/aiku/wagate/pkg/session"
	"github.com/aiku/wagate/pkg/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// inboundRecorder adapts the SQLite store to the session core's
// MessageRecorder interface.
type inboundRecorder struct {
	st *store.SQLiteStore
}

func (r inboundRecorder) RecordInbound(ctx context.Context, tenant store.TenantID, senderID string, msg *session.InboundMessage) error {
	return r.st.SaveInboundMessage(ctx, tenant, msg.ID, senderID, msg.Content, msg.Timestamp)
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	log.Info().
		Str("tag", Tag).
		Str("commit", Commit).
		Str("build_time", BuildTime).
		Msg("Starting wagate")

	st, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("Failed to open store")
	}
	defer st.Close()

	mgr := session.NewManager(session.Options{
		Driver:      &loopback.Driver{Log: log},
		Records:     st,
		Credentials: st,
		Recorder:    inboundRecorder{st: st},
		Policy: session.ReconnectPolicy{
			Delay:      time.Duration(cfg.ReconnectDelaySeconds) * time.Second,
			Multiplier: cfg.ReconnectMultiplier,
			MaxDelay:   time.Duration(cfg.ReconnectMaxDelaySeconds) * time.Second,
		},
		Log: log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tenants, err := st.ListTenants(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list tenants, starting with none")
	}
	if err := mgr.StartAll(ctx, tenants); err != nil {
		// Per-tenant failures are already logged and isolated.
		log.Warn().Err(err).Msg("Some tenant sessions failed to start")
	}

	api := httpapi.New(mgr, st, log)
	srv := httpapi.NewServer(cfg.ListenAddr, api)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("HTTP API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Session drain failed")
	}
}
