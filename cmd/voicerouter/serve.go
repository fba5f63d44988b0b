// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sprucehealth/voicerouter/config"
	"github.com/sprucehealth/voicerouter/dialog"
	"github.com/sprucehealth/voicerouter/engine"
	"github.com/sprucehealth/voicerouter/logger"
	"github.com/sprucehealth/voicerouter/registry"
	"github.com/sprucehealth/voicerouter/server"
	"github.com/sprucehealth/voicerouter/telephony"
	"github.com/sprucehealth/voicerouter/twiml"
)

const shutdownTimeout = 15 * time.Second

func serve(ctx context.Context, cfg config.Config) error {
	log := logger.New(cfg.Log)
	if !cfg.Twilio.Configured() {
		return fmt.Errorf("twilio credentials are required: set %s, %s and %s",
			config.EnvAccountSID, config.EnvAuthToken, config.EnvPhoneNumber)
	}

	reg, err := registry.New(cfg.AgentModels())
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	renderer := twiml.NewRenderer(cfg.PublicBaseURL)
	renderer.Voice = cfg.Twilio.Voice
	renderer.Language = cfg.Twilio.Language

	dispatcher := telephony.NewTwilioDispatcher(
		telephony.NewCallsAPI(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken),
		cfg.Twilio.PhoneNumber,
		renderer,
		telephony.WithLogger(log.With().Str("component", "telephony").Logger()),
	)

	hub := server.NewHub(log)
	e := engine.New(reg, dialog.New(dialog.WithMaxReprompts(cfg.Dialog.MaxReprompts)),
		engine.WithConfig(cfg.EngineConfig()),
		engine.WithDispatcher(dispatcher),
		engine.WithLogger(log.With().Str("component", "engine").Logger()),
		engine.WithMetrics(engine.NewMetrics(metrics)),
		engine.WithEventSink(hub),
	)
	defer e.Close()

	opts := server.Options{
		Addr:           cfg.ListenAddr,
		PublicBaseURL:  cfg.PublicBaseURL,
		AdminSecret:    cfg.Admin.JWTSecret,
		AllowedOrigins: cfg.Admin.AllowedOrigins,
		Gatherer:       metrics,
		Logger:         log,
		Hub:            hub,
	}
	if cfg.Twilio.ValidateSignatures {
		opts.AuthToken = cfg.Twilio.AuthToken
	} else {
		log.Warn().Msg("Twilio signature validation disabled")
	}
	srv := server.New(e, reg, renderer, opts)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	log.Info().
		Int("agents", len(reg.List())).
		Str("public_base_url", cfg.PublicBaseURL).
		Msg("Voice router started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
