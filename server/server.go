// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package server exposes the engine over HTTP: Twilio voice webhooks, the
// admin API, an event stream and metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/sprucehealth/voicerouter/engine"
	"github.com/sprucehealth/voicerouter/model"
	"github.com/sprucehealth/voicerouter/twiml"
)

// Orchestrator is the engine surface driven by webhooks
type Orchestrator interface {
	OnInboundCall(ctx context.Context, in engine.InboundCall) engine.Response
	OnSpeech(ctx context.Context, callID model.SID, speech string) engine.Response
	OnHold(ctx context.Context, callID model.SID) engine.Response
	OnAgentAnswer(ctx context.Context, leg engine.AgentLeg) engine.Response
	OnAgentDecision(ctx context.Context, d engine.AgentDecision) engine.Response
	OnAgentLegStatus(ctx context.Context, leg engine.AgentLeg, status model.CallStatus)
	OnBridgeStatus(ctx context.Context, ev engine.BridgeEvent)
	OnCompletion(ctx context.Context, c engine.Completion) engine.Response
	Snapshot() *engine.StateSnapshot
}

// Agents is the registry surface used by the admin API
type Agents interface {
	List() []model.Agent
	Get(agentID string) (model.Agent, bool)
	SetAvailability(agentID string, a model.Availability) (model.Agent, error)
}

// Options configures a Server
type Options struct {
	Addr string
	// PublicBaseURL is the externally visible URL, used for signature checks
	PublicBaseURL string
	// AuthToken enables Twilio request signature validation when set
	AuthToken string
	// AdminSecret signs admin bearer tokens; the admin API is disabled without it
	AdminSecret    string
	AllowedOrigins []string
	Gatherer       prometheus.Gatherer
	Logger         zerolog.Logger
	Hub            *Hub
}

// Server serves webhooks and the admin API
type Server struct {
	Addr     string
	engine   Orchestrator
	agents   Agents
	renderer *twiml.Renderer
	hub      *Hub
	logger   zerolog.Logger
	opts     Options
	handler  http.Handler
	server   *http.Server
}

// New creates a server. Responses are rendered with renderer.
func New(e Orchestrator, agents Agents, renderer *twiml.Renderer, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		Addr:     opts.Addr,
		engine:   e,
		agents:   agents,
		renderer: renderer,
		hub:      opts.Hub,
		logger:   opts.Logger,
		opts:     opts,
	}

	mux := http.NewServeMux()
	s.routeVoice(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	if opts.AdminSecret != "" {
		admin := http.NewServeMux()
		admin.HandleFunc("GET /api/snapshot", s.handleSnapshot)
		admin.HandleFunc("GET /api/agents", s.handleListAgents)
		admin.HandleFunc("PUT /api/agents/{id}/availability", s.handleSetAvailability)
		if s.hub != nil {
			admin.HandleFunc("GET /api/events", s.handleEvents)
		}
		c := cors.New(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPut},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         600,
		})
		mux.Handle("/api/", c.Handler(s.requireToken(admin)))
	} else {
		s.logger.Warn().Msg("No admin secret configured, admin API disabled")
	}

	s.handler = s.withRequestLogging(mux)
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.Addr).Msg("Voice router listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server and closes event streams
func (s *Server) Stop(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.server.Shutdown(ctx)
}
