// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package engine is the call-routing orchestrator. It owns every call session,
// drives it through the dialog, claims agents from the registry, and tells
// the provider (through a Dispatcher) how to bridge caller and agent.
package engine

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/sprucehealth/voicerouter/dialog"
	"github.com/sprucehealth/voicerouter/model"
)

// Config holds routing timings and limits
type Config struct {
	// RetryInterval is how often a queued caller's claim is retried
	RetryInterval time.Duration
	// MaxQueueWait bounds a caller's time on hold before giving up
	MaxQueueWait time.Duration
	// RingTimeout is how long the provider rings an agent
	RingTimeout time.Duration
	// OfferTimeout bounds the wait for an agent decision after ringing starts
	OfferTimeout time.Duration
	// DecisionTimeout is how long an answering agent has to press a key
	DecisionTimeout time.Duration
	// RedialDelay is the pause before offering a declined call again
	RedialDelay time.Duration
	// MaxAgentAttempts bounds how many agents are rung for one caller
	MaxAgentAttempts int
	// IdleTimeout is the inactivity after which a session is reaped
	IdleTimeout time.Duration
	// SweepInterval is how often idle sessions are looked for; zero disables reaping
	SweepInterval time.Duration
	// DispatchTimeout bounds each provider request
	DispatchTimeout time.Duration
	// HoldMusicURL is played while callers wait; silence if empty
	HoldMusicURL string
}

// DefaultConfig returns the default routing configuration
func DefaultConfig() Config {
	return Config{
		RetryInterval:    10 * time.Second,
		MaxQueueWait:     2 * time.Minute,
		RingTimeout:      30 * time.Second,
		OfferTimeout:     60 * time.Second,
		DecisionTimeout:  10 * time.Second,
		RedialDelay:      2 * time.Second,
		MaxAgentAttempts: 3,
		IdleTimeout:      30 * time.Minute,
		SweepInterval:    time.Minute,
		DispatchTimeout:  10 * time.Second,
		HoldMusicURL:     "http://com.twilio.music.classical.s3.amazonaws.com/BusyStrings.wav",
	}
}

// StateSnapshot is a JSON-serializable snapshot of the engine state
type StateSnapshot struct {
	Sessions  []*model.Session `json:"sessions"`
	Agents    []model.Agent    `json:"agents"`
	Timestamp time.Time        `json:"timestamp"`
}

// Engine is the scheduler orchestrator. All methods are safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	sessions map[model.SID]*callSession
	closed   bool
	sweeper  Timer

	registry Registry
	dialog   *dialog.Engine
	clock    Clock
	dispatch Dispatcher
	logger   zerolog.Logger
	metrics  *Metrics
	sink     EventSink
	cfg      Config
	newID    func() string

	// Provider requests run in the background
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// callSession guards one session. Lock order is callSession.mu before Engine.mu.
type callSession struct {
	mu sync.Mutex
	s  *model.Session
	// tracked is false once the session was dropped from the engine
	tracked bool

	// timer is the pending routing action (queue retry, redial or offer
	// timeout). epoch invalidates callbacks of timers that were replaced.
	timer Timer
	epoch uint64

	probing bool

	outbox   []Response
	draining bool
}

// Option configures the engine
type Option func(*Engine)

// WithClock sets the clock used for timestamps and timers
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithManualClock configures the engine to use a manual clock
func WithManualClock() Option {
	return func(e *Engine) {
		e.clock = NewManualClock(time.Time{})
	}
}

// WithDispatcher sets the provider dispatcher
func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) {
		e.dispatch = d
	}
}

// WithLogger sets the engine logger
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the metric collectors
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithEventSink streams timeline events to sink
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithConfig sets routing timings. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		def := e.cfg
		if cfg.RetryInterval <= 0 {
			cfg.RetryInterval = def.RetryInterval
		}
		if cfg.MaxQueueWait <= 0 {
			cfg.MaxQueueWait = def.MaxQueueWait
		}
		if cfg.RingTimeout <= 0 {
			cfg.RingTimeout = def.RingTimeout
		}
		if cfg.OfferTimeout <= 0 {
			cfg.OfferTimeout = def.OfferTimeout
		}
		if cfg.DecisionTimeout <= 0 {
			cfg.DecisionTimeout = def.DecisionTimeout
		}
		if cfg.RedialDelay <= 0 {
			cfg.RedialDelay = def.RedialDelay
		}
		if cfg.MaxAgentAttempts <= 0 {
			cfg.MaxAgentAttempts = def.MaxAgentAttempts
		}
		if cfg.IdleTimeout <= 0 {
			cfg.IdleTimeout = def.IdleTimeout
		}
		if cfg.DispatchTimeout <= 0 {
			cfg.DispatchTimeout = def.DispatchTimeout
		}
		e.cfg = cfg
	}
}

// WithIDGenerator replaces the agent offer id generator
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		e.newID = fn
	}
}

// New creates an engine that routes callers to agents in reg
func New(reg Registry, dlg *dialog.Engine, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		sessions: make(map[model.SID]*callSession),
		registry: reg,
		dialog:   dlg,
		clock:    NewAutoClock(),
		dispatch: nopDispatcher{},
		logger:   zerolog.Nop(),
		cfg:      DefaultConfig(),
		newID:    uuid.NewString,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dialog == nil {
		e.dialog = dialog.New()
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if e.cfg.SweepInterval > 0 {
		e.mu.Lock()
		e.scheduleSweep()
		e.mu.Unlock()
	}
	return e
}

// Config returns the effective routing configuration
func (e *Engine) Config() Config {
	return e.cfg
}

// Clock returns the engine clock
func (e *Engine) Clock() Clock {
	return e.clock
}

// Advance moves a manual clock forward, firing due timers. It is a no-op
// with any other clock.
func (e *Engine) Advance(d time.Duration) {
	if mc, ok := e.clock.(*ManualClock); ok {
		mc.Advance(d)
	}
}

// Session returns a copy of a tracked session
func (e *Engine) Session(id model.SID) (*model.Session, bool) {
	cs, ok := e.acquire(id)
	if !ok {
		return nil, false
	}
	defer cs.mu.Unlock()
	return cs.s.Clone(), true
}

// Sessions returns copies of all tracked sessions ordered by creation time
func (e *Engine) Sessions() []*model.Session {
	list := e.tracked()
	out := make([]*model.Session, 0, len(list))
	for _, cs := range list {
		cs.mu.Lock()
		if cs.tracked {
			out = append(out, cs.s.Clone())
		}
		cs.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b *model.Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Snapshot returns a deep copy of sessions and agents
func (e *Engine) Snapshot() *StateSnapshot {
	return &StateSnapshot{
		Sessions:  e.Sessions(),
		Agents:    e.registry.List(),
		Timestamp: e.clock.Now(),
	}
}

// WaitIdle blocks until every in-flight provider request has finished
func (e *Engine) WaitIdle() {
	e.wg.Wait()
}

// Close stops all timers, cancels in-flight provider requests and waits for them
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.sweeper != nil {
		e.sweeper.Stop()
	}
	list := slices.Collect(maps.Values(e.sessions))
	e.mu.Unlock()

	for _, cs := range list {
		cs.mu.Lock()
		e.cancelTimer(cs)
		cs.mu.Unlock()
	}
	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *Engine) tracked() []*callSession {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Collect(maps.Values(e.sessions))
}

// acquire returns the locked session for id
func (e *Engine) acquire(id model.SID) (*callSession, bool) {
	e.mu.RLock()
	cs, ok := e.sessions[id]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	cs.mu.Lock()
	if !cs.tracked {
		cs.mu.Unlock()
		return nil, false
	}
	return cs, true
}

// drop removes the session from tracking. cs.mu must be held.
func (e *Engine) drop(cs *callSession) {
	if !cs.tracked {
		return
	}
	cs.tracked = false
	e.cancelTimer(cs)
	e.mu.Lock()
	delete(e.sessions, cs.s.ID)
	e.mu.Unlock()
	e.metrics.SessionsActive.Dec()
}

func (e *Engine) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &e.logger
}

func (e *Engine) record(cs *callSession, eventType string, detail map[string]any) {
	ev := model.NewEvent(e.clock.Now(), eventType, detail)
	cs.s.Timeline = append(cs.s.Timeline, ev)
	if e.sink != nil {
		e.sink.Publish(cs.s.ID, ev)
	}
}

func (e *Engine) setStatus(cs *callSession, status model.SessionStatus) {
	prev := cs.s.Status
	if prev == status {
		return
	}
	cs.s.Status = status
	e.record(cs, "status.changed", map[string]any{
		"from": string(prev),
		"to":   string(status),
	})
}

// schedule replaces the session's pending timer. fn runs with cs.mu held and
// only if no other timer was scheduled or cancelled in between.
func (e *Engine) schedule(cs *callSession, d time.Duration, fn func(cs *callSession)) {
	e.cancelTimer(cs)
	epoch := cs.epoch
	id := cs.s.ID
	cs.timer = e.clock.AfterFunc(d, func() {
		cs, ok := e.acquire(id)
		if !ok {
			return
		}
		defer cs.mu.Unlock()
		if cs.epoch != epoch {
			return
		}
		cs.timer = nil
		fn(cs)
	})
}

func (e *Engine) cancelTimer(cs *callSession) {
	cs.epoch++
	if cs.timer != nil {
		cs.timer.Stop()
		cs.timer = nil
	}
}

// async runs fn in the background with a bounded context
func (e *Engine) async(fn func(ctx context.Context)) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.DispatchTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// push sends resp to the live call. Pushes for one call are delivered in
// order and a pending push is superseded by a newer one.
func (e *Engine) push(cs *callSession, resp Response) {
	cs.outbox = append(cs.outbox, resp)
	if cs.draining {
		return
	}
	cs.draining = true
	id := cs.s.ID
	e.async(func(ctx context.Context) {
		for {
			cs.mu.Lock()
			if len(cs.outbox) == 0 {
				cs.draining = false
				cs.mu.Unlock()
				return
			}
			next := cs.outbox[len(cs.outbox)-1]
			cs.outbox = nil
			cs.mu.Unlock()

			if err := e.dispatch.UpdateCall(ctx, id, next); err != nil {
				e.metrics.DispatchErrors.WithLabelValues("update_call").Inc()
				e.logger.Warn().Err(err).Str("call_sid", id.String()).Msg("Failed to update call")
			}
		}
	})
}

func (e *Engine) hangupLeg(callID, leg model.SID) {
	e.async(func(ctx context.Context) {
		if err := e.dispatch.HangupCall(ctx, leg); err != nil {
			e.metrics.DispatchErrors.WithLabelValues("hangup_call").Inc()
			e.logger.Warn().Err(err).
				Str("call_sid", callID.String()).
				Str("leg_sid", leg.String()).
				Msg("Failed to hang up agent leg")
		}
	})
}

func (e *Engine) stale(ctx context.Context, entry Entrypoint, id model.SID) {
	e.metrics.StaleCallbacks.WithLabelValues(string(entry)).Inc()
	e.log(ctx).Debug().
		Str("call_sid", id.String()).
		Str("entrypoint", string(entry)).
		Msg("Ignoring callback for unknown or superseded session")
}
