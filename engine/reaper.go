// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"context"

	"github.com/sprucehealth/voicerouter/model"
)

// scheduleSweep arms the idle sweep. e.mu must be held.
func (e *Engine) scheduleSweep() {
	e.sweeper = e.clock.AfterFunc(e.cfg.SweepInterval, e.sweep)
}

// sweep drops sessions idle for IdleTimeout. Terminal sessions are dropped
// directly; live ones are dropped only once the provider reports the call
// ended.
func (e *Engine) sweep() {
	now := e.clock.Now()
	for _, cs := range e.tracked() {
		cs.mu.Lock()
		if !cs.tracked || cs.probing || now.Sub(cs.s.LastActivity) < e.cfg.IdleTimeout {
			cs.mu.Unlock()
			continue
		}
		if cs.s.Status.IsTerminal() {
			e.record(cs, "session.reaped", nil)
			e.drop(cs)
			cs.mu.Unlock()
			continue
		}
		cs.probing = true
		id := cs.s.ID
		cs.mu.Unlock()

		e.async(func(ctx context.Context) {
			status, err := e.dispatch.FetchCallStatus(ctx, id)
			e.reap(id, status, err)
		})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.scheduleSweep()
	}
}

func (e *Engine) reap(id model.SID, status model.CallStatus, err error) {
	cs, ok := e.acquire(id)
	if !ok {
		return
	}
	defer cs.mu.Unlock()

	cs.probing = false
	if err != nil {
		// Unknown is not gone, the next sweep asks again
		e.logger.Warn().Err(err).Str("call_sid", id.String()).Msg("Idle session status check failed, keeping session")
		return
	}
	if !status.IsTerminal() {
		cs.s.LastActivity = e.clock.Now()
		return
	}
	e.logger.Info().
		Str("call_sid", id.String()).
		Str("call_status", string(status)).
		Msg("Reaping abandoned session")

	e.finish(e.ctx, cs, model.SessionFailed, ReasonAbandoned)
	e.record(cs, "session.reaped", nil)
	e.drop(cs)
}
