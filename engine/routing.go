// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"context"

	"github.com/sprucehealth/voicerouter/model"
)

// route claims an agent for the session. On success the session is Bridged,
// the agent is rung, and the caller gets the connect directive. Otherwise
// the caller is held and a timer retries the claim until MaxQueueWait.
// When live is set the caller is already on hold and any new directive is
// pushed to the call instead of returned.
func (e *Engine) route(ctx context.Context, cs *callSession, live bool) Response {
	s := cs.s
	now := e.clock.Now()

	if agent, ok := e.registry.Claim(s.ID); ok {
		e.metrics.Claims.WithLabelValues("won").Inc()
		e.bind(cs, agent)
		if !e.verify(cs) {
			return e.violation(ctx, cs, "claimed agent is not bound to the session", live)
		}
		e.log(ctx).Info().
			Str("call_sid", s.ID.String()).
			Str("agent_id", agent.ID).
			Int("attempt", s.AgentAttempts).
			Msg("Agent claimed")
		e.ringAgent(cs, agent)
		resp := e.connect(s, agent)
		if live {
			e.push(cs, resp)
		}
		return resp
	}

	e.metrics.Claims.WithLabelValues("none").Inc()
	if s.QueuedAt == nil {
		t := now
		s.QueuedAt = &t
	}
	waited := now.Sub(*s.QueuedAt)
	if waited >= e.cfg.MaxQueueWait {
		e.observeQueueWait(s)
		e.log(ctx).Info().
			Str("call_sid", s.ID.String()).
			Dur("waited", waited).
			Msg("No agent became available")
		resp := e.fail(ctx, cs, ReasonQueueTimeout, PromptNoAgents)
		if live {
			e.push(cs, resp)
		}
		return resp
	}

	if s.Status != model.SessionQueued {
		e.setStatus(cs, model.SessionQueued)
		e.log(ctx).Info().Str("call_sid", s.ID.String()).Msg("No agent available, caller queued")
	}
	e.schedule(cs, min(e.cfg.RetryInterval, e.cfg.MaxQueueWait-waited), func(cs *callSession) {
		if cs.s.Status == model.SessionQueued {
			e.settle(e.ctx, cs, e.route(e.ctx, cs, true), false)
		}
	})
	if live {
		return Response{}
	}
	return e.hold(PromptHolding)
}

func (e *Engine) bind(cs *callSession, agent model.Agent) {
	s := cs.s
	e.observeQueueWait(s)
	s.AssignedAgentID = agent.ID
	s.OfferID = e.newID()
	s.AgentCallSID = ""
	s.AgentJoined = false
	s.AgentAttempts++
	s.Step = model.StepConnected
	e.record(cs, "agent.claimed", map[string]any{
		"agent_id": agent.ID,
		"offer_id": s.OfferID,
		"attempt":  s.AgentAttempts,
	})
	e.setStatus(cs, model.SessionBridged)
}

// ringAgent places the agent leg in the background and arms the offer timeout
func (e *Engine) ringAgent(cs *callSession, agent model.Agent) {
	s := cs.s
	id, offer := s.ID, s.OfferID
	req := RingRequest{
		CallID:     id,
		OfferID:    offer,
		Agent:      agent,
		CallerName: s.Fields[model.FieldName],
		Answer:     e.agentAction(EntryAgentAnswer, s),
		Status:     e.agentAction(EntryAgentStatus, s),
		Timeout:    e.cfg.RingTimeout,
	}

	e.schedule(cs, e.cfg.OfferTimeout, func(cs *callSession) {
		if cs.s.OfferID == offer && !cs.s.AgentJoined {
			e.decline(e.ctx, cs, DeclineTimeout, true)
			e.settle(e.ctx, cs, Response{}, false)
		}
	})

	e.async(func(ctx context.Context) {
		leg, err := e.dispatch.RingAgent(ctx, req)
		if err != nil {
			e.metrics.DispatchErrors.WithLabelValues("ring_agent").Inc()
			e.logger.Warn().Err(err).
				Str("call_sid", id.String()).
				Str("agent_id", agent.ID).
				Msg("Failed to ring agent")
		}

		cs, ok := e.acquire(id)
		if !ok {
			if err == nil && leg != "" {
				e.hangupLeg(id, leg)
			}
			return
		}
		defer cs.mu.Unlock()

		if cs.s.OfferID != offer {
			if err == nil && leg != "" && leg != cs.s.AgentCallSID {
				e.hangupLeg(id, leg)
			}
			return
		}
		if err != nil {
			e.decline(e.ctx, cs, DeclineRingError, false)
			e.settle(e.ctx, cs, Response{}, false)
			return
		}
		if cs.s.AgentCallSID == "" {
			cs.s.AgentCallSID = leg
		}
		e.record(cs, "agent.ringing", map[string]any{
			"agent_id": agent.ID,
			"leg_sid":  leg.String(),
		})
	})
}

// decline releases the offered agent and sends the session back through
// routing after RedialDelay. The caller is moved back to hold.
func (e *Engine) decline(ctx context.Context, cs *callSession, reason string, hangupAgent bool) {
	s := cs.s
	agentID, leg := s.AssignedAgentID, s.AgentCallSID
	e.metrics.AgentDeclines.WithLabelValues(reason).Inc()
	if agentID != "" {
		e.registry.ReleaseSession(agentID, s.ID)
	}
	e.record(cs, "agent.released", map[string]any{
		"agent_id": agentID,
		"reason":   reason,
	})
	e.log(ctx).Info().
		Str("call_sid", s.ID.String()).
		Str("agent_id", agentID).
		Str("reason", reason).
		Msg("Agent did not take call")
	if hangupAgent && leg != "" {
		e.hangupLeg(s.ID, leg)
	}

	s.AssignedAgentID = ""
	s.OfferID = ""
	s.AgentCallSID = ""
	s.AgentJoined = false
	s.Step = model.StepRouting
	e.cancelTimer(cs)
	e.setStatus(cs, model.SessionAwaitingAgent)

	if s.AgentAttempts >= e.cfg.MaxAgentAttempts {
		e.push(cs, e.fail(ctx, cs, ReasonAttemptsExhausted, PromptNoAgents))
		return
	}
	e.push(cs, e.hold(PromptAgentUnavailable))
	e.schedule(cs, e.cfg.RedialDelay, func(cs *callSession) {
		if cs.s.Status == model.SessionAwaitingAgent {
			e.settle(e.ctx, cs, e.route(e.ctx, cs, true), false)
		}
	})
}

// fail ends the session as Failed and returns the goodbye for the caller
func (e *Engine) fail(ctx context.Context, cs *callSession, reason, prompt string) Response {
	e.finish(ctx, cs, model.SessionFailed, reason)
	return Say(Speak{Text: prompt}, Hangup{})
}

// finish moves the session to a terminal status, releasing its agent and
// cancelling its timers. The session stays tracked until the provider
// reports the call ended.
func (e *Engine) finish(ctx context.Context, cs *callSession, status model.SessionStatus, reason string) {
	s := cs.s
	if s.Status.IsTerminal() {
		return
	}
	e.cancelTimer(cs)
	if s.AssignedAgentID != "" {
		if e.registry.ReleaseSession(s.AssignedAgentID, s.ID) {
			e.record(cs, "agent.released", map[string]any{
				"agent_id": s.AssignedAgentID,
				"reason":   "session_ended",
			})
		}
		if s.AgentCallSID != "" && !s.AgentJoined {
			e.hangupLeg(s.ID, s.AgentCallSID)
		}
	}

	now := e.clock.Now()
	s.CompletedAt = &now
	s.Step = model.StepEnded
	outcome := string(status)
	if status == model.SessionFailed {
		s.FailureReason = reason
		outcome = reason
	}
	e.setStatus(cs, status)
	e.metrics.SessionsTotal.WithLabelValues(outcome).Inc()
	if status == model.SessionFailed && reason != ReasonProviderStatus {
		e.log(ctx).Warn().
			Str("call_sid", s.ID.String()).
			Str("reason", reason).
			Msg("Session failed")
	}
}

// verify checks the session/agent cross invariant: a Bridged session's agent
// is Busy on that session, and only a Bridged session references an agent.
func (e *Engine) verify(cs *callSession) bool {
	s := cs.s
	if s.Status.IsTerminal() {
		return true
	}
	if s.Status == model.SessionBridged {
		return s.AssignedAgentID != "" && e.registry.BoundTo(s.AssignedAgentID, s.ID)
	}
	return s.AssignedAgentID == ""
}

// settle verifies the session after a transition. On a violation the session
// is failed and the caller told goodbye: in place of resp when resp goes to
// the caller, otherwise by pushing to the caller's call.
func (e *Engine) settle(ctx context.Context, cs *callSession, resp Response, toCaller bool) Response {
	if e.verify(cs) {
		return resp
	}
	goodbye := e.violation(ctx, cs, "session and agent state disagree", !toCaller)
	if toCaller {
		return goodbye
	}
	return resp
}

// violation fails a session whose state is inconsistent. The goodbye is
// pushed to the caller when push is set and returned either way.
func (e *Engine) violation(ctx context.Context, cs *callSession, msg string, push bool) Response {
	s := cs.s
	e.metrics.InvariantViolations.Inc()
	e.record(cs, "session.invariant_violation", map[string]any{
		"message":  msg,
		"status":   string(s.Status),
		"agent_id": s.AssignedAgentID,
	})
	e.log(ctx).Error().
		Str("call_sid", s.ID.String()).
		Str("status", string(s.Status)).
		Str("agent_id", s.AssignedAgentID).
		Msg("Invariant violation: " + msg)
	resp := e.fail(ctx, cs, ReasonInvariantViolation, PromptTechnicalFailure)
	if push {
		e.push(cs, resp)
	}
	return resp
}

func (e *Engine) observeQueueWait(s *model.Session) {
	if s.QueuedAt == nil {
		return
	}
	e.metrics.QueueWait.Observe(e.clock.Now().Sub(*s.QueuedAt).Seconds())
	s.QueuedAt = nil
}
