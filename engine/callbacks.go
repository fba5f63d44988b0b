// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"context"
	"time"

	"github.com/sprucehealth/voicerouter/dialog"
	"github.com/sprucehealth/voicerouter/model"
)

const (
	speechTimeout = 5 * time.Second
	verifyPause   = 2 * time.Second
	holdSilence   = 10 * time.Second
)

// InboundCall is a new call from a caller
type InboundCall struct {
	CallID model.SID
	From   string
	To     string
}

// AgentLeg identifies an agent leg callback. OfferID ties it to one ring so
// callbacks from earlier offers are recognized as stale.
type AgentLeg struct {
	CallID  model.SID
	AgentID string
	OfferID string
	// LegID is the provider id of the agent's own call, when known
	LegID model.SID
}

// AgentDecision is an agent's answer to an offered call
type AgentDecision struct {
	AgentLeg
	Accepted bool
	// TimedOut is set when the agent answered but never pressed a key
	TimedOut bool
}

// BridgeEvent is a conference participant event
type BridgeEvent struct {
	CallID model.SID
	LegID  model.SID
	Event  string
}

// Completion reports the end of a caller's call or bridge
type Completion struct {
	CallID   model.SID
	Status   model.CallStatus
	Duration time.Duration
	// OfferID is set when the completion comes from leaving a bridge; a
	// bridge from a superseded offer does not end the session.
	OfferID string
}

// OnInboundCall creates the session for a new call and returns the greeting.
// A repeated notification for a live call replays its current directive.
func (e *Engine) OnInboundCall(ctx context.Context, in InboundCall) Response {
	if in.CallID == "" {
		return Say(Speak{Text: PromptTechnicalFailure}, Hangup{})
	}
	now := e.clock.Now()
	start := e.dialog.Start()

	cs := &callSession{
		tracked: true,
		s: &model.Session{
			ID:            in.CallID,
			CallerAddress: in.From,
			CalleeAddress: in.To,
			Step:          start.State.Step,
			Fields:        start.State.Fields,
			Status:        model.SessionCollecting,
			CreatedAt:     now,
			LastActivity:  now,
		},
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Say(Speak{Text: PromptTechnicalFailure}, Hangup{})
	}
	if _, exists := e.sessions[in.CallID]; exists {
		e.mu.Unlock()
		return e.replay(ctx, in.CallID)
	}
	e.sessions[in.CallID] = cs
	e.mu.Unlock()

	e.metrics.SessionsActive.Inc()
	e.record(cs, "session.created", map[string]any{
		"from": in.From,
		"to":   in.To,
	})
	e.log(ctx).Info().
		Str("call_sid", in.CallID.String()).
		Str("from", in.From).
		Msg("Inbound call")
	return Say(e.gatherSpeech(start.Expect, start.Prompt))
}

func (e *Engine) replay(ctx context.Context, id model.SID) Response {
	cs, ok := e.acquire(id)
	if !ok {
		return Say(Speak{Text: PromptTechnicalFailure}, Hangup{})
	}
	defer cs.mu.Unlock()
	e.log(ctx).Debug().Str("call_sid", id.String()).Msg("Duplicate inbound notification")
	cs.s.LastActivity = e.clock.Now()
	return e.settle(ctx, cs, e.current(cs), true)
}

// OnSpeech feeds a speech result into the caller's dialog. Once the dialog
// hands off, the caller is routed to an agent or put on hold.
func (e *Engine) OnSpeech(ctx context.Context, callID model.SID, speech string) Response {
	cs, ok := e.acquire(callID)
	if !ok {
		e.stale(ctx, EntrySpeech, callID)
		return Say(Speak{Text: PromptTechnicalFailure}, Hangup{})
	}
	defer cs.mu.Unlock()

	s := cs.s
	s.LastActivity = e.clock.Now()
	if s.Status != model.SessionCollecting {
		e.stale(ctx, EntrySpeech, callID)
		return e.settle(ctx, cs, e.current(cs), true)
	}

	res := e.dialog.Advance(dialog.State{Step: s.Step, Fields: s.Fields, Reprompts: s.Reprompts}, speech)
	e.applyDialog(cs, res)

	switch {
	case res.Failed:
		e.log(ctx).Info().Str("call_sid", callID.String()).Msg("Dialog input exhausted")
		return e.settle(ctx, cs, e.fail(ctx, cs, ReasonInputExhausted, res.Prompt), true)
	case res.Expect != "":
		return e.settle(ctx, cs, Say(e.gatherSpeech(res.Expect, res.Prompt)), true)
	}

	resp := Say(Speak{Text: res.Prompt})
	if !res.Handoff() {
		res = e.dialog.Advance(res.State, "")
		e.applyDialog(cs, res)
		resp = resp.Then(Speak{Text: res.Prompt}, Pause{Length: verifyPause})
	}
	if !res.Handoff() {
		return e.violation(ctx, cs, "dialog did not hand off after verification", true)
	}

	e.setStatus(cs, model.SessionAwaitingAgent)
	e.log(ctx).Info().
		Str("call_sid", callID.String()).
		Str("name", s.Fields[model.FieldName]).
		Msg("Caller identified, routing")
	return e.settle(ctx, cs, resp.Then(e.route(ctx, cs, false).Directives...), true)
}

// OnHold is the caller's hold loop. It keeps a waiting caller on hold and
// hands over whatever the session now requires once it moved on.
func (e *Engine) OnHold(ctx context.Context, callID model.SID) Response {
	cs, ok := e.acquire(callID)
	if !ok {
		e.stale(ctx, EntryHold, callID)
		return Say(Speak{Text: PromptTechnicalFailure}, Hangup{})
	}
	defer cs.mu.Unlock()
	cs.s.LastActivity = e.clock.Now()
	return e.settle(ctx, cs, e.current(cs), true)
}

// OnAgentAnswer is invoked when a rung agent picks up
func (e *Engine) OnAgentAnswer(ctx context.Context, leg AgentLeg) Response {
	cs, ok := e.acquireOffer(leg)
	if !ok {
		e.stale(ctx, EntryAgentAnswer, leg.CallID)
		return Say(Speak{Text: PromptOfferGone}, Hangup{})
	}
	defer cs.mu.Unlock()

	s := cs.s
	s.LastActivity = e.clock.Now()
	if leg.LegID != "" && s.AgentCallSID == "" {
		s.AgentCallSID = leg.LegID
	}
	e.record(cs, "agent.answered", map[string]any{"agent_id": leg.AgentID})
	return e.settle(ctx, cs, Say(Gather{
		Input:     InputDigits,
		NumDigits: 1,
		Timeout:   e.cfg.DecisionTimeout,
		Prompt:    OfferPrompt(s.Fields[model.FieldName]),
		Action:    e.agentAction(EntryAgentDecision, s),
	}), false)
}

// OnAgentDecision finalizes the bridge when the agent accepts. A decline or
// timeout releases the agent and sends the caller back to routing.
func (e *Engine) OnAgentDecision(ctx context.Context, d AgentDecision) Response {
	cs, ok := e.acquireOffer(d.AgentLeg)
	if !ok {
		e.stale(ctx, EntryAgentDecision, d.CallID)
		return Say(Speak{Text: PromptOfferGone}, Hangup{})
	}
	defer cs.mu.Unlock()

	s := cs.s
	s.LastActivity = e.clock.Now()
	if d.LegID != "" && s.AgentCallSID == "" {
		s.AgentCallSID = d.LegID
	}

	if d.Accepted {
		if !s.AgentJoined {
			e.cancelTimer(cs)
			s.AgentJoined = true
			e.record(cs, "agent.accepted", map[string]any{"agent_id": d.AgentID})
			e.log(ctx).Info().
				Str("call_sid", s.ID.String()).
				Str("agent_id", d.AgentID).
				Msg("Agent accepted call")
		}
		return e.settle(ctx, cs, Say(
			Speak{Text: PromptAgentConnecting},
			e.agentConference(s),
			Hangup{},
		), false)
	}

	reason, prompt := DeclineRejected, PromptAgentDeclined
	if d.TimedOut {
		reason, prompt = DeclineTimeout, PromptAgentNoResponse
	}
	e.decline(ctx, cs, reason, false)
	return e.settle(ctx, cs, Say(Speak{Text: prompt}, Hangup{}), false)
}

// OnAgentLegStatus handles provider status events for an agent leg. A leg
// that ends before the agent accepted counts as a decline.
func (e *Engine) OnAgentLegStatus(ctx context.Context, leg AgentLeg, status model.CallStatus) {
	cs, ok := e.acquire(leg.CallID)
	if !ok {
		e.stale(ctx, EntryAgentStatus, leg.CallID)
		return
	}
	defer cs.mu.Unlock()

	e.record(cs, "agent.leg.status", map[string]any{
		"agent_id": leg.AgentID,
		"leg_sid":  leg.LegID.String(),
		"status":   string(status),
	})
	if !e.offerLive(cs, leg) {
		return
	}
	s := cs.s
	s.LastActivity = e.clock.Now()
	if leg.LegID != "" && s.AgentCallSID == "" {
		s.AgentCallSID = leg.LegID
	}
	if !status.IsTerminal() || s.AgentJoined {
		return
	}
	e.decline(ctx, cs, DeclineNoAnswer, false)
	e.settle(ctx, cs, Response{}, false)
}

// OnBridgeStatus records conference participant events on the timeline
func (e *Engine) OnBridgeStatus(ctx context.Context, ev BridgeEvent) {
	cs, ok := e.acquire(ev.CallID)
	if !ok {
		e.stale(ctx, EntryConferenceStatus, ev.CallID)
		return
	}
	defer cs.mu.Unlock()

	cs.s.LastActivity = e.clock.Now()
	e.record(cs, "bridge."+ev.Event, map[string]any{"leg_sid": ev.LegID.String()})
}

// OnCompletion tears the session down: the agent is released, timers are
// cancelled, and the session is marked and dropped. Completions for unknown
// or already completed calls are no-ops.
func (e *Engine) OnCompletion(ctx context.Context, c Completion) Response {
	cs, ok := e.acquire(c.CallID)
	if !ok {
		e.stale(ctx, EntryComplete, c.CallID)
		return Say(Hangup{})
	}
	defer cs.mu.Unlock()

	s := cs.s
	if c.OfferID != "" && c.OfferID != s.OfferID && !s.Status.IsTerminal() {
		// The caller left a bridge that a decline already abandoned
		e.stale(ctx, EntryComplete, c.CallID)
		s.LastActivity = e.clock.Now()
		return e.settle(ctx, cs, e.current(cs), true)
	}

	if s.Status == model.SessionQueued || s.Status == model.SessionAwaitingAgent {
		e.observeQueueWait(s)
		e.record(cs, "caller.abandoned", nil)
	}
	status := model.SessionCompleted
	if !c.Status.IsSuccess() {
		status = model.SessionFailed
	}
	e.finish(ctx, cs, status, ReasonProviderStatus)
	s.Duration = c.Duration
	e.record(cs, "session.ended", map[string]any{
		"call_status": string(c.Status),
		"duration":    c.Duration.Seconds(),
	})
	e.log(ctx).Info().
		Str("call_sid", s.ID.String()).
		Str("status", string(s.Status)).
		Dur("duration", c.Duration).
		Msg("Call completed")
	e.drop(cs)
	return Say(Hangup{})
}

func (e *Engine) applyDialog(cs *callSession, res dialog.Result) {
	s := cs.s
	if res.State.Step != s.Step {
		e.record(cs, "dialog.step", map[string]any{
			"from": string(s.Step),
			"to":   string(res.State.Step),
		})
	}
	if res.State.Reprompts > s.Reprompts {
		e.metrics.Reprompts.Inc()
		e.record(cs, "dialog.reprompt", map[string]any{"step": string(res.State.Step)})
	}
	s.Step = res.State.Step
	s.Fields = res.State.Fields
	s.Reprompts = res.State.Reprompts
}

// acquireOffer locks the session only while leg matches its live offer
func (e *Engine) acquireOffer(leg AgentLeg) (*callSession, bool) {
	cs, ok := e.acquire(leg.CallID)
	if !ok {
		return nil, false
	}
	if !e.offerLive(cs, leg) {
		cs.mu.Unlock()
		return nil, false
	}
	return cs, true
}

func (e *Engine) offerLive(cs *callSession, leg AgentLeg) bool {
	s := cs.s
	return s.Status == model.SessionBridged &&
		s.OfferID != "" &&
		s.OfferID == leg.OfferID &&
		s.AssignedAgentID == leg.AgentID
}

// current is the directive a caller should be hearing in the session's state
func (e *Engine) current(cs *callSession) Response {
	s := cs.s
	switch s.Status {
	case model.SessionCollecting:
		switch s.Step {
		case model.StepGreeting, model.StepCollectName:
			return Say(e.gatherSpeech(model.FieldName, dialog.PromptGreeting))
		case model.StepCollectAge:
			return Say(e.gatherSpeech(model.FieldAge, dialog.AgePrompt(s.Fields[model.FieldName])))
		}
		return Say(Speak{Text: PromptTechnicalFailure}, Hangup{})
	case model.SessionAwaitingAgent, model.SessionQueued:
		return e.holdLoop()
	case model.SessionBridged:
		agent, _ := e.registry.Get(s.AssignedAgentID)
		return e.connect(s, agent)
	}
	switch s.FailureReason {
	case ReasonInputExhausted:
		return Say(Speak{Text: dialog.PromptInputEnded}, Hangup{})
	case ReasonQueueTimeout, ReasonAttemptsExhausted:
		return Say(Speak{Text: PromptNoAgents}, Hangup{})
	case ReasonInvariantViolation:
		return Say(Speak{Text: PromptTechnicalFailure}, Hangup{})
	}
	return Say(Speak{Text: PromptGoodbye}, Hangup{})
}

func (e *Engine) gatherSpeech(field, prompt string) Gather {
	return Gather{
		Field:   field,
		Input:   InputSpeech,
		Timeout: speechTimeout,
		Prompt:  prompt,
		Action:  action(EntrySpeech),
	}
}

func (e *Engine) holdLoop() Response {
	var wait Directive = Pause{Length: holdSilence}
	if e.cfg.HoldMusicURL != "" {
		wait = Play{URL: e.cfg.HoldMusicURL}
	}
	return Say(wait, Redirect{Action: action(EntryHold)})
}

func (e *Engine) hold(prompt string) Response {
	return Say(Speak{Text: prompt}).Then(e.holdLoop().Directives...)
}

func (e *Engine) connect(s *model.Session, agent model.Agent) Response {
	name := agent.DisplayName
	if name == "" {
		name = "an agent"
	}
	return Say(
		Speak{Text: ConnectingPrompt(name)},
		Conference{
			Name:         ConferenceName(s.ID),
			Role:         RoleCaller,
			StartOnEnter: true,
			EndOnExit:    true,
			Action:       action(EntryComplete, ParamOffer, s.OfferID),
			StatusAction: action(EntryConferenceStatus, ParamCall, s.ID.String()),
		},
	)
}

func (e *Engine) agentConference(s *model.Session) Conference {
	return Conference{
		Name:         ConferenceName(s.ID),
		Role:         RoleAgent,
		StartOnEnter: false,
		EndOnExit:    true,
		StatusAction: action(EntryConferenceStatus, ParamCall, s.ID.String()),
	}
}

func (e *Engine) agentAction(entry Entrypoint, s *model.Session) Action {
	return action(entry,
		ParamCall, s.ID.String(),
		ParamAgent, s.AssignedAgentID,
		ParamOffer, s.OfferID,
	)
}
