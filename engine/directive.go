// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import "time"

// Entrypoint names a callback the provider invokes next
type Entrypoint string

const (
	EntryInbound          Entrypoint = "inbound"
	EntrySpeech           Entrypoint = "speech"
	EntryHold             Entrypoint = "hold"
	EntryAgentAnswer      Entrypoint = "agent-answer"
	EntryAgentDecision    Entrypoint = "agent-decision"
	EntryAgentStatus      Entrypoint = "agent-status"
	EntryConferenceStatus Entrypoint = "conference-status"
	EntryComplete         Entrypoint = "complete"
	EntryStatus           Entrypoint = "status"
)

// Query parameters carried by agent-leg and bridge callbacks
const (
	ParamCall  = "call"
	ParamAgent = "agent"
	ParamOffer = "offer"
)

// Action is a transport-agnostic reference to an entrypoint
type Action struct {
	Entrypoint Entrypoint
	Params     map[string]string
}

// IsZero reports whether the action is unset
func (a Action) IsZero() bool {
	return a.Entrypoint == ""
}

// InputKind is what a Gather listens for
type InputKind string

const (
	InputSpeech InputKind = "speech"
	InputDigits InputKind = "dtmf"
)

// Role is a party's role in a bridge
type Role string

const (
	RoleCaller Role = "caller"
	RoleAgent  Role = "agent"
)

// Directive is an instruction for what a party hears or does next
type Directive interface {
	isDirective()
}

// Speak says text to the party
type Speak struct {
	Text string
}

func (Speak) isDirective() {}

// Gather prompts and collects one answer, posting it to Action. An empty
// answer is posted as well.
type Gather struct {
	Field     string
	Input     InputKind
	NumDigits int
	Timeout   time.Duration
	Prompt    string
	Action    Action
}

func (Gather) isDirective() {}

// Pause waits silently
type Pause struct {
	Length time.Duration
}

func (Pause) isDirective() {}

// Play plays audio, Loop times (0 means once)
type Play struct {
	URL  string
	Loop int
}

func (Play) isDirective() {}

// Conference places the party into a named conference. The first party with
// StartOnEnter starts it; a party with EndOnExit ends it by leaving.
type Conference struct {
	Name         string
	Role         Role
	StartOnEnter bool
	EndOnExit    bool
	// Action receives the dial outcome once the party leaves
	Action Action
	// StatusAction receives participant join/leave events
	StatusAction Action
}

func (Conference) isDirective() {}

// Redirect continues the call at another entrypoint
type Redirect struct {
	Action Action
}

func (Redirect) isDirective() {}

// Hangup ends the call
type Hangup struct{}

func (Hangup) isDirective() {}

// Response is an ordered list of directives for one party
type Response struct {
	Directives []Directive
}

// Say builds a response from directives
func Say(d ...Directive) Response {
	return Response{Directives: d}
}

// Then returns a response with d appended
func (r Response) Then(d ...Directive) Response {
	out := make([]Directive, 0, len(r.Directives)+len(d))
	out = append(out, r.Directives...)
	out = append(out, d...)
	return Response{Directives: out}
}

// Empty reports whether the response has no directives
func (r Response) Empty() bool {
	return len(r.Directives) == 0
}

// HangsUp reports whether the response ends the call
func (r Response) HangsUp() bool {
	if len(r.Directives) == 0 {
		return false
	}
	_, ok := r.Directives[len(r.Directives)-1].(Hangup)
	return ok
}

// Conference returns the first conference directive, if any
func (r Response) Conference() (Conference, bool) {
	for _, d := range r.Directives {
		if c, ok := d.(Conference); ok {
			return c, true
		}
	}
	return Conference{}, false
}

// Gather returns the first gather directive, if any
func (r Response) Gather() (Gather, bool) {
	for _, d := range r.Directives {
		if g, ok := d.(Gather); ok {
			return g, true
		}
	}
	return Gather{}, false
}

// Redirect returns the first redirect directive, if any
func (r Response) Redirect() (Redirect, bool) {
	for _, d := range r.Directives {
		if rd, ok := d.(Redirect); ok {
			return rd, true
		}
	}
	return Redirect{}, false
}

func action(entry Entrypoint, kv ...string) Action {
	a := Action{Entrypoint: entry}
	if len(kv) > 0 {
		a.Params = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			a.Params[kv[i]] = kv[i+1]
		}
	}
	return a
}
