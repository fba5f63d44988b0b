// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package model

import (
	"maps"
	"slices"
	"time"
)

// DialogStep is the caller's position in the voice dialog
type DialogStep string

const (
	StepGreeting    DialogStep = "greeting"
	StepCollectName DialogStep = "collect_name"
	StepCollectAge  DialogStep = "collect_age"
	StepVerifying   DialogStep = "verifying"
	StepRouting     DialogStep = "routing"
	StepConnected   DialogStep = "connected"
	StepEnded       DialogStep = "ended"
)

// IsTerminal reports whether the dialog can make no further progress
func (s DialogStep) IsTerminal() bool {
	return s == StepConnected || s == StepEnded
}

// SessionStatus is the routing status of a call session
type SessionStatus string

const (
	SessionCollecting    SessionStatus = "collecting"
	SessionAwaitingAgent SessionStatus = "awaiting_agent"
	SessionQueued        SessionStatus = "queued"
	SessionBridged       SessionStatus = "bridged"
	SessionCompleted     SessionStatus = "completed"
	SessionFailed        SessionStatus = "failed"
)

func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Field names collected by the dialog
const (
	FieldName = "name"
	FieldAge  = "age"
)

// Session tracks one inbound call from greeting to teardown.
// When Status is SessionBridged, AssignedAgentID is set and the agent is Busy
// with CurrentSessionID equal to ID.
type Session struct {
	ID              SID               `json:"id"`
	CallerAddress   string            `json:"caller_address"`
	CalleeAddress   string            `json:"callee_address,omitempty"`
	Step            DialogStep        `json:"step"`
	Fields          map[string]string `json:"fields"`
	Reprompts       int               `json:"reprompts"`
	AssignedAgentID string            `json:"assigned_agent_id,omitempty"`
	Status          SessionStatus     `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	Duration        time.Duration     `json:"duration,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty"`

	// Routing bookkeeping
	OfferID       string     `json:"offer_id,omitempty"`
	AgentCallSID  SID        `json:"agent_call_sid,omitempty"`
	AgentAttempts int        `json:"agent_attempts"`
	AgentJoined   bool       `json:"agent_joined"`
	QueuedAt      *time.Time `json:"queued_at,omitempty"`
	LastActivity  time.Time  `json:"last_activity"`

	Timeline []Event `json:"timeline"`
}

// Clone returns a deep copy safe to hand outside the owning lock
func (s *Session) Clone() *Session {
	c := *s
	c.Fields = maps.Clone(s.Fields)
	if c.Fields == nil {
		c.Fields = map[string]string{}
	}
	c.Timeline = slices.Clone(s.Timeline)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.QueuedAt != nil {
		t := *s.QueuedAt
		c.QueuedAt = &t
	}
	return &c
}
