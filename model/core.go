// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// SID is a provider call identifier such as "CA0123..."
type SID string

func (s SID) String() string {
	return string(s)
}

// CallStatus is the call status reported by the telephony provider
type CallStatus string

const (
	CallQueued     CallStatus = "queued"
	CallRinging    CallStatus = "ringing"
	CallInProgress CallStatus = "in-progress"
	CallCompleted  CallStatus = "completed"
	CallBusy       CallStatus = "busy"
	CallFailed     CallStatus = "failed"
	CallNoAnswer   CallStatus = "no-answer"
	CallCanceled   CallStatus = "canceled"
	CallAnswered   CallStatus = "answered"
)

// IsTerminal reports whether the provider will send no further events for the call.
// Unknown statuses are treated as non-terminal.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallCompleted, CallCanceled, CallFailed, CallNoAnswer, CallBusy:
		return true
	default:
		return false
	}
}

// IsSuccess reports whether a terminal status represents a call that was
// actually connected and then ended normally.
func (s CallStatus) IsSuccess() bool {
	return s == CallCompleted || s == CallAnswered
}

// Event represents a timeline event for a session
type Event struct {
	Time   time.Time      `json:"time"`
	Type   string         `json:"type"` // "session.created", "agent.claimed", "status.changed", etc.
	Detail map[string]any `json:"detail"`
}

// NewEvent creates a new timeline event
func NewEvent(t time.Time, eventType string, detail map[string]any) Event {
	if detail == nil {
		detail = make(map[string]any)
	}
	return Event{
		Time:   t,
		Type:   eventType,
		Detail: detail,
	}
}

var callCounter uint64

// NewCallSID generates a fake Call SID (CAFAKE prefix, 34 chars total).
// Used by the mock dispatcher to name agent legs.
func NewCallSID() SID {
	counter := atomic.AddUint64(&callCounter, 1)
	// CAFAKE (6) + counter hex (14) + random hex (14) = 34
	b := make([]byte, 7)
	rand.Read(b)
	return SID(fmt.Sprintf("CAFAKE%014x%s", counter, hex.EncodeToString(b)[:14]))
}
