// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"context"
	"time"

	"github.com/sprucehealth/voicerouter/model"
)

// Dispatcher pushes directives to the telephony provider. Every call is made
// off the webhook path; results come back later as callbacks.
type Dispatcher interface {
	// RingAgent places an outbound call to the agent and returns the agent leg id
	RingAgent(ctx context.Context, req RingRequest) (model.SID, error)
	// UpdateCall replaces whatever the live call is doing with resp
	UpdateCall(ctx context.Context, callSID model.SID, resp Response) error
	// HangupCall ends a live call
	HangupCall(ctx context.Context, callSID model.SID) error
	// FetchCallStatus reports the provider's view of a call
	FetchCallStatus(ctx context.Context, callSID model.SID) (model.CallStatus, error)
}

// RingRequest describes an agent leg to place
type RingRequest struct {
	CallID     model.SID
	OfferID    string
	Agent      model.Agent
	CallerName string
	// Answer is invoked when the agent picks up
	Answer Action
	// Status receives the agent leg's call status events
	Status  Action
	Timeout time.Duration
}

// Registry is the agent pool the engine claims from
type Registry interface {
	Claim(sessionID model.SID) (model.Agent, bool)
	ReleaseSession(agentID string, sessionID model.SID) bool
	BoundTo(agentID string, sessionID model.SID) bool
	Get(agentID string) (model.Agent, bool)
	List() []model.Agent
}

// EventSink receives session timeline events as they are recorded. Publish
// is called with the session locked and must not block.
type EventSink interface {
	Publish(callID model.SID, ev model.Event)
}

type nopDispatcher struct{}

func (nopDispatcher) RingAgent(context.Context, RingRequest) (model.SID, error) {
	return "", ErrNoDispatcher
}

func (nopDispatcher) UpdateCall(context.Context, model.SID, Response) error {
	return ErrNoDispatcher
}

func (nopDispatcher) HangupCall(context.Context, model.SID) error {
	return ErrNoDispatcher
}

func (nopDispatcher) FetchCallStatus(context.Context, model.SID) (model.CallStatus, error) {
	return "", ErrNoDispatcher
}
