// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package registry owns the pool of agents and the atomic claim/release
// operations the scheduler uses to bind an agent to a call.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sprucehealth/voicerouter/model"
)

var (
	ErrAgentNotFound       = errors.New("agent not found")
	ErrInvalidAvailability = errors.New("invalid availability")
	ErrDuplicateAgent      = errors.New("duplicate agent id")
)

// Registry is an in-memory agent pool. Iteration order is the order agents
// were supplied to New and never changes.
type Registry struct {
	mu     sync.Mutex
	agents []*entry
	byID   map[string]*entry
}

type entry struct {
	agent model.Agent
	// pendingOffline is set when an operator takes a Busy agent offline;
	// the agent goes Offline instead of Available when released.
	pendingOffline bool
}

// Stats counts agents by availability
type Stats struct {
	Available int `json:"available"`
	Busy      int `json:"busy"`
	Offline   int `json:"offline"`
}

// New creates a registry from static configuration. Agents configured as Busy
// start Available since no session exists yet.
func New(agents []model.Agent) (*Registry, error) {
	r := &Registry{byID: make(map[string]*entry, len(agents))}
	for _, a := range agents {
		if a.ID == "" {
			return nil, fmt.Errorf("agent %q: empty id", a.DisplayName)
		}
		if _, ok := r.byID[a.ID]; ok {
			return nil, fmt.Errorf("agent %s: %w", a.ID, ErrDuplicateAgent)
		}
		switch a.Availability {
		case model.Available, model.Offline:
		default:
			a.Availability = model.Available
		}
		a.CurrentSessionID = ""
		e := &entry{agent: a}
		r.agents = append(r.agents, e)
		r.byID[a.ID] = e
	}
	return r, nil
}

// Claim binds the first Available agent to sessionID and marks it Busy.
// Concurrent claims never return the same agent.
func (r *Registry) Claim(sessionID model.SID) (model.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.agents {
		if e.agent.Availability == model.Available {
			e.agent.Availability = model.Busy
			e.agent.CurrentSessionID = sessionID
			return e.agent, true
		}
	}
	return model.Agent{}, false
}

// Release returns the agent to Available and clears its session. Releasing an
// agent that is not Busy is a no-op.
func (r *Registry) Release(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[agentID]
	if !ok {
		return fmt.Errorf("release %s: %w", agentID, ErrAgentNotFound)
	}
	r.release(e)
	return nil
}

// ReleaseSession releases the agent only while it is still bound to
// sessionID, reporting whether it did.
func (r *Registry) ReleaseSession(agentID string, sessionID model.SID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[agentID]
	if !ok || e.agent.CurrentSessionID != sessionID {
		return false
	}
	r.release(e)
	return true
}

func (r *Registry) release(e *entry) {
	if e.agent.Availability != model.Busy {
		return
	}
	e.agent.CurrentSessionID = ""
	if e.pendingOffline {
		e.agent.Availability = model.Offline
		e.pendingOffline = false
		return
	}
	e.agent.Availability = model.Available
}

// SetAvailability is the operator override. Taking a Busy agent Offline does
// not end its call; the agent goes Offline once released. Busy can only be
// reached through Claim.
func (r *Registry) SetAvailability(agentID string, a model.Availability) (model.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[agentID]
	if !ok {
		return model.Agent{}, fmt.Errorf("set availability %s: %w", agentID, ErrAgentNotFound)
	}

	switch a {
	case model.Available, model.Offline:
	default:
		return e.agent, fmt.Errorf("set availability %s to %q: %w", agentID, a, ErrInvalidAvailability)
	}

	if e.agent.Availability == model.Busy {
		e.pendingOffline = a == model.Offline
		return e.agent, nil
	}
	e.agent.Availability = a
	return e.agent, nil
}

// Get returns a copy of the agent
func (r *Registry) Get(agentID string) (model.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[agentID]
	if !ok {
		return model.Agent{}, false
	}
	return e.agent, true
}

// List returns copies of all agents in registry order
func (r *Registry) List() []model.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Agent, len(r.agents))
	for i, e := range r.agents {
		out[i] = e.agent
	}
	return out
}

// Stats counts agents per availability
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Stats
	for _, e := range r.agents {
		switch e.agent.Availability {
		case model.Available:
			s.Available++
		case model.Busy:
			s.Busy++
		case model.Offline:
			s.Offline++
		}
	}
	return s
}

// BoundTo reports whether the agent is Busy on sessionID
func (r *Registry) BoundTo(agentID string, sessionID model.SID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[agentID]
	return ok && e.agent.Availability == model.Busy && e.agent.CurrentSessionID == sessionID
}
