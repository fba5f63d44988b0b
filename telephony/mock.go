// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package telephony

import (
	"context"
	"sync"
	"time"

	"github.com/sprucehealth/voicerouter/engine"
	"github.com/sprucehealth/voicerouter/model"
)

// Mock is a test double that records every provider request
type Mock struct {
	mu      sync.Mutex
	Rings   []engine.RingRequest
	Updates []MockUpdate
	Hangups []model.SID
	Fetches []model.SID

	// RingFunc controls RingAgent results. Default returns a fake call SID.
	RingFunc func(req engine.RingRequest) (model.SID, error)
	// UpdateFunc controls UpdateCall results. Default succeeds.
	UpdateFunc func(callSID model.SID, resp engine.Response) error
	// StatusFunc controls FetchCallStatus results. Default reports in-progress.
	StatusFunc func(callSID model.SID) (model.CallStatus, error)
}

// MockUpdate records an UpdateCall
type MockUpdate struct {
	CallSID  model.SID
	Response engine.Response
	Time     time.Time
}

var _ engine.Dispatcher = (*Mock)(nil)

// NewMock creates a new mock dispatcher
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) RingAgent(ctx context.Context, req engine.RingRequest) (model.SID, error) {
	m.mu.Lock()
	m.Rings = append(m.Rings, req)
	fn := m.RingFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return model.NewCallSID(), nil
}

func (m *Mock) UpdateCall(ctx context.Context, callSID model.SID, resp engine.Response) error {
	m.mu.Lock()
	m.Updates = append(m.Updates, MockUpdate{CallSID: callSID, Response: resp, Time: time.Now()})
	fn := m.UpdateFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(callSID, resp)
	}
	return nil
}

func (m *Mock) HangupCall(ctx context.Context, callSID model.SID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Hangups = append(m.Hangups, callSID)
	return nil
}

func (m *Mock) FetchCallStatus(ctx context.Context, callSID model.SID) (model.CallStatus, error) {
	m.mu.Lock()
	m.Fetches = append(m.Fetches, callSID)
	fn := m.StatusFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(callSID)
	}
	return model.CallInProgress, nil
}

// RingRequests returns a copy of the recorded agent rings
func (m *Mock) RingRequests() []engine.RingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]engine.RingRequest(nil), m.Rings...)
}

// UpdatesTo returns the UpdateCall requests for one call
func (m *Mock) UpdatesTo(callSID model.SID) []MockUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []MockUpdate
	for _, u := range m.Updates {
		if u.CallSID == callSID {
			result = append(result, u)
		}
	}
	return result
}

// LastUpdateTo returns the most recent UpdateCall for one call
func (m *Mock) LastUpdateTo(callSID model.SID) (engine.Response, bool) {
	updates := m.UpdatesTo(callSID)
	if len(updates) == 0 {
		return engine.Response{}, false
	}
	return updates[len(updates)-1].Response, true
}

// HungUp returns the calls hung up through the dispatcher
func (m *Mock) HungUp() []model.SID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.SID(nil), m.Hangups...)
}

// Reset clears all recorded requests
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rings = nil
	m.Updates = nil
	m.Hangups = nil
	m.Fetches = nil
}
