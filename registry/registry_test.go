// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package registry_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprucehealth/voicerouter/model"
	"github.com/sprucehealth/voicerouter/registry"
)

func newRegistry(t *testing.T, agents ...model.Agent) *registry.Registry {
	t.Helper()
	r, err := registry.New(agents)
	require.NoError(t, err)
	return r
}

func agent(id string, a model.Availability) model.Agent {
	return model.Agent{ID: id, DisplayName: "Agent " + id, ContactAddress: "+1555000" + id, Availability: a}
}

func assertConsistent(t *testing.T, r *registry.Registry) {
	t.Helper()
	for _, a := range r.List() {
		assert.True(t, a.Consistent(), "agent %s inconsistent: %+v", a.ID, a)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := registry.New([]model.Agent{agent("A1", model.Available), agent("A1", model.Available)})
	assert.ErrorIs(t, err, registry.ErrDuplicateAgent)

	_, err = registry.New([]model.Agent{{DisplayName: "nobody"}})
	assert.Error(t, err)
}

func TestNewNormalizesBusy(t *testing.T) {
	r := newRegistry(t, model.Agent{ID: "A1", Availability: model.Busy, CurrentSessionID: "CAstale"})
	a, ok := r.Get("A1")
	require.True(t, ok)
	assert.Equal(t, model.Available, a.Availability)
	assert.Empty(t, a.CurrentSessionID)
}

func TestClaimFirstAvailableInOrder(t *testing.T) {
	r := newRegistry(t,
		agent("A1", model.Offline),
		agent("A2", model.Available),
		agent("A3", model.Available),
	)

	a, ok := r.Claim("CA1")
	require.True(t, ok)
	assert.Equal(t, "A2", a.ID)
	assert.Equal(t, model.Busy, a.Availability)
	assert.Equal(t, model.SID("CA1"), a.CurrentSessionID)

	a, ok = r.Claim("CA2")
	require.True(t, ok)
	assert.Equal(t, "A3", a.ID)

	_, ok = r.Claim("CA3")
	assert.False(t, ok)
	assertConsistent(t, r)
}

func TestConcurrentClaimsNeverShareAnAgent(t *testing.T) {
	const agents, callers = 5, 50
	var list []model.Agent
	for i := 0; i < agents; i++ {
		list = append(list, agent(fmt.Sprint(i), model.Available))
	}
	r := newRegistry(t, list...)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins = map[string]model.SID{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sid := model.SID(fmt.Sprintf("CA%d", i))
			if a, ok := r.Claim(sid); ok {
				mu.Lock()
				defer mu.Unlock()
				_, dup := wins[a.ID]
				assert.False(t, dup, "agent %s claimed twice", a.ID)
				wins[a.ID] = sid
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, wins, agents)
	for id, sid := range wins {
		assert.True(t, r.BoundTo(id, sid))
	}
	assertConsistent(t, r)
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := newRegistry(t, agent("A1", model.Available))
	_, ok := r.Claim("CA1")
	require.True(t, ok)

	require.NoError(t, r.Release("A1"))
	require.NoError(t, r.Release("A1"))

	a, _ := r.Get("A1")
	assert.Equal(t, model.Available, a.Availability)
	assert.Empty(t, a.CurrentSessionID)

	assert.ErrorIs(t, r.Release("nope"), registry.ErrAgentNotFound)
}

func TestReleaseSessionOnlyFreesMatchingBinding(t *testing.T) {
	r := newRegistry(t, agent("A1", model.Available))
	_, ok := r.Claim("CA1")
	require.True(t, ok)

	assert.False(t, r.ReleaseSession("A1", "CA2"))
	assert.True(t, r.BoundTo("A1", "CA1"))

	assert.True(t, r.ReleaseSession("A1", "CA1"))
	assert.False(t, r.ReleaseSession("A1", "CA1"))
	assert.False(t, r.ReleaseSession("missing", "CA1"))
}

func TestOfflineWhileBusyAppliesOnRelease(t *testing.T) {
	r := newRegistry(t, agent("A1", model.Available))
	_, ok := r.Claim("CA1")
	require.True(t, ok)

	a, err := r.SetAvailability("A1", model.Offline)
	require.NoError(t, err)
	assert.Equal(t, model.Busy, a.Availability, "call in progress is not interrupted")

	require.NoError(t, r.Release("A1"))
	a, _ = r.Get("A1")
	assert.Equal(t, model.Offline, a.Availability)

	_, ok = r.Claim("CA2")
	assert.False(t, ok)
}

func TestAvailableWhileBusyCancelsPendingOffline(t *testing.T) {
	r := newRegistry(t, agent("A1", model.Available))
	_, _ = r.Claim("CA1")
	_, err := r.SetAvailability("A1", model.Offline)
	require.NoError(t, err)
	_, err = r.SetAvailability("A1", model.Available)
	require.NoError(t, err)

	require.NoError(t, r.Release("A1"))
	a, _ := r.Get("A1")
	assert.Equal(t, model.Available, a.Availability)
}

func TestSetAvailabilityValidation(t *testing.T) {
	r := newRegistry(t, agent("A1", model.Offline))

	_, err := r.SetAvailability("A1", model.Busy)
	assert.ErrorIs(t, err, registry.ErrInvalidAvailability)

	_, err = r.SetAvailability("A9", model.Available)
	assert.ErrorIs(t, err, registry.ErrAgentNotFound)

	a, err := r.SetAvailability("A1", model.Available)
	require.NoError(t, err)
	assert.Equal(t, model.Available, a.Availability)
	assertConsistent(t, r)
}

func TestStats(t *testing.T) {
	r := newRegistry(t,
		agent("A1", model.Available),
		agent("A2", model.Available),
		agent("A3", model.Offline),
	)
	_, _ = r.Claim("CA1")
	assert.Equal(t, registry.Stats{Available: 1, Busy: 1, Offline: 1}, r.Stats())
}
