// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"container/heap"
	"sync"
	"time"
)

// Clock provides time operations for deterministic testing
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer represents a cancellable timer
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// AutoClock uses real time
type AutoClock struct{}

// NewAutoClock creates a clock that uses real time
func NewAutoClock() *AutoClock {
	return &AutoClock{}
}

func (c *AutoClock) Now() time.Time {
	return time.Now()
}

func (c *AutoClock) AfterFunc(d time.Duration, f func()) Timer {
	return &autoTimer{timer: time.AfterFunc(d, f)}
}

type autoTimer struct {
	timer *time.Timer
}

func (t *autoTimer) Stop() bool {
	return t.timer.Stop()
}

// ManualClock provides deterministic time control for testing. Timers fire
// synchronously inside Advance, in deadline order.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers timerHeap
}

// NewManualClock creates a clock with manual time control
func NewManualClock(start time.Time) *ManualClock {
	if start.IsZero() {
		start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &ManualClock{
		now:    start,
		timers: make(timerHeap, 0),
	}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	mt := &manualTimer{
		fireAt: c.now.Add(d),
		seq:    c.seq,
		fn:     f,
		clock:  c,
	}
	heap.Push(&c.timers, mt)
	return mt
}

// Advance moves time forward and fires all timers that become due, including
// timers scheduled by callbacks that fire during the advance.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.fireDueTimers(target)
	c.now = target
	c.mu.Unlock()
}

// Pending returns the number of scheduled timers
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// fireDueTimers must be called with c.mu held. The clock reads each timer's
// deadline while it fires so callbacks observe the time they were due.
func (c *ManualClock) fireDueTimers(target time.Time) {
	for len(c.timers) > 0 {
		mt := c.timers[0]
		if mt.fireAt.After(target) {
			break
		}
		heap.Pop(&c.timers)
		mt.done = true
		if mt.fireAt.After(c.now) {
			c.now = mt.fireAt
		}
		// Execute callback without holding lock
		c.mu.Unlock()
		mt.fn()
		c.mu.Lock()
	}
}

type manualTimer struct {
	fireAt time.Time
	seq    uint64
	fn     func()
	clock  *ManualClock
	done   bool
	index  int // for heap
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	heap.Remove(&t.clock.timers, t.index)
	return true
}

// timerHeap implements heap.Interface for timers, ordered by deadline then
// scheduling order.
type timerHeap []*manualTimer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	n := len(*h)
	timer := x.(*manualTimer)
	timer.index = n
	*h = append(*h, timer)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	timer := old[n-1]
	old[n-1] = nil
	timer.index = -1
	*h = old[0 : n-1]
	return timer
}
