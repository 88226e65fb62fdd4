// Package phxtest provides deterministic test doubles for phxsocket:
// a virtual clock that advances on demand, and an in-memory transport pair
// for driving Socket/Channel behavior without a real network.
package phxtest

import (
	"container/heap"
	"sync"
	"time"

	"github.com/braverhealth/phoenix-socket-go"
)

// VirtualClock is a phxsocket.Clock whose Now() only moves when Advance is
// called, letting tests exercise reconnect delays, heartbeats, and push
// timeouts without sleeping.
type VirtualClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  timerHeap
	counter int
}

// NewVirtualClock returns a VirtualClock starting at the given time.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

// Now returns the clock's current virtual time.
func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules fn to run once the virtual clock has advanced to
// now+d.
func (c *VirtualClock) AfterFunc(d time.Duration, fn func()) phxsocket.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	t := &virtualTimer{clock: c, at: c.now.Add(d), fn: fn, seq: c.counter, active: true}
	heap.Push(&c.timers, t)
	return t
}

// Advance moves the virtual clock forward by d, synchronously firing (in
// scheduled order) every timer whose deadline is at or before the new time.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	var fired []func()
	for c.timers.Len() > 0 && c.timers[0].at.Compare(target) <= 0 {
		t := heap.Pop(&c.timers).(*virtualTimer)
		if !t.active {
			continue
		}
		t.active = false
		fired = append(fired, t.fn)
	}
	c.now = target
	c.mu.Unlock()

	for _, fn := range fired {
		fn()
	}
}

type virtualTimer struct {
	clock  *VirtualClock
	at     time.Time
	fn     func()
	seq    int
	active bool
	index  int
}

// Stop cancels the timer, returning whether it was still pending. Matches
// time.Timer.Stop's contract: stopping an already-fired or already-stopped
// timer is a harmless no-op that reports false.
func (t *virtualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := t.active
	t.active = false
	return wasActive
}

// Reset reschedules the timer to fire d after the clock's current time,
// returning whether it was still pending beforehand.
func (t *virtualTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := t.active
	if t.index >= 0 && t.index < t.clock.timers.Len() && t.clock.timers[t.index] == t {
		t.clock.timers.update(t, t.clock.now.Add(d))
	} else {
		t.at = t.clock.now.Add(d)
		t.active = true
		heap.Push(&t.clock.timers, t)
	}
	return wasActive
}

type timerHeap []*virtualTimer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*virtualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
func (h *timerHeap) update(t *virtualTimer, at time.Time) {
	t.at = at
	t.active = true
	heap.Fix(h, t.index)
}
