package phxsocket

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"
)

// connectionAttempt is a one-shot token representing a future "try to
// connect" action, per spec §4.1. It owns a delay timer and the result of
// running its callback once the delay elapses.
type connectionAttempt struct {
	id uint32

	clock    Clock
	callback func() error

	mu          sync.Mutex
	timer       Timer
	delayDone   bool
	delayErr    error
	callbackRan bool

	delayCh    chan struct{}
	callbackCh chan error
}

// newConnectionAttempt allocates an attempt with a random id and starts its
// delay timer immediately.
func newConnectionAttempt(clock Clock, delay time.Duration, callback func() error) *connectionAttempt {
	a := &connectionAttempt{
		id:         randomAttemptID(),
		clock:      clock,
		callback:   callback,
		delayCh:    make(chan struct{}),
		callbackCh: make(chan error, 1),
	}
	a.timer = clock.AfterFunc(delay, a.fireDelay)
	return a
}

func randomAttemptID() uint32 {
	id := uuid.New()
	return binary.BigEndian.Uint32(id[:4])
}

// fireDelay is invoked by the clock when the delay elapses naturally.
func (a *connectionAttempt) fireDelay() {
	a.resolveDelay(nil)
}

func (a *connectionAttempt) resolveDelay(err error) {
	a.mu.Lock()
	if a.delayDone {
		a.mu.Unlock()
		return
	}
	a.delayDone = true
	a.delayErr = err
	close(a.delayCh)
	a.mu.Unlock()

	if err != nil {
		a.resolveCallback(err)
		return
	}
	go a.runCallback()
}

func (a *connectionAttempt) runCallback() {
	err := a.callback()
	a.resolveCallback(err)
}

func (a *connectionAttempt) resolveCallback(err error) {
	a.mu.Lock()
	if a.callbackRan {
		a.mu.Unlock()
		return
	}
	a.callbackRan = true
	a.mu.Unlock()
	a.callbackCh <- err
}

// skipDelay collapses the timer, causing the callback to run immediately
// (within the same scheduling turn) instead of waiting out the rest of the
// delay. Idempotent after the delay has already resolved.
func (a *connectionAttempt) skipDelay() {
	a.mu.Lock()
	if a.delayDone {
		a.mu.Unlock()
		return
	}
	a.timer.Stop()
	a.mu.Unlock()
	a.resolveDelay(nil)
}

// abort cancels the timer and fails the delay (and therefore the callback)
// with ErrAttemptAborted. The callback never runs. Idempotent.
func (a *connectionAttempt) abort() {
	a.mu.Lock()
	if a.delayDone {
		a.mu.Unlock()
		return
	}
	a.timer.Stop()
	a.mu.Unlock()
	a.resolveDelay(ErrAttemptAborted)
}

// callbackFuture returns a channel that delivers the callback's error once
// the callback has run (or ErrAttemptAborted if the attempt was aborted
// before it could). The channel delivers a single value.
func (a *connectionAttempt) callbackFuture() <-chan error {
	return a.callbackCh
}

// equal compares attempts by id, per spec's value-equality requirement.
func (a *connectionAttempt) equal(other *connectionAttempt) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.id == other.id
}
