package phxsocket

import "time"

// Timer is a cancellable, resettable one-shot timer, the minimal surface the
// module needs from *time.Timer. Spec calls this out as a scheduler-agnostic
// abstraction so production and test code can share the same call sites.
type Timer interface {
	// Stop prevents the timer from firing, returning false if it already
	// fired or was already stopped.
	Stop() bool
	// Reset reschedules the timer to fire after d, returning false if it had
	// already fired or been stopped.
	Reset(d time.Duration) bool
}

// Clock creates timers and reports the current time. Production code uses
// RealClock; tests substitute phxtest.VirtualClock.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules f to run after d elapses, returning a Timer that
	// can cancel or reschedule it. RealClock runs f in its own goroutine;
	// phxtest.VirtualClock runs it synchronously inside Advance.
	AfterFunc(d time.Duration, f func()) Timer
}

// RealClock is the production Clock, backed directly by the standard
// library's time package.
type RealClock struct{}

// NewRealClock returns the production Clock implementation.
func NewRealClock() RealClock { return RealClock{} }

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{time.AfterFunc(d, f)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool               { return r.t.Stop() }
func (r realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }
