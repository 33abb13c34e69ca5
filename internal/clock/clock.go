// Package clock provides the time source used by the tracker.
//
// Real delegates to the time package. Virtual is a manually advanced clock:
// replay uses it to run recorded host signals faster than real time, and
// tests use it to drive debounce windows and flush intervals deterministically.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is a time source with one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer; false means it already fired or was stopped.
	Stop() bool
}

// Real is the wall clock.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Virtual is a clock that only moves when Advance or AdvanceTo is called.
// Due callbacks run synchronously on the advancing goroutine, in deadline
// order, with the clock set to each callback's deadline.
type Virtual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*virtualTimer
}

type virtualTimer struct {
	clock    *Virtual
	deadline time.Time
	seq      uint64
	f        func()
	stopped  bool
}

// NewVirtual creates a virtual clock starting at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

// Now returns the virtual time.
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// AfterFunc schedules f to run once the clock has advanced by d.
func (v *Virtual) AfterFunc(d time.Duration, f func()) Timer {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	t := &virtualTimer{clock: v, deadline: v.now.Add(d), seq: v.seq, f: f}
	v.timers = append(v.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that becomes due.
func (v *Virtual) Advance(d time.Duration) {
	v.AdvanceTo(v.Now().Add(d))
}

// AdvanceTo moves the clock to target, firing due timers on the way.
// Timers scheduled by a firing callback fire too if they fall before target.
// Moving backwards is a no-op.
func (v *Virtual) AdvanceTo(target time.Time) {
	for {
		v.mu.Lock()
		next := v.popDueLocked(target)
		if next == nil {
			if target.After(v.now) {
				v.now = target
			}
			v.mu.Unlock()
			return
		}
		if next.deadline.After(v.now) {
			v.now = next.deadline
		}
		v.mu.Unlock()
		next.f()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.timers)
}

// popDueLocked removes and returns the earliest timer due at or before target.
func (v *Virtual) popDueLocked(target time.Time) *virtualTimer {
	if len(v.timers) == 0 {
		return nil
	}
	sort.Slice(v.timers, func(i, j int) bool {
		if v.timers[i].deadline.Equal(v.timers[j].deadline) {
			return v.timers[i].seq < v.timers[j].seq
		}
		return v.timers[i].deadline.Before(v.timers[j].deadline)
	})
	first := v.timers[0]
	if first.deadline.After(target) {
		return nil
	}
	v.timers = v.timers[1:]
	first.stopped = true
	return first
}

// Stop removes the timer from the clock.
func (t *virtualTimer) Stop() bool {
	v := t.clock
	v.mu.Lock()
	defer v.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	for i, other := range v.timers {
		if other == t {
			v.timers = append(v.timers[:i], v.timers[i+1:]...)
			break
		}
	}
	return true
}
