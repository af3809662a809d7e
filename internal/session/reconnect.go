package session

import (
	"time"

	"github.com/1ureka/jamsync/internal/eventloop"
)

// Reconnector drives bounded retries after a connection loss. Every method
// must be called on its loop. An attempt is started by the attempt
// callback; its owner reports the outcome with Reset (success) or Failed.
type Reconnector struct {
	loop  *eventloop.Loop
	delay time.Duration
	max   int

	attempt   func(n int) // start attempt n, 1-based
	exhausted func()      // max consecutive attempts failed

	attempts int
	active   bool
	timer    *eventloop.Timer
}

func NewReconnector(loop *eventloop.Loop, delay time.Duration, max int, attempt func(n int), exhausted func()) *Reconnector {
	return &Reconnector{loop: loop, delay: delay, max: max, attempt: attempt, exhausted: exhausted}
}

// Trigger starts retrying. A loss reported while already retrying is
// ignored; the running attempt reports its own outcome.
func (r *Reconnector) Trigger() {
	if r.active {
		return
	}
	r.active = true
	r.schedule()
}

// Failed records a failed attempt and schedules the next, or gives up
// after max consecutive failures.
func (r *Reconnector) Failed() {
	if !r.active {
		return
	}
	r.schedule()
}

// Reset records success: the attempt counter returns to zero.
func (r *Reconnector) Reset() {
	r.attempts = 0
	r.active = false
	r.timer.Stop()
}

// Stop abandons retrying without reporting exhaustion.
func (r *Reconnector) Stop() {
	r.active = false
	r.timer.Stop()
}

// Active reports whether retries are in progress.
func (r *Reconnector) Active() bool { return r.active }

// Attempts returns the number of consecutive attempts started.
func (r *Reconnector) Attempts() int { return r.attempts }

func (r *Reconnector) schedule() {
	if r.attempts >= r.max {
		r.active = false
		r.exhausted()
		return
	}
	r.timer = r.loop.After(r.delay, func() {
		r.attempts++
		r.attempt(r.attempts)
	})
}
