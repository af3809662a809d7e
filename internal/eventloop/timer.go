package eventloop

import "time"

// Timer fires a handler on its loop after a delay. Stop and the firing
// check both run on the loop goroutine, so a stopped timer never runs its
// handler even when the underlying time.Timer had already expired and the
// fire event was queued.
type Timer struct {
	t       *time.Timer
	stopped bool
}

// After schedules fn on the loop after d.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.stopped {
				return
			}
			tm.stopped = true
			fn()
		})
	})
	return tm
}

// Stop cancels the timer. It must be called on the loop goroutine. Calling
// Stop on a nil, fired or already stopped timer is a no-op.
func (tm *Timer) Stop() {
	if tm == nil || tm.stopped {
		return
	}
	tm.stopped = true
	tm.t.Stop()
}

// Active reports whether the timer is still pending. Loop goroutine only.
func (tm *Timer) Active() bool {
	return tm != nil && !tm.stopped
}
