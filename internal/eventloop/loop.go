// Package eventloop runs state-machine handlers one at a time on a single
// goroutine. Transport callbacks, timers and user commands all enter as
// posted functions, so state owned by a loop is never touched concurrently
// and needs no locks.
package eventloop

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned when work is submitted to a stopped loop.
var ErrStopped = errors.New("eventloop: stopped")

const defaultQueueSize = 256

// Loop is a single-consumer event queue.
type Loop struct {
	queue chan func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	stopOnce sync.Once
}

// New starts a loop that runs until Stop is called or parent is cancelled.
func New(parent context.Context) *Loop {
	ctx, cancel := context.WithCancel(parent)
	l := &Loop{
		queue:  make(chan func(), defaultQueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.queue:
			// A stop issued by an earlier handler wins over queued work.
			if l.ctx.Err() != nil {
				return
			}
			fn()
		case <-l.ctx.Done():
			return
		}
	}
}

// Post enqueues fn. It blocks while the queue is full and reports false if
// the loop stopped first. Safe to call from any goroutine, including the
// loop itself as long as the queue is not full.
func (l *Loop) Post(fn func()) bool {
	if l.ctx.Err() != nil {
		return false
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.ctx.Done():
		return false
	}
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from the loop goroutine.
func (l *Loop) Do(fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// The loop may have exited right after running fn.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Stop cancels the loop. Queued work that has not started is discarded.
// It does not wait, so handlers may stop their own loop.
func (l *Loop) Stop() {
	l.stopOnce.Do(l.cancel)
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Context is cancelled when the loop stops. Work started off-loop on behalf
// of the loop (dials, captures) should use it.
func (l *Loop) Context() context.Context {
	return l.ctx
}

// Stopped reports whether Stop was called or the parent was cancelled.
func (l *Loop) Stopped() bool {
	return l.ctx.Err() != nil
}
