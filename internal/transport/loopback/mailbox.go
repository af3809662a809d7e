package loopback

import (
	"sync"
	"time"
)

// mailbox runs posted functions one at a time, in post order, on its own
// goroutine. Each endpoint owns one, which is what makes event delivery for
// all of its channels and calls serial.
type mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []delivery
	stopped bool
}

type delivery struct {
	at time.Time
	fn func()
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

// post schedules fn to run no earlier than at. Posts after stop are dropped.
func (m *mailbox) post(at time.Time, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.queue = append(m.queue, delivery{at: at, fn: fn})
	m.cond.Signal()
}

// stop lets the mailbox drain what is queued and exit.
func (m *mailbox) stop() {
	m.mu.Lock()
	m.stopped = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *mailbox) run() {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.stopped {
			m.cond.Wait()
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		d := m.queue[0]
		m.queue[0] = delivery{}
		m.queue = m.queue[1:]
		m.mu.Unlock()

		if wait := time.Until(d.at); wait > 0 {
			time.Sleep(wait)
		}
		d.fn()
	}
}
