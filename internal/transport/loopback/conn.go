package loopback

import (
	"errors"
	"sync"

	"github.com/1ureka/jamsync/internal/transport"
)

// half is one end of a channel.
type half struct {
	id     string
	owner  *Endpoint
	peerID string
	ev     transport.ChannelEvents

	mu     sync.Mutex
	open   bool
	closed bool
	remote *half
}

func (h *half) ID() string   { return h.id }
func (h *half) Peer() string { return h.peerID }

// Send delivers a copy of data to the remote end.
func (h *half) Send(data []byte) error {
	h.mu.Lock()
	if !h.open || h.closed {
		h.mu.Unlock()
		return transport.ErrClosed
	}
	remote := h.remote
	h.mu.Unlock()

	buf := append([]byte(nil), data...)
	h.owner.net.deliver(remote.owner, func() {
		if !remote.isClosed() {
			remote.ev.EmitMessage(buf)
		}
	})
	return nil
}

func (h *half) Close() error {
	h.shutdown(true)
	return nil
}

func (h *half) link(remote *half) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.remote = remote
	return true
}

// markOpen runs on the owner's mailbox.
func (h *half) markOpen() {
	h.mu.Lock()
	if h.closed || h.open {
		h.mu.Unlock()
		return
	}
	h.open = true
	h.mu.Unlock()
	h.ev.EmitOpen()
}

func (h *half) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// fail reports err and closes, on the owner's mailbox.
func (h *half) fail(err error) {
	h.owner.net.deliver(h.owner, func() {
		if h.isClosed() {
			return
		}
		h.ev.EmitError(err)
		h.shutdown(false)
	})
}

func (h *half) shutdown(notify bool) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	remote := h.remote
	h.mu.Unlock()

	h.owner.forgetChannel(h)
	h.owner.net.deliver(h.owner, func() { h.ev.EmitClose() })
	if notify && remote != nil {
		h.owner.net.deliver(remote.owner, func() { remote.shutdown(false) })
	}
}

// stream is the Stream a callee receives.
type stream struct {
	id string
}

func (s stream) ID() string { return s.id }

// callHalf is one end of a media call.
type callHalf struct {
	id       string
	owner    *Endpoint
	peerID   string
	outgoing bool
	ev       transport.CallEvents

	mu       sync.Mutex
	src      transport.MediaSource
	replaced int
	answered bool
	closed   bool
	remote   *callHalf
}

func (c *callHalf) ID() string   { return c.id }
func (c *callHalf) Peer() string { return c.peerID }

// Answer accepts an inbound call; the stream is reported right away.
func (c *callHalf) Answer() error {
	if c.outgoing {
		return errors.New("loopback: cannot answer an outgoing call")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if c.answered {
		c.mu.Unlock()
		return nil
	}
	c.answered = true
	remote := c.remote
	c.mu.Unlock()

	remote.mu.Lock()
	remote.answered = true
	remote.mu.Unlock()

	c.owner.net.deliver(c.owner, func() {
		if !c.isClosed() {
			c.ev.EmitStream(stream{id: "stream-" + c.id})
		}
	})
	return nil
}

// ReplaceTrack swaps the carried source; the callee keeps its stream.
func (c *callHalf) ReplaceTrack(src transport.MediaSource) error {
	if !c.outgoing {
		return errors.New("loopback: callee has no outgoing track")
	}
	if src == nil {
		return transport.ErrNoTrack
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.src = src
	c.replaced++
	return nil
}

func (c *callHalf) Close() error {
	c.shutdown(true)
	return nil
}

func (c *callHalf) link(remote *callHalf) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.remote = remote
	return true
}

func (c *callHalf) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *callHalf) fail(err error) {
	c.owner.net.deliver(c.owner, func() {
		if c.isClosed() {
			return
		}
		c.ev.EmitError(err)
		c.shutdown(false)
	})
}

func (c *callHalf) shutdown(notify bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	remote := c.remote
	c.mu.Unlock()

	c.owner.forgetCall(c)
	c.owner.net.deliver(c.owner, func() { c.ev.EmitClose() })
	if notify && remote != nil {
		c.owner.net.deliver(remote.owner, func() { remote.shutdown(false) })
	}
}

func (c *callHalf) info() CallInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := CallInfo{
		ID:       c.id,
		From:     c.owner.id,
		To:       c.peerID,
		Replaced: c.replaced,
		Answered: c.answered,
		Closed:   c.closed,
	}
	if c.src != nil {
		info.Source = c.src.ID()
	}
	return info
}
