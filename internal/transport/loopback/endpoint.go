package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/1ureka/jamsync/internal/transport"
)

// Compile-time interface check.
var _ transport.Endpoint = (*Endpoint)(nil)

// Endpoint is one claimed identity on a Network.
type Endpoint struct {
	net *Network
	id  string
	box *mailbox

	mu             sync.Mutex
	destroyed      bool
	lost           bool
	accept         func(transport.Channel) transport.ChannelEvents
	acceptCall     func(transport.MediaCall) transport.CallEvents
	onDisconnected func(error)
	channels       map[*half]struct{}
	calls          map[*callHalf]struct{}
}

func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) Listen(accept func(transport.Channel) transport.ChannelEvents) {
	e.mu.Lock()
	e.accept = accept
	e.mu.Unlock()
}

func (e *Endpoint) ListenCalls(accept func(transport.MediaCall) transport.CallEvents) {
	e.mu.Lock()
	e.acceptCall = accept
	e.mu.Unlock()
}

func (e *Endpoint) OnDisconnected(fn func(error)) {
	e.mu.Lock()
	e.onDisconnected = fn
	e.mu.Unlock()
}

// Connect opens a channel to target. The outcome arrives as events.
func (e *Endpoint) Connect(target string, ev transport.ChannelEvents) (transport.Channel, error) {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil, transport.ErrClosed
	}
	lost := e.lost
	h := &half{id: e.net.nextID("dc"), owner: e, peerID: target, ev: ev}
	e.channels[h] = struct{}{}
	e.mu.Unlock()

	if lost {
		h.fail(transport.ErrPeerUnavailable)
		return h, nil
	}

	remote := e.net.holder(target)
	if remote == nil {
		h.fail(transport.ErrPeerUnavailable)
		return h, nil
	}
	e.net.deliver(remote, func() { remote.acceptChannel(h) })
	return h, nil
}

// acceptChannel runs on e's mailbox.
func (e *Endpoint) acceptChannel(from *half) {
	e.mu.Lock()
	accept := e.accept
	gone := e.destroyed || e.lost
	e.mu.Unlock()
	if accept == nil || gone {
		from.fail(transport.ErrPeerUnavailable)
		return
	}

	b := &half{id: from.id, owner: e, peerID: from.owner.id}
	if !from.link(b) {
		return
	}
	b.remote = from

	e.mu.Lock()
	e.channels[b] = struct{}{}
	e.mu.Unlock()

	b.ev = accept(b)
	b.markOpen()
	e.net.deliver(from.owner, from.markOpen)
}

// Call starts a media call carrying src to target.
func (e *Endpoint) Call(target string, src transport.MediaSource, ev transport.CallEvents) (transport.MediaCall, error) {
	if src == nil {
		return nil, transport.ErrNoTrack
	}

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil, transport.ErrClosed
	}
	lost := e.lost
	c := &callHalf{id: e.net.nextID("mc"), owner: e, peerID: target, outgoing: true, ev: ev, src: src}
	e.calls[c] = struct{}{}
	e.mu.Unlock()
	e.net.recordCall(c)

	if lost {
		c.fail(transport.ErrPeerUnavailable)
		return c, nil
	}

	remote := e.net.holder(target)
	if remote == nil {
		c.fail(transport.ErrPeerUnavailable)
		return c, nil
	}
	e.net.deliver(remote, func() { remote.acceptMediaCall(c) })
	return c, nil
}

// acceptMediaCall runs on e's mailbox.
func (e *Endpoint) acceptMediaCall(from *callHalf) {
	e.mu.Lock()
	accept := e.acceptCall
	gone := e.destroyed || e.lost
	e.mu.Unlock()
	if accept == nil || gone {
		from.fail(transport.ErrPeerUnavailable)
		return
	}

	b := &callHalf{id: from.id, owner: e, peerID: from.owner.id}
	if !from.link(b) {
		return
	}
	b.remote = from

	e.mu.Lock()
	e.calls[b] = struct{}{}
	e.mu.Unlock()

	b.ev = accept(b)
}

// Reconnect claims the identity again after Disconnect or Kill.
func (e *Endpoint) Reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return transport.ErrClosed
	}
	if !e.lost {
		return nil
	}
	if !e.net.claim(e) {
		return fmt.Errorf("%s: %w", e.id, transport.ErrIdentityTaken)
	}
	e.lost = false
	return nil
}

func (e *Endpoint) Destroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

// Close releases the identity and closes every channel and call.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil
	}
	e.destroyed = true
	e.mu.Unlock()

	e.net.release(e)
	e.closeAll()
	e.net.deliver(e, e.box.stop)
	return nil
}

// lose drops the registration and reports it; with sever set, every
// channel and call closes too.
func (e *Endpoint) lose(sever bool) {
	e.mu.Lock()
	if e.destroyed || e.lost {
		e.mu.Unlock()
		return
	}
	e.lost = true
	fn := e.onDisconnected
	e.mu.Unlock()

	e.net.release(e)
	if sever {
		e.closeAll()
	}
	if fn != nil {
		e.net.deliver(e, func() { fn(ErrLinkLost) })
	}
}

func (e *Endpoint) closeAll() {
	e.mu.Lock()
	channels := make([]*half, 0, len(e.channels))
	for h := range e.channels {
		channels = append(channels, h)
	}
	calls := make([]*callHalf, 0, len(e.calls))
	for c := range e.calls {
		calls = append(calls, c)
	}
	e.mu.Unlock()

	for _, h := range channels {
		h.Close()
	}
	for _, c := range calls {
		c.Close()
	}
}

func (e *Endpoint) forgetChannel(h *half) {
	e.mu.Lock()
	delete(e.channels, h)
	e.mu.Unlock()
}

func (e *Endpoint) forgetCall(c *callHalf) {
	e.mu.Lock()
	delete(e.calls, c)
	e.mu.Unlock()
}
