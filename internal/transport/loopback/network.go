// Package loopback is an in-process transport.Provider. Identities,
// channels and calls behave like the WebRTC provider (first-committer-wins
// claims, ordered delivery, peer-unavailable failures, media calls with
// in-place track replacement) without any sockets, so whole sessions can be
// exercised in tests and in the single-process demo mode.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/jamsync/internal/transport"
)

// ErrLinkLost is reported through OnDisconnected by Disconnect and Kill.
var ErrLinkLost = errors.New("loopback: identity link lost")

// Compile-time interface check.
var _ transport.Provider = (*Network)(nil)

// Network is a shared in-memory namespace of identities.
type Network struct {
	latency time.Duration
	seq     atomic.Int64

	mu        sync.Mutex
	endpoints map[string]*Endpoint // claimed ids
	calls     []*callHalf          // caller halves, for introspection
}

// Option configures a Network.
type Option func(*Network)

// WithLatency delays every delivery by d.
func WithLatency(d time.Duration) Option {
	return func(n *Network) { n.latency = d }
}

// NewNetwork creates an empty namespace.
func NewNetwork(opts ...Option) *Network {
	n := &Network{endpoints: make(map[string]*Endpoint)}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// CreateIdentity claims id.
func (n *Network) CreateIdentity(ctx context.Context, id string) (transport.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ep := &Endpoint{
		net:      n,
		id:       id,
		box:      newMailbox(),
		channels: make(map[*half]struct{}),
		calls:    make(map[*callHalf]struct{}),
	}
	if !n.claim(ep) {
		ep.box.stop()
		return nil, fmt.Errorf("%s: %w", id, transport.ErrIdentityTaken)
	}
	return ep, nil
}

// Claimed reports whether a live endpoint holds id.
func (n *Network) Claimed(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.endpoints[id]
	return ok
}

// Disconnect drops the registration of id while its channels and calls stay
// up, like losing the broker connection.
func (n *Network) Disconnect(id string) {
	if ep := n.holder(id); ep != nil {
		ep.lose(false)
	}
}

// Kill severs id completely: the registration is dropped and every channel
// and call closes on both ends.
func (n *Network) Kill(id string) {
	if ep := n.holder(id); ep != nil {
		ep.lose(true)
	}
}

// CallInfo describes one call for inspection.
type CallInfo struct {
	ID       string
	From     string
	To       string
	Source   string // id of the source currently carried
	Replaced int    // ReplaceTrack count
	Answered bool
	Closed   bool
}

// Calls lists every call placed on the network, oldest first.
func (n *Network) Calls() []CallInfo {
	n.mu.Lock()
	calls := append([]*callHalf(nil), n.calls...)
	n.mu.Unlock()

	out := make([]CallInfo, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.info())
	}
	return out
}

// EndStream makes the callee of call id observe the end of the remote
// stream without the call closing.
func (n *Network) EndStream(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.calls {
		if c.id == id {
			c.mu.Lock()
			remote := c.remote
			c.mu.Unlock()
			if remote == nil {
				return false
			}
			n.deliver(remote.owner, func() {
				if !remote.isClosed() {
					remote.ev.EmitStreamEnded()
				}
			})
			return true
		}
	}
	return false
}

func (n *Network) nextID(kind string) string {
	return fmt.Sprintf("%s-%d", kind, n.seq.Add(1))
}

func (n *Network) claim(ep *Endpoint) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.endpoints[ep.id]; taken {
		return false
	}
	n.endpoints[ep.id] = ep
	return true
}

// release drops ep's registration if it still holds its id.
func (n *Network) release(ep *Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.endpoints[ep.id]; ok && cur == ep {
		delete(n.endpoints, ep.id)
	}
}

func (n *Network) holder(id string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[id]
}

func (n *Network) recordCall(c *callHalf) {
	n.mu.Lock()
	n.calls = append(n.calls, c)
	n.mu.Unlock()
}

// deliver runs fn on to's mailbox after the configured latency.
func (n *Network) deliver(to *Endpoint, fn func()) {
	to.box.post(time.Now().Add(n.latency), fn)
}
