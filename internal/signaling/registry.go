package signaling

import (
	"sync"
)

// registry maps claimed identities to their live connections. Claim is the
// single point where slot exclusivity is decided: the first committer wins
// and every later claim of the same id fails until the holder leaves.
type registry struct {
	mu    sync.RWMutex
	peers map[string]*peerConn
}

func newRegistry() *registry {
	return &registry{peers: make(map[string]*peerConn)}
}

// claim registers p under its id unless another connection holds it.
func (r *registry) claim(p *peerConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.peers[p.id]; taken {
		return false
	}
	r.peers[p.id] = p
	return true
}

// release removes p, but only if it still holds its id.
func (r *registry) release(p *peerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.peers[p.id]; ok && cur == p {
		delete(r.peers, p.id)
	}
}

func (r *registry) lookup(id string) (*peerConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// all returns a snapshot of the live connections.
func (r *registry) all() []*peerConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*peerConn, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}
