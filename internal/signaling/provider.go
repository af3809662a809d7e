package signaling

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/jamsync/internal/transport"
	"github.com/1ureka/jamsync/internal/util"
)

// Compile-time interface checks.
var (
	_ transport.Provider = (*Provider)(nil)
	_ transport.Endpoint = (*endpoint)(nil)
)

// Provider implements transport.Provider on top of the broker: an identity
// is a registered broker connection, and every channel or call is its own
// WebRTC PeerConnection negotiated through broker messages.
type Provider struct {
	brokerURL  string
	iceServers []string
}

// NewProvider returns a Provider using the broker at brokerURL
// (e.g. "ws://127.0.0.1:9000/ws") and the given ICE server URLs.
func NewProvider(brokerURL string, iceServers []string) *Provider {
	return &Provider{brokerURL: brokerURL, iceServers: iceServers}
}

// CreateIdentity registers id at the broker.
func (p *Provider) CreateIdentity(ctx context.Context, id string) (transport.Endpoint, error) {
	eCtx, cancel := context.WithCancel(context.Background())
	e := &endpoint{
		provider: p,
		id:       id,
		ctx:      eCtx,
		cancel:   cancel,
		conns:    make(map[string]negotiated),
	}
	if err := e.register(ctx); err != nil {
		cancel()
		return nil, err
	}
	return e, nil
}

// negotiated is what the endpoint needs from a DataConn or MediaConn.
type negotiated interface {
	Peer() string
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	Close() error
	Fail(err error)
}

type endpoint struct {
	provider *Provider
	id       string

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	client         *Client
	destroyed      bool
	accept         func(transport.Channel) transport.ChannelEvents
	acceptCall     func(transport.MediaCall) transport.CallEvents
	onDisconnected func(error)
	conns          map[string]negotiated // by connection id
}

func (e *endpoint) ID() string { return e.id }

// register claims the identity at the broker.
func (e *endpoint) register(ctx context.Context) error {
	client, err := Dial(ctx, e.provider.brokerURL, e.id, e.handleSignal, e.handleLost)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		client.Close()
		return transport.ErrClosed
	}
	e.client = client
	return nil
}

// handleLost runs when the broker connection drops on its own.
func (e *endpoint) handleLost(err error) {
	e.mu.Lock()
	fn := e.onDisconnected
	destroyed := e.destroyed
	e.mu.Unlock()

	if destroyed {
		return
	}
	util.LogWarning("[rtc] %s lost broker connection: %v", e.id, err)
	if fn != nil {
		fn(err)
	}
}

func (e *endpoint) Listen(accept func(transport.Channel) transport.ChannelEvents) {
	e.mu.Lock()
	e.accept = accept
	e.mu.Unlock()
}

func (e *endpoint) ListenCalls(accept func(transport.MediaCall) transport.CallEvents) {
	e.mu.Lock()
	e.acceptCall = accept
	e.mu.Unlock()
}

func (e *endpoint) OnDisconnected(fn func(error)) {
	e.mu.Lock()
	e.onDisconnected = fn
	e.mu.Unlock()
}

// Reconnect registers the identity again. Established peer connections are
// left alone; only the broker link is replaced.
func (e *endpoint) Reconnect(ctx context.Context) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return transport.ErrClosed
	}
	client := e.client
	e.mu.Unlock()

	if client != nil {
		select {
		case <-client.Done():
		default:
			return nil
		}
	}
	return e.register(ctx)
}

func (e *endpoint) Destroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

// Close releases the identity and tears down every connection.
func (e *endpoint) Close() error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil
	}
	e.destroyed = true
	client := e.client
	e.mu.Unlock()

	e.cancel()
	if client != nil {
		return client.Close()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Connect creates a DataConn and sends its offer.
func (e *endpoint) Connect(target string, ev transport.ChannelEvents) (transport.Channel, error) {
	if e.Destroyed() {
		return nil, transport.ErrClosed
	}

	connID := uuid.NewString()
	dc, err := transport.NewDataConn(e.ctx, connID, target, e.provider.iceServers, ev)
	if err != nil {
		return nil, err
	}
	e.track(connID, dc)
	dc.OnClosed(func() { e.untrack(connID, target) })
	dc.OnICECandidate(func(c webrtc.ICECandidateInit) { e.sendCandidate(target, connID, c) })

	offer, err := dc.CreateOffer()
	if err != nil {
		dc.Close()
		return nil, err
	}
	if err := e.send(MsgTypeOffer, target, sessionPayload{ConnectionID: connID, Kind: kindData, SDP: offer.SDP}); err != nil {
		go dc.Fail(transport.ErrPeerUnavailable)
	}
	return dc, nil
}

// Call creates an outgoing MediaConn carrying src and sends its offer.
func (e *endpoint) Call(target string, src transport.MediaSource, ev transport.CallEvents) (transport.MediaCall, error) {
	if e.Destroyed() {
		return nil, transport.ErrClosed
	}

	connID := uuid.NewString()
	mc, err := transport.NewOutgoingCall(e.ctx, connID, target, e.provider.iceServers, src, ev)
	if err != nil {
		return nil, err
	}
	e.track(connID, mc)
	mc.OnClosed(func() { e.untrack(connID, target) })
	mc.OnICECandidate(func(c webrtc.ICECandidateInit) { e.sendCandidate(target, connID, c) })

	offer, err := mc.CreateOffer()
	if err != nil {
		mc.Close()
		return nil, err
	}
	if err := e.send(MsgTypeOffer, target, sessionPayload{ConnectionID: connID, Kind: kindMedia, SDP: offer.SDP}); err != nil {
		go mc.Fail(transport.ErrPeerUnavailable)
	}
	return mc, nil
}

func (e *endpoint) track(connID string, n negotiated) {
	e.mu.Lock()
	e.conns[connID] = n
	e.mu.Unlock()
}

// untrack forgets a closed connection and tells the peer, so that its side
// closes without waiting for ICE to time out.
func (e *endpoint) untrack(connID, peer string) {
	e.mu.Lock()
	_, ok := e.conns[connID]
	delete(e.conns, connID)
	e.mu.Unlock()

	if ok {
		e.send(MsgTypeLeave, peer, sessionPayload{ConnectionID: connID})
	}
}

func (e *endpoint) lookup(connID, peer string) (negotiated, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.conns[connID]
	if !ok || n.Peer() != peer {
		return nil, false
	}
	return n, true
}
