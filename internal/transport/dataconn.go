package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/jamsync/internal/util"
)

// Compile-time interface check.
var _ Channel = (*DataConn)(nil)

// DataConn is a Channel backed by its own PeerConnection and a negotiated
// DataChannel. Signaling is driven by the owner through the embedded
// Negotiation; DataConn only reports lifecycle events.
type DataConn struct {
	*Negotiation

	id   string
	peer string

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	emitMu   sync.Mutex
	ev       ChannelEvents
	closed   atomic.Bool
	onClosed func()
}

// NewDataConn creates the PeerConnection and DataChannel for connection id
// with peer. Events are delivered to ev; bind them before driving
// negotiation so none are lost.
func NewDataConn(parent context.Context, id, peer string, iceServers []string, ev ChannelEvents) (*DataConn, error) {
	pc, err := newPeerConnection(iceServers)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)

	c := &DataConn{
		Negotiation: newNegotiation(pc),
		id:          id,
		peer:        peer,
		pc:          pc,
		dc:          dc,
		openSignal:  make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		ev:          ev,
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() {
			close(c.openSignal)
			c.emit(func() { c.ev.EmitOpen() })
		})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		c.emit(func() { c.ev.EmitMessage(msg.Data) })
	})

	dc.OnError(func(err error) {
		c.emit(func() { c.ev.EmitError(err) })
	})

	// DC close → connection gone.
	dc.OnClose(func() {
		c.shutdown()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[rtc] %s ↔ %s data: %s", shortID(c.id), c.peer, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.shutdown()
		}
	})

	// Start the sender goroutine.
	c.sender = newSender(ctx, dc, c.openSignal)

	// Parent cancellation tears the connection down too.
	go func() {
		<-ctx.Done()
		c.shutdown()
	}()

	return c, nil
}

// Bind replaces the event sink. Inbound connections are created before the
// accept handler has chosen its events.
func (c *DataConn) Bind(ev ChannelEvents) {
	c.emitMu.Lock()
	c.ev = ev
	c.emitMu.Unlock()
}

// ID returns the connection id shared by both ends.
func (c *DataConn) ID() string { return c.id }

// Peer returns the remote identity.
func (c *DataConn) Peer() string { return c.peer }

// Ready is closed when the DataChannel opens.
func (c *DataConn) Ready() <-chan struct{} { return c.openSignal }

// Done is closed when the connection is shut down.
func (c *DataConn) Done() <-chan struct{} { return c.ctx.Done() }

// Send enqueues data. It fails with ErrClosed before open or after close.
func (c *DataConn) Send(data []byte) error {
	select {
	case <-c.openSignal:
	default:
		return ErrClosed
	}
	return c.sender.send(c.ctx, data)
}

// Close shuts down the DataChannel and PeerConnection.
func (c *DataConn) Close() error {
	c.shutdown()
	return nil
}

// Fail reports err and closes the connection. Used by the signaling layer
// when the remote identity turns out to be unavailable.
func (c *DataConn) Fail(err error) {
	c.emit(func() { c.ev.EmitError(err) })
	c.shutdown()
}

// OnClosed registers a hook run once after the Close event, for owner
// bookkeeping.
func (c *DataConn) OnClosed(fn func()) {
	c.emitMu.Lock()
	c.onClosed = fn
	c.emitMu.Unlock()
}

// emit serializes event delivery; pion invokes callbacks from several
// goroutines.
func (c *DataConn) emit(fn func()) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.ctx.Err() != nil {
		return
	}
	fn()
}

// shutdown is re-entrant: pion may report the closed state synchronously
// from inside pc.Close.
func (c *DataConn) shutdown() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.emitMu.Lock()
	c.cancel()
	hook := c.onClosed
	c.ev.EmitClose()
	c.emitMu.Unlock()

	if err := errors.Join(c.dc.Close(), c.pc.Close()); err != nil {
		util.LogDebug("[rtc] close %s: %v", shortID(c.id), err)
	}
	if hook != nil {
		hook()
	}
}

// shortID trims a connection id for log lines.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
