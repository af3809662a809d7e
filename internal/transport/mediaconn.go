package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/jamsync/internal/util"
)

// Compile-time interface check.
var _ MediaCall = (*MediaConn)(nil)

// TrackSource is a MediaSource that can feed a pion track.
type TrackSource interface {
	MediaSource
	TrackLocal() webrtc.TrackLocal
}

// remoteStream is the Stream handed to the callee when audio starts.
type remoteStream struct {
	id string
}

func (s remoteStream) ID() string { return s.id }

// MediaConn is a one-way audio MediaCall backed by its own PeerConnection.
// The caller side owns an RTPSender whose track can be replaced in place;
// the callee side reads the remote track until it ends.
type MediaConn struct {
	*Negotiation

	id       string
	peer     string
	outgoing bool

	pc        *webrtc.PeerConnection
	rtpSender *webrtc.RTPSender

	ctx    context.Context
	cancel context.CancelFunc

	emitMu   sync.Mutex
	ev       CallEvents
	closed   atomic.Bool
	answered atomic.Bool
	onAnswer func(webrtc.SessionDescription) error
	onClosed func()
}

// NewOutgoingCall creates the caller side of a call carrying src.
func NewOutgoingCall(parent context.Context, id, peer string, iceServers []string, src MediaSource, ev CallEvents) (*MediaConn, error) {
	ts, ok := src.(TrackSource)
	if !ok {
		return nil, ErrNoTrack
	}

	pc, err := newPeerConnection(iceServers)
	if err != nil {
		return nil, err
	}

	rtpSender, err := pc.AddTrack(ts.TrackLocal())
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}

	m := newMediaConn(parent, id, peer, pc, ev)
	m.outgoing = true
	m.rtpSender = rtpSender

	// Drain RTCP so interceptors keep working.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(buf); err != nil {
				return
			}
		}
	}()

	return m, nil
}

// NewIncomingCall creates the callee side. onAnswer is invoked with the
// local answer when the owner calls Answer.
func NewIncomingCall(parent context.Context, id, peer string, iceServers []string, onAnswer func(webrtc.SessionDescription) error) (*MediaConn, error) {
	pc, err := newPeerConnection(iceServers)
	if err != nil {
		return nil, err
	}

	m := newMediaConn(parent, id, peer, pc, CallEvents{})
	m.onAnswer = onAnswer

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		m.emit(func() { m.ev.EmitStream(remoteStream{id: track.StreamID()}) })

		buf := make([]byte, 1500)
		for {
			n, _, err := track.Read(buf)
			if err != nil {
				m.emit(func() { m.ev.EmitStreamEnded() })
				return
			}
			util.Stats.AddRecv(n)
		}
	})

	return m, nil
}

func newMediaConn(parent context.Context, id, peer string, pc *webrtc.PeerConnection, ev CallEvents) *MediaConn {
	ctx, cancel := context.WithCancel(parent)
	m := &MediaConn{
		Negotiation: newNegotiation(pc),
		id:          id,
		peer:        peer,
		pc:          pc,
		ctx:         ctx,
		cancel:      cancel,
		ev:          ev,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[rtc] %s ↔ %s media: %s", shortID(m.id), m.peer, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			m.emit(func() { m.ev.EmitError(fmt.Errorf("media connection to %s failed", m.peer)) })
			m.shutdown()
		case webrtc.PeerConnectionStateClosed:
			m.shutdown()
		}
	})

	go func() {
		<-ctx.Done()
		m.shutdown()
	}()

	return m
}

// Bind installs the event handlers of an inbound call.
func (m *MediaConn) Bind(ev CallEvents) {
	m.emitMu.Lock()
	m.ev = ev
	m.emitMu.Unlock()
}

func (m *MediaConn) ID() string   { return m.id }
func (m *MediaConn) Peer() string { return m.peer }

// Answer accepts an inbound call whose offer has been applied.
func (m *MediaConn) Answer() error {
	if m.outgoing {
		return errors.New("transport: cannot answer an outgoing call")
	}
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.answered.CompareAndSwap(false, true) {
		return nil
	}

	answer, err := m.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	return m.onAnswer(answer)
}

// ReplaceTrack swaps the outgoing track without renegotiation.
func (m *MediaConn) ReplaceTrack(src MediaSource) error {
	if !m.outgoing {
		return errors.New("transport: callee has no outgoing track")
	}
	if m.closed.Load() {
		return ErrClosed
	}
	ts, ok := src.(TrackSource)
	if !ok {
		return ErrNoTrack
	}
	return m.rtpSender.ReplaceTrack(ts.TrackLocal())
}

// Close hangs up.
func (m *MediaConn) Close() error {
	m.shutdown()
	return nil
}

// Fail reports err and hangs up.
func (m *MediaConn) Fail(err error) {
	m.emit(func() { m.ev.EmitError(err) })
	m.shutdown()
}

// OnClosed registers an owner bookkeeping hook run after the Close event.
func (m *MediaConn) OnClosed(fn func()) {
	m.emitMu.Lock()
	m.onClosed = fn
	m.emitMu.Unlock()
}

func (m *MediaConn) emit(fn func()) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	if m.ctx.Err() != nil {
		return
	}
	fn()
}

func (m *MediaConn) shutdown() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}

	m.emitMu.Lock()
	m.cancel()
	hook := m.onClosed
	m.ev.EmitClose()
	m.emitMu.Unlock()

	if err := m.pc.Close(); err != nil {
		util.LogDebug("[rtc] close call %s: %v", shortID(m.id), err)
	}
	if hook != nil {
		hook()
	}
}
