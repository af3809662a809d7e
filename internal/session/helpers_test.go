package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1ureka/jamsync/internal/capture"
	"github.com/1ureka/jamsync/internal/config"
	"github.com/1ureka/jamsync/internal/discovery"
	"github.com/1ureka/jamsync/internal/protocol"
	"github.com/1ureka/jamsync/internal/remote"
	"github.com/1ureka/jamsync/internal/transport"
	"github.com/1ureka/jamsync/internal/transport/loopback"
)

const (
	testRoom = "JAM001"
	waitFor  = 3 * time.Second
)

func testTiming() config.Timing {
	return config.Timing{
		ClaimTimeout:      500 * time.Millisecond,
		ScanWindow:        time.Second,
		ProbeTimeout:      800 * time.Millisecond,
		ProbeGrace:        50 * time.Millisecond,
		SelectSettle:      20 * time.Millisecond,
		ConnectTimeout:    500 * time.Millisecond,
		ConnectRetries:    3,
		ConnectRetryDelay: 30 * time.Millisecond,
		FailoverDelay:     150 * time.Millisecond,
		ReconnectDelay:    30 * time.Millisecond,
		ReconnectMax:      4,
		RelayInterval:     10 * time.Millisecond,
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxSlots = 5
	cfg.Timing = testTiming()
	return cfg
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) last() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == EventState {
			return r.events[i].State
		}
	}
	return State{}
}

func (r *recorder) of(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// waitState polls until the latest state satisfies cond.
func (r *recorder) waitState(t *testing.T, what string, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if st := r.last(); cond(st) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; last state %+v", what, r.last())
	return State{}
}

func (r *recorder) waitEvent(t *testing.T, kind EventKind, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if evs := r.of(kind); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events, got %d", n, kind, len(r.of(kind)))
	return nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type playerFixture struct {
	p   *Player
	cat *capture.Catalog
	rc  *remote.Local
	rec *recorder
	id  string
}

// startPlayer claims a slot on n and broadcasts tab 1 of a default catalog.
func startPlayer(t *testing.T, n *loopback.Network, name string) *playerFixture {
	t.Helper()
	return startPlayerOn(t, n, name, nil)
}

// startPlayerOn is startPlayer with the slot endpoint passed through wrap.
func startPlayerOn(t *testing.T, n *loopback.Network, name string, wrap func(transport.Endpoint) transport.Endpoint) *playerFixture {
	t.Helper()
	ep, slot, err := discovery.Acquire(context.Background(), n, testRoom, 5, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if wrap != nil {
		ep = wrap(ep)
	}
	cat := capture.DefaultCatalog()
	src, err := cat.Capture(context.Background(), 1)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	f := &playerFixture{cat: cat, rc: remote.NewLocal(cat), rec: &recorder{}, id: ep.ID()}
	tm := testTiming()
	f.p = NewPlayer(ep, src, PlayerConfig{
		RoomID:         testRoom,
		Name:           name,
		Slot:           slot,
		Capturer:       cat,
		Remote:         f.rc,
		ProbeGrace:     tm.ProbeGrace,
		RelayInterval:  tm.RelayInterval,
		ReconnectDelay: tm.ReconnectDelay,
		ReconnectMax:   tm.ReconnectMax,
	}, f.rec.publish)
	t.Cleanup(f.p.Close)
	return f
}

// wirePeer speaks the protocol directly over a loopback channel.
type wirePeer struct {
	ep transport.Endpoint
	ch transport.Channel

	mu      sync.Mutex
	msgs    []protocol.ListenerBound
	calls   []transport.MediaCall
	streams int
	opened  atomic.Bool
	closed  atomic.Bool
}

func dialWire(t *testing.T, n *loopback.Network, id, target string) *wirePeer {
	t.Helper()
	ep, err := n.CreateIdentity(context.Background(), id)
	if err != nil {
		t.Fatalf("identity %s: %v", id, err)
	}
	t.Cleanup(func() { ep.Close() })

	w := &wirePeer{ep: ep}
	ep.ListenCalls(func(call transport.MediaCall) transport.CallEvents {
		w.mu.Lock()
		w.calls = append(w.calls, call)
		w.mu.Unlock()
		go call.Answer()
		return transport.CallEvents{
			Stream: func(transport.Stream) {
				w.mu.Lock()
				w.streams++
				w.mu.Unlock()
			},
		}
	})
	ch, err := ep.Connect(target, transport.ChannelEvents{
		Open: func() { w.opened.Store(true) },
		Message: func(data []byte) {
			msg, err := protocol.DecodeListenerBound(data)
			if err != nil {
				return
			}
			w.mu.Lock()
			w.msgs = append(w.msgs, msg)
			w.mu.Unlock()
		},
		Close: func() { w.closed.Store(true) },
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	w.ch = ch
	eventually(t, id+" open", w.opened.Load)
	return w
}

// joinWire dials target and completes the JOIN/WELCOME handshake.
func joinWire(t *testing.T, n *loopback.Network, id, target, name string) *wirePeer {
	t.Helper()
	w := dialWire(t, n, id, target)
	w.send(t, protocol.Join{Name: name})
	w.wait(t, protocol.TypeWelcome, 1)
	return w
}

func (w *wirePeer) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	if err := w.ch.Send(protocol.MustEncode(msg)); err != nil {
		t.Fatalf("send %s: %v", msg.MessageType(), err)
	}
}

func (w *wirePeer) received(typ protocol.Type) []protocol.ListenerBound {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []protocol.ListenerBound
	for _, m := range w.msgs {
		if m.MessageType() == typ {
			out = append(out, m)
		}
	}
	return out
}

func (w *wirePeer) wait(t *testing.T, typ protocol.Type, n int) []protocol.ListenerBound {
	t.Helper()
	var got []protocol.ListenerBound
	eventually(t, string(typ), func() bool {
		got = w.received(typ)
		return len(got) >= n
	})
	return got
}

func (w *wirePeer) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

// failingEndpoint wraps inbound channels from one peer so every send to it
// fails.
type failingEndpoint struct {
	transport.Endpoint
	peer string
}

func (e *failingEndpoint) Listen(accept func(transport.Channel) transport.ChannelEvents) {
	e.Endpoint.Listen(func(ch transport.Channel) transport.ChannelEvents {
		if ch.Peer() == e.peer {
			ch = failingChannel{ch}
		}
		return accept(ch)
	})
}

type failingChannel struct{ transport.Channel }

var errInjected = errors.New("injected send failure")

func (failingChannel) Send([]byte) error { return errInjected }

// gatedEndpoint refuses inbound calls while closed.
type gatedEndpoint struct {
	transport.Endpoint
	open atomic.Bool
}

func (e *gatedEndpoint) ListenCalls(accept func(transport.MediaCall) transport.CallEvents) {
	e.Endpoint.ListenCalls(func(call transport.MediaCall) transport.CallEvents {
		if !e.open.Load() {
			go call.Close()
			return transport.CallEvents{}
		}
		return accept(call)
	})
}

// countingEndpoint counts outgoing connects.
type countingEndpoint struct {
	transport.Endpoint
	connects atomic.Int32
}

func (e *countingEndpoint) Connect(target string, ev transport.ChannelEvents) (transport.Channel, error) {
	e.connects.Add(1)
	return e.Endpoint.Connect(target, ev)
}

// tapEndpoint remembers inbound channels by peer so a test can close one
// from this side.
type tapEndpoint struct {
	transport.Endpoint

	mu    sync.Mutex
	chans map[string]transport.Channel
}

func (e *tapEndpoint) Listen(accept func(transport.Channel) transport.ChannelEvents) {
	e.Endpoint.Listen(func(ch transport.Channel) transport.ChannelEvents {
		e.mu.Lock()
		if e.chans == nil {
			e.chans = make(map[string]transport.Channel)
		}
		e.chans[ch.Peer()] = ch
		e.mu.Unlock()
		return accept(ch)
	})
}

func (e *tapEndpoint) drop(t *testing.T, peer string) {
	t.Helper()
	e.mu.Lock()
	ch := e.chans[peer]
	e.mu.Unlock()
	if ch == nil {
		t.Fatalf("no channel from %s", peer)
	}
	ch.Close()
}
