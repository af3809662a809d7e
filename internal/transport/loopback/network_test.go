package loopback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/jamsync/internal/transport"
)

type source string

func (s source) ID() string { return string(s) }

// recorder collects events from one channel or call.
type recorder struct {
	mu     sync.Mutex
	events []string
	msgs   []string
	errs   []error
	ch     chan struct{}
}

func newRecorder() *recorder { return &recorder{ch: make(chan struct{}, 64)} }

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) channelEvents() transport.ChannelEvents {
	return transport.ChannelEvents{
		Open: func() { r.add("open") },
		Message: func(data []byte) {
			r.mu.Lock()
			r.msgs = append(r.msgs, string(data))
			r.mu.Unlock()
			r.add("message")
		},
		Close: func() { r.add("close") },
		Error: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
			r.add("error")
		},
	}
}

func (r *recorder) callEvents() transport.CallEvents {
	return transport.CallEvents{
		Stream:      func(transport.Stream) { r.add("stream") },
		StreamEnded: func() { r.add("ended") },
		Close:       func() { r.add("close") },
		Error:       func(error) { r.add("error") },
	}
}

// waitUntil blocks until the recorder has seen ev.
func (r *recorder) waitUntil(t *testing.T, ev string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		for _, e := range r.events {
			if e == ev {
				r.mu.Unlock()
				return
			}
		}
		r.mu.Unlock()
		select {
		case <-r.ch:
		case <-timeout:
			t.Fatalf("timed out waiting for %q; saw %v", ev, r.snapshot())
		}
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func mustIdentity(t *testing.T, n *Network, id string) transport.Endpoint {
	t.Helper()
	ep, err := n.CreateIdentity(context.Background(), id)
	if err != nil {
		t.Fatalf("CreateIdentity(%s): %v", id, err)
	}
	t.Cleanup(func() { ep.Close() })
	return ep
}

func TestIdentityFirstCommitterWins(t *testing.T) {
	n := NewNetwork()
	ep := mustIdentity(t, n, "room-A-slot1")

	if _, err := n.CreateIdentity(context.Background(), "room-A-slot1"); !errors.Is(err, transport.ErrIdentityTaken) {
		t.Fatalf("err = %v, want ErrIdentityTaken", err)
	}

	ep.Close()
	if n.Claimed("room-A-slot1") {
		t.Fatal("id still claimed after Close")
	}
	mustIdentity(t, n, "room-A-slot1")
}

func TestChannelDeliversInOrder(t *testing.T) {
	n := NewNetwork(WithLatency(time.Millisecond))
	server := mustIdentity(t, n, "server")
	client := mustIdentity(t, n, "client")

	srv := newRecorder()
	server.Listen(func(ch transport.Channel) transport.ChannelEvents { return srv.channelEvents() })

	cli := newRecorder()
	ch, err := client.Connect("server", cli.channelEvents())
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Send([]byte("early")); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("send before open err = %v, want ErrClosed", err)
	}
	cli.waitUntil(t, "open")

	want := []string{"a", "b", "c", "d"}
	for _, m := range want {
		if err := ch.Send([]byte(m)); err != nil {
			t.Fatal(err)
		}
	}
	ch.Close()
	srv.waitUntil(t, "close")

	srv.mu.Lock()
	got := srv.msgs
	srv.mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	cli.waitUntil(t, "close")
}

func TestConnectUnavailable(t *testing.T) {
	n := NewNetwork()
	client := mustIdentity(t, n, "client")
	mustIdentity(t, n, "deaf") // holds the id but never listens

	for _, target := range []string{"nobody", "deaf"} {
		rec := newRecorder()
		if _, err := client.Connect(target, rec.channelEvents()); err != nil {
			t.Fatal(err)
		}
		rec.waitUntil(t, "close")

		if ev := rec.snapshot(); len(ev) != 2 || ev[0] != "error" {
			t.Fatalf("%s: events %v, want [error close]", target, ev)
		}
		if !errors.Is(rec.errs[0], transport.ErrPeerUnavailable) {
			t.Fatalf("%s: err = %v", target, rec.errs[0])
		}
	}
}

func TestCallAnswerReplaceEnd(t *testing.T) {
	n := NewNetwork()
	player := mustIdentity(t, n, "player")
	listener := mustIdentity(t, n, "listener")

	callee := newRecorder()
	listener.ListenCalls(func(call transport.MediaCall) transport.CallEvents {
		call.Answer()
		return callee.callEvents()
	})

	caller := newRecorder()
	call, err := player.Call("listener", source("tab-1"), caller.callEvents())
	if err != nil {
		t.Fatal(err)
	}
	callee.waitUntil(t, "stream")

	if err := call.ReplaceTrack(source("tab-2")); err != nil {
		t.Fatal(err)
	}
	info := n.Calls()[0]
	if info.Source != "tab-2" || info.Replaced != 1 || !info.Answered {
		t.Fatalf("call info %+v", info)
	}

	if !n.EndStream(info.ID) {
		t.Fatal("EndStream did not find the call")
	}
	callee.waitUntil(t, "ended")

	call.Close()
	callee.waitUntil(t, "close")
	caller.waitUntil(t, "close")
	if !n.Calls()[0].Closed {
		t.Fatal("call not reported closed")
	}
}

func TestDisconnectKeepsChannels(t *testing.T) {
	n := NewNetwork()
	server := mustIdentity(t, n, "server")
	client := mustIdentity(t, n, "client")

	srv := newRecorder()
	server.Listen(func(transport.Channel) transport.ChannelEvents { return srv.channelEvents() })
	lost := make(chan error, 1)
	server.OnDisconnected(func(err error) { lost <- err })

	cli := newRecorder()
	ch, _ := client.Connect("server", cli.channelEvents())
	cli.waitUntil(t, "open")

	n.Disconnect("server")
	select {
	case err := <-lost:
		if !errors.Is(err, ErrLinkLost) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected not called")
	}
	if n.Claimed("server") {
		t.Fatal("id still claimed after Disconnect")
	}

	ch.Send([]byte("still here"))
	srv.waitUntil(t, "message")

	if err := server.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if !n.Claimed("server") {
		t.Fatal("id not claimed after Reconnect")
	}
}

func TestKillClosesEverything(t *testing.T) {
	n := NewNetwork()
	server := mustIdentity(t, n, "server")
	client := mustIdentity(t, n, "client")

	server.Listen(func(transport.Channel) transport.ChannelEvents { return transport.ChannelEvents{} })
	cli := newRecorder()
	client.Connect("server", cli.channelEvents())
	cli.waitUntil(t, "open")

	n.Kill("server")
	cli.waitUntil(t, "close")
}

func TestReconnectTaken(t *testing.T) {
	n := NewNetwork()
	first := mustIdentity(t, n, "room-A-slot1")
	n.Disconnect("room-A-slot1")
	mustIdentity(t, n, "room-A-slot1")

	if err := first.Reconnect(context.Background()); !errors.Is(err, transport.ErrIdentityTaken) {
		t.Fatalf("err = %v, want ErrIdentityTaken", err)
	}
}
