package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/1ureka/jamsync/internal/transport"
)

var testICE = []string{"stun:127.0.0.1:3478"}

func TestProviderIdentityTaken(t *testing.T) {
	_, url := startBroker(t)
	p := NewProvider(url, testICE)
	ctx := context.Background()

	ep, err := p.CreateIdentity(ctx, "room-ABC123-slot1")
	if err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	defer ep.Close()

	if _, err := p.CreateIdentity(ctx, "room-ABC123-slot1"); !errors.Is(err, transport.ErrIdentityTaken) {
		t.Fatalf("err = %v, want ErrIdentityTaken", err)
	}
}

// TestConnectUnknownPeer covers the probe of an empty slot: the broker
// answers EXPIRE and the channel fails with ErrPeerUnavailable, then closes.
func TestConnectUnknownPeer(t *testing.T) {
	_, url := startBroker(t)
	ep, err := NewProvider(url, testICE).CreateIdentity(context.Background(), "scan-1")
	if err != nil {
		t.Fatal(err)
	}
	defer ep.Close()

	errCh := make(chan error, 1)
	closed := make(chan struct{})
	_, err = ep.Connect("room-ABC123-slot5", transport.ChannelEvents{
		Error: func(err error) { errCh <- err },
		Close: func() { close(closed) },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, transport.ErrPeerUnavailable) {
			t.Fatalf("error = %v, want ErrPeerUnavailable", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no error for unknown peer")
	}
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after error")
	}
}

func TestEndpointCloseIsFinal(t *testing.T) {
	s, url := startBroker(t)
	ep, err := NewProvider(url, testICE).CreateIdentity(context.Background(), "listener-1")
	if err != nil {
		t.Fatal(err)
	}

	ep.Close()
	if !ep.Destroyed() {
		t.Fatal("endpoint should report destroyed")
	}
	if err := ep.Reconnect(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("Reconnect after Close err = %v, want ErrClosed", err)
	}
	if _, err := ep.Connect("x", transport.ChannelEvents{}); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("Connect after Close err = %v, want ErrClosed", err)
	}
	waitFor(t, "release", func() bool { return s.Peers() == 0 })
}

// TestEndpointDisconnectAndReconnect drops the broker link from the server
// side and re-registers the same identity.
func TestEndpointDisconnectAndReconnect(t *testing.T) {
	s, url := startBroker(t)
	ep, err := NewProvider(url, testICE).CreateIdentity(context.Background(), "room-ABC123-slot1")
	if err != nil {
		t.Fatal(err)
	}
	defer ep.Close()

	lost := make(chan error, 1)
	ep.OnDisconnected(func(err error) { lost <- err })

	for _, p := range s.registry.all() {
		p.close()
	}
	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		t.Fatal("OnDisconnected not called")
	}

	waitFor(t, "release", func() bool { return s.Peers() == 0 })
	if err := ep.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if s.Peers() != 1 {
		t.Fatalf("peers = %d after reconnect, want 1", s.Peers())
	}
}
