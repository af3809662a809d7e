package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/jamsync/internal/transport"
)

// startBroker serves a broker over httptest and returns its ws URL.
func startBroker(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()
	s := NewServer(opts...)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		hs.Close()
	})
	return s, "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func dialTest(t *testing.T, url, id string, onMessage func(Message)) (*Client, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, id, onMessage, nil)
	if err == nil {
		t.Cleanup(func() { c.Close() })
	}
	return c, err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	s, url := startBroker(t)

	first, err := dialTest(t, url, "room-ABC123-slot1", nil)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}

	if _, err := dialTest(t, url, "room-ABC123-slot1", nil); !errors.Is(err, transport.ErrIdentityTaken) {
		t.Fatalf("second claim err = %v, want ErrIdentityTaken", err)
	}
	if s.Peers() != 1 {
		t.Fatalf("peers = %d, want 1", s.Peers())
	}

	// Released on close, then claimable again.
	first.Close()
	waitFor(t, "release", func() bool { return s.Peers() == 0 })
	if _, err := dialTest(t, url, "room-ABC123-slot1", nil); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

// TestConcurrentClaims races many clients for the same id; exactly one wins.
func TestConcurrentClaims(t *testing.T) {
	_, url := startBroker(t)

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c, err := Dial(ctx, url, "room-XYZ999-slot1", nil, nil)
			if err != nil {
				if !errors.Is(err, transport.ErrIdentityTaken) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			wins++
			mu.Unlock()
			t.Cleanup(func() { c.Close() })
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("%d clients claimed the id, want exactly 1", wins)
	}
}

func TestRelayStampsSource(t *testing.T) {
	_, url := startBroker(t)

	got := make(chan Message, 1)
	if _, err := dialTest(t, url, "bob", func(m Message) { got <- m }); err != nil {
		t.Fatal(err)
	}
	alice, err := dialTest(t, url, "alice", nil)
	if err != nil {
		t.Fatal(err)
	}

	payload, _ := json.Marshal(sessionPayload{ConnectionID: "c1", Kind: kindData, SDP: "v=0"})
	if err := alice.Send(Message{Type: MsgTypeOffer, Src: "mallory", Dst: "bob", Payload: payload}); err != nil {
		t.Fatal(err)
	}

	select {
	case m := <-got:
		if m.Type != MsgTypeOffer || m.Src != "alice" {
			t.Fatalf("got %+v, want OFFER from alice", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("offer not relayed")
	}
}

func TestUnknownDestinationExpires(t *testing.T) {
	_, url := startBroker(t)

	got := make(chan Message, 1)
	alice, err := dialTest(t, url, "alice", func(m Message) { got <- m })
	if err != nil {
		t.Fatal(err)
	}

	payload, _ := json.Marshal(sessionPayload{ConnectionID: "c7"})
	alice.Send(Message{Type: MsgTypeOffer, Dst: "room-NOPE00-slot4", Payload: payload})

	select {
	case m := <-got:
		if m.Type != MsgTypeExpire || m.Src != "room-NOPE00-slot4" {
			t.Fatalf("got %+v, want EXPIRE for the missing id", m)
		}
		var p sessionPayload
		json.Unmarshal(m.Payload, &p)
		if p.ConnectionID != "c7" {
			t.Fatalf("EXPIRE lost the connection id: %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no EXPIRE")
	}
}

func TestJoinRateLimit(t *testing.T) {
	_, url := startBroker(t, WithJoinRate(0.001, 2))

	for _, id := range []string{"a", "b"} {
		if _, err := dialTest(t, url, id, nil); err != nil {
			t.Fatalf("claim %s within burst: %v", id, err)
		}
	}
	if _, err := dialTest(t, url, "c", nil); !errors.Is(err, ErrRejected) {
		t.Fatalf("claim over burst err = %v, want ErrRejected", err)
	}
}

func TestJoinLimiterDisabled(t *testing.T) {
	s := &Server{}
	WithJoinRate(0, 0)(s)
	for i := 0; i < 100; i++ {
		if !s.limiter.allow("10.0.0.1") {
			t.Fatalf("join %d refused with the limit disabled", i)
		}
	}
}

func TestJoinLimiterPerAddress(t *testing.T) {
	l := newJoinLimiter(0.001, 1)
	if !l.allow("10.0.0.1") || !l.allow("10.0.0.2") {
		t.Fatal("first join of each address must pass")
	}
	if l.allow("10.0.0.1") {
		t.Fatal("second join of 10.0.0.1 should be throttled")
	}
	l.idleTTL = -time.Second
	if n := l.prune(); n != 2 {
		t.Fatalf("pruned %d buckets, want 2", n)
	}
}

func TestHealthz(t *testing.T) {
	s := NewServer()
	hs := httptest.NewServer(s.Handler())
	defer hs.Close()
	defer s.Close()

	resp, err := hs.Client().Get(hs.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
