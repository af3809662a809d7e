package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/1ureka/jamsync/internal/protocol"
	"github.com/1ureka/jamsync/internal/relay"
	"github.com/1ureka/jamsync/internal/transport"
	"github.com/1ureka/jamsync/internal/transport/loopback"
)

type listenerFixture struct {
	l     *Listener
	rec   *recorder
	meter *relay.Meter
	id    string
}

func listenerConfig(playerID string) ListenerConfig {
	tm := testTiming()
	return ListenerConfig{
		RoomID:            testRoom,
		Name:              "Ann",
		PlayerID:          playerID,
		ConnectTimeout:    tm.ConnectTimeout,
		ConnectRetries:    tm.ConnectRetries,
		ConnectRetryDelay: tm.ConnectRetryDelay,
		FailoverDelay:     tm.FailoverDelay,
		ReconnectDelay:    tm.ReconnectDelay,
		ReconnectMax:      tm.ReconnectMax,
		RelayInterval:     tm.RelayInterval,
	}
}

// startListener connects a Listener with a fresh identity to playerID.
func startListener(t *testing.T, n *loopback.Network, id, playerID string, wrap func(transport.Endpoint) transport.Endpoint) *listenerFixture {
	t.Helper()
	ep, err := n.CreateIdentity(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if wrap != nil {
		ep = wrap(ep)
	}
	f := &listenerFixture{rec: &recorder{}, meter: &relay.Meter{}, id: id}
	cfg := listenerConfig(playerID)
	cfg.Sink = f.meter
	f.l = NewListener(n, ep, cfg, f.rec.publish)
	t.Cleanup(f.l.Close)
	return f
}

func (f *listenerFixture) ready(t *testing.T) {
	t.Helper()
	select {
	case err := <-f.l.Ready():
		if err != nil {
			t.Fatalf("listener not ready: %v", err)
		}
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for WELCOME")
	}
}

func TestListenerReceivesPrimaryStream(t *testing.T) {
	n := loopback.NewNetwork()
	p := startPlayer(t, n, "DJ Bo")
	if err := p.p.SendChat("welcome all"); err != nil {
		t.Fatal(err)
	}

	f := startListener(t, n, "listener-ann", p.id, nil)
	f.ready(t)

	st := f.rec.waitState(t, "primary audio", func(st State) bool { return st.Audio == AudioPrimary })
	if st.Phase != PhaseConnected || st.PlayerName != "DJ Bo" || st.NowPlaying != "Lofi Radio - Track 1" {
		t.Fatalf("state %+v", st)
	}
	if len(st.Chat) != 1 || st.Chat[0].Text != "welcome all" {
		t.Fatalf("chat history not replayed: %+v", st.Chat)
	}

	// Relay chunks keep arriving but are discarded.
	time.Sleep(50 * time.Millisecond)
	var queued int
	f.l.loop.Do(func() { queued = f.l.queue.Len() })
	if queued != 0 {
		t.Fatalf("%d relay frames queued while primary is active", queued)
	}
	if audible, _ := f.meter.Counts(); audible != 0 {
		t.Fatalf("relay played %d frames while primary is active", audible)
	}
}

func TestListenerFallsBackWithoutStream(t *testing.T) {
	n := loopback.NewNetwork()
	p := startPlayer(t, n, "DJ Bo")

	f := startListener(t, n, "listener-ann", p.id, func(ep transport.Endpoint) transport.Endpoint {
		return &gatedEndpoint{Endpoint: ep}
	})
	f.ready(t)

	f.rec.waitState(t, "fallback audio", func(st State) bool { return st.Audio == AudioFallback })
	eventually(t, "relay audio played", func() bool {
		audible, _ := f.meter.Counts()
		return audible > 0
	})
	if f.meter.Level() == 0 {
		eventually(t, "non-silent relay audio", func() bool { return f.meter.Level() > 0 })
	}
}

// TestListenerPrimaryPreemptsFallback starts on the relay and then lets a
// media call through.
func TestListenerPrimaryPreemptsFallback(t *testing.T) {
	n := loopback.NewNetwork()
	p := startPlayer(t, n, "DJ Bo")

	var gate *gatedEndpoint
	f := startListener(t, n, "listener-ann", p.id, func(ep transport.Endpoint) transport.Endpoint {
		gate = &gatedEndpoint{Endpoint: ep}
		return gate
	})
	f.ready(t)
	f.rec.waitState(t, "fallback audio", func(st State) bool { return st.Audio == AudioFallback })
	p.rec.waitState(t, "refused call dropped", func(st State) bool { return st.MediaCalls == 0 })

	gate.open.Store(true)
	if err := p.p.SwitchTab(context.Background(), 2); err != nil {
		t.Fatal(err)
	}

	f.rec.waitState(t, "primary audio", func(st State) bool { return st.Audio == AudioPrimary })
	time.Sleep(50 * time.Millisecond)

	var (
		queued  int
		playing bool
		mode    AudioMode
	)
	f.l.loop.Do(func() {
		queued = f.l.queue.Len()
		playing = f.l.playout != nil
		mode = f.l.audio
	})
	if queued != 0 || playing || mode != AudioPrimary {
		t.Fatalf("after primary: queued %d, playout running %v, mode %s", queued, playing, mode)
	}
}

func TestListenerStreamEndedRecoversOnRelay(t *testing.T) {
	n := loopback.NewNetwork()
	p := startPlayer(t, n, "DJ Bo")
	f := startListener(t, n, "listener-ann", p.id, nil)
	f.ready(t)
	f.rec.waitState(t, "primary audio", func(st State) bool { return st.Audio == AudioPrimary })

	calls := n.Calls()
	if len(calls) != 1 || !n.EndStream(calls[0].ID) {
		t.Fatalf("cannot end stream of %+v", calls)
	}

	// Failed is transient: the next relay chunk moves the listener onto
	// the fallback path.
	f.rec.waitState(t, "fallback after stream end", func(st State) bool { return st.Audio == AudioFallback })
	for _, ev := range f.rec.of(EventState) {
		if ev.State.Audio == AudioFailed {
			return
		}
	}
	t.Fatal("stream end was never reported")
}

func TestListenerInitialConnectFails(t *testing.T) {
	n := loopback.NewNetwork()
	var counter *countingEndpoint
	f := startListener(t, n, "listener-ann", "room-JAM001-slot9", func(ep transport.Endpoint) transport.Endpoint {
		counter = &countingEndpoint{Endpoint: ep}
		return counter
	})

	select {
	case err := <-f.l.Ready():
		if !errors.Is(err, ErrConnectFailed) {
			t.Fatalf("Ready = %v, want ErrConnectFailed", err)
		}
	case <-time.After(waitFor):
		t.Fatal("initial connect never gave up")
	}
	if got := counter.connects.Load(); got != 3 {
		t.Fatalf("made %d attempts, want 3", got)
	}
	if st := f.l.State(); st.Phase != PhaseDisconnected {
		t.Fatalf("phase = %s", st.Phase)
	}
}

// TestListenerReconnectsAfterLoss severs the listener's connections and
// expects it to rejoin the same player.
func TestListenerReconnectsAfterLoss(t *testing.T) {
	n := loopback.NewNetwork()
	p := startPlayer(t, n, "DJ Bo")
	f := startListener(t, n, "listener-ann", p.id, nil)
	f.ready(t)
	f.rec.waitState(t, "primary audio", func(st State) bool { return st.Audio == AudioPrimary })

	n.Kill("listener-ann")
	f.rec.waitState(t, "reconnecting", func(st State) bool { return st.Phase == PhaseReconnecting })
	f.rec.waitState(t, "reconnected", func(st State) bool {
		return st.Phase == PhaseConnected && st.Audio == AudioPrimary
	})

	var attempts int
	f.l.loop.Do(func() { attempts = f.l.reconnect.Attempts() })
	if attempts != 0 {
		t.Fatalf("attempt counter not reset: %d", attempts)
	}
	p.rec.waitState(t, "listener back", func(st State) bool { return st.ListenerCount == 1 })
}

func TestListenerGivesUpAfterMaxAttempts(t *testing.T) {
	n := loopback.NewNetwork()
	p := startPlayer(t, n, "DJ Bo")

	var counter *countingEndpoint
	f := startListener(t, n, "listener-ann", p.id, func(ep transport.Endpoint) transport.Endpoint {
		counter = &countingEndpoint{Endpoint: ep}
		return counter
	})
	f.ready(t)

	p.p.Close()
	f.rec.waitState(t, "disconnected", func(st State) bool { return st.Phase == PhaseDisconnected })
	errs := f.rec.waitEvent(t, EventError, 1)
	if !errors.Is(errs[0].Err, ErrDisconnected) {
		t.Fatalf("error event = %v", errs[0].Err)
	}

	want := int32(1 + testTiming().ReconnectMax)
	if got := counter.connects.Load(); got != want {
		t.Fatalf("%d connects, want %d", got, want)
	}
	time.Sleep(5 * testTiming().ReconnectDelay)
	if got := counter.connects.Load(); got != want {
		t.Fatalf("kept retrying after giving up: %d connects", got)
	}
}

func TestListenerChatComesFromEcho(t *testing.T) {
	n := loopback.NewNetwork()
	p := startPlayer(t, n, "DJ Bo")
	f := startListener(t, n, "listener-ann", p.id, nil)
	f.ready(t)

	if err := f.l.SendChat("hi there"); err != nil {
		t.Fatal(err)
	}
	chat := f.rec.waitEvent(t, EventChat, 1)[0].Chat
	if chat.Sender != "Ann" || chat.Text != "hi there" || chat.Time == 0 {
		t.Fatalf("echo = %+v", chat)
	}
	time.Sleep(30 * time.Millisecond)
	if got := len(f.rec.of(EventChat)); got != 1 {
		t.Fatalf("chat shown %d times", got)
	}
	if pc := p.rec.of(EventChat); len(pc) != 1 {
		t.Fatalf("player saw %d chats", len(pc))
	}
}

func TestListenerRequests(t *testing.T) {
	n := loopback.NewNetwork()
	p := startPlayer(t, n, "DJ Bo")
	f := startListener(t, n, "listener-ann", p.id, nil)
	f.ready(t)

	if err := f.l.SendControl("SHUFFLE"); err == nil {
		t.Fatal("invalid action accepted")
	}
	if err := f.l.RequestMusicTabs(); err != nil {
		t.Fatal(err)
	}
	tabs := f.rec.waitEvent(t, EventMusicTabs, 1)[0].Tabs
	if len(tabs) != 2 {
		t.Fatalf("tabs = %+v", tabs)
	}

	if err := f.l.RequestTabSwitch(2); err != nil {
		t.Fatal(err)
	}
	req := p.rec.waitEvent(t, EventTabSwitchRequest, 1)[0].TabSwitch
	if req != (protocol.TabSwitchRequest{TabID: 2, Sender: "Ann"}) {
		t.Fatalf("request = %+v", req)
	}

	if err := f.l.Search("track 3"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "search applied", func() bool {
		tab, _ := p.cat.Tab(1)
		return tab.TrackName == "Track 3"
	})

	if err := f.l.SendReaction("🔥"); err != nil {
		t.Fatal(err)
	}
	r := f.rec.waitEvent(t, EventReaction, 1)[0].Reaction
	if r.Emoji != "🔥" || r.Sender != "Ann" {
		t.Fatalf("reaction = %+v", r)
	}
}

func TestListenerLocalMute(t *testing.T) {
	n := loopback.NewNetwork()
	p := startPlayer(t, n, "DJ Bo")
	f := startListener(t, n, "listener-ann", p.id, func(ep transport.Endpoint) transport.Endpoint {
		return &gatedEndpoint{Endpoint: ep}
	})
	f.ready(t)
	f.rec.waitState(t, "fallback audio", func(st State) bool { return st.Audio == AudioFallback })

	if err := f.l.SetLocalMute(true); err != nil {
		t.Fatal(err)
	}
	if !f.l.State().LocalMute {
		t.Fatal("mute not reflected in state")
	}
	_, silentBefore := f.meter.Counts()
	eventually(t, "muted playout", func() bool {
		_, silent := f.meter.Counts()
		return silent > silentBefore+2
	})
	if tab, _ := p.cat.Tab(1); tab.Muted {
		t.Fatal("listener mute reached the player")
	}
}

func TestPlayoutSink(t *testing.T) {
	m := &relay.Meter{}
	s := newPlayoutSink(m)

	frame := []float32{0.5, -0.5}
	s.Play(frame, true)
	if frame[0] != 0.4 || frame[1] != -0.4 {
		t.Fatalf("default volume frame = %v, want 80%%", frame)
	}

	s.volume.Store(100)
	frame = []float32{0.5, -0.5}
	s.Play(frame, true)
	if frame[0] != 0.5 {
		t.Fatalf("full volume frame = %v", frame)
	}

	s.muted.Store(true)
	s.Play(frame, true)
	if frame[0] != 0 {
		t.Fatal("muted frame not cleared")
	}

	s.muted.Store(false)
	s.volume.Store(0)
	frame = []float32{0.5, -0.5}
	s.Play(frame, true)

	audible, silent := m.Counts()
	if audible != 2 || silent != 2 {
		t.Fatalf("audible %d silent %d, want 2 and 2", audible, silent)
	}
}

func TestListenerVolume(t *testing.T) {
	n := loopback.NewNetwork()
	p := startPlayer(t, n, "DJ Bo")
	f := startListener(t, n, "listener-ann", p.id, nil)
	f.ready(t)

	if st := f.l.State(); st.Volume != DefaultVolume {
		t.Fatalf("initial volume %d, want %d", st.Volume, DefaultVolume)
	}
	if err := f.l.SetVolume(101); err == nil {
		t.Fatal("volume above 100 accepted")
	}
	if err := f.l.SetVolume(35); err != nil {
		t.Fatal(err)
	}
	if err := f.l.SetLocalMute(true); err != nil {
		t.Fatal(err)
	}
	if st := f.l.State(); st.Volume != 35 || !st.LocalMute {
		t.Fatalf("state %+v, want volume 35 and muted", st)
	}
	if err := f.l.SetLocalMute(false); err != nil {
		t.Fatal(err)
	}
	if st := f.l.State(); st.Volume != 35 {
		t.Fatalf("unmute changed the volume to %d", st.Volume)
	}
}

// loseBrokerThenChannel drops the listener's registration, waits until the
// listener has seen it, then closes its channel from the player side.
func loseBrokerThenChannel(t *testing.T, n *loopback.Network, tap *tapEndpoint, f *listenerFixture) {
	t.Helper()
	n.Disconnect(f.id)
	eventually(t, "broker loss seen", func() bool {
		var lost bool
		f.l.loop.Do(func() { lost = f.l.brokerLost })
		return lost
	})
	tap.drop(t, f.id)
	f.rec.waitState(t, "reconnecting", func(st State) bool { return st.Phase == PhaseReconnecting })
}

func (f *listenerFixture) endpointID() string {
	var id string
	f.l.loop.Do(func() { id = f.l.ep.ID() })
	return id
}

// TestListenerRegistersAgainAfterBrokerLoss reconnects under the same
// identity once it has been claimed again.
func TestListenerRegistersAgainAfterBrokerLoss(t *testing.T) {
	n := loopback.NewNetwork()
	tap := &tapEndpoint{}
	p := startPlayerOn(t, n, "DJ Bo", func(ep transport.Endpoint) transport.Endpoint {
		tap.Endpoint = ep
		return tap
	})
	f := startListener(t, n, "listener-ann", p.id, nil)
	f.ready(t)
	f.rec.waitState(t, "primary audio", func(st State) bool { return st.Audio == AudioPrimary })

	loseBrokerThenChannel(t, n, tap, f)
	f.rec.waitState(t, "reconnected", func(st State) bool {
		return st.Phase == PhaseConnected && st.Audio == AudioPrimary
	})

	if id := f.endpointID(); id != "listener-ann" {
		t.Fatalf("reconnected as %s, want the original identity", id)
	}
	if !n.Claimed("listener-ann") {
		t.Fatal("identity not registered again")
	}
	p.rec.waitState(t, "listener back", func(st State) bool { return st.ListenerCount == 1 })
}

// TestListenerReplacesTakenIdentity has someone else claim the listener's
// id while it is unregistered; the listener moves to a fresh identity.
func TestListenerReplacesTakenIdentity(t *testing.T) {
	n := loopback.NewNetwork()
	tap := &tapEndpoint{}
	p := startPlayerOn(t, n, "DJ Bo", func(ep transport.Endpoint) transport.Endpoint {
		tap.Endpoint = ep
		return tap
	})
	f := startListener(t, n, "listener-ann", p.id, nil)
	f.ready(t)

	n.Disconnect(f.id)
	squatter, err := n.CreateIdentity(context.Background(), f.id)
	if err != nil {
		t.Fatalf("claim released id: %v", err)
	}
	defer squatter.Close()
	eventually(t, "broker loss seen", func() bool {
		var lost bool
		f.l.loop.Do(func() { lost = f.l.brokerLost })
		return lost
	})
	tap.drop(t, f.id)
	f.rec.waitState(t, "reconnecting", func(st State) bool { return st.Phase == PhaseReconnecting })

	f.rec.waitState(t, "reconnected", func(st State) bool { return st.Phase == PhaseConnected })
	id := f.endpointID()
	if id == "listener-ann" || !strings.HasPrefix(id, "listener-") {
		t.Fatalf("reconnected as %q, want a fresh listener identity", id)
	}
	p.rec.waitState(t, "listener back", func(st State) bool { return st.ListenerCount == 1 })
}
