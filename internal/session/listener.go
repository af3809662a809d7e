package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/jamsync/internal/eventloop"
	"github.com/1ureka/jamsync/internal/protocol"
	"github.com/1ureka/jamsync/internal/relay"
	"github.com/1ureka/jamsync/internal/room"
	"github.com/1ureka/jamsync/internal/transport"
	"github.com/1ureka/jamsync/internal/util"
)

// ListenerConfig configures a listening session.
type ListenerConfig struct {
	RoomID     string
	Name       string
	PlayerID   string
	PlayerName string // from the scan, replaced by WELCOME

	ConnectTimeout    time.Duration // one attempt, until WELCOME
	ConnectRetries    int
	ConnectRetryDelay time.Duration
	FailoverDelay     time.Duration
	ReconnectDelay    time.Duration
	ReconnectMax      int
	RelayInterval     time.Duration

	// Sink plays fallback audio. Nil discards it through a relay.Meter.
	Sink relay.Sink
}

// Listener is a session connected to one player. Fields below loop are
// owned by the loop goroutine.
type Listener struct {
	cfg      ListenerConfig
	provider transport.Provider
	loop     *eventloop.Loop
	publish  func(Event)
	sink     *playoutSink

	ready     chan error
	readyOnce sync.Once

	ep         transport.Endpoint
	brokerLost bool
	ch         transport.Channel
	call       transport.MediaCall
	phase      Phase
	audio      AudioMode
	initial    bool // no WELCOME yet
	tries      int  // initial attempts made
	connTimer  *eventloop.Timer
	retryTimer *eventloop.Timer
	failover   *eventloop.Timer
	reconnect  *Reconnector

	queue   *relay.Queue
	playout *relay.Playout

	playerName    string
	nowPlaying    string
	listenerCount int
	chat          chatLog
	lastErr       string
	closed        bool
}

// NewListener starts connecting ep to cfg.PlayerID. The listener owns ep
// and may replace it with a fresh identity when reconnecting. Ready reports
// the outcome of the initial connect.
func NewListener(provider transport.Provider, ep transport.Endpoint, cfg ListenerConfig, publish func(Event)) *Listener {
	if publish == nil {
		publish = func(Event) {}
	}
	var sink relay.Sink = cfg.Sink
	if sink == nil {
		sink = &relay.Meter{}
	}
	l := &Listener{
		cfg:        cfg,
		provider:   provider,
		loop:       eventloop.New(context.Background()),
		publish:    publish,
		sink:       newPlayoutSink(sink),
		ready:      make(chan error, 1),
		ep:         ep,
		phase:      PhaseConnecting,
		audio:      AudioUnresolved,
		initial:    true,
		queue:      relay.NewQueue(),
		playerName: cfg.PlayerName,
	}
	l.reconnect = NewReconnector(l.loop, cfg.ReconnectDelay, cfg.ReconnectMax, l.attemptReconnect, l.giveUp)
	l.loop.Post(l.start)
	return l
}

// Ready delivers nil once the first WELCOME arrives, or ErrConnectFailed
// after the initial attempts are used up.
func (l *Listener) Ready() <-chan error { return l.ready }

func (l *Listener) settle(err error) {
	l.readyOnce.Do(func() { l.ready <- err })
}

func (l *Listener) start() {
	l.bind(l.ep)
	l.publishState()
	l.dial()
}

// bind installs the endpoint handlers. The call handler goes first so that
// the media call the player places right after JOIN is never missed.
func (l *Listener) bind(ep transport.Endpoint) {
	ep.ListenCalls(l.acceptCall)
	ep.OnDisconnected(func(err error) {
		l.loop.Post(func() { l.onBrokerLost(ep, err) })
	})
}

func (l *Listener) dial() {
	if l.initial {
		l.tries++
		util.LogInfo("[listener] connecting to %s (attempt %d/%d)", l.cfg.PlayerID, l.tries, l.cfg.ConnectRetries)
	}

	var ch transport.Channel
	ch, err := l.ep.Connect(l.cfg.PlayerID, transport.ChannelEvents{
		Open: func() {
			l.loop.Post(func() { l.onOpen(ch) })
		},
		Message: func(data []byte) {
			l.loop.Post(func() { l.onMessage(ch, data) })
		},
		Close: func() {
			l.loop.Post(func() { l.onClose(ch) })
		},
		Error: func(err error) {
			l.loop.Post(func() { l.onError(ch, err) })
		},
	})
	if err != nil {
		util.LogDebug("[listener] connect failed: %v", err)
		l.attemptFailed()
		return
	}
	l.ch = ch
	l.connTimer = l.loop.After(l.cfg.ConnectTimeout, func() {
		if l.ch == ch {
			util.LogDebug("[listener] no WELCOME from %s in %s", l.cfg.PlayerID, l.cfg.ConnectTimeout)
			ch.Close()
		}
	})
}

func (l *Listener) onOpen(ch transport.Channel) {
	if ch != l.ch {
		return
	}
	l.send(protocol.Join{Name: l.cfg.Name})
}

func (l *Listener) onError(ch transport.Channel, err error) {
	if ch != l.ch {
		return
	}
	util.LogDebug("[listener] channel error: %v", err)
	// Until WELCOME, any error ends the attempt; Close follows.
	if l.phase != PhaseConnected {
		ch.Close()
	}
}

func (l *Listener) onClose(ch transport.Channel) {
	if ch != l.ch {
		return
	}
	l.ch = nil
	l.connTimer.Stop()

	switch l.phase {
	case PhaseConnected:
		util.LogWarning("[listener] connection to %s lost", l.cfg.PlayerID)
		l.beginReconnect()
	case PhaseConnecting, PhaseReconnecting:
		l.attemptFailed()
	}
}

// attemptFailed accounts for one connect attempt that ended without WELCOME.
func (l *Listener) attemptFailed() {
	switch l.phase {
	case PhaseConnecting:
		if l.tries >= l.cfg.ConnectRetries {
			l.lastErr = ErrConnectFailed.Error()
			l.phase = PhaseDisconnected
			util.LogError("[listener] could not connect to %s after %d attempts", l.cfg.PlayerID, l.tries)
			l.teardown()
			l.publishState()
			l.publish(errorEvent(ErrConnectFailed))
			l.settle(ErrConnectFailed)
			return
		}
		l.retryTimer = l.loop.After(l.cfg.ConnectRetryDelay, l.dial)
	case PhaseReconnecting:
		l.reconnect.Failed()
	}
}

func (l *Listener) onMessage(ch transport.Channel, data []byte) {
	if ch != l.ch {
		return
	}
	util.Stats.AddRecv(len(data))

	msg, err := protocol.DecodeListenerBound(data)
	if err != nil {
		util.LogDebug("[listener] dropping message: %v", err)
		return
	}

	switch m := msg.(type) {
	case protocol.Welcome:
		l.onWelcome(m)
	case protocol.UserJoined:
		l.listenerCount = m.ListenerCount
		util.LogInfo("[listener] %s joined", m.Name)
		l.publishState()
	case protocol.UserLeft:
		l.listenerCount = m.ListenerCount
		util.LogInfo("[listener] %s left", m.Name)
		l.publishState()
	case protocol.NowPlaying:
		l.nowPlaying = m.Title
		l.adoptPlayerName(m.PlayerName)
		l.publishState()
	case protocol.TabSwitched:
		l.nowPlaying = m.NowPlaying
		l.adoptPlayerName(m.PlayerName)
		util.LogInfo("[listener] %s switched to %s", l.playerName, m.NowPlaying)
		l.publishState()
	case protocol.ChatMessage:
		l.chat.add(m)
		l.publish(Event{Kind: EventChat, Chat: m})
	case protocol.Reaction:
		l.publish(Event{Kind: EventReaction, Reaction: m})
	case protocol.MusicTabs:
		l.publish(Event{Kind: EventMusicTabs, Tabs: m.Tabs})
	case protocol.AudioRelay:
		l.onRelay(m.D)
	case protocol.PlayerInfo:
		// Only probes care.
	}
}

func (l *Listener) onWelcome(m protocol.Welcome) {
	if l.phase == PhaseConnected {
		return
	}
	l.connTimer.Stop()
	l.phase = PhaseConnected
	l.lastErr = ""
	l.adoptPlayerName(m.PlayerName)
	l.nowPlaying = m.NowPlaying
	l.chat.replace(m.ChatHistory)

	if l.initial {
		l.initial = false
		util.LogSuccess("[listener] joined %s's room %s", l.playerName, m.RoomID)
	} else {
		util.LogSuccess("[listener] reconnected to %s", l.playerName)
	}
	l.reconnect.Reset()

	if l.audio != AudioPrimary && l.audio != AudioFallback {
		l.armFailover()
	}
	l.publishState()
	l.settle(nil)
}

func (l *Listener) adoptPlayerName(name string) {
	if name != "" {
		l.playerName = name
	}
}

// armFailover switches to the relay unless the primary stream shows up in
// time.
func (l *Listener) armFailover() {
	if l.failover.Active() {
		return
	}
	l.failover = l.loop.After(l.cfg.FailoverDelay, func() {
		if l.audio != AudioPrimary && l.phase == PhaseConnected {
			util.LogWarning("[listener] no media stream after %s, using relay audio", l.cfg.FailoverDelay)
			l.enterFallback()
		}
	})
}

func (l *Listener) enterFallback() {
	l.audio = AudioFallback
	if l.playout == nil {
		l.playout = relay.StartPlayout(l.loop.Context(), l.queue, l.cfg.RelayInterval, l.sink)
	}
	l.publishState()
}

func (l *Listener) stopPlayout() {
	l.playout.Stop()
	l.playout = nil
	l.queue.Reset()
}

func (l *Listener) onRelay(d string) {
	if l.audio == AudioPrimary {
		util.Stats.AddRelayDrop()
		return
	}
	frame, err := relay.DecodeChunk(d)
	if err != nil {
		util.LogDebug("[listener] bad relay chunk: %v", err)
		return
	}
	l.queue.Push(frame)
	if l.audio == AudioFailed {
		l.enterFallback()
	}
}

// acceptCall runs on a transport goroutine.
func (l *Listener) acceptCall(call transport.MediaCall) transport.CallEvents {
	l.loop.Post(func() { l.onCall(call) })
	return transport.CallEvents{
		Stream: func(s transport.Stream) {
			l.loop.Post(func() { l.onStream(call, s) })
		},
		StreamEnded: func() {
			l.loop.Post(func() { l.onStreamEnded(call) })
		},
		Close: func() {
			l.loop.Post(func() { l.onCallClosed(call) })
		},
		Error: func(err error) {
			util.LogDebug("[listener] media call %s: %v", call.ID(), err)
		},
	}
}

func (l *Listener) onCall(call transport.MediaCall) {
	if l.closed || call.Peer() != l.cfg.PlayerID {
		call.Close()
		return
	}
	if l.call != nil && l.call != call {
		l.call.Close()
	}
	l.call = call
	if err := call.Answer(); err != nil {
		util.LogDebug("[listener] answer failed: %v", err)
	}
}

// onStream makes the primary path authoritative: relay playout stops and
// its buffer is dropped.
func (l *Listener) onStream(call transport.MediaCall, s transport.Stream) {
	if call != l.call {
		return
	}
	l.failover.Stop()
	l.stopPlayout()
	l.audio = AudioPrimary
	l.reconnect.Reset()
	util.LogSuccess("[listener] receiving media stream %s", s.ID())
	l.publishState()
}

func (l *Listener) onStreamEnded(call transport.MediaCall) {
	if call != l.call || l.audio == AudioFallback {
		return
	}
	l.audio = AudioFailed
	util.LogWarning("[listener] media stream ended")
	l.publishState()
}

func (l *Listener) onCallClosed(call transport.MediaCall) {
	if call != l.call {
		return
	}
	l.call = nil
	if l.audio == AudioPrimary {
		l.audio = AudioFailed
	}
	if l.phase == PhaseConnected {
		util.LogWarning("[listener] media call closed")
		l.beginReconnect()
		return
	}
	l.publishState()
}

func (l *Listener) beginReconnect() {
	if l.closed {
		return
	}
	l.phase = PhaseReconnecting
	l.failover.Stop()
	l.stopPlayout()
	l.audio = AudioUnresolved
	if call := l.call; call != nil {
		l.call = nil
		call.Close()
	}
	if ch := l.ch; ch != nil {
		l.ch = nil
		ch.Close()
	}
	l.publishState()
	l.reconnect.Trigger()
}

func (l *Listener) attemptReconnect(n int) {
	util.LogInfo("[listener] reconnecting to %s (attempt %d/%d)", l.cfg.PlayerID, n, l.cfg.ReconnectMax)
	l.publishState()

	ep, brokerLost, ctx := l.ep, l.brokerLost, l.loop.Context()
	go func() {
		next, err := l.refreshIdentity(ctx, ep, brokerLost)
		l.loop.Post(func() {
			if l.phase != PhaseReconnecting {
				if next != nil && next != ep {
					next.Close()
				}
				return
			}
			if err != nil {
				util.LogDebug("[listener] identity unavailable: %v", err)
				l.reconnect.Failed()
				return
			}
			if next != ep {
				ep.Close()
				l.ep = next
				l.bind(next)
			}
			l.brokerLost = false
			l.dial()
		})
	}()
}

// refreshIdentity makes sure there is a registered identity to dial from,
// re-registering or replacing it as needed. Runs off the loop.
func (l *Listener) refreshIdentity(ctx context.Context, ep transport.Endpoint, brokerLost bool) (transport.Endpoint, error) {
	if !ep.Destroyed() {
		if !brokerLost {
			return ep, nil
		}
		err := ep.Reconnect(ctx)
		if err == nil {
			return ep, nil
		}
		if !errors.Is(err, transport.ErrClosed) && !errors.Is(err, transport.ErrIdentityTaken) {
			return nil, err
		}
	}
	return l.provider.CreateIdentity(ctx, room.NewEphemeralID("listener"))
}

func (l *Listener) giveUp() {
	l.phase = PhaseDisconnected
	l.lastErr = ErrDisconnected.Error()
	util.LogError("[listener] giving up on %s after %d attempts", l.cfg.PlayerID, l.cfg.ReconnectMax)
	l.teardown()
	l.publishState()
	l.publish(errorEvent(ErrDisconnected))
}

func (l *Listener) onBrokerLost(ep transport.Endpoint, err error) {
	if ep != l.ep || l.closed {
		return
	}
	util.LogDebug("[listener] lost the broker: %v", err)
	l.brokerLost = true
}

// teardown closes the upstream connection and stops audio. The loop keeps
// running so the final state stays readable.
func (l *Listener) teardown() {
	l.connTimer.Stop()
	l.retryTimer.Stop()
	l.failover.Stop()
	l.reconnect.Stop()
	l.stopPlayout()
	if l.call != nil {
		l.call.Close()
		l.call = nil
	}
	if l.ch != nil {
		l.ch.Close()
		l.ch = nil
	}
}

func (l *Listener) send(msg protocol.Message) error {
	if l.ch == nil || (l.phase != PhaseConnected && msg.MessageType() != protocol.TypeJoin) {
		return ErrNotConnected
	}
	data := protocol.MustEncode(msg)
	if err := l.ch.Send(data); err != nil {
		util.Stats.AddSendFailure()
		return fmt.Errorf("send %s: %w", msg.MessageType(), err)
	}
	util.Stats.AddSent(len(data))
	return nil
}

func (l *Listener) do(fn func() error) error {
	var err error
	if derr := l.loop.Do(func() {
		if l.closed {
			err = ErrClosed
			return
		}
		err = fn()
	}); derr != nil {
		return ErrClosed
	}
	return err
}

// SendChat sends a chat line. It shows up locally once the player echoes it.
func (l *Listener) SendChat(text string) error {
	return l.do(func() error {
		return l.send(protocol.ChatMessage{Sender: l.cfg.Name, Text: text, Time: time.Now().UnixMilli()})
	})
}

// SendReaction sends an emoji reaction.
func (l *Listener) SendReaction(emoji string) error {
	return l.do(func() error {
		return l.send(protocol.Reaction{Emoji: emoji, Sender: l.cfg.Name})
	})
}

// SendControl asks the player to drive its playback.
func (l *Listener) SendControl(action protocol.Action) error {
	if !action.Valid() {
		return fmt.Errorf("unknown control action %q", action)
	}
	return l.do(func() error {
		return l.send(protocol.ControlRequest{Action: action, Sender: l.cfg.Name})
	})
}

// RequestTabSwitch asks the player to broadcast another tab.
func (l *Listener) RequestTabSwitch(tabID int) error {
	return l.do(func() error {
		return l.send(protocol.TabSwitchRequest{TabID: tabID, Sender: l.cfg.Name})
	})
}

// RequestMusicTabs asks the player for its switchable tabs. The answer
// arrives as an EventMusicTabs.
func (l *Listener) RequestMusicTabs() error {
	return l.do(func() error {
		return l.send(protocol.RequestMusicTabs{Sender: l.cfg.Name})
	})
}

// Search asks the player to look up a song.
func (l *Listener) Search(query string) error {
	return l.do(func() error {
		return l.send(protocol.SearchRequest{Query: query, Sender: l.cfg.Name})
	})
}

// SetLocalMute silences playback on this side only.
func (l *Listener) SetLocalMute(muted bool) error {
	return l.do(func() error {
		l.sink.muted.Store(muted)
		l.publishState()
		return nil
	})
}

// SetVolume sets the playback volume in percent, 0 to 100. Like mute it
// only affects this side; the muted flag is kept separately.
func (l *Listener) SetVolume(percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("volume %d out of range 0-100", percent)
	}
	return l.do(func() error {
		l.sink.volume.Store(uint32(percent))
		l.publishState()
		return nil
	})
}

// State returns the current view of the session.
func (l *Listener) State() State {
	var st State
	l.do(func() error {
		st = l.state()
		return nil
	})
	return st
}

// Close leaves the player and releases the identity.
func (l *Listener) Close() {
	var ep transport.Endpoint
	l.loop.Do(func() {
		if l.closed {
			return
		}
		l.closed = true
		l.teardown()
		ep = l.ep
		util.LogInfo("[listener] left %s", l.cfg.PlayerID)
	})
	l.loop.Stop()
	<-l.loop.Done()
	if ep != nil {
		ep.Close()
	}
	l.settle(ErrClosed)
}

func (l *Listener) publishState() {
	l.publish(stateEvent(l.state()))
}

func (l *Listener) state() State {
	st := State{
		Mode:          ModeListener,
		Phase:         l.phase,
		RoomID:        l.cfg.RoomID,
		Name:          l.cfg.Name,
		PlayerID:      l.cfg.PlayerID,
		PlayerName:    l.playerName,
		Audio:         l.audio,
		NowPlaying:    l.nowPlaying,
		ListenerCount: l.listenerCount,
		LocalMute:     l.sink.muted.Load(),
		Volume:        int(l.sink.volume.Load()),
		Chat:          l.chat.last(welcomeChat),
		Error:         l.lastErr,
	}
	if l.phase == PhaseReconnecting {
		st.Attempt = l.reconnect.Attempts()
	}
	return st
}

// DefaultVolume is the playback volume a listener starts with, in percent.
const DefaultVolume = 80

// playoutSink applies local mute and volume without touching the queue.
type playoutSink struct {
	sink   relay.Sink
	muted  atomic.Bool
	volume atomic.Uint32 // percent
}

func newPlayoutSink(sink relay.Sink) *playoutSink {
	s := &playoutSink{sink: sink}
	s.volume.Store(DefaultVolume)
	return s
}

func (s *playoutSink) Play(frame []float32, audible bool) {
	vol := s.volume.Load()
	switch {
	case s.muted.Load() || vol == 0:
		clear(frame)
		audible = false
	case vol < 100:
		gain := float32(vol) / 100
		for i := range frame {
			frame[i] *= gain
		}
	}
	s.sink.Play(frame, audible)
}
