package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/1ureka/jamsync/internal/capture"
	"github.com/1ureka/jamsync/internal/eventloop"
	"github.com/1ureka/jamsync/internal/protocol"
	"github.com/1ureka/jamsync/internal/relay"
	"github.com/1ureka/jamsync/internal/remote"
	"github.com/1ureka/jamsync/internal/transport"
	"github.com/1ureka/jamsync/internal/util"
)

// PlayerConfig is everything a broadcasting session needs besides its
// claimed endpoint and first source.
type PlayerConfig struct {
	RoomID string
	Name   string
	Slot   int

	Capturer capture.Capturer
	Remote   remote.Controller // nil: listener requests are dropped

	ProbeGrace     time.Duration
	RelayInterval  time.Duration
	ReconnectDelay time.Duration // broker re-registration
	ReconnectMax   int
}

type connState int

const (
	connNew      connState = iota // open, neither probe nor JOIN yet
	connProbe                     // answered WHO_ARE_YOU, closing soon
	connAdmitted                  // JOINed listener
)

// inbound is one connection accepted by the player.
type inbound struct {
	ch    transport.Channel
	peer  string
	state connState
	name  string
	seq   int // admission order
	probe *eventloop.Timer
}

// Player is a broadcasting session. All fields below loop are owned by the
// loop goroutine.
type Player struct {
	cfg     PlayerConfig
	ep      transport.Endpoint
	loop    *eventloop.Loop
	publish func(Event)

	conns     map[transport.Channel]*inbound
	listeners map[string]*inbound // admitted, by peer identity
	calls     map[string]transport.MediaCall
	seq       int

	source     capture.Source
	tabID      int
	nowPlaying string
	localMute  bool
	chat       chatLog
	encoder    *relay.Encoder
	broker     *Reconnector
	closed     bool
}

// NewPlayer starts broadcasting src on the claimed endpoint ep. The player
// owns both from now on.
func NewPlayer(ep transport.Endpoint, src capture.Source, cfg PlayerConfig, publish func(Event)) *Player {
	if publish == nil {
		publish = func(Event) {}
	}
	p := &Player{
		cfg:       cfg,
		ep:        ep,
		loop:      eventloop.New(context.Background()),
		publish:   publish,
		conns:     make(map[transport.Channel]*inbound),
		listeners: make(map[string]*inbound),
		calls:     make(map[string]transport.MediaCall),
		source:    src,
		tabID:     src.TabID(),
	}
	p.nowPlaying = p.describeTab(p.tabID)
	p.broker = NewReconnector(p.loop, cfg.ReconnectDelay, cfg.ReconnectMax, p.reregister, p.brokerExhausted)

	ep.Listen(p.accept)
	ep.OnDisconnected(func(err error) {
		p.loop.Post(func() { p.onBrokerLost(err) })
	})
	p.loop.Post(func() {
		util.LogSuccess("[player] broadcasting in room %s as %s (slot %d)", cfg.RoomID, ep.ID(), cfg.Slot)
		p.publishState()
	})
	return p
}

// accept runs on a transport goroutine. Registration is posted before the
// returned handlers can fire, so every event finds its connection.
func (p *Player) accept(ch transport.Channel) transport.ChannelEvents {
	p.loop.Post(func() {
		if p.closed {
			ch.Close()
			return
		}
		p.conns[ch] = &inbound{ch: ch, peer: ch.Peer()}
		util.LogDebug("[player] inbound connection %s from %s", ch.ID(), ch.Peer())
	})
	return transport.ChannelEvents{
		Message: func(data []byte) {
			p.loop.Post(func() { p.onMessage(ch, data) })
		},
		Close: func() {
			p.loop.Post(func() { p.onClose(ch) })
		},
		Error: func(err error) {
			util.LogDebug("[player] connection %s from %s: %v", ch.ID(), ch.Peer(), err)
		},
	}
}

func (p *Player) onMessage(ch transport.Channel, data []byte) {
	in := p.conns[ch]
	if in == nil {
		return
	}
	util.Stats.AddRecv(len(data))

	msg, err := protocol.DecodePlayerBound(data)
	if err != nil {
		util.LogDebug("[player] dropping message from %s: %v", in.peer, err)
		return
	}

	switch m := msg.(type) {
	case protocol.WhoAreYou:
		p.answerProbe(in)
		return
	case protocol.Join:
		p.admit(in, m.Name)
		return
	}

	if in.state != connAdmitted {
		util.LogDebug("[player] %s sent %s before joining", in.peer, msg.MessageType())
		return
	}

	switch m := msg.(type) {
	case protocol.ChatMessage:
		sender := m.Sender
		if sender == "" {
			sender = in.name
		}
		p.addChat(protocol.ChatMessage{Sender: sender, Text: m.Text, Time: time.Now().UnixMilli()})

	case protocol.Reaction:
		r := protocol.Reaction{Emoji: m.Emoji, Sender: m.Sender}
		if r.Sender == "" {
			r.Sender = in.name
		}
		p.broadcast(r, "")
		p.publish(Event{Kind: EventReaction, Reaction: r})

	case protocol.ControlRequest:
		if !m.Action.Valid() {
			util.LogDebug("[player] %s sent unknown control action %q", in.name, m.Action)
			return
		}
		util.LogInfo("[player] %s requested %s", in.name, m.Action)
		p.forward(func(ctx context.Context, rc remote.Controller) error {
			return rc.Control(ctx, m.Action)
		})

	case protocol.SearchRequest:
		util.LogInfo("[player] %s searched for %q", in.name, m.Query)
		p.forward(func(ctx context.Context, rc remote.Controller) error {
			return rc.Search(ctx, m.Query)
		})

	case protocol.TabSwitchRequest:
		req := protocol.TabSwitchRequest{TabID: m.TabID, Sender: in.name}
		util.LogInfo("[player] %s asked to switch to tab %d", in.name, m.TabID)
		p.publish(Event{Kind: EventTabSwitchRequest, TabSwitch: req})
		p.forward(func(ctx context.Context, rc remote.Controller) error {
			return rc.RequestTabSwitch(ctx, req.TabID, req.Sender)
		})

	case protocol.RequestMusicTabs:
		p.forward(func(ctx context.Context, rc remote.Controller) error {
			tabs, err := rc.MusicTabs(ctx)
			if err != nil {
				return err
			}
			p.loop.Post(func() { p.broadcastTabs(tabs) })
			return nil
		})
	}
}

// answerProbe replies to a discovery probe and closes the connection after
// a grace period. A probe never becomes a listener.
func (p *Player) answerProbe(in *inbound) {
	if in.state != connNew {
		return
	}
	in.state = connProbe
	p.sendTo(in.ch, protocol.PlayerInfo{
		Name:          p.cfg.Name,
		NowPlaying:    p.nowPlaying,
		ListenerCount: len(p.listeners),
		Slot:          p.cfg.Slot,
		PeerID:        p.ep.ID(),
	})
	ch := in.ch
	in.probe = p.loop.After(p.cfg.ProbeGrace, func() { ch.Close() })
}

func (p *Player) admit(in *inbound, name string) {
	if in.state != connNew {
		util.LogDebug("[player] ignoring JOIN from %s in state %d", in.peer, in.state)
		return
	}
	if name == "" {
		name = "Listener"
	}

	// The same identity joining again on a fresh channel replaces its old
	// connection silently.
	if old := p.listeners[in.peer]; old != nil {
		util.LogDebug("[player] %s rejoined, replacing %s", in.peer, old.ch.ID())
		delete(p.conns, old.ch)
		delete(p.listeners, in.peer)
		p.dropCall(in.peer)
		old.ch.Close()
	}

	p.seq++
	in.state = connAdmitted
	in.name = name
	in.seq = p.seq
	p.listeners[in.peer] = in

	p.sendTo(in.ch, protocol.Welcome{
		PlayerName:  p.cfg.Name,
		NowPlaying:  p.nowPlaying,
		RoomID:      p.cfg.RoomID,
		ChatHistory: p.chat.last(welcomeChat),
	})
	if p.source != nil {
		p.startCall(in.peer)
	}
	p.broadcast(protocol.UserJoined{Name: name, ListenerCount: len(p.listeners)}, in.peer)

	util.Stats.AddJoin()
	util.LogInfo("[player] %s joined (%d listening)", name, len(p.listeners))
	p.syncRelay()
	p.publishState()
}

func (p *Player) onClose(ch transport.Channel) {
	in := p.conns[ch]
	if in == nil {
		return
	}
	delete(p.conns, ch)
	in.probe.Stop()

	if in.state != connAdmitted || p.listeners[in.peer] != in {
		return
	}
	delete(p.listeners, in.peer)
	p.dropCall(in.peer)
	p.broadcast(protocol.UserLeft{Name: in.name, ListenerCount: len(p.listeners)}, "")

	util.Stats.AddLeave()
	util.LogInfo("[player] %s left (%d listening)", in.name, len(p.listeners))
	p.syncRelay()
	p.publishState()
}

func (p *Player) startCall(peer string) {
	var call transport.MediaCall
	call, err := p.ep.Call(peer, p.source, transport.CallEvents{
		Close: func() {
			p.loop.Post(func() {
				if p.calls[peer] == call {
					delete(p.calls, peer)
					p.publishState()
				}
			})
		},
		Error: func(err error) {
			util.LogDebug("[player] media call to %s: %v", peer, err)
		},
	})
	if err != nil {
		util.LogWarning("[player] failed to call %s: %v", peer, err)
		return
	}
	p.calls[peer] = call
}

func (p *Player) dropCall(peer string) {
	if call := p.calls[peer]; call != nil {
		delete(p.calls, peer)
		call.Close()
	}
}

// broadcast sends msg to every admitted listener except the one identified
// by except. A failing channel never stops delivery to the others.
func (p *Player) broadcast(msg protocol.Message, except string) {
	data := protocol.MustEncode(msg)
	for peer, in := range p.listeners {
		if peer == except {
			continue
		}
		p.sendData(in.ch, data)
	}
}

func (p *Player) sendTo(ch transport.Channel, msg protocol.Message) {
	p.sendData(ch, protocol.MustEncode(msg))
}

func (p *Player) sendData(ch transport.Channel, data []byte) {
	if err := ch.Send(data); err != nil {
		util.Stats.AddSendFailure()
		util.LogDebug("[player] send to %s failed: %v", ch.Peer(), err)
		return
	}
	util.Stats.AddSent(len(data))
}

func (p *Player) addChat(m protocol.ChatMessage) {
	p.chat.add(m)
	p.broadcast(m, "")
	p.publish(Event{Kind: EventChat, Chat: m})
}

func (p *Player) broadcastTabs(tabs []protocol.MusicTab) {
	p.broadcast(protocol.MusicTabs{Tabs: tabs}, "")
	p.publish(Event{Kind: EventMusicTabs, Tabs: tabs})
}

// forward hands a listener request to the remote controller without
// blocking the loop. Outcomes are only logged.
func (p *Player) forward(fn func(ctx context.Context, rc remote.Controller) error) {
	rc := p.cfg.Remote
	if rc == nil {
		util.LogDebug("[player] no remote controller, request dropped")
		return
	}
	ctx := p.loop.Context()
	go func() {
		if err := fn(ctx, rc); err != nil {
			util.LogDebug("[player] remote request failed: %v", err)
		}
	}()
}

// syncRelay runs the relay encoder exactly while there is a source and at
// least one listener.
func (p *Player) syncRelay() {
	want := p.source != nil && len(p.listeners) > 0
	switch {
	case want && p.encoder == nil:
		var enc *relay.Encoder
		enc = relay.StartEncoder(p.loop.Context(), p.source.Frames(), p.cfg.RelayInterval, func(chunk string) {
			p.loop.Post(func() {
				if p.encoder == enc {
					p.broadcast(protocol.AudioRelay{D: chunk}, "")
					util.Stats.AddRelaySent()
				}
			})
		})
		p.encoder = enc
	case !want && p.encoder != nil:
		p.stopRelay()
	}
}

// stopRelay detaches the encoder. Its goroutine may be blocked posting a
// chunk to this loop, so it is waited for elsewhere.
func (p *Player) stopRelay() {
	if enc := p.encoder; enc != nil {
		p.encoder = nil
		go enc.Stop()
	}
}

func (p *Player) onBrokerLost(err error) {
	if p.closed {
		return
	}
	util.LogWarning("[player] lost the broker: %v", err)
	p.broker.Trigger()
}

func (p *Player) reregister(n int) {
	util.LogInfo("[player] re-registering %s (attempt %d/%d)", p.ep.ID(), n, p.cfg.ReconnectMax)
	ep, ctx := p.ep, p.loop.Context()
	go func() {
		err := ep.Reconnect(ctx)
		p.loop.Post(func() {
			if err != nil {
				util.LogDebug("[player] re-register failed: %v", err)
				p.broker.Failed()
				return
			}
			util.LogSuccess("[player] registered again as %s", ep.ID())
			p.broker.Reset()
		})
	}()
}

func (p *Player) brokerExhausted() {
	err := fmt.Errorf("%w: broker unreachable, new listeners cannot join", ErrDisconnected)
	util.LogError("[player] %v", err)
	p.publish(errorEvent(err))
}

// SwitchTab replaces the broadcast source with a capture of tabID. Existing
// media calls get the new track in place; listeners without a call get a
// new one. The new tab is captured before the current source is released,
// so a failed capture leaves the broadcast untouched.
func (p *Player) SwitchTab(ctx context.Context, tabID int) error {
	if err := p.do(func() {}); err != nil {
		return err
	}

	src, err := p.cfg.Capturer.Capture(ctx, tabID)
	if err != nil {
		err = fmt.Errorf("%w: tab %d: %w", ErrTabSwitchFailed, tabID, err)
		util.LogWarning("[player] %v", err)
		p.loop.Post(func() { p.publish(errorEvent(err)) })
		return err
	}

	var old capture.Source
	if err := p.do(func() {
		old = p.source
		p.stopRelay()
		p.install(src)
	}); err != nil {
		src.Stop()
		return err
	}
	if old != nil {
		old.Stop()
	}
	return nil
}

func (p *Player) install(src capture.Source) {
	p.source = src
	p.tabID = src.TabID()
	p.nowPlaying = p.describeTab(p.tabID)

	for peer := range p.listeners {
		call := p.calls[peer]
		if call == nil {
			p.startCall(peer)
			continue
		}
		if err := call.ReplaceTrack(src); err != nil {
			util.LogDebug("[player] replace track for %s failed, calling again: %v", peer, err)
			p.dropCall(peer)
			p.startCall(peer)
		}
	}
	p.syncRelay()
	p.broadcast(protocol.TabSwitched{NowPlaying: p.nowPlaying, PlayerName: p.cfg.Name}, "")

	util.LogInfo("[player] now broadcasting tab %d: %s", p.tabID, p.nowPlaying)
	p.publishState()
}

// SetNowPlaying publishes a metadata update for the current source.
func (p *Player) SetNowPlaying(title string) error {
	return p.do(func() {
		if title == p.nowPlaying {
			return
		}
		p.nowPlaying = title
		p.broadcast(protocol.NowPlaying{Title: title, PlayerName: p.cfg.Name}, "")
		p.publishState()
	})
}

// PublishMusicTabs sends the list of switchable sources to every listener.
func (p *Player) PublishMusicTabs(tabs []protocol.MusicTab) error {
	return p.do(func() { p.broadcastTabs(tabs) })
}

// SendChat posts a chat line as the player.
func (p *Player) SendChat(text string) error {
	return p.do(func() {
		p.addChat(protocol.ChatMessage{Sender: p.cfg.Name, Text: text, Time: time.Now().UnixMilli()})
	})
}

// SendReaction sends an emoji as the player.
func (p *Player) SendReaction(emoji string) error {
	return p.do(func() {
		r := protocol.Reaction{Emoji: emoji, Sender: p.cfg.Name}
		p.broadcast(r, "")
		p.publish(Event{Kind: EventReaction, Reaction: r})
	})
}

// SetLocalMute silences the captured tab locally. What listeners hear is
// unchanged.
func (p *Player) SetLocalMute(muted bool) error {
	var err error
	if derr := p.do(func() {
		if err = p.cfg.Capturer.SetMuted(p.tabID, muted); err != nil {
			return
		}
		p.localMute = muted
		p.publishState()
	}); derr != nil {
		return derr
	}
	return err
}

// State returns the current view of the session.
func (p *Player) State() State {
	var st State
	p.do(func() { st = p.state() })
	return st
}

// Close tears the session down: every connection and call is closed, the
// capture is released and the slot identity is given up.
func (p *Player) Close() {
	var src capture.Source
	p.loop.Do(func() {
		if p.closed {
			return
		}
		p.closed = true
		p.broker.Stop()
		p.stopRelay()
		for ch, in := range p.conns {
			in.probe.Stop()
			ch.Close()
		}
		for _, call := range p.calls {
			call.Close()
		}
		src = p.source
		p.source = nil
		util.LogInfo("[player] stopped broadcasting")
	})
	p.loop.Stop()
	<-p.loop.Done()

	if src != nil {
		src.Stop()
	}
	p.ep.Close()
}

func (p *Player) do(fn func()) error {
	closed := false
	if err := p.loop.Do(func() {
		if closed = p.closed; !closed {
			fn()
		}
	}); err != nil || closed {
		return ErrClosed
	}
	return nil
}

func (p *Player) describeTab(id int) string {
	for _, t := range p.cfg.Capturer.Tabs() {
		if t.ID == id {
			return NowPlayingText(t)
		}
	}
	return fmt.Sprintf("Tab %d", id)
}

func (p *Player) publishState() {
	p.publish(stateEvent(p.state()))
}

func (p *Player) state() State {
	admitted := make([]*inbound, 0, len(p.listeners))
	for _, in := range p.listeners {
		admitted = append(admitted, in)
	}
	sort.Slice(admitted, func(i, j int) bool { return admitted[i].seq < admitted[j].seq })
	names := make([]string, len(admitted))
	for i, in := range admitted {
		names[i] = in.name
	}

	return State{
		Mode:          ModePlayer,
		Phase:         PhaseBroadcasting,
		RoomID:        p.cfg.RoomID,
		Name:          p.cfg.Name,
		Slot:          p.cfg.Slot,
		PeerID:        p.ep.ID(),
		TabID:         p.tabID,
		Listeners:     names,
		ListenerCount: len(names),
		LocalMute:     p.localMute,
		MediaCalls:    len(p.calls),
		NowPlaying:    p.nowPlaying,
		Chat:          p.chat.last(welcomeChat),
	}
}

// NowPlayingText is the title shown for a captured tab.
func NowPlayingText(t capture.Tab) string {
	switch {
	case t.TrackName != "" && t.ArtistName != "":
		return t.ArtistName + " - " + t.TrackName
	case t.TrackName != "":
		return t.TrackName
	case t.Title != "":
		return t.Title
	}
	return fmt.Sprintf("Tab %d", t.ID)
}
