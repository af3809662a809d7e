package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/jamsync/internal/eventloop"
	"github.com/1ureka/jamsync/internal/protocol"
	"github.com/1ureka/jamsync/internal/room"
	"github.com/1ureka/jamsync/internal/transport"
	"github.com/1ureka/jamsync/internal/util"
)

// PlayerSummary is what a player reports about itself to a probe.
type PlayerSummary struct {
	Slot          int    `json:"slot"`
	PeerID        string `json:"peerId"`
	Name          string `json:"name"`
	NowPlaying    string `json:"nowPlaying"`
	ListenerCount int    `json:"listenerCount"`
}

// ScanOptions configures one scan.
type ScanOptions struct {
	RoomID       string
	Slots        int           // slots 1..Slots are probed
	Window       time.Duration // global deadline
	ProbeTimeout time.Duration // a probe without a reply by then is closed

	// OnFound reports each player as it answers, in arrival order. It runs
	// on the scan's loop and must not block.
	OnFound func(PlayerSummary)
}

// Scan probes every slot of the room concurrently through ep and returns
// the players that answered, in arrival order. It returns once the window
// has elapsed or no probe is left in flight. An empty result is
// ErrNoPlayersFound.
func Scan(ctx context.Context, ep transport.Endpoint, opts ScanOptions) ([]PlayerSummary, error) {
	s := &scanner{
		loop:     eventloop.New(ctx),
		ep:       ep,
		opts:     opts,
		probes:   make(map[int]*probe),
		finished: make(chan struct{}),
	}
	s.loop.Post(s.start)

	select {
	case <-s.finished:
	case <-s.loop.Done():
	}
	s.loop.Stop()
	<-s.loop.Done()

	// Probes left over when the parent was cancelled mid-scan.
	for _, pr := range s.probes {
		pr.ch.Close()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.found) == 0 {
		return nil, fmt.Errorf("%w in room %s", ErrNoPlayersFound, opts.RoomID)
	}
	return s.found, nil
}

// probe is one in-flight connection to a slot identity.
type probe struct {
	slot   int
	peerID string
	ch     transport.Channel
	timer  *eventloop.Timer
	done   bool
}

// scanner state is owned by its loop.
type scanner struct {
	loop *eventloop.Loop
	ep   transport.Endpoint
	opts ScanOptions

	probes   map[int]*probe
	found    []PlayerSummary
	deadline *eventloop.Timer
	over     bool
	finished chan struct{}
}

func (s *scanner) start() {
	s.deadline = s.loop.After(s.opts.Window, func() {
		util.LogDebug("[scan] window closed with %d probe(s) in flight", len(s.probes))
		s.finish()
	})

	for k := 1; k <= s.opts.Slots; k++ {
		pr := &probe{slot: k, peerID: room.SlotPeerID(s.opts.RoomID, k)}
		ch, err := s.ep.Connect(pr.peerID, s.events(pr))
		if err != nil {
			util.LogDebug("[scan] connect %s: %v", pr.peerID, err)
			continue
		}
		pr.ch = ch
		pr.timer = s.loop.After(s.opts.ProbeTimeout, func() { s.closeProbe(pr) })
		s.probes[k] = pr
	}
	s.checkDone()
}

// events turns transport callbacks for pr into loop events.
func (s *scanner) events(pr *probe) transport.ChannelEvents {
	return transport.ChannelEvents{
		Open: func() {
			s.loop.Post(func() { s.onOpen(pr) })
		},
		Message: func(data []byte) {
			s.loop.Post(func() { s.onMessage(pr, data) })
		},
		Close: func() {
			s.loop.Post(func() { s.closeProbe(pr) })
		},
		Error: func(err error) {
			s.loop.Post(func() { s.onError(pr, err) })
		},
	}
}

func (s *scanner) onOpen(pr *probe) {
	if pr.done {
		return
	}
	if err := pr.ch.Send(protocol.MustEncode(protocol.WhoAreYou{})); err != nil {
		util.LogDebug("[scan] ask %s: %v", pr.peerID, err)
	}
}

func (s *scanner) onMessage(pr *probe, data []byte) {
	if pr.done {
		return
	}
	msg, err := protocol.DecodeListenerBound(data)
	if err != nil {
		util.LogDebug("[scan] %s: %v", pr.peerID, err)
		return
	}
	info, ok := msg.(protocol.PlayerInfo)
	if !ok {
		return
	}

	sum := PlayerSummary{
		Slot:          info.Slot,
		PeerID:        info.PeerID,
		Name:          info.Name,
		NowPlaying:    info.NowPlaying,
		ListenerCount: info.ListenerCount,
	}
	if sum.Slot == 0 {
		sum.Slot = pr.slot
	}
	if sum.PeerID == "" {
		sum.PeerID = pr.peerID
	}
	if sum.Name == "" {
		sum.Name = fmt.Sprintf("Player %d", pr.slot)
	}

	s.found = append(s.found, sum)
	util.LogDebug("[scan] found %q on slot %d", sum.Name, sum.Slot)
	if s.opts.OnFound != nil {
		s.opts.OnFound(sum)
	}
	s.closeProbe(pr)
}

// onError swallows every probe failure; an unoccupied slot is expected.
func (s *scanner) onError(pr *probe, err error) {
	if !errors.Is(err, transport.ErrPeerUnavailable) {
		util.LogDebug("[scan] %s: %v", pr.peerID, err)
	}
	s.closeProbe(pr)
}

// closeProbe runs at most once per probe, whichever of reply, probe
// timeout, channel failure or the global deadline comes first.
func (s *scanner) closeProbe(pr *probe) {
	if pr.done {
		return
	}
	pr.done = true
	pr.timer.Stop()
	delete(s.probes, pr.slot)
	pr.ch.Close()
	s.checkDone()
}

func (s *scanner) checkDone() {
	if len(s.probes) == 0 {
		s.finish()
	}
}

func (s *scanner) finish() {
	if s.over {
		return
	}
	s.over = true
	s.deadline.Stop()
	for _, pr := range s.probes {
		s.closeProbe(pr)
	}
	close(s.finished)
}
