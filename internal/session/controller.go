package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/jamsync/internal/capture"
	"github.com/1ureka/jamsync/internal/config"
	"github.com/1ureka/jamsync/internal/discovery"
	"github.com/1ureka/jamsync/internal/relay"
	"github.com/1ureka/jamsync/internal/remote"
	"github.com/1ureka/jamsync/internal/room"
	"github.com/1ureka/jamsync/internal/storage"
	"github.com/1ureka/jamsync/internal/transport"
	"github.com/1ureka/jamsync/internal/util"
)

// SnapshotKey is the storage key of the last published session state.
const SnapshotKey = "jamsync_session"

const subscriberBuffer = 64

// Deps are the collaborators a Controller drives.
type Deps struct {
	Provider transport.Provider
	Capturer capture.Capturer
	Remote   remote.Controller // optional
	Store    *storage.Store    // optional; persists snapshots
	Sink     relay.Sink        // optional; fallback playout
}

// session is one arm of the Idle | Player | Scanning | Listener union.
// Idle is the nil session.
type session interface {
	release()
}

// pending stands in for a session still being set up.
type pending struct {
	cancel context.CancelFunc
}

func (s *pending) release() { s.cancel() }

// scanning holds a finished or running scan.
type scanning struct {
	cancel  context.CancelFunc
	roomID  string
	name    string
	players []discovery.PlayerSummary
}

func (s *scanning) release() { s.cancel() }

func (p *Player) release()   { p.Close() }
func (l *Listener) release() { l.Close() }

// Controller owns the single active session. Starting a session releases
// the previous one first.
type Controller struct {
	cfg  config.Config
	deps Deps

	mu      sync.Mutex
	current session
	gen     atomic.Uint64

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
	last   State

	persistCh chan State
	done      chan struct{}
	closeOnce sync.Once
}

// NewController returns an idle controller.
func NewController(cfg config.Config, deps Deps) *Controller {
	c := &Controller{
		cfg:       cfg,
		deps:      deps,
		subs:      make(map[int]chan Event),
		last:      State{Mode: ModeIdle},
		persistCh: make(chan State, 1),
		done:      make(chan struct{}),
	}
	go c.persistLoop()
	return c
}

// Subscribe returns a stream of session events and a function that ends
// the subscription. A subscriber that falls behind loses events.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
			close(ch)
		})
	}
}

// State returns the last state published by the active session.
func (c *Controller) State() State {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.last
}

// publisher returns the event sink for session generation gen. Events
// from a replaced session are dropped.
func (c *Controller) publisher(gen uint64) func(Event) {
	return func(ev Event) {
		if c.gen.Load() != gen {
			return
		}
		c.emit(ev)
	}
}

func (c *Controller) emit(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if ev.Kind == EventState {
		c.last = ev.State
		select {
		case c.persistCh <- ev.State:
		default:
			// Latest wins: replace the queued snapshot.
			select {
			case <-c.persistCh:
			default:
			}
			c.persistCh <- ev.State
		}
	}
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Controller) persistLoop() {
	for {
		select {
		case st := <-c.persistCh:
			c.persist(st)
		case <-c.done:
			select {
			case st := <-c.persistCh:
				c.persist(st)
			default:
			}
			return
		}
	}
}

func (c *Controller) persist(st State) {
	if c.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.deps.Store.Put(ctx, SnapshotKey, st); err != nil {
		util.LogDebug("[session] failed to persist snapshot: %v", err)
	}
}

// LastSnapshot returns the state persisted by this or an earlier run.
func (c *Controller) LastSnapshot(ctx context.Context) (State, time.Time, error) {
	if c.deps.Store == nil {
		return State{}, time.Time{}, storage.ErrNotFound
	}
	var st State
	at, err := c.deps.Store.Get(ctx, SnapshotKey, &st)
	return st, at, err
}

// replace makes s the active session and releases the previous one. The
// returned generation identifies s; the context is cancelled when s is
// replaced in turn.
func (c *Controller) replace(s session) uint64 {
	c.mu.Lock()
	old := c.current
	c.current = s
	gen := c.gen.Add(1)
	c.mu.Unlock()

	if old != nil {
		old.release()
	}
	return gen
}

// commit swaps the setup placeholder of generation gen for the finished
// session. It reports false if gen was replaced meanwhile.
func (c *Controller) commit(gen uint64, s session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen.Load() != gen {
		return false
	}
	c.current = s
	return true
}

// fail returns generation gen to Idle and reports err.
func (c *Controller) fail(gen uint64, err error) {
	c.mu.Lock()
	if c.gen.Load() != gen {
		c.mu.Unlock()
		return
	}
	old := c.current
	c.current = nil
	c.mu.Unlock()

	if old != nil {
		old.release()
	}
	pub := c.publisher(gen)
	pub(stateEvent(State{Mode: ModeIdle, Error: err.Error()}))
	pub(errorEvent(err))
}

// setup registers a placeholder for a session being built and returns its
// generation and a context bounded by both ctx and the placeholder's life.
func (c *Controller) setup(ctx context.Context) (uint64, context.Context, context.CancelFunc) {
	sctx, cancel := context.WithCancel(ctx)
	gen := c.replace(&pending{cancel: cancel})
	return gen, sctx, cancel
}

// PlayerOptions start a broadcast.
type PlayerOptions struct {
	Name   string
	RoomID string
	TabID  int
}

// StartPlayer claims the first free slot of the room, captures the tab and
// starts broadcasting.
func (c *Controller) StartPlayer(ctx context.Context, opts PlayerOptions) error {
	gen, sctx, cancel := c.setup(ctx)
	defer cancel()
	pub := c.publisher(gen)
	pub(stateEvent(State{Mode: ModePlayer, Phase: PhaseAcquiring, RoomID: opts.RoomID, Name: opts.Name}))

	t := c.cfg.Timing
	ep, slot, err := discovery.Acquire(sctx, c.deps.Provider, opts.RoomID, c.cfg.MaxSlots, t.ClaimTimeout)
	if err != nil {
		c.fail(gen, err)
		return err
	}

	src, err := c.deps.Capturer.Capture(sctx, opts.TabID)
	if err != nil {
		ep.Close()
		err = fmt.Errorf("%w: tab %d: %v", ErrCaptureFailed, opts.TabID, err)
		c.fail(gen, err)
		return err
	}

	p := NewPlayer(ep, src, PlayerConfig{
		RoomID:         opts.RoomID,
		Name:           opts.Name,
		Slot:           slot,
		Capturer:       c.deps.Capturer,
		Remote:         c.deps.Remote,
		ProbeGrace:     t.ProbeGrace,
		RelayInterval:  t.RelayInterval,
		ReconnectDelay: t.ReconnectDelay,
		ReconnectMax:   t.ReconnectMax,
	}, pub)
	if !c.commit(gen, p) {
		p.Close()
		return ErrSuperseded
	}
	return nil
}

// ScanOptions start a scan.
type ScanOptions struct {
	RoomID string
	Name   string // display name used when joining later
}

// StartScan probes the room and returns the players found. The session
// stays in Scanning until a player is selected.
func (c *Controller) StartScan(ctx context.Context, opts ScanOptions) ([]discovery.PlayerSummary, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sc := &scanning{cancel: cancel, roomID: opts.RoomID, name: opts.Name}
	gen := c.replace(sc)
	pub := c.publisher(gen)

	st := State{Mode: ModeScanning, Phase: PhaseScanning, RoomID: opts.RoomID, Name: opts.Name}
	pub(stateEvent(st))

	ep, err := c.deps.Provider.CreateIdentity(sctx, room.NewEphemeralID("scan"))
	if err != nil {
		err = fmt.Errorf("scan identity: %w", err)
		c.fail(gen, err)
		return nil, err
	}

	t := c.cfg.Timing
	var found []discovery.PlayerSummary
	players, err := discovery.Scan(sctx, ep, discovery.ScanOptions{
		RoomID:       opts.RoomID,
		Slots:        c.cfg.Probes(),
		Window:       t.ScanWindow,
		ProbeTimeout: t.ProbeTimeout,
		OnFound: func(ps discovery.PlayerSummary) {
			found = append(found, ps)
			st.Players = append([]discovery.PlayerSummary(nil), found...)
			pub(stateEvent(st))
		},
	})
	ep.Close()
	if err != nil {
		c.fail(gen, err)
		return nil, err
	}

	c.mu.Lock()
	current := c.gen.Load() == gen
	if current {
		sc.players = players
	}
	c.mu.Unlock()
	if !current {
		return nil, ErrSuperseded
	}

	st.Phase = PhaseSelecting
	st.Players = players
	pub(stateEvent(st))
	return players, nil
}

// SelectPlayer joins a player found by the last scan.
func (c *Controller) SelectPlayer(ctx context.Context, peerID string) error {
	c.mu.Lock()
	sc, ok := c.current.(*scanning)
	var target discovery.PlayerSummary
	found := false
	if ok {
		for _, ps := range sc.players {
			if ps.PeerID == peerID {
				target, found = ps, true
				break
			}
		}
	}
	c.mu.Unlock()
	if !ok {
		return ErrNotScanned
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	gen, sctx, cancel := c.setup(ctx)
	defer cancel()
	pub := c.publisher(gen)
	pub(stateEvent(State{
		Mode: ModeListener, Phase: PhaseConnecting, RoomID: sc.roomID, Name: sc.name,
		PlayerID: target.PeerID, PlayerName: target.Name, NowPlaying: target.NowPlaying,
		Audio: AudioUnresolved,
	}))

	// Let the player finish closing our probe before joining.
	select {
	case <-time.After(c.cfg.Timing.SelectSettle):
	case <-sctx.Done():
		c.fail(gen, sctx.Err())
		return sctx.Err()
	}

	ep, err := c.deps.Provider.CreateIdentity(sctx, room.NewEphemeralID("listener"))
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrConnectFailed, err)
		c.fail(gen, err)
		return err
	}

	t := c.cfg.Timing
	l := NewListener(c.deps.Provider, ep, ListenerConfig{
		RoomID:            sc.roomID,
		Name:              sc.name,
		PlayerID:          target.PeerID,
		PlayerName:        target.Name,
		ConnectTimeout:    t.ConnectTimeout,
		ConnectRetries:    t.ConnectRetries,
		ConnectRetryDelay: t.ConnectRetryDelay,
		FailoverDelay:     t.FailoverDelay,
		ReconnectDelay:    t.ReconnectDelay,
		ReconnectMax:      t.ReconnectMax,
		RelayInterval:     t.RelayInterval,
		Sink:              c.deps.Sink,
	}, pub)
	if !c.commit(gen, l) {
		l.Close()
		return ErrSuperseded
	}

	select {
	case err = <-l.Ready():
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		c.fail(gen, err)
		return err
	}
	return nil
}

// Player returns the active broadcasting session.
func (c *Controller) Player() (*Player, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.current.(*Player); ok {
		return p, nil
	}
	return nil, ErrNotPlayer
}

// Listener returns the active listening session.
func (c *Controller) Listener() (*Listener, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.current.(*Listener); ok {
		return l, nil
	}
	return nil, ErrNotListener
}

// Mode reports which arm of the session union is active.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.current.(type) {
	case *Player:
		return ModePlayer
	case *Listener:
		return ModeListener
	case *scanning:
		return ModeScanning
	case *pending:
		return c.State().Mode
	}
	return ModeIdle
}

// Stop releases the active session and returns to Idle.
func (c *Controller) Stop() error {
	c.mu.Lock()
	idle := c.current == nil
	c.mu.Unlock()
	if idle {
		return ErrNoSession
	}
	gen := c.replace(nil)
	c.publisher(gen)(stateEvent(State{Mode: ModeIdle}))
	return nil
}

// Close releases the active session and flushes the last snapshot.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		old := c.current
		c.current = nil
		c.gen.Add(1)
		c.mu.Unlock()
		if old != nil {
			old.release()
		}
		close(c.done)
	})
}

// IsTerminal reports whether err ends a session for good.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrDisconnected) || errors.Is(err, ErrConnectFailed) ||
		errors.Is(err, ErrRoomFull) || errors.Is(err, ErrCaptureFailed)
}
