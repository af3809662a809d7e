package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/1ureka/jamsync/internal/util"
)

const (
	defaultPingPeriod = 25 * time.Second
	maxMessageSize    = 64 * 1024
	outboxSize        = 64
)

// Server is the identity broker. Each WebSocket connection claims one id
// (query parameter "id"); the broker then relays OFFER/ANSWER/CANDIDATE/LEAVE
// messages between claimed ids. It never sees media or session traffic.
type Server struct {
	registry   *registry
	limiter    *joinLimiter
	upgrader   websocket.Upgrader
	pingPeriod time.Duration

	listener net.Listener
	httpSrv  *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithJoinRate limits identity claims per remote address to perSecond with
// the given burst. perSecond <= 0 disables the limit.
func WithJoinRate(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond <= 0 {
			s.limiter = newJoinLimiter(rate.Inf, 0)
			return
		}
		s.limiter = newJoinLimiter(rate.Limit(perSecond), burst)
	}
}

// WithPingPeriod sets the keepalive ping interval.
func WithPingPeriod(d time.Duration) Option {
	return func(s *Server) { s.pingPeriod = d }
}

// NewServer creates a broker. By default a remote address may claim 40
// identities in a burst and 2 per second after that, which fits a scanner
// probing every slot of a room.
func NewServer(opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		registry:   newRegistry(),
		limiter:    newJoinLimiter(2, 40),
		pingPeriod: defaultPingPeriod,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler serving /ws and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start begins listening on addr (":0" for a random port). Returns the
// bound address.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start broker: %w", err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			util.LogError("[broker] serve: %v", err)
		}
	}()
	go s.pruneLoop()

	return listener.Addr().String(), nil
}

// Close stops accepting connections and drops every registered client.
func (s *Server) Close() error {
	s.cancel()
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Close()
	}
	for _, p := range s.registry.all() {
		p.close()
	}
	return err
}

// Peers returns the number of registered identities.
func (s *Server) Peers() int {
	return s.registry.len()
}

func (s *Server) pruneLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.limiter.prune(); n > 0 {
				util.LogDebug("[broker] pruned %d idle rate buckets", n)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(strconv.Itoa(s.registry.len()) + "\n"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" || len(id) > 128 {
		http.Error(w, "missing or invalid id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := newPeerConn(id, conn)

	if !s.limiter.allow(remoteHost(r)) {
		p.sender.send(Message{Type: MsgTypeError, Payload: json.RawMessage(`"rate limited"`)})
		p.sender.closeWith(websocket.ClosePolicyViolation, "rate limited")
		return
	}

	// First committer wins.
	if !s.registry.claim(p) {
		p.sender.send(Message{Type: MsgTypeIDTaken})
		p.sender.closeWith(websocket.ClosePolicyViolation, "id taken")
		return
	}
	defer func() {
		s.registry.release(p)
		p.close()
		util.LogDebug("[broker] %s released", id)
	}()

	if err := p.sender.send(Message{Type: MsgTypeOpen}); err != nil {
		return
	}
	util.LogDebug("[broker] %s registered (%d live)", id, s.registry.len())

	go p.writeLoop(s.pingPeriod)
	s.readLoop(p)
}

// readLoop relays messages from p until its connection fails.
func (s *Server) readLoop(p *peerConn) {
	pongWait := s.pingPeriod * 5 / 2
	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := p.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				util.LogDebug("[broker] %s read: %v", p.id, err)
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case MsgTypeOffer, MsgTypeAnswer, MsgTypeCandidate, MsgTypeLeave:
			s.route(p, msg)
		default:
			util.LogDebug("[broker] %s sent unexpected %q", p.id, msg.Type)
		}
	}
}

// route forwards msg to its destination. An unknown destination is
// reported back to the sender as EXPIRE so that pending connections fail
// fast with "peer unavailable".
func (s *Server) route(from *peerConn, msg Message) {
	msg.Src = from.id

	to, ok := s.registry.lookup(msg.Dst)
	if !ok {
		if msg.Type != MsgTypeLeave {
			from.enqueue(Message{Type: MsgTypeExpire, Src: msg.Dst, Payload: msg.Payload})
		}
		return
	}
	if !to.enqueue(msg) {
		util.LogDebug("[broker] outbox of %s full, dropped %s from %s", to.id, msg.Type, from.id)
	}
}

// ---------------------------------------------------------------------------
// Per-connection state
// ---------------------------------------------------------------------------

// peerConn is one registered client.
type peerConn struct {
	id     string
	conn   *websocket.Conn
	sender *sender

	outbox    chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func newPeerConn(id string, conn *websocket.Conn) *peerConn {
	return &peerConn{
		id:     id,
		conn:   conn,
		sender: &sender{conn: conn},
		outbox: make(chan Message, outboxSize),
		done:   make(chan struct{}),
	}
}

// enqueue hands msg to the writer without blocking the caller's read loop.
func (p *peerConn) enqueue(msg Message) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.outbox <- msg:
		return true
	default:
		return false
	}
}

// writeLoop is the single writer after registration; it also pings.
func (p *peerConn) writeLoop(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-p.outbox:
			if err := p.sender.send(msg); err != nil {
				p.close()
				return
			}
		case <-ticker.C:
			if err := p.sender.ping(); err != nil {
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// remoteHost strips the port from the request's remote address.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
