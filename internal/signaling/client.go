package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/jamsync/internal/transport"
)

// ErrRejected is returned when the broker refuses a registration for a
// reason other than the id being taken (rate limit, malformed request).
var ErrRejected = errors.New("signaling: rejected by broker")

const openTimeout = 10 * time.Second

// Client is one registered identity at the broker.
type Client struct {
	id     string
	conn   *websocket.Conn
	sender *sender

	done      chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool
}

// Dial connects to the broker at brokerURL (ws:// or wss://, path /ws) and
// claims id. It returns transport.ErrIdentityTaken when another client holds
// id. After a successful claim, every relayed message is passed to
// onMessage from a single goroutine, and onClose runs once when the
// connection ends for any reason other than Close.
func Dial(ctx context.Context, brokerURL, id string, onMessage func(Message), onClose func(error)) (*Client, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker URL %q: %w", brokerURL, err)
	}
	q := u.Query()
	q.Set("id", id)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	// The first frame decides the claim.
	deadline := time.Now().Add(openTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	var first Message
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker did not answer registration: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch first.Type {
	case MsgTypeOpen:
	case MsgTypeIDTaken:
		conn.Close()
		return nil, fmt.Errorf("%s: %w", id, transport.ErrIdentityTaken)
	default:
		conn.Close()
		var reason string
		json.Unmarshal(first.Payload, &reason)
		return nil, fmt.Errorf("%w: %s %s", ErrRejected, first.Type, reason)
	}

	c := &Client{
		id:     id,
		conn:   conn,
		sender: &sender{conn: conn},
		done:   make(chan struct{}),
	}

	r := &receiver{conn: conn, onMessage: onMessage}
	go func() {
		err := r.watch()
		c.closeOnce.Do(func() { close(c.done) })
		conn.Close()
		if !c.closing.Load() && onClose != nil {
			onClose(err)
		}
	}()

	return c, nil
}

// ID returns the claimed identity.
func (c *Client) ID() string { return c.id }

// Done is closed when the broker connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Send relays msg through the broker. Dst must be set.
func (c *Client) Send(msg Message) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	return c.sender.send(msg)
}

// Close releases the identity at the broker.
func (c *Client) Close() error {
	c.closing.Store(true)
	c.closeOnce.Do(func() { close(c.done) })
	c.sender.closeWith(websocket.CloseNormalClosure, "bye")
	return nil
}

// receiver reads broker messages until the connection fails.
type receiver struct {
	conn      *websocket.Conn
	onMessage func(Message)
}

// watch blocks until the connection fails and returns the read error.
func (r *receiver) watch() error {
	for {
		var msg Message
		if err := r.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("broker connection lost: %w", err)
		}
		if r.onMessage != nil {
			r.onMessage(msg)
		}
	}
}
