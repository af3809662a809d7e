package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// sender serializes outgoing messages to a WebSocket. gorilla/websocket
// allows one concurrent writer only.
type sender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// send writes a message, guarded by a mutex.
func (s *sender) send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// ping writes a control ping frame.
func (s *sender) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// closeWith sends a close frame with reason and closes the connection.
func (s *sender) closeWith(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	s.conn.Close()
}
