package session

import "github.com/1ureka/jamsync/internal/protocol"

const (
	chatCap     = 200 // history length that triggers a trim
	chatKeep    = 100 // entries kept by a trim
	welcomeChat = 50  // entries replayed to a joining listener
)

// chatLog is a player's chat history in insertion order. Not safe for
// concurrent use; it lives on the session loop.
type chatLog struct {
	msgs []protocol.ChatMessage
}

// add appends m. Going past chatCap keeps only the newest chatKeep entries.
func (c *chatLog) add(m protocol.ChatMessage) {
	c.msgs = append(c.msgs, m)
	if len(c.msgs) > chatCap {
		c.msgs = append([]protocol.ChatMessage(nil), c.msgs[len(c.msgs)-chatKeep:]...)
	}
}

// last returns a copy of the newest n entries, oldest first.
func (c *chatLog) last(n int) []protocol.ChatMessage {
	if n > len(c.msgs) {
		n = len(c.msgs)
	}
	return append([]protocol.ChatMessage{}, c.msgs[len(c.msgs)-n:]...)
}

// replace adopts a history received from the player.
func (c *chatLog) replace(msgs []protocol.ChatMessage) {
	c.msgs = append([]protocol.ChatMessage(nil), msgs...)
	if len(c.msgs) > chatCap {
		c.msgs = c.msgs[len(c.msgs)-chatKeep:]
	}
}

func (c *chatLog) len() int { return len(c.msgs) }
