package relay

import (
	"github.com/1ureka/jamsync/internal/util"
)

// Queue is the listener's playback buffer. It holds at most QueueCap
// frames; pushing onto a full queue discards the oldest frame, which keeps
// the added delay bounded no matter how far the producer runs ahead.
type Queue struct {
	frames *util.RingBuffer[[]float32]
}

func NewQueue() *Queue {
	return &Queue{frames: util.NewRingBuffer[[]float32](QueueCap)}
}

// Push appends a decoded frame.
func (q *Queue) Push(frame []float32) {
	if q.frames.Push(frame) {
		util.Stats.AddRelayDrop()
	}
}

// Pull copies the oldest frame into out, zero-filling the remainder, and
// reports whether any audio was available. An empty queue yields silence.
func (q *Queue) Pull(out []float32) bool {
	frame, ok := q.frames.Pop()
	n := 0
	if ok {
		n = copy(out, frame)
	}
	clear(out[n:])
	return ok
}

func (q *Queue) Len() int { return q.frames.Len() }

// Frames returns the buffered frames, oldest first.
func (q *Queue) Frames() [][]float32 { return q.frames.Snapshot() }

// Reset drops everything buffered.
func (q *Queue) Reset() { q.frames.Clear() }
