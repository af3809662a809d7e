package relay

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/jamsync/internal/util"
)

// FrameReader produces consecutive mono frames at SampleRate.
type FrameReader interface {
	// ReadFrame fills frame completely or returns an error; io.EOF ends
	// the source.
	ReadFrame(frame []float32) error
}

// Encoder samples a FrameReader once per interval and hands every encoded
// chunk to emit. It runs on its own goroutine until stopped or the source
// ends.
type Encoder struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartEncoder begins encoding src. interval <= 0 means FrameInterval.
func StartEncoder(ctx context.Context, src FrameReader, interval time.Duration, emit func(chunk string)) *Encoder {
	if interval <= 0 {
		interval = FrameInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	e := &Encoder{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		frame := make([]float32, FrameSize)
		for {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
			if err := src.ReadFrame(frame); err != nil {
				if !errors.Is(err, io.EOF) {
					util.LogDebug("[relay] source read: %v", err)
				}
				return
			}
			emit(EncodeChunk(frame))
		}
	}()
	return e
}

// Stop ends the encoder and waits for its goroutine. Safe on nil.
func (e *Encoder) Stop() {
	if e == nil {
		return
	}
	e.cancel()
	<-e.done
}

// Done is closed when the encoder has exited.
func (e *Encoder) Done() <-chan struct{} { return e.done }

// Sink consumes one output frame per tick.
type Sink interface {
	Play(frame []float32, audible bool)
}

// Playout drains a Queue into a Sink at a fixed rate.
type Playout struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartPlayout begins pulling one frame per interval from q.
func StartPlayout(ctx context.Context, q *Queue, interval time.Duration, sink Sink) *Playout {
	if interval <= 0 {
		interval = FrameInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Playout{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		out := make([]float32, FrameSize)
		for {
			select {
			case <-ticker.C:
				audible := q.Pull(out)
				sink.Play(out, audible)
			case <-ctx.Done():
				return
			}
		}
	}()
	return p
}

// Stop ends playout and waits for its goroutine. Safe on nil.
func (p *Playout) Stop() {
	if p == nil {
		return
	}
	p.cancel()
	<-p.done
}

// Meter is a Sink that only measures what would have been played.
type Meter struct {
	mu      sync.Mutex
	level   float64 // RMS of the last frame
	audible atomic.Int64
	silent  atomic.Int64
}

func (m *Meter) Play(frame []float32, audible bool) {
	if !audible {
		m.silent.Add(1)
		m.mu.Lock()
		m.level = 0
		m.mu.Unlock()
		return
	}
	m.audible.Add(1)

	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	m.mu.Lock()
	m.level = math.Sqrt(sum / float64(len(frame)))
	m.mu.Unlock()
}

// Level returns the RMS of the last played frame.
func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Counts returns how many audible and silent frames were played.
func (m *Meter) Counts() (audible, silent int64) {
	return m.audible.Load(), m.silent.Load()
}
