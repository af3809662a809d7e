package transport

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/jamsync/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 256        // outgoing message channel capacity
)

// sender is a goroutine-based message writer that serializes all writes to a
// single DataChannel, adding open-gate and backpressure control.
type sender struct {
	inbox       chan []byte
	drainSignal chan struct{}
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

// loop is the single-writer goroutine. It waits for the DataChannel to open,
// then drains the inbox with backpressure awareness.
func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	// Phase 1: wait for DC to be open.
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	// Phase 2: send messages with backpressure.
	for {
		select {
		case data := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			if err := dc.SendText(string(data)); err != nil {
				util.LogDebug("[rtc] send failed on %s: %v", dc.Label(), err)
				return
			}

			util.Stats.AddSent(len(data))
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues a message without blocking. A full queue means the peer is
// not draining; the message is refused so the caller's event loop never
// stalls on one slow listener.
func (s *sender) send(ctx context.Context, data []byte) error {
	if ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case s.inbox <- data:
		return nil
	default:
		return ErrBackpressure
	}
}
