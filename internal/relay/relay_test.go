package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

func TestQuantizeClampsAndTruncates(t *testing.T) {
	testCases := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{0.5, 16384},
		{-0.5, -16384},
		{1, 32767},
		{1.5, 32767},
		{-1, -32768},
		{-2, -32768},
		{0.00002, 0}, // 0.655 truncates toward zero
		{-0.00002, 0},
	}

	for _, tc := range testCases {
		if got := Quantize([]float32{tc.in})[0]; got != tc.want {
			t.Errorf("Quantize(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestChunkRoundTripIsLossyButClose(t *testing.T) {
	in := make([]float32, FrameSize)
	for i := range in {
		in[i] = float32(i%200-100) / 100
	}

	out, err := DecodeChunk(EncodeChunk(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("decoded %d samples, want %d", len(out), len(in))
	}
	for i := range in {
		if d := out[i] - in[i]; d > 1.0/16384 || d < -1.0/16384 {
			t.Fatalf("sample %d: %v → %v", i, in[i], out[i])
		}
	}
}

func TestEncodeChunkLittleEndian(t *testing.T) {
	// 0.5 → 0x4000 → bytes 00 40 → "AEA="
	if got := EncodeChunk([]float32{0.5}); got != "AEA=" {
		t.Fatalf("EncodeChunk = %q", got)
	}
}

func TestDecodeChunkErrors(t *testing.T) {
	for _, d := range []string{"not base64!", "AA=="} {
		if _, err := DecodeChunk(d); !errors.Is(err, ErrBadChunk) {
			t.Errorf("DecodeChunk(%q) err = %v, want ErrBadChunk", d, err)
		}
	}
}

// TestQueueBounded pushes more than QueueCap frames with no consumption:
// exactly QueueCap remain, and they are the most recent ones.
func TestQueueBounded(t *testing.T) {
	q := NewQueue()
	const m = 12
	for i := 0; i < m; i++ {
		q.Push([]float32{float32(i)})
	}

	if q.Len() != QueueCap {
		t.Fatalf("len = %d, want %d", q.Len(), QueueCap)
	}
	for i, f := range q.Frames() {
		if want := float32(m - QueueCap + i); f[0] != want {
			t.Fatalf("frame %d = %v, want %v", i, f[0], want)
		}
	}
}

func TestQueuePullSilenceWhenEmpty(t *testing.T) {
	q := NewQueue()
	out := []float32{9, 9, 9}

	if q.Pull(out) {
		t.Fatal("empty queue reported audio")
	}
	for _, s := range out {
		if s != 0 {
			t.Fatalf("expected silence, got %v", out)
		}
	}

	q.Push([]float32{0.25})
	if !q.Pull(out) {
		t.Fatal("queued frame not pulled")
	}
	if out[0] != 0.25 || out[1] != 0 || out[2] != 0 {
		t.Fatalf("short frame not zero-padded: %v", out)
	}
}

type countingReader struct {
	mu    sync.Mutex
	reads int
	limit int
}

func (r *countingReader) ReadFrame(frame []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reads == r.limit {
		return io.EOF
	}
	r.reads++
	for i := range frame {
		frame[i] = 0.5
	}
	return nil
}

func TestEncoderStopsAtEOF(t *testing.T) {
	src := &countingReader{limit: 3}
	var mu sync.Mutex
	var chunks []string

	enc := StartEncoder(context.Background(), src, time.Millisecond, func(c string) {
		mu.Lock()
		chunks = append(chunks, c)
		mu.Unlock()
	})

	select {
	case <-enc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("encoder did not stop at EOF")
	}
	enc.Stop()

	if len(chunks) != 3 {
		t.Fatalf("emitted %d chunks, want 3", len(chunks))
	}
	frame, _ := DecodeChunk(chunks[0])
	if len(frame) != FrameSize || frame[0] != 0.5 {
		t.Fatalf("chunk decoded to %d samples starting %v", len(frame), frame[0])
	}
}

func TestPlayoutFeedsSink(t *testing.T) {
	q := NewQueue()
	full := make([]float32, FrameSize)
	for i := range full {
		full[i] = 0.5
	}
	q.Push(full)

	m := &Meter{}
	p := StartPlayout(context.Background(), q, time.Millisecond, m)
	deadline := time.Now().Add(2 * time.Second)
	for {
		audible, silent := m.Counts()
		if audible == 1 && silent > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("counts = %d/%d", audible, silent)
		}
		time.Sleep(time.Millisecond)
	}
	p.Stop()
}

func TestNilStopIsSafe(t *testing.T) {
	var e *Encoder
	var p *Playout
	e.Stop()
	p.Stop()
}
