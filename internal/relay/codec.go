// Package relay implements the fallback audio path: PCM frames quantized to
// 16-bit, base64-encoded into AUDIO_RELAY chunks on the player, and decoded
// into a small bounded playback queue on the listener.
package relay

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	SampleRate = 22050 // Hz, mono
	FrameSize  = 4096  // samples per chunk
	QueueCap   = 5     // buffered frames at the listener
)

// FrameInterval is the playback duration of one frame.
const FrameInterval = time.Duration(FrameSize) * time.Second / SampleRate

var ErrBadChunk = errors.New("relay: malformed chunk")

// Quantize converts float samples in [-1, 1) to signed 16-bit, clamping
// out-of-range input and truncating toward zero.
func Quantize(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := s * 32768
		switch {
		case v >= 32767:
			out[i] = 32767
		case v <= -32768:
			out[i] = -32768
		default:
			out[i] = int16(v)
		}
	}
	return out
}

// EncodeChunk quantizes samples and returns the little-endian bytes as
// standard base64.
func EncodeChunk(samples []float32) string {
	q := Quantize(samples)
	buf := make([]byte, 2*len(q))
	for i, v := range q {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeChunk reverses EncodeChunk, scaling back by 1/32768.
func DecodeChunk(d string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadChunk, err)
	}
	if len(buf)%2 != 0 {
		return nil, fmt.Errorf("%w: odd length %d", ErrBadChunk, len(buf))
	}

	out := make([]float32, len(buf)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(buf[2*i:]))) / 32768
	}
	return out, nil
}
