package capture

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/jamsync/internal/relay"
	"github.com/1ureka/jamsync/internal/util"
)

// The media-call track carries PCMU: 8 kHz mono in 20 ms packets.
const (
	trackRate      = 8000
	packetDuration = 20 * time.Millisecond
	packetSamples  = trackRate * int(packetDuration/time.Millisecond) / 1000
)

// pcmSource renders one catalog tab into a pion sample track.
type pcmSource struct {
	id    string
	cat   *Catalog
	tab   *tabState
	track *webrtc.TrackLocalStaticSample

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newPCMSource(c *Catalog, ts *tabState) (*pcmSource, error) {
	id := fmt.Sprintf("tab%d-%s", ts.id, uuid.NewString()[:8])
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: trackRate, Channels: 1},
		"audio", "jamsync-"+id,
	)
	if err != nil {
		return nil, fmt.Errorf("create track: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &pcmSource{
		id:     id,
		cat:    c,
		tab:    ts,
		track:  track,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

func (s *pcmSource) ID() string                    { return s.id }
func (s *pcmSource) TabID() int                    { return s.tab.id }
func (s *pcmSource) TrackLocal() webrtc.TrackLocal { return s.track }

func (s *pcmSource) Frames() relay.FrameReader {
	return &frameReader{src: s, rate: relay.SampleRate}
}

// Stop ends the pump and every reader. Idempotent.
func (s *pcmSource) Stop() {
	s.cancel()
	<-s.done
}

// pump writes one PCMU packet per packetDuration until stopped.
func (s *pcmSource) pump() {
	defer close(s.done)

	ticker := time.NewTicker(packetDuration)
	defer ticker.Stop()

	r := &frameReader{src: s, rate: trackRate}
	frame := make([]float32, packetSamples)
	for {
		select {
		case <-ticker.C:
		case <-s.ctx.Done():
			return
		}
		if err := r.ReadFrame(frame); err != nil {
			return
		}
		payload := encodeULawFrame(make([]byte, 0, packetSamples), relay.Quantize(frame))
		if err := s.track.WriteSample(media.Sample{Data: payload, Duration: packetDuration}); err != nil {
			util.LogDebug("[capture] %s write sample: %v", s.id, err)
		}
	}
}

// frameReader renders the tab at a fixed rate from its own position.
type frameReader struct {
	src  *pcmSource
	rate float64
	pos  int64
}

func (r *frameReader) ReadFrame(frame []float32) error {
	if r.src.ctx.Err() != nil {
		return io.EOF
	}

	playing, track := r.src.cat.render(r.src.tab)
	for i := range frame {
		if !playing {
			frame[i] = 0
			continue
		}
		frame[i] = r.src.tab.gen.sample(float64(r.pos+int64(i))/r.rate, track)
	}
	r.pos += int64(len(frame))
	return nil
}
