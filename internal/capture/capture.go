// Package capture provides the audio sources a player broadcasts. A
// Capturer turns an opaque tab id into a Source that feeds both delivery
// paths: a pion track for media calls and a frame reader for the relay.
package capture

import (
	"context"
	"errors"

	"github.com/1ureka/jamsync/internal/relay"
	"github.com/1ureka/jamsync/internal/transport"
)

var (
	ErrUnknownTab = errors.New("capture: unknown tab")
	ErrStopped    = errors.New("capture: source stopped")
)

// Tab describes one capturable source.
type Tab struct {
	ID         int
	Platform   string
	Title      string
	TrackName  string
	ArtistName string
	Playing    bool
	Muted      bool
	Active     bool // currently captured
}

// Source is a captured tab.
type Source interface {
	transport.TrackSource

	// TabID returns the captured tab.
	TabID() int

	// Frames returns an independent reader of relay-rate frames.
	Frames() relay.FrameReader

	// Stop releases the capture. Readers return io.EOF afterwards.
	Stop()
}

// Capturer grants sources for tabs.
type Capturer interface {
	Tabs() []Tab
	Capture(ctx context.Context, tabID int) (Source, error)

	// SetMuted mutes the tab's local output. The captured audio is not
	// affected.
	SetMuted(tabID int, muted bool) error
}
