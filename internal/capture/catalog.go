package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/1ureka/jamsync/internal/relay"
)

// Compile-time interface check.
var _ Capturer = (*Catalog)(nil)

// generator renders the audio of one tab.
type generator interface {
	// sample returns the value at time t (seconds) for the given track.
	sample(t float64, track int) float32
}

// tone is a sine whose pitch rises a semitone per track.
type tone struct {
	freq float64
}

func (g tone) sample(t float64, track int) float32 {
	f := g.freq * math.Pow(2, float64(track)/12)
	return float32(0.3 * math.Sin(2*math.Pi*f*t))
}

// pcm loops raw mono samples recorded at relay.SampleRate.
type pcm struct {
	samples []int16
}

func (g pcm) sample(t float64, _ int) float32 {
	if len(g.samples) == 0 {
		return 0
	}
	i := int64(t*relay.SampleRate) % int64(len(g.samples))
	return float32(g.samples[i]) / 32768
}

type tabState struct {
	id       int
	platform string
	title    string
	tracks   []string // "Artist - Name"
	cur      int
	playing  bool
	muted    bool
	gen      generator
}

// Catalog is an in-process Capturer over synthetic and raw PCM tabs. It is
// also the state the local remote-control implementation acts on.
type Catalog struct {
	mu     sync.Mutex
	tabs   []*tabState
	active int
}

// DefaultCatalog returns two synthetic tabs.
func DefaultCatalog() *Catalog {
	c, _ := ParseCatalog("tone:220:Lofi Radio,tone:330:Synthwave Mix")
	return c
}

// ParseCatalog builds a catalog from a comma-separated list of entries:
//
//	tone:<hz>:<title>     sine tone
//	file:<path>:<title>   raw signed 16-bit little-endian mono PCM at 22050 Hz
//
// Tabs are numbered from 1 in list order.
func ParseCatalog(spec string) (*Catalog, error) {
	c := &Catalog{}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kind, rest, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("catalog entry %q: missing kind", entry)
		}

		i := strings.LastIndex(rest, ":")
		if i <= 0 || i == len(rest)-1 {
			return nil, fmt.Errorf("catalog entry %q: want %s:<value>:<title>", entry, kind)
		}
		value, title := rest[:i], rest[i+1:]

		ts := &tabState{id: len(c.tabs) + 1, title: title, playing: true}
		switch kind {
		case "tone":
			hz, err := strconv.ParseFloat(value, 64)
			if err != nil || hz <= 0 {
				return nil, fmt.Errorf("catalog entry %q: bad frequency", entry)
			}
			ts.platform = "synth"
			ts.gen = tone{freq: hz}
			ts.tracks = toneTracks(title)
		case "file":
			samples, err := loadPCM(value)
			if err != nil {
				return nil, fmt.Errorf("catalog entry %q: %w", entry, err)
			}
			ts.platform = "file"
			ts.gen = pcm{samples: samples}
			ts.tracks = []string{filepath.Base(value) + " - " + title}
		default:
			return nil, fmt.Errorf("catalog entry %q: unknown kind %q", entry, kind)
		}
		c.tabs = append(c.tabs, ts)
	}

	if len(c.tabs) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}
	return c, nil
}

func toneTracks(title string) []string {
	tracks := make([]string, 4)
	for i := range tracks {
		tracks[i] = fmt.Sprintf("%s - Track %d", title, i+1)
	}
	return tracks
}

func loadPCM(path string) ([]int16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return samples, nil
}

// Tabs lists every tab.
func (c *Catalog) Tabs() []Tab {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Tab, 0, len(c.tabs))
	for _, ts := range c.tabs {
		out = append(out, c.describe(ts))
	}
	return out
}

// Tab returns one tab.
func (c *Catalog) Tab(id int) (Tab, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.find(id)
	if ts == nil {
		return Tab{}, false
	}
	return c.describe(ts), true
}

// Capture starts a source for tabID and marks it active.
func (c *Catalog) Capture(ctx context.Context, tabID int) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	ts := c.find(tabID)
	if ts != nil {
		c.active = tabID
	}
	c.mu.Unlock()
	if ts == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTab, tabID)
	}

	return newPCMSource(c, ts)
}

func (c *Catalog) SetMuted(tabID int, muted bool) error {
	return c.update(tabID, func(ts *tabState) { ts.muted = muted })
}

// SetPlaying pauses or resumes a tab. A paused tab renders silence.
func (c *Catalog) SetPlaying(tabID int, playing bool) error {
	return c.update(tabID, func(ts *tabState) { ts.playing = playing })
}

// TogglePlaying flips the play state.
func (c *Catalog) TogglePlaying(tabID int) error {
	return c.update(tabID, func(ts *tabState) { ts.playing = !ts.playing })
}

// Skip moves the tab's current track by delta, wrapping around.
func (c *Catalog) Skip(tabID, delta int) error {
	return c.update(tabID, func(ts *tabState) {
		n := len(ts.tracks)
		ts.cur = ((ts.cur+delta)%n + n) % n
	})
}

// Find selects the first track containing query (case-insensitive) and
// returns its tab.
func (c *Catalog) Find(query string) (Tab, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return Tab{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ts := range c.tabs {
		for i, name := range ts.tracks {
			if strings.Contains(strings.ToLower(name), q) {
				ts.cur = i
				return c.describe(ts), true
			}
		}
	}
	return Tab{}, false
}

// Active returns the most recently captured tab id, or 0.
func (c *Catalog) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Catalog) update(tabID int, fn func(*tabState)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.find(tabID)
	if ts == nil {
		return fmt.Errorf("%w: %d", ErrUnknownTab, tabID)
	}
	fn(ts)
	return nil
}

// render reads the playback state a frame needs.
func (c *Catalog) render(ts *tabState) (playing bool, track int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ts.playing, ts.cur
}

func (c *Catalog) find(id int) *tabState {
	for _, ts := range c.tabs {
		if ts.id == id {
			return ts
		}
	}
	return nil
}

// describe must be called with c.mu held.
func (c *Catalog) describe(ts *tabState) Tab {
	t := Tab{
		ID:       ts.id,
		Platform: ts.platform,
		Title:    ts.title,
		Playing:  ts.playing,
		Muted:    ts.muted,
		Active:   ts.id == c.active,
	}
	artist, name, ok := strings.Cut(ts.tracks[ts.cur], " - ")
	if ok {
		t.ArtistName, t.TrackName = artist, name
	} else {
		t.TrackName = ts.tracks[ts.cur]
	}
	return t
}
