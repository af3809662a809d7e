// Package remote is the playback-control collaborator a player forwards
// listener requests to. Requests are advisory: nothing is acknowledged to
// the listener that sent them.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/jamsync/internal/capture"
	"github.com/1ureka/jamsync/internal/protocol"
	"github.com/1ureka/jamsync/internal/util"
)

var (
	ErrNoActiveTab = errors.New("remote: no tab is being captured")
	ErrNotFound    = errors.New("remote: no match")
	ErrBadAction   = errors.New("remote: unknown action")
)

// Controller drives playback in the player's tabs.
type Controller interface {
	// Control applies action to the captured tab.
	Control(ctx context.Context, action protocol.Action) error

	// Search selects the first track matching query.
	Search(ctx context.Context, query string) error

	// MusicTabs lists the tabs a listener may ask to switch to.
	MusicTabs(ctx context.Context) ([]protocol.MusicTab, error)

	// RequestTabSwitch records a listener's request to switch source. The
	// player decides whether to act on it.
	RequestTabSwitch(ctx context.Context, tabID int, requester string) error
}

// Compile-time interface check.
var _ Controller = (*Local)(nil)

// Local controls the tabs of a capture.Catalog in this process.
type Local struct {
	cat *capture.Catalog

	mu       sync.Mutex
	onChange func(capture.Tab)
}

func NewLocal(cat *capture.Catalog) *Local {
	return &Local{cat: cat}
}

// OnChange registers fn to run after a request changed a tab.
func (l *Local) OnChange(fn func(capture.Tab)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

func (l *Local) Control(ctx context.Context, action protocol.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := l.cat.Active()
	if id == 0 {
		return ErrNoActiveTab
	}

	var err error
	switch action {
	case protocol.ActionPlay:
		err = l.cat.SetPlaying(id, true)
	case protocol.ActionPause:
		err = l.cat.SetPlaying(id, false)
	case protocol.ActionToggle:
		err = l.cat.TogglePlaying(id)
	case protocol.ActionNext:
		err = l.cat.Skip(id, 1)
	case protocol.ActionPrev:
		err = l.cat.Skip(id, -1)
	default:
		return fmt.Errorf("%w: %q", ErrBadAction, action)
	}
	if err != nil {
		return err
	}

	util.LogDebug("[remote] %s on tab %d", action, id)
	l.changed(id)
	return nil
}

func (l *Local) Search(ctx context.Context, query string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tab, ok := l.cat.Find(query)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, query)
	}
	util.LogDebug("[remote] search %q selected %q on tab %d", query, tab.TrackName, tab.ID)
	l.changed(tab.ID)
	return nil
}

func (l *Local) MusicTabs(ctx context.Context) ([]protocol.MusicTab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tabs := l.cat.Tabs()
	out := make([]protocol.MusicTab, 0, len(tabs))
	for _, t := range tabs {
		out = append(out, protocol.MusicTab{
			TabID:      t.ID,
			Platform:   t.Platform,
			Title:      t.Title,
			TrackName:  t.TrackName,
			ArtistName: t.ArtistName,
			IsPlaying:  t.Playing,
			IsActive:   t.Active,
		})
	}
	return out, nil
}

func (l *Local) RequestTabSwitch(ctx context.Context, tabID int, requester string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := l.cat.Tab(tabID); !ok {
		return fmt.Errorf("%w: %d", capture.ErrUnknownTab, tabID)
	}
	util.LogInfo("[remote] %s asks to switch to tab %d", requester, tabID)
	return nil
}

func (l *Local) changed(id int) {
	l.mu.Lock()
	fn := l.onChange
	l.mu.Unlock()
	if fn == nil {
		return
	}
	if tab, ok := l.cat.Tab(id); ok {
		fn(tab)
	}
}
