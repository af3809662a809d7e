package session

import (
	"errors"

	"github.com/1ureka/jamsync/internal/discovery"
)

// Session-level outcomes reported to the user. Everything else is absorbed
// by the session that saw it.
var (
	ErrRoomFull       = discovery.ErrRoomFull
	ErrNoPlayersFound = discovery.ErrNoPlayersFound
	ErrConnectFailed  = errors.New("could not connect to the player")
	ErrDisconnected   = errors.New("connection to the player lost")
	ErrCaptureFailed  = errors.New("audio capture failed")
)

// ErrTabSwitchFailed reports a switch whose new tab could not be captured.
// The previous source keeps broadcasting.
var ErrTabSwitchFailed = errors.New("tab switch failed")

// Misuse of the controller or of a finished session.
var (
	ErrNoSession    = errors.New("session: no active session")
	ErrNotPlayer    = errors.New("session: not a player")
	ErrNotListener  = errors.New("session: not a listener")
	ErrNotScanned   = errors.New("session: no scan result to select from")
	ErrUnknownPeer  = errors.New("session: player not among the scan results")
	ErrNotConnected = errors.New("session: not connected to a player")
	ErrSuperseded   = errors.New("session: replaced by a newer session")
	ErrClosed       = errors.New("session: closed")
)
