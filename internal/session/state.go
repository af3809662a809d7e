package session

import (
	"github.com/1ureka/jamsync/internal/discovery"
	"github.com/1ureka/jamsync/internal/protocol"
)

// Mode is the tag of the session union.
type Mode string

const (
	ModeIdle     Mode = "idle"
	ModePlayer   Mode = "player"
	ModeScanning Mode = "scanning"
	ModeListener Mode = "listener"
)

// Phase refines a mode.
type Phase string

const (
	PhaseAcquiring    Phase = "acquiring"    // player: claiming a slot and capturing
	PhaseBroadcasting Phase = "broadcasting" // player: live
	PhaseScanning     Phase = "scanning"     // probes in flight
	PhaseSelecting    Phase = "selecting"    // scan done, waiting for a choice
	PhaseConnecting   Phase = "connecting"   // listener: initial connect
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
	PhaseDisconnected Phase = "disconnected" // terminal
)

// AudioMode is the listener's audio delivery state.
type AudioMode string

const (
	AudioUnresolved AudioMode = "unresolved"
	AudioPrimary    AudioMode = "primary"
	AudioFallback   AudioMode = "fallback"
	AudioFailed     AudioMode = "failed" // stream ended, no fallback yet
)

// State is the aggregate view published to the UI and persisted as the
// last-known snapshot.
type State struct {
	Mode   Mode   `json:"mode"`
	Phase  Phase  `json:"phase,omitempty"`
	RoomID string `json:"roomId,omitempty"`
	Name   string `json:"name,omitempty"`

	// Player.
	Slot       int      `json:"slot,omitempty"`
	PeerID     string   `json:"peerId,omitempty"`
	TabID      int      `json:"tabId,omitempty"`
	Listeners  []string `json:"listeners,omitempty"`
	LocalMute  bool     `json:"localMute,omitempty"`
	MediaCalls int      `json:"mediaCalls,omitempty"`

	// Scanning.
	Players []discovery.PlayerSummary `json:"players,omitempty"`

	// Listener.
	PlayerID   string    `json:"playerId,omitempty"`
	PlayerName string    `json:"playerName,omitempty"`
	Audio      AudioMode `json:"audio,omitempty"`
	Attempt    int       `json:"attempt,omitempty"` // reconnection attempt in progress
	Volume     int       `json:"volume,omitempty"`  // playback percent

	// Shared.
	NowPlaying    string                 `json:"nowPlaying,omitempty"`
	ListenerCount int                    `json:"listenerCount"`
	Chat          []protocol.ChatMessage `json:"chat,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// EventKind tags an Event.
type EventKind string

const (
	EventState            EventKind = "state"
	EventChat             EventKind = "chat"
	EventReaction         EventKind = "reaction"
	EventTabSwitchRequest EventKind = "tab_switch_request"
	EventMusicTabs        EventKind = "music_tabs"
	EventError            EventKind = "error"
)

// Event is one update from the active session.
type Event struct {
	Kind      EventKind
	State     State                     // EventState
	Chat      protocol.ChatMessage      // EventChat
	Reaction  protocol.Reaction         // EventReaction
	TabSwitch protocol.TabSwitchRequest // EventTabSwitchRequest; Sender is the admitted name
	Tabs      []protocol.MusicTab       // EventMusicTabs
	Err       error                     // EventError
}

func stateEvent(st State) Event { return Event{Kind: EventState, State: st} }
func errorEvent(err error) Event { return Event{Kind: EventError, Err: err} }
