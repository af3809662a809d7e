// Package protocol defines the messages exchanged between players and
// listeners over a reliable data channel.
//
// Every message travels as a flat JSON object with a "type" discriminator.
// The set of messages is closed: a receiver decodes once at the boundary
// into PlayerBound or ListenerBound and switches over the concrete types.
package protocol

// Type is the wire discriminator.
type Type string

const (
	TypeWhoAreYou        Type = "WHO_ARE_YOU"
	TypePlayerInfo       Type = "PLAYER_INFO"
	TypeJoin             Type = "JOIN"
	TypeWelcome          Type = "WELCOME"
	TypeUserJoined       Type = "USER_JOINED"
	TypeUserLeft         Type = "USER_LEFT"
	TypeNowPlaying       Type = "NOW_PLAYING"
	TypeTabSwitched      Type = "TAB_SWITCHED"
	TypeChat             Type = "CHAT_MSG"
	TypeReaction         Type = "REACTION"
	TypeControlRequest   Type = "CONTROL_REQUEST"
	TypeTabSwitchRequest Type = "TAB_SWITCH_REQUEST"
	TypeRequestMusicTabs Type = "REQUEST_MUSIC_TABS"
	TypeMusicTabs        Type = "MUSIC_TABS"
	TypeSearchRequest    Type = "SEARCH_REQUEST"
	TypeAudioRelay       Type = "AUDIO_RELAY"
)

// Message is implemented by every wire message.
type Message interface {
	MessageType() Type
}

// PlayerBound is a message a player accepts from a listener or probe.
type PlayerBound interface {
	Message
	playerBound()
}

// ListenerBound is a message a listener or probe accepts from a player.
type ListenerBound interface {
	Message
	listenerBound()
}

// Action is a remote playback control verb.
type Action string

const (
	ActionPlay   Action = "PLAY"
	ActionPause  Action = "PAUSE"
	ActionToggle Action = "TOGGLE"
	ActionNext   Action = "NEXT"
	ActionPrev   Action = "PREV"
)

// Valid reports whether a is one of the known verbs.
func (a Action) Valid() bool {
	switch a {
	case ActionPlay, ActionPause, ActionToggle, ActionNext, ActionPrev:
		return true
	}
	return false
}

// MusicTab describes a source the player could switch to.
type MusicTab struct {
	TabID      int    `json:"tabId"`
	Platform   string `json:"platform,omitempty"`
	Title      string `json:"title"`
	TrackName  string `json:"trackName,omitempty"`
	ArtistName string `json:"artistName,omitempty"`
	IsPlaying  bool   `json:"isPlaying"`
	IsActive   bool   `json:"isActive"`
}

// ---------------------------------------------------------------------------
// Listener → Player
// ---------------------------------------------------------------------------

// WhoAreYou is a discovery probe.
type WhoAreYou struct{}

// Join asks the player to admit the sender as a listener.
type Join struct {
	Name string `json:"name"`
}

// ControlRequest asks the player to drive its playback.
type ControlRequest struct {
	Action Action `json:"action"`
	Sender string `json:"sender"`
}

// TabSwitchRequest asks the player to switch its source tab.
type TabSwitchRequest struct {
	TabID  int    `json:"tabId"`
	Sender string `json:"sender"`
}

// RequestMusicTabs asks the player for its available sources.
type RequestMusicTabs struct {
	Sender string `json:"sender,omitempty"`
}

// SearchRequest asks the player to search for a song.
type SearchRequest struct {
	Query  string `json:"query"`
	Sender string `json:"sender"`
}

// ---------------------------------------------------------------------------
// Player → Listener
// ---------------------------------------------------------------------------

// PlayerInfo answers a discovery probe.
type PlayerInfo struct {
	Name          string `json:"name"`
	NowPlaying    string `json:"nowPlaying"`
	ListenerCount int    `json:"listenerCount"`
	Slot          int    `json:"slot"`
	PeerID        string `json:"peerId"`
}

// Welcome acknowledges a Join.
type Welcome struct {
	PlayerName  string        `json:"playerName"`
	NowPlaying  string        `json:"nowPlaying"`
	RoomID      string        `json:"roomId"`
	ChatHistory []ChatMessage `json:"chatHistory"`
}

// UserJoined announces an admitted listener to the others.
type UserJoined struct {
	Name          string `json:"name"`
	ListenerCount int    `json:"listenerCount"`
}

// UserLeft announces a departed listener.
type UserLeft struct {
	Name          string `json:"name"`
	ListenerCount int    `json:"listenerCount"`
}

// NowPlaying carries a metadata update.
type NowPlaying struct {
	Title      string `json:"title"`
	PlayerName string `json:"playerName"`
}

// TabSwitched announces a source change.
type TabSwitched struct {
	NowPlaying string `json:"nowPlaying"`
	PlayerName string `json:"playerName"`
}

// MusicTabs lists the player's available sources.
type MusicTabs struct {
	Tabs []MusicTab `json:"tabs"`
}

// AudioRelay carries one encoded fallback audio frame.
type AudioRelay struct {
	D string `json:"d"`
}

// ---------------------------------------------------------------------------
// Either direction
// ---------------------------------------------------------------------------

// ChatMessage is one chat line. Time is in Unix milliseconds and is
// stamped by the player when it accepts the message.
type ChatMessage struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
	Time   int64  `json:"time"`
}

// Reaction is an ephemeral emoji.
type Reaction struct {
	Emoji  string `json:"emoji"`
	Sender string `json:"sender"`
}

func (WhoAreYou) MessageType() Type        { return TypeWhoAreYou }
func (Join) MessageType() Type             { return TypeJoin }
func (ControlRequest) MessageType() Type   { return TypeControlRequest }
func (TabSwitchRequest) MessageType() Type { return TypeTabSwitchRequest }
func (RequestMusicTabs) MessageType() Type { return TypeRequestMusicTabs }
func (SearchRequest) MessageType() Type    { return TypeSearchRequest }
func (PlayerInfo) MessageType() Type       { return TypePlayerInfo }
func (Welcome) MessageType() Type          { return TypeWelcome }
func (UserJoined) MessageType() Type       { return TypeUserJoined }
func (UserLeft) MessageType() Type         { return TypeUserLeft }
func (NowPlaying) MessageType() Type       { return TypeNowPlaying }
func (TabSwitched) MessageType() Type      { return TypeTabSwitched }
func (MusicTabs) MessageType() Type        { return TypeMusicTabs }
func (AudioRelay) MessageType() Type       { return TypeAudioRelay }
func (ChatMessage) MessageType() Type      { return TypeChat }
func (Reaction) MessageType() Type         { return TypeReaction }

func (WhoAreYou) playerBound()        {}
func (Join) playerBound()             {}
func (ControlRequest) playerBound()   {}
func (TabSwitchRequest) playerBound() {}
func (RequestMusicTabs) playerBound() {}
func (SearchRequest) playerBound()    {}
func (ChatMessage) playerBound()      {}
func (Reaction) playerBound()         {}

func (PlayerInfo) listenerBound()  {}
func (Welcome) listenerBound()     {}
func (UserJoined) listenerBound()  {}
func (UserLeft) listenerBound()    {}
func (NowPlaying) listenerBound()  {}
func (TabSwitched) listenerBound() {}
func (MusicTabs) listenerBound()   {}
func (AudioRelay) listenerBound()  {}
func (ChatMessage) listenerBound() {}
func (Reaction) listenerBound()    {}
