// Package signaling implements the identity broker peers use to claim ids
// and exchange SDP/ICE, plus the client side that turns it into a
// transport.Provider backed by WebRTC.
package signaling

import "encoding/json"

// MessageType identifies the kind of broker message.
type MessageType string

const (
	// Broker → client.
	MsgTypeOpen    MessageType = "OPEN"     // identity granted
	MsgTypeIDTaken MessageType = "ID-TAKEN" // identity held by a live client
	MsgTypeError   MessageType = "ERROR"    // rejected (rate limit, bad request)
	MsgTypeExpire  MessageType = "EXPIRE"   // dst of a relayed message is unknown

	// Client → client, relayed by the broker.
	MsgTypeOffer     MessageType = "OFFER"
	MsgTypeAnswer    MessageType = "ANSWER"
	MsgTypeCandidate MessageType = "CANDIDATE"
	MsgTypeLeave     MessageType = "LEAVE"
)

// Message is the JSON structure exchanged over the WebSocket. Src is
// stamped by the broker; clients set Dst.
type Message struct {
	Type    MessageType     `json:"type"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// connectionKind tells the callee what a new offer is for.
type connectionKind string

const (
	kindData  connectionKind = "data"
	kindMedia connectionKind = "media"
)

// sessionPayload is the Payload of OFFER, ANSWER, CANDIDATE and LEAVE.
// Every PeerConnection is keyed by a connection id chosen by the caller.
type sessionPayload struct {
	ConnectionID string          `json:"connectionId"`
	Kind         connectionKind  `json:"kind,omitempty"`
	SDP          string          `json:"sdp,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
	Reason       string          `json:"reason,omitempty"`
}
