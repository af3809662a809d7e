package transport

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used when no ICE servers are configured. No TURN:
// when direct connectivity fails the session falls back to the relay path
// over whatever channel did open, or reconnects.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// newPeerConnection creates a PeerConnection using the given STUN/TURN URLs.
func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	if len(iceServers) == 0 {
		iceServers = DefaultSTUNServers
	}
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: iceServers},
		},
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated, ordered DataChannel on the given
// PeerConnection. Negotiated mode (ID 0) lets both sides create the channel
// independently without relying on OnDataChannel. Session messages need
// send order, so unlike a tunnel of independent streams the channel stays
// ordered and reliable.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("jamsync", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
