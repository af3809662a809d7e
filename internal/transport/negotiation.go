package transport

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Negotiation holds the SDP/ICE half of a PeerConnection. Remote candidates
// that arrive before the remote description are buffered and applied once
// it is set, since the broker may deliver them in either order relative to
// the answer.
type Negotiation struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func newNegotiation(pc *webrtc.PeerConnection) *Negotiation {
	return &Negotiation{pc: pc}
}

// CreateOffer generates an SDP offer and applies it locally.
func (n *Negotiation) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// CreateAnswer generates an SDP answer and applies it locally.
func (n *Negotiation) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// SetRemoteDescription applies the remote SDP and flushes buffered candidates.
func (n *Negotiation) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := n.pc.SetRemoteDescription(sdp); err != nil {
		return err
	}

	n.mu.Lock()
	n.remoteSet = true
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			return err
		}
	}
	return nil
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (n *Negotiation) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	n.mu.Lock()
	if !n.remoteSet {
		n.pending = append(n.pending, candidate)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	return n.pc.AddICECandidate(candidate)
}

// OnICECandidate registers a callback for each gathered local candidate.
// End of gathering is not reported.
func (n *Negotiation) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	n.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			fn(c.ToJSON())
		}
	})
}
