package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/jamsync/internal/transport"
	"github.com/1ureka/jamsync/internal/util"
)

// send wraps payload into a broker message for dst.
func (e *endpoint) send(typ MessageType, dst string, payload sessionPayload) error {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return transport.ErrClosed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return client.Send(Message{Type: typ, Dst: dst, Payload: data})
}

// sendCandidate trickles one local ICE candidate. Best-effort.
func (e *endpoint) sendCandidate(dst, connID string, c webrtc.ICECandidateInit) {
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := e.send(MsgTypeCandidate, dst, sessionPayload{ConnectionID: connID, Candidate: data}); err != nil {
		util.LogDebug("[rtc] candidate to %s dropped: %v", dst, err)
	}
}

// handleSignal processes one relayed broker message. It runs on the
// client's receiver goroutine.
func (e *endpoint) handleSignal(msg Message) {
	var p sessionPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			util.LogDebug("[rtc] bad %s payload from %s: %v", msg.Type, msg.Src, err)
			return
		}
	}

	switch msg.Type {
	case MsgTypeOffer:
		var err error
		switch p.Kind {
		case kindData:
			err = e.acceptData(msg.Src, p)
		case kindMedia:
			err = e.acceptMedia(msg.Src, p)
		default:
			err = fmt.Errorf("unknown connection kind %q", p.Kind)
		}
		if err != nil {
			util.LogDebug("[rtc] offer %s from %s refused: %v", p.ConnectionID, msg.Src, err)
			e.send(MsgTypeLeave, msg.Src, sessionPayload{ConnectionID: p.ConnectionID, Reason: err.Error()})
		}

	case MsgTypeAnswer:
		n, ok := e.lookup(p.ConnectionID, msg.Src)
		if !ok {
			return
		}
		if err := n.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}); err != nil {
			util.LogDebug("[rtc] SetRemoteDescription(answer) failed: %v", err)
			n.Fail(err)
		}

	case MsgTypeCandidate:
		n, ok := e.lookup(p.ConnectionID, msg.Src)
		if !ok {
			return
		}
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal(p.Candidate, &init); err != nil {
			return
		}
		if err := n.AddICECandidate(init); err != nil {
			util.LogDebug("[rtc] AddICECandidate failed: %v", err)
		}

	case MsgTypeLeave:
		if n, ok := e.lookup(p.ConnectionID, msg.Src); ok {
			n.Close()
		}

	case MsgTypeExpire:
		// Src is the identity nobody holds.
		if n, ok := e.lookup(p.ConnectionID, msg.Src); ok {
			n.Fail(transport.ErrPeerUnavailable)
		}
	}
}

// acceptData answers an inbound data connection offer.
func (e *endpoint) acceptData(from string, p sessionPayload) error {
	e.mu.Lock()
	accept := e.accept
	e.mu.Unlock()
	if accept == nil {
		return fmt.Errorf("not accepting connections")
	}

	dc, err := transport.NewDataConn(e.ctx, p.ConnectionID, from, e.provider.iceServers, transport.ChannelEvents{})
	if err != nil {
		return err
	}
	dc.Bind(accept(dc))

	e.track(p.ConnectionID, dc)
	dc.OnClosed(func() { e.untrack(p.ConnectionID, from) })
	dc.OnICECandidate(func(c webrtc.ICECandidateInit) { e.sendCandidate(from, p.ConnectionID, c) })

	if err := dc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}); err != nil {
		dc.Close()
		return err
	}
	answer, err := dc.CreateAnswer()
	if err != nil {
		dc.Close()
		return err
	}
	return e.send(MsgTypeAnswer, from, sessionPayload{ConnectionID: p.ConnectionID, SDP: answer.SDP})
}

// acceptMedia hands an inbound call to the call handler; the answer is
// sent when the handler calls Answer.
func (e *endpoint) acceptMedia(from string, p sessionPayload) error {
	e.mu.Lock()
	accept := e.acceptCall
	e.mu.Unlock()
	if accept == nil {
		return fmt.Errorf("not accepting calls")
	}

	connID := p.ConnectionID
	mc, err := transport.NewIncomingCall(e.ctx, connID, from, e.provider.iceServers, func(answer webrtc.SessionDescription) error {
		return e.send(MsgTypeAnswer, from, sessionPayload{ConnectionID: connID, SDP: answer.SDP})
	})
	if err != nil {
		return err
	}

	e.track(connID, mc)
	mc.OnClosed(func() { e.untrack(connID, from) })
	mc.OnICECandidate(func(c webrtc.ICECandidateInit) { e.sendCandidate(from, connID, c) })

	if err := mc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}); err != nil {
		mc.Close()
		return err
	}
	mc.Bind(accept(mc))
	return nil
}
