// Package transport defines the contract the session core needs from a
// real-time transport, and implements its WebRTC building blocks: one pion
// PeerConnection per data connection or media call.
//
// The contract is event based. Events for one Channel or MediaCall are
// delivered one at a time, in order, and Close is delivered at most once.
// For inbound connections and calls, events start only after the accept
// callback has returned the handlers to use.
package transport

import (
	"context"
	"errors"
)

var (
	ErrIdentityTaken   = errors.New("transport: identity already claimed")
	ErrPeerUnavailable = errors.New("transport: peer unavailable")
	ErrClosed          = errors.New("transport: closed")
	ErrBackpressure    = errors.New("transport: send queue full")
	ErrNoTrack         = errors.New("transport: media source has no track")
)

// Provider grants identities in the transport namespace.
type Provider interface {
	// CreateIdentity claims id. It fails with ErrIdentityTaken if another
	// live endpoint holds it; claims are first-committer-wins.
	CreateIdentity(ctx context.Context, id string) (Endpoint, error)
}

// Endpoint is one claimed identity.
type Endpoint interface {
	ID() string

	// Connect opens an ordered, reliable channel to target. Failure is
	// reported through ev: Error(ErrPeerUnavailable) when nobody holds
	// target, followed by Close.
	Connect(target string, ev ChannelEvents) (Channel, error)

	// Listen installs the handler for inbound channels.
	Listen(accept func(ch Channel) ChannelEvents)

	// Call starts a one-way media call carrying src to target.
	Call(target string, src MediaSource, ev CallEvents) (MediaCall, error)

	// ListenCalls installs the handler for inbound calls.
	ListenCalls(accept func(call MediaCall) CallEvents)

	// OnDisconnected is invoked when the identity registration is lost
	// while established channels may still be alive.
	OnDisconnected(fn func(err error))

	// Reconnect registers the same identity again after a disconnect.
	Reconnect(ctx context.Context) error

	// Destroyed reports whether Close was called.
	Destroyed() bool

	// Close releases the identity and closes every channel and call.
	Close() error
}

// Channel is an ordered, reliable message channel.
type Channel interface {
	ID() string
	Peer() string
	Send(data []byte) error
	Close() error
}

// MediaCall is a one-way audio call.
type MediaCall interface {
	ID() string
	Peer() string

	// Answer accepts an inbound call. Callers never answer.
	Answer() error

	// ReplaceTrack swaps the outgoing source in place, keeping the
	// connection and its negotiated state.
	ReplaceTrack(src MediaSource) error

	Close() error
}

// MediaSource is an opaque captured audio source.
type MediaSource interface {
	ID() string
}

// Stream is the remote audio arriving on an answered call.
type Stream interface {
	ID() string
}

// ChannelEvents receives the lifecycle of one Channel. Nil fields are skipped.
type ChannelEvents struct {
	Open    func()
	Message func(data []byte)
	Close   func()
	Error   func(err error)
}

func (e ChannelEvents) EmitOpen() {
	if e.Open != nil {
		e.Open()
	}
}

func (e ChannelEvents) EmitMessage(data []byte) {
	if e.Message != nil {
		e.Message(data)
	}
}

func (e ChannelEvents) EmitClose() {
	if e.Close != nil {
		e.Close()
	}
}

func (e ChannelEvents) EmitError(err error) {
	if e.Error != nil {
		e.Error(err)
	}
}

// CallEvents receives the lifecycle of one MediaCall. Nil fields are skipped.
type CallEvents struct {
	Stream      func(s Stream)
	StreamEnded func()
	Close       func()
	Error       func(err error)
}

func (e CallEvents) EmitStream(s Stream) {
	if e.Stream != nil {
		e.Stream(s)
	}
}

func (e CallEvents) EmitStreamEnded() {
	if e.StreamEnded != nil {
		e.StreamEnded()
	}
}

func (e CallEvents) EmitClose() {
	if e.Close != nil {
		e.Close()
	}
}

func (e CallEvents) EmitError(err error) {
	if e.Error != nil {
		e.Error(err)
	}
}
