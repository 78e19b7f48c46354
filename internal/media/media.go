// Package media is the boundary between peer sessions and the point-to-point
// audio transport. Sessions only see Factory and Capability; the production
// implementation is a pion PeerConnection per remote participant.
package media

import (
	"context"
	"errors"
)

var (
	// ErrNegotiationFailed is returned when a description cannot be produced
	// or applied, or the transport gives up.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrCapabilityUnavailable is returned when the local audio stream or a
	// transport cannot be created at all.
	ErrCapabilityUnavailable = errors.New("media capability unavailable")
)

// Role decides which side produces the offer.
type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return "unknown"
	}
}

// RemoteStream is audio arriving from the remote participant.
type RemoteStream interface {
	ID() string
	StreamID() string
}

// Callbacks report transport progress. They may be invoked from any
// goroutine and must not block.
type Callbacks struct {
	OnReady       func()
	OnFailed      func(error)
	OnRemoteMedia func(RemoteStream)
	OnClosed      func()
}

// Capability is one point-to-point media connection.
type Capability interface {
	// LocalDescription produces this side's complete description, with
	// every candidate bundled in. A responder must have applied the offer
	// first.
	LocalDescription(ctx context.Context) (string, error)

	// ApplyRemoteDescription applies the other side's description: the
	// offer for a responder, the answer for an initiator.
	ApplyRemoteDescription(sdp string) error

	Close() error
}

// Factory creates capabilities sharing one local stream.
type Factory interface {
	New(stream LocalStream, role Role, cb Callbacks) (Capability, error)
}
