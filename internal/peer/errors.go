package peer

import (
	"errors"
	"fmt"

	"github.com/BioHazard786/huddle/internal/media"
)

var (
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrNegotiationFailed and ErrCapabilityUnavailable come from the media
	// layer; they are repeated here so callers need only this package.
	ErrNegotiationFailed     = media.ErrNegotiationFailed
	ErrCapabilityUnavailable = media.ErrCapabilityUnavailable
)

// Error adds the operation and remote participant to a session failure.
type Error struct {
	Op      string
	Peer    string
	Err     error
	Details string
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Peer != "" {
		msg += " " + e.Peer
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", msg, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}
