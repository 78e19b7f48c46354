package mesh

import (
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/BioHazard786/huddle/internal/peer"
	"github.com/BioHazard786/huddle/internal/protocol"
)

// EventKind identifies a roster change.
type EventKind int

const (
	// Joined: this participant is in the room. Peer is self.
	Joined EventKind = iota
	MemberJoined
	MemberLeft
	PeerState
	PeerUnreachable
	RemoteMedia
)

func (k EventKind) String() string {
	switch k {
	case Joined:
		return "joined"
	case MemberJoined:
		return "member-joined"
	case MemberLeft:
		return "member-left"
	case PeerState:
		return "peer-state"
	case PeerUnreachable:
		return "peer-unreachable"
	case RemoteMedia:
		return "remote-media"
	default:
		return "unknown"
	}
}

// Event reports a roster change to the observer.
type Event struct {
	Kind   EventKind
	Peer   protocol.Participant
	State  peer.State
	Err    error
	Stream media.RemoteStream
}

// Member is one remote participant as shown in the roster.
type Member struct {
	ID          string
	DisplayName string
	Role        media.Role
	State       peer.State
	Attempts    int

	// Unreachable is set once every attempt failed. The participant is still
	// in the room.
	Unreachable bool
	Err         error
}
