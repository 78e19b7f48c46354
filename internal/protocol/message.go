// Package protocol defines the signaling messages exchanged between
// participants and the signaling server, and the codecs used to frame them.
package protocol

// Type identifies a signaling message.
type Type string

// Client to server.
const (
	TypeJoinRoom        Type = "join-room"
	TypeCreateRoom      Type = "create-room"
	TypeLeaveRoom       Type = "leave-room"
	TypeSendingSignal   Type = "sending-signal"
	TypeReturningSignal Type = "returning-signal"
)

// Server to client.
const (
	TypeAllUsers                Type = "all-users"
	TypeUserJoined              Type = "user-joined"
	TypeUserLeft                Type = "user-left"
	TypeReceivingSignal         Type = "receiving-signal"
	TypeReceivingReturnedSignal Type = "receiving-returned-signal"
	TypeError                   Type = "error"
)

// DefaultRoomKey is the room joined when no key is given.
const DefaultRoomKey = "global-room"

// Message is the single frame shape for every signaling message. Only the
// fields relevant to Type are set.
type Message struct {
	Type        Type          `json:"type" msgpack:"type"`
	RoomKey     string        `json:"room_key,omitempty" msgpack:"room_key,omitempty"`
	DisplayName string        `json:"display_name,omitempty" msgpack:"display_name,omitempty"`
	ID          string        `json:"id,omitempty" msgpack:"id,omitempty"`
	User        *Participant  `json:"user,omitempty" msgpack:"user,omitempty"`
	Users       []Participant `json:"users,omitempty" msgpack:"users,omitempty"`
	FromID      string        `json:"from_id,omitempty" msgpack:"from_id,omitempty"`
	ToID        string        `json:"to_id,omitempty" msgpack:"to_id,omitempty"`
	Signal      *Signal       `json:"signal,omitempty" msgpack:"signal,omitempty"`
	Error       *ErrorPayload `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Participant is the public summary of a room member.
type Participant struct {
	ID          string `json:"id" msgpack:"id"`
	DisplayName string `json:"display_name" msgpack:"display_name"`
}

// SignalKind is the kind of handshake payload carried by a signal.
type SignalKind string

const (
	SignalOffer  SignalKind = "offer"
	SignalAnswer SignalKind = "answer"

	// SignalCandidate is relayed by the server but never produced by the
	// bundled-description client.
	SignalCandidate SignalKind = "ice-candidate"
)

// Signal is an opaque handshake description.
type Signal struct {
	Kind SignalKind `json:"kind" msgpack:"kind"`
	SDP  string     `json:"sdp,omitempty" msgpack:"sdp,omitempty"`
}

// Error codes carried by TypeError messages.
const (
	CodeRoomFull      = "room-full"
	CodeBadRequest    = "bad-request"
	CodeAlreadyJoined = "already-joined"
	CodeNotJoined     = "not-joined"
)

// ErrorPayload describes a request the server refused.
type ErrorPayload struct {
	Code    string `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// Envelope is a handshake payload addressed to exactly one participant.
type Envelope struct {
	Kind    SignalKind
	FromID  string
	ToID    string
	Payload string
}

// Outbound returns the message a participant sends to have env relayed.
// Offers and candidates travel as sending-signal, answers as
// returning-signal.
func (env Envelope) Outbound() *Message {
	typ := TypeSendingSignal
	if env.Kind == SignalAnswer {
		typ = TypeReturningSignal
	}
	return &Message{
		Type:   typ,
		ToID:   env.ToID,
		Signal: &Signal{Kind: env.Kind, SDP: env.Payload},
	}
}

// Delivery returns the message the server hands to env's recipient.
func (env Envelope) Delivery() *Message {
	typ := TypeReceivingSignal
	if env.Kind == SignalAnswer {
		typ = TypeReceivingReturnedSignal
	}
	return &Message{
		Type:   typ,
		FromID: env.FromID,
		Signal: &Signal{Kind: env.Kind, SDP: env.Payload},
	}
}

// Envelope extracts the addressed payload from a signal-carrying message.
// ok is false when the message carries no signal.
func (m *Message) Envelope() (env Envelope, ok bool) {
	if m == nil || m.Signal == nil {
		return Envelope{}, false
	}
	return Envelope{
		Kind:    m.Signal.Kind,
		FromID:  m.FromID,
		ToID:    m.ToID,
		Payload: m.Signal.SDP,
	}, true
}

// NewError builds a TypeError message.
func NewError(code, message string) *Message {
	return &Message{
		Type:  TypeError,
		Error: &ErrorPayload{Code: code, Message: message},
	}
}
