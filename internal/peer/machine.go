// Package peer runs the handshake and connection lifecycle for one remote
// participant.
package peer

import (
	"fmt"

	"github.com/BioHazard786/huddle/internal/media"
	"github.com/BioHazard786/huddle/internal/protocol"
)

// State is a session's position in the handshake.
type State int

const (
	Idle State = iota
	AwaitingOffer
	Offering
	AwaitingAnswer
	AnswerApplied
	Answering
	Connected
	Closed
	Failed
)

var stateNames = [...]string{
	Idle:           "idle",
	AwaitingOffer:  "awaiting-offer",
	Offering:       "offering",
	AwaitingAnswer: "awaiting-answer",
	AnswerApplied:  "answer-applied",
	Answering:      "answering",
	Connected:      "connected",
	Closed:         "closed",
	Failed:         "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Closed || s == Failed
}

// TimerKind names the session's two deadlines.
type TimerKind int

const (
	// TimerHandshake bounds the description exchange.
	TimerHandshake TimerKind = iota
	// TimerReady bounds the wait for the media path once descriptions are
	// exchanged.
	TimerReady

	numTimers
)

func (k TimerKind) String() string {
	if k == TimerHandshake {
		return "handshake"
	}
	return "ready"
}

// EventKind identifies an input to the machine.
type EventKind int

const (
	EventStart EventKind = iota
	EventLocalDescription
	EventRemoteDescription
	EventRemoteApplied
	EventReady
	EventNegotiationFailed
	EventTimeout
	EventClose
	EventDisconnected
)

// Event is an input to Transition.
type Event struct {
	Kind EventKind

	// SDP is set for EventLocalDescription and EventRemoteDescription.
	SDP string
	// Signal is the kind of a remote description.
	Signal protocol.SignalKind
	// Err is set for EventNegotiationFailed.
	Err error
	// Timer and Gen identify the timer behind an EventTimeout.
	Timer TimerKind
	Gen   uint64
}

// EffectKind identifies work the runner must do after a transition.
type EffectKind int

const (
	EffectCreateLocalDescription EffectKind = iota
	EffectApplyRemoteDescription
	EffectSendSignal
	EffectArmTimer
	EffectDisarmTimer
	EffectRelease
)

// Effect is one piece of work produced by Transition.
type Effect struct {
	Kind EffectKind

	SDP    string
	Signal protocol.SignalKind
	Timer  TimerKind
	Gen    uint64
}

// Machine is the complete state of one handshake. The zero value is not
// usable; start from NewMachine.
type Machine struct {
	Role  media.Role
	State State
	Err   error

	remoteSeen    bool
	remoteApplied bool
	localSent     bool
	ready         bool

	armed [numTimers]uint64
	gen   uint64
}

// NewMachine returns an idle machine for role.
func NewMachine(role media.Role) Machine {
	return Machine{Role: role, State: Idle}
}

// Transition is the pure handshake state machine. Events that make no sense
// in the current state, and every event once the state is terminal, leave
// the machine unchanged and produce no effects.
func Transition(m Machine, ev Event) (Machine, []Effect) {
	if m.State.Terminal() {
		return m, nil
	}

	var effects []Effect

	switch ev.Kind {
	case EventClose:
		return m.close()

	case EventDisconnected:
		if m.State == Connected {
			return m.close()
		}
		return m.fail(wrap("connect", ErrNegotiationFailed, "transport went away before the connection was ready"))

	case EventNegotiationFailed:
		err := ev.Err
		if err == nil {
			err = ErrNegotiationFailed
		}
		return m.fail(err)

	case EventTimeout:
		if ev.Gen == 0 || m.armed[ev.Timer] != ev.Gen {
			return m, nil
		}
		m.armed[ev.Timer] = 0
		return m.fail(wrap("wait for "+ev.Timer.String(), ErrHandshakeTimeout, ""))

	case EventStart:
		if m.State != Idle {
			return m, nil
		}
		if m.Role == media.Initiator {
			m.State = Offering
			effects = append(effects, m.arm(TimerHandshake), Effect{Kind: EffectCreateLocalDescription})
		} else {
			m.State = AwaitingOffer
			effects = append(effects, m.arm(TimerHandshake))
		}

	case EventRemoteDescription:
		if m.remoteSeen {
			return m, nil
		}
		switch {
		case m.Role == media.Responder && ev.Signal == protocol.SignalOffer &&
			(m.State == Idle || m.State == AwaitingOffer):
			if m.State == Idle {
				effects = append(effects, m.arm(TimerHandshake))
			}
			m.State = Answering
			m.remoteSeen = true
			effects = append(effects, Effect{Kind: EffectApplyRemoteDescription, SDP: ev.SDP, Signal: ev.Signal})

		case m.Role == media.Initiator && ev.Signal == protocol.SignalAnswer && m.State == AwaitingAnswer:
			m.remoteSeen = true
			effects = append(effects, Effect{Kind: EffectApplyRemoteDescription, SDP: ev.SDP, Signal: ev.Signal})

		default:
			return m, nil
		}

	case EventRemoteApplied:
		switch {
		case m.Role == media.Initiator && m.State == AwaitingAnswer && m.remoteSeen:
			m.remoteApplied = true
			m.State = AnswerApplied
			effects = append(effects, m.disarm(TimerHandshake), m.arm(TimerReady))
			effects = m.maybeConnect(effects)

		case m.Role == media.Responder && m.State == Answering && m.remoteSeen && !m.remoteApplied:
			m.remoteApplied = true
			effects = append(effects, Effect{Kind: EffectCreateLocalDescription})

		default:
			return m, nil
		}

	case EventLocalDescription:
		switch {
		case m.Role == media.Initiator && m.State == Offering:
			m.localSent = true
			m.State = AwaitingAnswer
			effects = append(effects, Effect{Kind: EffectSendSignal, Signal: protocol.SignalOffer, SDP: ev.SDP})

		case m.Role == media.Responder && m.State == Answering && m.remoteApplied && !m.localSent:
			m.localSent = true
			effects = append(effects,
				Effect{Kind: EffectSendSignal, Signal: protocol.SignalAnswer, SDP: ev.SDP},
				m.disarm(TimerHandshake),
				m.arm(TimerReady),
			)
			effects = m.maybeConnect(effects)

		default:
			return m, nil
		}

	case EventReady:
		if m.ready {
			return m, nil
		}
		m.ready = true
		effects = m.maybeConnect(effects)

	default:
		return m, nil
	}

	return m, effects
}

// maybeConnect moves to Connected once both descriptions are exchanged and
// the media path is up, whichever happened last.
func (m *Machine) maybeConnect(effects []Effect) []Effect {
	if !(m.ready && m.remoteApplied && m.localSent) {
		return effects
	}
	if m.State != AnswerApplied && m.State != Answering {
		return effects
	}
	m.State = Connected
	return append(effects, m.disarm(TimerReady))
}

func (m *Machine) arm(k TimerKind) Effect {
	m.gen++
	m.armed[k] = m.gen
	return Effect{Kind: EffectArmTimer, Timer: k, Gen: m.gen}
}

func (m *Machine) disarm(k TimerKind) Effect {
	m.armed[k] = 0
	return Effect{Kind: EffectDisarmTimer, Timer: k}
}

func (m Machine) disarmAll() []Effect {
	var effects []Effect
	for k := TimerKind(0); k < numTimers; k++ {
		if m.armed[k] != 0 {
			effects = append(effects, m.disarm(k))
		}
	}
	return effects
}

func (m Machine) close() (Machine, []Effect) {
	effects := m.disarmAll()
	m.armed = [numTimers]uint64{}
	m.State = Closed
	return m, append(effects, Effect{Kind: EffectRelease})
}

func (m Machine) fail(err error) (Machine, []Effect) {
	effects := m.disarmAll()
	m.armed = [numTimers]uint64{}
	m.State = Failed
	m.Err = err
	return m, append(effects, Effect{Kind: EffectRelease})
}
