package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BioHazard786/huddle/internal/clock"
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/BioHazard786/huddle/internal/protocol"
)

// Signaler relays a handshake payload to one remote participant.
type Signaler interface {
	Signal(toID string, sig protocol.Signal) error
}

// Timeouts bound the two waits of a handshake.
type Timeouts struct {
	Handshake time.Duration
	Ready     time.Duration
}

// DefaultTimeouts are used when Options leaves Timeouts empty.
var DefaultTimeouts = Timeouts{Handshake: 15 * time.Second, Ready: 20 * time.Second}

func (t Timeouts) validate() error {
	if t.Handshake <= 0 || t.Ready <= 0 {
		return fmt.Errorf("timeouts must be positive: handshake=%s ready=%s", t.Handshake, t.Ready)
	}
	return nil
}

// Snapshot is a point-in-time view of a session. Version grows with every
// state change, so observers can discard snapshots that arrive late.
type Snapshot struct {
	RemoteID string
	Role     media.Role
	State    State
	Err      error
	Version  uint64
}

// Options carries a session's collaborators.
type Options struct {
	Factory  media.Factory
	Stream   media.LocalStream
	Signaler Signaler
	Timeouts Timeouts
	Clock    clock.Clock
	Logger   *slog.Logger

	// OnChange is called after every state change, outside the session's
	// lock and possibly from several goroutines.
	OnChange func(*Session, Snapshot)
	// OnRemoteMedia is called when the remote participant's audio arrives.
	OnRemoteMedia func(*Session, media.RemoteStream)
}

// Session drives one Machine: it executes the machine's effects against the
// media capability, the signaler and the clock, and feeds their results back
// as events. Its methods never wait on the network.
type Session struct {
	remoteID string
	role     media.Role
	opts     Options
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// startMu serialises capability creation.
	startMu sync.Mutex

	mu         sync.Mutex
	machine    Machine
	capability media.Capability
	timers     [numTimers]*clock.Timer
	version    uint64
}

// NewSession creates an idle session toward remoteID.
func NewSession(remoteID string, role media.Role, opts Options) (*Session, error) {
	if opts.Factory == nil || opts.Signaler == nil {
		return nil, errors.New("peer: session needs a media factory and a signaler")
	}
	if opts.Timeouts == (Timeouts{}) {
		opts.Timeouts = DefaultTimeouts
	}
	if err := opts.Timeouts.validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		remoteID: remoteID,
		role:     role,
		opts:     opts,
		logger:   opts.Logger.With("peer", remoteID, "role", role.String()),
		ctx:      ctx,
		cancel:   cancel,
		machine:  NewMachine(role),
	}, nil
}

// RemoteID returns the remote participant's id.
func (s *Session) RemoteID() string { return s.remoteID }

// Role returns the session's role.
func (s *Session) Role() media.Role { return s.role }

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		RemoteID: s.remoteID,
		Role:     s.role,
		State:    s.machine.State,
		Err:      s.machine.Err,
		Version:  s.version,
	}
}

// Start creates the media capability and begins the handshake. If the
// capability cannot be created the session stays Idle and the error wraps
// ErrCapabilityUnavailable. Starting twice is a no-op.
func (s *Session) Start() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	if s.machine.State != Idle || s.capability != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	capability, err := s.opts.Factory.New(s.opts.Stream, s.role, media.Callbacks{
		OnReady:  func() { s.handle(Event{Kind: EventReady}) },
		OnFailed: func(err error) { s.handle(Event{Kind: EventNegotiationFailed, Err: err}) },
		OnClosed: func() { s.handle(Event{Kind: EventDisconnected}) },
		OnRemoteMedia: func(rs media.RemoteStream) {
			if s.opts.OnRemoteMedia != nil {
				s.opts.OnRemoteMedia(s, rs)
			}
		},
	})

	s.mu.Lock()
	if err != nil {
		s.mu.Unlock()
		if !errors.Is(err, ErrCapabilityUnavailable) {
			err = fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
		}
		return &Error{Op: "start session", Peer: s.remoteID, Err: err}
	}
	if s.machine.State.Terminal() {
		// Closed while the capability was being built.
		s.mu.Unlock()
		capability.Close()
		return nil
	}
	s.capability = capability
	s.mu.Unlock()

	s.handle(Event{Kind: EventStart})
	return nil
}

// HandleSignal feeds a relayed payload from the remote participant. A
// responder that has not been started yet is started first.
func (s *Session) HandleSignal(sig protocol.Signal) error {
	switch sig.Kind {
	case protocol.SignalOffer, protocol.SignalAnswer:
	default:
		s.logger.Debug("ignoring signal", "kind", sig.Kind)
		return nil
	}

	if s.role == media.Responder {
		if err := s.Start(); err != nil {
			return err
		}
	}
	s.handle(Event{Kind: EventRemoteDescription, Signal: sig.Kind, SDP: sig.SDP})
	return nil
}

// Close ends the session and releases its capability. Safe to call in any
// state.
func (s *Session) Close() {
	s.handle(Event{Kind: EventClose})
}

// handle applies ev and runs the resulting effects. Timer effects run under
// the lock; everything that may wait runs after it is released.
func (s *Session) handle(ev Event) {
	s.mu.Lock()
	prev := s.machine.State
	next, effects := Transition(s.machine, ev)
	s.machine = next

	var deferred []func()
	for _, eff := range effects {
		switch eff.Kind {
		case EffectArmTimer:
			s.armLocked(eff.Timer, eff.Gen)

		case EffectDisarmTimer:
			s.disarmLocked(eff.Timer)

		case EffectCreateLocalDescription:
			if c := s.capability; c != nil {
				go s.createLocalDescription(c)
			}

		case EffectApplyRemoteDescription:
			if c := s.capability; c != nil {
				go s.applyRemoteDescription(c, eff.SDP)
			}

		case EffectSendSignal:
			sig := protocol.Signal{Kind: eff.Signal, SDP: eff.SDP}
			deferred = append(deferred, func() { s.send(sig) })

		case EffectRelease:
			s.cancel()
			for k := TimerKind(0); k < numTimers; k++ {
				s.disarmLocked(k)
			}
			if c := s.capability; c != nil {
				s.capability = nil
				deferred = append(deferred, func() {
					if err := c.Close(); err != nil {
						s.logger.Debug("closing capability", "err", err)
					}
				})
			}
		}
	}

	changed := next.State != prev
	if changed {
		s.version++
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		if next.State == Failed {
			s.logger.Warn("peer session failed", "from", prev.String(), "err", next.Err)
		} else {
			s.logger.Debug("peer session state", "from", prev.String(), "to", next.State.String())
		}
	}

	for _, fn := range deferred {
		fn()
	}
	if changed && s.opts.OnChange != nil {
		s.opts.OnChange(s, snapshot)
	}
}

func (s *Session) armLocked(k TimerKind, gen uint64) {
	s.disarmLocked(k)
	d := s.opts.Timeouts.Handshake
	if k == TimerReady {
		d = s.opts.Timeouts.Ready
	}
	s.timers[k] = s.opts.Clock.AfterFunc(d, func() {
		s.handle(Event{Kind: EventTimeout, Timer: k, Gen: gen})
	})
}

func (s *Session) disarmLocked(k TimerKind) {
	if t := s.timers[k]; t != nil {
		t.Stop()
		s.timers[k] = nil
	}
}

func (s *Session) createLocalDescription(c media.Capability) {
	sdp, err := c.LocalDescription(s.ctx)
	if err != nil {
		s.handle(Event{Kind: EventNegotiationFailed, Err: &Error{Op: "create description", Peer: s.remoteID, Err: err}})
		return
	}
	s.handle(Event{Kind: EventLocalDescription, SDP: sdp})
}

func (s *Session) applyRemoteDescription(c media.Capability, sdp string) {
	if err := c.ApplyRemoteDescription(sdp); err != nil {
		s.handle(Event{Kind: EventNegotiationFailed, Err: &Error{Op: "apply description", Peer: s.remoteID, Err: err}})
		return
	}
	s.handle(Event{Kind: EventRemoteApplied})
}

func (s *Session) send(sig protocol.Signal) {
	if err := s.opts.Signaler.Signal(s.remoteID, sig); err != nil {
		s.handle(Event{Kind: EventNegotiationFailed, Err: &Error{Op: "send " + string(sig.Kind), Peer: s.remoteID, Err: err}})
	}
}
