// Package mesh keeps one peer session per remote participant in the room,
// creating and tearing them down as the membership changes.
package mesh

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BioHazard786/huddle/internal/clock"
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/BioHazard786/huddle/internal/peer"
	"github.com/BioHazard786/huddle/internal/protocol"
)

// MaxPeers is the most sessions one participant holds: a full room minus
// itself.
const MaxPeers = 3

var (
	ErrNotOpen = errors.New("mesh: local stream not acquired")
	ErrLeft    = errors.New("mesh: already left the room")
)

// Options configures a Coordinator.
type Options struct {
	Factory  media.Factory
	Signaler peer.Signaler

	// Acquire opens the local capture stream. Defaults to a silent stream.
	Acquire func() (media.LocalStream, error)

	Timeouts    peer.Timeouts
	RetryBudget int
	Clock       clock.Clock
	Logger      *slog.Logger

	// OnEvent receives roster changes. It may be called from several
	// goroutines and must not block.
	OnEvent func(Event)
}

type member struct {
	info     protocol.Participant
	role     media.Role
	session  *peer.Session
	attempts int

	unreachable bool
	lastErr     error
}

// Coordinator reacts to membership messages from the signaling server. It
// only ever locks its own maps; sessions are driven outside that lock.
type Coordinator struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	stream  media.LocalStream
	self    protocol.Participant
	roomKey string
	members map[string]*member
	order   []string
	left    bool
}

// New creates a coordinator. Call Open before the first membership message.
func New(opts Options) (*Coordinator, error) {
	if opts.Factory == nil || opts.Signaler == nil {
		return nil, errors.New("mesh: coordinator needs a media factory and a signaler")
	}
	if opts.Acquire == nil {
		opts.Acquire = func() (media.LocalStream, error) { return media.Acquire("", opts.Logger) }
	}
	if opts.RetryBudget < 0 {
		opts.RetryBudget = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		opts:    opts,
		logger:  opts.Logger,
		members: make(map[string]*member),
	}, nil
}

// Open acquires the local stream every session shares. A participant whose
// stream cannot be acquired must not join.
func (c *Coordinator) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.left {
		return ErrLeft
	}
	if c.stream != nil {
		return nil
	}
	stream, err := c.opts.Acquire()
	if err != nil {
		if !errors.Is(err, media.ErrCapabilityUnavailable) {
			err = fmt.Errorf("%w: %v", media.ErrCapabilityUnavailable, err)
		}
		return err
	}
	c.stream = stream
	return nil
}

// Stream returns the local stream, or nil before Open.
func (c *Coordinator) Stream() media.LocalStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// Self returns this participant as announced by the server.
func (c *Coordinator) Self() (protocol.Participant, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self, c.roomKey
}

// Dispatch routes one server message.
func (c *Coordinator) Dispatch(msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypeAllUsers:
		return c.HandleJoined(msg.ID, msg.RoomKey, msg.DisplayName, msg.Users)
	case protocol.TypeUserJoined:
		if msg.User == nil {
			return fmt.Errorf("%s without user", msg.Type)
		}
		return c.HandleUserJoined(*msg.User)
	case protocol.TypeUserLeft:
		c.HandleUserLeft(msg.ID)
		return nil
	case protocol.TypeReceivingSignal, protocol.TypeReceivingReturnedSignal:
		env, ok := msg.Envelope()
		if !ok {
			return fmt.Errorf("%s without signal", msg.Type)
		}
		return c.HandleSignal(env)
	default:
		c.logger.Debug("mesh ignoring message", "type", msg.Type)
		return nil
	}
}

// HandleJoined processes the server's reply to our join: we initiate toward
// every participant already present.
func (c *Coordinator) HandleJoined(selfID, roomKey, displayName string, users []protocol.Participant) error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.self = protocol.Participant{ID: selfID, DisplayName: displayName}
	c.roomKey = roomKey

	var started []*peer.Session
	for _, u := range users {
		if u.ID == selfID {
			continue
		}
		s, err := c.addMemberLocked(u, media.Initiator)
		if err != nil {
			c.logger.Warn("not connecting to member", "peer", u.ID, "err", err)
			continue
		}
		started = append(started, s)
	}
	c.mu.Unlock()

	c.emit(Event{Kind: Joined, Peer: protocol.Participant{ID: selfID, DisplayName: displayName}})
	for _, u := range users {
		if u.ID != selfID {
			c.emit(Event{Kind: MemberJoined, Peer: u})
		}
	}
	c.start(started...)
	return nil
}

// HandleUserJoined processes a newcomer: it will initiate, we respond.
func (c *Coordinator) HandleUserJoined(p protocol.Participant) error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	s, err := c.addMemberLocked(p, media.Responder)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.emit(Event{Kind: MemberJoined, Peer: p})
	c.start(s)
	return nil
}

// HandleUserLeft closes and forgets the session for id. A later arrival with
// the same id would start from scratch.
func (c *Coordinator) HandleUserLeft(id string) {
	c.mu.Lock()
	m, ok := c.members[id]
	if ok {
		delete(c.members, id)
		c.removeOrderLocked(id)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	if m.session != nil {
		m.session.Close()
	}
	c.logger.Info("member left", "peer", id, "name", m.info.DisplayName)
	c.emit(Event{Kind: MemberLeft, Peer: m.info})
}

// HandleSignal routes a relayed payload to the session for its sender.
// Payloads from unknown senders are dropped. A fresh offer for a responder
// session that already consumed one means the remote side is retrying, and
// gets a fresh session while attempts remain.
func (c *Coordinator) HandleSignal(env protocol.Envelope) error {
	c.mu.Lock()
	m, ok := c.members[env.FromID]
	if c.left || !ok {
		c.mu.Unlock()
		c.logger.Debug("dropping signal", "peer", env.FromID, "kind", env.Kind)
		return nil
	}
	s, role := m.session, m.role
	c.mu.Unlock()

	if env.Kind == protocol.SignalOffer && role == media.Responder && !awaitingOffer(s) {
		fresh, err := c.renew(env.FromID, s)
		if err != nil || fresh == nil {
			return err
		}
		s.Close()
		s = fresh
	}

	if s == nil {
		return nil
	}
	return s.HandleSignal(protocol.Signal{Kind: env.Kind, SDP: env.Payload})
}

// renew swaps stale for a fresh session when the remote side restarts its
// handshake. It returns nil when stale is no longer current or no attempts
// remain.
func (c *Coordinator) renew(id string, stale *peer.Session) (*peer.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.members[id]
	if c.left || !ok || m.session != stale {
		return nil, nil
	}
	if m.attempts > c.opts.RetryBudget {
		c.logger.Info("ignoring renewed offer, attempts exhausted", "peer", id)
		return nil, nil
	}
	fresh, err := c.newSessionLocked(m)
	if err != nil {
		return nil, err
	}
	c.logger.Info("peer restarted handshake", "peer", id, "attempt", m.attempts)
	return fresh, nil
}

// Leave closes every session, cancels their timers and releases the local
// stream. Safe to call more than once.
func (c *Coordinator) Leave() {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return
	}
	c.left = true
	var sessions []*peer.Session
	for _, id := range c.order {
		if s := c.members[id].session; s != nil {
			sessions = append(sessions, s)
		}
	}
	clear(c.members)
	c.order = nil
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if stream != nil {
		stream.Close()
	}
	c.logger.Info("left room", "sessions", len(sessions))
}

// Roster returns the remote participants in arrival order.
func (c *Coordinator) Roster() []Member {
	c.mu.Lock()
	members := make([]*member, 0, len(c.order))
	for _, id := range c.order {
		members = append(members, c.members[id])
	}
	type row struct {
		m       Member
		session *peer.Session
	}
	rows := make([]row, 0, len(members))
	for _, m := range members {
		rows = append(rows, row{
			m: Member{
				ID:          m.info.ID,
				DisplayName: m.info.DisplayName,
				Role:        m.role,
				Attempts:    m.attempts,
				Unreachable: m.unreachable,
				Err:         m.lastErr,
			},
			session: m.session,
		})
	}
	c.mu.Unlock()

	out := make([]Member, 0, len(rows))
	for _, r := range rows {
		if r.session != nil {
			r.m.State = r.session.Snapshot().State
		}
		out = append(out, r.m)
	}
	return out
}

// SessionCount returns the number of live sessions.
func (c *Coordinator) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.members {
		if m.session != nil {
			n++
		}
	}
	return n
}

func (c *Coordinator) usableLocked() error {
	if c.left {
		return ErrLeft
	}
	if c.stream == nil {
		return ErrNotOpen
	}
	return nil
}

// addMemberLocked records a participant and creates its first session.
func (c *Coordinator) addMemberLocked(p protocol.Participant, role media.Role) (*peer.Session, error) {
	if _, exists := c.members[p.ID]; exists {
		return nil, fmt.Errorf("mesh: already have a session for %s", p.ID)
	}
	if len(c.members) >= MaxPeers {
		return nil, fmt.Errorf("mesh: already connected to %d peers", MaxPeers)
	}

	m := &member{info: p, role: role}
	s, err := c.newSessionLocked(m)
	if err != nil {
		return nil, err
	}
	c.members[p.ID] = m
	c.order = append(c.order, p.ID)
	return s, nil
}

// newSessionLocked replaces m's session with a fresh one in the same role.
func (c *Coordinator) newSessionLocked(m *member) (*peer.Session, error) {
	s, err := peer.NewSession(m.info.ID, m.role, peer.Options{
		Factory:       c.opts.Factory,
		Stream:        c.stream,
		Signaler:      c.opts.Signaler,
		Timeouts:      c.opts.Timeouts,
		Clock:         c.opts.Clock,
		Logger:        c.logger,
		OnChange:      c.sessionChanged,
		OnRemoteMedia: c.remoteMedia,
	})
	if err != nil {
		return nil, err
	}
	m.session = s
	m.attempts++
	m.unreachable = false
	m.lastErr = nil
	return s, nil
}

func (c *Coordinator) start(sessions ...*peer.Session) {
	for _, s := range sessions {
		if err := s.Start(); err != nil {
			// Not retried: the same factory would fail the same way.
			c.logger.Error("starting peer session failed", "peer", s.RemoteID(), "err", err)
			c.markUnreachable(s, err)
		}
	}
}

// sessionChanged runs for every state change of every session.
func (c *Coordinator) sessionChanged(s *peer.Session, snap peer.Snapshot) {
	c.mu.Lock()
	m, ok := c.members[snap.RemoteID]
	current := ok && m.session == s
	var info protocol.Participant
	if ok {
		info = m.info
	}
	c.mu.Unlock()

	if !current {
		return
	}
	c.emit(Event{Kind: PeerState, Peer: info, State: snap.State, Err: snap.Err})

	if snap.State == peer.Failed {
		c.retry(s, snap.Err)
	}
}

// retry replaces a failed session while attempts remain, and otherwise marks
// the member unreachable.
func (c *Coordinator) retry(failed *peer.Session, cause error) {
	c.mu.Lock()
	m, ok := c.members[failed.RemoteID()]
	if !ok || m.session != failed || c.left {
		c.mu.Unlock()
		return
	}
	if m.attempts > c.opts.RetryBudget {
		m.unreachable = true
		m.lastErr = cause
		info := m.info
		c.mu.Unlock()

		c.logger.Warn("peer unreachable", "peer", info.ID, "name", info.DisplayName, "err", cause)
		c.emit(Event{Kind: PeerUnreachable, Peer: info, Err: cause})
		return
	}

	s, err := c.newSessionLocked(m)
	attempt := m.attempts
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("recreating peer session failed", "peer", failed.RemoteID(), "err", err)
		return
	}

	c.logger.Info("retrying peer", "peer", failed.RemoteID(), "attempt", attempt, "cause", cause)
	c.start(s)
}

func (c *Coordinator) markUnreachable(s *peer.Session, cause error) {
	c.mu.Lock()
	m, ok := c.members[s.RemoteID()]
	if !ok || m.session != s {
		c.mu.Unlock()
		return
	}
	m.unreachable = true
	m.lastErr = cause
	info := m.info
	c.mu.Unlock()

	c.emit(Event{Kind: PeerUnreachable, Peer: info, Err: cause})
}

func (c *Coordinator) remoteMedia(s *peer.Session, rs media.RemoteStream) {
	c.mu.Lock()
	m, ok := c.members[s.RemoteID()]
	current := ok && m.session == s
	var info protocol.Participant
	if ok {
		info = m.info
	}
	c.mu.Unlock()

	if current {
		c.emit(Event{Kind: RemoteMedia, Peer: info, Stream: rs})
	}
}

func (c *Coordinator) removeOrderLocked(id string) {
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) emit(ev Event) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
}

func awaitingOffer(s *peer.Session) bool {
	if s == nil {
		return true
	}
	switch s.Snapshot().State {
	case peer.Idle, peer.AwaitingOffer:
		return true
	default:
		return false
	}
}
