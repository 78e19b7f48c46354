// Package registry is the server side of signaling: it tracks which
// participants are in which room and relays handshake payloads between them.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/BioHazard786/huddle/internal/protocol"
)

// MaxCapacity is the largest room the mesh supports.
const MaxCapacity = 4

const maxDisplayName = 64

var (
	ErrRoomFull         = errors.New("room is full")
	ErrUnknownRecipient = errors.New("unknown recipient")
	ErrBadRequest       = errors.New("bad request")
)

// Member is the transport endpoint of a participant. Deliver must not block;
// a member that cannot keep up is expected to drop its own connection, which
// then leaves the room.
type Member interface {
	Deliver(msg *protocol.Message) error
}

// Participant is a room member as the registry sees it.
type Participant struct {
	ID          string
	DisplayName string
	RoomKey     string

	member Member
}

func (p *Participant) summary() protocol.Participant {
	return protocol.Participant{ID: p.ID, DisplayName: p.DisplayName}
}

// room holds members in arrival order. All membership changes and every
// delivery to a member of the room happen under mu, so each member observes
// joins, leaves and relayed signals in the order they were accepted.
type room struct {
	key     string
	mu      sync.Mutex
	members []*Participant
	closed  bool
}

func (rm *room) indexOf(id string) int {
	for i, p := range rm.members {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// RoomInfo is a point-in-time view of a room.
type RoomInfo struct {
	Key      string `json:"key"`
	Members  int    `json:"members"`
	Capacity int    `json:"capacity"`
}

// Registry is safe for concurrent use.
type Registry struct {
	capacity int
	logger   *slog.Logger
	newID    func() string

	mu           sync.Mutex
	rooms        map[string]*room
	participants map[string]*Participant
}

// Option configures a Registry.
type Option func(*Registry)

// WithCapacity caps room size. Values outside 1..MaxCapacity are clamped.
func WithCapacity(n int) Option {
	return func(r *Registry) {
		r.capacity = min(max(n, 1), MaxCapacity)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithIDGenerator replaces the UUID generator, mostly for tests that want
// readable ids.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		capacity:     MaxCapacity,
		logger:       slog.Default(),
		newID:        uuid.NewString,
		rooms:        make(map[string]*room),
		participants: make(map[string]*Participant),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Capacity returns the configured room size.
func (r *Registry) Capacity() int { return r.capacity }

// roomFor returns the room for key, creating it when absent.
func (r *Registry) roomFor(key string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[key]
	if !ok {
		rm = &room{key: key}
		r.rooms[key] = rm
		r.logger.Info("room created", "room", key)
	}
	return rm
}

// dropRoom forgets an emptied room. Caller holds rm.mu.
func (r *Registry) dropRoom(rm *room) {
	rm.closed = true

	r.mu.Lock()
	if r.rooms[rm.key] == rm {
		delete(r.rooms, rm.key)
	}
	r.mu.Unlock()

	r.logger.Info("room deleted", "room", rm.key)
}

func (r *Registry) deliver(p *Participant, msg *protocol.Message) {
	if err := p.member.Deliver(msg); err != nil {
		r.logger.Warn("delivery failed", "peer", p.ID, "type", msg.Type, "err", err)
	}
}

// Join adds a participant to the room keyed by roomKey. Every member already
// present receives user-joined; the joiner alone receives all-users with the
// members that were present before it. The returned slice is that same list.
//
// ErrRoomFull leaves the registry untouched.
func (r *Registry) Join(m Member, roomKey, displayName string) (*Participant, []protocol.Participant, error) {
	if m == nil {
		return nil, nil, fmt.Errorf("%w: nil member", ErrBadRequest)
	}
	if roomKey == "" {
		roomKey = protocol.DefaultRoomKey
	}
	displayName = strings.TrimSpace(displayName)
	if len(displayName) > maxDisplayName {
		return nil, nil, fmt.Errorf("%w: display name longer than %d bytes", ErrBadRequest, maxDisplayName)
	}

	for {
		rm := r.roomFor(roomKey)
		rm.mu.Lock()
		if rm.closed {
			// Emptied and dropped between lookup and lock; look again.
			rm.mu.Unlock()
			continue
		}

		if len(rm.members) >= r.capacity {
			rm.mu.Unlock()
			r.logger.Info("join rejected", "room", roomKey, "reason", "full")
			return nil, nil, ErrRoomFull
		}

		p := &Participant{
			ID:          r.newID(),
			DisplayName: displayName,
			RoomKey:     roomKey,
			member:      m,
		}
		if p.DisplayName == "" {
			p.DisplayName = "guest-" + shortID(p.ID)
		}

		existing := make([]protocol.Participant, 0, len(rm.members))
		for _, other := range rm.members {
			existing = append(existing, other.summary())
		}

		joined := p.summary()
		for _, other := range rm.members {
			r.deliver(other, &protocol.Message{Type: protocol.TypeUserJoined, User: &joined})
		}
		rm.members = append(rm.members, p)

		r.mu.Lock()
		r.participants[p.ID] = p
		r.mu.Unlock()

		r.deliver(p, &protocol.Message{
			Type:        protocol.TypeAllUsers,
			ID:          p.ID,
			DisplayName: p.DisplayName,
			RoomKey:     roomKey,
			Users:       existing,
		})
		rm.mu.Unlock()

		r.logger.Info("participant joined", "room", roomKey, "peer", p.ID, "name", p.DisplayName, "members", len(existing)+1)
		return p, existing, nil
	}
}

// Relay hands env to its recipient when both ends are members of the same
// room. Anything else is dropped: the sender is never told, the drop is only
// logged and reported to the in-process caller as ErrUnknownRecipient.
func (r *Registry) Relay(env protocol.Envelope) error {
	r.mu.Lock()
	from, fromOK := r.participants[env.FromID]
	r.mu.Unlock()
	if !fromOK {
		r.logger.Debug("relay dropped", "from", env.FromID, "to", env.ToID, "reason", "unknown sender")
		return fmt.Errorf("%w: sender %s", ErrUnknownRecipient, env.FromID)
	}

	rm := r.lookupRoom(from.RoomKey)
	if rm == nil {
		return fmt.Errorf("%w: room %s", ErrUnknownRecipient, from.RoomKey)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.indexOf(env.FromID) < 0 {
		return fmt.Errorf("%w: sender %s left", ErrUnknownRecipient, env.FromID)
	}
	i := rm.indexOf(env.ToID)
	if i < 0 {
		r.logger.Info("relay dropped", "room", rm.key, "from", env.FromID, "to", env.ToID, "reason", "unknown recipient")
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, env.ToID)
	}

	r.deliver(rm.members[i], env.Delivery())
	r.logger.Debug("relayed signal", "room", rm.key, "from", env.FromID, "to", env.ToID, "kind", env.Kind)
	return nil
}

func (r *Registry) lookupRoom(key string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[key]
}

// Leave removes a participant and tells the remaining members. It reports
// whether anything was removed; leaving twice is a no-op.
func (r *Registry) Leave(id string) bool {
	r.mu.Lock()
	p, ok := r.participants[id]
	r.mu.Unlock()
	if !ok {
		return false
	}

	rm := r.lookupRoom(p.RoomKey)
	if rm == nil {
		return false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	i := rm.indexOf(id)
	if i < 0 {
		return false
	}
	rm.members = append(rm.members[:i], rm.members[i+1:]...)

	for _, other := range rm.members {
		r.deliver(other, &protocol.Message{Type: protocol.TypeUserLeft, ID: id})
	}

	// The id is released only after every remaining member was told.
	r.mu.Lock()
	delete(r.participants, id)
	r.mu.Unlock()

	r.logger.Info("participant left", "room", rm.key, "peer", id, "members", len(rm.members))

	if len(rm.members) == 0 {
		r.dropRoom(rm)
	}
	return true
}

// Participant looks up a current participant by id.
func (r *Registry) Participant(id string) (*Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	return p, ok
}

// Members returns the room's members in arrival order.
func (r *Registry) Members(roomKey string) []protocol.Participant {
	rm := r.lookupRoom(roomKey)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	out := make([]protocol.Participant, 0, len(rm.members))
	for _, p := range rm.members {
		out = append(out, p.summary())
	}
	return out
}

// Rooms returns a snapshot of every open room.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, rm := range rooms {
		rm.mu.Lock()
		if !rm.closed {
			out = append(out, RoomInfo{Key: rm.key, Members: len(rm.members), Capacity: r.capacity})
		}
		rm.mu.Unlock()
	}
	return out
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 6 {
		return id[:6]
	}
	return id
}
