package registry

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/huddle/internal/protocol"
)

type inbox struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (b *inbox) Deliver(msg *protocol.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *inbox) all() []*protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*protocol.Message(nil), b.msgs...)
}

func (b *inbox) types() []protocol.Type {
	var out []protocol.Type
	for _, m := range b.all() {
		out = append(out, m.Type)
	}
	return out
}

func newTestRegistry(opts ...Option) *Registry {
	var n atomic.Int64
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithIDGenerator(func() string { return fmt.Sprintf("p%d", n.Add(1)) }),
	}
	return New(append(base, opts...)...)
}

func TestJoinAnnouncesAsymmetrically(t *testing.T) {
	reg := newTestRegistry()
	a, b := &inbox{}, &inbox{}

	pa, existing, err := reg.Join(a, "", "Ann")
	require.NoError(t, err)
	assert.Empty(t, existing)
	assert.Equal(t, protocol.DefaultRoomKey, pa.RoomKey)

	pb, existing, err := reg.Join(b, "", "Bo")
	require.NoError(t, err)
	assert.Equal(t, []protocol.Participant{{ID: pa.ID, DisplayName: "Ann"}}, existing)

	// A learns about B through user-joined, B learns about A through all-users.
	require.Len(t, a.all(), 2)
	joined := a.all()[1]
	assert.Equal(t, protocol.TypeUserJoined, joined.Type)
	assert.Equal(t, &protocol.Participant{ID: pb.ID, DisplayName: "Bo"}, joined.User)

	require.Len(t, b.all(), 1)
	list := b.all()[0]
	assert.Equal(t, protocol.TypeAllUsers, list.Type)
	assert.Equal(t, pb.ID, list.ID)
	assert.Equal(t, protocol.DefaultRoomKey, list.RoomKey)
	assert.Equal(t, existing, list.Users)
}

func TestJoinBlankNameGetsGuestName(t *testing.T) {
	reg := newTestRegistry()
	p, _, err := reg.Join(&inbox{}, "r", "   ")
	require.NoError(t, err)
	assert.Equal(t, "guest-p1", p.DisplayName)
}

func TestJoinRejectsLongName(t *testing.T) {
	reg := newTestRegistry()
	_, _, err := reg.Join(&inbox{}, "r", string(make([]byte, 65)))
	assert.ErrorIs(t, err, ErrBadRequest)
	assert.Empty(t, reg.Rooms())
}

func TestRoomFullLeavesStateUntouched(t *testing.T) {
	reg := newTestRegistry()
	members := make([]*inbox, 4)
	for i := range members {
		members[i] = &inbox{}
		_, _, err := reg.Join(members[i], "r", "")
		require.NoError(t, err)
	}
	before := make([]int, len(members))
	for i, m := range members {
		before[i] = len(m.all())
	}

	fifth := &inbox{}
	_, _, err := reg.Join(fifth, "r", "late")
	require.ErrorIs(t, err, ErrRoomFull)

	assert.Empty(t, fifth.all())
	assert.Len(t, reg.Members("r"), 4)
	for i, m := range members {
		assert.Len(t, m.all(), before[i], "member %d was notified", i)
	}
}

func TestCapacityOption(t *testing.T) {
	reg := newTestRegistry(WithCapacity(2))
	_, _, err := reg.Join(&inbox{}, "r", "")
	require.NoError(t, err)
	_, _, err = reg.Join(&inbox{}, "r", "")
	require.NoError(t, err)
	_, _, err = reg.Join(&inbox{}, "r", "")
	assert.ErrorIs(t, err, ErrRoomFull)

	assert.Equal(t, MaxCapacity, newTestRegistry(WithCapacity(9)).Capacity())
}

func TestConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	reg := newTestRegistry()

	var wg sync.WaitGroup
	var admitted atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := reg.Join(&inbox{}, "busy", ""); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, MaxCapacity, admitted.Load())
	assert.Len(t, reg.Members("busy"), MaxCapacity)
}

func TestRelayDeliversOnlyToRecipient(t *testing.T) {
	reg := newTestRegistry()
	a, b, c := &inbox{}, &inbox{}, &inbox{}
	pa, _, _ := reg.Join(a, "r", "a")
	pb, _, _ := reg.Join(b, "r", "b")
	reg.Join(c, "r", "c")

	cBefore := len(c.all())
	err := reg.Relay(protocol.Envelope{Kind: protocol.SignalOffer, FromID: pa.ID, ToID: pb.ID, Payload: "sdp"})
	require.NoError(t, err)

	last := b.all()[len(b.all())-1]
	assert.Equal(t, protocol.TypeReceivingSignal, last.Type)
	assert.Equal(t, pa.ID, last.FromID)
	assert.Equal(t, "sdp", last.Signal.SDP)
	assert.Len(t, c.all(), cBefore)

	err = reg.Relay(protocol.Envelope{Kind: protocol.SignalAnswer, FromID: pb.ID, ToID: pa.ID, Payload: "ans"})
	require.NoError(t, err)
	last = a.all()[len(a.all())-1]
	assert.Equal(t, protocol.TypeReceivingReturnedSignal, last.Type)
	assert.Equal(t, pb.ID, last.FromID)
}

func TestRelayDropsUnknownAndCrossRoom(t *testing.T) {
	reg := newTestRegistry()
	a, other := &inbox{}, &inbox{}
	pa, _, _ := reg.Join(a, "r1", "a")
	po, _, _ := reg.Join(other, "r2", "o")

	err := reg.Relay(protocol.Envelope{Kind: protocol.SignalOffer, FromID: pa.ID, ToID: "nobody"})
	assert.ErrorIs(t, err, ErrUnknownRecipient)

	err = reg.Relay(protocol.Envelope{Kind: protocol.SignalOffer, FromID: pa.ID, ToID: po.ID})
	assert.ErrorIs(t, err, ErrUnknownRecipient)
	assert.Len(t, other.all(), 1)

	err = reg.Relay(protocol.Envelope{Kind: protocol.SignalOffer, FromID: "ghost", ToID: pa.ID})
	assert.ErrorIs(t, err, ErrUnknownRecipient)
	assert.Len(t, a.all(), 1)
}

func TestLeaveNotifiesAndStopsDelivery(t *testing.T) {
	reg := newTestRegistry()
	a, b, c := &inbox{}, &inbox{}, &inbox{}
	pa, _, _ := reg.Join(a, "r", "a")
	pb, _, _ := reg.Join(b, "r", "b")
	pc, _, _ := reg.Join(c, "r", "c")

	require.True(t, reg.Leave(pb.ID))

	for _, m := range []*inbox{a, c} {
		last := m.all()[len(m.all())-1]
		assert.Equal(t, protocol.TypeUserLeft, last.Type)
		assert.Equal(t, pb.ID, last.ID)
	}

	bBefore := len(b.all())
	err := reg.Relay(protocol.Envelope{Kind: protocol.SignalOffer, FromID: pa.ID, ToID: pb.ID})
	assert.ErrorIs(t, err, ErrUnknownRecipient)
	err = reg.Relay(protocol.Envelope{Kind: protocol.SignalOffer, FromID: pb.ID, ToID: pc.ID})
	assert.ErrorIs(t, err, ErrUnknownRecipient)
	assert.Len(t, b.all(), bBefore)

	assert.Equal(t, []protocol.Participant{{ID: pa.ID, DisplayName: "a"}, {ID: pc.ID, DisplayName: "c"}}, reg.Members("r"))
}

func TestLeaveIsIdempotent(t *testing.T) {
	reg := newTestRegistry()
	a, b := &inbox{}, &inbox{}
	reg.Join(a, "r", "a")
	pb, _, _ := reg.Join(b, "r", "b")

	assert.True(t, reg.Leave(pb.ID))
	n := len(a.all())
	assert.False(t, reg.Leave(pb.ID))
	assert.False(t, reg.Leave("never-joined"))
	assert.Len(t, a.all(), n)
}

func TestEmptyRoomIsDestroyed(t *testing.T) {
	reg := newTestRegistry()
	p, _, _ := reg.Join(&inbox{}, "r", "a")
	require.Len(t, reg.Rooms(), 1)

	reg.Leave(p.ID)
	assert.Empty(t, reg.Rooms())
	assert.Nil(t, reg.Members("r"))

	// Rejoining recreates the room from scratch.
	_, existing, err := reg.Join(&inbox{}, "r", "b")
	require.NoError(t, err)
	assert.Empty(t, existing)
}

func TestNewRoomKeyIsUnused(t *testing.T) {
	reg := newTestRegistry()
	key := reg.NewRoomKey()
	assert.Regexp(t, `^[a-z]+-[a-z]+-[a-z]+-[a-z]+$`, key)

	reg.Join(&inbox{}, key, "")
	for i := 0; i < 50; i++ {
		assert.NotEqual(t, key, reg.NewRoomKey())
	}
}

func TestRoomsSnapshot(t *testing.T) {
	reg := newTestRegistry()
	reg.Join(&inbox{}, "one", "")
	reg.Join(&inbox{}, "two", "")
	reg.Join(&inbox{}, "two", "")

	got := map[string]int{}
	for _, info := range reg.Rooms() {
		got[info.Key] = info.Members
		assert.Equal(t, MaxCapacity, info.Capacity)
	}
	assert.Equal(t, map[string]int{"one": 1, "two": 2}, got)
}
