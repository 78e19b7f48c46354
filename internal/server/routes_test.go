package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/huddle/internal/protocol"
	"github.com/BioHazard786/huddle/internal/registry"
	"github.com/BioHazard786/huddle/internal/signaling"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func startServer(t *testing.T, opts ...registry.Option) (*httptest.Server, string) {
	t.Helper()

	reg := registry.New(append([]registry.Option{registry.WithLogger(quiet)}, opts...)...)
	hub := registry.NewHub(reg, quiet)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(NewRouter(hub, quiet))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

type participant struct {
	client  *signaling.Client
	handler *signaling.Handler
}

func connect(t *testing.T, wsURL string, codec protocol.Codec) *participant {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := signaling.Dial(ctx, wsURL, codec, quiet)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	handler := signaling.NewHandler(client, quiet)
	go handler.Start()
	return &participant{client: client, handler: handler}
}

func (p *participant) join(t *testing.T, roomKey, name string) *protocol.Message {
	t.Helper()
	require.NoError(t, p.client.Join(roomKey, name))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := p.handler.WaitJoined(ctx)
	require.NoError(t, err)
	return msg
}

func (p *participant) next(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-p.handler.Events:
		require.True(t, ok, "signaling connection closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestSignalingRoundTrip(t *testing.T) {
	for _, codec := range []protocol.Codec{protocol.JSON, protocol.MessagePack} {
		t.Run(codec.Name(), func(t *testing.T) {
			_, wsURL := startServer(t)
			a := connect(t, wsURL, codec)
			b := connect(t, wsURL, codec)

			joinedA := a.join(t, "room", "Ann")
			assert.Empty(t, joinedA.Users)
			assert.Equal(t, "room", joinedA.RoomKey)

			joinedB := b.join(t, "room", "Bo")
			require.Len(t, joinedB.Users, 1)
			assert.Equal(t, protocol.Participant{ID: joinedA.ID, DisplayName: "Ann"}, joinedB.Users[0])

			msg := a.next(t)
			assert.Equal(t, protocol.TypeUserJoined, msg.Type)
			assert.Equal(t, joinedB.ID, msg.User.ID)
			assert.Equal(t, "Bo", msg.User.DisplayName)

			// The newcomer offers, the existing member answers.
			require.NoError(t, b.client.Signal(joinedA.ID, protocol.Signal{Kind: protocol.SignalOffer, SDP: "offer-sdp"}))
			msg = a.next(t)
			assert.Equal(t, protocol.TypeReceivingSignal, msg.Type)
			assert.Equal(t, joinedB.ID, msg.FromID)
			assert.Equal(t, "offer-sdp", msg.Signal.SDP)

			require.NoError(t, a.client.Signal(joinedB.ID, protocol.Signal{Kind: protocol.SignalAnswer, SDP: "answer-sdp"}))
			msg = b.next(t)
			assert.Equal(t, protocol.TypeReceivingReturnedSignal, msg.Type)
			assert.Equal(t, joinedA.ID, msg.FromID)
			assert.Equal(t, protocol.SignalAnswer, msg.Signal.Kind)

			// Dropping the connection is a leave.
			b.client.Close()
			msg = a.next(t)
			assert.Equal(t, protocol.TypeUserLeft, msg.Type)
			assert.Equal(t, joinedB.ID, msg.ID)
		})
	}
}

func TestSenderCannotForgeFromID(t *testing.T) {
	_, wsURL := startServer(t)
	a := connect(t, wsURL, protocol.JSON)
	b := connect(t, wsURL, protocol.JSON)

	joinedA := a.join(t, "r", "a")
	joinedB := b.join(t, "r", "b")
	a.next(t) // user-joined

	forged := &protocol.Message{
		Type:   protocol.TypeSendingSignal,
		FromID: "someone-else",
		ToID:   joinedA.ID,
		Signal: &protocol.Signal{Kind: protocol.SignalOffer, SDP: "x"},
	}
	require.NoError(t, b.client.Send(forged))

	msg := a.next(t)
	assert.Equal(t, joinedB.ID, msg.FromID)
}

func TestJoinRefusedWhenFull(t *testing.T) {
	_, wsURL := startServer(t, registry.WithCapacity(1))
	a := connect(t, wsURL, protocol.JSON)
	b := connect(t, wsURL, protocol.JSON)

	a.join(t, "r", "a")

	require.NoError(t, b.client.Join("r", "b"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := b.handler.WaitJoined(ctx)
	assert.ErrorIs(t, err, signaling.ErrRoomFull)
}

func TestSignalBeforeJoinIsRefused(t *testing.T) {
	_, wsURL := startServer(t)
	a := connect(t, wsURL, protocol.JSON)

	require.NoError(t, a.client.Signal("anyone", protocol.Signal{Kind: protocol.SignalOffer}))
	select {
	case serr := <-a.handler.Error:
		assert.Equal(t, protocol.CodeNotJoined, serr.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("no error reply")
	}
}

func TestCreateRoomPicksFreshKey(t *testing.T) {
	_, wsURL := startServer(t)
	a := connect(t, wsURL, protocol.JSON)

	require.NoError(t, a.client.Create("a"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := a.handler.WaitJoined(ctx)
	require.NoError(t, err)
	assert.Regexp(t, `^[a-z]+-[a-z]+-[a-z]+-[a-z]+$`, msg.RoomKey)
	assert.Empty(t, msg.Users)
}

func TestHealthAndRooms(t *testing.T) {
	srv, wsURL := startServer(t)
	a := connect(t, wsURL, protocol.JSON)
	a.join(t, "lobby", "a")

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/rooms")
	require.NoError(t, err)
	defer resp.Body.Close()

	var rooms []registry.RoomInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	assert.Equal(t, []registry.RoomInfo{{Key: "lobby", Members: 1, Capacity: registry.MaxCapacity}}, rooms)
}

func TestUnknownCodecRejected(t *testing.T) {
	srv, _ := startServer(t)
	resp, err := http.Get(srv.URL + "/ws?codec=cbor")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
