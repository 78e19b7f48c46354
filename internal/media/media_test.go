package media

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/huddle/internal/config"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestAcquireSilentStream(t *testing.T) {
	stream, err := Acquire("", quiet)
	require.NoError(t, err)

	tracks := stream.Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tracks[0].Kind())

	assert.False(t, stream.Muted())
	stream.SetMuted(true)
	assert.True(t, stream.Muted())

	assert.NoError(t, stream.Close())
	assert.NoError(t, stream.Close())
}

func TestAcquireMissingSource(t *testing.T) {
	_, err := Acquire(filepath.Join(t.TempDir(), "missing.ogg"), quiet)
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)
}

func TestAcquireRejectsNonOgg(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noise.ogg")
	require.NoError(t, os.WriteFile(path, []byte("definitely not ogg"), 0o600))

	_, err := Acquire(path, quiet)
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)
}

func TestAcquirePlaysOggSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.ogg")
	w, err := oggwriter.New(path, 48000, 2)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, w.WriteRTP(&rtp.Packet{
			Header:  rtp.Header{Version: 2, SequenceNumber: uint16(i), Timestamp: uint32(i * 960)},
			Payload: []byte{0xfc, 0xff, 0xfe},
		}))
	}
	require.NoError(t, w.Close())

	stream, err := Acquire(path, quiet)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, stream.Close())
}

func TestConfigurationRelayPolicy(t *testing.T) {
	withTURN := &config.Config{STUNServer: config.DefaultSTUN, TURNServer: "turn.example", TURNUser: "u", TURNPass: "p", ForceRelay: true}
	conf := configuration(withTURN)
	assert.Equal(t, webrtc.ICETransportPolicyRelay, conf.ICETransportPolicy)
	require.Len(t, conf.ICEServers, 2)
	assert.Equal(t, "u", conf.ICEServers[1].Username)

	// Forcing relay without a TURN server would leave no candidates at all.
	noTURN := &config.Config{STUNServer: config.DefaultSTUN, ForceRelay: true}
	conf = configuration(noTURN)
	assert.Equal(t, webrtc.ICETransportPolicyAll, conf.ICETransportPolicy)
	assert.Len(t, conf.ICEServers, 1)

	assert.Empty(t, configuration(&config.Config{}).ICEServers)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "huddle-ab12", sanitize("huddle-ab12"))
	assert.Equal(t, "a_b_c", sanitize("a/b c"))
	assert.Equal(t, "remote", sanitize(""))
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "initiator", Initiator.String())
	assert.Equal(t, "responder", Responder.String())
}

type readiness struct {
	ready  chan struct{}
	remote chan RemoteStream
}

func newReadiness() (*readiness, Callbacks) {
	r := &readiness{ready: make(chan struct{}), remote: make(chan RemoteStream, 1)}
	return r, Callbacks{
		OnReady: func() { close(r.ready) },
		OnRemoteMedia: func(s RemoteStream) {
			select {
			case r.remote <- s:
			default:
			}
		},
	}
}

func TestLoopbackNegotiation(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real network sockets")
	}

	factory, err := NewPionFactory(&config.Config{}, WithLoopbackCandidates(), WithFactoryLogger(quiet))
	require.NoError(t, err)

	streamA, err := Acquire("", quiet)
	require.NoError(t, err)
	defer streamA.Close()
	streamB, err := Acquire("", quiet)
	require.NoError(t, err)
	defer streamB.Close()

	readyA, cbA := newReadiness()
	readyB, cbB := newReadiness()

	a, err := factory.New(streamA, Initiator, cbA)
	require.NoError(t, err)
	defer a.Close()
	b, err := factory.New(streamB, Responder, cbB)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	offer, err := a.LocalDescription(ctx)
	require.NoError(t, err)
	assert.Contains(t, offer, "a=candidate", "offer should carry its candidates")

	require.NoError(t, b.ApplyRemoteDescription(offer))
	answer, err := b.LocalDescription(ctx)
	require.NoError(t, err)
	require.NoError(t, a.ApplyRemoteDescription(answer))

	for _, r := range []*readiness{readyA, readyB} {
		select {
		case <-r.ready:
		case <-ctx.Done():
			t.Fatal("connection never became ready")
		}
	}
}

func TestApplyGarbageFails(t *testing.T) {
	factory, err := NewPionFactory(&config.Config{}, WithFactoryLogger(quiet))
	require.NoError(t, err)

	c, err := factory.New(nil, Responder, Callbacks{})
	require.NoError(t, err)
	defer c.Close()

	assert.ErrorIs(t, c.ApplyRemoteDescription("not sdp"), ErrNegotiationFailed)
}
