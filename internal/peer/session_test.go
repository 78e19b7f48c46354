package peer

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/huddle/internal/clock"
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/BioHazard786/huddle/internal/media/mediatest"
	"github.com/BioHazard786/huddle/internal/protocol"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type sentSignal struct {
	to  string
	sig protocol.Signal
}

type recordingSignaler struct {
	mu   sync.Mutex
	sent []sentSignal
	err  error
}

func (r *recordingSignaler) Signal(toID string, sig protocol.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sentSignal{to: toID, sig: sig})
	return nil
}

func (r *recordingSignaler) all() []sentSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentSignal(nil), r.sent...)
}

type harness struct {
	factory  *mediatest.Factory
	signaler *recordingSignaler
	clock    *clock.FakeClock
	session  *Session
}

func newHarness(t *testing.T, role media.Role) *harness {
	t.Helper()
	h := &harness{
		factory:  &mediatest.Factory{},
		signaler: &recordingSignaler{},
		clock:    clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	s, err := NewSession("remote", role, Options{
		Factory:  h.factory,
		Stream:   &mediatest.Stream{},
		Signaler: h.signaler,
		Clock:    h.clock,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	h.session = s
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.session.Snapshot().State == want },
		waitFor, tick, "never reached %s, stuck in %s", want, h.session.Snapshot().State)
}

func (h *harness) waitSent(t *testing.T, n int) sentSignal {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.signaler.all()) >= n }, waitFor, tick)
	return h.signaler.all()[n-1]
}

func TestSessionInitiator(t *testing.T) {
	h := newHarness(t, media.Initiator)
	require.NoError(t, h.session.Start())

	offer := h.waitSent(t, 1)
	assert.Equal(t, "remote", offer.to)
	assert.Equal(t, protocol.SignalOffer, offer.sig.Kind)
	h.waitState(t, AwaitingAnswer)

	require.NoError(t, h.session.HandleSignal(protocol.Signal{Kind: protocol.SignalAnswer, SDP: "the-answer"}))
	h.waitState(t, AnswerApplied)
	assert.Equal(t, "the-answer", h.factory.Last().Remote())

	h.factory.Last().Ready()
	h.waitState(t, Connected)
	assert.Zero(t, h.clock.Pending(), "connected session keeps no timers")

	h.session.Close()
	assert.Equal(t, Closed, h.session.Snapshot().State)
	assert.True(t, h.factory.Last().Closed())
}

func TestSessionResponder(t *testing.T) {
	h := newHarness(t, media.Responder)
	require.NoError(t, h.session.Start())
	assert.Equal(t, AwaitingOffer, h.session.Snapshot().State)

	require.NoError(t, h.session.HandleSignal(protocol.Signal{Kind: protocol.SignalOffer, SDP: "the-offer"}))
	answer := h.waitSent(t, 1)
	assert.Equal(t, protocol.SignalAnswer, answer.sig.Kind)
	assert.Equal(t, h.factory.Last().Local(), answer.sig.SDP)

	h.factory.Last().Ready()
	h.waitState(t, Connected)
	assert.Zero(t, h.clock.Pending())
}

func TestSessionResponderStartsOnOffer(t *testing.T) {
	h := newHarness(t, media.Responder)

	require.NoError(t, h.session.HandleSignal(protocol.Signal{Kind: protocol.SignalOffer, SDP: "early"}))
	h.waitSent(t, 1)
	assert.Len(t, h.factory.Capabilities(), 1)
	assert.Equal(t, "early", h.factory.Last().Remote())
}

func TestSessionReadyBeforeAnswer(t *testing.T) {
	h := newHarness(t, media.Initiator)
	require.NoError(t, h.session.Start())
	h.waitState(t, AwaitingAnswer)

	h.factory.Last().Ready()
	assert.Equal(t, AwaitingAnswer, h.session.Snapshot().State)

	require.NoError(t, h.session.HandleSignal(protocol.Signal{Kind: protocol.SignalAnswer, SDP: "late"}))
	h.waitState(t, Connected)
}

func TestSessionHandshakeTimeout(t *testing.T) {
	h := newHarness(t, media.Initiator)
	require.NoError(t, h.session.Start())
	h.waitState(t, AwaitingAnswer)

	h.clock.Advance(DefaultTimeouts.Handshake - time.Millisecond)
	assert.Equal(t, AwaitingAnswer, h.session.Snapshot().State)

	h.clock.Advance(time.Millisecond)
	snap := h.session.Snapshot()
	assert.Equal(t, Failed, snap.State)
	assert.ErrorIs(t, snap.Err, ErrHandshakeTimeout)
	assert.True(t, h.factory.Last().Closed())
	assert.Zero(t, h.clock.Pending())
}

func TestSessionReadyTimeout(t *testing.T) {
	h := newHarness(t, media.Initiator)
	require.NoError(t, h.session.Start())
	h.waitState(t, AwaitingAnswer)
	require.NoError(t, h.session.HandleSignal(protocol.Signal{Kind: protocol.SignalAnswer, SDP: "a"}))
	h.waitState(t, AnswerApplied)

	// The handshake deadline no longer applies once the answer is in.
	h.clock.Advance(DefaultTimeouts.Handshake)
	assert.Equal(t, AnswerApplied, h.session.Snapshot().State)

	h.clock.Advance(DefaultTimeouts.Ready)
	assert.Equal(t, Failed, h.session.Snapshot().State)
	assert.ErrorIs(t, h.session.Snapshot().Err, ErrHandshakeTimeout)
}

func TestSessionCapabilityUnavailable(t *testing.T) {
	h := newHarness(t, media.Initiator)
	h.factory.Err = errors.New("no audio device")

	err := h.session.Start()
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)
	assert.Equal(t, Idle, h.session.Snapshot().State)
	assert.Zero(t, h.clock.Pending())
}

func TestSessionApplyFailure(t *testing.T) {
	h := newHarness(t, media.Responder)
	h.factory.ApplyErr = media.ErrNegotiationFailed
	require.NoError(t, h.session.Start())

	require.NoError(t, h.session.HandleSignal(protocol.Signal{Kind: protocol.SignalOffer, SDP: "bad"}))
	h.waitState(t, Failed)
	assert.ErrorIs(t, h.session.Snapshot().Err, ErrNegotiationFailed)
	assert.Empty(t, h.signaler.all())
}

func TestSessionSignalFailure(t *testing.T) {
	h := newHarness(t, media.Initiator)
	h.signaler.err = errors.New("socket gone")
	require.NoError(t, h.session.Start())
	h.waitState(t, Failed)
}

func TestSessionDisconnectBeforeConnected(t *testing.T) {
	h := newHarness(t, media.Initiator)
	require.NoError(t, h.session.Start())
	h.waitState(t, AwaitingAnswer)

	h.factory.Last().Disconnect()
	assert.Equal(t, Failed, h.session.Snapshot().State)
	assert.ErrorIs(t, h.session.Snapshot().Err, ErrNegotiationFailed)
}

func TestSessionEventsAfterCloseIgnored(t *testing.T) {
	h := newHarness(t, media.Responder)
	require.NoError(t, h.session.Start())
	h.session.Close()

	before := h.session.Snapshot()
	require.NoError(t, h.session.HandleSignal(protocol.Signal{Kind: protocol.SignalOffer, SDP: "late"}))
	h.factory.Last().Ready()
	h.clock.Advance(time.Minute)

	assert.Equal(t, before, h.session.Snapshot())
	assert.Empty(t, h.signaler.all())
	assert.Zero(t, h.clock.Pending())
}

func TestSessionStartAfterCloseIsNoop(t *testing.T) {
	h := newHarness(t, media.Initiator)
	h.session.Close()
	require.NoError(t, h.session.Start())
	assert.Empty(t, h.factory.Capabilities())
}

func TestSessionObserverSeesEveryChange(t *testing.T) {
	var mu sync.Mutex
	var seen []State

	h := newHarness(t, media.Initiator)
	s, err := NewSession("remote", media.Initiator, Options{
		Factory:  h.factory,
		Signaler: h.signaler,
		Clock:    h.clock,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnChange: func(_ *Session, snap Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, snap.State)
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, waitFor, tick)
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Offering, AwaitingAnswer, Closed}, seen)
}

func TestNewSessionValidates(t *testing.T) {
	_, err := NewSession("x", media.Initiator, Options{})
	assert.Error(t, err)

	_, err = NewSession("x", media.Initiator, Options{
		Factory:  &mediatest.Factory{},
		Signaler: &recordingSignaler{},
		Timeouts: Timeouts{Handshake: time.Second},
	})
	assert.Error(t, err)
}
