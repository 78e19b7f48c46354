package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/huddle/internal/config"
)

// PionFactory creates pion PeerConnections that exchange bundled (vanilla
// ICE) descriptions.
type PionFactory struct {
	api           *webrtc.API
	configuration webrtc.Configuration
	recorder      *Recorder
	logger        *slog.Logger
}

// FactoryOption configures a PionFactory.
type FactoryOption func(*factoryOptions)

type factoryOptions struct {
	loopback bool
	recorder *Recorder
	logger   *slog.Logger
}

// WithLoopbackCandidates adds loopback addresses to gathered candidates, so
// two participants on one host can connect without any other interface.
func WithLoopbackCandidates() FactoryOption {
	return func(o *factoryOptions) { o.loopback = true }
}

// WithRecorder writes every remote stream to disk.
func WithRecorder(r *Recorder) FactoryOption {
	return func(o *factoryOptions) { o.recorder = r }
}

// WithFactoryLogger sets the logger.
func WithFactoryLogger(logger *slog.Logger) FactoryOption {
	return func(o *factoryOptions) { o.logger = logger }
}

// NewPionFactory prepares the WebRTC API from the participant's ICE settings.
func NewPionFactory(cfg *config.Config, opts ...FactoryOption) (*PionFactory, error) {
	o := factoryOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("%w: registering codecs: %v", ErrCapabilityUnavailable, err)
	}

	settingEngine := webrtc.SettingEngine{}
	if o.loopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	return &PionFactory{
		api:           webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		configuration: configuration(cfg),
		recorder:      o.recorder,
		logger:        o.logger,
	}, nil
}

// New creates a PeerConnection carrying stream's tracks.
func (f *PionFactory) New(stream LocalStream, role Role, cb Callbacks) (Capability, error) {
	pc, err := f.api.NewPeerConnection(f.configuration)
	if err != nil {
		return nil, fmt.Errorf("%w: create peer connection: %v", ErrCapabilityUnavailable, err)
	}

	c := &pionCapability{pc: pc, role: role, cb: cb, recorder: f.recorder, logger: f.logger.With("role", role.String())}

	if stream != nil {
		for _, track := range stream.Tracks() {
			sender, err := pc.AddTrack(track)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("%w: add track: %v", ErrCapabilityUnavailable, err)
			}
			go drainRTCP(sender)
		}
	}

	pc.OnTrack(c.handleTrack)
	pc.OnConnectionStateChange(c.handleState)
	return c, nil
}

type pionCapability struct {
	pc       *webrtc.PeerConnection
	role     Role
	cb       Callbacks
	recorder *Recorder
	logger   *slog.Logger

	closed    atomic.Bool
	readyOnce sync.Once
	endOnce   sync.Once
	closeOnce sync.Once
	closeErr  error
}

func (c *pionCapability) LocalDescription(ctx context.Context) (string, error) {
	var (
		desc webrtc.SessionDescription
		err  error
	)
	if c.role == Initiator {
		desc, err = c.pc.CreateOffer(nil)
	} else {
		desc, err = c.pc.CreateAnswer(nil)
	}
	if err != nil {
		return "", fmt.Errorf("%w: create %s description: %v", ErrNegotiationFailed, c.role, err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("%w: set local description: %v", ErrNegotiationFailed, err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", fmt.Errorf("%w: gathering candidates: %v", ErrNegotiationFailed, ctx.Err())
	}

	local := c.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("%w: no local description", ErrNegotiationFailed)
	}
	return local.SDP, nil
}

func (c *pionCapability) ApplyRemoteDescription(sdp string) error {
	typ := webrtc.SDPTypeOffer
	if c.role == Initiator {
		typ = webrtc.SDPTypeAnswer
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", ErrNegotiationFailed, typ, err)
	}
	return nil
}

func (c *pionCapability) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.pc.Close()
	})
	return c.closeErr
}

func (c *pionCapability) handleState(state webrtc.PeerConnectionState) {
	c.logger.Debug("peer connection state", "state", state.String())
	if c.closed.Load() {
		return
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.readyOnce.Do(func() {
			if c.cb.OnReady != nil {
				c.cb.OnReady()
			}
		})
	case webrtc.PeerConnectionStateFailed:
		c.endOnce.Do(func() {
			if c.cb.OnFailed != nil {
				c.cb.OnFailed(fmt.Errorf("%w: connection failed", ErrNegotiationFailed))
			}
		})
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		c.endOnce.Do(func() {
			if c.cb.OnClosed != nil {
				c.cb.OnClosed()
			}
		})
	}
}

func (c *pionCapability) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	c.logger.Debug("remote track", "id", track.ID(), "stream", track.StreamID(), "codec", track.Codec().MimeType)
	if c.cb.OnRemoteMedia != nil {
		c.cb.OnRemoteMedia(track)
	}

	if c.recorder != nil {
		c.recorder.Record(track)
		return
	}
	// Nothing plays audio here; keep reading so the receiver does not stall.
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

// drainRTCP reads incoming RTCP so interceptors keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
