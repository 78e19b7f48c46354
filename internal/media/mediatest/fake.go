// Package mediatest provides an in-memory media capability for tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/huddle/internal/media"
)

// Factory hands out fake capabilities and remembers them.
type Factory struct {
	// Err, when set, makes New fail.
	Err error
	// AutoReady fires OnReady as soon as a capability has both produced its
	// own description and applied the remote one.
	AutoReady bool
	// ApplyErr is returned by every ApplyRemoteDescription.
	ApplyErr error
	// HoldDescriptions makes LocalDescription wait until its context ends.
	HoldDescriptions bool

	mu   sync.Mutex
	caps []*Capability
}

// New implements media.Factory.
func (f *Factory) New(stream media.LocalStream, role media.Role, cb media.Callbacks) (media.Capability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	c := &Capability{
		Role:      role,
		Stream:    stream,
		cb:        cb,
		n:         len(f.caps) + 1,
		autoReady: f.AutoReady,
		applyErr:  f.ApplyErr,
		hold:      f.HoldDescriptions,
	}
	f.caps = append(f.caps, c)
	return c, nil
}

// Capabilities returns every capability created so far.
func (f *Factory) Capabilities() []*Capability {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Capability(nil), f.caps...)
}

// Last returns the most recent capability, or nil.
func (f *Factory) Last() *Capability {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.caps) == 0 {
		return nil
	}
	return f.caps[len(f.caps)-1]
}

// Capability is a fake point-to-point connection.
type Capability struct {
	Role   media.Role
	Stream media.LocalStream

	cb        media.Callbacks
	n         int
	autoReady bool
	applyErr  error
	hold      bool

	mu     sync.Mutex
	local  string
	remote string
	closed bool
	ready  bool
}

func (c *Capability) LocalDescription(ctx context.Context) (string, error) {
	if c.hold {
		<-ctx.Done()
		return "", fmt.Errorf("%w: %v", media.ErrNegotiationFailed, ctx.Err())
	}

	c.mu.Lock()
	c.local = fmt.Sprintf("%s-sdp-%d", c.Role, c.n)
	local := c.local
	c.mu.Unlock()

	c.maybeReady()
	return local, nil
}

func (c *Capability) ApplyRemoteDescription(sdp string) error {
	if c.applyErr != nil {
		return c.applyErr
	}
	c.mu.Lock()
	c.remote = sdp
	c.mu.Unlock()

	c.maybeReady()
	return nil
}

func (c *Capability) maybeReady() {
	c.mu.Lock()
	fire := c.autoReady && !c.ready && !c.closed && c.local != "" && c.remote != ""
	if fire {
		c.ready = true
	}
	c.mu.Unlock()

	if fire && c.cb.OnReady != nil {
		go c.cb.OnReady()
	}
}

func (c *Capability) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Ready simulates the media path coming up.
func (c *Capability) Ready() {
	if c.cb.OnReady != nil {
		c.cb.OnReady()
	}
}

// Fail simulates the transport giving up.
func (c *Capability) Fail(err error) {
	if c.cb.OnFailed != nil {
		c.cb.OnFailed(err)
	}
}

// Disconnect simulates the transport going away.
func (c *Capability) Disconnect() {
	if c.cb.OnClosed != nil {
		c.cb.OnClosed()
	}
}

// Closed reports whether Close was called.
func (c *Capability) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Remote returns the applied remote description.
func (c *Capability) Remote() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// Local returns the produced local description.
func (c *Capability) Local() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// Stream is a local stream without tracks.
type Stream struct {
	mu     sync.Mutex
	muted  bool
	closed bool
}

func (s *Stream) Tracks() []webrtc.TrackLocal { return nil }

func (s *Stream) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

func (s *Stream) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
