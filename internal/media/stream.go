package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const opusClockRate = 48000

// LocalStream is the participant's outgoing audio. One stream is shared by
// every connection; its tracks are added to each of them.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	SetMuted(muted bool)
	Muted() bool
	Close() error
}

type audioStream struct {
	track  *webrtc.TrackLocalStaticSample
	source string
	logger *slog.Logger

	muted     atomic.Bool
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Acquire builds the local stream. With a source path it plays that Ogg/Opus
// file on a loop; with an empty path the track carries nothing until a source
// is wired in.
func Acquire(source string, logger *slog.Logger) (LocalStream, error) {
	if logger == nil {
		logger = slog.Default()
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio",
		"huddle-"+uuid.NewString()[:8],
	)
	if err != nil {
		return nil, fmt.Errorf("%w: creating audio track: %v", ErrCapabilityUnavailable, err)
	}

	s := &audioStream{
		track:  track,
		source: source,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if source == "" {
		close(s.done)
		return s, nil
	}

	file, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}
	ogg, _, err := oggreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %s is not an Ogg/Opus file: %v", ErrCapabilityUnavailable, source, err)
	}

	go s.play(file, ogg)
	return s, nil
}

func (s *audioStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

func (s *audioStream) SetMuted(muted bool) { s.muted.Store(muted) }

func (s *audioStream) Muted() bool { return s.muted.Load() }

func (s *audioStream) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

// play paces Ogg pages onto the track at the rate they should be heard,
// rewinding at the end of the file.
func (s *audioStream) play(file *os.File, ogg *oggreader.OggReader) {
	defer close(s.done)
	defer file.Close()

	timer := time.NewTimer(0)
	defer timer.Stop()

	var lastGranule uint64
	for {
		select {
		case <-s.stop:
			return
		case <-timer.C:
		}

		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if _, err = file.Seek(0, io.SeekStart); err == nil {
				ogg, _, err = oggreader.NewWith(file)
			}
			if err != nil {
				s.logger.Error("rewinding audio source failed", "source", s.source, "err", err)
				return
			}
			lastGranule = 0
			timer.Reset(0)
			continue
		}
		if err != nil {
			s.logger.Error("reading audio source failed", "source", s.source, "err", err)
			return
		}

		// The granule delta is the number of samples in the page; header
		// pages carry none.
		var samples uint64
		if header.GranulePosition > lastGranule {
			samples = header.GranulePosition - lastGranule
		}
		lastGranule = header.GranulePosition
		if samples == 0 {
			timer.Reset(0)
			continue
		}

		duration := time.Duration(samples) * time.Second / opusClockRate
		if !s.muted.Load() {
			if err := s.track.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
				s.logger.Debug("writing audio sample failed", "err", err)
			}
		}
		timer.Reset(duration)
	}
}
