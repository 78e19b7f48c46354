package media

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// Recorder writes remote Opus streams to Ogg files, one per track.
type Recorder struct {
	dir    string
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewRecorder creates dir if needed.
func NewRecorder(dir string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	return &Recorder{dir: dir, logger: logger}, nil
}

// Record copies track into a new file until the track ends. It blocks.
func (r *Recorder) Record(track *webrtc.TrackRemote) {
	r.wg.Add(1)
	defer r.wg.Done()

	if !strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeOpus) {
		r.logger.Warn("not recording non-opus track", "codec", track.Codec().MimeType)
		return
	}

	name := fmt.Sprintf("%s-%s.ogg", sanitize(track.StreamID()), time.Now().Format("20060102-150405"))
	path := filepath.Join(r.dir, name)

	w, err := oggwriter.New(path, track.Codec().ClockRate, uint16(track.Codec().Channels))
	if err != nil {
		r.logger.Error("open recording failed", "path", path, "err", err)
		return
	}
	defer w.Close()

	r.logger.Info("recording remote audio", "path", path)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if err := w.WriteRTP(pkt); err != nil {
			r.logger.Error("write recording failed", "path", path, "err", err)
			return
		}
	}
}

// Wait blocks until every recording has finished.
func (r *Recorder) Wait() { r.wg.Wait() }

// Dir returns the directory recordings go to.
func (r *Recorder) Dir() string { return r.dir }

func sanitize(s string) string {
	if s == "" {
		return "remote"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
