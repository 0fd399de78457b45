package audio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// DiscardSink drops remote audio while still draining the track.
type DiscardSink struct{}

func (DiscardSink) WriteRTP(*rtp.Packet) error { return nil }
func (DiscardSink) Close() error               { return nil }

// OggSink records remote Opus audio to an Ogg container.
type OggSink struct {
	mu     sync.Mutex
	writer *oggwriter.OggWriter
	closed bool
}

// NewOggSink creates path and records into it.
func NewOggSink(path string) (*OggSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sink dir: %w", err)
	}
	w, err := oggwriter.New(path, opusClockRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("create sink file: %w", err)
	}
	return &OggSink{writer: w}, nil
}

// NewOggSinkWriter records into out. Close closes out when it is an io.Closer.
func NewOggSinkWriter(out io.Writer) (*OggSink, error) {
	w, err := oggwriter.NewWith(out, opusClockRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("create ogg writer: %w", err)
	}
	return &OggSink{writer: w}, nil
}

func (s *OggSink) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	return s.writer.WriteRTP(pkt)
}

func (s *OggSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.writer.Close()
}

// SinkFactory returns a fresh sink for each bound remote track.
type SinkFactory func(trackID string) (Sink, error)

// DirSinkFactory records every remote track to dir/<prefix>-<n>.ogg.
func DirSinkFactory(dir, prefix string) SinkFactory {
	var (
		mu sync.Mutex
		n  int
	)
	return func(string) (Sink, error) {
		mu.Lock()
		n++
		seq := n
		mu.Unlock()
		return NewOggSink(filepath.Join(dir, fmt.Sprintf("%s-%d.ogg", prefix, seq)))
	}
}
