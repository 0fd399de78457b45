package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	opusClockRate = 48000
	opusChannels  = 2
	frameDuration = 20 * time.Millisecond
)

// opusSilence is one 20 ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func newOpusTrack(c Constraints) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: opusChannels},
		c.TrackID,
		c.StreamID,
	)
}

// sampleCapture paces samples onto a local track from a goroutine until
// stopped.
type sampleCapture struct {
	track  *webrtc.TrackLocalStaticSample
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startCapture(track *webrtc.TrackLocalStaticSample, run func(ctx context.Context)) *sampleCapture {
	ctx, cancel := context.WithCancel(context.Background())
	c := &sampleCapture{track: track, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		run(ctx)
	}()
	return c
}

func (c *sampleCapture) Track() webrtc.TrackLocal { return c.track }

func (c *sampleCapture) Stop() {
	c.once.Do(func() {
		c.cancel()
		<-c.done
	})
}

// SilenceSource feeds Opus silence, for headless sessions driven by text
// or by input_audio_buffer.append.
type SilenceSource struct{}

func (SilenceSource) Open(ctx context.Context, c Constraints) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	track, err := newOpusTrack(c.withDefaults())
	if err != nil {
		return nil, fmt.Errorf("create silence track: %w", err)
	}
	return startCapture(track, func(ctx context.Context) {
		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
					return
				}
			}
		}
	}), nil
}

// OggSource streams Opus pages from an Ogg file, paced in real time.
// When the file ends it either loops or falls back to silence.
type OggSource struct {
	Path string
	Loop bool
}

func (s OggSource) Open(ctx context.Context, c Constraints) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("read ogg header %s: %w", s.Path, err)
	}
	track, err := newOpusTrack(c.withDefaults())
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("create ogg track: %w", err)
	}
	return startCapture(track, func(ctx context.Context) {
		defer file.Close()
		s.stream(ctx, track, file, reader)
	}), nil
}

func (s OggSource) stream(ctx context.Context, track *webrtc.TrackLocalStaticSample, file *os.File, reader *oggreader.OggReader) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	var lastGranule uint64
	exhausted := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if exhausted {
			_ = track.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration})
			continue
		}

		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if !s.Loop {
				exhausted = true
				continue
			}
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				exhausted = true
				continue
			}
			if reader, _, err = oggreader.NewWith(file); err != nil {
				exhausted = true
				continue
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			exhausted = true
			continue
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples)/opusClockRate*1000) * time.Millisecond
		if duration <= 0 {
			duration = frameDuration
		}
		_ = track.WriteSample(media.Sample{Data: page, Duration: duration})
	}
}
