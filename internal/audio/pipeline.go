package audio

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/antoniostano/rtvoice/internal/rterr"
)

// Constraints shape the local track.
type Constraints struct {
	TrackID  string
	StreamID string
}

func (c Constraints) withDefaults() Constraints {
	if c.TrackID == "" {
		c.TrackID = "audio"
	}
	if c.StreamID == "" {
		c.StreamID = "rtvoice"
	}
	return c
}

// Capture is an acquired local audio input feeding one outbound track.
type Capture interface {
	Track() webrtc.TrackLocal
	Stop()
}

// Source opens local audio input.
type Source interface {
	Open(ctx context.Context, c Constraints) (Capture, error)
}

// RemoteTrack is the inbound audio of a peer connection.
type RemoteTrack interface {
	ID() string
	ReadRTP() (*rtp.Packet, error)
}

// Sink plays back or records remote audio.
type Sink interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// Remote audio is Opus on a 48 kHz RTP clock. Opus frames are at most
// 120 ms; a longer timestamp gap is a discontinuity, not audio.
const (
	remoteClockRate = 48000
	maxFrameTicks   = remoteClockRate * 120 / 1000
	defaultFrame    = 20 * time.Millisecond
)

// Pipeline holds at most one local capture and one remote binding.
type Pipeline struct {
	source Source
	log    zerolog.Logger

	mu       sync.Mutex
	capture  Capture
	binding  *binding
	onRemote func(time.Duration)
}

func NewPipeline(source Source, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		source: source,
		log:    log.With().Str("component", "audio").Logger(),
	}
}

// AcquireLocalAudio opens the source, replacing any previous capture.
func (p *Pipeline) AcquireLocalAudio(ctx context.Context, c Constraints) (Capture, error) {
	if p.source == nil {
		return nil, rterr.New(rterr.KindDevice, "no audio input source configured")
	}
	capture, err := p.source.Open(ctx, c.withDefaults())
	if err != nil {
		return nil, classifyOpenError(err)
	}

	p.mu.Lock()
	prev := p.capture
	p.capture = capture
	p.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	p.log.Debug().Str("track", capture.Track().ID()).Msg("local audio acquired")
	return capture, nil
}

func classifyOpenError(err error) error {
	var rerr *rterr.Error
	switch {
	case errors.As(err, &rerr):
		return err
	case errors.Is(err, fs.ErrPermission):
		return rterr.Wrap(rterr.KindPermission, err, "audio input access denied")
	default:
		return rterr.Wrap(rterr.KindDevice, err, "audio input unavailable")
	}
}

// ReleaseCapture stops capture if it is still the current one.
func (p *Pipeline) ReleaseCapture(capture Capture) {
	if capture == nil {
		return
	}
	p.mu.Lock()
	if p.capture == capture {
		p.capture = nil
	}
	p.mu.Unlock()
	capture.Stop()
}

// OnRemoteAudio registers fn to receive the playout duration of every
// remote packet pumped by later bindings.
func (p *Pipeline) OnRemoteAudio(fn func(time.Duration)) {
	p.mu.Lock()
	p.onRemote = fn
	p.mu.Unlock()
}

// BindRemoteTrack pumps track into sink. A previous binding is stopped and
// its sink closed first.
func (p *Pipeline) BindRemoteTrack(track RemoteTrack, sink Sink) {
	if sink == nil {
		sink = DiscardSink{}
	}
	b := &binding{track: track, sink: sink, done: make(chan struct{})}

	p.mu.Lock()
	prev := p.binding
	p.binding = b
	b.onAudio = p.onRemote
	p.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	go b.pump(p.log)
	p.log.Debug().Str("track", track.ID()).Msg("remote audio bound")
}

// Release stops capture and unbinds the remote track. Safe to repeat.
func (p *Pipeline) Release() {
	p.mu.Lock()
	capture, b := p.capture, p.binding
	p.capture, p.binding = nil, nil
	p.mu.Unlock()

	if capture != nil {
		capture.Stop()
	}
	if b != nil {
		b.stop()
	}
	if capture != nil || b != nil {
		p.log.Debug().Msg("audio released")
	}
}

// Active reports whether any capture or binding is still held.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capture != nil || p.binding != nil
}

type binding struct {
	track   RemoteTrack
	sink    Sink
	done    chan struct{}
	onAudio func(time.Duration)
	clock   playoutClock

	mu      sync.Mutex
	stopped bool
}

func (b *binding) pump(log zerolog.Logger) {
	defer close(b.done)
	for {
		pkt, err := b.track.ReadRTP()
		if err != nil {
			b.stop()
			return
		}
		b.mu.Lock()
		if b.stopped {
			b.mu.Unlock()
			return
		}
		werr := b.sink.WriteRTP(pkt)
		b.mu.Unlock()
		if werr != nil {
			log.Warn().Err(werr).Str("track", b.track.ID()).Msg("sink write failed")
		}
		if d := b.clock.advance(pkt.Timestamp); d > 0 && b.onAudio != nil {
			b.onAudio(d)
		}
	}
}

// playoutClock turns RTP timestamps into playout durations.
type playoutClock struct {
	last uint32
	seen bool
}

func (c *playoutClock) advance(ts uint32) time.Duration {
	if !c.seen {
		c.seen, c.last = true, ts
		return defaultFrame
	}
	delta := ts - c.last
	switch {
	case int32(delta) < 0:
		// Reordered packet; already counted.
		return 0
	case delta > maxFrameTicks:
		c.last = ts
		return defaultFrame
	}
	c.last = ts
	return time.Duration(delta) * time.Second / remoteClockRate
}

// stop closes the sink once. The pump exits on its next packet or when
// the track ends with the peer connection.
func (b *binding) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	_ = b.sink.Close()
}
