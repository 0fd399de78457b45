package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/rtvoice/internal/logging"
	"github.com/antoniostano/rtvoice/internal/rterr"
)

type errSource struct{ err error }

func (s errSource) Open(context.Context, Constraints) (Capture, error) { return nil, s.err }

type chanTrack struct {
	packets chan *rtp.Packet
}

func newChanTrack() *chanTrack { return &chanTrack{packets: make(chan *rtp.Packet, 8)} }

func (t *chanTrack) ID() string { return "remote-audio" }

func (t *chanTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-t.packets
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

type recordingSink struct {
	mu      sync.Mutex
	packets int
	closed  bool
}

func (s *recordingSink) WriteRTP(*rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets++
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) snapshot() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets, s.closed
}

func TestAcquireWithoutSourceIsDeviceError(t *testing.T) {
	p := NewPipeline(nil, logging.Nop())
	_, err := p.AcquireLocalAudio(context.Background(), Constraints{})
	assert.True(t, rterr.Is(err, rterr.KindDevice))
}

func TestAcquireClassifiesErrors(t *testing.T) {
	p := NewPipeline(errSource{err: fs.ErrPermission}, logging.Nop())
	_, err := p.AcquireLocalAudio(context.Background(), Constraints{})
	assert.True(t, rterr.Is(err, rterr.KindPermission))

	p = NewPipeline(OggSource{Path: filepath.Join(t.TempDir(), "missing.ogg")}, logging.Nop())
	_, err = p.AcquireLocalAudio(context.Background(), Constraints{})
	assert.True(t, rterr.Is(err, rterr.KindDevice))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.False(t, p.Active())
}

func TestSilenceCaptureLifecycle(t *testing.T) {
	p := NewPipeline(SilenceSource{}, logging.Nop())
	first, err := p.AcquireLocalAudio(context.Background(), Constraints{TrackID: "mic"})
	require.NoError(t, err)
	assert.Equal(t, "mic", first.Track().ID())
	assert.True(t, p.Active())

	second, err := p.AcquireLocalAudio(context.Background(), Constraints{})
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	p.Release()
	assert.False(t, p.Active())
	p.Release()
}

func TestBindRemoteTrackPumpsAndRebindReleasesPrevious(t *testing.T) {
	p := NewPipeline(SilenceSource{}, logging.Nop())

	firstTrack, firstSink := newChanTrack(), &recordingSink{}
	p.BindRemoteTrack(firstTrack, firstSink)
	firstTrack.packets <- &rtp.Packet{Payload: []byte{1}}
	firstTrack.packets <- &rtp.Packet{Payload: []byte{2}}
	require.Eventually(t, func() bool {
		n, _ := firstSink.snapshot()
		return n == 2
	}, time.Second, 5*time.Millisecond)

	secondTrack, secondSink := newChanTrack(), &recordingSink{}
	p.BindRemoteTrack(secondTrack, secondSink)
	_, closed := firstSink.snapshot()
	assert.True(t, closed, "previous sink must be closed on rebind")

	firstTrack.packets <- &rtp.Packet{Payload: []byte{3}}
	close(firstTrack.packets)
	n, _ := firstSink.snapshot()
	assert.Equal(t, 2, n)

	p.Release()
	_, closed = secondSink.snapshot()
	assert.True(t, closed)
	assert.False(t, p.Active())
	close(secondTrack.packets)
}

func TestRemoteAudioDurationFollowsRTPClock(t *testing.T) {
	p := NewPipeline(SilenceSource{}, logging.Nop())
	var (
		mu    sync.Mutex
		total time.Duration
	)
	p.OnRemoteAudio(func(d time.Duration) {
		mu.Lock()
		total += d
		mu.Unlock()
	})

	track, sink := newChanTrack(), &recordingSink{}
	p.BindRemoteTrack(track, sink)
	for _, ts := range []uint32{1000, 1960, 2920, 2920, 1960, 500000} {
		track.packets <- &rtp.Packet{Header: rtp.Header{Timestamp: ts}, Payload: []byte{1}}
	}
	require.Eventually(t, func() bool {
		n, _ := sink.snapshot()
		return n == 6
	}, time.Second, 5*time.Millisecond)

	// first frame, two 20 ms steps, a duplicate, a reordered packet, a gap
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return total == 80*time.Millisecond
	}, time.Second, 5*time.Millisecond)

	p.Release()
	close(track.packets)
}

func TestOggSinkWritesContainer(t *testing.T) {
	var buf bytes.Buffer
	sink, err := NewOggSinkWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, sink.WriteRTP(&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: 1, Timestamp: 960},
		Payload: opusSilence,
	}))
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("OggS")))
	assert.ErrorIs(t, sink.WriteRTP(&rtp.Packet{Payload: opusSilence}), io.ErrClosedPipe)
}

func TestDirSinkFactoryNumbersFiles(t *testing.T) {
	dir := t.TempDir()
	factory := DirSinkFactory(dir, "sess")
	for i := 0; i < 2; i++ {
		sink, err := factory("track")
		require.NoError(t, err)
		require.NoError(t, sink.Close())
	}
	matches, err := filepath.Glob(filepath.Join(dir, "sess-*.ogg"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}
