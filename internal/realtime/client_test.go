package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/rtvoice/internal/audio"
	"github.com/antoniostano/rtvoice/internal/connection"
	"github.com/antoniostano/rtvoice/internal/logging"
	"github.com/antoniostano/rtvoice/internal/rterr"
	"github.com/antoniostano/rtvoice/internal/rtc"
)

const answerSDP = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=answer\r\n"

type fakeBackend struct {
	tokenStatus atomic.Int32
	tokenHits   atomic.Int32
	sdpHits     atomic.Int32
	srv         *httptest.Server

	// hold, when set, parks every SDP exchange until closed.
	hold    chan struct{}
	entered chan struct{}
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	return startFakeBackend(t, &fakeBackend{})
}

func newHoldingBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := startFakeBackend(t, &fakeBackend{hold: make(chan struct{}), entered: make(chan struct{}, 1)})
	// Registered after the server so parked handlers are released before Close.
	t.Cleanup(func() { close(b.hold) })
	return b
}

func startFakeBackend(t *testing.T, b *fakeBackend) *fakeBackend {
	t.Helper()
	b.tokenStatus.Store(http.StatusOK)
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		b.tokenHits.Add(1)
		if status := int(b.tokenStatus.Load()); status != http.StatusOK {
			http.Error(w, "token backend down", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"client_secret":{"value":"ek_%d","expires_at":%d}}`,
			b.tokenHits.Load(), time.Now().Add(time.Minute).Unix())
	})
	mux.HandleFunc("/v1/realtime", func(w http.ResponseWriter, r *http.Request) {
		b.sdpHits.Add(1)
		if b.hold != nil {
			select {
			case b.entered <- struct{}{}:
			default:
			}
			select {
			case <-b.hold:
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/sdp")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(answerSDP))
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) config() Config {
	cfg := DefaultConfig(b.srv.URL + "/token")
	cfg.BaseURL = b.srv.URL + "/v1/realtime"
	cfg.ReconnectBase = 10 * time.Millisecond
	cfg.ReconnectCap = 20 * time.Millisecond
	cfg.ConnectTimeout = 2 * time.Second
	return cfg
}

type recorder struct {
	mu       sync.Mutex
	states   []connection.State
	errs     []error
	debug    []string
	messages []Message
	speech   []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStateChange: func(c connection.Change) { r.record(func() { r.states = append(r.states, c.To) }) },
		OnError:       func(err error) { r.record(func() { r.errs = append(r.errs, err) }) },
		OnDebug:       func(line string) { r.record(func() { r.debug = append(r.debug, line) }) },
		OnMessage:     func(m Message) { r.record(func() { r.messages = append(r.messages, m) }) },
		OnSpeechStart: func() { r.record(func() { r.speech = append(r.speech, "start") }) },
		OnSpeechEnd:   func() { r.record(func() { r.speech = append(r.speech, "end") }) },
	}
}

func (r *recorder) record(fn func()) {
	r.mu.Lock()
	fn()
	r.mu.Unlock()
}

func (r *recorder) States() []connection.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]connection.State(nil), r.states...)
}

func (r *recorder) Debug() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.debug...)
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) Speech() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.speech...)
}

func newTestClient(t *testing.T, cfg Config) (*Client, *rtc.MockFactory, *recorder) {
	t.Helper()
	peers := rtc.NewMockFactory()
	rec := &recorder{}
	c, err := New(cfg, Options{
		Logger:      logging.Nop(),
		Peers:       peers,
		AudioSource: audio.SilenceSource{},
		Callbacks:   rec.callbacks(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Dispose() })
	return c, peers, rec
}

// dropOnWatchFactory hands out peers that fail as soon as the client starts
// watching their state, for the first drops peers.
type dropOnWatchFactory struct {
	*rtc.MockFactory
	drops atomic.Int32
}

func (f *dropOnWatchFactory) NewPeer(iceServers []string) (rtc.Peer, error) {
	p, err := f.MockFactory.NewPeer(iceServers)
	if err != nil {
		return nil, err
	}
	if f.drops.Add(-1) < 0 {
		return p, nil
	}
	return &dropOnWatchPeer{MockPeer: p.(*rtc.MockPeer)}, nil
}

type dropOnWatchPeer struct {
	*rtc.MockPeer
}

func (p *dropOnWatchPeer) OnStateChange(fn func(rtc.PeerState)) {
	p.MockPeer.OnStateChange(fn)
	p.Drop()
}

func newDroppingClient(t *testing.T, cfg Config, drops int32) (*Client, *dropOnWatchFactory, *recorder) {
	t.Helper()
	peers := &dropOnWatchFactory{MockFactory: rtc.NewMockFactory()}
	peers.drops.Store(drops)
	rec := &recorder{}
	c, err := New(cfg, Options{
		Logger:      logging.Nop(),
		Peers:       peers,
		AudioSource: audio.SilenceSource{},
		Callbacks:   rec.callbacks(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Dispose() })
	return c, peers, rec
}

func sentTypes(ch *rtc.MockChannel) []string {
	var out []string
	for _, raw := range ch.Sent() {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal([]byte(raw), &env) == nil {
			out = append(out, env.Type)
		}
	}
	return out
}

func receive(ch *rtc.MockChannel, payload string) {
	ch.Receive([]byte(payload))
}

func TestConnectAndDisconnect(t *testing.T) {
	backend := newFakeBackend(t)
	c, peers, rec := newTestClient(t, backend.config())

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, connection.StateConnected, c.State())
	assert.True(t, c.AudioActive())
	assert.Equal(t, int32(1), backend.tokenHits.Load())

	ch := peers.Last().Channel()
	assert.Equal(t, []string{"session.update"}, sentTypes(ch))
	assert.NotNil(t, c.Usage().ConnectedAt)

	require.NoError(t, c.Disconnect())
	assert.Equal(t, connection.StateDisconnected, c.State())
	assert.False(t, c.AudioActive())
	assert.True(t, peers.Last().Closed())
	assert.Equal(t, []connection.State{
		connection.StateConnecting,
		connection.StateConnected,
		connection.StateDisconnected,
	}, rec.States())

	require.NoError(t, c.Disconnect())
	assert.Len(t, rec.States(), 3)
}

func TestConnectWhileActiveIsNoop(t *testing.T) {
	backend := newFakeBackend(t)
	c, peers, _ := newTestClient(t, backend.config())

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	assert.Len(t, peers.Peers(), 1)
	assert.Equal(t, int32(1), backend.tokenHits.Load())
}

func TestSendTextRequiresConnection(t *testing.T) {
	backend := newFakeBackend(t)
	c, _, _ := newTestClient(t, backend.config())

	err := c.SendText("hello")
	require.Error(t, err)
	assert.True(t, rterr.Is(err, rterr.KindNotConnected))
	assert.Empty(t, c.Messages())

	for _, text := range []string{"", "   "} {
		err := c.SendText(text)
		assert.True(t, rterr.Is(err, rterr.KindNotConnected), "SendText(%q) = %v", text, err)
	}

	assert.True(t, rterr.Is(c.AppendAudio([]byte{1, 2}), rterr.KindNotConnected))
}

func TestSendTextCreatesItemAndResponse(t *testing.T) {
	backend := newFakeBackend(t)
	c, peers, _ := newTestClient(t, backend.config())
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.SendText("  what time is it?  "))
	assert.Equal(t, []string{"session.update", "conversation.item.create", "response.create"}, sentTypes(peers.Last().Channel()))

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "what time is it?", msgs[0].Text)

	assert.True(t, rterr.Is(c.SendText("   "), rterr.KindConfig))
}

func TestSendEventRelaysClientEvents(t *testing.T) {
	backend := newFakeBackend(t)
	c, peers, _ := newTestClient(t, backend.config())

	err := c.SendEvent([]byte(`{"type":"response.create"}`))
	assert.True(t, rterr.Is(err, rterr.KindNotConnected))

	require.NoError(t, c.Connect(context.Background()))
	ch := peers.Last().Channel()

	require.NoError(t, c.SendEvent([]byte(`{"type":"input_audio_buffer.commit"}`)))
	require.NoError(t, c.SendEvent([]byte(`{"type":"response.create"}`)))
	assert.Equal(t, []string{"session.update", "input_audio_buffer.commit", "response.create"}, sentTypes(ch))

	err = c.SendEvent([]byte(`{"type":"response.cancel"}`))
	assert.True(t, rterr.Is(err, rterr.KindProtocol))
	err = c.SendEvent([]byte(`not json`))
	assert.True(t, rterr.Is(err, rterr.KindProtocol))
	assert.Len(t, ch.Sent(), 3)
}

func TestResponseDeltasAccumulateInOrder(t *testing.T) {
	backend := newFakeBackend(t)
	c, peers, _ := newTestClient(t, backend.config())
	require.NoError(t, c.Connect(context.Background()))
	ch := peers.Last().Channel()

	pcm := base64.StdEncoding.EncodeToString(make([]byte, 4800))
	receive(ch, `{"type":"response.created","response":{"id":"resp_1"}}`)
	receive(ch, `{"type":"response.text.delta","response_id":"resp_1","item_id":"item_1","delta":"Hel"}`)
	receive(ch, `{"type":"response.audio.delta","response_id":"resp_1","item_id":"item_1","delta":"`+pcm+`"}`)
	receive(ch, `{"type":"response.text.delta","response_id":"resp_1","item_id":"item_1","delta":"lo"}`)
	receive(ch, `{"type":"response.done","response":{"id":"resp_1","status":"completed"}}`)

	require.Eventually(t, func() bool { return len(c.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	msg := c.Messages()[0]
	assert.Equal(t, RoleAssistant, msg.Role)
	assert.Equal(t, "Hello", msg.Text)
	assert.Equal(t, "resp_1", msg.ResponseID)
	assert.Equal(t, "item_1", msg.ItemID)
	require.NotNil(t, msg.Audio)
	assert.Equal(t, int64(100), msg.Audio.DurationMS)
	assert.InDelta(t, 0.1, c.Usage().AudioOutputSeconds, 1e-9)
}

func TestTranscriptFallsBackForAudioOnlyResponses(t *testing.T) {
	backend := newFakeBackend(t)
	c, peers, _ := newTestClient(t, backend.config())
	require.NoError(t, c.Connect(context.Background()))
	ch := peers.Last().Channel()

	receive(ch, `{"type":"response.audio_transcript.delta","response_id":"r","item_id":"i","delta":"Good "}`)
	receive(ch, `{"type":"response.audio_transcript.delta","response_id":"r","item_id":"i","delta":"mornin"}`)
	receive(ch, `{"type":"response.audio_transcript.done","response_id":"r","item_id":"i","transcript":"Good morning"}`)
	receive(ch, `{"type":"response.done","response":{"id":"r"}}`)

	require.Eventually(t, func() bool { return len(c.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Good morning", c.Messages()[0].Text)
}

func TestSpeechAndUnknownEvents(t *testing.T) {
	backend := newFakeBackend(t)
	c, peers, rec := newTestClient(t, backend.config())
	require.NoError(t, c.Connect(context.Background()))
	ch := peers.Last().Channel()

	receive(ch, `{"type":"input_audio_buffer.speech_started","audio_start_ms":100}`)
	receive(ch, `{"type":"input_audio_buffer.speech_stopped","audio_end_ms":2100}`)
	receive(ch, `{"type":"rate_limits.updated","rate_limits":[]}`)

	require.Eventually(t, func() bool {
		for _, line := range rec.Debug() {
			if strings.Contains(line, "unhandled event rate_limits.updated") {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"start", "end"}, rec.Speech())
	assert.InDelta(t, 2.0, c.Usage().AudioInputSeconds, 1e-9)
}

func TestRemoteErrorIsReported(t *testing.T) {
	backend := newFakeBackend(t)
	c, peers, rec := newTestClient(t, backend.config())
	require.NoError(t, c.Connect(context.Background()))

	receive(peers.Last().Channel(), `{"type":"error","error":{"type":"invalid_request_error","code":"invalid_value","message":"Invalid voice"}}`)

	require.Eventually(t, func() bool { return len(rec.Errors()) == 1 }, time.Second, 5*time.Millisecond)
	err := rec.Errors()[0]
	assert.True(t, rterr.Is(err, rterr.KindRemote))
	assert.Equal(t, "Invalid voice", rterr.UserMessage(err))
	assert.Equal(t, connection.StateConnected, c.State())
}

func TestMalformedPayloadIsProtocolError(t *testing.T) {
	backend := newFakeBackend(t)
	c, peers, rec := newTestClient(t, backend.config())
	require.NoError(t, c.Connect(context.Background()))

	receive(peers.Last().Channel(), `{not json`)

	require.Eventually(t, func() bool { return len(rec.Errors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, rterr.Is(rec.Errors()[0], rterr.KindProtocol))
}

func TestCredentialFailureWithoutReconnect(t *testing.T) {
	backend := newFakeBackend(t)
	backend.tokenStatus.Store(http.StatusInternalServerError)
	cfg := backend.config()
	cfg.AutoReconnect = false
	c, peers, rec := newTestClient(t, cfg)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, rterr.Is(err, rterr.KindCredential))
	assert.Equal(t, connection.StateError, c.State())
	assert.Equal(t, []connection.State{connection.StateConnecting, connection.StateError}, rec.States())
	assert.Empty(t, peers.Peers())
	assert.False(t, c.AudioActive())
	assert.Equal(t, int32(0), backend.sdpHits.Load())
}

func TestCredentialFailureRetriesThenGivesUp(t *testing.T) {
	backend := newFakeBackend(t)
	backend.tokenStatus.Store(http.StatusServiceUnavailable)
	c, _, rec := newTestClient(t, backend.config())

	require.Error(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return c.State() == connection.StateDisconnected }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(4), backend.tokenHits.Load())
	assert.Equal(t, []connection.State{
		connection.StateConnecting,
		connection.StateReconnecting,
		connection.StateDisconnected,
	}, rec.States())
}

func TestDropReconnectsAndKeepsUsage(t *testing.T) {
	backend := newFakeBackend(t)
	c, peers, rec := newTestClient(t, backend.config())
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.AppendAudio(make([]byte, 48000)))
	assert.InDelta(t, 1.0, c.Usage().AudioInputSeconds, 1e-9)

	first := peers.Last()
	first.Drop()

	require.Eventually(t, func() bool {
		return c.State() == connection.StateConnected && len(peers.Peers()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, first.Closed())
	assert.InDelta(t, 1.0, c.Usage().AudioInputSeconds, 1e-9)
	assert.Contains(t, rec.States(), connection.StateReconnecting)
	assert.Equal(t, int32(2), backend.tokenHits.Load())

	// Events from the dropped session are ignored.
	receive(first.Channel(), `{"type":"response.done","response":{"id":"stale"}}`)
	require.NoError(t, c.SendText("still there?"))
	assert.Contains(t, sentTypes(peers.Last().Channel()), "conversation.item.create")
}

func TestDropDuringInstallReconnects(t *testing.T) {
	backend := newFakeBackend(t)
	c, peers, rec := newDroppingClient(t, backend.config(), 1)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, rterr.IsRetryable(err))
	assert.NotEqual(t, connection.StateConnected, c.State())

	require.Eventually(t, func() bool {
		return c.State() == connection.StateConnected && len(peers.Peers()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, peers.Peers()[0].Closed())
	assert.True(t, c.AudioActive())
	assert.Equal(t, []connection.State{
		connection.StateConnecting,
		connection.StateReconnecting,
		connection.StateConnected,
	}, rec.States())

	require.NoError(t, c.SendText("after the drop"))
	assert.Contains(t, sentTypes(peers.Last().Channel()), "conversation.item.create")
}

func TestDropDuringReconnectInstallKeepsRetrying(t *testing.T) {
	backend := newFakeBackend(t)
	c, peers, rec := newDroppingClient(t, backend.config(), 2)

	require.Error(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return c.State() == connection.StateConnected && len(peers.Peers()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []connection.State{
		connection.StateConnecting,
		connection.StateReconnecting,
		connection.StateConnected,
	}, rec.States())
	require.NoError(t, c.SendText("third time"))
}

func TestDropDuringInstallWithoutAutoReconnectFails(t *testing.T) {
	backend := newFakeBackend(t)
	cfg := backend.config()
	cfg.AutoReconnect = false
	c, peers, _ := newDroppingClient(t, cfg, 1)

	require.Error(t, c.Connect(context.Background()))
	assert.Equal(t, connection.StateError, c.State())
	assert.False(t, c.AudioActive())
	assert.Len(t, peers.Peers(), 1)
	assert.True(t, rterr.Is(c.SendText("hello"), rterr.KindNotConnected))
}

func TestTransientPeerDisconnectKeepsSession(t *testing.T) {
	backend := newFakeBackend(t)
	c, peers, rec := newTestClient(t, backend.config())
	require.NoError(t, c.Connect(context.Background()))

	peer := peers.Last()
	peer.Signal(rtc.PeerDisconnected)
	peer.Signal(rtc.PeerConnected)

	assert.Equal(t, connection.StateConnected, c.State())
	assert.False(t, peer.Closed())
	assert.Len(t, peers.Peers(), 1)
	assert.NotContains(t, rec.States(), connection.StateReconnecting)
	assert.Contains(t, rec.Debug(), "peer connection disconnected, waiting for ice to recover")
	require.NoError(t, c.SendText("still here"))
}

func TestDropWithoutAutoReconnectDisconnects(t *testing.T) {
	backend := newFakeBackend(t)
	cfg := backend.config()
	cfg.AutoReconnect = false
	c, peers, _ := newTestClient(t, cfg)
	require.NoError(t, c.Connect(context.Background()))

	peers.Last().Drop()
	assert.Equal(t, connection.StateDisconnected, c.State())
	assert.False(t, c.AudioActive())
	assert.Len(t, peers.Peers(), 1)
}

func TestDisconnectDuringReconnectStopsRetrying(t *testing.T) {
	backend := newFakeBackend(t)
	cfg := backend.config()
	cfg.ReconnectBase = 200 * time.Millisecond
	cfg.ReconnectCap = 200 * time.Millisecond
	c, peers, _ := newTestClient(t, cfg)
	require.NoError(t, c.Connect(context.Background()))

	peers.Last().Drop()
	assert.Equal(t, connection.StateReconnecting, c.State())
	require.NoError(t, c.Disconnect())

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, connection.StateDisconnected, c.State())
	assert.Len(t, peers.Peers(), 1)
}

func TestUpdateConfigPushesSessionUpdate(t *testing.T) {
	backend := newFakeBackend(t)
	c, peers, _ := newTestClient(t, backend.config())

	voice := "coral"
	require.NoError(t, c.UpdateConfig(ConfigPatch{Voice: &voice}))
	assert.Equal(t, "coral", c.Config().Voice)

	require.NoError(t, c.Connect(context.Background()))
	ch := peers.Last().Channel()

	instructions := "Answer briefly."
	require.NoError(t, c.UpdateConfig(ConfigPatch{Instructions: &instructions}))
	sent := ch.Sent()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1], `"instructions":"Answer briefly."`)
	assert.Contains(t, sent[1], `"voice":"coral"`)

	bad := "robot"
	err := c.UpdateConfig(ConfigPatch{Voice: &bad})
	assert.True(t, rterr.Is(err, rterr.KindConfig))
	assert.Equal(t, "coral", c.Config().Voice)
	assert.Len(t, ch.Sent(), 2)
}

type packetTrack struct {
	packets chan *rtp.Packet
}

func (t *packetTrack) ID() string { return "assistant-audio" }

func (t *packetTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-t.packets
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

func TestRemoteTrackMetersOutputAudio(t *testing.T) {
	backend := newFakeBackend(t)
	c, peers, _ := newTestClient(t, backend.config())
	require.NoError(t, c.Connect(context.Background()))

	track := &packetTrack{packets: make(chan *rtp.Packet, 64)}
	t.Cleanup(func() { close(track.packets) })
	peers.Last().PushTrack(track)
	for i := 0; i < 50; i++ {
		track.packets <- &rtp.Packet{Header: rtp.Header{Timestamp: uint32(i * 960)}, Payload: []byte{0xf8}}
	}

	require.Eventually(t, func() bool {
		return c.Usage().AudioOutputSeconds > 0.999
	}, 2*time.Second, 5*time.Millisecond)
	usage := c.Usage()
	assert.InDelta(t, 1.0, usage.AudioOutputSeconds, 1e-9)
	assert.Greater(t, usage.Costs.AudioOutput, 0.0)
}

func TestFreshConnectResetsUsage(t *testing.T) {
	backend := newFakeBackend(t)
	c, _, _ := newTestClient(t, backend.config())
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.AppendAudio(make([]byte, 24000)))
	require.NoError(t, c.Disconnect())
	assert.InDelta(t, 0.5, c.Usage().AudioInputSeconds, 1e-9)

	require.NoError(t, c.Connect(context.Background()))
	assert.Zero(t, c.Usage().AudioInputSeconds)
}

func TestDisconnectDuringConnectIsStale(t *testing.T) {
	backend := newHoldingBackend(t)
	c, peers, rec := newTestClient(t, backend.config())

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	select {
	case <-backend.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("negotiation never reached the sdp exchange")
	}
	require.NoError(t, c.Disconnect())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, connection.ErrStale)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	assert.Equal(t, connection.StateDisconnected, c.State())
	assert.False(t, c.AudioActive())
	require.NotNil(t, peers.Last())
	assert.True(t, peers.Last().Closed())
	assert.Equal(t, []connection.State{
		connection.StateConnecting,
		connection.StateDisconnected,
	}, rec.States())
}

func TestResetUsage(t *testing.T) {
	backend := newFakeBackend(t)
	c, peers, _ := newTestClient(t, backend.config())
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.AppendAudio(make([]byte, 48000)))
	receive(peers.Last().Channel(), `{"type":"response.done","response":{"id":"r1","usage":{"output_token_details":{"text_tokens":20}}}}`)
	require.Eventually(t, func() bool { return c.Usage().TextOutputTokens == 20 }, time.Second, 5*time.Millisecond)
	require.NotZero(t, c.Usage().TotalCost)

	c.ResetUsage()
	usage := c.Usage()
	assert.Zero(t, usage.AudioInputSeconds)
	assert.Zero(t, usage.TextOutputTokens)
	assert.Zero(t, usage.TotalCost)
	assert.Nil(t, usage.ConnectedAt)
	assert.Equal(t, connection.StateConnected, c.State())

	require.NoError(t, c.AppendAudio(make([]byte, 24000)))
	assert.InDelta(t, 0.5, c.Usage().AudioInputSeconds, 1e-9)
}

func TestDisposeRejectsConnect(t *testing.T) {
	backend := newFakeBackend(t)
	c, _, _ := newTestClient(t, backend.config())
	require.NoError(t, c.Dispose())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrDisposed)
}
