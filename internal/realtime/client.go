// Package realtime is the consumer-facing client for a live voice session:
// connect, disconnect, send text, update configuration, and receive
// notifications. It wires the credential fetcher, negotiator, router,
// state machine, audio pipeline and usage tracker together.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/rtvoice/internal/audio"
	"github.com/antoniostano/rtvoice/internal/connection"
	"github.com/antoniostano/rtvoice/internal/credential"
	"github.com/antoniostano/rtvoice/internal/observability"
	"github.com/antoniostano/rtvoice/internal/protocol"
	"github.com/antoniostano/rtvoice/internal/rterr"
	"github.com/antoniostano/rtvoice/internal/rtc"
	"github.com/antoniostano/rtvoice/internal/usage"
)

var ErrDisposed = errors.New("realtime client disposed")

const inboxSize = 256

// CredentialSource yields a fresh credential per connection attempt.
type CredentialSource interface {
	Fetch(ctx context.Context, model string) (credential.Credential, error)
}

// Callbacks are consumer notifications. They run on client goroutines,
// never while the client holds its lock; inbound-event callbacks run one
// at a time in arrival order.
type Callbacks struct {
	OnStateChange   func(connection.Change)
	OnMessage       func(Message)
	OnSpeechStart   func()
	OnSpeechEnd     func()
	OnTranscription func(Transcription)
	OnCostUpdate    func(usage.Metrics)
	OnError         func(error)
	OnDebug         func(string)
}

type Options struct {
	Logger      zerolog.Logger
	HTTPClient  *http.Client
	Credentials CredentialSource
	Peers       rtc.PeerFactory
	AudioSource audio.Source
	Sinks       audio.SinkFactory
	Metrics     *observability.Metrics
	Callbacks   Callbacks
}

type Client struct {
	log        zerolog.Logger
	callbacks  Callbacks
	metrics    *observability.Metrics
	creds      CredentialSource
	sinks      audio.SinkFactory
	machine    *connection.Machine
	router     *protocol.Router
	tracker    *usage.Tracker
	pipeline   *audio.Pipeline
	negotiator *rtc.Negotiator

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu          sync.Mutex
	cfg         Config
	disposed    bool
	conn        *liveConn
	connCtx     context.Context
	connCancel  context.CancelFunc
	messages    []Message
	responses   map[string]*responseBuffer
	transcripts map[string]*strings.Builder
	requestedAt time.Time
	lastCost    float64
}

// liveConn is one installed peer session and its inbound pump.
type liveConn struct {
	epoch   uint64
	session *rtc.PeerSession
	inbox   chan []byte
	stop    chan struct{}
	once    sync.Once

	// guarded by Client.mu
	promoted bool
	lost     error
}

func (l *liveConn) halt() {
	l.once.Do(func() { close(l.stop) })
}

// New validates cfg and builds a client in the idle state.
func New(cfg Config, opts Options) (*Client, error) {
	normalized, err := NormalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	log := opts.Logger.With().Str("component", "realtime").Logger()
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	creds := opts.Credentials
	if creds == nil {
		creds = credential.NewFetcher(normalized.TokenURL, httpClient, opts.Logger)
	}
	source := opts.AudioSource
	if source == nil {
		source = audio.SilenceSource{}
	}

	pipeline := audio.NewPipeline(source, opts.Logger)
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	c := &Client{
		log:         log,
		callbacks:   opts.Callbacks,
		metrics:     opts.Metrics,
		creds:       creds,
		sinks:       opts.Sinks,
		machine:     connection.NewMachine(normalized.policy(), opts.Logger),
		router:      protocol.NewRouter(opts.Logger),
		tracker:     usage.NewTracker(normalized.Rates, normalized.InputAudioFormat, normalized.OutputAudioFormat),
		pipeline:    pipeline,
		negotiator:  rtc.NewNegotiator(normalized.BaseURL, httpClient, opts.Peers, pipeline, opts.Logger),
		lifeCtx:     lifeCtx,
		lifeCancel:  lifeCancel,
		cfg:         normalized,
		responses:   make(map[string]*responseBuffer),
		transcripts: make(map[string]*strings.Builder),
	}
	c.wire()
	return c, nil
}

func (c *Client) wire() {
	c.machine.OnChange(func(ch connection.Change) {
		c.metrics.ObserveTransition(string(ch.From), string(ch.To))
		c.debugf("state %s -> %s", ch.From, ch.To)
		if fn := c.callbacks.OnStateChange; fn != nil {
			fn(ch)
		}
	})
	c.tracker.OnUpdate(func(m usage.Metrics) {
		c.mu.Lock()
		delta := m.TotalCost - c.lastCost
		c.lastCost = m.TotalCost
		c.mu.Unlock()
		c.metrics.AddCost(delta)
		if fn := c.callbacks.OnCostUpdate; fn != nil {
			fn(m)
		}
	})
	c.router.Observe(c.tracker.ObserveInbound)
	c.pipeline.OnRemoteAudio(c.tracker.AddOutputAudio)
	c.router.Observe(func(ev protocol.ServerEvent) {
		c.metrics.ObserveEvent("in", string(ev.EventType()))
	})
	c.router.ObserveOutbound(c.tracker.ObserveOutbound)
	c.router.ObserveOutbound(func(ev protocol.ClientEvent) {
		c.metrics.ObserveEvent("out", string(ev.EventType()))
	})
	c.router.OnError(c.emitError)
	c.registerHandlers()
}

// Connect fetches a credential, negotiates, and moves to connected. It is
// a no-op while a connection is active. A failed connect is returned and
// also reflected in the state, which may then be reconnecting.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	c.mu.Unlock()

	epoch, ok := c.machine.Begin()
	if !ok {
		return nil
	}
	c.tracker.Reset()

	connCtx, connCancel := context.WithCancel(c.lifeCtx)
	c.mu.Lock()
	if c.connCancel != nil {
		c.connCancel()
	}
	c.connCtx, c.connCancel = connCtx, connCancel
	c.lastCost = 0
	c.mu.Unlock()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(connCtx, cancel)
	defer stop()

	started := time.Now()
	live, err := c.establish(attemptCtx, epoch)
	if err == nil {
		if !c.machine.TransitionFrom(epoch, connection.StateConnecting, connection.StateConnected, nil) {
			return connection.ErrStale
		}
		c.metrics.ObserveStage(observability.StageConnectTotal, time.Since(started))
		if err := c.settle(live); err != nil {
			return err
		}
		c.onConnected(epoch)
		return nil
	}
	if errors.Is(err, connection.ErrStale) || !c.machine.Current(epoch) {
		return connection.ErrStale
	}

	c.metrics.ObserveConnectError(string(rterr.KindOf(err)))
	if c.machine.Fail(epoch, err) == connection.StateReconnecting {
		go c.reconnect(connCtx, epoch)
	}
	c.emitError(err)
	return err
}

// establish runs one credential fetch and negotiation, then installs the
// session if epoch is still current. A transport lost during install fails
// the attempt.
func (c *Client) establish(ctx context.Context, epoch uint64) (*liveConn, error) {
	cfg := c.Config()

	started := time.Now()
	cred, err := c.creds.Fetch(ctx, cfg.Model)
	if err != nil {
		return nil, err
	}
	c.metrics.ObserveStage(observability.StageCredential, time.Since(started))
	if !c.machine.Current(epoch) {
		return nil, connection.ErrStale
	}

	started = time.Now()
	session, err := c.negotiator.Negotiate(ctx, cred, rtc.Constraints{
		Model:         cfg.Model,
		ICEServers:    cfg.ICEServers,
		Timeout:       cfg.ConnectTimeout,
		OnRemoteTrack: func(track audio.RemoteTrack) { c.bindRemote(epoch, track) },
	})
	if err != nil {
		return nil, err
	}
	c.metrics.ObserveStage(observability.StageNegotiate, time.Since(started))
	live, err := c.install(epoch, session)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	lost := c.conn != live
	cause := live.lost
	c.mu.Unlock()
	if lost {
		return nil, lostError(cause)
	}
	return live, nil
}

// settle confirms live survived until the connected transition. If it was
// dropped in between, the loss is routed now that the state is connected.
func (c *Client) settle(live *liveConn) error {
	c.mu.Lock()
	if c.conn == live {
		live.promoted = true
		c.mu.Unlock()
		return nil
	}
	cause := live.lost
	c.mu.Unlock()
	return c.routeDrop(live, cause)
}

func lostError(cause error) *rterr.Error {
	drop := rterr.Wrap(rterr.KindNegotiation, cause, "connection lost")
	drop.Retryable = true
	return drop
}

func (c *Client) install(epoch uint64, session *rtc.PeerSession) (*liveConn, error) {
	live := &liveConn{
		epoch:   epoch,
		session: session,
		inbox:   make(chan []byte, inboxSize),
		stop:    make(chan struct{}),
	}

	c.mu.Lock()
	if !c.machine.Current(epoch) || c.disposed {
		c.mu.Unlock()
		_ = session.Close()
		c.pipeline.ReleaseCapture(session.Capture)
		return nil, connection.ErrStale
	}
	c.conn = live
	c.mu.Unlock()

	session.Channel.OnMessage(func(data []byte) {
		buf := append([]byte(nil), data...)
		select {
		case live.inbox <- buf:
		case <-live.stop:
		}
	})
	session.Channel.OnClose(func() {
		c.handleDrop(live, errors.New("data channel closed"))
	})
	session.Peer.OnStateChange(func(s rtc.PeerState) {
		switch {
		case s.Dropped():
			c.handleDrop(live, fmt.Errorf("peer connection %s", s))
		case s == rtc.PeerDisconnected:
			c.debugf("peer connection disconnected, waiting for ice to recover")
		}
	})

	// Attach under mu so a concurrent handleDrop detaches after us.
	c.mu.Lock()
	if c.conn == live {
		c.router.Attach(session.Channel)
	}
	c.mu.Unlock()
	go c.pump(live)
	return live, nil
}

// pump dispatches inbound payloads one at a time in arrival order.
func (c *Client) pump(live *liveConn) {
	for {
		select {
		case raw := <-live.inbox:
			c.router.Dispatch(raw)
		case <-live.stop:
			return
		}
	}
}

func (c *Client) bindRemote(epoch uint64, track audio.RemoteTrack) {
	if !c.machine.Current(epoch) {
		return
	}
	var sink audio.Sink = audio.DiscardSink{}
	if c.sinks != nil {
		s, err := c.sinks(track.ID())
		if err != nil {
			c.emitError(rterr.Wrap(rterr.KindDevice, err, "open playback sink"))
		} else {
			sink = s
		}
	}
	c.pipeline.BindRemoteTrack(track, sink)
}

// handleDrop tears down live if it is still current. Once live has been
// promoted to connected the loss goes through the state machine; before
// that, the attempt that installed it reports the failure.
func (c *Client) handleDrop(live *liveConn, cause error) {
	c.mu.Lock()
	if c.conn != live {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	live.lost = cause
	promoted := live.promoted
	c.mu.Unlock()

	live.halt()
	c.router.Detach()
	_ = live.session.Close()
	c.pipeline.Release()

	c.log.Warn().Err(cause).Uint64("epoch", live.epoch).Bool("connected", promoted).Msg("transport dropped")
	if promoted {
		_ = c.routeDrop(live, cause)
	}
}

func (c *Client) routeDrop(live *liveConn, cause error) error {
	c.mu.Lock()
	connCtx := c.connCtx
	c.mu.Unlock()

	drop := lostError(cause)
	switch c.machine.Fail(live.epoch, drop) {
	case "":
		return connection.ErrStale
	case connection.StateReconnecting:
		c.metrics.ObserveIndicator("reconnect")
		go c.reconnect(connCtx, live.epoch)
	}
	c.emitError(drop)
	return drop
}

func (c *Client) reconnect(ctx context.Context, epoch uint64) {
	var live *liveConn
	err := c.machine.Reconnect(ctx, epoch, func(ctx context.Context, n int) error {
		c.debugf("reconnect attempt %d", n)
		l, err := c.establish(ctx, epoch)
		if err != nil && !errors.Is(err, connection.ErrStale) {
			c.metrics.ObserveConnectError(string(rterr.KindOf(err)))
		}
		live = l
		return err
	})
	switch {
	case err == nil:
		if c.settle(live) == nil {
			c.onConnected(epoch)
		}
	case errors.Is(err, connection.ErrStale), errors.Is(err, context.Canceled):
	default:
		c.pipeline.Release()
		c.emitError(err)
	}
}

func (c *Client) onConnected(epoch uint64) {
	c.tracker.MarkConnected(time.Now())
	cfg := c.Config()

	if err := c.router.Send(&protocol.SessionUpdate{Session: cfg.SessionConfig()}); err != nil {
		c.emitError(err)
	}
	c.log.Info().Uint64("epoch", epoch).Str("model", cfg.Model).Msg("realtime session connected")
}

// Disconnect tears everything down and leaves the client disconnected.
// Safe to call in any state, any number of times.
func (c *Client) Disconnect() error {
	c.machine.Stop(nil)

	c.mu.Lock()
	live := c.conn
	c.conn = nil
	cancel := c.connCancel
	c.connCancel = nil
	c.responses = make(map[string]*responseBuffer)
	c.transcripts = make(map[string]*strings.Builder)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.router.Detach()
	var err error
	if live != nil {
		live.halt()
		err = live.session.Close()
	}
	c.pipeline.Release()
	return err
}

// Dispose disconnects and makes the client unusable.
func (c *Client) Dispose() error {
	err := c.Disconnect()
	c.mu.Lock()
	c.disposed = true
	c.mu.Unlock()
	c.lifeCancel()
	return err
}

// SendText adds a user text message and asks for a response.
func (c *Client) SendText(text string) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return rterr.Config("text must not be empty")
	}
	if err := c.router.Send(protocol.NewUserText(text)); err != nil {
		return err
	}
	if err := c.router.Send(&protocol.ResponseCreate{}); err != nil {
		return err
	}
	c.markRequested()
	c.appendMessage(newMessage(RoleUser, text))
	return nil
}

// UpdateConfig merges patch, re-validates, and pushes session.update when
// connected. Reconnection settings apply to the next reconnection.
func (c *Client) UpdateConfig(patch ConfigPatch) error {
	c.mu.Lock()
	next, err := NormalizeConfig(c.cfg.Apply(patch))
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.cfg = next
	c.mu.Unlock()

	c.tracker.SetFormats(next.InputAudioFormat, next.OutputAudioFormat)
	c.machine.SetPolicy(next.policy())
	if c.machine.State() != connection.StateConnected {
		return nil
	}
	return c.router.Send(&protocol.SessionUpdate{Session: next.SessionConfig()})
}

// AppendAudio sends raw audio in the configured input format.
func (c *Client) AppendAudio(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := c.requireConnected(); err != nil {
		return err
	}
	return c.router.Send(protocol.NewAudioAppend(data))
}

func (c *Client) CommitAudio() error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	return c.router.Send(&protocol.InputAudioBufferCommit{})
}

func (c *Client) ClearAudio() error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	return c.router.Send(&protocol.InputAudioBufferClear{})
}

// RequestResponse asks for a response without adding input, e.g. after
// CommitAudio with VAD disabled.
func (c *Client) RequestResponse() error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if err := c.router.Send(&protocol.ResponseCreate{}); err != nil {
		return err
	}
	c.markRequested()
	return nil
}

// SendEvent relays a raw client event, e.g. one forwarded from a browser.
// session.update frames bypass the local config; use UpdateConfig to keep
// it in sync.
func (c *Client) SendEvent(raw []byte) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	ev, err := protocol.ParseClientEvent(raw)
	if err != nil {
		return rterr.Protocol(err, "invalid client event")
	}
	if err := c.router.Send(ev); err != nil {
		return err
	}
	if _, ok := ev.(*protocol.ResponseCreate); ok {
		c.markRequested()
	}
	return nil
}

func (c *Client) requireConnected() error {
	if s := c.machine.State(); s != connection.StateConnected {
		return rterr.NotConnected("connection is " + string(s))
	}
	if !c.router.Connected() {
		return rterr.NotConnected("data channel is not open")
	}
	return nil
}

func (c *Client) State() connection.State { return c.machine.State() }

func (c *Client) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg := c.cfg
	cfg.ICEServers = append([]string(nil), c.cfg.ICEServers...)
	return cfg
}

// Messages returns a copy of the conversation so far.
func (c *Client) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

func (c *Client) ClearMessages() {
	c.mu.Lock()
	c.messages = nil
	c.mu.Unlock()
}

func (c *Client) Usage() usage.Metrics { return c.tracker.Snapshot() }

func (c *Client) ResetUsage() {
	c.tracker.Reset()
	c.mu.Lock()
	c.lastCost = 0
	c.mu.Unlock()
}

// AudioActive reports whether local or remote audio resources are held.
func (c *Client) AudioActive() bool { return c.pipeline.Active() }

func (c *Client) appendMessage(msg Message) {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	if fn := c.callbacks.OnMessage; fn != nil {
		fn(msg)
	}
}

func (c *Client) emitError(err error) {
	if err == nil {
		return
	}
	c.log.Debug().Err(err).Str("kind", string(rterr.KindOf(err))).Msg("client error")
	if fn := c.callbacks.OnError; fn != nil {
		fn(err)
	}
}

func (c *Client) debugf(format string, args ...any) {
	if c.log.GetLevel() > zerolog.DebugLevel && c.callbacks.OnDebug == nil {
		return
	}
	line := fmt.Sprintf(format, args...)
	c.log.Debug().Msg(line)
	if fn := c.callbacks.OnDebug; fn != nil {
		fn(line)
	}
}
