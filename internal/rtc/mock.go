package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/antoniostano/rtvoice/internal/audio"
)

// MockFactory hands out in-process peers. It backs the dry-run CLI mode and
// tests that exercise the client without a network peer.
type MockFactory struct {
	// AutoOpen opens the data channel as soon as an answer is applied.
	AutoOpen bool
	// Err, when set, fails NewPeer.
	Err error

	mu    sync.Mutex
	peers []*MockPeer
}

func NewMockFactory() *MockFactory { return &MockFactory{AutoOpen: true} }

func (f *MockFactory) NewPeer(iceServers []string) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	p := &MockPeer{ICEServers: append([]string(nil), iceServers...), autoOpen: f.AutoOpen}
	f.peers = append(f.peers, p)
	return p, nil
}

// Peers returns every peer created so far, oldest first.
func (f *MockFactory) Peers() []*MockPeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockPeer(nil), f.peers...)
}

// Last returns the newest peer or nil.
func (f *MockFactory) Last() *MockPeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type MockPeer struct {
	ICEServers []string
	autoOpen   bool

	mu      sync.Mutex
	tracks  []webrtc.TrackLocal
	channel *MockChannel
	answer  string
	closed  bool
	onTrack func(audio.RemoteTrack)
	onState func(PeerState)
}

func (p *MockPeer) AddAudioTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return nil
}

func (p *MockPeer) CreateDataChannel(label string) (DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channel = &MockChannel{label: label}
	return p.channel, nil
}

func (p *MockPeer) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=mock-offer\r\n", nil
}

func (p *MockPeer) SetAnswer(sdp string) error {
	p.mu.Lock()
	p.answer = sdp
	ch, open := p.channel, p.autoOpen
	p.mu.Unlock()
	if open && ch != nil {
		go ch.Open()
	}
	return nil
}

func (p *MockPeer) OnRemoteTrack(fn func(audio.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *MockPeer) OnStateChange(fn func(PeerState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *MockPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ch, onState := p.channel, p.onState
	p.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
	if onState != nil {
		onState(PeerClosed)
	}
	return nil
}

// Answer is the SDP applied by SetAnswer.
func (p *MockPeer) Answer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answer
}

func (p *MockPeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *MockPeer) Tracks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracks)
}

func (p *MockPeer) Channel() *MockChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel
}

// Drop simulates a transport loss.
func (p *MockPeer) Drop() { p.Signal(PeerFailed) }

// Signal reports s to the state listener.
func (p *MockPeer) Signal(s PeerState) {
	p.mu.Lock()
	onState := p.onState
	p.mu.Unlock()
	if onState != nil {
		onState(s)
	}
}

// PushTrack delivers a remote audio track.
func (p *MockPeer) PushTrack(track audio.RemoteTrack) {
	p.mu.Lock()
	onTrack := p.onTrack
	p.mu.Unlock()
	if onTrack != nil {
		onTrack(track)
	}
}

var ErrChannelClosed = errors.New("mock data channel is not open")

type MockChannel struct {
	label string

	mu        sync.Mutex
	open      bool
	closed    bool
	sent      []string
	onOpen    func()
	onMessage func([]byte)
	onClose   func()
}

func (c *MockChannel) Label() string { return c.label }

func (c *MockChannel) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return ErrChannelClosed
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *MockChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *MockChannel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()
}

func (c *MockChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *MockChannel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *MockChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed, c.open = true, false
	onClose := c.onClose
	c.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}

// Open marks the channel open and fires OnOpen.
func (c *MockChannel) Open() {
	c.mu.Lock()
	if c.closed || c.open {
		c.mu.Unlock()
		return
	}
	c.open = true
	onOpen := c.onOpen
	c.mu.Unlock()
	if onOpen != nil {
		onOpen()
	}
}

// Receive delivers an inbound payload as the remote side would.
func (c *MockChannel) Receive(data []byte) {
	c.mu.Lock()
	onMessage := c.onMessage
	c.mu.Unlock()
	if onMessage != nil {
		onMessage(data)
	}
}

// Sent returns every outbound payload so far.
func (c *MockChannel) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}
