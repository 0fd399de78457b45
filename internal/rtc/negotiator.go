package rtc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/rtvoice/internal/audio"
	"github.com/antoniostano/rtvoice/internal/credential"
	"github.com/antoniostano/rtvoice/internal/rterr"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1/realtime"
	DefaultTimeout = 10 * time.Second

	maxAnswerBytes = 1 << 20
)

// Constraints parameterize one negotiation attempt.
type Constraints struct {
	Model      string
	ICEServers []string
	Timeout    time.Duration
	Audio      audio.Constraints
	// OnRemoteTrack is installed before the offer so early tracks are seen.
	OnRemoteTrack func(audio.RemoteTrack)
}

// Negotiator performs offer/answer against the realtime endpoint.
type Negotiator struct {
	baseURL  string
	client   *http.Client
	peers    PeerFactory
	pipeline *audio.Pipeline
	log      zerolog.Logger
	now      func() time.Time
}

func NewNegotiator(baseURL string, client *http.Client, peers PeerFactory, pipeline *audio.Pipeline, log zerolog.Logger) *Negotiator {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	if peers == nil {
		peers = PionFactory{}
	}
	return &Negotiator{
		baseURL:  baseURL,
		client:   client,
		peers:    peers,
		pipeline: pipeline,
		log:      log.With().Str("component", "negotiator").Logger(),
		now:      time.Now,
	}
}

// Negotiate establishes a peer session bounded by c.Timeout. Everything
// created along the way is released on failure.
func (n *Negotiator) Negotiate(ctx context.Context, cred credential.Credential, c Constraints) (*PeerSession, error) {
	if strings.TrimSpace(cred.Value) == "" {
		return nil, rterr.Negotiation(0, "missing credential", nil)
	}
	if cred.Expired(n.now()) {
		// A fresh credential is fetched on the next attempt.
		return nil, rterr.Negotiation(0, "credential expired before negotiation", nil)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	session, err := n.negotiate(ctx, cred, c)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = rterr.NegotiationTimeout("no answer within " + timeout.String())
		}
		n.log.Debug().Err(err).Dur("took", time.Since(started)).Msg("negotiation failed")
		return nil, err
	}
	n.log.Debug().Dur("took", time.Since(started)).Msg("negotiation complete")
	return session, nil
}

func (n *Negotiator) negotiate(ctx context.Context, cred credential.Credential, c Constraints) (_ *PeerSession, err error) {
	var (
		capture audio.Capture
		peer    Peer
		channel DataChannel
	)
	defer func() {
		if err == nil {
			return
		}
		if channel != nil {
			_ = channel.Close()
		}
		if peer != nil {
			_ = peer.Close()
		}
		if capture != nil && n.pipeline != nil {
			n.pipeline.ReleaseCapture(capture)
		}
	}()

	if n.pipeline != nil {
		capture, err = n.pipeline.AcquireLocalAudio(ctx, c.Audio)
		if err != nil {
			return nil, err
		}
	}

	peer, err = n.peers.NewPeer(c.ICEServers)
	if err != nil {
		return nil, rterr.Negotiation(0, "create peer", err)
	}
	if c.OnRemoteTrack != nil {
		peer.OnRemoteTrack(c.OnRemoteTrack)
	}
	if capture != nil {
		if err = peer.AddAudioTrack(capture.Track()); err != nil {
			return nil, rterr.Negotiation(0, "attach local audio", err)
		}
	}

	channel, err = peer.CreateDataChannel(EventsChannelLabel)
	if err != nil {
		return nil, rterr.Negotiation(0, "create data channel", err)
	}
	opened := make(chan struct{})
	var openOnce sync.Once
	channel.OnOpen(func() { openOnce.Do(func() { close(opened) }) })

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		return nil, wrapNegotiation(ctx, "create offer", err)
	}
	answer, err := n.exchange(ctx, cred, c.Model, offer)
	if err != nil {
		return nil, err
	}
	if err = peer.SetAnswer(answer); err != nil {
		return nil, rterr.Negotiation(0, "apply remote answer", err)
	}

	if !channel.IsOpen() {
		select {
		case <-opened:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &PeerSession{Peer: peer, Channel: channel, Capture: capture}, nil
}

// exchange posts the offer SDP and returns the answer SDP.
func (n *Negotiator) exchange(ctx context.Context, cred credential.Credential, model, offer string) (string, error) {
	endpoint, err := url.Parse(n.baseURL)
	if err != nil {
		return "", rterr.Negotiation(0, "invalid negotiation url", err)
	}
	if model = strings.TrimSpace(model); model != "" {
		q := endpoint.Query()
		q.Set("model", model)
		endpoint.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(offer))
	if err != nil {
		return "", rterr.Negotiation(0, "create sdp request", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Value)
	req.Header.Set("Content-Type", "application/sdp")

	res, err := n.client.Do(req)
	if err != nil {
		return "", wrapNegotiation(ctx, "sdp exchange", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxAnswerBytes))
	if err != nil {
		return "", wrapNegotiation(ctx, "read answer", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", rterr.Negotiation(res.StatusCode, strings.TrimSpace(string(body)), nil)
	}
	answer := string(body)
	if strings.TrimSpace(answer) == "" {
		return "", rterr.Negotiation(res.StatusCode, "empty answer sdp", nil)
	}
	return answer, nil
}

func wrapNegotiation(ctx context.Context, detail string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return rterr.Negotiation(0, detail, err)
}
