// Package gateway hosts realtime clients on behalf of remote callers. Each
// hosted session owns one realtime.Client; notifications are published to
// the bridge and finished turns are persisted as transcripts.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/rtvoice/internal/audio"
	"github.com/antoniostano/rtvoice/internal/bridge"
	"github.com/antoniostano/rtvoice/internal/connection"
	"github.com/antoniostano/rtvoice/internal/observability"
	"github.com/antoniostano/rtvoice/internal/policy"
	"github.com/antoniostano/rtvoice/internal/realtime"
	"github.com/antoniostano/rtvoice/internal/rtc"
	"github.com/antoniostano/rtvoice/internal/session"
	"github.com/antoniostano/rtvoice/internal/transcript"
	"github.com/antoniostano/rtvoice/internal/usage"
)

const transcriptSaveTimeout = 3 * time.Second

type Options struct {
	Logger      zerolog.Logger
	HTTPClient  *http.Client
	Peers       rtc.PeerFactory
	AudioSource audio.Source
	// SinkDir records assistant audio per session when set.
	SinkDir   string
	Metrics   *observability.Metrics
	Sessions  *session.Manager
	Hub       *bridge.Hub
	Publisher bridge.Publisher
	Store     transcript.Store
	Debug     bool
}

type hosted struct {
	client  *realtime.Client
	session *session.Session
}

type Service struct {
	template realtime.Config
	opts     Options
	log      zerolog.Logger

	mu    sync.Mutex
	hosts map[string]*hosted
}

func New(template realtime.Config, opts Options) (*Service, error) {
	if _, err := realtime.NormalizeConfig(template); err != nil {
		return nil, err
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager(0)
	}
	if opts.Hub == nil {
		opts.Hub = bridge.NewHub(opts.Metrics)
	}
	s := &Service{
		template: template,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "gateway").Logger(),
		hosts:    make(map[string]*hosted),
	}
	opts.Sessions.SetExpireHook(func(sess *session.Session) {
		s.log.Info().Str("session_id", sess.ID).Msg("session expired after inactivity")
		s.finish(context.Background(), sess.ID)
	})
	return s, nil
}

func (s *Service) Sessions() *session.Manager { return s.opts.Sessions }
func (s *Service) Hub() *bridge.Hub           { return s.opts.Hub }
func (s *Service) Store() transcript.Store    { return s.opts.Store }

// Open creates a hosted session and connects it. A session whose first
// connect failed but is still reconnecting is returned alongside the error;
// otherwise a failed session is ended and only the error is returned.
func (s *Service) Open(ctx context.Context, req session.CreateRequest) (*session.Session, error) {
	cfg := s.template
	if v := strings.TrimSpace(req.Model); v != "" {
		cfg.Model = v
	}
	if v := strings.TrimSpace(req.Voice); v != "" {
		cfg.Voice = v
	}
	if v := strings.TrimSpace(req.Instructions); v != "" {
		cfg.Instructions = v
	}
	cfg, err := realtime.NormalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = "anonymous"
	}

	sess := s.opts.Sessions.Create(userID, cfg.Model, cfg.Voice)
	log := s.log.With().Str("session_id", sess.ID).Logger()

	var pub bridge.Publisher = s.opts.Hub
	if s.opts.Publisher != nil {
		pub = bridge.Multi{s.opts.Hub, s.opts.Publisher}
	}
	own := realtime.Callbacks{
		OnStateChange: func(c connection.Change) {
			_ = s.opts.Sessions.SetConnectionState(sess.ID, string(c.To))
		},
		OnMessage: func(m realtime.Message) {
			_ = s.opts.Sessions.Touch(sess.ID)
			s.saveTurnBestEffort(sess, m)
		},
	}

	var sinks audio.SinkFactory
	if s.opts.SinkDir != "" {
		sinks = audio.DirSinkFactory(s.opts.SinkDir, sess.ID)
	}
	client, err := realtime.New(cfg, realtime.Options{
		Logger:      log,
		HTTPClient:  s.opts.HTTPClient,
		Peers:       s.opts.Peers,
		AudioSource: s.opts.AudioSource,
		Sinks:       sinks,
		Metrics:     s.opts.Metrics,
		Callbacks:   bridge.Chain(own, bridge.Forward(sess.ID, pub, s.opts.Debug, log)),
	})
	if err != nil {
		_, _ = s.opts.Sessions.End(sess.ID)
		return nil, err
	}

	s.mu.Lock()
	s.hosts[sess.ID] = &hosted{client: client, session: sess}
	s.mu.Unlock()
	s.observeActive()

	if err := client.Connect(ctx); err != nil {
		if client.State() == connection.StateReconnecting {
			current, _ := s.opts.Sessions.Get(sess.ID)
			return current, err
		}
		s.finish(context.Background(), sess.ID)
		return nil, err
	}
	current, err := s.opts.Sessions.Get(sess.ID)
	if err != nil {
		return nil, err
	}
	log.Info().Str("model", cfg.Model).Str("voice", cfg.Voice).Msg("hosted session connected")
	return current, nil
}

func (s *Service) host(id string) (*hosted, error) {
	s.mu.Lock()
	h, ok := s.hosts[id]
	s.mu.Unlock()
	if !ok {
		if _, err := s.opts.Sessions.Get(id); err == nil {
			return nil, session.ErrEnded
		}
		return nil, session.ErrNotFound
	}
	_ = s.opts.Sessions.Touch(id)
	return h, nil
}

func (s *Service) Get(id string) (*session.Session, error) {
	return s.opts.Sessions.Get(id)
}

func (s *Service) SendText(id, text string) error {
	h, err := s.host(id)
	if err != nil {
		return err
	}
	return h.client.SendText(text)
}

// AppendAudio forwards raw input audio in the session's input format.
func (s *Service) AppendAudio(id string, data []byte) error {
	h, err := s.host(id)
	if err != nil {
		return err
	}
	return h.client.AppendAudio(data)
}

// SendEvent relays a raw client event to the session's data channel.
func (s *Service) SendEvent(id string, raw []byte) error {
	h, err := s.host(id)
	if err != nil {
		return err
	}
	return h.client.SendEvent(raw)
}

func (s *Service) CommitAudio(id string) error {
	h, err := s.host(id)
	if err != nil {
		return err
	}
	if err := h.client.CommitAudio(); err != nil {
		return err
	}
	if h.client.Config().VAD.Enabled {
		return nil
	}
	// Without server VAD nothing else asks for a response.
	return h.client.RequestResponse()
}

func (s *Service) ClearAudio(id string) error {
	h, err := s.host(id)
	if err != nil {
		return err
	}
	return h.client.ClearAudio()
}

func (s *Service) UpdateConfig(id string, patch realtime.ConfigPatch) (realtime.Config, error) {
	h, err := s.host(id)
	if err != nil {
		return realtime.Config{}, err
	}
	if err := h.client.UpdateConfig(patch); err != nil {
		return realtime.Config{}, err
	}
	return h.client.Config(), nil
}

func (s *Service) Usage(id string) (usage.Metrics, error) {
	h, err := s.host(id)
	if err != nil {
		return usage.Metrics{}, err
	}
	return h.client.Usage(), nil
}

func (s *Service) Messages(id string) ([]realtime.Message, error) {
	h, err := s.host(id)
	if err != nil {
		return nil, err
	}
	return h.client.Messages(), nil
}

func (s *Service) ClearMessages(id string) error {
	h, err := s.host(id)
	if err != nil {
		return err
	}
	h.client.ClearMessages()
	return nil
}

// End disconnects the session's client, writes its summary and ends it.
func (s *Service) End(ctx context.Context, id string) (*session.Session, error) {
	if _, err := s.opts.Sessions.Get(id); err != nil {
		return nil, err
	}
	s.finish(ctx, id)
	sess, err := s.opts.Sessions.Get(id)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Service) finish(ctx context.Context, id string) {
	s.mu.Lock()
	h, ok := s.hosts[id]
	delete(s.hosts, id)
	s.mu.Unlock()

	if ok {
		_ = h.client.Dispose()
		s.saveSummary(ctx, h)
	}
	if _, err := s.opts.Sessions.End(id); err != nil && !errors.Is(err, session.ErrEnded) {
		s.log.Debug().Err(err).Str("session_id", id).Msg("end session")
	}
	s.opts.Hub.Close(id)
	s.observeActive()
}

// Shutdown ends every hosted session.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.hosts))
	for id := range s.hosts {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.finish(ctx, id)
	}
}

func (s *Service) observeActive() {
	if s.opts.Metrics == nil {
		return
	}
	s.mu.Lock()
	n := len(s.hosts)
	s.mu.Unlock()
	s.opts.Metrics.ActiveSessions.Set(float64(n))
}

func (s *Service) saveTurnBestEffort(sess *session.Session, m realtime.Message) {
	if s.opts.Store == nil {
		return
	}
	content, changed := policy.RedactPII(m.Text)
	record := transcript.TurnRecord{
		UserID:      sess.UserID,
		SessionID:   sess.ID,
		MessageID:   m.ID,
		Role:        string(m.Role),
		Content:     content,
		PIIRedacted: changed,
		CreatedAt:   m.Timestamp,
	}
	if m.Audio != nil {
		record.AudioMS = m.Audio.DurationMS
	}
	go func(r transcript.TurnRecord) {
		saveCtx, cancel := context.WithTimeout(context.Background(), transcriptSaveTimeout)
		defer cancel()
		if err := s.opts.Store.SaveTurn(saveCtx, r); err != nil {
			s.log.Warn().Err(err).Str("session_id", r.SessionID).Msg("transcript save failed")
		}
	}(record)
}

func (s *Service) saveSummary(ctx context.Context, h *hosted) {
	if s.opts.Store == nil {
		return
	}
	m := h.client.Usage()
	cfg := h.client.Config()
	sum := transcript.SessionSummary{
		SessionID:          h.session.ID,
		UserID:             h.session.UserID,
		Model:              cfg.Model,
		Voice:              cfg.Voice,
		AudioInputSeconds:  m.AudioInputSeconds,
		AudioOutputSeconds: m.AudioOutputSeconds,
		TextInputTokens:    m.TextInputTokens,
		TextOutputTokens:   m.TextOutputTokens,
		TotalCostUSD:       m.TotalCost,
		Turns:              len(h.client.Messages()),
		StartedAt:          h.session.StartedAt,
		EndedAt:            time.Now().UTC(),
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), transcriptSaveTimeout)
	defer cancel()
	if err := s.opts.Store.SaveSummary(saveCtx, sum); err != nil {
		s.log.Warn().Err(err).Str("session_id", sum.SessionID).Msg("session summary save failed")
	}
}
