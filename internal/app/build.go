package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/rtvoice/internal/audio"
	"github.com/antoniostano/rtvoice/internal/bridge"
	"github.com/antoniostano/rtvoice/internal/config"
	"github.com/antoniostano/rtvoice/internal/credential"
	"github.com/antoniostano/rtvoice/internal/gateway"
	"github.com/antoniostano/rtvoice/internal/httpapi"
	"github.com/antoniostano/rtvoice/internal/logging"
	"github.com/antoniostano/rtvoice/internal/observability"
	"github.com/antoniostano/rtvoice/internal/realtime"
	"github.com/antoniostano/rtvoice/internal/rtc"
	"github.com/antoniostano/rtvoice/internal/session"
	"github.com/antoniostano/rtvoice/internal/transcript"
)

const janitorInterval = 5 * time.Second

type BuildResult struct {
	Config   config.Config
	Realtime realtime.Config
	API      *httpapi.Server
	Gateway  *gateway.Service
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Logger   zerolog.Logger

	// Cleanup should be called on shutdown to end hosted sessions and release external resources (DB, Redis).
	Cleanup func(ctx context.Context) error
}

// Build wires the gateway from environment configuration. The janitor runs
// until ctx is cancelled.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	httpClient := &http.Client{Timeout: 30 * time.Second}

	rtCfg, err := realtime.NormalizeConfig(RealtimeConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("realtime config: %w", err)
	}

	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	var publisher bridge.Publisher
	var redisPub *bridge.RedisPublisher
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisPub, err = bridge.NewRedisPublisher(bridge.RedisConfig{
			URL:    cfg.RedisURL,
			Prefix: cfg.RedisChannelPrefix,
		}, metrics)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("redis publisher init failed: %w", err)
		}
		publisher = redisPub
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	gw, err := gateway.New(rtCfg, gateway.Options{
		Logger:      log,
		HTTPClient:  httpClient,
		Peers:       rtc.PionFactory{},
		AudioSource: AudioSource(cfg.AudioSource),
		SinkDir:     cfg.AudioSinkDir,
		Metrics:     metrics,
		Sessions:    sessions,
		Publisher:   publisher,
		Store:       store,
		Debug:       logging.ParseLevel(cfg.LogLevel) <= zerolog.DebugLevel,
	})
	if err != nil {
		if redisPub != nil {
			_ = redisPub.Close()
		}
		_ = store.Close()
		return nil, err
	}
	sessions.StartJanitor(ctx, janitorInterval)

	minter := credential.NewMinter(cfg.SessionsURL, cfg.OpenAIAPIKey, httpClient, log)
	if !minter.Enabled() {
		log.Warn().Msg("OPENAI_API_KEY not set; token broker disabled")
	}
	api := httpapi.New(cfg, gw, minter, metrics, log)

	cleanup := func(ctx context.Context) error {
		gw.Shutdown(ctx)
		var errs []string
		if redisPub != nil {
			if err := redisPub.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	log.Info().
		Str("model", rtCfg.Model).
		Str("voice", rtCfg.Voice).
		Str("token_url", rtCfg.TokenURL).
		Str("transcript_store", transcript.StoreMode(store)).
		Bool("redis", redisPub != nil).
		Msg("gateway configured")

	return &BuildResult{
		Config:   cfg,
		Realtime: rtCfg,
		API:      api,
		Gateway:  gw,
		Sessions: sessions,
		Metrics:  metrics,
		Logger:   log,
		Cleanup:  cleanup,
	}, nil
}

// RealtimeConfig maps environment configuration onto a client template.
// An empty token URL points at this process's own broker endpoint.
func RealtimeConfig(cfg config.Config) realtime.Config {
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if tokenURL == "" {
		tokenURL = LocalTokenURL(cfg.BindAddr)
	}
	out := realtime.DefaultConfig(tokenURL)
	out.BaseURL = cfg.BaseURL
	out.Model = cfg.Model
	out.Voice = cfg.Voice
	out.Instructions = cfg.Instructions
	out.InputAudioFormat = audio.Format(cfg.InputAudioFormat)
	out.OutputAudioFormat = audio.Format(cfg.OutputAudioFormat)
	out.VAD.Enabled = cfg.VADEnabled
	out.VAD.Threshold = cfg.VADThreshold
	out.VAD.SilenceDurationMS = cfg.VADSilenceMS
	if len(cfg.ICEServers) > 0 {
		out.ICEServers = append([]string(nil), cfg.ICEServers...)
	}
	out.AutoReconnect = cfg.AutoReconnect
	out.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	out.ReconnectBase = cfg.ReconnectBase
	out.ReconnectCap = cfg.ReconnectCap
	out.ConnectTimeout = cfg.ConnectTimeout
	return out
}

// LocalTokenURL returns the loopback address of the token endpoint served
// on bindAddr.
func LocalTokenURL(bindAddr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(bindAddr))
	if err != nil || port == "" {
		port = "8080"
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/v1/realtime/token"
}

// AudioSource selects silence or looped Ogg/Opus file playback.
func AudioSource(source string) audio.Source {
	source = strings.TrimSpace(source)
	if source == "" || strings.EqualFold(source, "silence") {
		return audio.SilenceSource{}
	}
	return audio.OggSource{Path: source, Loop: true}
}
