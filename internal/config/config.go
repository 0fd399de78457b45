package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the realtime voice gateway.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	LogLevel                 string
	LogPretty                bool

	AllowAnyOrigin bool

	TokenURL             string
	BaseURL              string
	SessionsURL          string
	Model                string
	Voice                string
	Instructions         string
	InputAudioFormat     string
	OutputAudioFormat    string
	VADEnabled           bool
	VADThreshold         float64
	VADSilenceMS         int
	ICEServers           []string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	ConnectTimeout       time.Duration

	// AudioSource is "silence" or a path to an Ogg/Opus file.
	AudioSource  string
	AudioSinkDir string

	OpenAIAPIKey string

	DatabaseURL        string
	RedisURL           string
	RedisChannelPrefix string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "rtvoice"),
		LogLevel:         envOrDefault("APP_LOG_LEVEL", "info"),
		AllowAnyOrigin:   false,
		// Empty means the gateway's own broker endpoint is used.
		TokenURL:          stringsTrimSpace("REALTIME_TOKEN_URL"),
		BaseURL:           envOrDefault("REALTIME_BASE_URL", "https://api.openai.com/v1/realtime"),
		SessionsURL:       envOrDefault("REALTIME_SESSIONS_URL", "https://api.openai.com/v1/realtime/sessions"),
		Model:             envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		Voice:             envOrDefault("REALTIME_VOICE", "alloy"),
		Instructions:      stringsTrimSpace("REALTIME_INSTRUCTIONS"),
		InputAudioFormat:  envOrDefault("REALTIME_INPUT_AUDIO_FORMAT", "pcm16"),
		OutputAudioFormat: envOrDefault("REALTIME_OUTPUT_AUDIO_FORMAT", "pcm16"),
		VADEnabled:        true,
		VADThreshold:      0.5,
		VADSilenceMS:      500,
		ICEServers:        listFromEnv("REALTIME_ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}),
		AutoReconnect:     true,
		// Attempts after the first failure; backoff doubles from base up to cap.
		MaxReconnectAttempts:     3,
		ReconnectBase:            time.Second,
		ReconnectCap:             10 * time.Second,
		ConnectTimeout:           10 * time.Second,
		AudioSource:              envOrDefault("REALTIME_AUDIO_SOURCE", "silence"),
		AudioSinkDir:             stringsTrimSpace("REALTIME_AUDIO_SINK_DIR"),
		OpenAIAPIKey:             stringsTrimSpace("OPENAI_API_KEY"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		RedisURL:                 stringsTrimSpace("REDIS_URL"),
		RedisChannelPrefix:       envOrDefault("REDIS_CHANNEL_PREFIX", "rtvoice"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogPretty, err = boolFromEnv("APP_LOG_PRETTY", cfg.LogPretty)
	if err != nil {
		return Config{}, err
	}

	cfg.VADEnabled, err = boolFromEnv("REALTIME_VAD_ENABLED", cfg.VADEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.VADThreshold, err = floatFromEnv("REALTIME_VAD_THRESHOLD", cfg.VADThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.VADSilenceMS, err = intFromEnv("REALTIME_VAD_SILENCE_MS", cfg.VADSilenceMS)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoReconnect, err = boolFromEnv("REALTIME_AUTO_RECONNECT", cfg.AutoReconnect)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxReconnectAttempts, err = intFromEnv("REALTIME_MAX_RECONNECT_ATTEMPTS", cfg.MaxReconnectAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectBase, err = durationFromEnv("REALTIME_RECONNECT_BASE", cfg.ReconnectBase)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectCap, err = durationFromEnv("REALTIME_RECONNECT_CAP", cfg.ReconnectCap)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectTimeout, err = durationFromEnv("REALTIME_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.VADThreshold < 0 || cfg.VADThreshold > 1 {
		return Config{}, fmt.Errorf("REALTIME_VAD_THRESHOLD must be within [0,1]")
	}
	if cfg.VADSilenceMS <= 0 {
		return Config{}, fmt.Errorf("REALTIME_VAD_SILENCE_MS must be positive")
	}
	if cfg.MaxReconnectAttempts <= 0 {
		return Config{}, fmt.Errorf("REALTIME_MAX_RECONNECT_ATTEMPTS must be positive")
	}
	if cfg.ReconnectBase <= 0 {
		return Config{}, fmt.Errorf("REALTIME_RECONNECT_BASE must be positive")
	}
	if cfg.ReconnectCap < cfg.ReconnectBase {
		return Config{}, fmt.Errorf("REALTIME_RECONNECT_CAP must be >= REALTIME_RECONNECT_BASE")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("REALTIME_CONNECT_TIMEOUT must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func listFromEnv(key string, fallback []string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
