package realtime

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/antoniostano/rtvoice/internal/audio"
	"github.com/antoniostano/rtvoice/internal/connection"
	"github.com/antoniostano/rtvoice/internal/protocol"
	"github.com/antoniostano/rtvoice/internal/reliability"
	"github.com/antoniostano/rtvoice/internal/rterr"
	"github.com/antoniostano/rtvoice/internal/rtc"
	"github.com/antoniostano/rtvoice/internal/usage"
)

const (
	DefaultModel              = "gpt-4o-realtime-preview"
	DefaultVoice              = "alloy"
	DefaultTranscriptionModel = "whisper-1"
	DefaultICEServer          = "stun:stun.l.google.com:19302"
)

// Voices lists the named voices the endpoint accepts.
var Voices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse", "marin", "cedar"}

type VAD struct {
	Enabled           bool    `json:"enabled"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

// Config is the full connection configuration. Build one with
// DefaultConfig and pass it through NormalizeConfig.
type Config struct {
	TokenURL             string        `json:"token_url"`
	BaseURL              string        `json:"base_url"`
	Model                string        `json:"model"`
	Voice                string        `json:"voice"`
	Instructions         string        `json:"instructions,omitempty"`
	InputAudioFormat     audio.Format  `json:"input_audio_format"`
	OutputAudioFormat    audio.Format  `json:"output_audio_format"`
	VAD                  VAD           `json:"vad"`
	TranscriptionModel   string        `json:"transcription_model,omitempty"`
	ICEServers           []string      `json:"ice_servers"`
	AutoReconnect        bool          `json:"auto_reconnect"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`
	ReconnectBase        time.Duration `json:"reconnect_base"`
	ReconnectCap         time.Duration `json:"reconnect_cap"`
	ConnectTimeout       time.Duration `json:"connect_timeout"`
	Rates                usage.Rates   `json:"rates"`
}

func DefaultConfig(tokenURL string) Config {
	backoff := reliability.DefaultBackoff()
	return Config{
		TokenURL:          tokenURL,
		BaseURL:           rtc.DefaultBaseURL,
		Model:             DefaultModel,
		Voice:             DefaultVoice,
		InputAudioFormat:  audio.FormatPCM16,
		OutputAudioFormat: audio.FormatPCM16,
		VAD: VAD{
			Enabled:           true,
			Threshold:         0.5,
			PrefixPaddingMS:   300,
			SilenceDurationMS: 500,
		},
		TranscriptionModel:   DefaultTranscriptionModel,
		ICEServers:           []string{DefaultICEServer},
		AutoReconnect:        true,
		MaxReconnectAttempts: 3,
		ReconnectBase:        backoff.Base,
		ReconnectCap:         backoff.Cap,
		ConnectTimeout:       rtc.DefaultTimeout,
		Rates:                usage.DefaultRates(),
	}
}

// NormalizeConfig validates c and fills every unset field. It is pure.
func NormalizeConfig(c Config) (Config, error) {
	out := c
	out.ICEServers = slices.Clone(c.ICEServers)

	out.TokenURL = strings.TrimSpace(out.TokenURL)
	if out.TokenURL == "" {
		return Config{}, rterr.Config("token endpoint url is required")
	}
	if err := validateHTTPURL(out.TokenURL); err != nil {
		return Config{}, rterr.Config("token endpoint url: " + err.Error())
	}
	out.BaseURL = strings.TrimSpace(out.BaseURL)
	if out.BaseURL == "" {
		out.BaseURL = rtc.DefaultBaseURL
	}
	if err := validateHTTPURL(out.BaseURL); err != nil {
		return Config{}, rterr.Config("negotiation url: " + err.Error())
	}

	out.Model = strings.TrimSpace(out.Model)
	if out.Model == "" {
		out.Model = DefaultModel
	}
	out.Voice = strings.ToLower(strings.TrimSpace(out.Voice))
	if out.Voice == "" {
		out.Voice = DefaultVoice
	}
	if !slices.Contains(Voices, out.Voice) {
		return Config{}, rterr.Config(fmt.Sprintf("unsupported voice %q", c.Voice))
	}
	out.Instructions = strings.TrimSpace(out.Instructions)

	var err error
	if out.InputAudioFormat, err = audio.ParseFormat(string(out.InputAudioFormat)); err != nil {
		return Config{}, rterr.Config("input " + err.Error())
	}
	if out.OutputAudioFormat, err = audio.ParseFormat(string(out.OutputAudioFormat)); err != nil {
		return Config{}, rterr.Config("output " + err.Error())
	}

	if out.VAD.Threshold == 0 {
		out.VAD.Threshold = 0.5
	}
	if out.VAD.Threshold < 0 || out.VAD.Threshold > 1 {
		return Config{}, rterr.Config("vad threshold must be within [0,1]")
	}
	if out.VAD.PrefixPaddingMS < 0 || out.VAD.SilenceDurationMS < 0 {
		return Config{}, rterr.Config("vad durations must not be negative")
	}
	if out.VAD.PrefixPaddingMS == 0 {
		out.VAD.PrefixPaddingMS = 300
	}
	if out.VAD.SilenceDurationMS == 0 {
		out.VAD.SilenceDurationMS = 500
	}
	out.TranscriptionModel = strings.TrimSpace(out.TranscriptionModel)

	servers := out.ICEServers[:0]
	for _, s := range out.ICEServers {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	out.ICEServers = servers
	if len(out.ICEServers) == 0 {
		out.ICEServers = []string{DefaultICEServer}
	}

	if out.MaxReconnectAttempts < 0 {
		return Config{}, rterr.Config("max reconnect attempts must not be negative")
	}
	if out.MaxReconnectAttempts == 0 {
		out.MaxReconnectAttempts = 3
	}
	def := reliability.DefaultBackoff()
	if out.ReconnectBase <= 0 {
		out.ReconnectBase = def.Base
	}
	if out.ReconnectCap <= 0 {
		out.ReconnectCap = def.Cap
	}
	if out.ReconnectCap < out.ReconnectBase {
		out.ReconnectCap = out.ReconnectBase
	}
	if out.ConnectTimeout < 0 {
		return Config{}, rterr.Config("connect timeout must not be negative")
	}
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = rtc.DefaultTimeout
	}
	if out.Rates == (usage.Rates{}) {
		out.Rates = usage.DefaultRates()
	}
	return out, nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// ConfigPatch is a partial live update. Nil fields are left unchanged.
type ConfigPatch struct {
	Voice                *string       `json:"voice,omitempty"`
	Instructions         *string       `json:"instructions,omitempty"`
	InputAudioFormat     *audio.Format `json:"input_audio_format,omitempty"`
	OutputAudioFormat    *audio.Format `json:"output_audio_format,omitempty"`
	VADEnabled           *bool         `json:"vad_enabled,omitempty"`
	VADThreshold         *float64      `json:"vad_threshold,omitempty"`
	VADSilenceMS         *int          `json:"vad_silence_ms,omitempty"`
	VADPrefixPaddingMS   *int          `json:"vad_prefix_padding_ms,omitempty"`
	TranscriptionModel   *string       `json:"transcription_model,omitempty"`
	ICEServers           []string      `json:"ice_servers,omitempty"`
	AutoReconnect        *bool         `json:"auto_reconnect,omitempty"`
	MaxReconnectAttempts *int          `json:"max_reconnect_attempts,omitempty"`
	ConnectTimeoutMS     *int          `json:"connect_timeout_ms,omitempty"`
}

// Apply returns c with p merged in. The result still needs NormalizeConfig.
func (c Config) Apply(p ConfigPatch) Config {
	out := c
	out.ICEServers = slices.Clone(c.ICEServers)
	if p.Voice != nil {
		out.Voice = *p.Voice
	}
	if p.Instructions != nil {
		out.Instructions = *p.Instructions
	}
	if p.InputAudioFormat != nil {
		out.InputAudioFormat = *p.InputAudioFormat
	}
	if p.OutputAudioFormat != nil {
		out.OutputAudioFormat = *p.OutputAudioFormat
	}
	if p.VADEnabled != nil {
		out.VAD.Enabled = *p.VADEnabled
	}
	if p.VADThreshold != nil {
		out.VAD.Threshold = *p.VADThreshold
	}
	if p.VADSilenceMS != nil {
		out.VAD.SilenceDurationMS = *p.VADSilenceMS
	}
	if p.VADPrefixPaddingMS != nil {
		out.VAD.PrefixPaddingMS = *p.VADPrefixPaddingMS
	}
	if p.TranscriptionModel != nil {
		out.TranscriptionModel = *p.TranscriptionModel
	}
	if p.ICEServers != nil {
		out.ICEServers = slices.Clone(p.ICEServers)
	}
	if p.AutoReconnect != nil {
		out.AutoReconnect = *p.AutoReconnect
	}
	if p.MaxReconnectAttempts != nil {
		out.MaxReconnectAttempts = *p.MaxReconnectAttempts
	}
	if p.ConnectTimeoutMS != nil {
		out.ConnectTimeout = time.Duration(*p.ConnectTimeoutMS) * time.Millisecond
	}
	return out
}

// SessionConfig is the session.update payload for c.
func (c Config) SessionConfig() protocol.SessionConfig {
	sc := protocol.SessionConfig{
		Modalities:        []string{"text", "audio"},
		Instructions:      c.Instructions,
		Voice:             c.Voice,
		InputAudioFormat:  string(c.InputAudioFormat),
		OutputAudioFormat: string(c.OutputAudioFormat),
	}
	if c.TranscriptionModel != "" {
		sc.InputAudioTranscription = &protocol.InputTranscription{Model: c.TranscriptionModel}
	}
	if c.VAD.Enabled {
		sc.TurnDetection = &protocol.TurnDetection{
			Type:              "server_vad",
			Threshold:         c.VAD.Threshold,
			PrefixPaddingMS:   c.VAD.PrefixPaddingMS,
			SilenceDurationMS: c.VAD.SilenceDurationMS,
		}
	}
	return sc
}

func (c Config) policy() connection.Policy {
	return connection.Policy{
		AutoReconnect: c.AutoReconnect,
		MaxAttempts:   c.MaxReconnectAttempts,
		Backoff:       reliability.Backoff{Base: c.ReconnectBase, Cap: c.ReconnectCap},
	}
}
