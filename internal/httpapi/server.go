package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/rtvoice/internal/config"
	"github.com/antoniostano/rtvoice/internal/credential"
	"github.com/antoniostano/rtvoice/internal/gateway"
	"github.com/antoniostano/rtvoice/internal/observability"
	"github.com/antoniostano/rtvoice/internal/rterr"
	"github.com/antoniostano/rtvoice/internal/session"
	"github.com/antoniostano/rtvoice/internal/transcript"
)

type Server struct {
	cfg      config.Config
	gateway  *gateway.Service
	minter   *credential.Minter
	metrics  *observability.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, gw *gateway.Service, minter *credential.Minter, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		gateway: gw,
		minter:  minter,
		metrics: metrics,
		log:     log.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only attach to a session stream from the same origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/realtime", func(r chi.Router) {
		r.Get("/token", s.handleToken)
		r.Get("/voices", s.handleListVoices)
		r.Post("/session", s.handleCreateSession)
		r.Get("/session/ws", s.handleSessionWS)
		r.Route("/session/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/text", s.handleSendText)
			r.Patch("/config", s.handleUpdateConfig)
			r.Get("/usage", s.handleUsage)
			r.Get("/messages", s.handleMessages)
			r.Delete("/messages", s.handleClearMessages)
			r.Get("/messages/{messageID}/audio.wav", s.handleMessageAudio)
			r.Get("/transcript", s.handleTranscript)
			r.Post("/end", s.handleEndSession)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"token_broker":     s.minter.Enabled(),
		"transcript_store": s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	active := 0
	if s.gateway != nil {
		active = s.gateway.Sessions().ActiveCount()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ready",
		"active_sessions":  active,
		"transcript_store": s.storeMode(),
	})
}

func (s *Server) storeMode() string {
	if s.gateway == nil {
		return "disabled"
	}
	return transcript.StoreMode(s.gateway.Store())
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondErr maps domain errors to statuses; the body carries the
// user-facing message, never the internal diagnostic.
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	case errors.Is(err, session.ErrEnded):
		respondError(w, http.StatusGone, "session_ended", err.Error())
		return
	}
	kind := rterr.KindOf(err)
	code := string(kind)
	if code == "" {
		code = "internal"
	}
	respondJSON(w, statusForKind(kind), errorResponse{
		Error:     rterr.UserMessage(err),
		Code:      code,
		Retryable: rterr.IsRetryable(err),
	})
}

func statusForKind(k rterr.Kind) int {
	switch k {
	case rterr.KindConfig:
		return http.StatusBadRequest
	case rterr.KindNotConnected:
		return http.StatusConflict
	case rterr.KindCredential, rterr.KindNegotiation, rterr.KindRemote, rterr.KindProtocol:
		return http.StatusBadGateway
	case rterr.KindNegotiationTimeout:
		return http.StatusGatewayTimeout
	case rterr.KindPermission, rterr.KindDevice:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
