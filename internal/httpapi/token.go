package httpapi

import (
	"net/http"
	"strings"

	"github.com/antoniostano/rtvoice/internal/credential"
	"github.com/antoniostano/rtvoice/internal/realtime"
)

type clientSecret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

type tokenResponse struct {
	ClientSecret clientSecret `json:"client_secret"`
}

// handleToken mints an ephemeral credential for the requested model. It
// is the endpoint realtime clients are configured to fetch from.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.minter.Enabled() {
		respondError(w, http.StatusServiceUnavailable, "token_broker_disabled", "OPENAI_API_KEY is not configured")
		return
	}
	q := r.URL.Query()
	model := strings.TrimSpace(q.Get("model"))
	if model == "" {
		model = s.cfg.Model
	}
	if model == "" {
		model = realtime.DefaultModel
	}
	voice := strings.TrimSpace(q.Get("voice"))
	if voice == "" {
		voice = s.cfg.Voice
	}

	cred, err := s.minter.Mint(r.Context(), credential.MintRequest{
		Model:        model,
		Voice:        voice,
		Instructions: s.cfg.Instructions,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("model", model).Msg("token mint failed")
		respondErr(w, err)
		return
	}
	var expires int64
	if !cred.ExpiresAt.IsZero() {
		expires = cred.ExpiresAt.Unix()
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, tokenResponse{ClientSecret: clientSecret{Value: cred.Value, ExpiresAt: expires}})
}
