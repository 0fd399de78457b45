package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/rtvoice/internal/rterr"
)

const DefaultSessionsURL = "https://api.openai.com/v1/realtime/sessions"

// MintRequest describes the session a minted credential is scoped to.
type MintRequest struct {
	Model        string `json:"model,omitempty"`
	Voice        string `json:"voice,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Minter exchanges the long-lived API key for an ephemeral credential.
// It backs the token endpoint that Fetcher consumes.
type Minter struct {
	url    string
	apiKey string
	client *http.Client
	log    zerolog.Logger
}

func NewMinter(sessionsURL, apiKey string, client *http.Client, log zerolog.Logger) *Minter {
	sessionsURL = strings.TrimSpace(sessionsURL)
	if sessionsURL == "" {
		sessionsURL = DefaultSessionsURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Minter{
		url:    sessionsURL,
		apiKey: strings.TrimSpace(apiKey),
		client: client,
		log:    log.With().Str("component", "credential_minter").Logger(),
	}
}

// Enabled reports whether an API key is configured.
func (m *Minter) Enabled() bool {
	return m != nil && m.apiKey != ""
}

func (m *Minter) Mint(ctx context.Context, req MintRequest) (Credential, error) {
	if !m.Enabled() {
		return Credential{}, rterr.Config("api key is not configured")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Credential{}, fmt.Errorf("marshal mint request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(payload))
	if err != nil {
		return Credential{}, rterr.Credential(0, "create mint request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := m.client.Do(httpReq)
	if err != nil {
		return Credential{}, rterr.Credential(0, "sessions endpoint unreachable", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		m.log.Warn().Int("status", res.StatusCode).Str("model", req.Model).Msg("mint rejected")
		return Credential{}, rterr.Credential(res.StatusCode, strings.TrimSpace(string(body)), nil)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Credential{}, rterr.Credential(res.StatusCode, "read mint response", err)
	}
	cred, err := parseTokenResponse(body)
	if err != nil {
		return Credential{}, rterr.Credential(res.StatusCode, "malformed mint response", err)
	}
	m.log.Debug().Str("model", req.Model).Time("expires_at", cred.ExpiresAt).Msg("credential minted")
	return cred, nil
}
