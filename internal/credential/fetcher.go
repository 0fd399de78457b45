package credential

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/rtvoice/internal/rterr"
)

const maxErrorBody = 4 << 10

// Fetcher performs exactly one GET against the token endpoint per call.
// Retries belong to the connection state machine.
type Fetcher struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

func NewFetcher(tokenURL string, client *http.Client, log zerolog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{
		url:    strings.TrimSpace(tokenURL),
		client: client,
		log:    log.With().Str("component", "credential").Logger(),
	}
}

// Fetch returns a fresh credential. model, when set, is forwarded as ?model=.
func (f *Fetcher) Fetch(ctx context.Context, model string) (Credential, error) {
	if f.url == "" {
		return Credential{}, rterr.Config("token endpoint url is required")
	}
	endpoint, err := url.Parse(f.url)
	if err != nil {
		return Credential{}, rterr.Credential(0, "invalid token endpoint url", err)
	}
	if model = strings.TrimSpace(model); model != "" {
		q := endpoint.Query()
		q.Set("model", model)
		endpoint.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return Credential{}, rterr.Credential(0, "create token request", err)
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	res, err := f.client.Do(req)
	if err != nil {
		return Credential{}, rterr.Credential(0, "token endpoint unreachable", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		f.log.Debug().Int("status", res.StatusCode).Dur("took", time.Since(started)).Msg("token request rejected")
		return Credential{}, rterr.Credential(res.StatusCode, strings.TrimSpace(string(body)), nil)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Credential{}, rterr.Credential(res.StatusCode, "read token response", err)
	}
	cred, err := parseTokenResponse(body)
	if err != nil {
		return Credential{}, rterr.Credential(res.StatusCode, "malformed token response", err)
	}
	f.log.Debug().
		Dur("took", time.Since(started)).
		Time("expires_at", cred.ExpiresAt).
		Msg("credential fetched")
	return cred, nil
}
