// Package credential obtains the short-lived session credential that
// authorizes one negotiation attempt against the realtime endpoint.
package credential

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Credential is an ephemeral bearer secret. It is owned by a single
// connection attempt and is never persisted or logged.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the credential is past its expiry. A zero
// ExpiresAt never expires.
func (c Credential) Expired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt)
}

// String hides the secret from fmt and loggers.
func (c Credential) String() string {
	if c.Value == "" {
		return "credential(empty)"
	}
	return fmt.Sprintf("credential(expires=%s)", c.ExpiresAt.UTC().Format(time.RFC3339))
}

type secretPayload struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

type tokenResponse struct {
	ClientSecret *secretPayload `json:"client_secret"`
	secretPayload
}

// parseTokenResponse accepts {"client_secret":{...}} and the flat
// {"value","expires_at"} shape some brokers return.
func parseTokenResponse(body []byte) (Credential, error) {
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Credential{}, fmt.Errorf("decode token response: %w", err)
	}
	secret := resp.secretPayload
	if resp.ClientSecret != nil {
		secret = *resp.ClientSecret
	}
	value := strings.TrimSpace(secret.Value)
	if value == "" {
		return Credential{}, fmt.Errorf("token response has no client secret value")
	}
	out := Credential{Value: value}
	if secret.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(secret.ExpiresAt, 0)
	}
	return out, nil
}
