package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeErrorType classifies error-typed inbound events whose
// cause is transient on the remote side.
func IsRetryableRealtimeErrorType(errorType string) bool {
	switch errorType {
	case "rate_limit_exceeded", "server_error", "resource_exhausted":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Backoff is a reusable base/cap pair for ExponentialBackoff.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Cap: 10 * time.Second}
}

// Delay returns the wait before the attempt with the given zero-based index.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	capDur := b.Cap
	if capDur < base {
		capDur = base
	}
	return ExponentialBackoff(attempt, base, capDur)
}
