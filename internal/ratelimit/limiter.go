// Package ratelimit tracks per-endpoint cooldowns imposed by the upstream
// auth service. The table lives in the coordination backend because a
// cooldown handed to one shard applies to every shard: a sibling retrying
// through it would only make the penalty worse.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"valoqueue/internal/coord"
)

// Exchange is the slice of a completed HTTP round trip the limiter inspects.
// The body is captured separately because the caller has usually already
// drained the response.
type Exchange struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func FromResponse(resp *http.Response, body []byte) Exchange {
	return Exchange{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
}

type Limiter struct {
	log     *slog.Logger
	backend coord.Backend

	// Both in seconds, the unit of the upstream retry-after header.
	backoff int
	cap     int
}

func New(log *slog.Logger, backend coord.Backend, backoffSeconds, capSeconds int) *Limiter {
	if backoffSeconds <= 0 {
		backoffSeconds = 60
	}
	if capSeconds <= 0 {
		capSeconds = 600
	}
	return &Limiter{log: log, backend: backend, backoff: backoffSeconds, cap: capSeconds}
}

// Observe inspects a completed exchange for a rate-limit signal. On signal
// it computes the cooldown, records retry-at for the endpoint (overwriting
// any prior entry) and returns it. Without a signal it returns false.
func (l *Limiter) Observe(ctx context.Context, ex Exchange, endpoint string) (time.Time, bool) {
	if !limited(ex) {
		return time.Time{}, false
	}

	var retryAfter int
	if raw := ex.Header.Get("Retry-After"); raw != "" {
		if sec, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			// One extra second of slack over what upstream asked for.
			retryAfter = sec + 1
			l.log.Info("rate_limited", "endpoint", endpoint, "retry_after_s", sec)
			if retryAfter > l.cap {
				l.log.Info("rate_limit_capped", "endpoint", endpoint, "cap_s", l.cap)
				retryAfter = l.cap
			}
		}
	}
	if retryAfter == 0 {
		retryAfter = l.backoff
		l.log.Info("rate_limited_no_eta", "endpoint", endpoint, "backoff_s", l.backoff)
	}

	retryAt := time.Now().Add(time.Duration(retryAfter) * time.Second)
	if err := l.backend.SetRetryAt(ctx, endpoint, retryAt); err != nil {
		l.log.Warn("rate_limit_store_failed", "endpoint", endpoint, "error", err)
	}
	return retryAt, true
}

// IsLimited reports the active cooldown deadline for an endpoint, or false
// once it has passed. Expired entries are cleaned up by the backend (lazily
// in local mode, by key TTL in Redis).
func (l *Limiter) IsLimited(ctx context.Context, endpoint string) (time.Time, bool) {
	retryAt, ok, err := l.backend.RetryAt(ctx, endpoint)
	if err != nil {
		l.log.Warn("rate_limit_read_failed", "endpoint", endpoint, "error", err)
		return time.Time{}, false
	}
	if !ok || retryAt.Before(time.Now()) {
		return time.Time{}, false
	}
	l.log.Debug("still_rate_limited", "endpoint", endpoint, "retry_in_s", time.Until(retryAt).Seconds())
	return retryAt, true
}

func limited(ex Exchange) bool {
	if ex.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if strings.HasPrefix(ex.Header.Get("Location"), "/auth-error?error=rate_limited") {
		return true
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(ex.Body, &body); err == nil && body.Error == "rate_limited" {
		return true
	}
	return false
}
