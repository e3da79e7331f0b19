package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"valoqueue/internal/coord"
)

func newTestLimiter(backoff, cap int) *Limiter {
	log := slog.New(slog.DiscardHandler)
	return New(log, coord.NewLocalBackend(coord.LocalOptions{}), backoff, cap)
}

func TestLimiter_DetectsStatusCode(t *testing.T) {
	l := newTestLimiter(60, 600)
	ctx := context.Background()

	_, limited := l.Observe(ctx, Exchange{StatusCode: http.StatusTooManyRequests, Header: http.Header{}}, "a")
	if !limited {
		t.Error("expected 429 to be detected as rate limited")
	}
}

func TestLimiter_DetectsRedirectLocation(t *testing.T) {
	l := newTestLimiter(60, 600)
	ctx := context.Background()

	h := http.Header{}
	h.Set("Location", "/auth-error?error=rate_limited&foo=bar")
	_, limited := l.Observe(ctx, Exchange{StatusCode: http.StatusSeeOther, Header: h}, "b")
	if !limited {
		t.Error("expected rate-limited redirect to be detected")
	}
}

func TestLimiter_DetectsBodyError(t *testing.T) {
	l := newTestLimiter(60, 600)
	ctx := context.Background()

	ex := Exchange{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(`{"error":"rate_limited"}`)}
	_, limited := l.Observe(ctx, ex, "c")
	if !limited {
		t.Error("expected body error to be detected")
	}
}

func TestLimiter_CleanResponsePasses(t *testing.T) {
	l := newTestLimiter(60, 600)
	ctx := context.Background()

	ex := Exchange{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(`{"ok":true}`)}
	if _, limited := l.Observe(ctx, ex, "d"); limited {
		t.Error("clean response should not trip the limiter")
	}
	if _, limited := l.IsLimited(ctx, "d"); limited {
		t.Error("endpoint should not be limited after a clean response")
	}
}

func TestLimiter_RetryAfterGetsOneSecondSlack(t *testing.T) {
	l := newTestLimiter(60, 600)
	ctx := context.Background()

	h := http.Header{}
	h.Set("Retry-After", "30")
	before := time.Now()
	retryAt, limited := l.Observe(ctx, Exchange{StatusCode: 429, Header: h}, "auth")
	if !limited {
		t.Fatal("expected limited")
	}

	// upstream asked for 30s, we wait 31
	wait := retryAt.Sub(before)
	if wait < 30*time.Second || wait > 32*time.Second {
		t.Errorf("expected ~31s cooldown, got %v", wait)
	}
}

func TestLimiter_RetryAfterIsCapped(t *testing.T) {
	l := newTestLimiter(60, 120)
	ctx := context.Background()

	h := http.Header{}
	h.Set("Retry-After", "100000")
	before := time.Now()
	retryAt, _ := l.Observe(ctx, Exchange{StatusCode: 429, Header: h}, "auth")

	wait := retryAt.Sub(before)
	if wait > 121*time.Second {
		t.Errorf("expected cooldown capped at 120s, got %v", wait)
	}
}

func TestLimiter_MissingRetryAfterUsesBackoff(t *testing.T) {
	l := newTestLimiter(45, 600)
	ctx := context.Background()

	before := time.Now()
	retryAt, _ := l.Observe(ctx, Exchange{StatusCode: 429, Header: http.Header{}}, "auth")

	wait := retryAt.Sub(before)
	if wait < 44*time.Second || wait > 46*time.Second {
		t.Errorf("expected ~45s default backoff, got %v", wait)
	}
}

func TestLimiter_IsLimitedUntilDeadline(t *testing.T) {
	l := newTestLimiter(60, 600)
	ctx := context.Background()

	h := http.Header{}
	h.Set("Retry-After", "30")
	retryAt, _ := l.Observe(ctx, Exchange{StatusCode: 429, Header: h}, "auth")

	got, limited := l.IsLimited(ctx, "auth")
	if !limited {
		t.Fatal("expected endpoint to be limited")
	}
	if !got.Equal(retryAt) {
		t.Errorf("expected deadline %v, got %v", retryAt, got)
	}

	// a different endpoint is unaffected
	if _, limited := l.IsLimited(ctx, "other"); limited {
		t.Error("unrelated endpoint should not be limited")
	}
}
