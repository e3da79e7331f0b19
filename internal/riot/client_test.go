package riot

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"valoqueue/internal/coord"
	"valoqueue/internal/ratelimit"
)

func newTestClient(t *testing.T, target string) (*Client, *ratelimit.Limiter) {
	t.Helper()
	backend := coord.NewLocalBackend(coord.LocalOptions{})
	limiter := ratelimit.New(slog.New(slog.DiscardHandler), backend, 0, 0)
	c := New(slog.New(slog.DiscardHandler), limiter)
	if target != "" {
		c.http = &http.Client{
			Transport: rewriteTransport{target: target},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return c, limiter
}

// rewriteTransport points every request at the test server.
type rewriteTransport struct {
	target string
}

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = "http"
	clone.URL.Host = rt.target
	return http.DefaultTransport.RoundTrip(clone)
}

func TestParseTokensFromLocation(t *testing.T) {
	loc := "https://playvalorant.com/opt_in#access_token=AAA&id_token=III&expires_in=3600"
	tokens, ok := parseTokensFromLocation(loc)
	if !ok {
		t.Fatal("expected tokens to parse")
	}
	if tokens.AccessToken != "AAA" || tokens.IDToken != "III" {
		t.Errorf("tokens wrong: %+v", tokens)
	}
	min := time.Now().Add(3590 * time.Second).Unix()
	max := time.Now().Add(3610 * time.Second).Unix()
	if tokens.ExpiresAt < min || tokens.ExpiresAt > max {
		t.Errorf("expiresAt %d outside [%d, %d]", tokens.ExpiresAt, min, max)
	}
}

func TestParseTokensFromLocation_Rejections(t *testing.T) {
	cases := []string{
		"",
		"/auth-error?error=auth_failure",
		"https://playvalorant.com/opt_in#id_token=only",
		"https://playvalorant.com/opt_in#access_token=&id_token=x",
	}
	for _, loc := range cases {
		if _, ok := parseTokensFromLocation(loc); ok {
			t.Errorf("location %q should not parse", loc)
		}
	}
}

func TestMergeSetCookies(t *testing.T) {
	stored := "ssid=old; clid=eu; tdid=keepme"
	fresh := []string{
		"ssid=new; Path=/; HttpOnly",
		"csid=extra; Secure",
	}
	got := mergeSetCookies(stored, fresh)
	want := "ssid=new; clid=eu; tdid=keepme; csid=extra"
	if got != want {
		t.Errorf("merged = %q, want %q", got, want)
	}
}

func TestClient_RedeemCookiesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "ssid=abc" {
			t.Errorf("stored cookies not forwarded, got %q", r.Header.Get("Cookie"))
		}
		w.Header().Add("Set-Cookie", "ssid=rotated; Path=/")
		w.Header().Set("Location", "https://playvalorant.com/opt_in#access_token=AAA&id_token=III&expires_in=3600")
		w.WriteHeader(http.StatusSeeOther)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.Listener.Addr().String())
	result, err := c.RedeemCookies(context.Background(), "123", "ssid=abc")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}

	var tokens Tokens
	if err := json.Unmarshal(result.Value, &tokens); err != nil {
		t.Fatalf("unmarshal tokens: %v", err)
	}
	if tokens.AccessToken != "AAA" {
		t.Errorf("access token lost: %+v", tokens)
	}
	if tokens.Cookies != "ssid=rotated" {
		t.Errorf("expected rotated cookie, got %q", tokens.Cookies)
	}
}

func TestClient_RedeemCookiesExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/login")
		w.WriteHeader(http.StatusSeeOther)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.Listener.Addr().String())
	result, err := c.RedeemCookies(context.Background(), "123", "ssid=stale")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if result.Success || result.Error != "cookies expired" {
		t.Errorf("expected cookies expired, got %+v", result)
	}
}

func TestClient_RedeemCookiesRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, limiter := newTestClient(t, srv.Listener.Addr().String())
	ctx := context.Background()

	result, err := c.RedeemCookies(ctx, "123", "ssid=abc")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if result.Error != "rate_limited" {
		t.Errorf("expected rate_limited, got %+v", result)
	}

	// the cooldown is recorded for the endpoint, so the next call is
	// deferred without touching the network
	if _, limited := limiter.IsLimited(ctx, authorizeEndpoint); !limited {
		t.Error("expected the endpoint to be in cooldown")
	}
	result, err = c.RedeemCookies(ctx, "123", "ssid=abc")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if result.Error != "rate_limited" {
		t.Errorf("expected deferred rate_limited, got %+v", result)
	}
}
