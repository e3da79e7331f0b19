// Package riot talks to the Riot auth endpoints. Its only job here is
// redeeming stored cookies for fresh tokens, the operation the queue
// serializes.
package riot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"valoqueue/internal/authqueue"
	"valoqueue/internal/ratelimit"
)

const (
	authorizeURL      = "https://auth.riotgames.com/authorize?redirect_uri=https%3A%2F%2Fplayvalorant.com%2Fopt_in&client_id=play-valorant-web-prod&response_type=token%20id_token&scope=account%20openid&nonce=1"
	authorizeEndpoint = "auth.riotgames.com/authorize"
	userAgent         = "RiotClient/58.0.0.4640299.4552318 rso-auth (Windows;10;;Professional, x64)"
)

// Tokens is the payload of a successful redemption.
type Tokens struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	Cookies     string `json:"cookies"`
	ExpiresAt   int64  `json:"expires_at"`
}

// Client redeems auth cookies against the Riot authorize endpoint,
// consulting the shared rate limiter before and after every call.
type Client struct {
	log     *slog.Logger
	http    *http.Client
	limiter *ratelimit.Limiter
	breaker *breaker
}

func New(log *slog.Logger, limiter *ratelimit.Limiter) *Client {
	return &Client{
		log:     log,
		http:    newHTTPClient(),
		limiter: limiter,
		breaker: newBreaker(),
	}
}

// newHTTPClient builds a pooled client that never follows redirects;
// the authorize response is a redirect whose Location carries the
// tokens.
func newHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// RedeemCookies implements authqueue.Redeemer. Failures are reported in
// the Result; the error return is reserved for context cancellation.
func (c *Client) RedeemCookies(ctx context.Context, userID, cookies string) (authqueue.Result, error) {
	if retryAt, limited := c.limiter.IsLimited(ctx, authorizeEndpoint); limited {
		c.log.Warn("cookie_redeem_deferred", "user_id", userID, "retry_at", retryAt.Unix())
		return authqueue.Result{Error: "rate_limited"}, nil
	}
	if !c.breaker.allow() {
		c.log.Warn("cookie_redeem_circuit_open", "user_id", userID, "state", c.breaker.stateString())
		return authqueue.Result{Error: "auth service unavailable"}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authorizeURL, nil)
	if err != nil {
		return authqueue.Result{Error: err.Error()}, nil
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Cookie", cookies)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return authqueue.Result{}, ctx.Err()
		}
		c.breaker.recordFailure()
		c.log.Warn("cookie_redeem_request_failed", "user_id", userID, "error", err)
		return authqueue.Result{Error: fmt.Sprintf("request failed: %v", err)}, nil
	}
	c.breaker.recordSuccess()
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if _, limited := c.limiter.Observe(ctx, ratelimit.FromResponse(resp, body), authorizeEndpoint); limited {
		return authqueue.Result{Error: "rate_limited"}, nil
	}

	location := resp.Header.Get("Location")
	tokens, ok := parseTokensFromLocation(location)
	if !ok {
		c.log.Info("cookie_redeem_rejected", "user_id", userID, "status", resp.StatusCode)
		return authqueue.Result{Error: "cookies expired"}, nil
	}
	tokens.Cookies = mergeSetCookies(cookies, resp.Header.Values("Set-Cookie"))

	value, err := json.Marshal(tokens)
	if err != nil {
		return authqueue.Result{Error: err.Error()}, nil
	}
	c.log.Info("cookie_redeem_ok", "user_id", userID)
	return authqueue.Result{Success: true, Value: value}, nil
}

// parseTokensFromLocation extracts tokens from the redirect fragment,
// e.g. https://playvalorant.com/opt_in#access_token=...&id_token=...
func parseTokensFromLocation(location string) (Tokens, bool) {
	if location == "" || !strings.Contains(location, "access_token") {
		return Tokens{}, false
	}
	u, err := url.Parse(location)
	if err != nil {
		return Tokens{}, false
	}
	values, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return Tokens{}, false
	}
	tokens := Tokens{
		AccessToken: values.Get("access_token"),
		IDToken:     values.Get("id_token"),
	}
	if tokens.AccessToken == "" {
		return Tokens{}, false
	}
	if expiresIn := values.Get("expires_in"); expiresIn != "" {
		var secs int64
		if _, err := fmt.Sscanf(expiresIn, "%d", &secs); err == nil {
			tokens.ExpiresAt = time.Now().Add(time.Duration(secs) * time.Second).Unix()
		}
	}
	return tokens, true
}

// mergeSetCookies overlays freshly issued cookies onto the stored blob,
// keeping stored values the server did not reissue.
func mergeSetCookies(stored string, setCookies []string) string {
	jar := make(map[string]string)
	var order []string

	add := func(pair string) {
		pair = strings.TrimSpace(pair)
		name, value, found := strings.Cut(pair, "=")
		if !found || name == "" {
			return
		}
		if _, seen := jar[name]; !seen {
			order = append(order, name)
		}
		jar[name] = value
	}

	for _, pair := range strings.Split(stored, ";") {
		add(pair)
	}
	for _, sc := range setCookies {
		first, _, _ := strings.Cut(sc, ";")
		add(first)
	}

	parts := make([]string, 0, len(order))
	for _, name := range order {
		parts = append(parts, name+"="+jar[name])
	}
	return strings.Join(parts, "; ")
}
