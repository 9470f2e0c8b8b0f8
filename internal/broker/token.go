// token.go implements bearer-token issuance for the broker REST and stream
// sessions. The broker allows at most one token request per second, so the
// source keeps its own single-token bucket separate from the main REST
// budget, and a mutex ensures only one refresh is ever in flight.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// refreshLead is how far before expiry a token is refreshed. The broker's
// tokens live for hours; a minute of lead keeps requests from ever racing
// expiry.
const refreshLead = time.Minute

// TokenSource issues and caches the broker bearer token.
type TokenSource struct {
	http    *resty.Client
	appKey  string
	secret  string
	limiter *rate.Limiter // broker rule: one token request per second

	mu      sync.Mutex
	token   string
	expiry  time.Time
	failed  bool // a refresh already failed once; next failure is fatal
	timeout time.Duration

	logger *slog.Logger
}

// NewTokenSource creates a token source for the given credentials.
func NewTokenSource(baseURL, appKey, secret string, timeout time.Duration, logger *slog.Logger) *TokenSource {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &TokenSource{
		http:    httpClient,
		appKey:  appKey,
		secret:  secret,
		limiter: rate.NewLimiter(1, 1),
		timeout: timeout,
		logger:  logger.With("component", "token_source"),
	}
}

// Token returns a valid bearer token, refreshing it if the cached one is
// within the refresh lead of expiry. Auth failures are retried exactly once;
// a second consecutive failure returns ErrAuthFailed.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && time.Until(t.expiry) > refreshLead {
		return t.token, nil
	}

	tok, expiry, err := t.issue(ctx)
	if err != nil {
		if t.failed {
			return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		t.failed = true
		t.logger.Warn("token refresh failed, retrying once", "error", err)
		tok, expiry, err = t.issue(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
	}

	t.failed = false
	t.token = tok
	t.expiry = expiry
	t.logger.Info("token refreshed", "expires_in", time.Until(expiry).Round(time.Second))
	return t.token, nil
}

// Expiry reports when the cached token lapses (zero if none issued yet).
func (t *TokenSource) Expiry() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expiry
}

// Invalidate discards the cached token so the next Token call re-issues.
// Used when the broker rejects a request with 401 despite a cached token.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
	t.expiry = time.Time{}
}

func (t *TokenSource) issue(ctx context.Context) (string, time.Time, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", time.Time{}, err
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"` // seconds
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"app_key":    t.appKey,
			"app_secret": t.secret,
		}).
		SetResult(&result).
		Post("/oauth2/token")
	if err != nil {
		return "", time.Time{}, fmt.Errorf("issue token: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("issue token: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("issue token: empty access_token in response")
	}
	return result.AccessToken, time.Now().Add(time.Duration(result.ExpiresIn) * time.Second), nil
}
