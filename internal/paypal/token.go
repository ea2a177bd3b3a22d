// Package paypal implements the PayPal adapter of spec §4.7: OAuth2
// bearer-token caching, checkout prepare/execute against the session
// store, billing-plan/agreement subscriptions, and IPN verification.
// Transport and token-caching discipline are grounded on the teacher's
// internal/payments/provider/epayment.Gateway (a mutex-guarded cached
// token with expiry, refreshed via a client-credentials POST).
package paypal

import (
	"context"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/gpg/payproc/internal/perr"
)

// Backoff windows applied to the token cache's expiry to avoid races at
// the boundary (spec §4.7): 900s for long-lived tokens (>1800s), 300s
// for medium-lived ones (>600s).
const (
	longLivedThreshold  = 1800 * time.Second
	longLivedBackoff    = 900 * time.Second
	mediumLivedThreshold = 600 * time.Second
	mediumLivedBackoff   = 300 * time.Second
	minValidWindow       = 30 * time.Second
	maxTokenFetchRetries = 10
)

type tokenResponse struct {
	TokenType   string `json:"token_type"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// TokenCache is the module-scoped OAuth2 access-token cache (spec §4.7).
// One lock guards the cached token and its refresh so concurrent callers
// serialize on a single in-flight fetch rather than racing the endpoint.
type TokenCache struct {
	mu sync.Mutex

	http         *resty.Client
	clientID     string
	clientSecret string

	token        string
	expiresOn    time.Time
	unauthorized bool
}

// NewTokenCache builds a cache against http, which must already be
// pointed at the correct base URL (live or sandbox).
func NewTokenCache(httpClient *resty.Client, clientID, clientSecret string) *TokenCache {
	return &TokenCache{http: httpClient, clientID: clientID, clientSecret: clientSecret}
}

// GetAccessToken returns a valid bearer token, refreshing it when the
// cached one is within minValidWindow of expiry or a prior call observed
// a 401 (spec §4.7).
func (c *TokenCache) GetAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if !c.unauthorized && c.token != "" && now.Add(minValidWindow).Before(c.expiresOn) {
		return c.token, nil
	}

	var lastErr error
	for attempt := 0; attempt < maxTokenFetchRetries; attempt++ {
		requestTime := time.Now()
		var out tokenResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader("Accept", "application/json").
			SetFormData(map[string]string{"grant_type": "client_credentials"}).
			SetBasicAuth(c.clientID, c.clientSecret).
			SetResult(&out).
			Post("/v1/oauth2/token")
		if err != nil {
			lastErr = perr.Wrap(perr.Timeout, "paypal token request failed", err)
			continue
		}
		if resp.IsError() {
			lastErr = perr.Newf(perr.Upstream, "paypal token endpoint returned status %d", resp.StatusCode())
			continue
		}
		if out.TokenType != "Bearer" || out.AccessToken == "" || out.ExpiresIn < 60 {
			lastErr = perr.New(perr.InvalidObject, "paypal token response has unexpected shape")
			continue
		}

		c.token = out.AccessToken
		c.expiresOn = requestTime.Add(time.Duration(out.ExpiresIn) * time.Second)
		c.applyBackoff(time.Duration(out.ExpiresIn) * time.Second)
		c.unauthorized = false
		return c.token, nil
	}
	return "", perr.Wrap(perr.Timeout, "paypal token refresh exhausted retries", lastErr)
}

// applyBackoff pulls expiresOn in to guard against boundary races (spec
// §4.7).
func (c *TokenCache) applyBackoff(lifetime time.Duration) {
	switch {
	case lifetime > longLivedThreshold:
		c.expiresOn = c.expiresOn.Add(-longLivedBackoff)
	case lifetime > mediumLivedThreshold:
		c.expiresOn = c.expiresOn.Add(-mediumLivedBackoff)
	}
}

// NoteUnauthorized marks the cache's sticky 401 flag, forcing the next
// GetAccessToken call to refresh even if the cached expiry looks valid
// (spec §4.7: recovers a rotated server-side key without restart).
func (c *TokenCache) NoteUnauthorized() {
	c.mu.Lock()
	c.unauthorized = true
	c.mu.Unlock()
}
