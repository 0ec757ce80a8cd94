package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/example/feepay/internal/config"
)

const (
	tokenPath          = "/oauth/v1/generate?grant_type=client_credentials"
	tokenRefreshLeeway = 60 * time.Second
	defaultTokenTTL    = 55 * time.Minute
	maxResponseBytes   = 1 << 20
)

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

// CredentialClient exchanges the consumer key and secret for a bearer token.
// Without a cache every call authenticates against the gateway.
type CredentialClient struct {
	cfg        config.MpesaConfig
	httpClient *http.Client
	cache      TokenCache
	group      singleflight.Group
}

// NewCredentialClient builds a client. cache may be nil.
func NewCredentialClient(cfg config.MpesaConfig, httpClient *http.Client, cache TokenCache) *CredentialClient {
	if httpClient == nil {
		httpClient = NewGatewayHTTPClient(cfg)
	}
	return &CredentialClient{cfg: cfg, httpClient: httpClient, cache: cache}
}

// NewGatewayHTTPClient returns an http.Client bounded by the configured timeout.
func NewGatewayHTTPClient(cfg config.MpesaConfig) *http.Client {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// AcquireToken returns a bearer token for the push API.
func (c *CredentialClient) AcquireToken(ctx context.Context) (string, error) {
	if c.cache == nil {
		token, _, err := c.fetchToken(ctx)
		return token, err
	}

	if token, ok := c.cachedToken(ctx); ok {
		return token, nil
	}

	// Concurrent misses share one upstream call.
	v, err, _ := c.group.Do("token", func() (any, error) {
		if token, ok := c.cachedToken(ctx); ok {
			return token, nil
		}
		token, ttl, err := c.fetchToken(ctx)
		if err != nil {
			return "", err
		}
		if err := c.cache.Set(ctx, token, ttl); err != nil {
			log.Warn().Err(err).Msg("[Mpesa] failed to cache access token")
		}
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// InvalidateToken drops a cached token the gateway no longer accepts.
func (c *CredentialClient) InvalidateToken(ctx context.Context) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Delete(ctx); err != nil {
		log.Warn().Err(err).Msg("[Mpesa] failed to drop cached access token")
	}
}

func (c *CredentialClient) cachedToken(ctx context.Context) (string, bool) {
	token, ok, err := c.cache.Get(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("[Mpesa] token cache read failed")
		return "", false
	}
	return token, ok
}

func (c *CredentialClient) fetchToken(ctx context.Context) (string, time.Duration, error) {
	if c.cfg.ConsumerKey == "" || c.cfg.ConsumerSecret == "" {
		return "", 0, authError("consumer key and secret are not configured", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", 0, authError("build token request", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, authError("token request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", 0, authError("read token response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, authError(fmt.Sprintf("token endpoint returned status %d", resp.StatusCode), nil)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, authError("decode token response", err)
	}
	if tr.AccessToken == "" {
		return "", 0, authError("token response has no access_token", nil)
	}

	return tr.AccessToken, tokenTTL(tr.ExpiresIn), nil
}

func tokenTTL(expiresIn json.Number) time.Duration {
	secs, err := strconv.Atoi(expiresIn.String())
	if err != nil || time.Duration(secs)*time.Second <= tokenRefreshLeeway {
		return defaultTokenTTL
	}
	return time.Duration(secs)*time.Second - tokenRefreshLeeway
}
