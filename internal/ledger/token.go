package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// TokenFetcher fetches a fresh access token on every call.
// *clientcredentials.Config satisfies it.
type TokenFetcher interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// TokenCache holds the tenant's bearer token and refreshes it at most once at a time.
type TokenCache struct {
	tenant  string
	fetcher TokenFetcher
	group   singleflight.Group

	mu    sync.Mutex
	token *oauth2.Token
}

// NewTokenCache wraps fetcher with a per-tenant cache.
func NewTokenCache(tenant string, fetcher TokenFetcher) *TokenCache {
	return &TokenCache{tenant: tenant, fetcher: fetcher}
}

// ClientCredentials builds a TokenCache backed by the OAuth2 client-credentials flow.
func ClientCredentials(tenant, clientID, clientSecret, tokenURL string, scopes []string) (*TokenCache, error) {
	if clientID == "" || clientSecret == "" || tokenURL == "" {
		return nil, errors.New("ledger: client id, secret and token url are required")
	}
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return NewTokenCache(tenant, cfg), nil
}

// Token returns a valid access token, refreshing when the cached one is missing or expired.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	if tok.Valid() {
		return tok.AccessToken, nil
	}
	return c.refresh(ctx)
}

// Invalidate drops the cached token if it still equals stale.
// A token refreshed by a concurrent caller is kept.
func (c *TokenCache) Invalidate(stale string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && c.token.AccessToken == stale {
		c.token = nil
	}
}

func (c *TokenCache) refresh(ctx context.Context) (string, error) {
	v, err, _ := c.group.Do(c.tenant, func() (any, error) {
		c.mu.Lock()
		if c.token.Valid() {
			tok := c.token
			c.mu.Unlock()
			return tok, nil
		}
		c.mu.Unlock()

		tok, err := c.fetcher.Token(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if tok == nil || tok.AccessToken == "" {
			return nil, errors.New("empty access token")
		}
		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", fmt.Errorf("ledger: refresh token for tenant %s: %w", c.tenant, err)
	}
	return v.(*oauth2.Token).AccessToken, nil
}
