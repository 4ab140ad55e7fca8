package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/Sternrassler/sap-odata-client/pkg/cache"
)

const (
	tokenExpiryMargin = 30 * time.Second
	defaultTokenTTL   = 5 * time.Minute
)

// tokenSource fetches client-credentials tokens and caches them in the store.
type tokenSource struct {
	creds      OAuthCredentials
	scope      string
	cache      *cache.Manager
	httpClient *http.Client
	logger     zerolog.Logger
}

func (ts *tokenSource) key() cache.Key {
	sum := sha256.Sum256([]byte(ts.creds.ClientID))
	return cache.Key{
		Kind:   cache.KindOAuthToken,
		Scope:  ts.scope,
		Host:   ts.creds.TokenURL,
		Params: map[string]string{"client": hex.EncodeToString(sum[:])[:16]},
	}
}

// Token returns a cached access token or fetches a new one.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	key := ts.key()

	token, err := cache.GetEntry[string](ctx, ts.cache, key)
	if err == nil && token != "" {
		return token, nil
	}
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		ts.logger.Warn().Err(err).Msg("OAuth token cache read failed")
	}

	cfg := clientcredentials.Config{
		ClientID:     ts.creds.ClientID,
		ClientSecret: ts.creds.ClientSecret,
		TokenURL:     ts.creds.TokenURL,
		Scopes:       ts.creds.Scopes,
	}
	if ts.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.httpClient)
	}

	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", &Error{Kind: KindAuth, Message: "oauth token request failed", Err: err}
	}

	ttl := defaultTokenTTL
	if !tok.Expiry.IsZero() {
		ttl = time.Until(tok.Expiry) - tokenExpiryMargin
	}
	if err := cache.SetEntry(ctx, ts.cache, key, tok.AccessToken, ttl); err != nil {
		ts.logger.Warn().Err(err).Msg("OAuth token cache write failed")
	}

	ts.logger.Debug().Dur("ttl", ttl).Msg("OAuth token acquired")
	return tok.AccessToken, nil
}
