package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/endpoints"
)

// AppTokenSource fetches and caches a Twitch app access (client credentials)
// token via x/oauth2. App tokens are used for tenant-less work such as profile
// enrichment; chatters snapshots require a per-tenant user token instead.
type AppTokenSource struct {
	ClientID     string
	ClientSecret string
	// TokenURL overrides the Twitch token endpoint (tests only).
	TokenURL string
	// HTTPClient overrides the client used for token requests.
	HTTPClient *http.Client

	once sync.Once
	src  oauth2.TokenSource
}

// Get returns a valid (fresh or cached) app access token.
func (s *AppTokenSource) Get(ctx context.Context) (string, error) {
	if s.ClientID == "" || s.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	s.once.Do(func() {
		tokenURL := s.TokenURL
		if tokenURL == "" {
			tokenURL = endpoints.Twitch.TokenURL
		}
		cfg := &clientcredentials.Config{
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
			TokenURL:     tokenURL,
		}
		// ReuseTokenSource caching lives inside the source, so build it once
		// against a background context rather than the first caller's.
		srcCtx := context.Background()
		if s.HTTPClient != nil {
			srcCtx = context.WithValue(srcCtx, oauth2.HTTPClient, s.HTTPClient)
		}
		s.src = cfg.TokenSource(srcCtx)
	})
	tok, err := s.src.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}
