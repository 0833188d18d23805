package connector

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/clinicore/clinicore/internal/gateway/provider"
)

// tokenExpiryMargin is subtracted from token lifetimes so a token is
// refreshed before it actually expires mid-request.
const tokenExpiryMargin = 30 * time.Second

type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

func (t cachedToken) valid() bool {
	return t.accessToken != "" && time.Now().Before(t.expiresAt)
}

// TokenManager caches OAuth2 client-credentials tokens per provider. A
// concurrent refresh for the same provider is collapsed into one token
// request via singleflight.
type TokenManager struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]cachedToken
	group  singleflight.Group
	client *http.Client
	logger zerolog.Logger
}

func NewTokenManager(client *http.Client, logger zerolog.Logger) *TokenManager {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &TokenManager{
		tokens: make(map[uuid.UUID]cachedToken),
		client: client,
		logger: logger,
	}
}

// Token returns a valid access token for the provider, fetching one from the
// token endpoint if the cache is empty or stale.
func (m *TokenManager) Token(ctx context.Context, p *provider.Provider, creds *provider.OAuth2Credentials) (string, error) {
	m.mu.Lock()
	if t, ok := m.tokens[p.ID]; ok && t.valid() {
		m.mu.Unlock()
		return t.accessToken, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(p.ID.String(), func() (interface{}, error) {
		// Re-check under the group: another caller may have refreshed while
		// this one was queued.
		m.mu.Lock()
		if t, ok := m.tokens[p.ID]; ok && t.valid() {
			m.mu.Unlock()
			return t.accessToken, nil
		}
		m.mu.Unlock()

		return m.fetch(ctx, p, creds)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *TokenManager) fetch(ctx context.Context, p *provider.Provider, creds *provider.OAuth2Credentials) (string, error) {
	cfg := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     creds.TokenURL,
		Scopes:       creds.Scopes,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", &Error{
			Outcome: OutcomeAuthError,
			Message: fmt.Sprintf("token exchange with %s failed", p.Code),
			Err:     err,
		}
	}

	expiresAt := tok.Expiry.Add(-tokenExpiryMargin)
	if tok.Expiry.IsZero() {
		// Token endpoint did not report a lifetime; cache briefly.
		expiresAt = time.Now().Add(time.Minute)
	}

	m.mu.Lock()
	m.tokens[p.ID] = cachedToken{accessToken: tok.AccessToken, expiresAt: expiresAt}
	m.mu.Unlock()

	m.logger.Debug().
		Str("provider", p.Code).
		Time("expires_at", expiresAt).
		Msg("oauth2 token refreshed")

	return tok.AccessToken, nil
}

// Invalidate drops the cached token for a provider, forcing the next call to
// fetch a fresh one. Used after a provider rejects a token with 401.
func (m *TokenManager) Invalidate(providerID uuid.UUID) {
	m.mu.Lock()
	delete(m.tokens, providerID)
	m.mu.Unlock()
}

// applyAuth attaches authentication material for the provider's auth method
// to an outbound request.
func (c *Client) applyAuth(ctx context.Context, req *http.Request, p *provider.Provider, creds provider.Credentials) error {
	switch p.AuthMethod {
	case provider.AuthOAuth2:
		token, err := c.tokens.Token(ctx, p, creds.OAuth2)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case provider.AuthAPIKey:
		k := creds.APIKey
		if k.InQuery {
			q := req.URL.Query()
			q.Set(k.QueryParam, k.Key)
			req.URL.RawQuery = q.Encode()
		} else {
			header := k.HeaderName
			if header == "" {
				header = "X-API-Key"
			}
			req.Header.Set(header, k.Key)
		}
	case provider.AuthBasic:
		req.SetBasicAuth(creds.Basic.Username, creds.Basic.Password)
	case provider.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+creds.Bearer.Token)
	default:
		return &Error{
			Outcome: OutcomeConfigError,
			Message: fmt.Sprintf("provider %s has unsupported auth method %s", p.Code, p.AuthMethod),
		}
	}
	return nil
}
