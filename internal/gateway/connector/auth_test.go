package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/gateway/provider"
)

func oauthCreds(tokenURL string) provider.Credentials {
	return provider.Credentials{OAuth2: &provider.OAuth2Credentials{
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     tokenURL,
	}}
}

func newTokenServer(t *testing.T, fetches *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(fetches, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"bearer","expires_in":3600}`, n)
	}))
}

func TestTokenManagerCachesTokens(t *testing.T) {
	var fetches int32
	srv := newTokenServer(t, &fetches)
	defer srv.Close()

	tm := NewTokenManager(nil, zerolog.Nop())
	p := testProvider(provider.AuthOAuth2)
	creds := oauthCreds(srv.URL)

	for i := 0; i < 5; i++ {
		tok, err := tm.Token(context.Background(), p, creds.OAuth2)
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if tok != "tok-1" {
			t.Fatalf("token = %s, want tok-1", tok)
		}
	}
	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Errorf("token endpoint fetches = %d, want 1", got)
	}
}

func TestTokenManagerCollapsesConcurrentRefreshes(t *testing.T) {
	var fetches int32
	srv := newTokenServer(t, &fetches)
	defer srv.Close()

	tm := NewTokenManager(nil, zerolog.Nop())
	p := testProvider(provider.AuthOAuth2)
	creds := oauthCreds(srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tm.Token(context.Background(), p, creds.OAuth2); err != nil {
				t.Errorf("Token: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Errorf("token endpoint fetches = %d, want 1", got)
	}
}

func TestTokenManagerInvalidateForcesRefresh(t *testing.T) {
	var fetches int32
	srv := newTokenServer(t, &fetches)
	defer srv.Close()

	tm := NewTokenManager(nil, zerolog.Nop())
	p := testProvider(provider.AuthOAuth2)
	creds := oauthCreds(srv.URL)

	tok1, err := tm.Token(context.Background(), p, creds.OAuth2)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	tm.Invalidate(p.ID)
	tok2, err := tm.Token(context.Background(), p, creds.OAuth2)
	if err != nil {
		t.Fatalf("Token after invalidate: %v", err)
	}
	if tok1 == tok2 {
		t.Errorf("token did not change after invalidation: %s", tok1)
	}
	if got := atomic.LoadInt32(&fetches); got != 2 {
		t.Errorf("token endpoint fetches = %d, want 2", got)
	}
}

func TestTokenManagerClassifiesExchangeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tm := NewTokenManager(nil, zerolog.Nop())
	p := testProvider(provider.AuthOAuth2)
	creds := oauthCreds(srv.URL)

	_, err := tm.Token(context.Background(), p, creds.OAuth2)
	if err == nil {
		t.Fatal("expected error")
	}
	gerr, ok := err.(*Error)
	if !ok {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if gerr.Outcome != OutcomeAuthError {
		t.Errorf("outcome = %s, want auth_error", gerr.Outcome)
	}
}

func TestDoOAuth2ReauthenticatesOnceOn401(t *testing.T) {
	var fetches int32
	tokenSrv := newTokenServer(t, &fetches)
	defer tokenSrv.Close()

	// The API rejects the first token and accepts any later one.
	var apiCalls int32
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiCalls, 1)
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer apiSrv.Close()

	client, rec := newTestClient(oauthCreds(tokenSrv.URL), defaultPolicy())
	res := client.Do(context.Background(), Request{
		Provider:  testProvider(provider.AuthOAuth2),
		Operation: "eligibility",
		Method:    http.MethodGet,
		URL:       apiSrv.URL,
	})

	if !res.Success() {
		t.Fatalf("outcome = %s, err = %v", res.Outcome, res.Err)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
	if got := atomic.LoadInt32(&fetches); got != 2 {
		t.Errorf("token fetches = %d, want 2 (initial + refresh)", got)
	}
	if got := atomic.LoadInt32(&apiCalls); got != 2 {
		t.Errorf("api calls = %d, want 2", got)
	}
	entries := rec.entriesCopy()
	if len(entries) != 2 {
		t.Fatalf("log entries = %d, want 2", len(entries))
	}
}

func TestDoOAuth2GivesUpAfterSecond401(t *testing.T) {
	var fetches int32
	tokenSrv := newTokenServer(t, &fetches)
	defer tokenSrv.Close()

	var apiCalls int32
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiCalls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer apiSrv.Close()

	client, _ := newTestClient(oauthCreds(tokenSrv.URL), defaultPolicy())
	res := client.Do(context.Background(), Request{
		Provider:  testProvider(provider.AuthOAuth2),
		Operation: "eligibility",
		Method:    http.MethodGet,
		URL:       apiSrv.URL,
	})

	if res.Outcome != OutcomeAuthError {
		t.Fatalf("outcome = %s, want auth_error", res.Outcome)
	}
	if got := atomic.LoadInt32(&apiCalls); got != 2 {
		t.Errorf("api calls = %d, want 2 (original + one re-auth)", got)
	}
}

func TestDoOAuth2TreatsForbiddenAsPermanent(t *testing.T) {
	var fetches int32
	tokenSrv := newTokenServer(t, &fetches)
	defer tokenSrv.Close()

	// Valid credentials, forbidden operation: a fresh token cannot help.
	var apiCalls int32
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiCalls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer apiSrv.Close()

	client, _ := newTestClient(oauthCreds(tokenSrv.URL), defaultPolicy())
	res := client.Do(context.Background(), Request{
		Provider:  testProvider(provider.AuthOAuth2),
		Operation: "eligibility",
		Method:    http.MethodGet,
		URL:       apiSrv.URL,
	})

	if res.Outcome != OutcomePermanent {
		t.Fatalf("outcome = %s, want permanent_error", res.Outcome)
	}
	if got := atomic.LoadInt32(&apiCalls); got != 1 {
		t.Errorf("api calls = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Errorf("token fetches = %d, want 1 (no re-auth on 403)", got)
	}
}

func TestApplyAuthVariants(t *testing.T) {
	client, _ := newTestClient(provider.Credentials{}, defaultPolicy())

	t.Run("basic", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "https://x.example.com/", nil)
		creds := provider.Credentials{Basic: &provider.BasicCredentials{Username: "u", Password: "p"}}
		if err := client.applyAuth(context.Background(), req, testProvider(provider.AuthBasic), creds); err != nil {
			t.Fatalf("applyAuth: %v", err)
		}
		u, pw, ok := req.BasicAuth()
		if !ok || u != "u" || pw != "p" {
			t.Errorf("basic auth = %s:%s ok=%v", u, pw, ok)
		}
	})

	t.Run("bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "https://x.example.com/", nil)
		creds := provider.Credentials{Bearer: &provider.BearerCredentials{Token: "t-1"}}
		if err := client.applyAuth(context.Background(), req, testProvider(provider.AuthBearer), creds); err != nil {
			t.Fatalf("applyAuth: %v", err)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer t-1" {
			t.Errorf("authorization = %s", got)
		}
	})

	t.Run("api key in query", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "https://x.example.com/", nil)
		creds := provider.Credentials{APIKey: &provider.APIKeyCredentials{
			Key: "k", InQuery: true, QueryParam: "apikey",
		}}
		if err := client.applyAuth(context.Background(), req, testProvider(provider.AuthAPIKey), creds); err != nil {
			t.Fatalf("applyAuth: %v", err)
		}
		if got := req.URL.Query().Get("apikey"); got != "k" {
			t.Errorf("query param = %s", got)
		}
	})

	t.Run("custom header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "https://x.example.com/", nil)
		creds := provider.Credentials{APIKey: &provider.APIKeyCredentials{
			Key: "k", HeaderName: "X-Plan-Key",
		}}
		if err := client.applyAuth(context.Background(), req, testProvider(provider.AuthAPIKey), creds); err != nil {
			t.Fatalf("applyAuth: %v", err)
		}
		if got := req.Header.Get("X-Plan-Key"); got != "k" {
			t.Errorf("header = %s", got)
		}
	})
}
