package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/gateway/provider"
)

type fakeRegistry struct {
	mu        sync.Mutex
	providers map[uuid.UUID]*provider.Provider
	endpoints map[uuid.UUID]map[provider.EndpointType]*provider.Endpoint
}

func newFakeRegistry(ps ...*provider.Provider) *fakeRegistry {
	r := &fakeRegistry{
		providers: make(map[uuid.UUID]*provider.Provider),
		endpoints: make(map[uuid.UUID]map[provider.EndpointType]*provider.Endpoint),
	}
	for _, p := range ps {
		r.providers[p.ID] = p
	}
	return r
}

func (r *fakeRegistry) Get(_ context.Context, id uuid.UUID) (*provider.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	cp := *p
	return &cp, nil
}

func (r *fakeRegistry) Transition(_ context.Context, id uuid.UUID, from, to provider.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	if !provider.CanTransition(from, to) {
		return provider.ErrInvalidTransition
	}
	if p.Status != from {
		return provider.ErrInvalidTransition
	}
	p.Status = to
	return nil
}

func (r *fakeRegistry) RecordTestResult(_ context.Context, id uuid.UUID, status provider.Status, connStatus, connError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	now := time.Now().UTC()
	p.Status = status
	p.LastConnectionStatus = connStatus
	p.LastConnectionError = connError
	p.LastConnectionAt = &now
	return nil
}

func (r *fakeRegistry) EndpointFor(_ context.Context, providerID uuid.UUID, t provider.EndpointType) (*provider.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.endpoints[providerID][t]
	if !ok {
		return nil, nil
	}
	return e, nil
}

func (r *fakeRegistry) status(id uuid.UUID) provider.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.providers[id].Status
}

func newTestTester(p *provider.Provider, creds provider.Credentials) (*Tester, *fakeRegistry) {
	reg := newFakeRegistry(p)
	client, _ := newTestClient(creds, defaultPolicy())
	return NewTester(reg, client, zerolog.Nop()), reg
}

func TestConnectionSuccessActivatesProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := testProvider(provider.AuthAPIKey)
	p.Status = provider.StatusInactive
	p.BaseURL = srv.URL

	tester, reg := newTestTester(p, apiKeyCreds())
	report, err := tester.TestConnection(context.Background(), p.ID, "")
	if err != nil {
		t.Fatalf("TestConnection: %v", err)
	}

	if !report.Success {
		t.Fatalf("report = %+v", report)
	}
	if report.ConnectionStatus != ConnSuccess {
		t.Errorf("connection status = %s, want success", report.ConnectionStatus)
	}
	if got := reg.status(p.ID); got != provider.StatusActive {
		t.Errorf("provider status = %s, want active", got)
	}
	if reg.providers[p.ID].LastConnectionAt == nil {
		t.Error("last connection timestamp not recorded")
	}
}

func TestConnectionFailureMarksProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := testProvider(provider.AuthAPIKey)
	p.Status = provider.StatusInactive
	p.BaseURL = srv.URL

	tester, reg := newTestTester(p, apiKeyCreds())
	report, err := tester.TestConnection(context.Background(), p.ID, "")
	if err != nil {
		t.Fatalf("TestConnection: %v", err)
	}

	if report.Success {
		t.Fatal("expected failed report")
	}
	if got := reg.status(p.ID); got != provider.StatusError {
		t.Errorf("provider status = %s, want error", got)
	}
	if reg.providers[p.ID].LastConnectionError == "" {
		t.Error("last connection error not recorded")
	}
}

func TestConnectionTimeoutRecordsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := testProvider(provider.AuthAPIKey)
	p.Status = provider.StatusInactive
	p.BaseURL = srv.URL

	reg := newFakeRegistry(p)
	policy := defaultPolicy()
	policy.DefaultTimeout = 50 * time.Millisecond
	client, _ := newTestClient(apiKeyCreds(), policy)
	tester := NewTester(reg, client, zerolog.Nop())

	report, err := tester.TestConnection(context.Background(), p.ID, "")
	if err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if report.ConnectionStatus != ConnTimeout {
		t.Errorf("connection status = %s, want timeout", report.ConnectionStatus)
	}
	if got := reg.status(p.ID); got != provider.StatusError {
		t.Errorf("provider status = %s, want error", got)
	}
}

func TestConnectionIsSingleAttempt(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := testProvider(provider.AuthAPIKey)
	p.Status = provider.StatusInactive
	p.BaseURL = srv.URL

	tester, _ := newTestTester(p, apiKeyCreds())
	if _, err := tester.TestConnection(context.Background(), p.ID, ""); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("probe calls = %d, want 1 (no retries during a test)", calls)
	}
}

func TestConnectionUsesConfiguredHealthEndpoint(t *testing.T) {
	var gotPath string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := testProvider(provider.AuthAPIKey)
	p.Status = provider.StatusInactive
	p.BaseURL = srv.URL

	tester, reg := newTestTester(p, apiKeyCreds())
	reg.endpoints[p.ID] = map[provider.EndpointType]*provider.Endpoint{
		provider.EndpointHealthCheck: {
			ID: uuid.New(), ProviderID: p.ID,
			Type: provider.EndpointHealthCheck,
			URL:  srv.URL + "/v2/status",
		},
	}

	if _, err := tester.TestConnection(context.Background(), p.ID, ""); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/v2/status" {
		t.Errorf("probe path = %s, want /v2/status", gotPath)
	}
}

func TestConnectionProbesRequestedEndpointType(t *testing.T) {
	var gotPath string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := testProvider(provider.AuthAPIKey)
	p.Status = provider.StatusInactive
	p.BaseURL = srv.URL

	tester, reg := newTestTester(p, apiKeyCreds())
	reg.endpoints[p.ID] = map[provider.EndpointType]*provider.Endpoint{
		provider.EndpointEligibility: {
			ID: uuid.New(), ProviderID: p.ID,
			Type: provider.EndpointEligibility,
			URL:  srv.URL + "/v1/eligibility",
		},
	}

	if _, err := tester.TestConnection(context.Background(), p.ID, provider.EndpointEligibility); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/v1/eligibility" {
		t.Errorf("probe path = %s, want /v1/eligibility", gotPath)
	}
}

func TestConnectionFailsForMissingEndpointType(t *testing.T) {
	p := testProvider(provider.AuthAPIKey)
	p.Status = provider.StatusInactive

	tester, reg := newTestTester(p, apiKeyCreds())
	report, err := tester.TestConnection(context.Background(), p.ID, provider.EndpointClaimStatus)
	if err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if report.Success {
		t.Fatal("expected failure for unconfigured endpoint type")
	}
	if got := reg.status(p.ID); got != provider.StatusError {
		t.Errorf("provider status = %s, want error", got)
	}
}

func TestConnectionNeverLeavesProviderInTesting(t *testing.T) {
	// No server: the probe fails at the transport level.
	p := testProvider(provider.AuthAPIKey)
	p.Status = provider.StatusInactive
	p.BaseURL = "http://127.0.0.1:1"

	tester, reg := newTestTester(p, apiKeyCreds())
	report, err := tester.TestConnection(context.Background(), p.ID, "")
	if err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if report.Success {
		t.Fatal("expected failure")
	}
	if got := reg.status(p.ID); got == provider.StatusTesting {
		t.Fatal("provider stuck in testing")
	}
}
