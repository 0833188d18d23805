package transaction

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/gateway/connector"
	"github.com/clinicore/clinicore/internal/gateway/provider"
	"github.com/clinicore/clinicore/pkg/pagination"
)

// -- Mocks --

type mockAuthRepo struct {
	mu      sync.Mutex
	items   map[uuid.UUID]*AuthorizationRequest
	numbers map[string]bool
	// failCreates makes the next n creates fail with a unique violation.
	failCreates int
}

func newMockAuthRepo() *mockAuthRepo {
	return &mockAuthRepo{
		items:   make(map[uuid.UUID]*AuthorizationRequest),
		numbers: make(map[string]bool),
	}
}

func uniqueViolation() error {
	return fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
}

func (m *mockAuthRepo) Create(_ context.Context, a *AuthorizationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreates > 0 {
		m.failCreates--
		return uniqueViolation()
	}
	if m.numbers[a.AuthorizationNumber] {
		return uniqueViolation()
	}
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	m.numbers[a.AuthorizationNumber] = true
	cp := *a
	m.items[a.ID] = &cp
	return nil
}

func (m *mockAuthRepo) GetByID(_ context.Context, id uuid.UUID) (*AuthorizationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	cp := *a
	return &cp, nil
}

func (m *mockAuthRepo) GetByNumber(_ context.Context, number string) (*AuthorizationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.items {
		if a.AuthorizationNumber == number {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("not found")
}

func (m *mockAuthRepo) List(_ context.Context, filter Filter, _ pagination.Params) ([]*AuthorizationRequest, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*AuthorizationRequest
	for _, a := range m.items {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	return result, len(result), nil
}

func (m *mockAuthRepo) MarkSubmitted(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	a.SubmittedAt = &at
	return nil
}

func (m *mockAuthRepo) ApplyOutcome(_ context.Context, id uuid.UUID, outcome AuthorizationOutcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return false, fmt.Errorf("not found")
	}
	if a.Status != StatusPending {
		return false, nil
	}
	a.Status = outcome.Status
	a.ProviderAuthCode = outcome.ProviderAuthCode
	a.DenialReason = outcome.DenialReason
	a.ExpiresAt = outcome.ExpiresAt
	a.RawResponse = outcome.RawResponse
	at := outcome.RespondedAt
	a.RespondedAt = &at
	return true, nil
}

type mockEligRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*EligibilityCheck
}

func newMockEligRepo() *mockEligRepo {
	return &mockEligRepo{items: make(map[uuid.UUID]*EligibilityCheck)}
}

func (m *mockEligRepo) Create(_ context.Context, e *EligibilityCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	cp := *e
	m.items[e.ID] = &cp
	return nil
}

func (m *mockEligRepo) GetByID(_ context.Context, id uuid.UUID) (*EligibilityCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	cp := *e
	return &cp, nil
}

func (m *mockEligRepo) List(_ context.Context, _ Filter, _ pagination.Params) ([]*EligibilityCheck, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*EligibilityCheck
	for _, e := range m.items {
		cp := *e
		result = append(result, &cp)
	}
	return result, len(result), nil
}

func (m *mockEligRepo) RecordResult(_ context.Context, id uuid.UUID, result EligibilityResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[id]
	if !ok {
		return false, fmt.Errorf("not found")
	}
	if e.IsEligible != nil {
		return false, nil
	}
	eligible := result.IsEligible
	e.IsEligible = &eligible
	e.PlanName = result.PlanName
	e.Message = result.Message
	e.CoverageStart = result.CoverageStart
	e.CoverageEnd = result.CoverageEnd
	e.Copay = result.Copay
	e.Deductible = result.Deductible
	e.RawResponse = result.RawResponse
	at := result.CheckedAt
	e.CheckedAt = &at
	return true, nil
}

type mockRegistry struct {
	providers map[uuid.UUID]*provider.Provider
	endpoints map[uuid.UUID]map[provider.EndpointType]*provider.Endpoint
}

func newMockRegistry(ps ...*provider.Provider) *mockRegistry {
	r := &mockRegistry{
		providers: make(map[uuid.UUID]*provider.Provider),
		endpoints: make(map[uuid.UUID]map[provider.EndpointType]*provider.Endpoint),
	}
	for _, p := range ps {
		r.providers[p.ID] = p
	}
	return r
}

func (r *mockRegistry) Get(_ context.Context, id uuid.UUID) (*provider.Provider, error) {
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return p, nil
}

func (r *mockRegistry) EndpointFor(_ context.Context, providerID uuid.UUID, t provider.EndpointType) (*provider.Endpoint, error) {
	return r.endpoints[providerID][t], nil
}

func (r *mockRegistry) addEndpoint(providerID uuid.UUID, t provider.EndpointType, url string) {
	if r.endpoints[providerID] == nil {
		r.endpoints[providerID] = make(map[provider.EndpointType]*provider.Endpoint)
	}
	r.endpoints[providerID][t] = &provider.Endpoint{
		ID: uuid.New(), ProviderID: providerID, Type: t, URL: url, Method: "POST",
	}
}

type mockCaller struct {
	mu      sync.Mutex
	calls   int
	results []*connector.Result
}

func (m *mockCaller) Do(_ context.Context, _ connector.Request) *connector.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := m.results[0]
	if len(m.results) > 1 {
		m.results = m.results[1:]
	}
	m.calls++
	return res
}

func (m *mockCaller) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func successResult(body string) *connector.Result {
	return &connector.Result{Outcome: connector.OutcomeSuccess, StatusCode: 200, Body: []byte(body), Attempts: 1}
}

func activeProvider() *provider.Provider {
	return &provider.Provider{
		ID:         uuid.New(),
		Code:       "unimed",
		Name:       "Unimed",
		AuthMethod: provider.AuthAPIKey,
		BaseURL:    "https://api.unimed.example.com",
		Status:     provider.StatusActive,
	}
}

type testEnv struct {
	svc      *Service
	auths    *mockAuthRepo
	eligs    *mockEligRepo
	registry *mockRegistry
	caller   *mockCaller
	provider *provider.Provider
}

func newTestEnv(results ...*connector.Result) *testEnv {
	p := activeProvider()
	registry := newMockRegistry(p)
	registry.addEndpoint(p.ID, provider.EndpointAuthorization, p.BaseURL+"/authorizations")
	registry.addEndpoint(p.ID, provider.EndpointEligibility, p.BaseURL+"/eligibility")

	if len(results) == 0 {
		results = []*connector.Result{successResult(`{"status":"approved","authorizationCode":"OK-1"}`)}
	}
	env := &testEnv{
		auths:    newMockAuthRepo(),
		eligs:    newMockEligRepo(),
		registry: registry,
		caller:   &mockCaller{results: results},
		provider: p,
	}
	env.svc = NewService(env.auths, env.eligs, registry, env.caller, zerolog.Nop())
	return env
}

func validAuthInput(providerID uuid.UUID) AuthorizationInput {
	return AuthorizationInput{
		ProviderID:         providerID,
		PatientID:          uuid.New(),
		PatientName:        "Maria Silva",
		PatientCPF:         "123.456.789-00",
		ProcedureCode:      "40101010",
		ProcedureName:      "Consulta",
		Urgency:            UrgencyElective,
		ClinicalIndication: "routine evaluation",
	}
}

// -- Authorization tests --

var authNumberPattern = regexp.MustCompile(`^AUTH\d{14}[0-9A-F]{8}$`)

func TestAuthorizationNumberFormat(t *testing.T) {
	n := NewAuthorizationNumber()
	if !authNumberPattern.MatchString(n) {
		t.Errorf("number %q does not match expected format", n)
	}
	e := NewEligibilityNumber()
	if !regexp.MustCompile(`^ELIG\d{14}[0-9A-F]{8}$`).MatchString(e) {
		t.Errorf("number %q does not match expected format", e)
	}
}

func TestCreateAuthorizationDoesNotSubmit(t *testing.T) {
	env := newTestEnv()

	a, err := env.svc.CreateAuthorization(context.Background(), validAuthInput(env.provider.ID))
	if err != nil {
		t.Fatalf("CreateAuthorization: %v", err)
	}
	if a.Status != StatusPending {
		t.Errorf("status = %s, want pending", a.Status)
	}
	if a.AuthorizationNumber == "" {
		t.Error("no authorization number assigned")
	}
	if env.caller.callCount() != 0 {
		t.Errorf("provider was called %d times during create, want 0", env.caller.callCount())
	}
	if a.SubmittedAt != nil {
		t.Error("submittedAt set before submission")
	}
}

func TestCreateAuthorizationValidation(t *testing.T) {
	env := newTestEnv()

	tests := []struct {
		name   string
		mutate func(*AuthorizationInput)
	}{
		{"unknown provider", func(in *AuthorizationInput) { in.ProviderID = uuid.New() }},
		{"missing patient", func(in *AuthorizationInput) { in.PatientID = uuid.Nil }},
		{"missing patient name", func(in *AuthorizationInput) { in.PatientName = "" }},
		{"missing procedure", func(in *AuthorizationInput) { in.ProcedureCode = "" }},
		{"missing indication", func(in *AuthorizationInput) { in.ClinicalIndication = "" }},
		{"bad urgency", func(in *AuthorizationInput) { in.Urgency = "asap" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := validAuthInput(env.provider.ID)
			tc.mutate(&in)
			if _, err := env.svc.CreateAuthorization(context.Background(), in); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestCreateAuthorizationRequiresDoctorWhenProviderDemandsIt(t *testing.T) {
	env := newTestEnv()
	env.provider.RequiresDoctorID = true

	in := validAuthInput(env.provider.ID)
	if _, err := env.svc.CreateAuthorization(context.Background(), in); err == nil {
		t.Fatal("expected error without doctor")
	}

	docID := uuid.New()
	in.DoctorID = &docID
	in.DoctorName = "Dr. Souza"
	in.DoctorCRM = "CRM-SP 12345"
	if _, err := env.svc.CreateAuthorization(context.Background(), in); err != nil {
		t.Fatalf("CreateAuthorization with doctor: %v", err)
	}
}

func TestCreateAuthorizationRetriesNumberCollision(t *testing.T) {
	env := newTestEnv()
	env.auths.failCreates = 2

	a, err := env.svc.CreateAuthorization(context.Background(), validAuthInput(env.provider.ID))
	if err != nil {
		t.Fatalf("CreateAuthorization: %v", err)
	}
	if a.AuthorizationNumber == "" {
		t.Error("no number after retries")
	}

	env.auths.failCreates = numberCollisionRetries
	if _, err := env.svc.CreateAuthorization(context.Background(), validAuthInput(env.provider.ID)); err == nil {
		t.Error("expected failure when every allocation attempt collides")
	}
}

func TestConcurrentCreatesYieldUniqueNumbers(t *testing.T) {
	env := newTestEnv()

	const n = 100
	var wg sync.WaitGroup
	numbers := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := env.svc.CreateAuthorization(context.Background(), validAuthInput(env.provider.ID))
			if err != nil {
				t.Errorf("CreateAuthorization: %v", err)
				return
			}
			numbers <- a.AuthorizationNumber
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[string]bool)
	for num := range numbers {
		if seen[num] {
			t.Fatalf("duplicate authorization number %s", num)
		}
		seen[num] = true
	}
	if len(seen) != n {
		t.Errorf("unique numbers = %d, want %d", len(seen), n)
	}
}

func TestSubmitAuthorizationApproved(t *testing.T) {
	env := newTestEnv(successResult(`{"status":"approved","authorizationCode":"PLAN-777","expiresAt":"2026-09-30T00:00:00Z"}`))

	a, err := env.svc.CreateAuthorization(context.Background(), validAuthInput(env.provider.ID))
	if err != nil {
		t.Fatalf("CreateAuthorization: %v", err)
	}

	got, err := env.svc.SubmitAuthorization(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("SubmitAuthorization: %v", err)
	}
	if got.Status != StatusApproved {
		t.Errorf("status = %s, want approved", got.Status)
	}
	if got.ProviderAuthCode != "PLAN-777" {
		t.Errorf("providerAuthCode = %s, want PLAN-777", got.ProviderAuthCode)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expiresAt = %v, want 2026-09-30", got.ExpiresAt)
	}
	if got.SubmittedAt == nil || got.RespondedAt == nil {
		t.Error("submission timestamps missing")
	}
}

func TestSubmitAuthorizationDenied(t *testing.T) {
	env := newTestEnv(successResult(`{"status":"denied","denialReason":"out of coverage"}`))

	a, _ := env.svc.CreateAuthorization(context.Background(), validAuthInput(env.provider.ID))
	got, err := env.svc.SubmitAuthorization(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("SubmitAuthorization: %v", err)
	}
	if got.Status != StatusDenied {
		t.Errorf("status = %s, want denied", got.Status)
	}
	if got.DenialReason != "out of coverage" {
		t.Errorf("denialReason = %s", got.DenialReason)
	}
}

func TestSubmitAuthorizationMalformedResponseBecomesError(t *testing.T) {
	env := newTestEnv(successResult(`<html>not json</html>`))

	a, _ := env.svc.CreateAuthorization(context.Background(), validAuthInput(env.provider.ID))
	got, err := env.svc.SubmitAuthorization(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("SubmitAuthorization: %v", err)
	}
	if got.Status != StatusError {
		t.Errorf("status = %s, want error", got.Status)
	}

	stored, _ := env.auths.GetByID(context.Background(), a.ID)
	if stored.RawResponse != `<html>not json</html>` {
		t.Errorf("raw response not retained: %q", stored.RawResponse)
	}
}

func TestSubmitAuthorizationTransientLeavesPending(t *testing.T) {
	env := newTestEnv(&connector.Result{
		Outcome: connector.OutcomeTransient,
		Err:     &connector.Error{Outcome: connector.OutcomeTransient, Message: "provider unreachable"},
	})

	a, _ := env.svc.CreateAuthorization(context.Background(), validAuthInput(env.provider.ID))
	_, err := env.svc.SubmitAuthorization(context.Background(), a.ID)
	if err == nil {
		t.Fatal("expected error for transient failure")
	}

	stored, _ := env.auths.GetByID(context.Background(), a.ID)
	if stored.Status != StatusPending {
		t.Errorf("status = %s, want pending (resubmittable)", stored.Status)
	}
}

func TestSubmitAuthorizationRejectsNonPending(t *testing.T) {
	env := newTestEnv(successResult(`{"status":"approved","authorizationCode":"X"}`))

	a, _ := env.svc.CreateAuthorization(context.Background(), validAuthInput(env.provider.ID))
	if _, err := env.svc.SubmitAuthorization(context.Background(), a.ID); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	_, err := env.svc.SubmitAuthorization(context.Background(), a.ID)
	if !errors.Is(err, ErrNotPending) {
		t.Fatalf("second submit error = %v, want ErrNotPending", err)
	}
	if env.caller.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", env.caller.callCount())
	}
}

func TestSubmitAuthorizationRequiresActiveProvider(t *testing.T) {
	env := newTestEnv()
	a, _ := env.svc.CreateAuthorization(context.Background(), validAuthInput(env.provider.ID))

	env.provider.Status = provider.StatusError
	_, err := env.svc.SubmitAuthorization(context.Background(), a.ID)
	if !errors.Is(err, ErrProviderNotReady) {
		t.Fatalf("error = %v, want ErrProviderNotReady", err)
	}
}

func TestSubmitAuthorizationWithoutEndpointIsConfigError(t *testing.T) {
	env := newTestEnv()
	delete(env.registry.endpoints[env.provider.ID], provider.EndpointAuthorization)

	a, _ := env.svc.CreateAuthorization(context.Background(), validAuthInput(env.provider.ID))
	_, err := env.svc.SubmitAuthorization(context.Background(), a.ID)
	var gerr *connector.Error
	if !errors.As(err, &gerr) || gerr.Outcome != connector.OutcomeConfigError {
		t.Fatalf("error = %v, want configuration error", err)
	}
}

func TestApplyOutcomeIsIdempotent(t *testing.T) {
	env := newTestEnv()
	a, _ := env.svc.CreateAuthorization(context.Background(), validAuthInput(env.provider.ID))

	applied, err := env.auths.ApplyOutcome(context.Background(), a.ID, AuthorizationOutcome{
		Status: StatusApproved, ProviderAuthCode: "C1", RawResponse: "{}", RespondedAt: time.Now(),
	})
	if err != nil || !applied {
		t.Fatalf("first apply: applied=%v err=%v", applied, err)
	}
	applied, err = env.auths.ApplyOutcome(context.Background(), a.ID, AuthorizationOutcome{
		Status: StatusDenied, DenialReason: "late answer", RawResponse: "{}", RespondedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if applied {
		t.Fatal("second outcome overwrote a terminal status")
	}

	stored, _ := env.auths.GetByID(context.Background(), a.ID)
	if stored.Status != StatusApproved || stored.ProviderAuthCode != "C1" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestCancelAuthorization(t *testing.T) {
	env := newTestEnv(successResult(`{"status":"approved","authorizationCode":"X"}`))

	a, _ := env.svc.CreateAuthorization(context.Background(), validAuthInput(env.provider.ID))
	if err := env.svc.CancelAuthorization(context.Background(), a.ID); err != nil {
		t.Fatalf("CancelAuthorization: %v", err)
	}
	stored, _ := env.auths.GetByID(context.Background(), a.ID)
	if stored.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", stored.Status)
	}

	b, _ := env.svc.CreateAuthorization(context.Background(), validAuthInput(env.provider.ID))
	if _, err := env.svc.SubmitAuthorization(context.Background(), b.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.svc.CancelAuthorization(context.Background(), b.ID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("cancel after approval error = %v, want ErrNotPending", err)
	}
}

// -- Eligibility tests --

func validEligInput(providerID uuid.UUID) EligibilityInput {
	return EligibilityInput{
		ProviderID:  providerID,
		PatientID:   uuid.New(),
		PatientName: "Maria Silva",
		PatientCPF:  "123.456.789-00",
		CardNumber:  "0123456789",
	}
}

func TestCheckEligibilityRecordsResult(t *testing.T) {
	env := newTestEnv(successResult(`{"eligible":true,"planName":"Unimed Total","message":"ok","coverageEnd":"2026-12-31T00:00:00Z","copay":25.5}`))

	e, err := env.svc.CheckEligibility(context.Background(), validEligInput(env.provider.ID))
	if err != nil {
		t.Fatalf("CheckEligibility: %v", err)
	}
	if e.IsEligible == nil || !*e.IsEligible {
		t.Fatalf("isEligible = %v, want true", e.IsEligible)
	}
	if e.PlanName != "Unimed Total" {
		t.Errorf("planName = %s", e.PlanName)
	}
	if e.CoverageEnd == nil || !e.CoverageEnd.Equal(time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("coverageEnd = %v, want 2026-12-31", e.CoverageEnd)
	}
	if e.Copay == nil || *e.Copay != 25.5 {
		t.Errorf("copay = %v, want 25.5", e.Copay)
	}
	if e.CheckedAt == nil {
		t.Error("checkedAt missing")
	}
}

func TestCheckEligibilityUnreachableLeavesNullResult(t *testing.T) {
	env := newTestEnv(&connector.Result{
		Outcome: connector.OutcomeTransient,
		Err:     &connector.Error{Outcome: connector.OutcomeTransient, Message: "timeout"},
	})

	e, err := env.svc.CheckEligibility(context.Background(), validEligInput(env.provider.ID))
	if err != nil {
		t.Fatalf("CheckEligibility: %v", err)
	}
	// The record documents the attempt; the answer is simply unknown.
	if e.IsEligible != nil {
		t.Fatalf("isEligible = %v, want nil", *e.IsEligible)
	}
	if e.CheckNumber == "" {
		t.Error("check number missing")
	}
}

func TestCheckEligibilityResultIsImmutable(t *testing.T) {
	env := newTestEnv(successResult(`{"eligible":false,"message":"card expired"}`))

	e, err := env.svc.CheckEligibility(context.Background(), validEligInput(env.provider.ID))
	if err != nil {
		t.Fatalf("CheckEligibility: %v", err)
	}
	if e.IsEligible == nil || *e.IsEligible {
		t.Fatalf("isEligible = %v, want false", e.IsEligible)
	}

	recorded, err := env.eligs.RecordResult(context.Background(), e.ID, EligibilityResult{
		IsEligible: true, PlanName: "better plan", RawResponse: "{}", CheckedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	if recorded {
		t.Fatal("a second result overwrote the snapshot")
	}
	stored, _ := env.eligs.GetByID(context.Background(), e.ID)
	if *stored.IsEligible {
		t.Error("stored result changed")
	}
}

func TestCheckEligibilityRequiresActiveProviderAndFields(t *testing.T) {
	env := newTestEnv()

	in := validEligInput(env.provider.ID)
	in.CardNumber = ""
	if _, err := env.svc.CheckEligibility(context.Background(), in); err == nil {
		t.Error("expected error for missing card number")
	}

	env.provider.Status = provider.StatusInactive
	if _, err := env.svc.CheckEligibility(context.Background(), validEligInput(env.provider.ID)); !errors.Is(err, ErrProviderNotReady) {
		t.Error("expected ErrProviderNotReady for inactive provider")
	}
}
