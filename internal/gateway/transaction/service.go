package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/gateway/connector"
	"github.com/clinicore/clinicore/internal/gateway/provider"
	"github.com/clinicore/clinicore/internal/platform/auth"
	"github.com/clinicore/clinicore/pkg/pagination"
)

// numberCollisionRetries is how many times a create is retried when the
// generated business number collides with an existing one.
const numberCollisionRetries = 3

// ErrProviderNotReady is returned when a submission targets a provider that
// is not active.
var ErrProviderNotReady = errors.New("provider is not active")

// ErrNotPending is returned when an operation requires a pending
// authorization and the record is already terminal.
var ErrNotPending = errors.New("authorization is not pending")

// ProviderRegistry is what the transaction service needs from providers.
type ProviderRegistry interface {
	Get(ctx context.Context, id uuid.UUID) (*provider.Provider, error)
	EndpointFor(ctx context.Context, providerID uuid.UUID, t provider.EndpointType) (*provider.Endpoint, error)
}

// Caller abstracts the connector client.
type Caller interface {
	Do(ctx context.Context, req connector.Request) *connector.Result
}

// Service owns the authorization and eligibility workflows. Creating an
// authorization and submitting it to the health plan are separate steps;
// eligibility checks submit immediately.
type Service struct {
	auths     AuthorizationRepository
	eligs     EligibilityRepository
	providers ProviderRegistry
	client    Caller
	logger    zerolog.Logger
}

func NewService(auths AuthorizationRepository, eligs EligibilityRepository, providers ProviderRegistry, client Caller, logger zerolog.Logger) *Service {
	return &Service{auths: auths, eligs: eligs, providers: providers, client: client, logger: logger}
}

// -- Authorizations --

// AuthorizationInput is the creation payload.
type AuthorizationInput struct {
	ProviderID         uuid.UUID  `json:"providerId"`
	PatientID          uuid.UUID  `json:"patientId"`
	PatientName        string     `json:"patientName"`
	PatientCPF         string     `json:"patientCpf"`
	PatientDOB         *time.Time `json:"patientDob"`
	CardNumber         string     `json:"cardNumber"`
	DoctorID           *uuid.UUID `json:"doctorId"`
	DoctorName         string     `json:"doctorName"`
	DoctorCRM          string     `json:"doctorCrm"`
	ProcedureCode      string     `json:"procedureCode"`
	ProcedureName      string     `json:"procedureName"`
	Urgency            string     `json:"urgency"`
	ClinicalIndication string     `json:"clinicalIndication"`
}

// CreateAuthorization validates and stores a new request in pending status.
// Nothing is sent to the provider until SubmitAuthorization.
func (s *Service) CreateAuthorization(ctx context.Context, in AuthorizationInput) (*AuthorizationRequest, error) {
	p, err := s.providers.Get(ctx, in.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("provider not found")
	}

	if in.PatientID == uuid.Nil {
		return nil, fmt.Errorf("patientId is required")
	}
	if in.PatientName == "" {
		return nil, fmt.Errorf("patientName is required")
	}
	if in.ProcedureCode == "" {
		return nil, fmt.Errorf("procedureCode is required")
	}
	if in.ClinicalIndication == "" {
		return nil, fmt.Errorf("clinicalIndication is required")
	}
	if in.Urgency == "" {
		in.Urgency = UrgencyElective
	}
	if !ValidUrgency(in.Urgency) {
		return nil, fmt.Errorf("urgency must be one of elective, urgent, emergency")
	}
	if p.RequiresDoctorID && (in.DoctorID == nil || *in.DoctorID == uuid.Nil) {
		return nil, fmt.Errorf("provider %s requires a requesting doctor", p.Code)
	}

	a := &AuthorizationRequest{
		ProviderID:         in.ProviderID,
		PatientID:          in.PatientID,
		PatientName:        in.PatientName,
		PatientCPF:         in.PatientCPF,
		PatientDOB:         in.PatientDOB,
		CardNumber:         in.CardNumber,
		DoctorID:           in.DoctorID,
		DoctorName:         in.DoctorName,
		DoctorCRM:          in.DoctorCRM,
		ProcedureCode:      in.ProcedureCode,
		ProcedureName:      in.ProcedureName,
		Urgency:            in.Urgency,
		ClinicalIndication: in.ClinicalIndication,
		Status:             StatusPending,
		CreatedBy:          auth.UserIDFromContext(ctx),
	}

	if err := s.createWithNumberRetry(ctx, a); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("authorization_number", a.AuthorizationNumber).
		Str("provider", p.Code).
		Str("urgency", a.Urgency).
		Msg("authorization request created")

	return a, nil
}

func (s *Service) createWithNumberRetry(ctx context.Context, a *AuthorizationRequest) error {
	var err error
	for i := 0; i < numberCollisionRetries; i++ {
		a.AuthorizationNumber = NewAuthorizationNumber()
		err = s.auths.Create(ctx, a)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return err
		}
	}
	return fmt.Errorf("could not allocate authorization number: %w", err)
}

// providerAuthResponse is the payload shape health plans answer with.
type providerAuthResponse struct {
	Status            string     `json:"status"`
	AuthorizationCode string     `json:"authorizationCode"`
	DenialReason      string     `json:"denialReason"`
	ExpiresAt         *time.Time `json:"expiresAt"`
}

// SubmitAuthorization sends a pending authorization to the provider and
// applies the outcome. A transient failure leaves the request pending so it
// can be resubmitted; a response that cannot be interpreted moves it to
// error with the raw payload retained for inspection.
func (s *Service) SubmitAuthorization(ctx context.Context, id uuid.UUID) (*AuthorizationRequest, error) {
	a, err := s.auths.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("authorization not found")
	}
	if a.Status != StatusPending {
		return nil, fmt.Errorf("%w: status is %s", ErrNotPending, a.Status)
	}

	p, err := s.providers.Get(ctx, a.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("provider not found")
	}
	if p.Status != provider.StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrProviderNotReady, p.Code, p.Status)
	}

	endpoint, err := s.providers.EndpointFor(ctx, p.ID, provider.EndpointAuthorization)
	if err != nil {
		return nil, err
	}
	if endpoint == nil {
		return nil, &connector.Error{
			Outcome: connector.OutcomeConfigError,
			Message: fmt.Sprintf("provider %s has no authorization endpoint", p.Code),
		}
	}

	payload, err := json.Marshal(s.authorizationPayload(a))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.auths.MarkSubmitted(ctx, a.ID, now); err != nil {
		return nil, err
	}

	res := s.client.Do(ctx, connector.Request{
		Provider:           p,
		Operation:          "authorization",
		Method:             endpoint.Method,
		URL:                endpoint.URL,
		Body:               payload,
		RateLimitPerMinute: endpoint.RateLimitPerMinute,
		RelatedID:          &a.ID,
	})

	switch res.Outcome {
	case connector.OutcomeSuccess:
		s.applyAuthorizationResponse(ctx, a, res.Body)

	case connector.OutcomePermanent:
		s.applyOutcome(ctx, a, AuthorizationOutcome{
			Status:      StatusError,
			RawResponse: string(res.Body),
		})

	default:
		// Transient, auth and configuration failures leave the request
		// pending: the submission can be repeated once the problem clears.
		return nil, res.Err
	}

	return s.auths.GetByID(ctx, a.ID)
}

func (s *Service) authorizationPayload(a *AuthorizationRequest) map[string]interface{} {
	payload := map[string]interface{}{
		"authorizationNumber": a.AuthorizationNumber,
		"patient": map[string]interface{}{
			"name":       a.PatientName,
			"cpf":        a.PatientCPF,
			"dob":        a.PatientDOB,
			"cardNumber": a.CardNumber,
		},
		"procedure": map[string]interface{}{
			"code": a.ProcedureCode,
			"name": a.ProcedureName,
		},
		"urgency":            a.Urgency,
		"clinicalIndication": a.ClinicalIndication,
	}
	if a.DoctorID != nil {
		payload["doctor"] = map[string]interface{}{
			"name": a.DoctorName,
			"crm":  a.DoctorCRM,
		}
	}
	return payload
}

func (s *Service) applyAuthorizationResponse(ctx context.Context, a *AuthorizationRequest, body []byte) {
	var resp providerAuthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		s.logger.Warn().
			Str("authorization_number", a.AuthorizationNumber).
			Err(err).
			Msg("provider returned unparseable authorization response")
		s.applyOutcome(ctx, a, AuthorizationOutcome{Status: StatusError, RawResponse: string(body)})
		return
	}

	switch resp.Status {
	case "approved":
		s.applyOutcome(ctx, a, AuthorizationOutcome{
			Status:           StatusApproved,
			ProviderAuthCode: resp.AuthorizationCode,
			ExpiresAt:        resp.ExpiresAt,
			RawResponse:      string(body),
		})
	case "denied":
		s.applyOutcome(ctx, a, AuthorizationOutcome{
			Status:       StatusDenied,
			DenialReason: resp.DenialReason,
			RawResponse:  string(body),
		})
	default:
		s.logger.Warn().
			Str("authorization_number", a.AuthorizationNumber).
			Str("provider_status", resp.Status).
			Msg("provider returned unknown authorization status")
		s.applyOutcome(ctx, a, AuthorizationOutcome{Status: StatusError, RawResponse: string(body)})
	}
}

func (s *Service) applyOutcome(ctx context.Context, a *AuthorizationRequest, outcome AuthorizationOutcome) {
	outcome.RespondedAt = time.Now().UTC()
	applied, err := s.auths.ApplyOutcome(ctx, a.ID, outcome)
	if err != nil {
		s.logger.Error().Err(err).
			Str("authorization_number", a.AuthorizationNumber).
			Msg("failed to apply authorization outcome")
		return
	}
	if !applied {
		s.logger.Info().
			Str("authorization_number", a.AuthorizationNumber).
			Str("status", string(outcome.Status)).
			Msg("authorization outcome already applied, skipping")
	}
}

// CancelAuthorization cancels a pending request. Terminal requests cannot be
// cancelled.
func (s *Service) CancelAuthorization(ctx context.Context, id uuid.UUID) error {
	a, err := s.auths.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("authorization not found")
	}
	applied, err := s.auths.ApplyOutcome(ctx, a.ID, AuthorizationOutcome{
		Status:      StatusCancelled,
		RespondedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: status is %s", ErrNotPending, a.Status)
	}
	return nil
}

func (s *Service) GetAuthorization(ctx context.Context, id uuid.UUID) (*AuthorizationRequest, error) {
	return s.auths.GetByID(ctx, id)
}

func (s *Service) ListAuthorizations(ctx context.Context, filter Filter, page pagination.Params) ([]*AuthorizationRequest, int, error) {
	return s.auths.List(ctx, filter, page)
}

// -- Eligibility --

// EligibilityInput is the check payload.
type EligibilityInput struct {
	ProviderID  uuid.UUID `json:"providerId"`
	PatientID   uuid.UUID `json:"patientId"`
	PatientName string    `json:"patientName"`
	PatientCPF  string    `json:"patientCpf"`
	CardNumber  string    `json:"cardNumber"`
}

// providerEligResponse is the payload shape health plans answer with.
type providerEligResponse struct {
	Eligible      *bool      `json:"eligible"`
	PlanName      string     `json:"planName"`
	Message       string     `json:"message"`
	CoverageStart *time.Time `json:"coverageStart"`
	CoverageEnd   *time.Time `json:"coverageEnd"`
	Copay         *float64   `json:"copay"`
	Deductible    *float64   `json:"deductible"`
}

// CheckEligibility records the check and queries the provider immediately.
// If the provider cannot be reached the record is kept with a null result,
// documenting that the verification was attempted but unanswered.
func (s *Service) CheckEligibility(ctx context.Context, in EligibilityInput) (*EligibilityCheck, error) {
	p, err := s.providers.Get(ctx, in.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("provider not found")
	}
	if p.Status != provider.StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrProviderNotReady, p.Code, p.Status)
	}
	if in.PatientID == uuid.Nil {
		return nil, fmt.Errorf("patientId is required")
	}
	if in.PatientName == "" {
		return nil, fmt.Errorf("patientName is required")
	}
	if in.CardNumber == "" {
		return nil, fmt.Errorf("cardNumber is required")
	}

	endpoint, err := s.providers.EndpointFor(ctx, p.ID, provider.EndpointEligibility)
	if err != nil {
		return nil, err
	}
	if endpoint == nil {
		return nil, &connector.Error{
			Outcome: connector.OutcomeConfigError,
			Message: fmt.Sprintf("provider %s has no eligibility endpoint", p.Code),
		}
	}

	e := &EligibilityCheck{
		ProviderID:  in.ProviderID,
		PatientID:   in.PatientID,
		PatientName: in.PatientName,
		PatientCPF:  in.PatientCPF,
		CardNumber:  in.CardNumber,
		CreatedBy:   auth.UserIDFromContext(ctx),
	}
	if err := s.createEligibilityWithNumberRetry(ctx, e); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]interface{}{
		"checkNumber": e.CheckNumber,
		"patient": map[string]interface{}{
			"name":       e.PatientName,
			"cpf":        e.PatientCPF,
			"cardNumber": e.CardNumber,
		},
	})
	if err != nil {
		return nil, err
	}

	method := endpoint.Method
	if method == "" {
		method = http.MethodPost
	}
	res := s.client.Do(ctx, connector.Request{
		Provider:           p,
		Operation:          "eligibility",
		Method:             method,
		URL:                endpoint.URL,
		Body:               payload,
		RateLimitPerMinute: endpoint.RateLimitPerMinute,
		RelatedID:          &e.ID,
	})

	if res.Outcome == connector.OutcomeSuccess {
		s.applyEligibilityResponse(ctx, e, res.Body)
	} else {
		s.logger.Warn().
			Str("check_number", e.CheckNumber).
			Str("outcome", string(res.Outcome)).
			Msg("eligibility check went unanswered")
	}

	return s.eligs.GetByID(ctx, e.ID)
}

func (s *Service) createEligibilityWithNumberRetry(ctx context.Context, e *EligibilityCheck) error {
	var err error
	for i := 0; i < numberCollisionRetries; i++ {
		e.CheckNumber = NewEligibilityNumber()
		err = s.eligs.Create(ctx, e)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return err
		}
	}
	return fmt.Errorf("could not allocate check number: %w", err)
}

func (s *Service) applyEligibilityResponse(ctx context.Context, e *EligibilityCheck, body []byte) {
	var resp providerEligResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Eligible == nil {
		s.logger.Warn().
			Str("check_number", e.CheckNumber).
			Msg("provider returned unparseable eligibility response")
		recorded, rerr := s.eligs.RecordResult(ctx, e.ID, EligibilityResult{
			IsEligible:  false,
			Message:     "provider returned an unreadable response",
			RawResponse: string(body),
			CheckedAt:   time.Now().UTC(),
		})
		if rerr != nil || !recorded {
			s.logger.Error().Err(rerr).Bool("recorded", recorded).
				Str("check_number", e.CheckNumber).
				Msg("failed to record eligibility result")
		}
		return
	}

	recorded, err := s.eligs.RecordResult(ctx, e.ID, EligibilityResult{
		IsEligible:    *resp.Eligible,
		PlanName:      resp.PlanName,
		Message:       resp.Message,
		CoverageStart: resp.CoverageStart,
		CoverageEnd:   resp.CoverageEnd,
		Copay:         resp.Copay,
		Deductible:    resp.Deductible,
		RawResponse:   string(body),
		CheckedAt:     time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("check_number", e.CheckNumber).
			Msg("failed to record eligibility result")
		return
	}
	if !recorded {
		s.logger.Info().
			Str("check_number", e.CheckNumber).
			Msg("eligibility result already recorded, skipping")
	}
}

func (s *Service) GetEligibility(ctx context.Context, id uuid.UUID) (*EligibilityCheck, error) {
	return s.eligs.GetByID(ctx, id)
}

func (s *Service) ListEligibility(ctx context.Context, filter Filter, page pagination.Params) ([]*EligibilityCheck, int, error) {
	filter.Status = ""
	return s.eligs.List(ctx, filter, page)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
