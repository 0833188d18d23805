package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/platform/crypto"
	"github.com/clinicore/clinicore/pkg/pagination"
)

// ErrInvalidTransition is returned when a status change violates the
// provider lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

var codePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,63}$`)

// Service owns provider registration and lifecycle. Credentials are validated
// against the auth method and encrypted before they reach the repository, so
// a provider row never exists with malformed or plaintext credentials.
type Service struct {
	repo      Repository
	endpoints EndpointRepository
	crypto    *crypto.Service
	logger    zerolog.Logger
}

func NewService(repo Repository, endpoints EndpointRepository, cryptoSvc *crypto.Service, logger zerolog.Logger) *Service {
	return &Service{repo: repo, endpoints: endpoints, crypto: cryptoSvc, logger: logger}
}

// CreateInput carries the registration payload. Credentials arrive in
// plaintext over the API and are never stored that way.
type CreateInput struct {
	Code                  string      `json:"code"`
	Name                  string      `json:"name"`
	CNPJ                  string      `json:"cnpj"`
	Website               string      `json:"website"`
	Description           string      `json:"description"`
	AuthMethod            AuthMethod  `json:"authMethod"`
	BaseURL               string      `json:"baseUrl"`
	APIVersion            string      `json:"apiVersion"`
	TimeoutSeconds        int         `json:"timeoutSeconds"`
	RequiresDoctorID      bool        `json:"requiresDoctorId"`
	SupportsAuthorization bool        `json:"supportsAuthorization"`
	SupportsEligibility   bool        `json:"supportsEligibility"`
	SupportsSADT          bool        `json:"supportsSadt"`
	Credentials           Credentials `json:"credentials"`
}

func (s *Service) Register(ctx context.Context, in CreateInput) (*Provider, error) {
	if !codePattern.MatchString(in.Code) {
		return nil, fmt.Errorf("code must be 2-64 lowercase letters, digits, '-' or '_'")
	}
	if in.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if err := validateBaseURL(in.BaseURL); err != nil {
		return nil, err
	}
	if !ValidAuthMethod(in.AuthMethod) {
		return nil, fmt.Errorf("unknown auth method: %s", in.AuthMethod)
	}
	if in.TimeoutSeconds < 0 {
		return nil, fmt.Errorf("timeoutSeconds must not be negative")
	}
	if err := in.Credentials.Validate(in.AuthMethod); err != nil {
		return nil, err
	}

	encrypted, err := s.encryptCredentials(in.Credentials)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		Code:                  in.Code,
		Name:                  in.Name,
		CNPJ:                  in.CNPJ,
		Website:               in.Website,
		Description:           in.Description,
		AuthMethod:            in.AuthMethod,
		BaseURL:               in.BaseURL,
		APIVersion:            in.APIVersion,
		TimeoutSeconds:        in.TimeoutSeconds,
		RequiresDoctorID:      in.RequiresDoctorID,
		SupportsAuthorization: in.SupportsAuthorization,
		SupportsEligibility:   in.SupportsEligibility,
		SupportsSADT:          in.SupportsSADT,
		Status:                StatusInactive,
		encryptedCredentials:  encrypted,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("provider_id", p.ID.String()).
		Str("code", p.Code).
		Str("auth_method", string(p.AuthMethod)).
		Msg("provider registered")

	return p, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Provider, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByCode(ctx context.Context, code string) (*Provider, error) {
	return s.repo.GetByCode(ctx, code)
}

func (s *Service) List(ctx context.Context, filter Filter, page pagination.Params) ([]*Provider, int, error) {
	return s.repo.List(ctx, filter, page)
}

// UpdateInput carries mutable non-credential fields. Code, auth method and
// status are not updatable through this path.
type UpdateInput struct {
	Name                  string `json:"name"`
	CNPJ                  string `json:"cnpj"`
	Website               string `json:"website"`
	Description           string `json:"description"`
	BaseURL               string `json:"baseUrl"`
	APIVersion            string `json:"apiVersion"`
	TimeoutSeconds        int    `json:"timeoutSeconds"`
	RequiresDoctorID      bool   `json:"requiresDoctorId"`
	SupportsAuthorization bool   `json:"supportsAuthorization"`
	SupportsEligibility   bool   `json:"supportsEligibility"`
	SupportsSADT          bool   `json:"supportsSadt"`
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*Provider, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Name != "" {
		p.Name = in.Name
	}
	if in.BaseURL != "" {
		if err := validateBaseURL(in.BaseURL); err != nil {
			return nil, err
		}
		p.BaseURL = in.BaseURL
	}
	if in.TimeoutSeconds < 0 {
		return nil, fmt.Errorf("timeoutSeconds must not be negative")
	}
	p.CNPJ = in.CNPJ
	p.Website = in.Website
	p.Description = in.Description
	p.APIVersion = in.APIVersion
	p.TimeoutSeconds = in.TimeoutSeconds
	p.RequiresDoctorID = in.RequiresDoctorID
	p.SupportsAuthorization = in.SupportsAuthorization
	p.SupportsEligibility = in.SupportsEligibility
	p.SupportsSADT = in.SupportsSADT

	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateCredentials replaces a provider's credentials. The new credentials
// must match the provider's existing auth method.
func (s *Service) UpdateCredentials(ctx context.Context, id uuid.UUID, creds Credentials) error {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := creds.Validate(p.AuthMethod); err != nil {
		return err
	}
	encrypted, err := s.encryptCredentials(creds)
	if err != nil {
		return err
	}
	return s.repo.UpdateCredentials(ctx, id, encrypted)
}

// Deactivate moves a provider to inactive regardless of its current status.
// Existing transactions and logs are retained.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) error {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if p.Status == StatusInactive {
		return nil
	}
	ok, err := s.repo.SetStatus(ctx, id, p.Status, StatusInactive)
	if err != nil {
		return err
	}
	if !ok {
		// Lost a race with another status change; deactivation still wins.
		cur, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status == StatusInactive {
			return nil
		}
		_, err = s.repo.SetStatus(ctx, id, cur.Status, StatusInactive)
		return err
	}
	return nil
}

// Transition applies a lifecycle move after validating it against the
// transition table. Returns ErrInvalidTransition for disallowed moves and
// for lost races (the row was no longer in the expected status).
func (s *Service) Transition(ctx context.Context, id uuid.UUID, from, to Status) error {
	if !ValidStatus(to) {
		return fmt.Errorf("unknown status: %s", to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	ok, err := s.repo.SetStatus(ctx, id, from, to)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: provider no longer in status %s", ErrInvalidTransition, from)
	}
	return nil
}

// RecordTestResult persists the outcome of a connection test.
func (s *Service) RecordTestResult(ctx context.Context, id uuid.UUID, status Status, connStatus, connError string) error {
	return s.repo.RecordTestResult(ctx, id, status, connStatus, connError, time.Now().UTC())
}

// DecryptedCredentials returns the plaintext credentials for outbound calls.
// Never exposed over the API.
func (s *Service) DecryptedCredentials(ctx context.Context, p *Provider) (Credentials, error) {
	if p.encryptedCredentials == "" {
		return Credentials{}, fmt.Errorf("provider %s has no stored credentials", p.Code)
	}
	raw, err := s.crypto.Decrypt(p.encryptedCredentials)
	if err != nil {
		return Credentials{}, fmt.Errorf("decrypt credentials for %s: %w", p.Code, err)
	}
	return UnmarshalCredentials(raw)
}

func (s *Service) CountByStatus(ctx context.Context) (map[Status]int, error) {
	return s.repo.CountByStatus(ctx)
}

// -- Endpoints --

// EndpointInput carries an endpoint create/update payload.
type EndpointInput struct {
	Type               EndpointType `json:"endpointType"`
	URL                string       `json:"url"`
	Method             string       `json:"method"`
	RateLimitPerMinute int          `json:"rateLimitPerMinute"`
}

func (s *Service) AddEndpoint(ctx context.Context, providerID uuid.UUID, in EndpointInput) (*Endpoint, error) {
	if _, err := s.repo.GetByID(ctx, providerID); err != nil {
		return nil, fmt.Errorf("provider not found")
	}
	if in.Type == "" {
		return nil, fmt.Errorf("endpointType is required")
	}
	if _, err := url.ParseRequestURI(in.URL); err != nil {
		return nil, fmt.Errorf("url is not valid: %w", err)
	}
	if in.RateLimitPerMinute < 0 {
		return nil, fmt.Errorf("rateLimitPerMinute must not be negative")
	}
	e := &Endpoint{
		ProviderID:         providerID,
		Type:               in.Type,
		URL:                in.URL,
		Method:             in.Method,
		RateLimitPerMinute: in.RateLimitPerMinute,
	}
	if err := s.endpoints.Create(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) UpdateEndpoint(ctx context.Context, id uuid.UUID, in EndpointInput) error {
	if _, err := url.ParseRequestURI(in.URL); err != nil {
		return fmt.Errorf("url is not valid: %w", err)
	}
	if in.RateLimitPerMinute < 0 {
		return fmt.Errorf("rateLimitPerMinute must not be negative")
	}
	method := in.Method
	if method == "" {
		method = "POST"
	}
	return s.endpoints.Update(ctx, &Endpoint{
		ID:                 id,
		URL:                in.URL,
		Method:             method,
		RateLimitPerMinute: in.RateLimitPerMinute,
	})
}

func (s *Service) RemoveEndpoint(ctx context.Context, id uuid.UUID) error {
	return s.endpoints.Delete(ctx, id)
}

func (s *Service) ListEndpoints(ctx context.Context, providerID uuid.UUID) ([]*Endpoint, error) {
	return s.endpoints.ListByProvider(ctx, providerID)
}

// EndpointFor resolves the endpoint a provider exposes for an operation, or
// nil if none is configured.
func (s *Service) EndpointFor(ctx context.Context, providerID uuid.UUID, t EndpointType) (*Endpoint, error) {
	e, err := s.endpoints.GetByProviderAndType(ctx, providerID, t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func (s *Service) encryptCredentials(creds Credentials) (string, error) {
	raw, err := creds.Marshal()
	if err != nil {
		return "", err
	}
	encrypted, err := s.crypto.Encrypt(raw)
	if err != nil {
		if errors.Is(err, crypto.ErrNoEncryptionKey) {
			return "", fmt.Errorf("cannot store credentials: %w", err)
		}
		return "", err
	}
	return encrypted, nil
}

func validateBaseURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("baseUrl is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("baseUrl must use http or https")
	}
	return nil
}
