package provider

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/clinicore/pkg/pagination"
)

// Repository persists providers.
type Repository interface {
	Create(ctx context.Context, p *Provider) error
	GetByID(ctx context.Context, id uuid.UUID) (*Provider, error)
	GetByCode(ctx context.Context, code string) (*Provider, error)
	List(ctx context.Context, filter Filter, page pagination.Params) ([]*Provider, int, error)
	Update(ctx context.Context, p *Provider) error
	UpdateCredentials(ctx context.Context, id uuid.UUID, encrypted string) error

	// SetStatus moves a provider from one status to another atomically.
	// Returns false if the provider was not in the expected status.
	SetStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error)

	// RecordTestResult writes the outcome of a connection test alongside the
	// terminal status in a single statement.
	RecordTestResult(ctx context.Context, id uuid.UUID, status Status, connStatus string, connError string, at time.Time) error

	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// EndpointRepository persists provider endpoints.
type EndpointRepository interface {
	Create(ctx context.Context, e *Endpoint) error
	Update(ctx context.Context, e *Endpoint) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByProvider(ctx context.Context, providerID uuid.UUID) ([]*Endpoint, error)
	GetByProviderAndType(ctx context.Context, providerID uuid.UUID, t EndpointType) (*Endpoint, error)
}
