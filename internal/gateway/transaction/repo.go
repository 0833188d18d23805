package transaction

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/clinicore/pkg/pagination"
)

// AuthorizationRepository persists authorization requests.
type AuthorizationRepository interface {
	Create(ctx context.Context, a *AuthorizationRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*AuthorizationRequest, error)
	GetByNumber(ctx context.Context, number string) (*AuthorizationRequest, error)
	List(ctx context.Context, filter Filter, page pagination.Params) ([]*AuthorizationRequest, int, error)

	// MarkSubmitted stamps the submission time. The status stays pending
	// until an outcome arrives.
	MarkSubmitted(ctx context.Context, id uuid.UUID, at time.Time) error

	// ApplyOutcome moves a pending authorization to a terminal status.
	// Returns false when the row was no longer pending, which makes outcome
	// application idempotent under races.
	ApplyOutcome(ctx context.Context, id uuid.UUID, outcome AuthorizationOutcome) (bool, error)
}

// EligibilityRepository persists eligibility checks.
type EligibilityRepository interface {
	Create(ctx context.Context, e *EligibilityCheck) error
	GetByID(ctx context.Context, id uuid.UUID) (*EligibilityCheck, error)
	List(ctx context.Context, filter Filter, page pagination.Params) ([]*EligibilityCheck, int, error)

	// RecordResult writes the provider's answer exactly once. Returns false
	// when a result was already recorded.
	RecordResult(ctx context.Context, id uuid.UUID, result EligibilityResult) (bool, error)
}
