package tenantcfg

import "context"

// Repository persists the tenant configuration singleton.
type Repository interface {
	Get(ctx context.Context) (*Configuration, error)
	Update(ctx context.Context, c *Configuration) error
}
