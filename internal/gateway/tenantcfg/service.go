package tenantcfg

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/gateway/connector"
)

// Service reads and updates the tenant configuration and adapts it to the
// connector's policy interface.
type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

func (s *Service) Get(ctx context.Context) (*Configuration, error) {
	return s.repo.Get(ctx)
}

func (s *Service) Update(ctx context.Context, c Configuration) (*Configuration, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ConnectorPolicy implements connector.PolicySource. When the configuration
// cannot be loaded the connector still has to work, so defaults apply.
func (s *Service) ConnectorPolicy(ctx context.Context) connector.Policy {
	cfg, err := s.repo.Get(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("tenant configuration unavailable, using defaults")
		d := Defaults()
		cfg = &d
	}
	return connector.Policy{
		DefaultTimeout:       time.Duration(cfg.DefaultTimeoutSeconds) * time.Second,
		MaxRetries:           cfg.MaxRetryAttempts,
		RetryDelay:           time.Duration(cfg.RetryDelaySeconds) * time.Second,
		LogAllRequests:       cfg.LogAllRequests,
		LogResponseBodies:    cfg.LogResponseBodies,
		MaskLogs:             cfg.MaskLogs,
		RateLimitPerMinute:   cfg.RateLimitPerMinute,
		NotifyOnErrors:       cfg.NotifyOnErrors,
		NotifyOnSlowRequests: cfg.NotifyOnSlowRequests,
		SlowRequestThreshold: time.Duration(cfg.SlowRequestThresholdMs) * time.Millisecond,
	}
}
