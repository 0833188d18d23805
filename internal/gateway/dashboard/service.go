package dashboard

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/gateway/connlog"
	"github.com/clinicore/clinicore/internal/gateway/provider"
	"github.com/clinicore/clinicore/pkg/pagination"
)

const (
	recentErrorLimit  = 5
	providerListLimit = 200
)

// ProviderReader is what the dashboard needs from the provider store.
type ProviderReader interface {
	CountByStatus(ctx context.Context) (map[provider.Status]int, error)
	List(ctx context.Context, filter provider.Filter, page pagination.Params) ([]*provider.Provider, int, error)
}

// LogReader is what the dashboard needs from the connection log.
type LogReader interface {
	StatsSince(ctx context.Context, since time.Time) (*connlog.Stats, error)
	RecentErrors(ctx context.Context, limit int) ([]*connlog.Entry, error)
}

// ProviderHealth is one provider's row on the dashboard.
type ProviderHealth struct {
	ID                   uuid.UUID       `json:"id"`
	Code                 string          `json:"code"`
	Name                 string          `json:"name"`
	Status               provider.Status `json:"status"`
	LastConnectionStatus string          `json:"lastConnectionStatus,omitempty"`
	LastConnectionAt     *time.Time      `json:"lastConnectionAt,omitempty"`
}

// Summary is the integration health snapshot shown on the admin dashboard.
type Summary struct {
	ProvidersByStatus map[provider.Status]int `json:"providersByStatus"`
	Providers         []ProviderHealth        `json:"providers"`
	RequestsToday     int                     `json:"requestsToday"`
	SuccessRate       float64                 `json:"successRate"`
	AvgLatencyMs      float64                 `json:"avgLatencyMs"`
	RecentErrors      []*connlog.Entry        `json:"recentErrors"`
	GeneratedAt       time.Time               `json:"generatedAt"`
}

type Service struct {
	providers ProviderReader
	logs      LogReader
	logger    zerolog.Logger
}

func NewService(providers ProviderReader, logs LogReader, logger zerolog.Logger) *Service {
	return &Service{providers: providers, logs: logs, logger: logger}
}

// Summary aggregates provider counts and today's traffic. "Today" is the
// current UTC day, not a rolling 24h window.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	counts, err := s.providers.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	items, _, err := s.providers.List(ctx, provider.Filter{}, pagination.Params{Limit: providerListLimit})
	if err != nil {
		return nil, err
	}
	health := make([]ProviderHealth, 0, len(items))
	for _, p := range items {
		health = append(health, ProviderHealth{
			ID:                   p.ID,
			Code:                 p.Code,
			Name:                 p.Name,
			Status:               p.Status,
			LastConnectionStatus: p.LastConnectionStatus,
			LastConnectionAt:     p.LastConnectionAt,
		})
	}

	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	stats, err := s.logs.StatsSince(ctx, midnight)
	if err != nil {
		return nil, err
	}

	recent, err := s.logs.RecentErrors(ctx, recentErrorLimit)
	if err != nil {
		// The dashboard is still useful without the error feed.
		s.logger.Warn().Err(err).Msg("failed to load recent connection errors")
		recent = nil
	}

	return &Summary{
		ProvidersByStatus: counts,
		Providers:         health,
		RequestsToday:     stats.Total,
		SuccessRate:       stats.SuccessRate,
		AvgLatencyMs:      stats.AvgLatency,
		RecentErrors:      recent,
		GeneratedAt:       now,
	}, nil
}
