package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/gateway/provider"
)

// Connection test results as stored on the provider row.
const (
	ConnSuccess = "success"
	ConnError   = "error"
	ConnTimeout = "timeout"
)

// EndpointResolver finds the configured endpoint for an operation.
type EndpointResolver interface {
	EndpointFor(ctx context.Context, providerID uuid.UUID, t provider.EndpointType) (*provider.Endpoint, error)
}

// ProviderRegistry is what the tester needs from the provider service.
type ProviderRegistry interface {
	EndpointResolver
	Get(ctx context.Context, id uuid.UUID) (*provider.Provider, error)
	Transition(ctx context.Context, id uuid.UUID, from, to provider.Status) error
	RecordTestResult(ctx context.Context, id uuid.UUID, status provider.Status, connStatus, connError string) error
}

// TestReport is the outcome of a connection test.
type TestReport struct {
	ProviderID       uuid.UUID       `json:"providerId"`
	Success          bool            `json:"success"`
	Status           provider.Status `json:"status"`
	ConnectionStatus string          `json:"connectionStatus"`
	StatusCode       int             `json:"statusCode,omitempty"`
	LatencyMs        int64           `json:"latencyMs"`
	Error            string          `json:"error,omitempty"`
	TestedAt         time.Time       `json:"testedAt"`
}

// Tester probes a provider's health endpoint and moves the provider to its
// terminal status. A test is a single attempt with no retries.
type Tester struct {
	providers ProviderRegistry
	client    *Client
	logger    zerolog.Logger
}

func NewTester(providers ProviderRegistry, client *Client, logger zerolog.Logger) *Tester {
	return &Tester{providers: providers, client: client, logger: logger}
}

// TestConnection moves the provider into testing, performs one probe and
// records the terminal status: active on success, error otherwise. Whatever
// happens, the provider never remains in testing. An empty endpointType
// probes the health endpoint (or baseURL/health when none is configured);
// a named type probes that endpoint instead.
func (t *Tester) TestConnection(ctx context.Context, providerID uuid.UUID, endpointType provider.EndpointType) (*TestReport, error) {
	p, err := t.providers.Get(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("provider not found")
	}

	if err := t.providers.Transition(ctx, p.ID, p.Status, provider.StatusTesting); err != nil {
		return nil, err
	}

	report := &TestReport{
		ProviderID:       p.ID,
		Status:           provider.StatusError,
		ConnectionStatus: ConnError,
		Error:            "test aborted",
		TestedAt:         time.Now().UTC(),
	}

	defer func() {
		// The terminal write must survive caller cancellation.
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := t.providers.RecordTestResult(recordCtx, p.ID, report.Status, report.ConnectionStatus, report.Error); rerr != nil {
			t.logger.Error().Err(rerr).
				Str("provider", p.Code).
				Msg("failed to record connection test result")
		}
	}()

	url, rateLimit, err := t.probeURL(ctx, p, endpointType)
	if err != nil {
		report.Error = err.Error()
		return report, nil
	}

	res := t.client.Probe(ctx, Request{
		Provider:           p,
		Operation:          "connection_test",
		Method:             http.MethodGet,
		URL:                url,
		RateLimitPerMinute: rateLimit,
	})

	report.StatusCode = res.StatusCode
	report.LatencyMs = res.Latency.Milliseconds()

	if res.Success() {
		report.Success = true
		report.Status = provider.StatusActive
		report.ConnectionStatus = ConnSuccess
		report.Error = ""
		return report, nil
	}

	report.ConnectionStatus = ConnError
	if res.Err != nil {
		report.Error = res.Err.Error()
		if errors.Is(res.Err, context.DeadlineExceeded) {
			report.ConnectionStatus = ConnTimeout
		}
	} else {
		report.Error = fmt.Sprintf("probe returned status %d", res.StatusCode)
	}
	return report, nil
}

func (t *Tester) probeURL(ctx context.Context, p *provider.Provider, endpointType provider.EndpointType) (string, int, error) {
	if endpointType != "" {
		e, err := t.providers.EndpointFor(ctx, p.ID, endpointType)
		if err != nil {
			return "", 0, err
		}
		if e == nil {
			return "", 0, fmt.Errorf("provider %s has no %s endpoint", p.Code, endpointType)
		}
		return e.URL, e.RateLimitPerMinute, nil
	}

	e, err := t.providers.EndpointFor(ctx, p.ID, provider.EndpointHealthCheck)
	if err != nil {
		return "", 0, err
	}
	if e != nil {
		return e.URL, e.RateLimitPerMinute, nil
	}
	return strings.TrimSuffix(p.BaseURL, "/") + "/health", 0, nil
}
