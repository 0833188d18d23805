package tenantcfg

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type mockRepo struct {
	cfg *Configuration
	err error
}

func (m *mockRepo) Get(_ context.Context) (*Configuration, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.cfg == nil {
		d := Defaults()
		m.cfg = &d
	}
	return m.cfg, nil
}

func (m *mockRepo) Update(_ context.Context, c *Configuration) error {
	if m.err != nil {
		return m.err
	}
	m.cfg = c
	return nil
}

func TestConfigurationValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr bool
	}{
		{"defaults", func(c *Configuration) {}, false},
		{"zero timeout", func(c *Configuration) { c.DefaultTimeoutSeconds = 0 }, true},
		{"huge timeout", func(c *Configuration) { c.DefaultTimeoutSeconds = 301 }, true},
		{"negative retries", func(c *Configuration) { c.MaxRetryAttempts = -1 }, true},
		{"too many retries", func(c *Configuration) { c.MaxRetryAttempts = 11 }, true},
		{"zero retries ok", func(c *Configuration) { c.MaxRetryAttempts = 0 }, false},
		{"zero retention", func(c *Configuration) { c.LogRetentionDays = 0 }, true},
		{"negative rate limit", func(c *Configuration) { c.RateLimitPerMinute = -5 }, true},
		{"negative retry delay", func(c *Configuration) { c.RetryDelaySeconds = -1 }, true},
		{"huge retry delay", func(c *Configuration) { c.RetryDelaySeconds = 61 }, true},
		{"negative slow threshold", func(c *Configuration) { c.SlowRequestThresholdMs = -1 }, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestUpdateRejectsInvalidConfiguration(t *testing.T) {
	svc := NewService(&mockRepo{}, zerolog.Nop())

	cfg := Defaults()
	cfg.MaxRetryAttempts = 99
	if _, err := svc.Update(context.Background(), cfg); err == nil {
		t.Fatal("expected validation error")
	}

	cfg = Defaults()
	cfg.MaxRetryAttempts = 5
	got, err := svc.Update(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.MaxRetryAttempts != 5 {
		t.Errorf("MaxRetryAttempts = %d, want 5", got.MaxRetryAttempts)
	}
}

func TestConnectorPolicyReflectsConfiguration(t *testing.T) {
	repo := &mockRepo{cfg: &Configuration{
		DefaultTimeoutSeconds:  12,
		MaxRetryAttempts:       1,
		RetryDelaySeconds:      2,
		LogAllRequests:         false,
		LogResponseBodies:      true,
		MaskLogs:               true,
		LogRetentionDays:       30,
		RateLimitPerMinute:     120,
		NotifyOnSlowRequests:   true,
		SlowRequestThresholdMs: 2500,
	}}
	svc := NewService(repo, zerolog.Nop())

	p := svc.ConnectorPolicy(context.Background())
	if p.DefaultTimeout != 12*time.Second {
		t.Errorf("DefaultTimeout = %v, want 12s", p.DefaultTimeout)
	}
	if p.MaxRetries != 1 || p.LogAllRequests || !p.LogResponseBodies || p.RateLimitPerMinute != 120 {
		t.Errorf("policy = %+v", p)
	}
	if p.RetryDelay != 2*time.Second || !p.MaskLogs || !p.NotifyOnSlowRequests || p.SlowRequestThreshold != 2500*time.Millisecond {
		t.Errorf("policy = %+v", p)
	}
}

func TestConnectorPolicyFallsBackToDefaults(t *testing.T) {
	svc := NewService(&mockRepo{err: fmt.Errorf("database down")}, zerolog.Nop())

	p := svc.ConnectorPolicy(context.Background())
	if p.DefaultTimeout != 30*time.Second || p.MaxRetries != 3 || !p.LogAllRequests {
		t.Errorf("fallback policy = %+v", p)
	}
}
