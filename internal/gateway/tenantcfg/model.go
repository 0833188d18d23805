package tenantcfg

import (
	"fmt"
	"time"
)

// Configuration is the single per-tenant row of gateway settings. Every
// tenant has exactly one; reading it creates it with defaults if missing.
type Configuration struct {
	DefaultTimeoutSeconds  int       `json:"defaultTimeoutSeconds"`
	MaxRetryAttempts       int       `json:"maxRetryAttempts"`
	RetryDelaySeconds      int       `json:"retryDelaySeconds"`
	LogAllRequests         bool      `json:"logAllRequests"`
	LogResponseBodies      bool      `json:"logResponseBodies"`
	MaskLogs               bool      `json:"maskLogs"`
	LogRetentionDays       int       `json:"logRetentionDays"`
	RateLimitPerMinute     int       `json:"rateLimitPerMinute"`
	NotifyOnErrors         bool      `json:"notifyOnErrors"`
	NotifyOnSlowRequests   bool      `json:"notifyOnSlowRequests"`
	SlowRequestThresholdMs int       `json:"slowRequestThresholdMs"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// Defaults returns the configuration a tenant starts with.
func Defaults() Configuration {
	return Configuration{
		DefaultTimeoutSeconds:  30,
		MaxRetryAttempts:       3,
		RetryDelaySeconds:      1,
		LogAllRequests:         true,
		LogResponseBodies:      false,
		MaskLogs:               true,
		LogRetentionDays:       90,
		RateLimitPerMinute:     0,
		NotifyOnErrors:         true,
		NotifyOnSlowRequests:   false,
		SlowRequestThresholdMs: 5000,
	}
}

func (c Configuration) Validate() error {
	if c.DefaultTimeoutSeconds < 1 || c.DefaultTimeoutSeconds > 300 {
		return fmt.Errorf("defaultTimeoutSeconds must be between 1 and 300")
	}
	if c.MaxRetryAttempts < 0 || c.MaxRetryAttempts > 10 {
		return fmt.Errorf("maxRetryAttempts must be between 0 and 10")
	}
	if c.RetryDelaySeconds < 0 || c.RetryDelaySeconds > 60 {
		return fmt.Errorf("retryDelaySeconds must be between 0 and 60")
	}
	if c.LogRetentionDays < 1 {
		return fmt.Errorf("logRetentionDays must be positive")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("rateLimitPerMinute must not be negative")
	}
	if c.SlowRequestThresholdMs < 0 {
		return fmt.Errorf("slowRequestThresholdMs must not be negative")
	}
	return nil
}
