package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Outcome classifies how an outbound provider call ended. The classification
// drives retry behavior: only transient outcomes are ever retried.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeConfigError Outcome = "configuration_error"
	OutcomeAuthError   Outcome = "auth_error"
	OutcomeTransient   Outcome = "transient_error"
	OutcomePermanent   Outcome = "permanent_error"
	OutcomeCancelled   Outcome = "cancelled"
)

// Retryable reports whether the outcome may be retried.
func (o Outcome) Retryable() bool {
	return o == OutcomeTransient
}

// Error is a classified gateway failure.
type Error struct {
	Outcome    Outcome
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Outcome, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Outcome, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Result is the terminal outcome of a provider call, after all retries.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Body       []byte
	Attempts   int
	Latency    time.Duration
	Err        error
}

func (r *Result) Success() bool { return r.Outcome == OutcomeSuccess }

// classifyStatus maps an HTTP response code to an outcome.
func classifyStatus(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return OutcomeSuccess
	// Only 401 is the credential path; 403 means the credentials worked but
	// the operation is forbidden, so a new token cannot help.
	case code == 401:
		return OutcomeAuthError
	case code == 408 || code == 429:
		return OutcomeTransient
	case code >= 500:
		return OutcomeTransient
	default:
		return OutcomePermanent
	}
}

// classifyErr maps a transport-level error to an outcome. Context
// cancellation is the caller giving up and is never retried; deadline
// expiry counts as a timeout, which is transient.
func classifyErr(ctx context.Context, err error) Outcome {
	if errors.Is(err, context.Canceled) {
		return OutcomeCancelled
	}
	if ctx.Err() == context.Canceled {
		return OutcomeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTransient
	}
	return OutcomeTransient
}
