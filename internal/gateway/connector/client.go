package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/clinicore/clinicore/internal/gateway/connlog"
	"github.com/clinicore/clinicore/internal/gateway/provider"
	"github.com/clinicore/clinicore/internal/platform/auth"
)

// maxLoggedBodyBytes caps how much of a response body is copied into a
// connection log row.
const maxLoggedBodyBytes = 1024

// defaultSlowThreshold marks attempts worth a warning even when they succeed,
// used when the tenant has not configured a threshold.
const defaultSlowThreshold = 5 * time.Second

// Policy carries the tenant-level knobs the connector honors on every call.
type Policy struct {
	DefaultTimeout       time.Duration
	MaxRetries           int
	RetryDelay           time.Duration
	LogAllRequests       bool
	LogResponseBodies    bool
	MaskLogs             bool
	RateLimitPerMinute   int
	NotifyOnErrors       bool
	NotifyOnSlowRequests bool
	SlowRequestThreshold time.Duration
}

// PolicySource supplies the current tenant policy. Implementations fall back
// to safe defaults when configuration is unavailable.
type PolicySource interface {
	ConnectorPolicy(ctx context.Context) Policy
}

// staticPolicy is a PolicySource with fixed values, used as a fallback and in
// tests.
type staticPolicy struct{ p Policy }

func (s staticPolicy) ConnectorPolicy(context.Context) Policy { return s.p }

// StaticPolicy returns a PolicySource that always yields p.
func StaticPolicy(p Policy) PolicySource { return staticPolicy{p: p} }

// Request describes one logical call to a provider endpoint.
// RateLimitPerMinute is the endpoint's own limit; zero falls back to the
// tenant policy. RelatedID links the resulting log rows to the domain
// transaction that triggered the call.
type Request struct {
	Provider           *provider.Provider
	Operation          string
	Method             string
	URL                string
	Body               []byte
	Headers            map[string]string
	RateLimitPerMinute int
	RelatedID          *uuid.UUID
}

// CredentialSource resolves decrypted credentials for a provider.
type CredentialSource interface {
	DecryptedCredentials(ctx context.Context, p *provider.Provider) (provider.Credentials, error)
}

// Client performs outbound calls to health plan providers: authentication,
// timeouts, selective retries and per-attempt audit logging.
type Client struct {
	creds      CredentialSource
	logs       connlog.Recorder
	policy     PolicySource
	tokens     *TokenManager
	httpClient *http.Client
	logger     zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewClient(creds CredentialSource, logs connlog.Recorder, policy PolicySource, tokens *TokenManager, logger zerolog.Logger) *Client {
	if policy == nil {
		policy = StaticPolicy(Policy{DefaultTimeout: 30 * time.Second, MaxRetries: 3, LogAllRequests: true})
	}
	return &Client{
		creds:  creds,
		logs:   logs,
		policy: policy,
		tokens: tokens,
		// Per-call deadlines come from provider or tenant configuration, so
		// the shared client carries no timeout of its own.
		httpClient: &http.Client{},
		logger:     logger,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// SetHTTPClient replaces the underlying HTTP client. Used by tests.
func (c *Client) SetHTTPClient(hc *http.Client) { c.httpClient = hc }

// Do executes the request with the provider's auth, the effective timeout and
// the retry policy. Every network attempt is recorded as one connection log
// entry. Only transient failures are retried; a 401 triggers at most one
// token refresh before the call is declared an auth failure.
func (c *Client) Do(ctx context.Context, req Request) *Result {
	policy := c.policy.ConnectorPolicy(ctx)
	start := time.Now()

	result := c.do(ctx, req, policy)
	result.Latency = time.Since(start)

	evt := c.logger.Info()
	if !result.Success() {
		evt = c.logger.Warn().Err(result.Err)
	}
	evt.
		Str("provider", req.Provider.Code).
		Str("operation", req.Operation).
		Str("outcome", string(result.Outcome)).
		Int("attempts", result.Attempts).
		Dur("latency", result.Latency).
		Msg("provider call finished")

	return result
}

// Probe is a single-attempt call with no retries, used by connection tests.
func (c *Client) Probe(ctx context.Context, req Request) *Result {
	policy := c.policy.ConnectorPolicy(ctx)
	policy.MaxRetries = 0

	start := time.Now()
	result := c.do(ctx, req, policy)
	result.Latency = time.Since(start)
	return result
}

func (c *Client) do(ctx context.Context, req Request, policy Policy) *Result {
	if req.Provider == nil {
		return &Result{Outcome: OutcomeConfigError, Err: &Error{
			Outcome: OutcomeConfigError, Message: "no provider on request"}}
	}

	creds, err := c.creds.DecryptedCredentials(ctx, req.Provider)
	if err != nil {
		return &Result{Outcome: OutcomeConfigError, Err: &Error{
			Outcome: OutcomeConfigError,
			Message: "credentials unavailable",
			Err:     err,
		}}
	}

	if err := c.waitForSlot(ctx, req, policy); err != nil {
		return &Result{Outcome: OutcomeCancelled, Err: err}
	}

	timeout := policy.DefaultTimeout
	if req.Provider.TimeoutSeconds > 0 {
		timeout = time.Duration(req.Provider.TimeoutSeconds) * time.Second
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	if policy.RetryDelay > 0 {
		bo.InitialInterval = policy.RetryDelay
	}
	bo.MaxInterval = 10 * time.Second
	bo.Reset()

	reauthed := false
	attempt := 0
	var last *Result

	for {
		attempt++
		last = c.attempt(ctx, req, creds, policy, timeout, attempt)
		last.Attempts = attempt

		switch last.Outcome {
		case OutcomeSuccess, OutcomeConfigError, OutcomePermanent, OutcomeCancelled:
			return last

		case OutcomeAuthError:
			// One token refresh per call, and only when the token can
			// actually change between attempts.
			if req.Provider.AuthMethod == provider.AuthOAuth2 && !reauthed {
				reauthed = true
				c.tokens.Invalidate(req.Provider.ID)
				continue
			}
			return last

		case OutcomeTransient:
			if attempt > policy.MaxRetries {
				return last
			}
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return last
			}
			select {
			case <-ctx.Done():
				last.Outcome = OutcomeCancelled
				last.Err = ctx.Err()
				return last
			case <-time.After(wait):
			}
		}
	}
}

// attempt performs a single network attempt and records it.
func (c *Client) attempt(ctx context.Context, req Request, creds provider.Credentials, policy Policy, timeout time.Duration, attempt int) *Result {
	entry := &connlog.Entry{
		ProviderID: req.Provider.ID,
		Operation:  req.Operation,
		URL:        req.URL,
		Method:     req.Method,
		Attempt:    attempt,
		RelatedID:  req.RelatedID,
		UserID:     auth.UserIDFromContext(ctx),
	}

	res := c.attemptOnce(ctx, req, creds, timeout, entry)

	entry.Success = res.Outcome == OutcomeSuccess
	if !entry.Success {
		entry.ErrorType = string(res.Outcome)
		if res.Err != nil {
			entry.ErrorMessage = res.Err.Error()
		}
	}
	if policy.LogResponseBodies && len(res.Body) > 0 {
		body := res.Body
		if len(body) > maxLoggedBodyBytes {
			body = body[:maxLoggedBodyBytes]
		}
		entry.ResponseBody = string(body)
		if policy.MaskLogs {
			entry.ResponseBody = maskIdentifiers(entry.ResponseBody)
		}
	}

	if policy.LogAllRequests || !entry.Success {
		// A cancelled call still gets its audit row.
		logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		c.logs.Record(logCtx, entry)
		cancel()
	}

	if !entry.Success && policy.NotifyOnErrors {
		c.logger.Warn().
			Str("provider", req.Provider.Code).
			Str("operation", req.Operation).
			Str("error_type", entry.ErrorType).
			Msg("provider call attempt failed")
	}

	threshold := policy.SlowRequestThreshold
	if threshold <= 0 {
		threshold = defaultSlowThreshold
	}
	if entry.Success && policy.NotifyOnSlowRequests && time.Duration(entry.LatencyMs)*time.Millisecond > threshold {
		c.logger.Warn().
			Str("provider", req.Provider.Code).
			Str("operation", req.Operation).
			Int64("latency_ms", entry.LatencyMs).
			Msg("slow provider response")
	}

	return res
}

// identifierPattern matches digit runs long enough to be CPFs, card numbers
// or other personal identifiers inside logged payloads.
var identifierPattern = regexp.MustCompile(`\d{4,}`)

func maskIdentifiers(body string) string {
	return identifierPattern.ReplaceAllString(body, "****")
}

func (c *Client) attemptOnce(ctx context.Context, req Request, creds provider.Credentials, timeout time.Duration, entry *connlog.Entry) *Result {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return &Result{Outcome: OutcomeConfigError, Err: &Error{
			Outcome: OutcomeConfigError,
			Message: fmt.Sprintf("build request for %s", req.URL),
			Err:     err,
		}}
	}
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	if err := c.applyAuth(ctx, httpReq, req.Provider, creds); err != nil {
		outcome := OutcomeConfigError
		var gerr *Error
		if errors.As(err, &gerr) {
			outcome = gerr.Outcome
		}
		return &Result{Outcome: outcome, Err: err}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	entry.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		outcome := classifyErr(ctx, err)
		return &Result{Outcome: outcome, Err: &Error{
			Outcome: outcome,
			Message: fmt.Sprintf("call %s", req.URL),
			Err:     err,
		}}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	entry.StatusCode = resp.StatusCode

	outcome := classifyStatus(resp.StatusCode)
	res := &Result{Outcome: outcome, StatusCode: resp.StatusCode, Body: body}
	if readErr != nil {
		res.Outcome = OutcomeTransient
		res.Err = &Error{Outcome: OutcomeTransient, StatusCode: resp.StatusCode,
			Message: "read response body", Err: readErr}
		return res
	}
	if outcome != OutcomeSuccess {
		res.Err = &Error{Outcome: outcome, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("provider %s returned %d", req.Provider.Code, resp.StatusCode)}
	}
	return res
}

// waitForSlot applies the outbound rate limit. An endpoint's own limit wins
// over the tenant default; endpoint limits get their own bucket per URL,
// tenant limits share one bucket per provider.
func (c *Client) waitForSlot(ctx context.Context, req Request, policy Policy) error {
	limit := policy.RateLimitPerMinute
	key := req.Provider.ID.String()
	if req.RateLimitPerMinute > 0 {
		limit = req.RateLimitPerMinute
		key += "|" + req.URL
	}
	if limit <= 0 {
		return nil
	}

	c.mu.Lock()
	limiter, ok := c.limiters[key]
	if !ok {
		perSecond := rate.Limit(float64(limit) / 60.0)
		limiter = rate.NewLimiter(perSecond, limit)
		c.limiters[key] = limiter
	}
	c.mu.Unlock()

	return limiter.Wait(ctx)
}
