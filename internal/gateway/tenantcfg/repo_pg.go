package tenantcfg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/clinicore/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const cfgCols = `default_timeout_seconds, max_retry_attempts, retry_delay_seconds,
	log_all_requests, log_response_bodies, mask_logs, log_retention_days,
	rate_limit_per_minute, notify_on_errors, notify_on_slow_requests,
	slow_request_threshold_ms, updated_at`

// Get returns the tenant's configuration, creating the defaults row on first
// read. The table holds at most one row per tenant schema.
func (r *repoPG) Get(ctx context.Context) (*Configuration, error) {
	var c Configuration
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT `+cfgCols+` FROM tenant_configuration WHERE id = 1`).
		Scan(&c.DefaultTimeoutSeconds, &c.MaxRetryAttempts, &c.RetryDelaySeconds,
			&c.LogAllRequests, &c.LogResponseBodies, &c.MaskLogs, &c.LogRetentionDays,
			&c.RateLimitPerMinute, &c.NotifyOnErrors, &c.NotifyOnSlowRequests,
			&c.SlowRequestThresholdMs, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		defaults := Defaults()
		if err := r.insertDefaults(ctx, &defaults); err != nil {
			return nil, err
		}
		return &defaults, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

const cfgInsertCols = `id, default_timeout_seconds, max_retry_attempts, retry_delay_seconds,
	log_all_requests, log_response_bodies, mask_logs, log_retention_days,
	rate_limit_per_minute, notify_on_errors, notify_on_slow_requests,
	slow_request_threshold_ms`

func (r *repoPG) insertDefaults(ctx context.Context, c *Configuration) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO tenant_configuration (`+cfgInsertCols+`)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		c.DefaultTimeoutSeconds, c.MaxRetryAttempts, c.RetryDelaySeconds,
		c.LogAllRequests, c.LogResponseBodies, c.MaskLogs, c.LogRetentionDays,
		c.RateLimitPerMinute, c.NotifyOnErrors, c.NotifyOnSlowRequests,
		c.SlowRequestThresholdMs)
	return err
}

func (r *repoPG) Update(ctx context.Context, c *Configuration) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO tenant_configuration (`+cfgInsertCols+`)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			default_timeout_seconds = EXCLUDED.default_timeout_seconds,
			max_retry_attempts = EXCLUDED.max_retry_attempts,
			retry_delay_seconds = EXCLUDED.retry_delay_seconds,
			log_all_requests = EXCLUDED.log_all_requests,
			log_response_bodies = EXCLUDED.log_response_bodies,
			mask_logs = EXCLUDED.mask_logs,
			log_retention_days = EXCLUDED.log_retention_days,
			rate_limit_per_minute = EXCLUDED.rate_limit_per_minute,
			notify_on_errors = EXCLUDED.notify_on_errors,
			notify_on_slow_requests = EXCLUDED.notify_on_slow_requests,
			slow_request_threshold_ms = EXCLUDED.slow_request_threshold_ms,
			updated_at = NOW()`,
		c.DefaultTimeoutSeconds, c.MaxRetryAttempts, c.RetryDelaySeconds,
		c.LogAllRequests, c.LogResponseBodies, c.MaskLogs, c.LogRetentionDays,
		c.RateLimitPerMinute, c.NotifyOnErrors, c.NotifyOnSlowRequests,
		c.SlowRequestThresholdMs)
	return err
}
