package connlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/platform/db"
	"github.com/clinicore/clinicore/pkg/pagination"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewRepoPG(pool *pgxpool.Pool, logger zerolog.Logger) Repository {
	return &repoPG{pool: pool, logger: logger}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const entryCols = `id, provider_id, operation, url, method, attempt,
	status_code, success, error_type, error_message, response_body,
	latency_ms, related_id, user_id, created_at`

func (r *repoPG) scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.ProviderID, &e.Operation, &e.URL, &e.Method, &e.Attempt,
		&e.StatusCode, &e.Success, &e.ErrorType, &e.ErrorMessage, &e.ResponseBody,
		&e.LatencyMs, &e.RelatedID, &e.UserID, &e.CreatedAt)
	return &e, err
}

func (r *repoPG) Record(ctx context.Context, e *Entry) {
	e.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO connection_logs (id, provider_id, operation, url, method, attempt,
			status_code, success, error_type, error_message, response_body,
			latency_ms, related_id, user_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		e.ID, e.ProviderID, e.Operation, e.URL, e.Method, e.Attempt,
		e.StatusCode, e.Success, e.ErrorType, e.ErrorMessage, e.ResponseBody,
		e.LatencyMs, e.RelatedID, e.UserID)
	if err != nil {
		// A failed audit write must not fail the call it describes.
		r.logger.Error().Err(err).
			Str("provider_id", e.ProviderID.String()).
			Str("operation", e.Operation).
			Msg("failed to record connection log")
	}
}

func (r *repoPG) List(ctx context.Context, filter Filter, page pagination.Params) ([]*Entry, int, error) {
	where := `WHERE 1=1`
	args := []interface{}{}
	n := 0
	if filter.ProviderID != uuid.Nil {
		n++
		where += fmt.Sprintf(" AND provider_id = $%d", n)
		args = append(args, filter.ProviderID)
	}
	if filter.Operation != "" {
		n++
		where += fmt.Sprintf(" AND operation = $%d", n)
		args = append(args, filter.Operation)
	}
	if filter.Success != nil {
		n++
		where += fmt.Sprintf(" AND success = $%d", n)
		args = append(args, *filter.Success)
	}
	if !filter.Since.IsZero() {
		n++
		where += fmt.Sprintf(" AND created_at >= $%d", n)
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		n++
		where += fmt.Sprintf(" AND created_at < $%d", n)
		args = append(args, filter.Until)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM connection_logs `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM connection_logs %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		entryCols, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) StatsSince(ctx context.Context, since time.Time) (*Stats, error) {
	var s Stats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE success),
			COUNT(*) FILTER (WHERE NOT success),
			COALESCE(AVG(latency_ms), 0)
		FROM connection_logs WHERE created_at >= $1`, since).
		Scan(&s.Total, &s.Succeeded, &s.Failed, &s.AvgLatency)
	if err != nil {
		return nil, err
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Total)
	}
	return &s, nil
}

func (r *repoPG) RecentErrors(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+entryCols+` FROM connection_logs WHERE NOT success ORDER BY created_at DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *repoPG) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM connection_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
