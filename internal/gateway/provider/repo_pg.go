package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/clinicore/internal/platform/db"
	"github.com/clinicore/clinicore/pkg/pagination"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Provider Repository ===========

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

const providerCols = `id, code, name, cnpj, website, description,
	auth_method, base_url, api_version, timeout_seconds, requires_doctor_id,
	supports_authorization, supports_eligibility, supports_sadt,
	status, encrypted_credentials,
	last_connection_status, last_connection_at, last_connection_error,
	created_at, updated_at`

func (r *repoPG) scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.CNPJ, &p.Website, &p.Description,
		&p.AuthMethod, &p.BaseURL, &p.APIVersion, &p.TimeoutSeconds, &p.RequiresDoctorID,
		&p.SupportsAuthorization, &p.SupportsEligibility, &p.SupportsSADT,
		&p.Status, &p.encryptedCredentials,
		&p.LastConnectionStatus, &p.LastConnectionAt, &p.LastConnectionError,
		&p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *repoPG) Create(ctx context.Context, p *Provider) error {
	p.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO health_plan_providers (id, code, name, cnpj, website, description,
			auth_method, base_url, api_version, timeout_seconds, requires_doctor_id,
			supports_authorization, supports_eligibility, supports_sadt,
			status, encrypted_credentials)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		p.ID, p.Code, p.Name, p.CNPJ, p.Website, p.Description,
		p.AuthMethod, p.BaseURL, p.APIVersion, p.TimeoutSeconds, p.RequiresDoctorID,
		p.SupportsAuthorization, p.SupportsEligibility, p.SupportsSADT,
		p.Status, p.encryptedCredentials)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	return r.scanProvider(r.conn(ctx).QueryRow(ctx,
		`SELECT `+providerCols+` FROM health_plan_providers WHERE id = $1`, id))
}

func (r *repoPG) GetByCode(ctx context.Context, code string) (*Provider, error) {
	return r.scanProvider(r.conn(ctx).QueryRow(ctx,
		`SELECT `+providerCols+` FROM health_plan_providers WHERE code = $1`, code))
}

func (r *repoPG) List(ctx context.Context, filter Filter, page pagination.Params) ([]*Provider, int, error) {
	where := `WHERE 1=1`
	args := []interface{}{}
	n := 0
	if filter.Status != "" {
		n++
		where += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, filter.Status)
	}
	if filter.AuthMethod != "" {
		n++
		where += fmt.Sprintf(" AND auth_method = $%d", n)
		args = append(args, filter.AuthMethod)
	}
	switch filter.Capability {
	case CapabilityAuthorization:
		where += " AND supports_authorization"
	case CapabilityEligibility:
		where += " AND supports_eligibility"
	case CapabilitySADT:
		where += " AND supports_sadt"
	}
	if filter.Search != "" {
		n++
		where += fmt.Sprintf(" AND (name ILIKE $%d OR code ILIKE $%d)", n, n)
		args = append(args, "%"+filter.Search+"%")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM health_plan_providers `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM health_plan_providers %s ORDER BY name LIMIT $%d OFFSET $%d`,
		providerCols, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Provider
	for rows.Next() {
		p, err := r.scanProvider(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) Update(ctx context.Context, p *Provider) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE health_plan_providers SET name=$2, cnpj=$3, website=$4, description=$5,
			base_url=$6, api_version=$7, timeout_seconds=$8, requires_doctor_id=$9,
			supports_authorization=$10, supports_eligibility=$11, supports_sadt=$12,
			updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.Name, p.CNPJ, p.Website, p.Description,
		p.BaseURL, p.APIVersion, p.TimeoutSeconds, p.RequiresDoctorID,
		p.SupportsAuthorization, p.SupportsEligibility, p.SupportsSADT)
	return err
}

func (r *repoPG) UpdateCredentials(ctx context.Context, id uuid.UUID, encrypted string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE health_plan_providers SET encrypted_credentials=$2, updated_at=NOW()
		WHERE id = $1`, id, encrypted)
	return err
}

func (r *repoPG) SetStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE health_plan_providers SET status=$3, updated_at=NOW()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) RecordTestResult(ctx context.Context, id uuid.UUID, status Status, connStatus string, connError string, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE health_plan_providers SET status=$2,
			last_connection_status=$3, last_connection_error=$4, last_connection_at=$5,
			updated_at=NOW()
		WHERE id = $1`, id, status, connStatus, connError, at)
	return err
}

func (r *repoPG) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT status, COUNT(*) FROM health_plan_providers GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[Status]int)
	for rows.Next() {
		var s Status
		var c int
		if err := rows.Scan(&s, &c); err != nil {
			return nil, err
		}
		counts[s] = c
	}
	return counts, rows.Err()
}

// =========== Endpoint Repository ===========

type endpointRepoPG struct{ pool *pgxpool.Pool }

func NewEndpointRepoPG(pool *pgxpool.Pool) EndpointRepository { return &endpointRepoPG{pool: pool} }

func (r *endpointRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const endpointCols = `id, provider_id, endpoint_type, url, method, rate_limit_per_minute, created_at, updated_at`

func (r *endpointRepoPG) scanEndpoint(row pgx.Row) (*Endpoint, error) {
	var e Endpoint
	err := row.Scan(&e.ID, &e.ProviderID, &e.Type, &e.URL, &e.Method, &e.RateLimitPerMinute, &e.CreatedAt, &e.UpdatedAt)
	return &e, err
}

func (r *endpointRepoPG) Create(ctx context.Context, e *Endpoint) error {
	e.ID = uuid.New()
	if e.Method == "" {
		e.Method = "POST"
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO health_plan_endpoints (id, provider_id, endpoint_type, url, method, rate_limit_per_minute)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.ProviderID, e.Type, e.URL, e.Method, e.RateLimitPerMinute)
	return err
}

func (r *endpointRepoPG) Update(ctx context.Context, e *Endpoint) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE health_plan_endpoints SET url=$2, method=$3, rate_limit_per_minute=$4, updated_at=NOW()
		WHERE id = $1`, e.ID, e.URL, e.Method, e.RateLimitPerMinute)
	return err
}

func (r *endpointRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM health_plan_endpoints WHERE id = $1`, id)
	return err
}

func (r *endpointRepoPG) ListByProvider(ctx context.Context, providerID uuid.UUID) ([]*Endpoint, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+endpointCols+` FROM health_plan_endpoints WHERE provider_id = $1 ORDER BY endpoint_type`,
		providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Endpoint
	for rows.Next() {
		e, err := r.scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *endpointRepoPG) GetByProviderAndType(ctx context.Context, providerID uuid.UUID, t EndpointType) (*Endpoint, error) {
	return r.scanEndpoint(r.conn(ctx).QueryRow(ctx,
		`SELECT `+endpointCols+` FROM health_plan_endpoints WHERE provider_id = $1 AND endpoint_type = $2`,
		providerID, t))
}
