package transaction

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

// =========== Authorization Repository ===========

type authRepoPG struct{ pool *pgxpool.Pool }

func NewAuthorizationRepoPG(pool *pgxpool.Pool) AuthorizationRepository {
	return &authRepoPG{pool: pool}
}

func (r *authRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const authCols = `id, authorization_number, provider_id, patient_id,
	patient_name, patient_cpf, patient_dob, card_number,
	doctor_id, doctor_name, doctor_crm,
	procedure_code, procedure_name, urgency, clinical_indication,
	status, provider_auth_code, denial_reason, expires_at, raw_response,
	submitted_at, responded_at, created_by, created_at, updated_at`

func (r *authRepoPG) scanAuth(row pgx.Row) (*AuthorizationRequest, error) {
	var a AuthorizationRequest
	err := row.Scan(&a.ID, &a.AuthorizationNumber, &a.ProviderID, &a.PatientID,
		&a.PatientName, &a.PatientCPF, &a.PatientDOB, &a.CardNumber,
		&a.DoctorID, &a.DoctorName, &a.DoctorCRM,
		&a.ProcedureCode, &a.ProcedureName, &a.Urgency, &a.ClinicalIndication,
		&a.Status, &a.ProviderAuthCode, &a.DenialReason, &a.ExpiresAt, &a.RawResponse,
		&a.SubmittedAt, &a.RespondedAt, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func (r *authRepoPG) Create(ctx context.Context, a *AuthorizationRequest) error {
	a.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO authorization_requests (id, authorization_number, provider_id, patient_id,
			patient_name, patient_cpf, patient_dob, card_number,
			doctor_id, doctor_name, doctor_crm,
			procedure_code, procedure_name, urgency, clinical_indication,
			status, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		a.ID, a.AuthorizationNumber, a.ProviderID, a.PatientID,
		a.PatientName, a.PatientCPF, a.PatientDOB, a.CardNumber,
		a.DoctorID, a.DoctorName, a.DoctorCRM,
		a.ProcedureCode, a.ProcedureName, a.Urgency, a.ClinicalIndication,
		a.Status, a.CreatedBy)
	return err
}

func (r *authRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*AuthorizationRequest, error) {
	return r.scanAuth(r.conn(ctx).QueryRow(ctx,
		`SELECT `+authCols+` FROM authorization_requests WHERE id = $1`, id))
}

func (r *authRepoPG) GetByNumber(ctx context.Context, number string) (*AuthorizationRequest, error) {
	return r.scanAuth(r.conn(ctx).QueryRow(ctx,
		`SELECT `+authCols+` FROM authorization_requests WHERE authorization_number = $1`, number))
}

func (r *authRepoPG) List(ctx context.Context, filter Filter, page pagination.Params) ([]*AuthorizationRequest, int, error) {
	where, args, n := buildFilter(filter)

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM authorization_requests `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM authorization_requests %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		authCols, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*AuthorizationRequest
	for rows.Next() {
		a, err := r.scanAuth(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *authRepoPG) MarkSubmitted(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE authorization_requests SET submitted_at=$2, updated_at=NOW()
		WHERE id = $1`, id, at)
	return err
}

func (r *authRepoPG) ApplyOutcome(ctx context.Context, id uuid.UUID, outcome AuthorizationOutcome) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE authorization_requests
		SET status=$2, provider_auth_code=$3, denial_reason=$4, expires_at=$5,
			raw_response=$6, responded_at=$7, updated_at=NOW()
		WHERE id = $1 AND status = 'pending'`,
		id, outcome.Status, outcome.ProviderAuthCode, outcome.DenialReason,
		outcome.ExpiresAt, outcome.RawResponse, outcome.RespondedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// =========== Eligibility Repository ===========

type eligRepoPG struct{ pool *pgxpool.Pool }

func NewEligibilityRepoPG(pool *pgxpool.Pool) EligibilityRepository {
	return &eligRepoPG{pool: pool}
}

func (r *eligRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const eligCols = `id, check_number, provider_id, patient_id,
	patient_name, patient_cpf, card_number,
	is_eligible, plan_name, message,
	coverage_start, coverage_end, copay, deductible,
	raw_response, checked_at, created_by, created_at`

func (r *eligRepoPG) scanElig(row pgx.Row) (*EligibilityCheck, error) {
	var e EligibilityCheck
	err := row.Scan(&e.ID, &e.CheckNumber, &e.ProviderID, &e.PatientID,
		&e.PatientName, &e.PatientCPF, &e.CardNumber,
		&e.IsEligible, &e.PlanName, &e.Message,
		&e.CoverageStart, &e.CoverageEnd, &e.Copay, &e.Deductible,
		&e.RawResponse, &e.CheckedAt, &e.CreatedBy, &e.CreatedAt)
	return &e, err
}

func (r *eligRepoPG) Create(ctx context.Context, e *EligibilityCheck) error {
	e.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO eligibility_checks (id, check_number, provider_id, patient_id,
			patient_name, patient_cpf, card_number, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.CheckNumber, e.ProviderID, e.PatientID,
		e.PatientName, e.PatientCPF, e.CardNumber, e.CreatedBy)
	return err
}

func (r *eligRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*EligibilityCheck, error) {
	return r.scanElig(r.conn(ctx).QueryRow(ctx,
		`SELECT `+eligCols+` FROM eligibility_checks WHERE id = $1`, id))
}

func (r *eligRepoPG) List(ctx context.Context, filter Filter, page pagination.Params) ([]*EligibilityCheck, int, error) {
	where, args, n := buildFilter(filter)

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM eligibility_checks `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM eligibility_checks %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		eligCols, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*EligibilityCheck
	for rows.Next() {
		e, err := r.scanElig(rows)
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

func (r *eligRepoPG) RecordResult(ctx context.Context, id uuid.UUID, result EligibilityResult) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE eligibility_checks
		SET is_eligible=$2, plan_name=$3, message=$4,
			coverage_start=$5, coverage_end=$6, copay=$7, deductible=$8,
			raw_response=$9, checked_at=$10
		WHERE id = $1 AND is_eligible IS NULL`,
		id, result.IsEligible, result.PlanName, result.Message,
		result.CoverageStart, result.CoverageEnd, result.Copay, result.Deductible,
		result.RawResponse, result.CheckedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// buildFilter renders the WHERE clause shared by both transaction tables.
// Status only applies to authorization requests.
func buildFilter(filter Filter) (string, []interface{}, int) {
	where := `WHERE 1=1`
	args := []interface{}{}
	n := 0
	if filter.ProviderID != uuid.Nil {
		n++
		where += fmt.Sprintf(" AND provider_id = $%d", n)
		args = append(args, filter.ProviderID)
	}
	if filter.PatientID != uuid.Nil {
		n++
		where += fmt.Sprintf(" AND patient_id = $%d", n)
		args = append(args, filter.PatientID)
	}
	if filter.Status != "" {
		n++
		where += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, filter.Status)
	}
	return where, args, n
}
