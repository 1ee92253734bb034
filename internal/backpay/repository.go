package backpay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-backpay/internal/platform/db"
	"github.com/odyssey-erp/odyssey-backpay/internal/shared"
)

// Repository defines backpay data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetRequest(ctx context.Context, id uuid.UUID) (Request, error)
	ListRequests(ctx context.Context, filter ListFilter) ([]Request, int, error)
	ListDetails(ctx context.Context, id uuid.UUID) ([]Detail, error)
	ListEligible(ctx context.Context) ([]Request, error)
	ListApprovable(ctx context.Context) ([]Request, error)
	ListDeletableForPeriod(ctx context.Context, periodID int64, from, to time.Time) ([]Request, error)
}

// TxRepository defines operations within a transaction. Every status change is
// conditional on the status and version the caller last observed.
type TxRepository interface {
	LockEmployee(ctx context.Context, employeeID int64) error
	HasOverlap(ctx context.Context, employeeID int64, from, to time.Time) (bool, error)
	InsertRequest(ctx context.Context, req Request) (Request, error)
	SavePreview(ctx context.Context, req Request, details []Detail, totals Totals, periods int, at time.Time) error
	MarkApproved(ctx context.Context, req Request, payrollPeriodID int64, at time.Time) error
	MarkCancelled(ctx context.Context, req Request, at time.Time) error
	MarkApplied(ctx context.Context, req Request, at time.Time) error
	DeleteRequest(ctx context.Context, req Request) error
}

var (
	_ Repository   = (*pgRepository)(nil)
	_ TxRepository = (*pgTxRepository)(nil)
)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

const requestColumns = `r.id, r.reference, r.employee_id, COALESCE(e.code || ' - ' || e.full_name, ''), r.reason, r.status,
r.effective_from, r.effective_to, r.reference_period_id, r.payroll_period_id, r.periods_covered,
r.total_arrears_earnings::text, r.total_arrears_deductions::text, r.net_arrears::text, r.description,
r.version, COALESCE(r.created_by, 0), r.created_at, r.updated_at, r.calculated_at, r.approved_at, r.cancelled_at`

const requestFrom = ` FROM backpay_requests r LEFT JOIN employees e ON e.id = r.employee_id`

func (r *pgRepository) GetRequest(ctx context.Context, id uuid.UUID) (Request, error) {
	req, err := scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+requestFrom+` WHERE r.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrRequestNotFound
		}
		return Request{}, err
	}
	return req, nil
}

func (r *pgRepository) ListRequests(ctx context.Context, filter ListFilter) ([]Request, int, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("r.status = $%d", len(args)))
	}
	if filter.EmployeeID != 0 {
		args = append(args, filter.EmployeeID)
		where = append(where, fmt.Sprintf("r.employee_id = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM backpay_requests r`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query := `SELECT ` + requestColumns + requestFrom + clause +
		fmt.Sprintf(" ORDER BY r.created_at, r.reference LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	out, err := r.queryRequests(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *pgRepository) ListDetails(ctx context.Context, id uuid.UUID) ([]Detail, error) {
	rows, err := r.pool.Query(ctx, `SELECT d.id, d.request_id, d.period_id, COALESCE(p.name, ''), d.component_name,
d.component_type, d.old_amount::text, d.new_amount::text, d.difference::text
FROM backpay_details d LEFT JOIN payroll_periods p ON p.id = d.period_id
WHERE d.request_id = $1 ORDER BY p.start_date, d.component_type DESC, d.component_name, d.id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Detail
	for rows.Next() {
		var (
			d                  Detail
			ctype              string
			oldAmt, newAmt, df string
		)
		if err := rows.Scan(&d.ID, &d.RequestID, &d.PeriodID, &d.PeriodName, &d.ComponentName,
			&ctype, &oldAmt, &newAmt, &df); err != nil {
			return nil, err
		}
		d.ComponentType = ComponentType(ctype)
		if d.OldAmount, err = decimal.NewFromString(oldAmt); err != nil {
			return nil, err
		}
		if d.NewAmount, err = decimal.NewFromString(newAmt); err != nil {
			return nil, err
		}
		if d.Difference, err = decimal.NewFromString(df); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *pgRepository) ListEligible(ctx context.Context) ([]Request, error) {
	return r.queryRequests(ctx, `SELECT `+requestColumns+requestFrom+`
WHERE r.status IN ($1, $2) ORDER BY r.created_at, r.reference`, string(StatusDraft), string(StatusPreviewed))
}

func (r *pgRepository) ListApprovable(ctx context.Context) ([]Request, error) {
	return r.queryRequests(ctx, `SELECT `+requestColumns+requestFrom+`
WHERE r.status = $1 AND r.net_arrears > 0 ORDER BY r.created_at, r.reference`, string(StatusPreviewed))
}

func (r *pgRepository) ListDeletableForPeriod(ctx context.Context, periodID int64, from, to time.Time) ([]Request, error) {
	return r.queryRequests(ctx, `SELECT `+requestColumns+requestFrom+`
WHERE r.status IN ($1, $2)
  AND (r.payroll_period_id = $3 OR (r.effective_from <= $5 AND r.effective_to >= $4))
ORDER BY r.created_at, r.reference`, string(StatusDraft), string(StatusCancelled), periodID, from, to)
}

func (r *pgRepository) queryRequests(ctx context.Context, query string, args ...any) ([]Request, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type pgTxRepository struct {
	tx pgx.Tx
}

func (t *pgTxRepository) LockEmployee(ctx context.Context, employeeID int64) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, shared.EmployeeLockID(employeeID))
	return err
}

func (t *pgTxRepository) HasOverlap(ctx context.Context, employeeID int64, from, to time.Time) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM backpay_requests
WHERE employee_id = $1 AND status <> $2 AND effective_from <= $4 AND effective_to >= $3)`,
		employeeID, string(StatusCancelled), from, to).Scan(&exists)
	return exists, err
}

func (t *pgTxRepository) InsertRequest(ctx context.Context, req Request) (Request, error) {
	var seq int64
	if err := t.tx.QueryRow(ctx, `SELECT nextval('backpay_reference_seq')`).Scan(&seq); err != nil {
		return Request{}, err
	}
	req.Reference = fmt.Sprintf("BP-%06d", seq)
	var createdBy *int64
	if req.CreatedBy != 0 {
		createdBy = &req.CreatedBy
	}
	err := t.tx.QueryRow(ctx, `INSERT INTO backpay_requests
(id, reference, employee_id, reason, status, effective_from, effective_to, reference_period_id,
 description, version, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11, $11)
RETURNING version, created_at, updated_at`,
		req.ID, req.Reference, req.EmployeeID, string(req.Reason), string(req.Status),
		req.EffectiveFrom, req.EffectiveTo, req.ReferencePeriodID, req.Description, createdBy, req.CreatedAt,
	).Scan(&req.Version, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Request{}, fmt.Errorf("backpay: duplicate request %s: %w", req.Reference, shared.ErrConflict)
		}
		return Request{}, err
	}
	return req, nil
}

func (t *pgTxRepository) SavePreview(ctx context.Context, req Request, details []Detail, totals Totals, periods int, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE backpay_requests
SET status = $4, total_arrears_earnings = $5::numeric, total_arrears_deductions = $6::numeric, net_arrears = $7::numeric,
    periods_covered = $8, calculated_at = $9, updated_at = $9, version = version + 1
WHERE id = $1 AND status = $2 AND version = $3`,
		req.ID, string(req.Status), req.Version, string(StatusPreviewed),
		totals.Earnings.String(), totals.Deductions.String(), totals.Net.String(), periods, at)
	if err := casResult(tag, err); err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM backpay_details WHERE request_id = $1`, req.ID); err != nil {
		return err
	}
	if len(details) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range details {
		batch.Queue(`INSERT INTO backpay_details
(request_id, period_id, component_name, component_type, old_amount, new_amount, difference)
VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric)`,
			req.ID, d.PeriodID, d.ComponentName, string(d.ComponentType),
			d.OldAmount.String(), d.NewAmount.String(), d.Difference.String())
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *pgTxRepository) MarkApproved(ctx context.Context, req Request, payrollPeriodID int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE backpay_requests
SET status = $4, payroll_period_id = $5, approved_at = $6, updated_at = $6, version = version + 1
WHERE id = $1 AND status = $2 AND version = $3`,
		req.ID, string(req.Status), req.Version, string(StatusApproved), payrollPeriodID, at)
	return casResult(tag, err)
}

func (t *pgTxRepository) MarkCancelled(ctx context.Context, req Request, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE backpay_requests
SET status = $4, cancelled_at = $5, updated_at = $5, version = version + 1
WHERE id = $1 AND status = $2 AND version = $3`,
		req.ID, string(req.Status), req.Version, string(StatusCancelled), at)
	return casResult(tag, err)
}

func (t *pgTxRepository) MarkApplied(ctx context.Context, req Request, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE backpay_requests
SET status = $4, updated_at = $5, version = version + 1
WHERE id = $1 AND status = $2 AND version = $3`,
		req.ID, string(req.Status), req.Version, string(StatusApplied), at)
	return casResult(tag, err)
}

func (t *pgTxRepository) DeleteRequest(ctx context.Context, req Request) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM backpay_details WHERE request_id = $1`, req.ID); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM backpay_requests WHERE id = $1 AND status = $2 AND version = $3`,
		req.ID, string(req.Status), req.Version)
	return casResult(tag, err)
}

func casResult(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleRequest
	}
	return nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var (
		req                         Request
		reason, status              string
		from, to                    pgtype.Date
		refPeriod, payPeriod        pgtype.Int8
		earnings, deductions, net   string
		calculated, approved, cancl pgtype.Timestamptz
	)
	if err := row.Scan(&req.ID, &req.Reference, &req.EmployeeID, &req.EmployeeLabel, &reason, &status,
		&from, &to, &refPeriod, &payPeriod, &req.PeriodsCovered,
		&earnings, &deductions, &net, &req.Description,
		&req.Version, &req.CreatedBy, &req.CreatedAt, &req.UpdatedAt, &calculated, &approved, &cancl); err != nil {
		return Request{}, err
	}
	req.Reason = Reason(reason)
	req.Status = Status(status)
	req.EffectiveFrom = from.Time
	req.EffectiveTo = to.Time
	req.ReferencePeriodID = int8ToPointer(refPeriod)
	req.PayrollPeriodID = int8ToPointer(payPeriod)
	var err error
	if req.TotalArrearsEarnings, err = decimal.NewFromString(earnings); err != nil {
		return Request{}, err
	}
	if req.TotalArrearsDeductions, err = decimal.NewFromString(deductions); err != nil {
		return Request{}, err
	}
	if req.NetArrears, err = decimal.NewFromString(net); err != nil {
		return Request{}, err
	}
	req.CalculatedAt = timeToPointer(calculated)
	req.ApprovedAt = timeToPointer(approved)
	req.CancelledAt = timeToPointer(cancl)
	return req, nil
}

func int8ToPointer(i pgtype.Int8) *int64 {
	if !i.Valid {
		return nil
	}
	v := i.Int64
	return &v
}

func timeToPointer(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}
