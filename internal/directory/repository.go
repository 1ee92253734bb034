package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-backpay/internal/shared"
)

// Repository reads directory tables maintained by the HR core.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const employeeColumns = `id, code, full_name, active, division_id, directorate_id, department_id,
grade_id, region_id, district_id, work_location_id, staff_category_id`

// GetEmployee loads one employee by id.
func (r *Repository) GetEmployee(ctx context.Context, id int64) (Employee, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+employeeColumns+` FROM employees WHERE id = $1`, id)
	emp, err := scanEmployee(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Employee{}, ErrEmployeeNotFound
		}
		return Employee{}, err
	}
	return emp, nil
}

// ListEmployees returns active employees matching filter ordered by id.
func (r *Repository) ListEmployees(ctx context.Context, filter OrgFilter) ([]Employee, error) {
	var (
		where = []string{"active = true"}
		args  []any
	)
	for _, p := range filter.predicates() {
		if p.value == nil {
			continue
		}
		args = append(args, *p.value)
		where = append(where, fmt.Sprintf("%s = $%d", p.column, len(args)))
	}
	query := `SELECT ` + employeeColumns + ` FROM employees WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Employee
	for rows.Next() {
		emp, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, emp)
	}
	return out, rows.Err()
}

// GetEmployeeHistory loads an employee's full pay history in chronological order.
func (r *Repository) GetEmployeeHistory(ctx context.Context, employeeID int64) (History, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, employee_id, kind, effective_date, recorded_at,
COALESCE(basic_salary, 0)::text, COALESCE(grade_code, ''), COALESCE(grade_level, 0), COALESCE(notch, 0),
COALESCE(transaction_type, ''), COALESCE(note, '')
FROM employee_history WHERE employee_id = $1
ORDER BY effective_date, recorded_at, id`, employeeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out History
	for rows.Next() {
		var (
			ev     HistoryEvent
			kind   string
			eff    pgtype.Date
			salary string
		)
		if err := rows.Scan(&ev.ID, &ev.EmployeeID, &kind, &eff, &ev.RecordedAt, &salary,
			&ev.GradeCode, &ev.GradeLevel, &ev.Notch, &ev.TransactionType, &ev.Note); err != nil {
			return nil, err
		}
		ev.Kind = EventKind(kind)
		ev.EffectiveDate = eff.Time
		ev.BasicSalary, err = decimal.NewFromString(salary)
		if err != nil {
			return nil, fmt.Errorf("directory: history %d salary: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

const periodColumns = `id, name, start_date, end_date, status, closed_at`

// ListPeriods returns payroll periods intersecting [from, to] ordered by start date.
func (r *Repository) ListPeriods(ctx context.Context, from, to time.Time) ([]Period, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+periodColumns+` FROM payroll_periods
WHERE start_date <= $2 AND end_date >= $1 ORDER BY start_date, id`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPeriod loads a payroll period by id.
func (r *Repository) GetPeriod(ctx context.Context, id int64) (Period, error) {
	p, err := scanPeriod(r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM payroll_periods WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrPeriodNotFound
		}
		return Period{}, err
	}
	return p, nil
}

// IsPeriodClosedOrPaid reports whether the period's payroll run is finalised.
func (r *Repository) IsPeriodClosedOrPaid(ctx context.Context, id int64) (bool, error) {
	var status string
	if err := r.pool.QueryRow(ctx, `SELECT status FROM payroll_periods WHERE id = $1`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrPeriodNotFound
		}
		return false, err
	}
	return shared.PeriodClosedOrPaid(status), nil
}

// NextOpenPeriod returns the earliest open period ending on or after date.
func (r *Repository) NextOpenPeriod(ctx context.Context, date time.Time) (Period, error) {
	p, err := scanPeriod(r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM payroll_periods
WHERE status = $1 AND end_date >= $2 ORDER BY start_date, id LIMIT 1`, shared.PeriodStatusOpen, date))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrNoOpenPeriod
		}
		return Period{}, err
	}
	return p, nil
}

func scanEmployee(row pgx.Row) (Employee, error) {
	var (
		e                                             Employee
		division, directorate, department, grade      pgtype.Int8
		region, district, workLocation, staffCategory pgtype.Int8
	)
	if err := row.Scan(&e.ID, &e.Code, &e.Name, &e.Active, &division, &directorate, &department,
		&grade, &region, &district, &workLocation, &staffCategory); err != nil {
		return Employee{}, err
	}
	e.DivisionID = int8ToPointer(division)
	e.DirectorateID = int8ToPointer(directorate)
	e.DepartmentID = int8ToPointer(department)
	e.GradeID = int8ToPointer(grade)
	e.RegionID = int8ToPointer(region)
	e.DistrictID = int8ToPointer(district)
	e.WorkLocationID = int8ToPointer(workLocation)
	e.StaffCategoryID = int8ToPointer(staffCategory)
	return e, nil
}

func scanPeriod(row pgx.Row) (Period, error) {
	var (
		p          Period
		start, end pgtype.Date
		closedAt   pgtype.Timestamptz
	)
	if err := row.Scan(&p.ID, &p.Name, &start, &end, &p.Status, &closedAt); err != nil {
		return Period{}, err
	}
	p.StartDate = start.Time
	p.EndDate = end.Time
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	return p, nil
}

func int8ToPointer(i pgtype.Int8) *int64 {
	if !i.Valid {
		return nil
	}
	v := i.Int64
	return &v
}
