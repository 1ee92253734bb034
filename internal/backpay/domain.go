package backpay

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-backpay/internal/directory"
	"github.com/odyssey-erp/odyssey-backpay/internal/shared"
)

// Reason explains why a retroactive adjustment is needed.
type Reason string

const (
	ReasonPromotion        Reason = "PROMOTION"
	ReasonUpgrade          Reason = "UPGRADE"
	ReasonSalaryRevision   Reason = "SALARY_REVISION"
	ReasonCorrection       Reason = "CORRECTION"
	ReasonDelayedIncrement Reason = "DELAYED_INCREMENT"
	ReasonBackdatedJoining Reason = "BACKDATED_JOINING"
	ReasonOther            Reason = "OTHER"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonPromotion, ReasonUpgrade, ReasonSalaryRevision, ReasonCorrection,
		ReasonDelayedIncrement, ReasonBackdatedJoining, ReasonOther:
		return true
	default:
		return false
	}
}

// ComponentType splits details into earnings and deductions.
type ComponentType string

const (
	ComponentEarning   ComponentType = "EARNING"
	ComponentDeduction ComponentType = "DEDUCTION"
)

// Request is one employee's retroactive adjustment across a date range.
type Request struct {
	ID                     uuid.UUID
	Reference              string
	EmployeeID             int64
	EmployeeLabel          string
	Reason                 Reason
	Status                 Status
	EffectiveFrom          time.Time
	EffectiveTo            time.Time
	ReferencePeriodID      *int64
	PayrollPeriodID        *int64
	PeriodsCovered         int
	TotalArrearsEarnings   decimal.Decimal
	TotalArrearsDeductions decimal.Decimal
	NetArrears             decimal.Decimal
	Description            string
	Version                int64
	CreatedBy              int64
	CreatedAt              time.Time
	UpdatedAt              time.Time
	CalculatedAt           *time.Time
	ApprovedAt             *time.Time
	CancelledAt            *time.Time
}

// Overlaps reports whether the request's window intersects [from, to] inclusively.
func (r Request) Overlaps(from, to time.Time) bool {
	return !r.EffectiveFrom.After(to) && !r.EffectiveTo.Before(from)
}

// Detail is one period/component line of a request's breakdown.
type Detail struct {
	ID            int64
	RequestID     uuid.UUID
	PeriodID      int64
	PeriodName    string
	ComponentName string
	ComponentType ComponentType
	OldAmount     decimal.Decimal
	NewAmount     decimal.Decimal
	Difference    decimal.Decimal
}

// Totals aggregates details into request-level arrears.
type Totals struct {
	Earnings   decimal.Decimal
	Deductions decimal.Decimal
	Net        decimal.Decimal
}

// SumDetails computes totals from details; net = earnings - deductions.
func SumDetails(details []Detail) Totals {
	var t Totals
	for _, d := range details {
		switch d.ComponentType {
		case ComponentEarning:
			t.Earnings = t.Earnings.Add(d.Difference)
		case ComponentDeduction:
			t.Deductions = t.Deductions.Add(d.Difference)
		}
	}
	t.Net = t.Earnings.Sub(t.Deductions)
	return t
}

// CreateInput captures request creation parameters.
type CreateInput struct {
	EmployeeID        int64
	Reason            Reason
	EffectiveFrom     time.Time
	EffectiveTo       time.Time
	ReferencePeriodID *int64
	Description       string
	ActorID           int64
}

// Validate ensures the create input is coherent.
func (in CreateInput) Validate() error {
	if in.EmployeeID == 0 {
		return fmt.Errorf("backpay: employee required: %w", shared.ErrValidation)
	}
	if !in.Reason.Valid() {
		return fmt.Errorf("backpay: unknown reason %q: %w", in.Reason, shared.ErrValidation)
	}
	if in.EffectiveFrom.IsZero() || in.EffectiveTo.IsZero() {
		return fmt.Errorf("backpay: effective_from and effective_to required: %w", shared.ErrValidation)
	}
	if in.EffectiveTo.Before(in.EffectiveFrom) {
		return fmt.Errorf("backpay: effective_to before effective_from: %w", shared.ErrValidation)
	}
	return nil
}

// normalise truncates dates to midnight UTC so inclusive comparisons are stable.
func (in CreateInput) normalise() CreateInput {
	in.EffectiveFrom = dateOnly(in.EffectiveFrom)
	in.EffectiveTo = dateOnly(in.EffectiveTo)
	in.Description = strings.TrimSpace(in.Description)
	return in
}

func dateOnly(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ApproveInput captures approval parameters.
type ApproveInput struct {
	RequestID       uuid.UUID
	PayrollPeriodID *int64
	ActorID         int64
}

// ListFilter narrows request listings.
type ListFilter struct {
	Status     Status
	EmployeeID int64
	Limit      int
	Offset     int
}

// BulkCreateInput expands an organisational filter into requests.
type BulkCreateInput struct {
	Filter        directory.OrgFilter
	Reason        Reason
	EffectiveFrom time.Time
	EffectiveTo   time.Time
	Description   string
	ActorID       int64
}

// BulkCreateResult reports how many requests were created or skipped.
type BulkCreateResult struct {
	Count   int `json:"count"`
	Skipped int `json:"skipped"`
}

var (
	// ErrRequestNotFound occurs when the request id is unknown.
	ErrRequestNotFound = fmt.Errorf("backpay: request not found: %w", shared.ErrNotFound)
	// ErrOverlap occurs when a non-cancelled request already covers part of the window.
	ErrOverlap = fmt.Errorf("backpay: overlapping request exists for employee: %w", shared.ErrConflict)
	// ErrStaleRequest occurs when a conditional transition matched no row.
	ErrStaleRequest = fmt.Errorf("backpay: request changed concurrently: %w", shared.ErrInvalidState)
	// ErrNonPositiveArrears occurs when approving a request whose net arrears are not positive.
	ErrNonPositiveArrears = fmt.Errorf("backpay: net arrears must be positive to approve, cancel instead: %w", shared.ErrValidation)
	// ErrPeriodClosed occurs when the disbursement period is already closed or paid.
	ErrPeriodClosed = fmt.Errorf("backpay: payroll period already closed or paid: %w", shared.ErrValidation)
	// ErrNoPeriods occurs when no payroll period intersects the request window.
	ErrNoPeriods = fmt.Errorf("backpay: no payroll periods intersect the effective range: %w", shared.ErrValidation)
)
