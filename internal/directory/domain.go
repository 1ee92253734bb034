// Package directory exposes read-only employee, salary history and payroll
// period data owned by the HR core.
package directory

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-backpay/internal/shared"
)

var (
	// ErrEmployeeNotFound occurs when the employee id is unknown.
	ErrEmployeeNotFound = fmt.Errorf("directory: employee not found: %w", shared.ErrNotFound)
	// ErrPeriodNotFound occurs when the payroll period id is unknown.
	ErrPeriodNotFound = fmt.Errorf("directory: period not found: %w", shared.ErrNotFound)
	// ErrNoOpenPeriod occurs when no open payroll period exists after a date.
	ErrNoOpenPeriod = errors.New("directory: no open payroll period")
)

// Employee is the subset of the employee record the backpay engine needs.
type Employee struct {
	ID              int64
	Code            string
	Name            string
	Active          bool
	DivisionID      *int64
	DirectorateID   *int64
	DepartmentID    *int64
	GradeID         *int64
	RegionID        *int64
	DistrictID      *int64
	WorkLocationID  *int64
	StaffCategoryID *int64
}

// Label renders the employee for progress and error reporting.
func (e Employee) Label() string {
	if e.Name == "" {
		return e.Code
	}
	return e.Code + " - " + e.Name
}

// OrgFilter selects employees. Set predicates are combined with AND.
type OrgFilter struct {
	AllActive       bool   `json:"all_active"`
	DivisionID      *int64 `json:"division_id,omitempty"`
	DirectorateID   *int64 `json:"directorate_id,omitempty"`
	DepartmentID    *int64 `json:"department_id,omitempty"`
	GradeID         *int64 `json:"grade_id,omitempty"`
	RegionID        *int64 `json:"region_id,omitempty"`
	DistrictID      *int64 `json:"district_id,omitempty"`
	WorkLocationID  *int64 `json:"work_location_id,omitempty"`
	StaffCategoryID *int64 `json:"staff_category_id,omitempty"`
}

// HasPredicate reports whether at least one organisational predicate is set.
func (f OrgFilter) HasPredicate() bool {
	for _, p := range f.predicates() {
		if p.value != nil {
			return true
		}
	}
	return false
}

// Matches reports whether the employee satisfies every set predicate.
func (f OrgFilter) Matches(e Employee) bool {
	if !e.Active {
		return false
	}
	values := map[string]*int64{
		"division_id":       e.DivisionID,
		"directorate_id":    e.DirectorateID,
		"department_id":     e.DepartmentID,
		"grade_id":          e.GradeID,
		"region_id":         e.RegionID,
		"district_id":       e.DistrictID,
		"work_location_id":  e.WorkLocationID,
		"staff_category_id": e.StaffCategoryID,
	}
	for _, p := range f.predicates() {
		if p.value == nil {
			continue
		}
		got := values[p.column]
		if got == nil || *got != *p.value {
			return false
		}
	}
	return true
}

type predicate struct {
	column string
	value  *int64
}

func (f OrgFilter) predicates() []predicate {
	return []predicate{
		{"division_id", f.DivisionID},
		{"directorate_id", f.DirectorateID},
		{"department_id", f.DepartmentID},
		{"grade_id", f.GradeID},
		{"region_id", f.RegionID},
		{"district_id", f.DistrictID},
		{"work_location_id", f.WorkLocationID},
		{"staff_category_id", f.StaffCategoryID},
	}
}

// EventKind distinguishes salary/grade assignments from other payroll transactions.
type EventKind string

const (
	// EventAssignment records a salary or grade assignment taking effect.
	EventAssignment EventKind = "ASSIGNMENT"
	// EventTransaction records any other pay-affecting transaction.
	EventTransaction EventKind = "TRANSACTION"
)

// HistoryEvent is one entry of an employee's pay history.
type HistoryEvent struct {
	ID              int64
	EmployeeID      int64
	Kind            EventKind
	EffectiveDate   time.Time
	RecordedAt      time.Time
	BasicSalary     decimal.Decimal
	GradeCode       string
	GradeLevel      int
	Notch           int
	TransactionType string
	Note            string
}

// SalaryState is the salary/grade data in force at a point in time.
type SalaryState struct {
	BasicSalary   decimal.Decimal
	GradeCode     string
	GradeLevel    int
	Notch         int
	EffectiveDate time.Time
}

// History is an employee's pay history ordered chronologically.
type History []HistoryEvent

// Sorted returns a copy ordered by effective date, then recording time, then id.
func (h History) Sorted() History {
	out := make(History, len(h))
	copy(out, h)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.EffectiveDate.Equal(b.EffectiveDate) {
			return a.EffectiveDate.Before(b.EffectiveDate)
		}
		if !a.RecordedAt.Equal(b.RecordedAt) {
			return a.RecordedAt.Before(b.RecordedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// StateAt returns the latest assignment effective on or before date.
func (h History) StateAt(date time.Time) (SalaryState, bool) {
	var (
		state SalaryState
		found bool
	)
	for _, ev := range h.Sorted() {
		if ev.Kind != EventAssignment {
			continue
		}
		if ev.EffectiveDate.After(date) {
			break
		}
		state = SalaryState{
			BasicSalary:   ev.BasicSalary,
			GradeCode:     ev.GradeCode,
			GradeLevel:    ev.GradeLevel,
			Notch:         ev.Notch,
			EffectiveDate: ev.EffectiveDate,
		}
		found = true
	}
	return state, found
}

// Latest returns the most recent assignment regardless of date.
func (h History) Latest() (SalaryState, bool) {
	return h.StateAt(time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC))
}

// Period is a payroll period.
type Period struct {
	ID        int64
	Name      string
	StartDate time.Time
	EndDate   time.Time
	Status    string
	ClosedAt  *time.Time
}

// ClosedOrPaid reports whether the period's payroll run is finalised.
func (p Period) ClosedOrPaid() bool {
	return shared.PeriodClosedOrPaid(p.Status)
}

// Contains reports whether date falls inside the period (inclusive).
func (p Period) Contains(date time.Time) bool {
	return !date.Before(p.StartDate) && !date.After(p.EndDate)
}

// Intersects reports whether the period overlaps [from, to] inclusively.
func (p Period) Intersects(from, to time.Time) bool {
	return !p.StartDate.After(to) && !p.EndDate.Before(from)
}
