// Package retropay finds backdated pay history changes that land in payroll
// periods which have already been closed or paid.
package retropay

import (
	"time"

	"github.com/odyssey-erp/odyssey-backpay/internal/backpay"
)

// ChangeType classifies a qualifying history change.
type ChangeType string

const (
	ChangeSalary      ChangeType = "SALARY_CHANGE"
	ChangePromotion   ChangeType = "PROMOTION"
	ChangeDemotion    ChangeType = "DEMOTION"
	ChangeTransaction ChangeType = "TRANSACTION_CHANGE"
)

// changePriority orders change types when picking a dominant reason.
var changePriority = []ChangeType{ChangePromotion, ChangeSalary, ChangeDemotion, ChangeTransaction}

// reasonFor maps a dominant change type to the request reason it implies.
var reasonFor = map[ChangeType]backpay.Reason{
	ChangePromotion:   backpay.ReasonPromotion,
	ChangeSalary:      backpay.ReasonSalaryRevision,
	ChangeDemotion:    backpay.ReasonCorrection,
	ChangeTransaction: backpay.ReasonOther,
}

// Change is one backdated history event affecting a closed period.
type Change struct {
	Type          ChangeType `json:"type"`
	EffectiveDate time.Time  `json:"effective_date"`
	RecordedAt    time.Time  `json:"recorded_at"`
	Description   string     `json:"description"`
}

// AffectedPeriod is a closed or paid period the changes reach into.
type AffectedPeriod struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Status    string    `json:"status"`
}

// Detection groups one employee's qualifying changes.
type Detection struct {
	EmployeeID      int64            `json:"employee_id"`
	EmployeeCode    string           `json:"employee_code"`
	EmployeeName    string           `json:"employee_name"`
	Changes         []Change         `json:"changes"`
	AffectedPeriods []AffectedPeriod `json:"affected_periods"`
	EarliestFrom    time.Time        `json:"earliest_from"`
	LatestTo        time.Time        `json:"latest_to"`
}

// DominantReason returns the request reason implied by the most frequent
// change type, breaking ties by change priority.
func (d Detection) DominantReason() backpay.Reason {
	counts := make(map[ChangeType]int, len(changePriority))
	for _, c := range d.Changes {
		counts[c.Type]++
	}
	best, bestCount := ChangeTransaction, 0
	for _, t := range changePriority {
		if counts[t] > bestCount {
			best, bestCount = t, counts[t]
		}
	}
	return reasonFor[best]
}

// Result is the output of a detection scan.
type Result struct {
	Count      int         `json:"count"`
	Detections []Detection `json:"detections"`
}
