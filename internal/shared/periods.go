package shared

// Payroll period statuses shared by the directory and backpay modules.
const (
	PeriodStatusOpen   = "OPEN"
	PeriodStatusClosed = "CLOSED"
	PeriodStatusPaid   = "PAID"
)

// PeriodClosedOrPaid reports whether payroll for the period is already finalised.
func PeriodClosedOrPaid(status string) bool {
	return status == PeriodStatusClosed || status == PeriodStatusPaid
}
