package backpay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-backpay/internal/directory"
	"github.com/odyssey-erp/odyssey-backpay/internal/payrollcalc"
	"github.com/odyssey-erp/odyssey-backpay/internal/shared"
)

func TestPromotionScenarioOnlyChangedPeriodsGetDetails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRaisedEmployee(1, "EMP001")

	req := f.create(t, 1)
	require.Equal(t, StatusDraft, req.Status)
	require.Equal(t, "BP-000001", req.Reference)
	require.Equal(t, "EMP001 - Employee EMP001", req.EmployeeLabel)

	req, err := f.svc.Calculate(ctx, req.ID, 9)
	require.NoError(t, err)
	require.Equal(t, StatusPreviewed, req.Status)
	require.Equal(t, 3, req.PeriodsCovered)

	details, err := f.svc.Details(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, details, 4)
	periods := map[int64]bool{}
	for _, d := range details {
		periods[d.PeriodID] = true
		require.True(t, d.Difference.Equal(d.NewAmount.Sub(d.OldAmount)))
	}
	require.Equal(t, map[int64]bool{2: true, 3: true}, periods)

	require.True(t, req.TotalArrearsEarnings.Equal(decimal.NewFromInt(2000)), req.TotalArrearsEarnings.String())
	require.True(t, req.TotalArrearsDeductions.Equal(decimal.NewFromInt(100)), req.TotalArrearsDeductions.String())
	require.True(t, req.NetArrears.Equal(decimal.NewFromInt(1900)), req.NetArrears.String())

	req, err = f.svc.Approve(ctx, ApproveInput{RequestID: req.ID, ActorID: 9})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, req.Status)
	require.NotNil(t, req.PayrollPeriodID)
	require.Equal(t, int64(4), *req.PayrollPeriodID)

	require.Equal(t, []shared.ApprovalAction{shared.ApprovalSubmit, shared.ApprovalCalculate, shared.ApprovalApprove}, f.audit.actions())
}

func TestNetArrearsMatchesDetailSum(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRaisedEmployee(1, "EMP001")
	f.calc.setPaid(1, 1, 5500)

	req, err := f.svc.Calculate(ctx, f.create(t, 1).ID, 0)
	require.NoError(t, err)

	details, err := f.svc.Details(ctx, req.ID)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, d := range details {
		switch d.ComponentType {
		case ComponentEarning:
			sum = sum.Add(d.Difference)
		case ComponentDeduction:
			sum = sum.Sub(d.Difference)
		}
	}
	require.True(t, req.NetArrears.Equal(req.TotalArrearsEarnings.Sub(req.TotalArrearsDeductions)))
	require.True(t, req.NetArrears.Equal(sum), "net %s sum %s", req.NetArrears, sum)

	stored, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	require.True(t, stored.NetArrears.Equal(req.NetArrears))
}

func TestReferencePeriodPinsSalaryState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRaisedEmployee(1, "EMP001")
	ref := int64(3)

	req, err := f.svc.Create(ctx, CreateInput{
		EmployeeID:        1,
		Reason:            ReasonSalaryRevision,
		EffectiveFrom:     date(2024, time.January, 1),
		EffectiveTo:       date(2024, time.March, 31),
		ReferencePeriodID: &ref,
	})
	require.NoError(t, err)
	req, err = f.svc.Calculate(ctx, req.ID, 0)
	require.NoError(t, err)
	require.True(t, req.TotalArrearsEarnings.Equal(decimal.NewFromInt(3000)))
}

func TestCreateOverlapRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRaisedEmployee(1, "EMP001")
	first := f.create(t, 1)

	_, err := f.svc.Create(ctx, CreateInput{
		EmployeeID:    1,
		Reason:        ReasonCorrection,
		EffectiveFrom: date(2024, time.March, 31),
		EffectiveTo:   date(2024, time.May, 31),
	})
	require.ErrorIs(t, err, ErrOverlap)
	require.ErrorIs(t, err, shared.ErrConflict)

	_, err = f.svc.Create(ctx, CreateInput{
		EmployeeID:    1,
		Reason:        ReasonCorrection,
		EffectiveFrom: date(2024, time.April, 1),
		EffectiveTo:   date(2024, time.April, 30),
	})
	require.NoError(t, err, "adjacent window must not overlap")

	_, err = f.svc.Calculate(ctx, first.ID, 0)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, first.ID, 0)
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, CreateInput{
		EmployeeID:    1,
		Reason:        ReasonPromotion,
		EffectiveFrom: date(2024, time.February, 1),
		EffectiveTo:   date(2024, time.March, 31),
	})
	require.NoError(t, err, "cancelled requests do not block new ones")
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.dir.addEmployee(1, "EMP001")

	_, err := f.svc.Create(ctx, CreateInput{
		EmployeeID:    1,
		Reason:        ReasonPromotion,
		EffectiveFrom: date(2024, time.March, 1),
		EffectiveTo:   date(2024, time.February, 1),
	})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Contains(t, err.Error(), "effective_to before effective_from")

	_, err = f.svc.Create(ctx, CreateInput{EmployeeID: 1, Reason: "BONUS",
		EffectiveFrom: date(2024, time.March, 1), EffectiveTo: date(2024, time.March, 2)})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.Create(ctx, CreateInput{EmployeeID: 77, Reason: ReasonOther,
		EffectiveFrom: date(2024, time.March, 1), EffectiveTo: date(2024, time.March, 2)})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestApproveRequiresPositiveNet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.dir.addEmployee(2, "EMP002")
	f.dir.histories[2] = directory.History{{ID: 1, EmployeeID: 2, Kind: directory.EventAssignment,
		EffectiveDate: date(2023, time.January, 1), BasicSalary: decimal.NewFromInt(5000)}}
	for _, p := range []int64{1, 2, 3} {
		f.calc.setPaid(2, p, 5000)
	}

	req, err := f.svc.Calculate(ctx, f.create(t, 2).ID, 0)
	require.NoError(t, err)
	require.True(t, req.NetArrears.IsZero())

	_, err = f.svc.Approve(ctx, ApproveInput{RequestID: req.ID})
	require.ErrorIs(t, err, ErrNonPositiveArrears)
	require.ErrorIs(t, err, shared.ErrValidation)

	stored, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPreviewed, stored.Status)
}

func TestApproveRejectsClosedPayrollPeriod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRaisedEmployee(1, "EMP001")
	req, err := f.svc.Calculate(ctx, f.create(t, 1).ID, 0)
	require.NoError(t, err)

	closed := int64(3)
	_, err = f.svc.Approve(ctx, ApproveInput{RequestID: req.ID, PayrollPeriodID: &closed})
	require.ErrorIs(t, err, ErrPeriodClosed)

	open := int64(4)
	req, err = f.svc.Approve(ctx, ApproveInput{RequestID: req.ID, PayrollPeriodID: &open})
	require.NoError(t, err)
	require.Equal(t, open, *req.PayrollPeriodID)
}

func TestApproveWithoutOpenPeriodIsValidationError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRaisedEmployee(1, "EMP001")
	f.dir.periods = f.dir.periods[:3]
	req, err := f.svc.Calculate(ctx, f.create(t, 1).ID, 0)
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, ApproveInput{RequestID: req.ID})
	require.ErrorIs(t, err, directory.ErrNoOpenPeriod)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestIllegalTransitionsLeaveStateUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRaisedEmployee(1, "EMP001")
	req := f.create(t, 1)

	_, err := f.svc.Approve(ctx, ApproveInput{RequestID: req.ID})
	require.ErrorIs(t, err, shared.ErrInvalidState)
	_, err = f.svc.Cancel(ctx, req.ID, 0)
	require.ErrorIs(t, err, shared.ErrInvalidState)
	_, err = f.svc.MarkApplied(ctx, req.ID)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	stored, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, stored.Status)
	require.Equal(t, req.Version, stored.Version)

	_, err = f.svc.Calculate(ctx, req.ID, 0)
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, ApproveInput{RequestID: req.ID})
	require.NoError(t, err)

	err = f.svc.Delete(ctx, req.ID, 0)
	require.ErrorIs(t, err, shared.ErrConflict)
	require.ErrorIs(t, err, shared.ErrInvalidState)
	_, err = f.svc.Calculate(ctx, req.ID, 0)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	stored, err = f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, stored.Status)

	applied, err := f.svc.MarkApplied(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, applied.Status)
	_, err = f.svc.Cancel(ctx, req.ID, 0)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	history, err := f.svc.History(ctx, req.ID)
	require.NoError(t, err)
	actions := make([]shared.ApprovalAction, 0, len(history))
	for _, h := range history {
		actions = append(actions, h.Action)
	}
	require.Equal(t, []shared.ApprovalAction{
		shared.ApprovalSubmit, shared.ApprovalCalculate, shared.ApprovalApprove, shared.ApprovalApply,
	}, actions)

	_, err = f.svc.History(ctx, uuid.New())
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRecalculateFromPreviewedReplacesDetails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRaisedEmployee(1, "EMP001")
	req, err := f.svc.Calculate(ctx, f.create(t, 1).ID, 0)
	require.NoError(t, err)

	f.calc.setPaid(1, 2, 6000)
	req, err = f.svc.Calculate(ctx, req.ID, 0)
	require.NoError(t, err)
	require.Equal(t, StatusPreviewed, req.Status)

	details, err := f.svc.Details(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, details, 2)
	for _, d := range details {
		require.Equal(t, int64(3), d.PeriodID)
	}
	require.True(t, req.NetArrears.Equal(decimal.NewFromInt(950)))
}

func TestCalculateDependencyFailureChangesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRaisedEmployee(1, "EMP001")
	req := f.create(t, 1)
	f.calc.failFor[1] = errEngineDown

	_, err := f.svc.Calculate(ctx, req.ID, 0)
	require.ErrorIs(t, err, shared.ErrDependency)

	stored, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, stored.Status)
	require.Equal(t, req.Version, stored.Version)
	details, err := f.svc.Details(ctx, req.ID)
	require.NoError(t, err)
	require.Empty(t, details)
}

func TestCalculateWithoutPeriodsIsValidationError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRaisedEmployee(1, "EMP001")
	req, err := f.svc.Create(ctx, CreateInput{
		EmployeeID:    1,
		Reason:        ReasonOther,
		EffectiveFrom: date(2030, time.January, 1),
		EffectiveTo:   date(2030, time.January, 31),
	})
	require.NoError(t, err)
	_, err = f.svc.Calculate(ctx, req.ID, 0)
	require.ErrorIs(t, err, ErrNoPeriods)
}

func TestStaleTransitionIsInvalidState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRaisedEmployee(1, "EMP001")
	stale := f.create(t, 1)
	_, err := f.svc.Calculate(ctx, stale.ID, 0)
	require.NoError(t, err)

	err = f.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SavePreview(ctx, stale, nil, Totals{}, 0, time.Now())
	})
	require.ErrorIs(t, err, ErrStaleRequest)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	details, err := f.svc.Details(ctx, stale.ID)
	require.NoError(t, err)
	require.Len(t, details, 4, "failed transition must keep the committed breakdown")
}

func TestCancelKeepsDetailsAndDeleteRemovesThem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addRaisedEmployee(1, "EMP001")
	req, err := f.svc.Calculate(ctx, f.create(t, 1).ID, 0)
	require.NoError(t, err)

	req, err = f.svc.Cancel(ctx, req.ID, 0)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, req.Status)
	details, err := f.svc.Details(ctx, req.ID)
	require.NoError(t, err)
	require.NotEmpty(t, details)

	require.NoError(t, f.svc.Delete(ctx, req.ID, 0))
	_, err = f.svc.Get(ctx, req.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = f.svc.Details(ctx, req.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAuditFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.addRaisedEmployee(1, "EMP001")
	f.audit.err = errors.New("approvals table unavailable")
	req := f.create(t, 1)
	require.Equal(t, StatusDraft, req.Status)
}

func TestListFiltersByStatusInCreationOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := int64(1); i <= 3; i++ {
		f.addRaisedEmployee(i, fmt.Sprintf("EMP%03d", i))
		f.create(t, i)
	}
	all, total, err := f.svc.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, []string{"BP-000001", "BP-000002", "BP-000003"},
		[]string{all[0].Reference, all[1].Reference, all[2].Reference})

	_, err = f.svc.Calculate(ctx, all[1].ID, 0)
	require.NoError(t, err)
	previewed, total, err := f.svc.List(ctx, ListFilter{Status: StatusPreviewed})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, all[1].ID, previewed[0].ID)

	_, _, err = f.svc.List(ctx, ListFilter{Status: "PAID"})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestDiffPayslipsIncludesOneSidedComponents(t *testing.T) {
	p := directory.Period{ID: 5, Name: "May 2024"}
	oldSlip := payrollcalc.Payslip{
		Earnings: []payrollcalc.Line{
			{Name: "BASIC", Amount: decimal.NewFromInt(100)},
			{Name: "ACTING", Amount: decimal.NewFromInt(20)},
		},
		EmployerContributions: []payrollcalc.Line{{Name: "SSF", Amount: decimal.NewFromInt(13)}},
	}
	newSlip := payrollcalc.Payslip{
		Earnings:   []payrollcalc.Line{{Name: "BASIC", Amount: decimal.NewFromInt(100)}},
		Deductions: []payrollcalc.Line{{Name: "UNION", Amount: decimal.NewFromInt(5)}},
	}

	details := diffPayslips([16]byte{1}, p, oldSlip, newSlip)
	require.Len(t, details, 2)
	require.Equal(t, "ACTING", details[0].ComponentName)
	require.True(t, details[0].NewAmount.IsZero())
	require.True(t, details[0].Difference.Equal(decimal.NewFromInt(-20)))
	require.Equal(t, "UNION", details[1].ComponentName)
	require.Equal(t, ComponentDeduction, details[1].ComponentType)
	require.True(t, details[1].OldAmount.IsZero())

	totals := SumDetails(details)
	require.True(t, totals.Net.Equal(decimal.NewFromInt(-25)))
}

func TestDiffPayslipsRoundsToStoredCents(t *testing.T) {
	p := directory.Period{ID: 2, Name: "February 2024"}
	line := func(name, amount string) payrollcalc.Line {
		return payrollcalc.Line{Name: name, Amount: decimal.RequireFromString(amount)}
	}
	oldSlip := payrollcalc.Payslip{
		Earnings:   []payrollcalc.Line{line("BASIC", "1000.000"), line("HOUSING", "200.000")},
		Deductions: []payrollcalc.Line{line("TAX", "150.004")},
	}
	newSlip := payrollcalc.Payslip{
		Earnings:   []payrollcalc.Line{line("BASIC", "1000.005"), line("HOUSING", "200.005")},
		Deductions: []payrollcalc.Line{line("TAX", "150.003")},
	}

	details := diffPayslips([16]byte{2}, p, oldSlip, newSlip)
	require.Len(t, details, 2, "sub-cent deduction change rounds away")
	cent := decimal.RequireFromString("0.01")
	for _, d := range details {
		require.True(t, d.Difference.Equal(cent), "%s difference %s", d.ComponentName, d.Difference)
		require.True(t, d.OldAmount.Equal(d.OldAmount.Round(2)))
		require.True(t, d.NewAmount.Equal(d.NewAmount.Round(2)))
	}

	totals := SumDetails(details)
	require.True(t, totals.Earnings.Equal(decimal.RequireFromString("0.02")), "earnings %s", totals.Earnings)
	require.True(t, totals.Earnings.Equal(totals.Earnings.Round(2)))
	require.True(t, totals.Net.Equal(totals.Earnings))
}
