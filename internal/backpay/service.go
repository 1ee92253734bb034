package backpay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-backpay/internal/directory"
	"github.com/odyssey-erp/odyssey-backpay/internal/payrollcalc"
	"github.com/odyssey-erp/odyssey-backpay/internal/shared"
)

// Module is the approval log module name for backpay requests.
const Module = "backpay"

// Directory exposes the employee and payroll period reads backpay needs.
type Directory interface {
	GetEmployee(ctx context.Context, id int64) (directory.Employee, error)
	ListEmployees(ctx context.Context, filter directory.OrgFilter) ([]directory.Employee, error)
	GetEmployeeHistory(ctx context.Context, employeeID int64) (directory.History, error)
	ListPeriods(ctx context.Context, from, to time.Time) ([]directory.Period, error)
	GetPeriod(ctx context.Context, id int64) (directory.Period, error)
	NextOpenPeriod(ctx context.Context, date time.Time) (directory.Period, error)
}

// Calculator computes what should have been paid and what was paid.
type Calculator interface {
	ComputePayslip(ctx context.Context, employeeID, periodID int64, overrides payrollcalc.Overrides) (payrollcalc.Payslip, error)
	PaidPayslip(ctx context.Context, employeeID, periodID int64) (payrollcalc.Payslip, bool, error)
}

// AuditRecorder stores transition history.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

// Service orchestrates the backpay request lifecycle.
type Service struct {
	repo   Repository
	dir    Directory
	calc   Calculator
	audit  AuditRecorder
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs Service.
func NewService(repo Repository, dir Directory, calc Calculator, audit AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		dir:    dir,
		calc:   calc,
		audit:  audit,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create registers a DRAFT request after checking the employee has no overlapping request.
func (s *Service) Create(ctx context.Context, in CreateInput) (Request, error) {
	if err := in.Validate(); err != nil {
		return Request{}, err
	}
	in = in.normalise()

	emp, err := s.dir.GetEmployee(ctx, in.EmployeeID)
	if err != nil {
		return Request{}, err
	}
	if in.ReferencePeriodID != nil {
		if _, err := s.dir.GetPeriod(ctx, *in.ReferencePeriodID); err != nil {
			return Request{}, err
		}
	}

	req := Request{
		ID:                uuid.New(),
		EmployeeID:        emp.ID,
		EmployeeLabel:     emp.Label(),
		Reason:            in.Reason,
		Status:            StatusDraft,
		EffectiveFrom:     in.EffectiveFrom,
		EffectiveTo:       in.EffectiveTo,
		ReferencePeriodID: in.ReferencePeriodID,
		Description:       in.Description,
		CreatedBy:         in.ActorID,
		CreatedAt:         s.now(),
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockEmployee(ctx, req.EmployeeID); err != nil {
			return err
		}
		overlap, err := tx.HasOverlap(ctx, req.EmployeeID, req.EffectiveFrom, req.EffectiveTo)
		if err != nil {
			return err
		}
		if overlap {
			return ErrOverlap
		}
		req, err = tx.InsertRequest(ctx, req)
		return err
	})
	if err != nil {
		return Request{}, err
	}
	s.record(ctx, req.ID, in.ActorID, shared.ApprovalSubmit, req.Reference)
	s.logger.Info("backpay request created",
		slog.String("request_id", req.ID.String()),
		slog.String("reference", req.Reference),
		slog.Int64("employee_id", req.EmployeeID))
	return req, nil
}

// Get returns a request by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Request, error) {
	return s.repo.GetRequest(ctx, id)
}

// List returns requests in creation order with the total matching count.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Request, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("backpay: unknown status %q: %w", filter.Status, shared.ErrValidation)
	}
	return s.repo.ListRequests(ctx, filter)
}

// Details returns the per-period component breakdown of a request.
func (s *Service) Details(ctx context.Context, id uuid.UUID) ([]Detail, error) {
	if _, err := s.repo.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListDetails(ctx, id)
}

// Calculate recomputes every period in the request window and moves it to PREVIEWED.
func (s *Service) Calculate(ctx context.Context, id uuid.UUID, actorID int64) (Request, error) {
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if _, err := Next(req.Status, EventCalculate); err != nil {
		return Request{}, err
	}

	details, periods, err := s.computeDetails(ctx, req)
	if err != nil {
		return Request{}, err
	}
	totals := SumDetails(details)
	at := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SavePreview(ctx, req, details, totals, periods, at)
	})
	if err != nil {
		return Request{}, err
	}

	req.Status = StatusPreviewed
	req.PeriodsCovered = periods
	req.TotalArrearsEarnings = totals.Earnings
	req.TotalArrearsDeductions = totals.Deductions
	req.NetArrears = totals.Net
	req.CalculatedAt = &at
	req.UpdatedAt = at
	req.Version++
	s.record(ctx, req.ID, actorID, shared.ApprovalCalculate, "net "+totals.Net.StringFixed(2))
	s.logger.Info("backpay request calculated",
		slog.String("request_id", req.ID.String()),
		slog.Int("periods", periods),
		slog.Int("details", len(details)),
		slog.String("net_arrears", totals.Net.StringFixed(2)))
	return req, nil
}

// computeDetails diffs paid against recomputed payslips for every intersecting period.
func (s *Service) computeDetails(ctx context.Context, req Request) ([]Detail, int, error) {
	periods, err := s.dir.ListPeriods(ctx, req.EffectiveFrom, req.EffectiveTo)
	if err != nil {
		return nil, 0, err
	}
	if len(periods) == 0 {
		return nil, 0, ErrNoPeriods
	}
	history, err := s.dir.GetEmployeeHistory(ctx, req.EmployeeID)
	if err != nil {
		return nil, 0, err
	}

	var pinned *directory.SalaryState
	if req.ReferencePeriodID != nil {
		ref, err := s.dir.GetPeriod(ctx, *req.ReferencePeriodID)
		if err != nil {
			return nil, 0, err
		}
		if state, ok := history.StateAt(ref.EndDate); ok {
			pinned = &state
		}
	}

	var details []Detail
	for _, p := range periods {
		state, ok := history.StateAt(p.EndDate)
		if pinned != nil {
			state, ok = *pinned, true
		}
		var newSlip payrollcalc.Payslip
		if ok {
			newSlip, err = s.calc.ComputePayslip(ctx, req.EmployeeID, p.ID, payrollcalc.Overrides{
				BasicSalary: state.BasicSalary,
				GradeCode:   state.GradeCode,
				GradeLevel:  state.GradeLevel,
				Notch:       state.Notch,
			})
			if err != nil {
				return nil, 0, fmt.Errorf("backpay: compute period %s: %w", p.Name, err)
			}
		}
		oldSlip, _, err := s.calc.PaidPayslip(ctx, req.EmployeeID, p.ID)
		if err != nil {
			return nil, 0, fmt.Errorf("backpay: paid payslip period %s: %w", p.Name, err)
		}
		details = append(details, diffPayslips(req.ID, p, oldSlip, newSlip)...)
	}
	return details, len(periods), nil
}

type componentKey struct {
	name  string
	ctype ComponentType
}

// diffPayslips returns one detail per earning or deduction whose amount changed.
func diffPayslips(requestID uuid.UUID, period directory.Period, oldSlip, newSlip payrollcalc.Payslip) []Detail {
	oldAmounts := componentAmounts(oldSlip)
	newAmounts := componentAmounts(newSlip)

	keys := make([]componentKey, 0, len(oldAmounts)+len(newAmounts))
	for k := range newAmounts {
		keys = append(keys, k)
	}
	for k := range oldAmounts {
		if _, ok := newAmounts[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ctype != keys[j].ctype {
			return keys[i].ctype == ComponentEarning
		}
		return keys[i].name < keys[j].name
	})

	var out []Detail
	for _, k := range keys {
		// Amounts are stored to the cent; totals must add the stored values.
		oldAmt, newAmt := oldAmounts[k].Round(2), newAmounts[k].Round(2)
		if oldAmt.Equal(newAmt) {
			continue
		}
		out = append(out, Detail{
			RequestID:     requestID,
			PeriodID:      period.ID,
			PeriodName:    period.Name,
			ComponentName: k.name,
			ComponentType: k.ctype,
			OldAmount:     oldAmt,
			NewAmount:     newAmt,
			Difference:    newAmt.Sub(oldAmt),
		})
	}
	return out
}

func componentAmounts(slip payrollcalc.Payslip) map[componentKey]decimal.Decimal {
	out := make(map[componentKey]decimal.Decimal)
	add := func(lines []payrollcalc.Line, ctype ComponentType) {
		for _, l := range lines {
			k := componentKey{name: l.Name, ctype: ctype}
			out[k] = out[k].Add(l.Amount)
		}
	}
	add(slip.Earnings, ComponentEarning)
	add(slip.Deductions, ComponentDeduction)
	return out
}

// Approve moves a PREVIEWED request with positive net arrears to APPROVED and
// assigns the payroll period that will disburse it.
func (s *Service) Approve(ctx context.Context, in ApproveInput) (Request, error) {
	req, err := s.repo.GetRequest(ctx, in.RequestID)
	if err != nil {
		return Request{}, err
	}
	if _, err := Next(req.Status, EventApprove); err != nil {
		return Request{}, err
	}
	if !req.NetArrears.IsPositive() {
		return Request{}, ErrNonPositiveArrears
	}

	period, err := s.payrollPeriod(ctx, in.PayrollPeriodID)
	if err != nil {
		return Request{}, err
	}
	at := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.MarkApproved(ctx, req, period.ID, at)
	})
	if err != nil {
		return Request{}, err
	}

	req.Status = StatusApproved
	req.PayrollPeriodID = &period.ID
	req.ApprovedAt = &at
	req.UpdatedAt = at
	req.Version++
	s.record(ctx, req.ID, in.ActorID, shared.ApprovalApprove, "payroll period "+period.Name)
	s.logger.Info("backpay request approved",
		slog.String("request_id", req.ID.String()),
		slog.Int64("payroll_period_id", period.ID))
	return req, nil
}

func (s *Service) payrollPeriod(ctx context.Context, requested *int64) (directory.Period, error) {
	if requested != nil {
		period, err := s.dir.GetPeriod(ctx, *requested)
		if err != nil {
			return directory.Period{}, err
		}
		if period.ClosedOrPaid() {
			return directory.Period{}, ErrPeriodClosed
		}
		return period, nil
	}
	period, err := s.dir.NextOpenPeriod(ctx, dateOnly(s.now()))
	if err != nil {
		if errors.Is(err, directory.ErrNoOpenPeriod) {
			return directory.Period{}, fmt.Errorf("%w: %w", err, shared.ErrValidation)
		}
		return directory.Period{}, err
	}
	return period, nil
}

// Cancel moves a PREVIEWED or APPROVED request to CANCELLED, keeping its details.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actorID int64) (Request, error) {
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if _, err := Next(req.Status, EventCancel); err != nil {
		return Request{}, err
	}
	at := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.MarkCancelled(ctx, req, at)
	})
	if err != nil {
		return Request{}, err
	}
	req.Status = StatusCancelled
	req.CancelledAt = &at
	req.UpdatedAt = at
	req.Version++
	s.record(ctx, req.ID, actorID, shared.ApprovalCancel, "")
	s.logger.Info("backpay request cancelled", slog.String("request_id", req.ID.String()))
	return req, nil
}

// MarkApplied records that an APPROVED request was disbursed by its payroll run.
func (s *Service) MarkApplied(ctx context.Context, id uuid.UUID) (Request, error) {
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if _, err := Next(req.Status, EventApply); err != nil {
		return Request{}, err
	}
	at := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.MarkApplied(ctx, req, at)
	})
	if err != nil {
		return Request{}, err
	}
	req.Status = StatusApplied
	req.UpdatedAt = at
	req.Version++
	s.record(ctx, req.ID, 0, shared.ApprovalApply, "")
	s.logger.Info("backpay request applied", slog.String("request_id", req.ID.String()))
	return req, nil
}

// History returns the recorded transitions of a request, oldest first.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]shared.ApprovalLog, error) {
	if _, err := s.repo.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	if s.audit == nil {
		return []shared.ApprovalLog{}, nil
	}
	return s.audit.List(ctx, Module, id)
}

// Delete removes a DRAFT or CANCELLED request together with its details.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, actorID int64) error {
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	return s.delete(ctx, req, actorID)
}

func (s *Service) delete(ctx context.Context, req Request, actorID int64) error {
	if _, err := Next(req.Status, EventDelete); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteRequest(ctx, req)
	})
	if err != nil {
		return err
	}
	s.record(ctx, req.ID, actorID, shared.ApprovalDelete, req.Reference)
	s.logger.Info("backpay request deleted", slog.String("request_id", req.ID.String()))
	return nil
}

func (s *Service) record(ctx context.Context, id uuid.UUID, actorID int64, action shared.ApprovalAction, note string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.ApprovalLog{
		Module:  Module,
		RefID:   id,
		ActorID: actorID,
		Action:  action,
		Note:    note,
		At:      s.now(),
	}); err != nil {
		s.logger.Warn("record backpay approval log",
			slog.String("request_id", id.String()),
			slog.Any("error", err))
	}
}
