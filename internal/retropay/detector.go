package retropay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-backpay/internal/backpay"
	"github.com/odyssey-erp/odyssey-backpay/internal/directory"
)

// Directory exposes the reads the detector needs.
type Directory interface {
	ListEmployees(ctx context.Context, filter directory.OrgFilter) ([]directory.Employee, error)
	GetEmployeeHistory(ctx context.Context, employeeID int64) (directory.History, error)
	ListPeriods(ctx context.Context, from, to time.Time) ([]directory.Period, error)
}

// RequestCreator creates backpay requests from detections.
type RequestCreator interface {
	Create(ctx context.Context, in backpay.CreateInput) (backpay.Request, error)
}

// historyStart bounds the period lookup from below.
var historyStart = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

const dateLayout = "2006-01-02"

// scanTimeout bounds a shared scan once detached from its callers.
const scanTimeout = 5 * time.Minute

// Detector scans employee histories for backdated changes.
type Detector struct {
	dir         Directory
	creator     RequestCreator
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
	flight      singleflight.Group
}

// NewDetector constructs Detector. concurrency bounds parallel history reads.
func NewDetector(dir Directory, creator RequestCreator, concurrency int, logger *slog.Logger) *Detector {
	if concurrency <= 0 {
		concurrency = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		dir:         dir,
		creator:     creator,
		concurrency: concurrency,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock overrides the time source.
func (d *Detector) SetClock(now func() time.Time) {
	if now != nil {
		d.now = now
	}
}

// Detect scans all active employees. It is read-only; concurrent callers share
// one scan, which outlives any single caller's context. Each caller stops
// waiting when its own context ends.
func (d *Detector) Detect(ctx context.Context) (Result, error) {
	ch := d.flight.DoChan("detect", func() (any, error) {
		scanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), scanTimeout)
		defer cancel()
		return d.scan(scanCtx)
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		scanned := res.Val.(Result)
		out := Result{Count: scanned.Count, Detections: make([]Detection, len(scanned.Detections))}
		copy(out.Detections, scanned.Detections)
		return out, nil
	}
}

func (d *Detector) scan(ctx context.Context) (Result, error) {
	y, m, day := d.now().Date()
	today := time.Date(y, m, day, 0, 0, 0, 0, time.UTC)

	periods, err := d.dir.ListPeriods(ctx, historyStart, today)
	if err != nil {
		return Result{}, err
	}
	employees, err := d.dir.ListEmployees(ctx, directory.OrgFilter{AllActive: true})
	if err != nil {
		return Result{}, err
	}

	found := make([]*Detection, len(employees))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, emp := range employees {
		g.Go(func() error {
			history, err := d.dir.GetEmployeeHistory(gctx, emp.ID)
			if err != nil {
				return fmt.Errorf("retropay: history for employee %d: %w", emp.ID, err)
			}
			found[i] = detectEmployee(emp, history, periods, today)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{Detections: []Detection{}}
	for _, det := range found {
		if det != nil {
			res.Detections = append(res.Detections, *det)
		}
	}
	sort.Slice(res.Detections, func(i, j int) bool {
		return res.Detections[i].EmployeeID < res.Detections[j].EmployeeID
	})
	res.Count = len(res.Detections)
	return res, nil
}

// detectEmployee returns nil when none of the employee's changes qualify.
func detectEmployee(emp directory.Employee, history directory.History, periods []directory.Period, today time.Time) *Detection {
	var (
		changes []Change
		prev    *directory.HistoryEvent
	)
	for _, ev := range history.Sorted() {
		change, mutates := classify(prev, ev)
		if ev.Kind == directory.EventAssignment {
			e := ev
			prev = &e
		}
		if !mutates || !qualifies(ev, periods) {
			continue
		}
		changes = append(changes, change)
	}
	if len(changes) == 0 {
		return nil
	}

	earliest := changes[0].EffectiveDate
	for _, c := range changes[1:] {
		if c.EffectiveDate.Before(earliest) {
			earliest = c.EffectiveDate
		}
	}
	det := &Detection{
		EmployeeID:      emp.ID,
		EmployeeCode:    emp.Code,
		EmployeeName:    emp.Name,
		Changes:         changes,
		AffectedPeriods: []AffectedPeriod{},
	}
	for _, p := range periods {
		if !p.ClosedOrPaid() || !p.Intersects(earliest, today) {
			continue
		}
		det.AffectedPeriods = append(det.AffectedPeriods, AffectedPeriod{
			ID:        p.ID,
			Name:      p.Name,
			StartDate: p.StartDate,
			EndDate:   p.EndDate,
			Status:    p.Status,
		})
		if det.EarliestFrom.IsZero() || p.StartDate.Before(det.EarliestFrom) {
			det.EarliestFrom = p.StartDate
		}
		if p.EndDate.After(det.LatestTo) {
			det.LatestTo = p.EndDate
		}
	}
	return det
}

// qualifies reports whether ev lands in a finalised period and, when the
// closing time is known, was recorded after it.
func qualifies(ev directory.HistoryEvent, periods []directory.Period) bool {
	for _, p := range periods {
		if !p.Contains(ev.EffectiveDate) {
			continue
		}
		if !p.ClosedOrPaid() {
			return false
		}
		return p.ClosedAt == nil || ev.RecordedAt.After(*p.ClosedAt)
	}
	return false
}

// classify describes ev relative to the previous assignment. mutates is false
// for an assignment that repeats the previous one.
func classify(prev *directory.HistoryEvent, ev directory.HistoryEvent) (Change, bool) {
	effective := ev.EffectiveDate.Format(dateLayout)
	change := Change{EffectiveDate: ev.EffectiveDate, RecordedAt: ev.RecordedAt}

	if ev.Kind != directory.EventAssignment {
		change.Type = ChangeTransaction
		label := ev.TransactionType
		if label == "" {
			label = "Payroll transaction"
		}
		change.Description = fmt.Sprintf("%s recorded effective %s", label, effective)
		if ev.Note != "" {
			change.Description += ": " + ev.Note
		}
		return change, true
	}

	switch {
	case prev == nil:
		change.Type = ChangeTransaction
		change.Description = fmt.Sprintf("Initial assignment at basic salary %s effective %s",
			ev.BasicSalary.StringFixed(2), effective)
	case ev.GradeLevel > prev.GradeLevel:
		change.Type = ChangePromotion
		change.Description = fmt.Sprintf("Grade level raised from %d to %d effective %s",
			prev.GradeLevel, ev.GradeLevel, effective)
	case ev.GradeLevel < prev.GradeLevel:
		change.Type = ChangeDemotion
		change.Description = fmt.Sprintf("Grade level lowered from %d to %d effective %s",
			prev.GradeLevel, ev.GradeLevel, effective)
	case !ev.BasicSalary.Equal(prev.BasicSalary):
		change.Type = ChangeSalary
		change.Description = fmt.Sprintf("Basic salary changed from %s to %s effective %s",
			prev.BasicSalary.StringFixed(2), ev.BasicSalary.StringFixed(2), effective)
	case ev.GradeCode != prev.GradeCode || ev.Notch != prev.Notch:
		change.Type = ChangeTransaction
		change.Description = fmt.Sprintf("Grade %s notch %d changed to grade %s notch %d effective %s",
			prev.GradeCode, prev.Notch, ev.GradeCode, ev.Notch, effective)
	default:
		return Change{}, false
	}
	return change, true
}

// AutoCreate turns every detection into a DRAFT request spanning its affected
// periods. Overlapping and failing employees are skipped and counted.
func (d *Detector) AutoCreate(ctx context.Context, actorID int64) (backpay.BulkCreateResult, error) {
	res, err := d.Detect(ctx)
	if err != nil {
		return backpay.BulkCreateResult{}, err
	}
	var out backpay.BulkCreateResult
	for _, det := range res.Detections {
		if len(det.AffectedPeriods) == 0 {
			out.Skipped++
			continue
		}
		_, err := d.creator.Create(ctx, backpay.CreateInput{
			EmployeeID:    det.EmployeeID,
			Reason:        det.DominantReason(),
			EffectiveFrom: det.EarliestFrom,
			EffectiveTo:   det.LatestTo,
			Description:   describe(det),
			ActorID:       actorID,
		})
		switch {
		case err == nil:
			out.Count++
		case errors.Is(err, backpay.ErrOverlap):
			out.Skipped++
		default:
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			out.Skipped++
			d.logger.Warn("retropay auto-create",
				slog.Int64("employee_id", det.EmployeeID),
				slog.Any("error", err))
		}
	}
	d.logger.Info("retropay auto-create finished",
		slog.Int("detections", res.Count),
		slog.Int("count", out.Count),
		slog.Int("skipped", out.Skipped))
	return out, nil
}

func describe(det Detection) string {
	if len(det.Changes) == 1 {
		return "Retropay: " + det.Changes[0].Description
	}
	return fmt.Sprintf("Retropay: %d backdated changes, first %s", len(det.Changes), det.Changes[0].Description)
}
