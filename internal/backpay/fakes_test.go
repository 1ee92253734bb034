package backpay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-backpay/internal/directory"
	"github.com/odyssey-erp/odyssey-backpay/internal/payrollcalc"
	"github.com/odyssey-erp/odyssey-backpay/internal/shared"
)

type memoryRepo struct {
	mu       sync.Mutex
	requests map[uuid.UUID]Request
	order    []uuid.UUID
	details  map[uuid.UUID][]Detail
	seq      int64
	listErr  error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		requests: make(map[uuid.UUID]Request),
		details:  make(map[uuid.UUID][]Detail),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	requests := make(map[uuid.UUID]Request, len(r.requests))
	for k, v := range r.requests {
		requests[k] = v
	}
	details := make(map[uuid.UUID][]Detail, len(r.details))
	for k, v := range r.details {
		details[k] = v
	}
	order := append([]uuid.UUID(nil), r.order...)
	seq := r.seq
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.requests, r.details, r.order, r.seq = requests, details, order, seq
		return err
	}
	return nil
}

func (r *memoryRepo) GetRequest(_ context.Context, id uuid.UUID) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	return req, nil
}

func (r *memoryRepo) ListRequests(_ context.Context, filter ListFilter) ([]Request, int, error) {
	out := r.filter(func(req Request) bool {
		return (filter.Status == "" || req.Status == filter.Status) &&
			(filter.EmployeeID == 0 || req.EmployeeID == filter.EmployeeID)
	})
	total := len(out)
	if filter.Offset >= len(out) {
		return nil, total, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, total, nil
}

func (r *memoryRepo) ListDetails(_ context.Context, id uuid.UUID) ([]Detail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Detail(nil), r.details[id]...), nil
}

func (r *memoryRepo) ListEligible(context.Context) ([]Request, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.filter(func(req Request) bool { return EligibleForProcessing(req.Status) }), nil
}

func (r *memoryRepo) ListApprovable(context.Context) ([]Request, error) {
	return r.filter(func(req Request) bool {
		return req.Status == StatusPreviewed && req.NetArrears.IsPositive()
	}), nil
}

func (r *memoryRepo) ListDeletableForPeriod(_ context.Context, periodID int64, from, to time.Time) ([]Request, error) {
	return r.filter(func(req Request) bool {
		if req.Status != StatusDraft && req.Status != StatusCancelled {
			return false
		}
		if req.PayrollPeriodID != nil && *req.PayrollPeriodID == periodID {
			return true
		}
		return req.Overlaps(from, to)
	}), nil
}

func (r *memoryRepo) filter(keep func(Request) bool) []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Request
	for _, id := range r.order {
		if req, ok := r.requests[id]; ok && keep(req) {
			out = append(out, req)
		}
	}
	return out
}

func (r *memoryRepo) put(req Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[req.ID]; !ok {
		r.order = append(r.order, req.ID)
	}
	r.requests[req.ID] = req
}

type memoryTx struct {
	repo *memoryRepo
}

func (t *memoryTx) LockEmployee(context.Context, int64) error { return nil }

func (t *memoryTx) HasOverlap(_ context.Context, employeeID int64, from, to time.Time) (bool, error) {
	for _, req := range t.repo.requests {
		if req.EmployeeID == employeeID && req.Status != StatusCancelled && req.Overlaps(from, to) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) InsertRequest(_ context.Context, req Request) (Request, error) {
	t.repo.seq++
	req.Reference = referenceFor(t.repo.seq)
	req.Version = 1
	req.UpdatedAt = req.CreatedAt
	t.repo.requests[req.ID] = req
	t.repo.order = append(t.repo.order, req.ID)
	return req, nil
}

func referenceFor(seq int64) string {
	return fmt.Sprintf("BP-%06d", seq)
}

func (t *memoryTx) cas(req Request, mutate func(*Request)) error {
	cur, ok := t.repo.requests[req.ID]
	if !ok || cur.Status != req.Status || cur.Version != req.Version {
		return ErrStaleRequest
	}
	mutate(&cur)
	cur.Version++
	t.repo.requests[req.ID] = cur
	return nil
}

func (t *memoryTx) SavePreview(_ context.Context, req Request, details []Detail, totals Totals, periods int, at time.Time) error {
	err := t.cas(req, func(cur *Request) {
		cur.Status = StatusPreviewed
		cur.TotalArrearsEarnings = totals.Earnings
		cur.TotalArrearsDeductions = totals.Deductions
		cur.NetArrears = totals.Net
		cur.PeriodsCovered = periods
		cur.CalculatedAt = &at
		cur.UpdatedAt = at
	})
	if err != nil {
		return err
	}
	t.repo.details[req.ID] = append([]Detail(nil), details...)
	return nil
}

func (t *memoryTx) MarkApproved(_ context.Context, req Request, payrollPeriodID int64, at time.Time) error {
	return t.cas(req, func(cur *Request) {
		cur.Status = StatusApproved
		cur.PayrollPeriodID = &payrollPeriodID
		cur.ApprovedAt = &at
	})
}

func (t *memoryTx) MarkCancelled(_ context.Context, req Request, at time.Time) error {
	return t.cas(req, func(cur *Request) {
		cur.Status = StatusCancelled
		cur.CancelledAt = &at
	})
}

func (t *memoryTx) MarkApplied(_ context.Context, req Request, at time.Time) error {
	return t.cas(req, func(cur *Request) {
		cur.Status = StatusApplied
		cur.UpdatedAt = at
	})
}

func (t *memoryTx) DeleteRequest(_ context.Context, req Request) error {
	if err := t.cas(req, func(*Request) {}); err != nil {
		return err
	}
	delete(t.repo.requests, req.ID)
	delete(t.repo.details, req.ID)
	for i, id := range t.repo.order {
		if id == req.ID {
			t.repo.order = append(t.repo.order[:i], t.repo.order[i+1:]...)
			break
		}
	}
	return nil
}

type fakeDirectory struct {
	employees map[int64]directory.Employee
	histories map[int64]directory.History
	periods   []directory.Period
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		employees: make(map[int64]directory.Employee),
		histories: make(map[int64]directory.History),
	}
}

func (d *fakeDirectory) addEmployee(id int64, code string) directory.Employee {
	emp := directory.Employee{ID: id, Code: code, Name: "Employee " + code, Active: true}
	d.employees[id] = emp
	return emp
}

func (d *fakeDirectory) GetEmployee(_ context.Context, id int64) (directory.Employee, error) {
	emp, ok := d.employees[id]
	if !ok {
		return directory.Employee{}, directory.ErrEmployeeNotFound
	}
	return emp, nil
}

func (d *fakeDirectory) ListEmployees(_ context.Context, filter directory.OrgFilter) ([]directory.Employee, error) {
	var out []directory.Employee
	for _, emp := range d.employees {
		if filter.Matches(emp) {
			out = append(out, emp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *fakeDirectory) GetEmployeeHistory(_ context.Context, employeeID int64) (directory.History, error) {
	return d.histories[employeeID], nil
}

func (d *fakeDirectory) ListPeriods(_ context.Context, from, to time.Time) ([]directory.Period, error) {
	var out []directory.Period
	for _, p := range d.periods {
		if p.Intersects(from, to) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *fakeDirectory) GetPeriod(_ context.Context, id int64) (directory.Period, error) {
	for _, p := range d.periods {
		if p.ID == id {
			return p, nil
		}
	}
	return directory.Period{}, directory.ErrPeriodNotFound
}

func (d *fakeDirectory) NextOpenPeriod(_ context.Context, date time.Time) (directory.Period, error) {
	for _, p := range d.periods {
		if p.Status == shared.PeriodStatusOpen && !p.EndDate.Before(date) {
			return p, nil
		}
	}
	return directory.Period{}, directory.ErrNoOpenPeriod
}

// fakeCalculator pays BASIC = overridden salary and PENSION = 5% of it.
type fakeCalculator struct {
	mu      sync.Mutex
	paid    map[[2]int64]payrollcalc.Payslip
	failFor map[int64]error
	block   map[int64]bool
	calls   int
}

func newFakeCalculator() *fakeCalculator {
	return &fakeCalculator{
		paid:    make(map[[2]int64]payrollcalc.Payslip),
		failFor: make(map[int64]error),
		block:   make(map[int64]bool),
	}
}

func slipFor(basic int64) payrollcalc.Payslip {
	b := decimal.NewFromInt(basic)
	return payrollcalc.Payslip{
		Earnings:   []payrollcalc.Line{{Name: "BASIC", Type: payrollcalc.ComponentEarning, Amount: b}},
		Deductions: []payrollcalc.Line{{Name: "PENSION", Type: payrollcalc.ComponentDeduction, Amount: b.Mul(decimal.NewFromFloat(0.05))}},
	}
}

func (c *fakeCalculator) setPaid(employeeID, periodID, basic int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paid[[2]int64{employeeID, periodID}] = slipFor(basic)
}

func (c *fakeCalculator) ComputePayslip(ctx context.Context, employeeID, periodID int64, o payrollcalc.Overrides) (payrollcalc.Payslip, error) {
	c.mu.Lock()
	c.calls++
	err, block := c.failFor[employeeID], c.block[employeeID]
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return payrollcalc.Payslip{}, ctx.Err()
	}
	if err != nil {
		return payrollcalc.Payslip{}, err
	}
	slip := slipFor(o.BasicSalary.IntPart())
	slip.EmployeeID, slip.PeriodID = employeeID, periodID
	return slip, nil
}

func (c *fakeCalculator) PaidPayslip(_ context.Context, employeeID, periodID int64) (payrollcalc.Payslip, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slip, ok := c.paid[[2]int64{employeeID, periodID}]
	return slip, ok, nil
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.ApprovalLog
	err  error
}

func (a *recordingAudit) Record(_ context.Context, log shared.ApprovalLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingAudit) List(_ context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := []shared.ApprovalLog{}
	for _, l := range a.logs {
		if l.Module == module && l.RefID == ref {
			out = append(out, l)
		}
	}
	return out, nil
}

func (a *recordingAudit) actions() []shared.ApprovalAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]shared.ApprovalAction, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func period(id int64, y int, m time.Month, status string) directory.Period {
	start := date(y, m, 1)
	return directory.Period{
		ID:        id,
		Name:      start.Format("Jan 2006"),
		StartDate: start,
		EndDate:   start.AddDate(0, 1, -1),
		Status:    status,
	}
}

type fixture struct {
	repo  *memoryRepo
	dir   *fakeDirectory
	calc  *fakeCalculator
	audit *recordingAudit
	svc   *Service
}

// newFixture seeds closed Jan-Mar 2024 periods and an open Apr 2024 period.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:  newMemoryRepo(),
		dir:   newFakeDirectory(),
		calc:  newFakeCalculator(),
		audit: &recordingAudit{},
	}
	f.dir.periods = []directory.Period{
		period(1, 2024, time.January, shared.PeriodStatusPaid),
		period(2, 2024, time.February, shared.PeriodStatusClosed),
		period(3, 2024, time.March, shared.PeriodStatusClosed),
		period(4, 2024, time.April, shared.PeriodStatusOpen),
	}
	f.svc = NewService(f.repo, f.dir, f.calc, f.audit, nil)
	f.svc.SetClock(func() time.Time { return time.Date(2024, time.April, 10, 9, 0, 0, 0, time.UTC) })
	return f
}

// addRaisedEmployee seeds an employee paid 5000 for Jan-Mar whose 6000 salary
// from February was only recorded after those periods closed.
func (f *fixture) addRaisedEmployee(id int64, code string) {
	f.dir.addEmployee(id, code)
	f.dir.histories[id] = directory.History{
		{ID: id*10 + 1, EmployeeID: id, Kind: directory.EventAssignment, EffectiveDate: date(2023, time.June, 1),
			RecordedAt: date(2023, time.June, 1), BasicSalary: decimal.NewFromInt(5000), GradeLevel: 4},
		{ID: id*10 + 2, EmployeeID: id, Kind: directory.EventAssignment, EffectiveDate: date(2024, time.February, 1),
			RecordedAt: date(2024, time.April, 5), BasicSalary: decimal.NewFromInt(6000), GradeLevel: 5},
	}
	for _, p := range []int64{1, 2, 3} {
		f.calc.setPaid(id, p, 5000)
	}
}

func (f *fixture) create(t *testing.T, employeeID int64) Request {
	t.Helper()
	req, err := f.svc.Create(context.Background(), CreateInput{
		EmployeeID:    employeeID,
		Reason:        ReasonPromotion,
		EffectiveFrom: date(2024, time.January, 1),
		EffectiveTo:   date(2024, time.March, 31),
	})
	require.NoError(t, err)
	return req
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

var errEngineDown = fmt.Errorf("payrollcalc: engine down: %w", shared.ErrDependency)
