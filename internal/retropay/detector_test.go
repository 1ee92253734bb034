package retropay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-backpay/internal/backpay"
	"github.com/odyssey-erp/odyssey-backpay/internal/directory"
	"github.com/odyssey-erp/odyssey-backpay/internal/shared"
)

type fakeDirectory struct {
	mu         sync.Mutex
	employees  []directory.Employee
	history    map[int64]directory.History
	periods    []directory.Period
	historyErr error
	reads      int
	// entered is signalled and gate awaited before each history read when set.
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeDirectory) ListEmployees(_ context.Context, filter directory.OrgFilter) ([]directory.Employee, error) {
	var out []directory.Employee
	for _, e := range f.employees {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeDirectory) GetEmployeeHistory(ctx context.Context, employeeID int64) (directory.History, error) {
	if f.gate != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history[employeeID], nil
}

func (f *fakeDirectory) ListPeriods(_ context.Context, from, to time.Time) ([]directory.Period, error) {
	var out []directory.Period
	for _, p := range f.periods {
		if p.Intersects(from, to) {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeCreator struct {
	created []backpay.CreateInput
	overlap map[int64]bool
	fail    map[int64]error
}

func (c *fakeCreator) Create(_ context.Context, in backpay.CreateInput) (backpay.Request, error) {
	if c.overlap[in.EmployeeID] {
		return backpay.Request{}, backpay.ErrOverlap
	}
	if err := c.fail[in.EmployeeID]; err != nil {
		return backpay.Request{}, err
	}
	c.created = append(c.created, in)
	return backpay.Request{EmployeeID: in.EmployeeID, Status: backpay.StatusDraft}, nil
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func closedPeriod(id int64, m time.Month, status string) directory.Period {
	start := date(2024, m, 1)
	closed := start.AddDate(0, 1, 0)
	return directory.Period{
		ID:        id,
		Name:      start.Format("January 2006"),
		StartDate: start,
		EndDate:   start.AddDate(0, 1, -1),
		Status:    status,
		ClosedAt:  &closed,
	}
}

func assignment(id int64, effective, recorded time.Time, level int, salary int64) directory.HistoryEvent {
	return directory.HistoryEvent{
		ID:            id,
		Kind:          directory.EventAssignment,
		EffectiveDate: effective,
		RecordedAt:    recorded,
		BasicSalary:   decimal.NewFromInt(salary),
		GradeCode:     fmt.Sprintf("G%d", level),
		GradeLevel:    level,
		Notch:         1,
	}
}

func hired(id int64) directory.HistoryEvent {
	return assignment(id, date(2023, time.June, 1), date(2023, time.June, 1), 4, 5000)
}

func newDetectorFixture() (*fakeDirectory, *fakeCreator, *Detector) {
	dir := &fakeDirectory{
		history: map[int64]directory.History{},
		periods: []directory.Period{
			closedPeriod(1, time.January, shared.PeriodStatusPaid),
			closedPeriod(2, time.February, shared.PeriodStatusClosed),
			closedPeriod(3, time.March, shared.PeriodStatusClosed),
			{ID: 4, Name: "April 2024", StartDate: date(2024, time.April, 1), EndDate: date(2024, time.April, 30), Status: shared.PeriodStatusOpen},
		},
	}
	creator := &fakeCreator{overlap: map[int64]bool{}, fail: map[int64]error{}}
	det := NewDetector(dir, creator, 2, nil)
	det.SetClock(func() time.Time { return time.Date(2024, time.April, 10, 12, 0, 0, 0, time.UTC) })
	return dir, creator, det
}

func (f *fakeDirectory) add(id int64, events ...directory.HistoryEvent) {
	f.employees = append(f.employees, directory.Employee{ID: id, Code: fmt.Sprintf("EMP%03d", id), Name: "Employee", Active: true})
	f.history[id] = events
}

func TestDetectRetroactivePromotion(t *testing.T) {
	dir, _, det := newDetectorFixture()
	dir.add(1, hired(1), assignment(2, date(2024, time.February, 1), date(2024, time.April, 5), 5, 5000))
	dir.add(2, hired(3))

	res, err := det.Detect(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	got := res.Detections[0]
	require.Equal(t, int64(1), got.EmployeeID)
	require.Equal(t, "EMP001", got.EmployeeCode)
	require.Len(t, got.Changes, 1)
	require.Equal(t, ChangePromotion, got.Changes[0].Type)
	require.Equal(t, "Grade level raised from 4 to 5 effective 2024-02-01", got.Changes[0].Description)
	require.Len(t, got.AffectedPeriods, 2)
	require.Equal(t, int64(2), got.AffectedPeriods[0].ID)
	require.Equal(t, int64(3), got.AffectedPeriods[1].ID)
	require.Equal(t, date(2024, time.February, 1), got.EarliestFrom)
	require.Equal(t, date(2024, time.March, 31), got.LatestTo)
	require.Equal(t, backpay.ReasonPromotion, got.DominantReason())
}

func TestDetectClassifiesChanges(t *testing.T) {
	dir, _, det := newDetectorFixture()
	late := date(2024, time.April, 5)
	dir.add(3, hired(1), assignment(2, date(2024, time.March, 1), late, 3, 5000))
	dir.add(1, hired(3), assignment(4, date(2024, time.February, 1), late, 4, 6000))
	dir.add(2, hired(5), directory.HistoryEvent{
		ID:              6,
		Kind:            directory.EventTransaction,
		EffectiveDate:   date(2024, time.January, 15),
		RecordedAt:      late,
		TransactionType: "Overtime",
		Note:            "approved late",
	})

	res, err := det.Detect(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.Count)
	require.Equal(t, int64(1), res.Detections[0].EmployeeID)
	require.Equal(t, int64(2), res.Detections[1].EmployeeID)
	require.Equal(t, int64(3), res.Detections[2].EmployeeID)

	salary := res.Detections[0].Changes[0]
	require.Equal(t, ChangeSalary, salary.Type)
	require.Equal(t, "Basic salary changed from 5000.00 to 6000.00 effective 2024-02-01", salary.Description)

	txn := res.Detections[1]
	require.Equal(t, ChangeTransaction, txn.Changes[0].Type)
	require.Equal(t, "Overtime recorded effective 2024-01-15: approved late", txn.Changes[0].Description)
	require.Len(t, txn.AffectedPeriods, 3)
	require.Equal(t, date(2024, time.January, 1), txn.EarliestFrom)

	demotion := res.Detections[2]
	require.Equal(t, ChangeDemotion, demotion.Changes[0].Type)
	require.Equal(t, backpay.ReasonCorrection, demotion.DominantReason())
}

func TestDetectIgnoresChangesRecordedBeforeClose(t *testing.T) {
	dir, _, det := newDetectorFixture()
	dir.add(1, hired(1), assignment(2, date(2024, time.February, 1), date(2024, time.February, 20), 5, 6000))
	dir.add(2, hired(3), assignment(4, date(2024, time.April, 1), date(2024, time.April, 2), 5, 6000))
	dir.add(3, hired(5), assignment(6, date(2024, time.February, 1), date(2024, time.April, 5), 4, 5000))

	res, err := det.Detect(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Count)
	require.Empty(t, res.Detections)
}

func TestDetectIsIdempotent(t *testing.T) {
	dir, _, det := newDetectorFixture()
	late := date(2024, time.April, 5)
	for i := int64(1); i <= 6; i++ {
		dir.add(i, hired(i*10), assignment(i*10+1, date(2024, time.March, 1), late, 4, 5000+i*100))
	}

	first, err := det.Detect(context.Background())
	require.NoError(t, err)
	second, err := det.Detect(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 6, first.Count)
}

func TestDetectFailsOnHistoryError(t *testing.T) {
	dir, _, det := newDetectorFixture()
	dir.add(1, hired(1))
	dir.historyErr = fmt.Errorf("directory: timeout: %w", shared.ErrDependency)

	_, err := det.Detect(context.Background())
	require.ErrorIs(t, err, shared.ErrDependency)
}

func TestDetectSharedScanOutlivesCancelledCaller(t *testing.T) {
	dir, _, det := newDetectorFixture()
	dir.add(1, hired(1), assignment(2, date(2024, time.February, 1), date(2024, time.April, 5), 5, 5000))
	dir.entered = make(chan struct{}, 1)
	dir.gate = make(chan struct{})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := det.Detect(firstCtx)
		firstErr <- err
	}()
	<-dir.entered

	type outcome struct {
		res Result
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := det.Detect(context.Background())
		second <- outcome{res: res, err: err}
	}()

	cancelFirst()
	select {
	case err := <-firstErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting on the shared scan")
	}

	time.Sleep(50 * time.Millisecond)
	close(dir.gate)

	select {
	case got := <-second:
		require.NoError(t, got.err)
		require.Equal(t, 1, got.res.Count)
	case <-time.After(time.Second):
		t.Fatal("live caller never received the shared scan")
	}
	dir.mu.Lock()
	defer dir.mu.Unlock()
	require.Equal(t, 1, dir.reads)
}

func TestAutoCreateSkipsOverlaps(t *testing.T) {
	dir, creator, det := newDetectorFixture()
	late := date(2024, time.April, 5)
	dir.add(1, hired(1), assignment(2, date(2024, time.February, 1), late, 5, 6000))
	dir.add(2, hired(3), assignment(4, date(2024, time.March, 1), late, 4, 5500))
	dir.add(3, hired(5), assignment(6, date(2024, time.March, 1), late, 4, 5500))
	dir.add(4, hired(7), assignment(8, date(2024, time.March, 1), late, 4, 5500))
	dir.add(5, hired(9))
	creator.overlap[2] = true
	creator.fail[4] = errors.New("insert failed")

	res, err := det.AutoCreate(context.Background(), 9)
	require.NoError(t, err)
	require.Equal(t, backpay.BulkCreateResult{Count: 2, Skipped: 2}, res)

	require.Len(t, creator.created, 2)
	first := creator.created[0]
	require.Equal(t, int64(1), first.EmployeeID)
	require.Equal(t, backpay.ReasonPromotion, first.Reason)
	require.Equal(t, date(2024, time.February, 1), first.EffectiveFrom)
	require.Equal(t, date(2024, time.March, 31), first.EffectiveTo)
	require.Equal(t, int64(9), first.ActorID)
	require.Equal(t, backpay.ReasonSalaryRevision, creator.created[1].Reason)
	require.Equal(t, date(2024, time.March, 1), creator.created[1].EffectiveFrom)
}

func TestDominantReasonBreaksTiesByPriority(t *testing.T) {
	d := Detection{Changes: []Change{
		{Type: ChangeTransaction},
		{Type: ChangeSalary},
		{Type: ChangeTransaction},
		{Type: ChangeSalary},
	}}
	require.Equal(t, backpay.ReasonSalaryRevision, d.DominantReason())

	d.Changes = append(d.Changes, Change{Type: ChangeTransaction})
	require.Equal(t, backpay.ReasonOther, d.DominantReason())

	d.Changes = []Change{{Type: ChangeDemotion}, {Type: ChangePromotion}}
	require.Equal(t, backpay.ReasonPromotion, d.DominantReason())
}
