package backpay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-backpay/internal/shared"
)

// Dispatcher hands a batch to the background worker.
type Dispatcher interface {
	EnqueueBackpayBulkProcess(ctx context.Context, batchID string) error
}

// Processor runs calculate-then-approve over every eligible request as a detached batch.
type Processor struct {
	svc         *Service
	store       *ProgressStore
	dispatcher  Dispatcher
	itemTimeout time.Duration
	logger      *slog.Logger
}

// NewProcessor constructs Processor. itemTimeout bounds each calculate and approve call.
func NewProcessor(svc *Service, store *ProgressStore, dispatcher Dispatcher, itemTimeout time.Duration, logger *slog.Logger) *Processor {
	if itemTimeout <= 0 {
		itemTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		svc:         svc,
		store:       store,
		dispatcher:  dispatcher,
		itemTimeout: itemTimeout,
		logger:      logger,
	}
}

// Start snapshots the eligible requests in creation order, stores the batch and
// enqueues it. It returns as soon as the batch is addressable.
func (p *Processor) Start(ctx context.Context, actorID int64) (string, error) {
	batchID := uuid.NewString()
	now := p.svc.now()
	batch := Batch{
		ID:        batchID,
		Status:    BatchRunning,
		ActorID:   actorID,
		StartedAt: now,
	}
	logger := p.logger.With(slog.String("batch_id", batchID))

	eligible, err := p.svc.repo.ListEligible(ctx)
	if err != nil {
		batch.Status = BatchFailed
		batch.FinishedAt = &now
		batch.Errors = []BatchError{{Message: "select eligible requests: " + err.Error()}}
		if storeErr := p.store.Create(ctx, batch, nil); storeErr != nil {
			logger.Error("store failed backpay batch", slog.Any("error", storeErr))
		}
		return batchID, fmt.Errorf("backpay: select eligible requests: %w", err)
	}

	items := make([]string, 0, len(eligible))
	for _, req := range eligible {
		if EligibleForProcessing(req.Status) {
			items = append(items, req.ID.String())
		}
	}
	batch.Total = len(items)
	if batch.Total == 0 {
		batch.Status = BatchCompleted
		batch.FinishedAt = &now
		if err := p.store.Create(ctx, batch, nil); err != nil {
			return "", err
		}
		logger.Info("backpay batch had nothing to process")
		return batchID, nil
	}

	if err := p.store.Create(ctx, batch, items); err != nil {
		return "", err
	}
	if err := p.dispatcher.EnqueueBackpayBulkProcess(ctx, batchID); err != nil {
		p.fail(ctx, batchID, "enqueue batch: "+err.Error())
		return batchID, fmt.Errorf("backpay: enqueue batch: %v: %w", err, shared.ErrDependency)
	}
	logger.Info("backpay batch started", slog.Int("total", batch.Total))
	return batchID, nil
}

// Progress returns the current state of a batch.
func (p *Processor) Progress(ctx context.Context, batchID string) (Batch, error) {
	return p.store.Get(ctx, batchID)
}

// Cancel asks a running batch to stop before its next item.
func (p *Processor) Cancel(ctx context.Context, batchID string) (Batch, error) {
	batch, err := p.store.Get(ctx, batchID)
	if err != nil {
		return Batch{}, err
	}
	if batch.Status != BatchRunning {
		return Batch{}, fmt.Errorf("backpay: batch %s is %s: %w", batchID, batch.Status, shared.ErrInvalidState)
	}
	if err := p.store.RequestCancel(ctx, batchID); err != nil {
		return Batch{}, err
	}
	p.logger.Info("backpay batch cancel requested", slog.String("batch_id", batchID))
	return batch, nil
}

// Run processes a batch to completion. Items already counted as processed are
// skipped so a retried task resumes where the previous attempt stopped.
func (p *Processor) Run(ctx context.Context, batchID string) (Batch, error) {
	batch, err := p.store.Get(ctx, batchID)
	if err != nil {
		return Batch{}, err
	}
	if batch.Status != BatchRunning {
		return batch, nil
	}
	items, err := p.store.Items(ctx, batchID)
	if err != nil {
		return Batch{}, err
	}
	logger := p.logger.With(slog.String("batch_id", batchID))

	for i := batch.Processed; i < len(items); i++ {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}
		cancelled, err := p.store.CancelRequested(ctx, batchID)
		if err != nil {
			return Batch{}, err
		}
		if cancelled {
			if err := p.store.Finish(ctx, batchID, BatchCancelled, p.svc.now()); err != nil {
				return Batch{}, err
			}
			logger.Info("backpay batch cancelled", slog.Int("processed", i))
			return p.store.Get(ctx, batchID)
		}

		out := p.processItem(ctx, batchID, items[i], batch.ActorID)
		if out.Err != nil {
			logger.Warn("backpay batch item failed",
				slog.String("request_id", out.Err.RequestID),
				slog.String("error", out.Err.Message))
		}
		var completedAt *time.Time
		if i == len(items)-1 {
			at := p.svc.now()
			completedAt = &at
		}
		if err := p.store.RecordItem(ctx, batchID, out, completedAt); err != nil {
			return Batch{}, err
		}
	}

	if batch.Processed >= len(items) {
		if err := p.store.Finish(ctx, batchID, BatchCompleted, p.svc.now()); err != nil {
			return Batch{}, err
		}
	}
	final, err := p.store.Get(ctx, batchID)
	if err != nil {
		return Batch{}, err
	}
	logger.Info("backpay batch completed",
		slog.Int("total", final.Total),
		slog.Int("calculated", final.Calculated),
		slog.Int("approved", final.Approved),
		slog.Int("zero_arrears", final.ZeroArrears),
		slog.Int("errors", len(final.Errors)))
	return final, nil
}

// MarkFailed stores a terminal failure for a batch the worker could not run.
func (p *Processor) MarkFailed(ctx context.Context, batchID string, cause error) {
	p.fail(ctx, batchID, cause.Error())
}

func (p *Processor) fail(ctx context.Context, batchID, message string) {
	if err := p.store.AppendError(ctx, batchID, BatchError{Message: message}); err != nil {
		p.logger.Error("append backpay batch error", slog.String("batch_id", batchID), slog.Any("error", err))
	}
	if err := p.store.Finish(ctx, batchID, BatchFailed, p.svc.now()); err != nil {
		p.logger.Error("mark backpay batch failed", slog.String("batch_id", batchID), slog.Any("error", err))
	}
}

func (p *Processor) processItem(ctx context.Context, batchID, rawID string, actorID int64) ItemOutcome {
	var out ItemOutcome
	id, err := uuid.Parse(rawID)
	if err != nil {
		out.Err = &BatchError{RequestID: rawID, Message: "invalid request id"}
		return out
	}
	fail := func(req Request, err error) ItemOutcome {
		out.Err = &BatchError{RequestID: rawID, Reference: req.Reference, Message: err.Error()}
		return out
	}

	var req Request
	err = p.withItemTimeout(ctx, func(ctx context.Context) error {
		var err error
		req, err = p.svc.Get(ctx, id)
		return err
	})
	if err != nil {
		return fail(Request{}, err)
	}
	label := req.EmployeeLabel
	if label == "" {
		label = strconv.FormatInt(req.EmployeeID, 10)
	}
	if err := p.store.SetCurrent(ctx, batchID, label); err != nil {
		p.logger.Warn("set backpay batch current employee", slog.String("batch_id", batchID), slog.Any("error", err))
	}

	if req.Status == StatusApproved {
		// Approved by an earlier attempt that stopped before recording it.
		out.Approved = true
		return out
	}
	if req.Status == StatusDraft {
		var calculated Request
		err = p.withItemTimeout(ctx, func(ctx context.Context) error {
			var err error
			calculated, err = p.svc.Calculate(ctx, id, actorID)
			return err
		})
		if err != nil {
			return fail(req, err)
		}
		req = calculated
		out.Calculated = true
	}
	if req.Status != StatusPreviewed {
		return fail(req, &TransitionError{From: req.Status, Event: EventApprove})
	}
	if !req.NetArrears.IsPositive() {
		out.ZeroArrears = true
		return out
	}
	err = p.withItemTimeout(ctx, func(ctx context.Context) error {
		_, err := p.svc.Approve(ctx, ApproveInput{RequestID: id, ActorID: actorID})
		return err
	})
	if err != nil {
		return fail(req, err)
	}
	out.Approved = true
	return out
}

func (p *Processor) withItemTimeout(ctx context.Context, fn func(context.Context) error) error {
	itemCtx, cancel := context.WithTimeout(ctx, p.itemTimeout)
	defer cancel()
	err := fn(itemCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("backpay: item timed out after %s: %w", p.itemTimeout, shared.ErrDependency)
	}
	return err
}
