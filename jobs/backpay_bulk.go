package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-backpay/internal/backpay"
	jobmetrics "github.com/odyssey-erp/odyssey-backpay/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

var _ backpay.Dispatcher = (*Client)(nil)

type batchRunner interface {
	Progress(ctx context.Context, batchID string) (backpay.Batch, error)
	Run(ctx context.Context, batchID string) (backpay.Batch, error)
	MarkFailed(ctx context.Context, batchID string, cause error)
}

// BackpayBulkJob works through one bulk processing batch.
type BackpayBulkJob struct {
	Processor batchRunner
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewBackpayBulkJob wires dependencies for the bulk process handler.
func NewBackpayBulkJob(processor batchRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *BackpayBulkJob {
	return &BackpayBulkJob{Processor: processor, Logger: logger, Metrics: metrics}
}

// Handle processes TaskBackpayBulkProcess tasks. A failed run is retried by
// asynq and resumes after the last recorded item; once retries are exhausted
// the batch is marked failed.
func (j *BackpayBulkJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Processor == nil {
		return errors.New("backpay bulk: handler not configured")
	}
	var payload BackpayBulkProcessPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.BatchID == "" {
		return fmt.Errorf("backpay bulk: invalid payload: %w", asynq.SkipRetry)
	}

	start := time.Now()
	tracker := j.metrics().Track(TaskBackpayBulkProcess)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("batch_id", payload.BatchID))
	logger.Info("starting bulk process")

	// counts recorded by earlier attempts are excluded from metrics
	before, _ := j.Processor.Progress(ctx, payload.BatchID)
	batch, err := j.Processor.Run(ctx, payload.BatchID)
	if err != nil {
		resultErr = err
		logger.Error("bulk process failed", slog.Any("error", err))
		if errors.Is(err, backpay.ErrBatchNotFound) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		if finalAttempt(ctx) {
			j.Processor.MarkFailed(context.WithoutCancel(ctx), payload.BatchID, err)
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return resultErr
	}

	m := j.metrics()
	m.AddItems(TaskBackpayBulkProcess, jobmetrics.OutcomeApproved, batch.Approved-before.Approved)
	m.AddItems(TaskBackpayBulkProcess, jobmetrics.OutcomeZeroArrears, batch.ZeroArrears-before.ZeroArrears)
	m.AddItems(TaskBackpayBulkProcess, jobmetrics.OutcomeFailed, len(batch.Errors)-len(before.Errors))

	logger.Info("completed bulk process",
		slog.String("status", string(batch.Status)),
		slog.Int("processed", batch.Processed),
		slog.Int("total", batch.Total),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func finalAttempt(ctx context.Context) bool {
	retried, ok1 := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	if !ok1 || !ok2 {
		return true
	}
	return retried >= maxRetry
}

func (j *BackpayBulkJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBackpayBulkProcess))
	}
	return slog.Default().With(slog.String("job", TaskBackpayBulkProcess))
}

func (j *BackpayBulkJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
