package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-backpay/internal/backpay"
	jobmetrics "github.com/odyssey-erp/odyssey-backpay/internal/jobs"
	"github.com/odyssey-erp/odyssey-backpay/internal/retropay"
)

type retropayScanner interface {
	Detect(ctx context.Context) (retropay.Result, error)
	AutoCreate(ctx context.Context, actorID int64) (backpay.BulkCreateResult, error)
}

// RetropayScanJob runs the retropay detector on a schedule and optionally
// materialises draft requests for what it finds.
type RetropayScanJob struct {
	Detector retropayScanner
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewRetropayScanJob wires dependencies for the scan handler.
func NewRetropayScanJob(detector retropayScanner, logger *slog.Logger, metrics *jobmetrics.Metrics) *RetropayScanJob {
	return &RetropayScanJob{Detector: detector, Logger: logger, Metrics: metrics}
}

// Handle processes TaskRetropayScan tasks.
func (j *RetropayScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Detector == nil {
		return errors.New("retropay scan: handler not configured")
	}
	var payload RetropayScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	start := time.Now()
	tracker := j.metrics().Track(TaskRetropayScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Bool("auto_create", payload.AutoCreate))
	logger.Info("starting retropay scan")

	res, err := j.Detector.Detect(ctx)
	if err != nil {
		resultErr = err
		logger.Error("retropay scan failed", slog.Any("error", err))
		return resultErr
	}
	j.metrics().SetDetections(res.Count)
	for _, det := range res.Detections {
		logger.Info("backdated change detected",
			slog.Int64("employee_id", det.EmployeeID),
			slog.Int("changes", len(det.Changes)),
			slog.Int("periods", len(det.AffectedPeriods)),
		)
	}

	if payload.AutoCreate && res.Count > 0 {
		created, err := j.Detector.AutoCreate(ctx, 0)
		if err != nil {
			resultErr = err
			logger.Error("retropay auto-create failed", slog.Any("error", err))
			return resultErr
		}
		logger.Info("retropay requests created", slog.Int("count", created.Count), slog.Int("skipped", created.Skipped))
	}

	logger.Info("completed retropay scan",
		slog.Int("detections", res.Count),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *RetropayScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRetropayScan))
	}
	return slog.Default().With(slog.String("job", TaskRetropayScan))
}

func (j *RetropayScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
