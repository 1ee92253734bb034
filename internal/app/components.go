package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-backpay/internal/backpay"
	"github.com/odyssey-erp/odyssey-backpay/internal/directory"
	"github.com/odyssey-erp/odyssey-backpay/internal/payrollcalc"
	"github.com/odyssey-erp/odyssey-backpay/internal/retropay"
	"github.com/odyssey-erp/odyssey-backpay/internal/shared"
)

// Components holds the backpay services shared by the API and the worker.
type Components struct {
	Service   *backpay.Service
	Processor *backpay.Processor
	Detector  *retropay.Detector
	Calc      *payrollcalc.Client
}

// NewComponents wires the backpay services against PostgreSQL, Redis and the
// payroll calculation service.
func NewComponents(cfg *Config, pool *pgxpool.Pool, redisClient *redis.Client, dispatcher backpay.Dispatcher, logger *slog.Logger) *Components {
	dir := directory.NewRepository(pool)
	calc := payrollcalc.NewClient(cfg.PayrollCalcURL, cfg.PayrollCalcTimeout)
	approvals := shared.NewApprovalRecorder(pool, logger)

	svc := backpay.NewService(backpay.NewRepository(pool), dir, calc, approvals, logger)
	store := backpay.NewProgressStore(redisClient, cfg.BackpayBatchTTL)
	processor := backpay.NewProcessor(svc, store, dispatcher, cfg.BackpayItemTimeout, logger)
	detector := retropay.NewDetector(dir, svc, cfg.DetectorConcurrency, logger)
	return &Components{Service: svc, Processor: processor, Detector: detector, Calc: calc}
}
