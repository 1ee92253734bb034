package backpay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/odyssey-backpay/internal/shared"
)

// BulkCreate creates one DRAFT request per active employee matching the filter.
// Employees that already have an overlapping request, or whose creation fails,
// are skipped and counted.
func (s *Service) BulkCreate(ctx context.Context, in BulkCreateInput) (BulkCreateResult, error) {
	if !in.Filter.AllActive && !in.Filter.HasPredicate() {
		return BulkCreateResult{}, fmt.Errorf("backpay: filter needs all_active or at least one predicate: %w", shared.ErrValidation)
	}
	probe := CreateInput{
		EmployeeID:    -1,
		Reason:        in.Reason,
		EffectiveFrom: in.EffectiveFrom,
		EffectiveTo:   in.EffectiveTo,
	}
	if err := probe.Validate(); err != nil {
		return BulkCreateResult{}, err
	}

	employees, err := s.dir.ListEmployees(ctx, in.Filter)
	if err != nil {
		return BulkCreateResult{}, err
	}

	var res BulkCreateResult
	for _, emp := range employees {
		if !in.Filter.Matches(emp) {
			continue
		}
		_, err := s.Create(ctx, CreateInput{
			EmployeeID:    emp.ID,
			Reason:        in.Reason,
			EffectiveFrom: in.EffectiveFrom,
			EffectiveTo:   in.EffectiveTo,
			Description:   in.Description,
			ActorID:       in.ActorID,
		})
		switch {
		case err == nil:
			res.Count++
		case errors.Is(err, ErrOverlap):
			res.Skipped++
		default:
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Skipped++
			s.logger.Warn("bulk create backpay request",
				slog.Int64("employee_id", emp.ID),
				slog.Any("error", err))
		}
	}
	s.logger.Info("backpay bulk create finished",
		slog.Int("count", res.Count),
		slog.Int("skipped", res.Skipped))
	return res, nil
}

// BulkDeleteByPeriod removes DRAFT and CANCELLED requests tied to the period,
// either as their payroll period or through an intersecting effective range.
func (s *Service) BulkDeleteByPeriod(ctx context.Context, periodID int64, actorID int64) (int, error) {
	period, err := s.dir.GetPeriod(ctx, periodID)
	if err != nil {
		return 0, err
	}
	reqs, err := s.repo.ListDeletableForPeriod(ctx, period.ID, period.StartDate, period.EndDate)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, req := range reqs {
		if err := s.delete(ctx, req, actorID); err != nil {
			if ctx.Err() != nil {
				return deleted, ctx.Err()
			}
			s.logger.Warn("bulk delete backpay request",
				slog.String("request_id", req.ID.String()),
				slog.Any("error", err))
			continue
		}
		deleted++
	}
	return deleted, nil
}

// BulkApprove approves every PREVIEWED request with positive net arrears into
// the next open payroll period. Failures are logged and skipped.
func (s *Service) BulkApprove(ctx context.Context, actorID int64) (int, error) {
	reqs, err := s.repo.ListApprovable(ctx)
	if err != nil {
		return 0, err
	}
	approved := 0
	for _, req := range reqs {
		if req.Status != StatusPreviewed || !req.NetArrears.IsPositive() {
			continue
		}
		if _, err := s.Approve(ctx, ApproveInput{RequestID: req.ID, ActorID: actorID}); err != nil {
			if ctx.Err() != nil {
				return approved, ctx.Err()
			}
			s.logger.Warn("bulk approve backpay request",
				slog.String("request_id", req.ID.String()),
				slog.Any("error", err))
			continue
		}
		approved++
	}
	return approved, nil
}
