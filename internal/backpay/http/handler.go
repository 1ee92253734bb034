package backpayhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-backpay/internal/backpay"
	"github.com/odyssey-erp/odyssey-backpay/internal/directory"
	"github.com/odyssey-erp/odyssey-backpay/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-backpay/internal/shared"
)

const (
	dateLayout        = "2006-01-02"
	idempotencyHeader = "Idempotency-Key"
	idempotencyModule = "backpay.bulk_process"
	pendingBatch      = "pending"
)

type requestService interface {
	Create(ctx context.Context, in backpay.CreateInput) (backpay.Request, error)
	Get(ctx context.Context, id uuid.UUID) (backpay.Request, error)
	List(ctx context.Context, filter backpay.ListFilter) ([]backpay.Request, int, error)
	Details(ctx context.Context, id uuid.UUID) ([]backpay.Detail, error)
	History(ctx context.Context, id uuid.UUID) ([]shared.ApprovalLog, error)
	Calculate(ctx context.Context, id uuid.UUID, actorID int64) (backpay.Request, error)
	Approve(ctx context.Context, in backpay.ApproveInput) (backpay.Request, error)
	Cancel(ctx context.Context, id uuid.UUID, actorID int64) (backpay.Request, error)
	MarkApplied(ctx context.Context, id uuid.UUID) (backpay.Request, error)
	Delete(ctx context.Context, id uuid.UUID, actorID int64) error
	BulkCreate(ctx context.Context, in backpay.BulkCreateInput) (backpay.BulkCreateResult, error)
	BulkDeleteByPeriod(ctx context.Context, periodID int64, actorID int64) (int, error)
	BulkApprove(ctx context.Context, actorID int64) (int, error)
}

type batchProcessor interface {
	Start(ctx context.Context, actorID int64) (string, error)
	Progress(ctx context.Context, batchID string) (backpay.Batch, error)
	Cancel(ctx context.Context, batchID string) (backpay.Batch, error)
}

// Handler exposes backpay requests and bulk operations as JSON endpoints.
type Handler struct {
	logger      *slog.Logger
	service     requestService
	processor   batchProcessor
	idempotency *shared.IdempotencyStore
	validate    *validator.Validate
}

// NewHandler constructs a backpay HTTP handler.
func NewHandler(logger *slog.Logger, service requestService, processor batchProcessor, idempotency *shared.IdempotencyStore) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		service:     service,
		processor:   processor,
		idempotency: idempotency,
		validate:    validator.New(),
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/backpay", func(r chi.Router) {
		r.Route("/requests", func(r chi.Router) {
			r.Get("/", h.listRequests)
			r.Post("/", h.createRequest)
			r.Get("/{id}", h.getRequest)
			r.Delete("/{id}", h.deleteRequest)
			r.Get("/{id}/details", h.listDetails)
			r.Get("/{id}/history", h.listHistory)
			r.Post("/{id}/calculate", h.calculate)
			r.Post("/{id}/approve", h.approve)
			r.Post("/{id}/cancel", h.cancel)
			r.Post("/{id}/apply", h.apply)
		})
		r.Route("/bulk", func(r chi.Router) {
			r.Post("/create", h.bulkCreate)
			r.Post("/delete-by-period", h.bulkDeleteByPeriod)
			r.Post("/approve", h.bulkApprove)
			r.Post("/process", h.startProcess)
			r.Get("/process/{batchID}", h.getProgress)
			r.Post("/process/{batchID}/cancel", h.cancelProcess)
		})
	})
}

type createRequestBody struct {
	EmployeeID        int64  `json:"employee_id" validate:"required,gt=0"`
	Reason            string `json:"reason" validate:"required"`
	EffectiveFrom     string `json:"effective_from" validate:"required,datetime=2006-01-02"`
	EffectiveTo       string `json:"effective_to" validate:"required,datetime=2006-01-02"`
	ReferencePeriodID *int64 `json:"reference_period_id" validate:"omitempty,gt=0"`
	Description       string `json:"description" validate:"max=1000"`
}

type approveBody struct {
	PayrollPeriodID *int64 `json:"payroll_period_id" validate:"omitempty,gt=0"`
}

type bulkCreateBody struct {
	Filter        directory.OrgFilter `json:"filter"`
	Reason        string              `json:"reason" validate:"required"`
	EffectiveFrom string              `json:"effective_from" validate:"required,datetime=2006-01-02"`
	EffectiveTo   string              `json:"effective_to" validate:"required,datetime=2006-01-02"`
	Description   string              `json:"description" validate:"max=1000"`
}

type deleteByPeriodBody struct {
	PayrollPeriodID int64 `json:"payroll_period_id" validate:"required,gt=0"`
}

type requestView struct {
	ID                     string     `json:"id"`
	Reference              string     `json:"reference"`
	EmployeeID             int64      `json:"employee_id"`
	Employee               string     `json:"employee"`
	Reason                 string     `json:"reason"`
	Status                 string     `json:"status"`
	EffectiveFrom          string     `json:"effective_from"`
	EffectiveTo            string     `json:"effective_to"`
	ReferencePeriodID      *int64     `json:"reference_period_id"`
	PayrollPeriodID        *int64     `json:"payroll_period_id"`
	PeriodsCovered         int        `json:"periods_covered"`
	TotalArrearsEarnings   string     `json:"total_arrears_earnings"`
	TotalArrearsDeductions string     `json:"total_arrears_deductions"`
	NetArrears             string     `json:"net_arrears"`
	Description            string     `json:"description"`
	CreatedBy              int64      `json:"created_by"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
	CalculatedAt           *time.Time `json:"calculated_at,omitempty"`
	ApprovedAt             *time.Time `json:"approved_at,omitempty"`
	CancelledAt            *time.Time `json:"cancelled_at,omitempty"`
}

type detailView struct {
	PeriodID      int64  `json:"period_id"`
	PeriodName    string `json:"period_name"`
	ComponentName string `json:"component_name"`
	ComponentType string `json:"component_type"`
	OldAmount     string `json:"old_amount"`
	NewAmount     string `json:"new_amount"`
	Difference    string `json:"difference"`
}

type historyView struct {
	Action  string    `json:"action"`
	ActorID int64     `json:"actor_id"`
	Note    string    `json:"note"`
	At      time.Time `json:"at"`
}

func toRequestView(r backpay.Request) requestView {
	return requestView{
		ID:                     r.ID.String(),
		Reference:              r.Reference,
		EmployeeID:             r.EmployeeID,
		Employee:               r.EmployeeLabel,
		Reason:                 string(r.Reason),
		Status:                 string(r.Status),
		EffectiveFrom:          r.EffectiveFrom.Format(dateLayout),
		EffectiveTo:            r.EffectiveTo.Format(dateLayout),
		ReferencePeriodID:      r.ReferencePeriodID,
		PayrollPeriodID:        r.PayrollPeriodID,
		PeriodsCovered:         r.PeriodsCovered,
		TotalArrearsEarnings:   r.TotalArrearsEarnings.StringFixed(2),
		TotalArrearsDeductions: r.TotalArrearsDeductions.StringFixed(2),
		NetArrears:             r.NetArrears.StringFixed(2),
		Description:            r.Description,
		CreatedBy:              r.CreatedBy,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
		CalculatedAt:           r.CalculatedAt,
		ApprovedAt:             r.ApprovedAt,
		CancelledAt:            r.CancelledAt,
	}
}

func (h *Handler) listRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := backpay.ListFilter{Status: backpay.Status(strings.ToUpper(q.Get("status")))}
	if raw := q.Get("employee_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.RespondError(w, fmt.Errorf("backpay: invalid employee_id: %w", shared.ErrValidation))
			return
		}
		filter.EmployeeID = id
	}
	page := shared.NewPagination(queryInt(q.Get("page")), queryInt(q.Get("per_page")), 0)
	filter.Limit = page.PerPage
	filter.Offset = page.Offset()

	reqs, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	views := make([]requestView, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, toRequestView(req))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"data":       views,
		"pagination": shared.NewPagination(page.Page, page.PerPage, total),
	})
}

func (h *Handler) createRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if !h.decode(w, r, &body) {
		return
	}
	from, _ := time.Parse(dateLayout, body.EffectiveFrom)
	to, _ := time.Parse(dateLayout, body.EffectiveTo)
	req, err := h.service.Create(r.Context(), backpay.CreateInput{
		EmployeeID:        body.EmployeeID,
		Reason:            backpay.Reason(strings.ToUpper(body.Reason)),
		EffectiveFrom:     from,
		EffectiveTo:       to,
		ReferencePeriodID: body.ReferencePeriodID,
		Description:       body.Description,
		ActorID:           shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRequestView(req))
}

func (h *Handler) getRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	req, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRequestView(req))
}

func (h *Handler) listDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	details, err := h.service.Details(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	views := make([]detailView, 0, len(details))
	for _, d := range details {
		views = append(views, detailView{
			PeriodID:      d.PeriodID,
			PeriodName:    d.PeriodName,
			ComponentName: d.ComponentName,
			ComponentType: string(d.ComponentType),
			OldAmount:     d.OldAmount.StringFixed(2),
			NewAmount:     d.NewAmount.StringFixed(2),
			Difference:    d.Difference.StringFixed(2),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": views})
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	logs, err := h.service.History(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	views := make([]historyView, 0, len(logs))
	for _, l := range logs {
		views = append(views, historyView{Action: string(l.Action), ActorID: l.ActorID, Note: l.Note, At: l.At})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": views})
}

func (h *Handler) calculate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, id uuid.UUID, actorID int64) (backpay.Request, error) {
		return h.service.Calculate(ctx, id, actorID)
	})
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	var body approveBody
	if !h.decode(w, r, &body) {
		return
	}
	h.transition(w, r, func(ctx context.Context, id uuid.UUID, actorID int64) (backpay.Request, error) {
		return h.service.Approve(ctx, backpay.ApproveInput{
			RequestID:       id,
			PayrollPeriodID: body.PayrollPeriodID,
			ActorID:         actorID,
		})
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Cancel)
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, id uuid.UUID, _ int64) (backpay.Request, error) {
		return h.service.MarkApplied(ctx, id)
	})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID, int64) (backpay.Request, error)) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	req, err := fn(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRequestView(req))
}

func (h *Handler) deleteRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) bulkCreate(w http.ResponseWriter, r *http.Request) {
	var body bulkCreateBody
	if !h.decode(w, r, &body) {
		return
	}
	from, _ := time.Parse(dateLayout, body.EffectiveFrom)
	to, _ := time.Parse(dateLayout, body.EffectiveTo)
	res, err := h.service.BulkCreate(r.Context(), backpay.BulkCreateInput{
		Filter:        body.Filter,
		Reason:        backpay.Reason(strings.ToUpper(body.Reason)),
		EffectiveFrom: from,
		EffectiveTo:   to,
		Description:   body.Description,
		ActorID:       shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) bulkDeleteByPeriod(w http.ResponseWriter, r *http.Request) {
	var body deleteByPeriodBody
	if !h.decode(w, r, &body) {
		return
	}
	deleted, err := h.service.BulkDeleteByPeriod(r.Context(), body.PayrollPeriodID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (h *Handler) bulkApprove(w http.ResponseWriter, r *http.Request) {
	approved, err := h.service.BulkApprove(r.Context(), shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"approved": approved})
}

// startProcess launches a background batch. With an Idempotency-Key header a
// retried call returns the batch started by the first one.
func (h *Handler) startProcess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(ctx, key, idempotencyModule, pendingBatch); err != nil {
			if !errors.Is(err, shared.ErrIdempotencyConflict) {
				h.respondError(w, r, fmt.Errorf("backpay: idempotency check: %v: %w", err, shared.ErrDependency))
				return
			}
			existing, lookupErr := h.idempotency.Lookup(ctx, key, idempotencyModule)
			if lookupErr != nil || existing == pendingBatch {
				httpx.RespondError(w, fmt.Errorf("backpay: bulk process already starting for key: %w", shared.ErrIdempotencyConflict))
				return
			}
			httpx.JSON(w, http.StatusAccepted, map[string]string{"batch_id": existing})
			return
		}
	}

	batchID, err := h.processor.Start(ctx, shared.ActorFromContext(ctx))
	if err != nil {
		if key != "" && h.idempotency != nil {
			if delErr := h.idempotency.Delete(ctx, key, idempotencyModule); delErr != nil {
				h.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", delErr))
			}
		}
		if batchID != "" {
			// The failed batch stays pollable.
			h.logError(r, err)
			httpx.RespondErrorAt(w, err, "/backpay/bulk/process/"+batchID)
			return
		}
		h.respondError(w, r, err)
		return
	}
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.Update(ctx, key, idempotencyModule, batchID); err != nil {
			h.logger.Warn("remember idempotency key", slog.String("key", key), slog.Any("error", err))
		}
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"batch_id": batchID})
}

func (h *Handler) getProgress(w http.ResponseWriter, r *http.Request) {
	batch, err := h.processor.Progress(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, batch)
}

func (h *Handler) cancelProcess(w http.ResponseWriter, r *http.Request) {
	batch, err := h.processor.Cancel(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, batch)
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, fmt.Errorf("backpay: malformed body: %v: %w", err, shared.ErrValidation))
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.RespondError(w, validationError(err))
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	h.logError(r, err)
	httpx.RespondError(w, err)
}

func (h *Handler) logError(r *http.Request, err error) {
	if !isClientError(err) {
		h.logger.Error("backpay request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
}

func isClientError(err error) bool {
	for _, target := range []error{shared.ErrValidation, shared.ErrNotFound, shared.ErrConflict, shared.ErrInvalidState} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("backpay: %v: %w", err, shared.ErrValidation)
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("backpay: invalid input (%s): %w", strings.Join(fields, "; "), shared.ErrValidation)
}

func requestID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("backpay: invalid request id: %w", shared.ErrValidation))
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(raw string) int {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}
