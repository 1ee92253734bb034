package retropayhttp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-backpay/internal/backpay"
	"github.com/odyssey-erp/odyssey-backpay/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-backpay/internal/retropay"
	"github.com/odyssey-erp/odyssey-backpay/internal/shared"
)

type detector interface {
	Detect(ctx context.Context) (retropay.Result, error)
	AutoCreate(ctx context.Context, actorID int64) (backpay.BulkCreateResult, error)
}

// Handler exposes retropay detection endpoints.
type Handler struct {
	logger   *slog.Logger
	detector detector
}

// NewHandler constructs a retropay HTTP handler.
func NewHandler(logger *slog.Logger, detector detector) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, detector: detector}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/retropay", func(r chi.Router) {
		r.Get("/detections", h.detect)
		r.Post("/auto-create", h.autoCreate)
	})
}

func (h *Handler) detect(w http.ResponseWriter, r *http.Request) {
	res, err := h.detector.Detect(r.Context())
	if err != nil {
		h.logger.Error("retropay detection failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) autoCreate(w http.ResponseWriter, r *http.Request) {
	res, err := h.detector.AutoCreate(r.Context(), shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Error("retropay auto-create failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}
