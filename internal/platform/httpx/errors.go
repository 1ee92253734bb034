// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-backpay/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	writeProblem(w, problemFor(err))
}

// RespondErrorAt is RespondError with the problem's instance set to the URI of
// the resource the failure left behind.
func RespondErrorAt(w http.ResponseWriter, err error, instance string) {
	p := problemFor(err)
	p.Instance = instance
	if instance != "" {
		w.Header().Set("Location", instance)
	}
	writeProblem(w, p)
}

func problemFor(err error) ProblemDetail {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		return ProblemDetail{Status: http.StatusNotFound, Title: "Not Found", Detail: err.Error()}
	case errors.Is(err, shared.ErrValidation):
		return ProblemDetail{Status: http.StatusBadRequest, Title: "Validation Failed", Detail: err.Error()}
	case errors.Is(err, shared.ErrConflict):
		return ProblemDetail{Status: http.StatusConflict, Title: "Conflict", Detail: err.Error()}
	case errors.Is(err, shared.ErrInvalidState):
		return ProblemDetail{Status: http.StatusConflict, Title: "Invalid State", Detail: err.Error()}
	case errors.Is(err, shared.ErrIdempotencyConflict):
		return ProblemDetail{Status: http.StatusConflict, Title: "Duplicate", Detail: err.Error()}
	case errors.Is(err, shared.ErrDependency):
		return ProblemDetail{Status: http.StatusBadGateway, Title: "Dependency Failed", Detail: err.Error()}
	default:
		return ProblemDetail{Status: http.StatusInternalServerError, Title: "Internal Error"}
	}
}
