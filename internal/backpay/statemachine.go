package backpay

import (
	"fmt"

	"github.com/odyssey-erp/odyssey-backpay/internal/shared"
)

// Status is the lifecycle state of a backpay request.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusPreviewed Status = "PREVIEWED"
	StatusApproved  Status = "APPROVED"
	StatusApplied   Status = "APPLIED"
	StatusCancelled Status = "CANCELLED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPreviewed, StatusApproved, StatusApplied, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusApplied
}

// Event is an operation attempted against a request.
type Event string

const (
	EventCalculate Event = "calculate"
	EventApprove   Event = "approve"
	EventCancel    Event = "cancel"
	EventApply     Event = "apply"
	EventDelete    Event = "delete"
)

// ErrDeleteForbidden is returned when deleting outside DRAFT or CANCELLED.
var ErrDeleteForbidden = fmt.Errorf("backpay: only draft or cancelled requests can be deleted: %w: %w",
	shared.ErrConflict, shared.ErrInvalidState)

// TransitionError reports an event that the current status forbids.
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("backpay: cannot %s a %s request", e.Event, e.From)
}

// Unwrap lets errors.Is match shared.ErrInvalidState.
func (e *TransitionError) Unwrap() error {
	return shared.ErrInvalidState
}

// Next returns the status reached by applying ev to from. Delete yields the
// empty status because the request ceases to exist.
func Next(from Status, ev Event) (Status, error) {
	switch ev {
	case EventCalculate:
		switch from {
		case StatusDraft, StatusPreviewed:
			return StatusPreviewed, nil
		}
	case EventApprove:
		if from == StatusPreviewed {
			return StatusApproved, nil
		}
	case EventCancel:
		switch from {
		case StatusPreviewed, StatusApproved:
			return StatusCancelled, nil
		}
	case EventApply:
		if from == StatusApproved {
			return StatusApplied, nil
		}
	case EventDelete:
		switch from {
		case StatusDraft, StatusCancelled:
			return "", nil
		}
		return from, ErrDeleteForbidden
	}
	return from, &TransitionError{From: from, Event: ev}
}

// EligibleForProcessing reports whether the bulk processor may pick up the request.
func EligibleForProcessing(s Status) bool {
	return s == StatusDraft || s == StatusPreviewed
}
