package live

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that no establishment, draft or inspection matches.
	ErrNotFound = errors.New("live: not found")
	// ErrTerminalState indicates an attempt to change a completada inspection.
	ErrTerminalState = errors.New("live: inspection already completed")
	// ErrForbidden indicates that the actor's role lacks the capability.
	ErrForbidden = errors.New("live: forbidden")

	errMissingDatabase    = errors.New("database handle is required")
	errMissingDrafts      = errors.New("draft store is required")
	errMissingCatalog     = errors.New("catalog reader is required")
	errMissingInspections = errors.New("inspection repository is required")
	errMissingQuota       = errors.New("quota service is required")
	errMissingPublisher   = errors.New("publisher is required")
)

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("live: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ServiceError wraps an infrastructure failure with a dotted code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "live.service.new"
	opStartInspection  = "live.start_inspection"
	opEditDraft        = "live.edit_draft"
	opGetDraft         = "live.get_draft"
	opConfirmDraft     = "live.confirm_draft"
	opTakeOver         = "live.take_over"
	opFinalize         = "live.finalize"
	opDiscardDraft     = "live.discard_draft"
	opWeeklyPlan       = "live.get_weekly_plan"
	opSetDefaultMeta   = "live.set_default_meta"
	opOverrideWeekMeta = "live.override_week_meta"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
