package httpapi

import (
	"errors"

	"github.com/examattempts/engine/internal/admin"
	"github.com/examattempts/engine/internal/attempt"
	"github.com/examattempts/engine/internal/examdata"
	"github.com/examattempts/engine/internal/httpapi/apierr"
	"github.com/examattempts/engine/internal/identity"
	"github.com/examattempts/engine/internal/lock"
	"github.com/examattempts/engine/internal/submission"
	"github.com/examattempts/engine/internal/timer"
)

func apiValidation(msg string) error { return apierr.Validation(msg) }

// classify translates a domain error into the apierr taxonomy. Handlers
// never inspect domain error types themselves — every return path funnels
// through here before reaching fail().
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, attempt.ErrNotFound), errors.Is(err, examdata.ErrNotFound), errors.Is(err, timer.ErrNotFound):
		return apierr.NotFound(err.Error())
	case errors.Is(err, attempt.ErrNotOwner):
		return apierr.Forbidden(err.Error())
	case errors.Is(err, attempt.ErrWrongStatus):
		return apierr.Validation(err.Error())
	case errors.Is(err, attempt.ErrExamInactive),
		errors.Is(err, attempt.ErrMaxAttemptsReached),
		errors.Is(err, attempt.ErrInsufficientQuestions):
		return apierr.Validation(err.Error())
	case errors.Is(err, attempt.ErrEntitlementDenied):
		return apierr.Forbidden(err.Error())
	case errors.Is(err, identity.ErrUnknownPrincipal):
		return apierr.Unauthorized(err.Error())
	case errors.Is(err, lock.ErrNotAcquired), errors.Is(err, submission.ErrLocked):
		return apierr.Conflict(err.Error(), 2)
	case errors.Is(err, admin.ErrAlreadyCompleted):
		return apierr.Validation(err.Error())
	default:
		return apierr.Wrap(apierr.KindInternal, "internal error", err)
	}
}
