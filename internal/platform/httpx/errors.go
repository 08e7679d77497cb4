// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/campusdesk/campusdesk/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var verr *shared.ValidationError
	var cerr *shared.ConsistencyError
	switch {
	case errors.As(err, &verr):
		JSON(w, http.StatusBadRequest, ValidationProblem{
			ProblemDetail: ProblemDetail{Title: "Validation Failed", Status: http.StatusBadRequest, Detail: verr.First()},
			Fields:        verr.Fields,
		})
	case errors.As(err, &cerr):
		Problem(w, http.StatusInternalServerError, "Inconsistent Identity", shared.UserSafeMessage(cerr.Err))
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrInvalidCredentials):
		Problem(w, http.StatusUnauthorized, "Unauthorized", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrDuplicateEmail), errors.Is(err, shared.ErrCredentialsExist),
		errors.Is(err, shared.ErrBootstrapClosed), errors.Is(err, shared.ErrActionInFlight):
		Problem(w, http.StatusConflict, "Conflict", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrIdentityUnavailable):
		Problem(w, http.StatusServiceUnavailable, "Unavailable", shared.UserSafeMessage(err))
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
