package shared

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrDuplicateEmail is returned when sign-up hits an existing identity.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrIdentityUnavailable wraps transport failures talking to the identity store.
	ErrIdentityUnavailable = errors.New("identity store unavailable")
	// ErrForbidden indicates the caller's role does not permit the action.
	ErrForbidden = errors.New("forbidden")
	// ErrCredentialsExist is returned when a student record already has a login.
	ErrCredentialsExist = errors.New("credentials already exist")
	// ErrBootstrapClosed is returned when first-admin setup is attempted after an admin exists.
	ErrBootstrapClosed = errors.New("admin account already exists")
	// ErrActionInFlight rejects a duplicate submission while the first is outstanding.
	ErrActionInFlight = errors.New("action already in progress")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)

// ValidationError collects field level failures caught before any backend call.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError with a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "validation failed"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// First returns the message of the alphabetically first field.
func (e *ValidationError) First() string {
	if e == nil || len(e.Fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return e.Fields[keys[0]]
}

// AuthError reports an identity store failure for sign-in or sign-up.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConsistencyError marks state that violates a cross-store invariant, such as a
// signed-in identity with no role binding.
type ConsistencyError struct {
	IdentityID string
	Reason     string
	Err        error
}

func (e *ConsistencyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("consistency: identity %s: %s: %v", e.IdentityID, e.Reason, e.Err)
	}
	return fmt.Sprintf("consistency: identity %s: %s", e.IdentityID, e.Reason)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

// UserSafeMessage maps an error to text that can be shown to the operator.
func UserSafeMessage(err error) string {
	if err == nil {
		return ""
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.First()
	}
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "Invalid email or password"
	case errors.Is(err, ErrDuplicateEmail):
		return "An account with this email already exists"
	case errors.Is(err, ErrIdentityUnavailable):
		return "Authentication service is unavailable, please try again"
	case errors.Is(err, ErrForbidden):
		return "You are not allowed to perform this action"
	case errors.Is(err, ErrCredentialsExist):
		return "Login credentials already exist for this student"
	case errors.Is(err, ErrBootstrapClosed):
		return "An admin account already exists, please sign in"
	case errors.Is(err, ErrActionInFlight):
		return "This request is already being processed"
	case errors.Is(err, ErrNotFound):
		return "Record not found"
	}
	return "Something went wrong, please try again"
}
