package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserSafeMessage(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrInvalidCredentials, "Invalid email or password"},
		{fmt.Errorf("wrap: %w", ErrDuplicateEmail), "An account with this email already exists"},
		{&AuthError{Op: "sign in", Err: ErrIdentityUnavailable}, "Authentication service is unavailable, please try again"},
		{ErrCredentialsExist, "Login credentials already exist for this student"},
		{ErrBootstrapClosed, "An admin account already exists, please sign in"},
		{ErrActionInFlight, "This request is already being processed"},
		{NewValidationError("email", "Please enter a valid email address"), "Please enter a valid email address"},
		{errors.New("conn reset by peer"), "Something went wrong, please try again"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, UserSafeMessage(tc.err), "%v", tc.err)
	}
}

func TestValidationErrorOrdering(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{"password": "too short", "email": "missing"}}
	assert.Equal(t, "missing", err.First())
	assert.Equal(t, "validation failed: email: missing; password: too short", err.Error())
	assert.Equal(t, "validation failed", (&ValidationError{}).Error())
}

func TestConsistencyErrorUnwraps(t *testing.T) {
	err := &ConsistencyError{IdentityID: "id-1", Reason: "role missing", Err: ErrNotFound}
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "id-1")
}

func TestValidationFromValidator(t *testing.T) {
	type form struct {
		Email    string `validate:"required,email"`
		Password string `validate:"min=8"`
		Year     int    `validate:"gte=1,lte=6"`
	}
	raw := validator.New().Struct(form{Email: "nope", Password: "short", Year: 9})
	require.Error(t, raw)

	var verr *ValidationError
	require.ErrorAs(t, ValidationFromValidator(raw), &verr)
	assert.Equal(t, "Please enter a valid email address", verr.Fields["email"])
	assert.Equal(t, "password must be at least 8 characters", verr.Fields["password"])
	assert.Equal(t, "year is too large", verr.Fields["year"])

	plain := errors.New("boom")
	assert.Same(t, plain, ValidationFromValidator(plain))
}
