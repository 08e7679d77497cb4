package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/campusdesk/campusdesk/internal/identity"
	"github.com/campusdesk/campusdesk/internal/roles"
	"github.com/campusdesk/campusdesk/internal/shared"
)

// Setup steps named in SetupError.
const (
	StepCreateIdentity = "create_identity"
	StepBindRole       = "bind_role"
)

// AdminInput is the first-admin form.
type AdminInput struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=6"`
}

// SetupError reports which setup step failed. A failure at StepBindRole leaves
// IdentityID without a role.
type SetupError struct {
	Step       string
	IdentityID string
	Err        error
}

func (e *SetupError) Error() string {
	if e.IdentityID != "" {
		return fmt.Sprintf("admin setup failed at %s (identity %s): %v", e.Step, e.IdentityID, e.Err)
	}
	return fmt.Sprintf("admin setup failed at %s: %v", e.Step, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Service runs first-admin setup.
type Service struct {
	decider    *Decider
	store      identity.Store
	ledger     roles.Ledger
	validate   *validator.Validate
	logger     *slog.Logger
	allowExtra bool
}

// NewService constructs the setup service. allowExtra lets an operator create
// an admin even though one exists.
func NewService(decider *Decider, store identity.Store, ledger roles.Ledger, logger *slog.Logger, allowExtra bool) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		decider:    decider,
		store:      store,
		ledger:     ledger,
		validate:   validator.New(),
		logger:     logger,
		allowExtra: allowExtra,
	}
}

// SetupAvailable reports whether the sign-in surface should offer setup.
func (s *Service) SetupAvailable(ctx context.Context) bool {
	return s.allowExtra || !s.decider.HasAdmin(ctx)
}

// CreateFirstAdmin validates input, signs the identity up, then binds the
// admin role. It never signs the new admin in.
func (s *Service) CreateFirstAdmin(ctx context.Context, input AdminInput) (identity.Identity, error) {
	if err := s.validateInput(input); err != nil {
		return identity.Identity{}, err
	}
	if !s.SetupAvailable(ctx) {
		return identity.Identity{}, shared.ErrBootstrapClosed
	}

	ident, err := s.store.SignUp(ctx, input.Email, input.Password)
	if err != nil {
		return identity.Identity{}, &SetupError{Step: StepCreateIdentity, Err: err}
	}
	if err := s.ledger.Insert(ctx, ident.ID, roles.RoleAdmin); err != nil {
		s.logger.Error("admin identity left without role",
			slog.String("identity_id", ident.ID), slog.Any("error", err))
		return ident, &SetupError{Step: StepBindRole, IdentityID: ident.ID, Err: err}
	}
	s.logger.Info("first admin created", slog.String("identity_id", ident.ID))
	return ident, nil
}

func (s *Service) validateInput(input AdminInput) error {
	err := s.validate.Struct(input)
	if err == nil {
		return nil
	}
	return shared.ValidationFromValidator(err)
}
