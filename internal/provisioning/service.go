// Package provisioning grants an existing student record login credentials.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/campusdesk/campusdesk/internal/identity"
	"github.com/campusdesk/campusdesk/internal/roles"
	"github.com/campusdesk/campusdesk/internal/session"
	"github.com/campusdesk/campusdesk/internal/shared"
	"github.com/campusdesk/campusdesk/internal/students"
)

// Provisioning steps, in order.
const (
	StepCreateIdentity = "create_identity"
	StepLinkRecord     = "link_record"
	StepBindRole       = "bind_role"
)

// ActionProvision is the action-lock name for provisioning submissions.
const ActionProvision = "provision_credentials"

// StepError reports a provisioning run that stopped at Step. When IdentityID
// is set the identity exists and needs manual remediation.
type StepError struct {
	Step       string
	StudentID  string
	IdentityID string
	Err        error
}

func (e *StepError) Error() string {
	if e.IdentityID == "" {
		return fmt.Sprintf("provisioning student %s failed at %s: %v", e.StudentID, e.Step, e.Err)
	}
	return fmt.Sprintf("provisioning student %s failed at %s, identity %s left incomplete: %v",
		e.StudentID, e.Step, e.IdentityID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Partial reports whether an identity was created before the failure.
func (e *StepError) Partial() bool { return e.IdentityID != "" }

// Locker blocks duplicate submissions. shared.ActionLock satisfies it.
type Locker interface {
	Acquire(ctx context.Context, sessionID, action string) (func(), error)
}

// AuditRecorder persists remediation records. shared.AuditLogger satisfies it.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// FailureObserver counts failed steps.
type FailureObserver interface {
	ProvisioningFailure(step string)
}

// Request is one provisioning submission.
type Request struct {
	StudentID string `validate:"required"`
	Password  string `validate:"required,min=6"`
	// SessionID is the console session submitting the request.
	SessionID string
}

// Result describes a completed provisioning.
type Result struct {
	Student    students.Student
	IdentityID string
}

// Service runs credential provisioning.
type Service struct {
	store    identity.Store
	students students.Repository
	ledger   roles.Ledger
	locks    Locker
	audit    AuditRecorder
	observer FailureObserver
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService constructs the provisioning service. locks, audit and observer
// may be nil.
func NewService(store identity.Store, repo students.Repository, ledger roles.Ledger, locks Locker, audit AuditRecorder, observer FailureObserver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		students: repo,
		ledger:   ledger,
		locks:    locks,
		audit:    audit,
		observer: observer,
		validate: validator.New(),
		logger:   logger,
	}
}

// Eligible returns the student when credentials may be provisioned for it.
// A linked record yields shared.ErrCredentialsExist.
func (s *Service) Eligible(ctx context.Context, state session.State, studentID string) (*students.Student, error) {
	if !state.AdminSession() {
		return nil, shared.ErrForbidden
	}
	st, err := s.students.FindUnlinkedByID(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, shared.ErrCredentialsExist
	}
	return st, nil
}

// Provision creates an identity from the student's email, links the record and
// binds the student role. Later-step failures are not compensated; they are
// returned as *StepError and written to the audit log.
func (s *Service) Provision(ctx context.Context, state session.State, req Request) (Result, error) {
	if !state.AdminSession() {
		return Result{}, shared.ErrForbidden
	}
	// A linked record is refused before the form input is even looked at.
	if _, err := s.Eligible(ctx, state, req.StudentID); err != nil {
		return Result{}, err
	}
	if err := s.validate.Struct(req); err != nil {
		return Result{}, shared.ValidationFromValidator(err)
	}
	if s.locks != nil {
		release, err := s.locks.Acquire(ctx, req.SessionID, ActionProvision+":"+req.StudentID)
		if err != nil {
			return Result{}, err
		}
		defer release()
	}

	// Re-read under the lock; another submission may have linked it meanwhile.
	student, err := s.Eligible(ctx, state, req.StudentID)
	if err != nil {
		return Result{}, err
	}

	ident, err := s.store.SignUp(ctx, student.Email, req.Password)
	if err != nil {
		s.fail(StepCreateIdentity)
		return Result{}, &StepError{Step: StepCreateIdentity, StudentID: student.ID, Err: err}
	}

	if err := s.students.SetIdentityRef(ctx, student.ID, ident.ID); err != nil {
		return Result{}, s.partial(ctx, state, &StepError{Step: StepLinkRecord, StudentID: student.ID, IdentityID: ident.ID, Err: err})
	}
	ref := ident.ID
	student.IdentityRef = &ref

	if err := s.ledger.Insert(ctx, ident.ID, roles.RoleStudent); err != nil {
		return Result{}, s.partial(ctx, state, &StepError{Step: StepBindRole, StudentID: student.ID, IdentityID: ident.ID, Err: err})
	}

	s.record(ctx, shared.AuditLog{
		ActorID:  state.IdentityID(),
		Action:   ActionProvision,
		Entity:   "student",
		EntityID: student.ID,
		Meta:     map[string]any{"identity_id": ident.ID},
	})
	s.logger.Info("student credentials provisioned",
		slog.String("student_id", student.ID), slog.String("identity_id", ident.ID))
	return Result{Student: *student, IdentityID: ident.ID}, nil
}

func (s *Service) partial(ctx context.Context, state session.State, serr *StepError) error {
	s.fail(serr.Step)
	s.logger.Error("provisioning left an incomplete identity",
		slog.String("student_id", serr.StudentID),
		slog.String("identity_id", serr.IdentityID),
		slog.String("step", serr.Step),
		slog.Any("error", serr.Err))
	s.record(ctx, shared.AuditLog{
		ActorID:  state.IdentityID(),
		Action:   ActionProvision + "_failed",
		Entity:   "student",
		EntityID: serr.StudentID,
		Meta: map[string]any{
			"identity_id": serr.IdentityID,
			"step":        serr.Step,
			"error":       serr.Err.Error(),
		},
	})
	return &shared.ConsistencyError{IdentityID: serr.IdentityID, Reason: "provisioning incomplete", Err: serr}
}

func (s *Service) fail(step string) {
	if s.observer != nil {
		s.observer.ProvisioningFailure(step)
	}
}

func (s *Service) record(ctx context.Context, entry shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("audit record", slog.String("action", entry.Action), slog.Any("error", err))
	}
}

// AsStepError extracts the failed step from err.
func AsStepError(err error) (*StepError, bool) {
	var serr *StepError
	if errors.As(err, &serr) {
		return serr, true
	}
	return nil, false
}
