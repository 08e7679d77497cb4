package students

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/campusdesk/campusdesk/internal/platform/db"
	"github.com/campusdesk/campusdesk/internal/shared"
)

// Repository is the student collaborator used by provisioning and the console.
type Repository interface {
	FindByID(ctx context.Context, id string) (*Student, error)
	FindUnlinkedByID(ctx context.Context, id string) (*Student, error)
	FindByIdentity(ctx context.Context, identityID string) (*Student, error)
	SetIdentityRef(ctx context.Context, id, identityID string) error
	List(ctx context.Context) ([]Student, error)
	Insert(ctx context.Context, in NewStudent) (Student, error)
	Delete(ctx context.Context, id string) error
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	db db.DBTX
}

// NewRepository constructs a repository.
func NewRepository(conn db.DBTX) *PGRepository {
	return &PGRepository{db: conn}
}

const selectStudent = `SELECT s.id::text, s.roll_number, s.name, s.email, COALESCE(s.phone, ''), s.year,
	s.department_id::text, COALESCE(d.name, ''), s.user_id, s.created_at
FROM students s LEFT JOIN departments d ON d.id = s.department_id`

func scanStudent(row pgx.Row) (*Student, error) {
	var s Student
	if err := row.Scan(&s.ID, &s.RollNumber, &s.Name, &s.Email, &s.Phone, &s.Year,
		&s.DepartmentID, &s.DepartmentName, &s.IdentityRef, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PGRepository) findOne(ctx context.Context, where string, arg any) (*Student, error) {
	s, err := scanStudent(r.db.QueryRow(ctx, selectStudent+" WHERE "+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("students: find: %w", err)
	}
	return s, nil
}

// FindByID loads a student or returns shared.ErrNotFound.
func (r *PGRepository) FindByID(ctx context.Context, id string) (*Student, error) {
	return r.findOne(ctx, "s.id::text = $1", id)
}

// FindUnlinkedByID returns the student only while it has no identity
// reference; a linked record yields (nil, nil).
func (r *PGRepository) FindUnlinkedByID(ctx context.Context, id string) (*Student, error) {
	s, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Linked() {
		return nil, nil
	}
	return s, nil
}

// FindByIdentity loads the student whose identity reference is identityID.
func (r *PGRepository) FindByIdentity(ctx context.Context, identityID string) (*Student, error) {
	return r.findOne(ctx, "s.user_id = $1", identityID)
}

// SetIdentityRef links a record to an identity. It only writes unlinked
// records, so a concurrent provisioning of the same record loses with
// shared.ErrCredentialsExist.
func (r *PGRepository) SetIdentityRef(ctx context.Context, id, identityID string) error {
	tag, err := r.db.Exec(ctx, `UPDATE students SET user_id = $2 WHERE id::text = $1 AND user_id IS NULL`, id, identityID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return shared.ErrCredentialsExist
		}
		return fmt.Errorf("students: set identity ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrCredentialsExist
	}
	return nil
}

// List returns all students ordered by roll number.
func (r *PGRepository) List(ctx context.Context) ([]Student, error) {
	rows, err := r.db.Query(ctx, selectStudent+" ORDER BY s.roll_number")
	if err != nil {
		return nil, fmt.Errorf("students: list: %w", err)
	}
	defer rows.Close()
	var out []Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, fmt.Errorf("students: scan: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Insert creates a student record without an identity reference.
func (r *PGRepository) Insert(ctx context.Context, in NewStudent) (Student, error) {
	s := Student{
		RollNumber:   in.RollNumber,
		Name:         in.Name,
		Email:        in.Email,
		Phone:        in.Phone,
		Year:         in.Year,
		DepartmentID: in.DepartmentID,
	}
	err := r.db.QueryRow(ctx, `INSERT INTO students (roll_number, name, email, phone, year, department_id)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6::uuid) RETURNING id::text, created_at`,
		in.RollNumber, in.Name, in.Email, in.Phone, in.Year, in.DepartmentID).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Student{}, shared.NewValidationError("general", "A student with this roll number or email already exists")
		}
		return Student{}, fmt.Errorf("students: insert: %w", err)
	}
	return s, nil
}

// Delete removes a student record.
func (r *PGRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM students WHERE id::text = $1`, id)
	if err != nil {
		return fmt.Errorf("students: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

var _ Repository = (*PGRepository)(nil)
