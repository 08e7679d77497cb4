package records

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/campusdesk/campusdesk/internal/platform/db"
	"github.com/campusdesk/campusdesk/internal/shared"
)

// Entity names a data-entry table.
type Entity string

const (
	EntityDepartments Entity = "departments"
	EntityCourses     Entity = "courses"
	EntityMarks       Entity = "marks"
	EntityFees        Entity = "fees"
	EntityStudents    Entity = "students"
)

// Valid reports whether e is a deletable entity.
func (e Entity) Valid() bool {
	switch e {
	case EntityDepartments, EntityCourses, EntityMarks, EntityFees, EntityStudents:
		return true
	}
	return false
}

// Repository implements the data-entry screens on PostgreSQL.
type Repository struct {
	db db.DBTX
}

// NewRepository constructs a Repository.
func NewRepository(conn db.DBTX) *Repository {
	return &Repository{db: conn}
}

func collect[T any](rows pgx.Rows, err error, scan func(pgx.Rows) (T, error)) ([]T, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ListDepartments returns departments ordered by name.
func (r *Repository) ListDepartments(ctx context.Context) ([]Department, error) {
	rows, err := r.db.Query(ctx, `SELECT id::text, name, code, created_at FROM departments ORDER BY name`)
	out, err := collect(rows, err, func(rows pgx.Rows) (Department, error) {
		var d Department
		err := rows.Scan(&d.ID, &d.Name, &d.Code, &d.CreatedAt)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("records: list departments: %w", err)
	}
	return out, nil
}

// InsertDepartment creates a department.
func (r *Repository) InsertDepartment(ctx context.Context, in NewDepartment) error {
	_, err := r.db.Exec(ctx, `INSERT INTO departments (name, code) VALUES ($1, $2)`, in.Name, in.Code)
	return insertErr("department", err)
}

// ListCourses returns courses with their department names.
func (r *Repository) ListCourses(ctx context.Context) ([]Course, error) {
	rows, err := r.db.Query(ctx, `SELECT c.id::text, c.code, c.name, c.credits, c.department_id::text, COALESCE(d.name, ''), c.created_at
FROM courses c LEFT JOIN departments d ON d.id = c.department_id ORDER BY c.code`)
	out, err := collect(rows, err, func(rows pgx.Rows) (Course, error) {
		var c Course
		err := rows.Scan(&c.ID, &c.Code, &c.Name, &c.Credits, &c.DepartmentID, &c.DepartmentName, &c.CreatedAt)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("records: list courses: %w", err)
	}
	return out, nil
}

// InsertCourse creates a course.
func (r *Repository) InsertCourse(ctx context.Context, in NewCourse) error {
	_, err := r.db.Exec(ctx, `INSERT INTO courses (code, name, credits, department_id) VALUES ($1, $2, $3, $4::uuid)`,
		in.Code, in.Name, in.Credits, in.DepartmentID)
	return insertErr("course", err)
}

const selectMarks = `SELECT m.id::text, m.student_id::text, COALESCE(s.name, ''), m.course_id::text, COALESCE(c.name, ''),
	m.marks_obtained::float8, m.max_marks::float8, m.exam_type, m.created_at
FROM marks m LEFT JOIN students s ON s.id = m.student_id LEFT JOIN courses c ON c.id = m.course_id`

func scanMark(rows pgx.Rows) (Mark, error) {
	var m Mark
	err := rows.Scan(&m.ID, &m.StudentID, &m.StudentName, &m.CourseID, &m.CourseName,
		&m.MarksObtained, &m.MaxMarks, &m.ExamType, &m.CreatedAt)
	return m, err
}

// ListMarks returns every mark, newest first.
func (r *Repository) ListMarks(ctx context.Context) ([]Mark, error) {
	rows, err := r.db.Query(ctx, selectMarks+` ORDER BY m.created_at DESC`)
	out, err := collect(rows, err, scanMark)
	if err != nil {
		return nil, fmt.Errorf("records: list marks: %w", err)
	}
	return out, nil
}

// MarksForStudent returns one student's marks.
func (r *Repository) MarksForStudent(ctx context.Context, studentID string) ([]Mark, error) {
	rows, err := r.db.Query(ctx, selectMarks+` WHERE m.student_id::text = $1 ORDER BY m.created_at DESC`, studentID)
	out, err := collect(rows, err, scanMark)
	if err != nil {
		return nil, fmt.Errorf("records: student marks: %w", err)
	}
	return out, nil
}

// InsertMark records an exam result.
func (r *Repository) InsertMark(ctx context.Context, in NewMark) error {
	_, err := r.db.Exec(ctx, `INSERT INTO marks (student_id, course_id, marks_obtained, max_marks, exam_type)
VALUES ($1::uuid, $2::uuid, $3, $4, $5)`, in.StudentID, in.CourseID, in.MarksObtained, in.MaxMarks, in.ExamType)
	return insertErr("mark", err)
}

const selectFees = `SELECT f.id::text, f.student_id::text, COALESCE(s.name, ''), f.semester,
	f.total_fees::float8, f.fees_paid::float8, f.created_at
FROM fees f LEFT JOIN students s ON s.id = f.student_id`

func scanFee(rows pgx.Rows) (Fee, error) {
	var f Fee
	err := rows.Scan(&f.ID, &f.StudentID, &f.StudentName, &f.Semester, &f.TotalFees, &f.FeesPaid, &f.CreatedAt)
	return f, err
}

// ListFees returns every fee ledger row.
func (r *Repository) ListFees(ctx context.Context) ([]Fee, error) {
	rows, err := r.db.Query(ctx, selectFees+` ORDER BY f.created_at DESC`)
	out, err := collect(rows, err, scanFee)
	if err != nil {
		return nil, fmt.Errorf("records: list fees: %w", err)
	}
	return out, nil
}

// FeesForStudent returns one student's fee ledger ordered by semester.
func (r *Repository) FeesForStudent(ctx context.Context, studentID string) ([]Fee, error) {
	rows, err := r.db.Query(ctx, selectFees+` WHERE f.student_id::text = $1 ORDER BY f.semester`, studentID)
	out, err := collect(rows, err, scanFee)
	if err != nil {
		return nil, fmt.Errorf("records: student fees: %w", err)
	}
	return out, nil
}

// InsertFee records a fee ledger row.
func (r *Repository) InsertFee(ctx context.Context, in NewFee) error {
	_, err := r.db.Exec(ctx, `INSERT INTO fees (student_id, semester, total_fees, fees_paid) VALUES ($1::uuid, $2, $3, $4)`,
		in.StudentID, in.Semester, in.TotalFees, in.FeesPaid)
	return insertErr("fee", err)
}

// Delete removes one row of entity.
func (r *Repository) Delete(ctx context.Context, entity Entity, id string) error {
	if !entity.Valid() {
		return fmt.Errorf("records: unknown entity %q", entity)
	}
	tag, err := r.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id::text = $1`, entity), id)
	if err != nil {
		return fmt.Errorf("records: delete %s: %w", entity, err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Counts returns the admin dashboard totals.
func (r *Repository) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := r.db.QueryRow(ctx, `SELECT
	(SELECT COUNT(*) FROM students),
	(SELECT COUNT(*) FROM departments),
	(SELECT COUNT(*) FROM courses),
	(SELECT COUNT(*) FROM marks)`).Scan(&c.Students, &c.Departments, &c.Courses, &c.Marks)
	if err != nil {
		return Counts{}, fmt.Errorf("records: counts: %w", err)
	}
	return c, nil
}

func insertErr(entity string, err error) error {
	if err == nil {
		return nil
	}
	if db.IsUniqueViolation(err) {
		return shared.NewValidationError("general", fmt.Sprintf("This %s already exists", entity))
	}
	return fmt.Errorf("records: insert %s: %w", entity, err)
}
