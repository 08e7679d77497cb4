// Package records holds the data-entry screens' persistence: departments,
// courses, marks and fee ledgers.
package records

import (
	"math"
	"time"
)

// Department groups students and courses.
type Department struct {
	ID        string
	Name      string
	Code      string
	CreatedAt time.Time
}

// NewDepartment is the department insert form.
type NewDepartment struct {
	Name string `validate:"required,max=120"`
	Code string `validate:"required,max=16"`
}

// Course belongs to a department.
type Course struct {
	ID             string
	Code           string
	Name           string
	Credits        int
	DepartmentID   string
	DepartmentName string
	CreatedAt      time.Time
}

// NewCourse is the course insert form.
type NewCourse struct {
	Code         string `validate:"required,max=16"`
	Name         string `validate:"required,max=120"`
	Credits      int    `validate:"gte=1,lte=12"`
	DepartmentID string `validate:"required,uuid"`
}

// Mark is one exam result.
type Mark struct {
	ID            string
	StudentID     string
	StudentName   string
	CourseID      string
	CourseName    string
	MarksObtained float64
	MaxMarks      float64
	ExamType      string
	CreatedAt     time.Time
}

// Percentage returns obtained/max as a percentage rounded to two decimals.
func (m Mark) Percentage() float64 {
	return Percentage(m.MarksObtained, m.MaxMarks)
}

// Grade returns the letter grade of the mark.
func (m Mark) Grade() string {
	return Grade(m.Percentage())
}

// NewMark is the mark insert form.
type NewMark struct {
	StudentID     string  `validate:"required,uuid"`
	CourseID      string  `validate:"required,uuid"`
	MarksObtained float64 `validate:"gte=0,ltefield=MaxMarks"`
	MaxMarks      float64 `validate:"gt=0"`
	ExamType      string  `validate:"required,max=32"`
}

// Fee is one semester's fee ledger for a student.
type Fee struct {
	ID          string
	StudentID   string
	StudentName string
	Semester    int
	TotalFees   float64
	FeesPaid    float64
	CreatedAt   time.Time
}

// Due returns the outstanding amount.
func (f Fee) Due() float64 {
	return FeeDue(f.TotalFees, f.FeesPaid)
}

// NewFee is the fee insert form.
type NewFee struct {
	StudentID string  `validate:"required,uuid"`
	Semester  int     `validate:"gte=1,lte=12"`
	TotalFees float64 `validate:"gte=0"`
	FeesPaid  float64 `validate:"gte=0"`
}

// Percentage returns obtained/max*100 rounded to two decimals; zero max yields 0.
func Percentage(obtained, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return math.Round(obtained/max*10000) / 100
}

// Grade buckets a percentage.
func Grade(pct float64) string {
	switch {
	case pct >= 90:
		return "A+"
	case pct >= 80:
		return "A"
	case pct >= 70:
		return "B"
	case pct >= 60:
		return "C"
	case pct >= 50:
		return "D"
	}
	return "F"
}

// FeeDue returns total minus paid.
func FeeDue(total, paid float64) float64 {
	return total - paid
}

// Counts summarises the admin dashboard.
type Counts struct {
	Students    int
	Departments int
	Courses     int
	Marks       int
}
