// Package students persists student records and the identity reference that
// gives a record login capability.
package students

import "time"

// Student is an enrolled student record. IdentityRef is nil until login
// credentials are provisioned.
type Student struct {
	ID             string
	RollNumber     string
	Name           string
	Email          string
	Phone          string
	Year           int
	DepartmentID   string
	DepartmentName string
	IdentityRef    *string
	CreatedAt      time.Time
}

// Linked reports whether the record already has login credentials.
func (s Student) Linked() bool {
	return s.IdentityRef != nil && *s.IdentityRef != ""
}

// NewStudent is the insert form for a student record.
type NewStudent struct {
	RollNumber   string `validate:"required,max=32"`
	Name         string `validate:"required,max=120"`
	Email        string `validate:"required,email"`
	Phone        string `validate:"omitempty,max=32"`
	Year         int    `validate:"gte=1,lte=6"`
	DepartmentID string `validate:"required,uuid"`
}
