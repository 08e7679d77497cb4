package fakes

import (
	"context"
	"fmt"
	"sync"

	"github.com/campusdesk/campusdesk/internal/shared"
	"github.com/campusdesk/campusdesk/internal/students"
)

// Students is an in-memory students.Repository.
type Students struct {
	mu        sync.Mutex
	records   map[string]students.Student
	order     []string
	SetRefErr error
	Lookups   int
}

// NewStudents builds an empty repository.
func NewStudents() *Students {
	return &Students{records: make(map[string]students.Student)}
}

// Put stores s as-is.
func (r *Students) Put(s students.Student) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[s.ID]; !ok {
		r.order = append(r.order, s.ID)
	}
	r.records[s.ID] = s
}

func (r *Students) FindByID(ctx context.Context, id string) (*students.Student, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Lookups++
	s, ok := r.records[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &s, nil
}

func (r *Students) FindUnlinkedByID(ctx context.Context, id string) (*students.Student, error) {
	s, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Linked() {
		return nil, nil
	}
	return s, nil
}

func (r *Students) FindByIdentity(ctx context.Context, identityID string) (*students.Student, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.records {
		if s.IdentityRef != nil && *s.IdentityRef == identityID {
			s := s
			return &s, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *Students) SetIdentityRef(ctx context.Context, id, identityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SetRefErr != nil {
		return r.SetRefErr
	}
	s, ok := r.records[id]
	if !ok {
		return shared.ErrNotFound
	}
	if s.Linked() {
		return shared.ErrCredentialsExist
	}
	ref := identityID
	s.IdentityRef = &ref
	r.records[id] = s
	return nil
}

func (r *Students) List(ctx context.Context) ([]students.Student, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]students.Student, 0, len(r.order))
	for _, id := range r.order {
		if s, ok := r.records[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *Students) Insert(ctx context.Context, in students.NewStudent) (students.Student, error) {
	r.mu.Lock()
	id := fmt.Sprintf("stu-%d", len(r.order)+1)
	r.mu.Unlock()
	s := students.Student{
		ID:           id,
		RollNumber:   in.RollNumber,
		Name:         in.Name,
		Email:        in.Email,
		Phone:        in.Phone,
		Year:         in.Year,
		DepartmentID: in.DepartmentID,
	}
	r.Put(s)
	return s, nil
}

func (r *Students) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return shared.ErrNotFound
	}
	delete(r.records, id)
	return nil
}

var _ students.Repository = (*Students)(nil)
