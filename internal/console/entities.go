package console

import (
	"net/http"

	"github.com/campusdesk/campusdesk/internal/records"
	"github.com/campusdesk/campusdesk/internal/students"
)

type studentsPage struct {
	Students    []students.Student
	Departments []records.Department
	Form        students.NewStudent
}

func (h *Handler) listStudents(w http.ResponseWriter, r *http.Request) {
	h.showStudents(w, r, http.StatusOK, students.NewStudent{Year: 1}, nil)
}

func (h *Handler) showStudents(w http.ResponseWriter, r *http.Request, status int, form students.NewStudent, errs map[string]string) {
	list, err := h.students.List(r.Context())
	if err != nil {
		h.fail(w, "list students", err)
		return
	}
	depts, err := h.records.ListDepartments(r.Context())
	if err != nil {
		h.fail(w, "list departments", err)
		return
	}
	h.render(w, r, status, "pages/students.html", "Students", studentsPage{Students: list, Departments: depts, Form: form}, errs)
}

func (h *Handler) createStudent(w http.ResponseWriter, r *http.Request) {
	form := students.NewStudent{
		RollNumber:   formText(r, "roll_number"),
		Name:         formText(r, "name"),
		Email:        formText(r, "email"),
		Phone:        formText(r, "phone"),
		Year:         formInt(r, "year"),
		DepartmentID: formText(r, "department_id"),
	}
	err := h.check(form)
	if err == nil {
		_, err = h.students.Insert(r.Context(), form)
	}
	h.saved(w, r, err, "/students", func(errs map[string]string) {
		h.showStudents(w, r, http.StatusBadRequest, form, errs)
	})
}

type departmentsPage struct {
	Departments []records.Department
	Form        records.NewDepartment
}

func (h *Handler) listDepartments(w http.ResponseWriter, r *http.Request) {
	h.showDepartments(w, r, http.StatusOK, records.NewDepartment{}, nil)
}

func (h *Handler) showDepartments(w http.ResponseWriter, r *http.Request, status int, form records.NewDepartment, errs map[string]string) {
	depts, err := h.records.ListDepartments(r.Context())
	if err != nil {
		h.fail(w, "list departments", err)
		return
	}
	h.render(w, r, status, "pages/departments.html", "Departments", departmentsPage{Departments: depts, Form: form}, errs)
}

func (h *Handler) createDepartment(w http.ResponseWriter, r *http.Request) {
	form := records.NewDepartment{Name: formText(r, "name"), Code: formText(r, "code")}
	err := h.check(form)
	if err == nil {
		err = h.records.InsertDepartment(r.Context(), form)
	}
	h.saved(w, r, err, "/departments", func(errs map[string]string) {
		h.showDepartments(w, r, http.StatusBadRequest, form, errs)
	})
}

type coursesPage struct {
	Courses     []records.Course
	Departments []records.Department
	Form        records.NewCourse
}

func (h *Handler) listCourses(w http.ResponseWriter, r *http.Request) {
	h.showCourses(w, r, http.StatusOK, records.NewCourse{Credits: 3}, nil)
}

func (h *Handler) showCourses(w http.ResponseWriter, r *http.Request, status int, form records.NewCourse, errs map[string]string) {
	courses, err := h.records.ListCourses(r.Context())
	if err != nil {
		h.fail(w, "list courses", err)
		return
	}
	depts, err := h.records.ListDepartments(r.Context())
	if err != nil {
		h.fail(w, "list departments", err)
		return
	}
	h.render(w, r, status, "pages/courses.html", "Courses", coursesPage{Courses: courses, Departments: depts, Form: form}, errs)
}

func (h *Handler) createCourse(w http.ResponseWriter, r *http.Request) {
	form := records.NewCourse{
		Code:         formText(r, "code"),
		Name:         formText(r, "name"),
		Credits:      formInt(r, "credits"),
		DepartmentID: formText(r, "department_id"),
	}
	err := h.check(form)
	if err == nil {
		err = h.records.InsertCourse(r.Context(), form)
	}
	h.saved(w, r, err, "/courses", func(errs map[string]string) {
		h.showCourses(w, r, http.StatusBadRequest, form, errs)
	})
}

type marksPage struct {
	Marks    []records.Mark
	Students []students.Student
	Courses  []records.Course
	Form     records.NewMark
}

func (h *Handler) listMarks(w http.ResponseWriter, r *http.Request) {
	h.showMarks(w, r, http.StatusOK, records.NewMark{MaxMarks: 100, ExamType: "final"}, nil)
}

func (h *Handler) showMarks(w http.ResponseWriter, r *http.Request, status int, form records.NewMark, errs map[string]string) {
	marks, err := h.records.ListMarks(r.Context())
	if err != nil {
		h.fail(w, "list marks", err)
		return
	}
	list, err := h.students.List(r.Context())
	if err != nil {
		h.fail(w, "list students", err)
		return
	}
	courses, err := h.records.ListCourses(r.Context())
	if err != nil {
		h.fail(w, "list courses", err)
		return
	}
	h.render(w, r, status, "pages/marks.html", "Marks", marksPage{Marks: marks, Students: list, Courses: courses, Form: form}, errs)
}

func (h *Handler) createMark(w http.ResponseWriter, r *http.Request) {
	form := records.NewMark{
		StudentID:     formText(r, "student_id"),
		CourseID:      formText(r, "course_id"),
		MarksObtained: formFloat(r, "marks_obtained"),
		MaxMarks:      formFloat(r, "max_marks"),
		ExamType:      formText(r, "exam_type"),
	}
	err := h.check(form)
	if err == nil {
		err = h.records.InsertMark(r.Context(), form)
	}
	h.saved(w, r, err, "/marks", func(errs map[string]string) {
		h.showMarks(w, r, http.StatusBadRequest, form, errs)
	})
}

type feesPage struct {
	Fees     []records.Fee
	Students []students.Student
	Form     records.NewFee
}

func (h *Handler) listFees(w http.ResponseWriter, r *http.Request) {
	h.showFees(w, r, http.StatusOK, records.NewFee{Semester: 1}, nil)
}

func (h *Handler) showFees(w http.ResponseWriter, r *http.Request, status int, form records.NewFee, errs map[string]string) {
	fees, err := h.records.ListFees(r.Context())
	if err != nil {
		h.fail(w, "list fees", err)
		return
	}
	list, err := h.students.List(r.Context())
	if err != nil {
		h.fail(w, "list students", err)
		return
	}
	h.render(w, r, status, "pages/fees.html", "Fees", feesPage{Fees: fees, Students: list, Form: form}, errs)
}

func (h *Handler) createFee(w http.ResponseWriter, r *http.Request) {
	form := records.NewFee{
		StudentID: formText(r, "student_id"),
		Semester:  formInt(r, "semester"),
		TotalFees: formFloat(r, "total_fees"),
		FeesPaid:  formFloat(r, "fees_paid"),
	}
	if formText(r, "fees_paid") == "" {
		form.FeesPaid = 0
	}
	err := h.check(form)
	if err == nil {
		err = h.records.InsertFee(r.Context(), form)
	}
	h.saved(w, r, err, "/fees", func(errs map[string]string) {
		h.showFees(w, r, http.StatusBadRequest, form, errs)
	})
}
