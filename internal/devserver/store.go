package devserver

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrylevesque/qrattend/internal/models"
)

// account is a backend user. Exactly one of student/lecturer is set unless admin.
type account struct {
	id       int
	username string
	password string
	email    string
	admin    bool
	student  *models.Student
	lecturer *models.Lecturer
}

type course struct {
	models.Course
	lecturerID int
	studentIDs []int // models.Student.ID, enrolment order
}

type attendanceToken struct {
	token     string
	courseID  int
	expiresAt time.Time
	active    bool
}

// session is one day's attendance of a course.
type session struct {
	id        int
	courseID  int
	date      string
	active    bool
	endedAt   time.Time
	present   []int // student ids, check-in order
	presentAt map[int]time.Time
}

type state struct {
	mu sync.Mutex

	accounts   map[string]*account // by username
	authTokens map[string]*account
	courses    map[int]*course
	students   map[int]*models.Student
	lecturers  map[int]*models.Lecturer
	attTokens  map[string]*attendanceToken
	sessions   []*session
	feedback   []models.Feedback

	nextID int
}

func newState() *state {
	return &state{
		accounts:   make(map[string]*account),
		authTokens: make(map[string]*account),
		courses:    make(map[int]*course),
		students:   make(map[int]*models.Student),
		lecturers:  make(map[int]*models.Lecturer),
		attTokens:  make(map[string]*attendanceToken),
		nextID:     1000,
	}
}

func (s *state) id() int {
	s.nextID++
	return s.nextID
}

// SeedOptions describes the demo data set.
type SeedOptions struct {
	CourseID   int
	CourseCode string
	CourseName string
	Students   int
	Password   string
}

// DefaultSeed mirrors the demo data the backend ships: one lecturer, one course, a class of students and an admin.
var DefaultSeed = SeedOptions{
	CourseID:   42,
	CourseCode: "CS342",
	CourseName: "Distributed Systems",
	Students:   30,
	Password:   "password123",
}

func (s *state) seed(o SeedOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts["admin"] = &account{id: s.id(), username: "admin", password: "admin123", email: "admin@example.edu", admin: true}

	lec := &models.Lecturer{ID: s.id(), StaffID: "STF001", Name: "Dr. Ama Mensah", Department: "Computer Science", Courses: []int{o.CourseID}}
	s.lecturers[lec.ID] = lec
	s.accounts["lecturer"] = &account{id: s.id(), username: "lecturer", password: o.Password, email: "lecturer@example.edu", lecturer: lec}

	c := &course{Course: models.Course{ID: o.CourseID, Name: o.CourseName, CourseCode: o.CourseCode}, lecturerID: lec.ID}
	for i := 1; i <= o.Students; i++ {
		st := &models.Student{
			ID:               s.id(),
			StudentID:        fmt.Sprintf("STU%03d", i),
			Name:             fmt.Sprintf("Student %02d", i),
			ProgrammeOfStudy: "BSc Computer Science",
			Year:             3,
			Courses:          []int{o.CourseID},
		}
		s.students[st.ID] = st
		username := fmt.Sprintf("student%02d", i)
		s.accounts[username] = &account{id: s.id(), username: username, password: o.Password, email: username + "@example.edu", student: st}
		c.studentIDs = append(c.studentIDs, st.ID)
	}
	s.courses[c.ID] = c
}

func (s *state) login(username, password string) (*account, string, bool) {
	a, ok := s.accounts[username]
	if !ok || a.password != password {
		return nil, "", false
	}
	// One token per user, like DRF's Token.objects.get_or_create.
	for tok, holder := range s.authTokens {
		if holder == a {
			return a, tok, true
		}
	}
	tok := uuid.NewString()
	s.authTokens[tok] = a
	return a, tok, true
}

func (s *state) activeSession(courseID int, today string, create bool) *session {
	for i := len(s.sessions) - 1; i >= 0; i-- {
		se := s.sessions[i]
		if se.courseID == courseID && se.date == today && se.active {
			return se
		}
	}
	if !create {
		return nil
	}
	se := &session{id: s.id(), courseID: courseID, date: today, active: true, presentAt: make(map[int]time.Time)}
	s.sessions = append(s.sessions, se)
	return se
}

func (s *state) enrolled(c *course, studentID int) bool {
	for _, id := range c.studentIDs {
		if id == studentID {
			return true
		}
	}
	return false
}

func (s *state) courseView(c *course) models.Course {
	out := c.Course
	if lec, ok := s.lecturers[c.lecturerID]; ok {
		l := *lec
		out.Lecturer = &l
	}
	for _, id := range c.studentIDs {
		if st, ok := s.students[id]; ok {
			out.Students = append(out.Students, *st)
		}
	}
	return out
}

func (s *state) history(match func(se *session) bool) []models.HistoryGroup {
	groups := map[string][]models.HistoryEntry{}
	var order []string
	for i := len(s.sessions) - 1; i >= 0; i-- {
		se := s.sessions[i]
		if !match(se) {
			continue
		}
		code := s.courses[se.courseID].CourseCode
		if _, ok := groups[code]; !ok {
			order = append(order, code)
		}
		groups[code] = append(groups[code], models.HistoryEntry{Date: se.date})
	}
	sort.Strings(order)
	out := make([]models.HistoryGroup, 0, len(order))
	for _, code := range order {
		out = append(out, models.HistoryGroup{CourseCode: code, Attendances: groups[code]})
	}
	return out
}
