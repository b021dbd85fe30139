package devserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// Server is an in-memory stand-in for the attendance backend. It implements the
// HTTP contract the client consumes so the client can be exercised end to end
// without the real service.
type Server struct {
	st     *state
	now    func() time.Time
	router *mux.Router

	lmu         sync.Mutex
	issueLimit  int
	issueWindow time.Duration
	issueLog    map[int][]time.Time // account id -> recent issuance times
	forced      map[string]int      // path template -> forced status

	// LiveHook, when set, runs before each live_attendance response; tests use it to delay or reorder replies.
	LiveHook func(courseID int)

	statsMu sync.Mutex
	hits    map[string]int
}

type Option func(*Server)

// WithIssueLimit throttles token issuance to n per window per user, answering 429 beyond it.
func WithIssueLimit(n int, window time.Duration) Option {
	return func(s *Server) { s.issueLimit, s.issueWindow = n, window }
}

func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

func WithSeed(o SeedOptions) Option { return func(s *Server) { s.st = newState(); s.st.seed(o) } }

func New(opts ...Option) *Server {
	s := &Server{
		now:         time.Now,
		issueLimit:  10,
		issueWindow: time.Minute,
		issueLog:    make(map[int][]time.Time),
		forced:      make(map[string]int),
		hits:        make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	if s.st == nil {
		s.st = newState()
		s.st.seed(DefaultSeed)
	}
	s.router = s.routes()
	return s
}

// Force makes every request matching the route template answer status until cleared with 0.
func (s *Server) Force(template string, status int) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if status == 0 {
		delete(s.forced, template)
		return
	}
	s.forced[template] = status
}

// Hits reports how many requests reached the route template.
func (s *Server) Hits(template string) int {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.hits[template]
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tpl := ""
		if rt := mux.CurrentRoute(r); rt != nil {
			tpl, _ = rt.GetPathTemplate()
		}
		s.statsMu.Lock()
		s.hits[tpl]++
		s.statsMu.Unlock()

		s.lmu.Lock()
		status := s.forced[tpl]
		s.lmu.Unlock()
		if status != 0 {
			writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Router returns the routes the server answers, built once in New.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.count)

	r.HandleFunc("/api/healthz/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	r.HandleFunc("/api/api-token-auth/", s.handleObtainToken).Methods("POST")
	r.HandleFunc("/api/login/student/", s.handleRoleLogin("student")).Methods("POST")
	r.HandleFunc("/api/login/staff/", s.handleRoleLogin("staff")).Methods("POST")

	a := r.PathPrefix("/api").Subrouter()
	a.Use(s.authenticate)
	a.HandleFunc("/logout/", s.handleLogout).Methods("POST")
	a.HandleFunc("/me/", s.handleMe).Methods("GET")
	a.HandleFunc("/lecturers/my-courses/", s.handleMyCourses).Methods("GET")
	a.HandleFunc("/studentenrolledcourses/", s.handleEnrolledCourses).Methods("GET")
	a.HandleFunc("/student-attendance-history/", s.handleStudentHistory).Methods("GET")
	a.HandleFunc("/lecturer-attendance-history/", s.handleLecturerHistory).Methods("GET")

	a.HandleFunc("/courses/take_attendance/", s.handleTakeAttendance).Methods("POST")
	a.HandleFunc("/courses/{id:[0-9]+}/generate_attendance_token/", s.handleIssueToken).Methods("POST")
	a.HandleFunc("/courses/{id:[0-9]+}/live_attendance/", s.handleLiveAttendance).Methods("GET")
	a.HandleFunc("/attendances/end_attendance/", s.handleEndAttendance).Methods("POST")
	a.HandleFunc("/attendances/generate_excel/", s.handleExcelReport).Methods("GET")
	a.HandleFunc("/attendances/generate_pdf/", s.handlePDFReport).Methods("GET")

	a.HandleFunc("/admin/analytics/", s.handleAnalytics).Methods("GET")
	a.HandleFunc("/feedback/", s.handleFeedback).Methods("POST")
	a.HandleFunc("/lecturers/{id:[0-9]+}/", s.handlePatchLecturer).Methods("PATCH")

	a.HandleFunc("/{resource:lecturers|students|courses}/", s.handleList).Methods("GET")
	a.HandleFunc("/{resource:lecturers|students|courses}/", s.handleCreate).Methods("POST")
	a.HandleFunc("/{resource:lecturers|students|courses}/{id:[0-9]+}/", s.handleGet).Methods("GET")
	a.HandleFunc("/{resource:lecturers|students|courses}/{id:[0-9]+}/", s.handleDelete).Methods("DELETE")
	return r
}

// ServeHTTP makes Server usable directly with httptest.NewServer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
