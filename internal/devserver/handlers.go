package devserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"

	"github.com/harrylevesque/qrattend/internal/models"
)

// TokenValidity is how long an issued attendance token stays usable.
const TokenValidity = 4 * time.Hour

type ctxKey struct{}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigStd.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}

func readJSON(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return sonic.ConfigStd.Unmarshal(data, v)
}

func pathID(r *http.Request) int {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	return id
}

func caller(r *http.Request) *account {
	a, _ := r.Context().Value(ctxKey{}).(*account)
	return a
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		tok, ok := strings.CutPrefix(h, "Token ")
		if !ok || tok == "" {
			writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Detail: "Authentication credentials were not provided."})
			return
		}
		s.st.mu.Lock()
		a := s.st.authTokens[tok]
		s.st.mu.Unlock()
		if a == nil {
			writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Detail: "Invalid token."})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, a)))
	})
}

// ===== Auth =====

type loginRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	StudentID string `json:"student_id"`
	StaffID   string `json:"staff_id"`
}

func (s *Server) handleObtainToken(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	s.st.mu.Lock()
	_, tok, ok := s.st.login(req.Username, req.Password)
	s.st.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"non_field_errors": {"Unable to log in with provided credentials."}})
		return
	}
	writeJSON(w, http.StatusOK, models.LoginResponse{Token: tok})
}

func (s *Server) handleRoleLogin(role string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		s.st.mu.Lock()
		defer s.st.mu.Unlock()
		a, tok, ok := s.st.login(req.Username, req.Password)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		resp := models.LoginResponse{Token: tok, UserID: a.id, Username: a.username}
		switch role {
		case "student":
			if a.student == nil || a.student.StudentID != req.StudentID {
				writeError(w, http.StatusUnauthorized, "Invalid student ID")
				return
			}
			resp.StudentID = a.student.StudentID
		default:
			if a.lecturer == nil || a.lecturer.StaffID != req.StaffID {
				writeError(w, http.StatusUnauthorized, "Invalid staff ID")
				return
			}
			resp.StaffID = a.lecturer.StaffID
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	a := caller(r)
	s.st.mu.Lock()
	for tok, holder := range s.st.authTokens {
		if holder == a {
			delete(s.st.authTokens, tok)
		}
	}
	s.st.mu.Unlock()
	writeJSON(w, http.StatusOK, models.MessageResponse{Message: "Successfully logged out."})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	a := caller(r)
	me := models.Me{ID: a.id, Username: a.username, Email: a.email, Role: models.RoleUser}
	switch {
	case a.admin:
		me.Role = models.RoleAdmin
	case a.student != nil:
		me.Role = models.RoleStudent
		id := a.student.ID
		me.StudentID = &id
	case a.lecturer != nil:
		me.Role = models.RoleLecturer
		id := a.lecturer.ID
		me.LecturerID = &id
	}
	writeJSON(w, http.StatusOK, me)
}

// ===== Courses & history =====

func (s *Server) handleMyCourses(w http.ResponseWriter, r *http.Request) {
	a := caller(r)
	if a.lecturer == nil {
		writeError(w, http.StatusForbidden, "User is not a lecturer")
		return
	}
	s.st.mu.Lock()
	out := []models.Course{}
	for _, c := range s.sortedCourses() {
		if c.lecturerID == a.lecturer.ID {
			out = append(out, s.st.courseView(c))
		}
	}
	s.st.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEnrolledCourses(w http.ResponseWriter, r *http.Request) {
	a := caller(r)
	if a.student == nil {
		writeError(w, http.StatusNotFound, "Student profile not found")
		return
	}
	s.st.mu.Lock()
	out := []models.Course{}
	for _, c := range s.sortedCourses() {
		if s.st.enrolled(c, a.student.ID) {
			out = append(out, s.st.courseView(c))
		}
	}
	s.st.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

// sortedCourses must be called with st.mu held.
func (s *Server) sortedCourses() []*course {
	out := make([]*course, 0, len(s.st.courses))
	for _, c := range s.st.courses {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) handleStudentHistory(w http.ResponseWriter, r *http.Request) {
	a := caller(r)
	if a.student == nil {
		writeError(w, http.StatusNotFound, "Student profile not found")
		return
	}
	s.st.mu.Lock()
	out := s.st.history(func(se *session) bool {
		_, ok := se.presentAt[a.student.ID]
		return ok
	})
	s.st.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLecturerHistory(w http.ResponseWriter, r *http.Request) {
	a := caller(r)
	if a.lecturer == nil {
		writeError(w, http.StatusForbidden, "User is not a lecturer")
		return
	}
	s.st.mu.Lock()
	out := s.st.history(func(se *session) bool {
		c := s.st.courses[se.courseID]
		return c != nil && c.lecturerID == a.lecturer.ID
	})
	s.st.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

// ===== Attendance =====

type issueRequest struct {
	Token     string       `json:"token"`
	Latitude  models.Coord `json:"latitude"`
	Longitude models.Coord `json:"longitude"`
}

type issueResponse struct {
	ID          int           `json:"id"`
	Course      models.Course `json:"course"`
	Token       string        `json:"token"`
	GeneratedAt time.Time     `json:"generated_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	IsActive    bool          `json:"is_active"`
}

func (s *Server) allowIssue(accountID int) bool {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	now := s.now()
	kept := s.issueLog[accountID][:0]
	for _, t := range s.issueLog[accountID] {
		if now.Sub(t) < s.issueWindow {
			kept = append(kept, t)
		}
	}
	if len(kept) >= s.issueLimit {
		s.issueLog[accountID] = kept
		return false
	}
	s.issueLog[accountID] = append(kept, now)
	return true
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	a := caller(r)
	if !s.allowIssue(a.id) {
		writeJSON(w, http.StatusTooManyRequests, models.ErrorResponse{Detail: "Request was throttled."})
		return
	}
	var req issueRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Token == "" || req.Latitude == 0 || req.Longitude == 0 {
		writeError(w, http.StatusBadRequest, "Token, latitude, and longitude are required.")
		return
	}

	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	c, ok := s.st.courses[pathID(r)]
	if !ok {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Detail: "Not found."})
		return
	}
	if a.lecturer == nil || a.lecturer.ID != c.lecturerID {
		writeError(w, http.StatusForbidden, "Permission denied. Only the course lecturer may generate tokens.")
		return
	}
	if _, dup := s.st.attTokens[req.Token]; dup {
		writeError(w, http.StatusBadRequest, "Token already exists.")
		return
	}
	now := s.now()
	at := &attendanceToken{token: req.Token, courseID: c.ID, expiresAt: now.Add(TokenValidity), active: true}
	s.st.attTokens[at.token] = at
	s.st.activeSession(c.ID, now.Format(time.DateOnly), true)
	if lec := s.st.lecturers[c.lecturerID]; lec != nil {
		lec.Latitude, lec.Longitude = req.Latitude, req.Longitude
	}
	writeJSON(w, http.StatusOK, issueResponse{
		ID: s.st.id(), Course: c.Course, Token: at.token,
		GeneratedAt: now, ExpiresAt: at.expiresAt, IsActive: true,
	})
}

func (s *Server) handleLiveAttendance(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if s.LiveHook != nil {
		s.LiveHook(id)
	}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	c, ok := s.st.courses[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Detail: "Not found."})
		return
	}
	snap := models.LiveSnapshot{TotalEnrolled: len(c.studentIDs), RecentAttendees: []models.Attendee{}}
	if se := s.st.activeSession(id, s.now().Format(time.DateOnly), false); se != nil {
		snap.PresentCount = len(se.present)
		for i := len(se.present) - 1; i >= 0 && len(snap.RecentAttendees) < 10; i-- {
			if st := s.st.students[se.present[i]]; st != nil {
				snap.RecentAttendees = append(snap.RecentAttendees, models.Attendee{Name: st.Name})
			}
		}
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTakeAttendance(w http.ResponseWriter, r *http.Request) {
	a := caller(r)
	var req models.TakeAttendanceRequest
	if err := readJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "Token is required.")
		return
	}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	now := s.now()
	at, ok := s.st.attTokens[req.Token]
	if !ok || !at.active || now.After(at.expiresAt) {
		writeError(w, http.StatusBadRequest, "Invalid or expired token.")
		return
	}
	if a.student == nil {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Detail: "Not found."})
		return
	}
	c := s.st.courses[at.courseID]
	if !s.st.enrolled(c, a.student.ID) {
		writeError(w, http.StatusBadRequest, "Student is not enrolled in this course.")
		return
	}
	se := s.st.activeSession(c.ID, now.Format(time.DateOnly), true)
	if _, dup := se.presentAt[a.student.ID]; !dup {
		se.present = append(se.present, a.student.ID)
		se.presentAt[a.student.ID] = now
	}
	writeJSON(w, http.StatusOK, models.MessageResponse{Message: "Attendance recorded successfully."})
}

func (s *Server) handleEndAttendance(w http.ResponseWriter, r *http.Request) {
	var req models.EndAttendanceRequest
	if err := readJSON(r, &req); err != nil || req.CourseID == 0 {
		writeError(w, http.StatusBadRequest, "course_id is required.")
		return
	}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	var se *session
	for i := len(s.st.sessions) - 1; i >= 0; i-- {
		if s.st.sessions[i].courseID == req.CourseID && s.st.sessions[i].active {
			se = s.st.sessions[i]
			break
		}
	}
	if se == nil {
		writeError(w, http.StatusNotFound, "No active attendance session found for this course.")
		return
	}
	se.active = false
	se.endedAt = s.now()
	for _, at := range s.st.attTokens {
		if at.courseID == req.CourseID {
			at.active = false
		}
	}
	writeJSON(w, http.StatusOK, models.MessageResponse{Message: "Attendance session ended successfully.", Status: "success"})
}

// ===== Admin & misc =====

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if !caller(r).admin {
		writeError(w, http.StatusForbidden, "Admin access required")
		return
	}
	s.st.mu.Lock()
	checkins := 0
	for _, se := range s.st.sessions {
		checkins += len(se.present)
	}
	out := models.Analytics{
		"total_students":  len(s.st.students),
		"total_lecturers": len(s.st.lecturers),
		"total_courses":   len(s.st.courses),
		"total_sessions":  len(s.st.sessions),
		"total_checkins":  checkins,
		"total_feedback":  len(s.st.feedback),
	}
	s.st.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var fb models.Feedback
	if err := readJSON(r, &fb); err != nil || fb.Rating < 1 || fb.Rating > 5 {
		writeError(w, http.StatusBadRequest, "Rating must be between 1 and 5.")
		return
	}
	s.st.mu.Lock()
	s.st.feedback = append(s.st.feedback, fb)
	s.st.mu.Unlock()
	writeJSON(w, http.StatusCreated, fb)
}

func (s *Server) handlePatchLecturer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Latitude  models.Coord `json:"latitude"`
		Longitude models.Coord `json:"longitude"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	lec, ok := s.st.lecturers[pathID(r)]
	if !ok {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Detail: "Not found."})
		return
	}
	a := caller(r)
	if !a.admin && (a.lecturer == nil || a.lecturer.ID != lec.ID) {
		writeError(w, http.StatusForbidden, "You can only update your own profile")
		return
	}
	lec.Latitude, lec.Longitude = body.Latitude, body.Longitude
	writeJSON(w, http.StatusOK, lec)
}

// ===== Directory CRUD =====

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	switch mux.Vars(r)["resource"] {
	case "lecturers":
		out := make([]models.Lecturer, 0, len(s.st.lecturers))
		for _, l := range s.st.lecturers {
			out = append(out, *l)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		writeJSON(w, http.StatusOK, out)
	case "students":
		out := make([]models.Student, 0, len(s.st.students))
		for _, st := range s.st.students {
			out = append(out, *st)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		writeJSON(w, http.StatusOK, out)
	default:
		out := []models.Course{}
		for _, c := range s.sortedCourses() {
			out = append(out, s.st.courseView(c))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	var out any
	switch mux.Vars(r)["resource"] {
	case "lecturers":
		if l, ok := s.st.lecturers[id]; ok {
			out = l
		}
	case "students":
		if st, ok := s.st.students[id]; ok {
			out = st
		}
	default:
		if c, ok := s.st.courses[id]; ok {
			out = s.st.courseView(c)
		}
	}
	if out == nil {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Detail: "Not found."})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !caller(r).admin {
		writeError(w, http.StatusForbidden, "Admin access required")
		return
	}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	switch mux.Vars(r)["resource"] {
	case "lecturers":
		var l models.Lecturer
		if err := readJSON(r, &l); err != nil || l.Name == "" || l.StaffID == "" {
			writeError(w, http.StatusBadRequest, "name and staff_id are required.")
			return
		}
		l.ID = s.st.id()
		s.st.lecturers[l.ID] = &l
		writeJSON(w, http.StatusCreated, l)
	case "students":
		var st models.Student
		if err := readJSON(r, &st); err != nil || st.Name == "" || st.StudentID == "" {
			writeError(w, http.StatusBadRequest, "name and student_id are required.")
			return
		}
		st.ID = s.st.id()
		s.st.students[st.ID] = &st
		writeJSON(w, http.StatusCreated, st)
	default:
		var body struct {
			Name       string `json:"name"`
			CourseCode string `json:"course_code"`
			Lecturer   int    `json:"lecturer"`
		}
		if err := readJSON(r, &body); err != nil || body.Name == "" || body.CourseCode == "" {
			writeError(w, http.StatusBadRequest, "name and course_code are required.")
			return
		}
		c := &course{Course: models.Course{ID: s.st.id(), Name: body.Name, CourseCode: body.CourseCode}, lecturerID: body.Lecturer}
		s.st.courses[c.ID] = c
		writeJSON(w, http.StatusCreated, s.st.courseView(c))
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !caller(r).admin {
		writeError(w, http.StatusForbidden, "Admin access required")
		return
	}
	id := pathID(r)
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	var found bool
	switch mux.Vars(r)["resource"] {
	case "lecturers":
		_, found = s.st.lecturers[id]
		delete(s.st.lecturers, id)
	case "students":
		_, found = s.st.students[id]
		delete(s.st.students, id)
	default:
		_, found = s.st.courses[id]
		delete(s.st.courses, id)
	}
	if !found {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Detail: "Not found."})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetPresent marks the first n enrolled students of a course present in today's session.
func (s *Server) SetPresent(courseID, n int) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	c, ok := s.st.courses[courseID]
	if !ok {
		return fmt.Errorf("course %d not found", courseID)
	}
	if n > len(c.studentIDs) {
		return fmt.Errorf("course %d has only %d students", courseID, len(c.studentIDs))
	}
	now := s.now()
	se := s.st.activeSession(courseID, now.Format(time.DateOnly), true)
	se.present = append([]int(nil), c.studentIDs[:n]...)
	se.presentAt = make(map[int]time.Time, n)
	for _, id := range se.present {
		se.presentAt[id] = now
	}
	return nil
}
