package api

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/harrylevesque/qrattend/internal/models"
)

// ===== Auth =====

func (c *Client) ObtainToken(ctx context.Context, username, password string) (models.LoginResponse, error) {
	var out models.LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/api-token-auth/", nil,
		map[string]string{"username": username, "password": password}, &out)
	return out, err
}

func (c *Client) LoginStudent(ctx context.Context, username, password, studentID string) (models.LoginResponse, error) {
	var out models.LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/login/student/", nil,
		map[string]string{"username": username, "password": password, "student_id": studentID}, &out)
	return out, err
}

func (c *Client) LoginStaff(ctx context.Context, username, password, staffID string) (models.LoginResponse, error) {
	var out models.LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/login/staff/", nil,
		map[string]string{"username": username, "password": password, "staff_id": staffID}, &out)
	return out, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/logout/", nil, nil, nil)
}

func (c *Client) Me(ctx context.Context) (models.Me, error) {
	var out models.Me
	err := c.do(ctx, http.MethodGet, "/api/me/", nil, nil, &out)
	return out, err
}

// ===== Attendance session =====

func (c *Client) IssueToken(ctx context.Context, courseID int, req models.IssueTokenRequest) (models.AttendanceToken, error) {
	var out models.AttendanceToken
	err := c.do(ctx, http.MethodPost, idPath("/api/courses/%d/generate_attendance_token/", courseID), nil, req, &out)
	out.CourseID = courseID
	return out, err
}

func (c *Client) LiveAttendance(ctx context.Context, courseID int) (models.LiveSnapshot, error) {
	var out models.LiveSnapshot
	err := c.do(ctx, http.MethodGet, idPath("/api/courses/%d/live_attendance/", courseID), nil, nil, &out)
	return out, err
}

func (c *Client) TakeAttendance(ctx context.Context, token string) (models.MessageResponse, error) {
	var out models.MessageResponse
	err := c.do(ctx, http.MethodPost, "/api/courses/take_attendance/", nil, models.TakeAttendanceRequest{Token: token}, &out)
	return out, err
}

func (c *Client) EndAttendance(ctx context.Context, courseID int) error {
	return c.do(ctx, http.MethodPost, "/api/attendances/end_attendance/", nil, models.EndAttendanceRequest{CourseID: courseID}, nil)
}

// ===== Dashboards =====

func (c *Client) MyCourses(ctx context.Context) ([]models.Course, error) {
	var out []models.Course
	err := c.do(ctx, http.MethodGet, "/api/lecturers/my-courses/", nil, nil, &out)
	return out, err
}

func (c *Client) EnrolledCourses(ctx context.Context) ([]models.Course, error) {
	var out []models.Course
	err := c.do(ctx, http.MethodGet, "/api/studentenrolledcourses/", nil, nil, &out)
	return out, err
}

func (c *Client) StudentHistory(ctx context.Context) ([]models.HistoryGroup, error) {
	var out []models.HistoryGroup
	err := c.do(ctx, http.MethodGet, "/api/student-attendance-history/", nil, nil, &out)
	return out, err
}

func (c *Client) LecturerHistory(ctx context.Context) ([]models.HistoryGroup, error) {
	var out []models.HistoryGroup
	err := c.do(ctx, http.MethodGet, "/api/lecturer-attendance-history/", nil, nil, &out)
	return out, err
}

func (c *Client) UpdateLecturerLocation(ctx context.Context, lecturerID int, lat, lng float64) error {
	body := map[string]float64{"latitude": lat, "longitude": lng}
	return c.do(ctx, http.MethodPatch, idPath("/api/lecturers/%d/", lecturerID), nil, body, nil)
}

func (c *Client) AdminAnalytics(ctx context.Context) (models.Analytics, error) {
	out := models.Analytics{}
	err := c.do(ctx, http.MethodGet, "/api/admin/analytics/", nil, nil, &out)
	return out, err
}

func (c *Client) SubmitFeedback(ctx context.Context, fb models.Feedback) error {
	return c.do(ctx, http.MethodPost, "/api/feedback/", nil, fb, nil)
}

// ===== Reports =====

// ReportQuery selects the rows of a generated report.
type ReportQuery struct {
	AttendanceID int
	CourseID     int
	StartDate    string
	EndDate      string
}

func (q ReportQuery) values(format string) url.Values {
	v := url.Values{}
	if q.AttendanceID > 0 {
		v.Set("attendance_id", strconv.Itoa(q.AttendanceID))
	}
	if q.CourseID > 0 {
		v.Set("course_id", strconv.Itoa(q.CourseID))
	}
	if q.StartDate != "" {
		v.Set("start_date", q.StartDate)
	}
	if q.EndDate != "" {
		v.Set("end_date", q.EndDate)
	}
	v.Set("format", format)
	return v
}

// DownloadReport writes the xlsx or pdf report to w.
func (c *Client) DownloadReport(ctx context.Context, q ReportQuery, format string, w io.Writer) (string, error) {
	path := "/api/attendances/generate_excel/"
	if format == "pdf" {
		path = "/api/attendances/generate_pdf/"
	}
	return c.download(ctx, path, q.values(format), w)
}

// ===== Directory CRUD =====

// Resource names the REST collections the admin screens manage.
type Resource string

const (
	Lecturers Resource = "lecturers"
	Students  Resource = "students"
	Courses   Resource = "courses"
)

func (r Resource) collection() string { return "/api/" + string(r) + "/" }

func (r Resource) item(id int) string { return "/api/" + string(r) + "/" + strconv.Itoa(id) + "/" }

// List decodes the collection into out (a pointer to a slice of the matching model).
func (c *Client) List(ctx context.Context, r Resource, out any) error {
	return c.do(ctx, http.MethodGet, r.collection(), nil, nil, out)
}

func (c *Client) Get(ctx context.Context, r Resource, id int, out any) error {
	return c.do(ctx, http.MethodGet, r.item(id), nil, nil, out)
}

func (c *Client) Create(ctx context.Context, r Resource, body, out any) error {
	return c.do(ctx, http.MethodPost, r.collection(), nil, body, out)
}

func (c *Client) Update(ctx context.Context, r Resource, id int, body, out any) error {
	return c.do(ctx, http.MethodPatch, r.item(id), nil, body, out)
}

func (c *Client) Delete(ctx context.Context, r Resource, id int) error {
	return c.do(ctx, http.MethodDelete, r.item(id), nil, nil, nil)
}
