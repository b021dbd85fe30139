package models

import "time"

// AttendanceToken is an issued check-in token. The client never looks inside Token.
type AttendanceToken struct {
	Token     string    `json:"token"`
	CourseID  int       `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Attendee is one entry of the live feed, most recent first.
type Attendee struct {
	Name string `json:"name"`
}

// LiveSnapshot is what one live_attendance poll returns.
type LiveSnapshot struct {
	PresentCount    int        `json:"present_count"`
	TotalEnrolled   int        `json:"total_enrolled"`
	RecentAttendees []Attendee `json:"recent_attendees"`
}

type Course struct {
	ID         int       `json:"id"`
	Name       string    `json:"name"`
	CourseCode string    `json:"course_code"`
	Lecturer   *Lecturer `json:"lecturer,omitempty"`
	Students   []Student `json:"students,omitempty"`
}

// HistoryGroup is one course in the student/lecturer attendance history.
type HistoryGroup struct {
	CourseCode  string         `json:"course_code"`
	Attendances []HistoryEntry `json:"attendances"`
}

type HistoryEntry struct {
	Date string `json:"date"`
}

type Feedback struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Comment string `json:"comment" validate:"max=2000"`
}

// Analytics is the admin analytics payload; its shape belongs to the backend.
type Analytics map[string]any

// IssueTokenRequest is the generate_attendance_token body.
type IssueTokenRequest struct {
	Token     string  `json:"token" validate:"required,alphanum,max=12"`
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
}

type TakeAttendanceRequest struct {
	Token string `json:"token" validate:"required"`
}

type EndAttendanceRequest struct {
	CourseID int `json:"course_id" validate:"required,gt=0"`
}

type MessageResponse struct {
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

// ErrorResponse is the backend's error body.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}
