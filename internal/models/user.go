package models

import (
	"strconv"
	"strings"
)

// Roles reported by /api/me/.
const (
	RoleStudent  = "student"
	RoleLecturer = "lecturer"
	RoleAdmin    = "admin"
	RoleUser     = "user"
)

// Me is the authenticated account.
type Me struct {
	ID         int    `json:"id"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	Role       string `json:"role"`
	StudentID  *int   `json:"student_id"`
	LecturerID *int   `json:"lecturer_id"`
}

type User struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type Lecturer struct {
	ID             int    `json:"id"`
	User           *User  `json:"user,omitempty"`
	StaffID        string `json:"staff_id"`
	Name           string `json:"name"`
	ProfilePicture string `json:"profile_picture,omitempty"`
	Courses        []int  `json:"courses,omitempty"`
	Department     string `json:"department,omitempty"`
	PhoneNumber    string `json:"phone_number,omitempty"`
	Latitude       Coord  `json:"latitude,omitempty"`
	Longitude      Coord  `json:"longitude,omitempty"`
}

type Student struct {
	ID               int    `json:"id"`
	User             *User  `json:"user,omitempty"`
	StudentID        string `json:"student_id"`
	Name             string `json:"name"`
	Courses          []int  `json:"courses,omitempty"`
	ProfilePicture   string `json:"profile_picture,omitempty"`
	ProgrammeOfStudy string `json:"programme_of_study,omitempty"`
	Year             int    `json:"year,omitempty"`
	PhoneNumber      string `json:"phone_number,omitempty"`
}

// LoginResponse covers the three login endpoints; only Token is always present.
type LoginResponse struct {
	Token     string `json:"token"`
	UserID    int    `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	StudentID string `json:"student_id,omitempty"`
	StaffID   string `json:"staff_id,omitempty"`
}

// Coord is a coordinate the backend may send as a JSON number or a decimal string.
type Coord float64

func (c *Coord) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*c = Coord(f)
	return nil
}
