package canvas

import "time"

// User is the authenticated identity returned by /users/self.
type User struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"short_name,omitempty"`
	Email     string `json:"primary_email,omitempty"`
}

// Course is one enrolled course. Fields absent from the upstream payload stay
// at their zero value; optional timestamps are pointers.
type Course struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	CourseCode string     `json:"course_code"`
	Term       string     `json:"term,omitempty"`
	StartAt    *time.Time `json:"start_at,omitempty"`
	EndAt      *time.Time `json:"end_at,omitempty"`
}

// Assignment is one course assignment.
type Assignment struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	DueAt          *time.Time `json:"due_at,omitempty"`
	PointsPossible float64    `json:"points_possible,omitempty"`
	HTMLURL        string     `json:"html_url,omitempty"`
	SubmissionType []string   `json:"submission_types,omitempty"`
}

// Announcement is one discussion-topic announcement.
type Announcement struct {
	ID       int64      `json:"id"`
	Title    string     `json:"title"`
	Message  string     `json:"message,omitempty"`
	PostedAt *time.Time `json:"posted_at,omitempty"`
	HTMLURL  string     `json:"html_url,omitempty"`
	Author   string     `json:"user_name,omitempty"`
}

// File is one course file entry.
type File struct {
	ID          int64      `json:"id"`
	DisplayName string     `json:"display_name"`
	ContentType string     `json:"content-type,omitempty"`
	Size        int64      `json:"size,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	URL         string     `json:"url,omitempty"`
}

// TokenStatus is the tri-state result of a credential check. OK and Err are
// mutually exclusive; a transport failure is returned as a real error from
// VerifyToken instead.
type TokenStatus struct {
	OK   bool   `json:"ok"`
	User *User  `json:"user,omitempty"`
	Err  string `json:"error,omitempty"`
}
