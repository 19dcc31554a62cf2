package dashboard

import (
	"time"

	"github.com/kalambet/lectern/internal/canvas"
)

// AssignmentRow is one assignment annotated with its owning course.
type AssignmentRow struct {
	CourseID       int64      `json:"course_id"`
	CourseName     string     `json:"course_name"`
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	DueAt          *time.Time `json:"due_at,omitempty"`
	PointsPossible float64    `json:"points_possible,omitempty"`
	HTMLURL        string     `json:"html_url,omitempty"`
}

// AnnouncementRow is one announcement annotated with its owning course.
type AnnouncementRow struct {
	CourseID   int64      `json:"course_id"`
	CourseName string     `json:"course_name"`
	ID         int64      `json:"id"`
	Title      string     `json:"title"`
	Message    string     `json:"message,omitempty"`
	PostedAt   *time.Time `json:"posted_at,omitempty"`
	HTMLURL    string     `json:"html_url,omitempty"`
}

// FileRow is one course file annotated with its owning course.
type FileRow struct {
	CourseID    int64      `json:"course_id"`
	CourseName  string     `json:"course_name"`
	ID          int64      `json:"id"`
	DisplayName string     `json:"display_name"`
	ContentType string     `json:"content_type,omitempty"`
	Size        int64      `json:"size,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	URL         string     `json:"url,omitempty"`
}

// Summary reports how an aggregation run went.
type Summary struct {
	ElapsedMs        int64 `json:"elapsed_ms"`
	CoursesProcessed int   `json:"courses_processed"`
	Assignments      int   `json:"assignments"`
	Announcements    int   `json:"announcements"`
	Files            int   `json:"files"`
}

// Dashboard is the consolidated payload. Categories that could not produce
// data are empty slices, never null and never an error.
type Dashboard struct {
	Courses       []canvas.Course   `json:"courses"`
	Assignments   []AssignmentRow   `json:"assignments"`
	Announcements []AnnouncementRow `json:"announcements"`
	Files         []FileRow         `json:"files"`
	Summary       Summary           `json:"summary"`
}
