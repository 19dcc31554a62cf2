package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

type Conversation struct {
	ID        string
	UserID    string
	CourseID  string // empty for cross-course conversations
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	ID             string
	ConversationID string
	Role           string // "user" or "assistant"
	Content        string
	Metadata       string // JSON object stored as text
	CreatedAt      time.Time
}

// Recording statuses. Processing is transient; completed and failed are terminal.
const (
	RecordingProcessing = "processing"
	RecordingCompleted  = "completed"
	RecordingFailed     = "failed"
)

type Recording struct {
	ID         string
	UserID     string
	CourseID   string
	Title      string
	Status     string
	Transcript string
	Summary    string
	BlobPath   string // temporary audio blob, cleared once processed
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
