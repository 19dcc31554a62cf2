package ingest

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/kalambet/lectern/internal/storage"
)

// Job types handled by the worker.
const (
	JobProcessRecording    = "process_recording"
	JobReindexConversation = "reindex_conversation"
	JobIndexCourseFile     = "index_course_file"
)

// JobTypes lists every type the worker claims.
var JobTypes = []string{JobProcessRecording, JobReindexConversation, JobIndexCourseFile}

// RecordingPayload is the payload for JobProcessRecording. CourseName, when
// known, enriches the summary prompt.
type RecordingPayload struct {
	RecordingID string `json:"recording_id"`
	CourseName  string `json:"course_name,omitempty"`
}

// ReindexPayload is the payload for JobReindexConversation.
type ReindexPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	CourseID       string `json:"course_id"`
}

// FilePayload is the payload for JobIndexCourseFile.
type FilePayload struct {
	UserID      string `json:"user_id"`
	CourseID    string `json:"course_id"`
	CourseName  string `json:"course_name,omitempty"`
	FileID      string `json:"file_id"`
	DisplayName string `json:"display_name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
}

// NewRecordingJob builds a process_recording job for the queue.
func NewRecordingJob(p RecordingPayload) storage.Job {
	return newJob(JobProcessRecording, p)
}

// NewReindexJob builds a reindex_conversation job for the queue.
func NewReindexJob(p ReindexPayload) storage.Job {
	return newJob(JobReindexConversation, p)
}

// NewFileJob builds an index_course_file job for the queue.
func NewFileJob(p FilePayload) storage.Job {
	return newJob(JobIndexCourseFile, p)
}

func newJob(jobType string, payload any) storage.Job {
	raw, _ := json.Marshal(payload)
	return storage.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		PayloadJSON: string(raw),
	}
}
