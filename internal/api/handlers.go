package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/lectern/internal/canvas"
	"github.com/kalambet/lectern/internal/dashboard"
	"github.com/kalambet/lectern/internal/ingest"
	"github.com/kalambet/lectern/internal/pipeline"
	"github.com/kalambet/lectern/internal/session"
	"github.com/kalambet/lectern/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxUploadSize = 200 << 20    // 200MB audio blob

// Store is the slice of the storage layer the HTTP handlers touch.
type Store interface {
	CreateRecording(rec storage.Recording) error
	GetRecording(id string) (storage.Recording, error)
	EnqueueJob(job storage.Job) error
	GetConversation(id string) (storage.Conversation, error)
	Messages(conversationID string) ([]storage.Message, error)
}

// Asker answers a question, streaming deltas into the sink.
type Asker interface {
	Ask(ctx context.Context, userID, courseID, question string, sink pipeline.Sink) (string, error)
}

// DashboardBuilder assembles a dashboard snapshot for the active session.
type DashboardBuilder interface {
	Build(ctx context.Context) (*dashboard.Dashboard, error)
}

// CourseLister enumerates the session's courses and their files for indexing.
type CourseLister interface {
	Courses(ctx context.Context) ([]canvas.Course, error)
	Files(ctx context.Context, courseID int64) ([]canvas.File, error)
}

type Deps struct {
	Store     Store
	Sessions  *session.Manager
	Asker     Asker
	Dashboard func(s *session.Session) DashboardBuilder
	Lister    func(s *session.Session) CourseLister
	CanvasURL string
	BlobDir   string
	Token     string // bearer token guarding the local API
}

// NewHandler returns the lectern REST handler. Everything except /health
// requires the local bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(pr chi.Router) {
		pr.Use(BearerAuth(deps.Token))

		pr.Post("/session", handleLogin(deps))
		pr.Delete("/session", handleLogout(deps))
		pr.Get("/dashboard", handleDashboard(deps))
		pr.Post("/index", handleIndexCourses(deps))
		pr.Post("/ask", handleAsk(deps))
		pr.Post("/recordings", handleUploadRecording(deps))
		pr.Get("/recordings/{id}", handleGetRecording(deps))
		pr.Get("/conversations/{id}", handleGetConversation(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, loggedIn := deps.Sessions.Current()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":        "ok",
			"authenticated": loggedIn,
		})
	}
}

type loginRequest struct {
	Token   string `json:"token"`
	BaseURL string `json:"base_url,omitempty"`
}

func handleLogin(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Token == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "token is required")
			return
		}
		baseURL := req.BaseURL
		if baseURL == "" {
			baseURL = deps.CanvasURL
		}
		if baseURL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no canvas base url configured")
			return
		}

		s, err := deps.Sessions.Create(r.Context(), baseURL, req.Token)
		if err != nil {
			httpError(w, http.StatusUnauthorized, "authentication_error", "login failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"user_id": s.UserID,
			"name":    s.User.Name,
		})
	}
}

func handleLogout(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Sessions.Destroy()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "logged_out"})
	}
}

func handleDashboard(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := deps.Sessions.Current()
		if !ok {
			httpError(w, http.StatusUnauthorized, "authentication_error", "no active session")
			return
		}

		d, err := deps.Dashboard(s).Build(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "building dashboard: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(d)
	}
}

// handleIndexCourses walks the session's course files and enqueues an
// indexing job per file. Re-indexing a file replaces its vectors, so
// repeated triggers are safe.
func handleIndexCourses(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := deps.Sessions.Current()
		if !ok {
			httpError(w, http.StatusUnauthorized, "authentication_error", "no active session")
			return
		}

		lister := deps.Lister(s)
		courses, err := lister.Courses(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "listing courses: %v", err)
			return
		}

		queued := 0
		for _, course := range courses {
			files, err := lister.Files(r.Context(), course.ID)
			if err != nil {
				// Some courses disable the files tab; skip them and keep going.
				slog.Warn("listing course files failed", "course_id", course.ID, "error", err)
				continue
			}
			for _, f := range files {
				if f.URL == "" {
					continue
				}
				job := ingest.NewFileJob(ingest.FilePayload{
					UserID:      s.UserID,
					CourseID:    strconv.FormatInt(course.ID, 10),
					CourseName:  course.Name,
					FileID:      strconv.FormatInt(f.ID, 10),
					DisplayName: f.DisplayName,
					URL:         f.URL,
					ContentType: f.ContentType,
				})
				if err := deps.Store.EnqueueJob(job); err != nil {
					httpError(w, http.StatusInternalServerError, "api_error", "queueing index job: %v", err)
					return
				}
				queued++
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"courses": len(courses),
			"queued":  queued,
		})
	}
}

type askRequest struct {
	Question string `json:"question"`
	CourseID string `json:"course_id,omitempty"`
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := deps.Sessions.Current()
		if !ok {
			httpError(w, http.StatusUnauthorized, "authentication_error", "no active session")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		sink := &sseSink{w: w, flusher: flusher}
		if _, err := deps.Asker.Ask(r.Context(), s.UserID, req.CourseID, req.Question, sink); err != nil {
			if !sink.started {
				httpError(w, http.StatusBadGateway, "api_error", "answering: %v", err)
				return
			}
			sink.writeError("answer stream interrupted")
			return
		}
		if !sink.started {
			// Empty answer still needs the SSE preamble so the client
			// sees the conversation header and a clean close.
			sink.start()
		}
		sink.done()
	}
}

// sseSink streams answer deltas as server-sent events. The conversation id
// header must be set before the first body byte, so the preamble is deferred
// until the first chunk.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseSink) ConversationResolved(id string) {
	s.w.Header().Set("X-Conversation-Id", id)
}

func (s *sseSink) start() {
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

func (s *sseSink) Chunk(delta string) error {
	if !s.started {
		s.start()
	}
	payload, err := json.Marshal(map[string]string{"delta": delta})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) writeError(msg string) {
	payload, err := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "server_error",
		},
	})
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", payload)
	s.flusher.Flush()
}

func (s *sseSink) done() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

func handleUploadRecording(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := deps.Sessions.Current()
		if !ok {
			httpError(w, http.StatusUnauthorized, "authentication_error", "no active session")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		defer r.Body.Close()

		file, header, err := r.FormFile("audio")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "audio file is required: %v", err)
			return
		}
		defer file.Close()

		title := r.FormValue("title")
		if title == "" {
			title = header.Filename
		}
		courseID := r.FormValue("course_id")
		courseName := r.FormValue("course_name")

		id := uuid.New().String()
		blobPath, err := saveBlob(deps.BlobDir, id+filepath.Ext(header.Filename), file)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving upload: %v", err)
			return
		}

		rec := storage.Recording{
			ID:        id,
			UserID:    s.UserID,
			CourseID:  courseID,
			Title:     title,
			BlobPath:  blobPath,
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Store.CreateRecording(rec); err != nil {
			os.Remove(blobPath)
			httpError(w, http.StatusInternalServerError, "api_error", "saving recording: %v", err)
			return
		}

		job := ingest.NewRecordingJob(ingest.RecordingPayload{
			RecordingID: id,
			CourseName:  courseName,
		})
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "queueing transcription: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"id":     id,
			"status": storage.RecordingProcessing,
		})
	}
}

func saveBlob(dir, name string, src io.Reader) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating blob dir: %w", err)
	}
	path := filepath.Join(dir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

type recordingResponse struct {
	ID         string `json:"id"`
	CourseID   string `json:"course_id,omitempty"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	Transcript string `json:"transcript,omitempty"`
	Summary    string `json:"summary,omitempty"`
	Error      string `json:"error,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

func handleGetRecording(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, err := deps.Store.GetRecording(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "recording not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading recording: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(recordingResponse{
			ID:         rec.ID,
			CourseID:   rec.CourseID,
			Title:      rec.Title,
			Status:     rec.Status,
			Transcript: rec.Transcript,
			Summary:    rec.Summary,
			Error:      rec.Error,
			CreatedAt:  rec.CreatedAt.Format(time.RFC3339),
			UpdatedAt:  rec.UpdatedAt.Format(time.RFC3339),
		})
	}
}

type messageResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

type conversationResponse struct {
	ID        string            `json:"id"`
	CourseID  string            `json:"course_id,omitempty"`
	Title     string            `json:"title"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
	Messages  []messageResponse `json:"messages"`
}

func handleGetConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		conv, err := deps.Store.GetConversation(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading conversation: %v", err)
			return
		}

		msgs, err := deps.Store.Messages(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading messages: %v", err)
			return
		}

		resp := conversationResponse{
			ID:        conv.ID,
			CourseID:  conv.CourseID,
			Title:     conv.Title,
			CreatedAt: conv.CreatedAt.Format(time.RFC3339),
			UpdatedAt: conv.UpdatedAt.Format(time.RFC3339),
			Messages:  make([]messageResponse, 0, len(msgs)),
		}
		for _, m := range msgs {
			resp.Messages = append(resp.Messages, messageResponse{
				ID:        m.ID,
				Role:      m.Role,
				Content:   m.Content,
				CreatedAt: m.CreatedAt.Format(time.RFC3339),
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
