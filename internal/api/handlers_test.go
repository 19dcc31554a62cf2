package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/lectern/internal/canvas"
	"github.com/kalambet/lectern/internal/dashboard"
	"github.com/kalambet/lectern/internal/ingest"
	"github.com/kalambet/lectern/internal/pipeline"
	"github.com/kalambet/lectern/internal/session"
	"github.com/kalambet/lectern/internal/storage"
)

const testToken = "local-secret"

type fakeStore struct {
	recordings map[string]storage.Recording
	convs      map[string]storage.Conversation
	msgs       map[string][]storage.Message
	jobs       []storage.Job

	createRecordingErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		recordings: map[string]storage.Recording{},
		convs:      map[string]storage.Conversation{},
		msgs:       map[string][]storage.Message{},
	}
}

func (f *fakeStore) CreateRecording(rec storage.Recording) error {
	if f.createRecordingErr != nil {
		return f.createRecordingErr
	}
	if rec.Status == "" {
		rec.Status = storage.RecordingProcessing
	}
	f.recordings[rec.ID] = rec
	return nil
}

func (f *fakeStore) GetRecording(id string) (storage.Recording, error) {
	rec, ok := f.recordings[id]
	if !ok {
		return storage.Recording{}, storage.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) EnqueueJob(job storage.Job) error {
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeStore) GetConversation(id string) (storage.Conversation, error) {
	c, ok := f.convs[id]
	if !ok {
		return storage.Conversation{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) Messages(conversationID string) ([]storage.Message, error) {
	return f.msgs[conversationID], nil
}

type stubAsker struct {
	convID string
	chunks []string
	err    error

	gotUserID   string
	gotCourseID string
	gotQuestion string
}

func (a *stubAsker) Ask(ctx context.Context, userID, courseID, question string, sink pipeline.Sink) (string, error) {
	a.gotUserID = userID
	a.gotCourseID = courseID
	a.gotQuestion = question
	if a.err != nil {
		return "", a.err
	}
	sink.ConversationResolved(a.convID)
	for _, c := range a.chunks {
		if err := sink.Chunk(c); err != nil {
			return "", err
		}
	}
	return a.convID, nil
}

type stubBuilder struct {
	d   *dashboard.Dashboard
	err error
}

func (b *stubBuilder) Build(ctx context.Context) (*dashboard.Dashboard, error) {
	return b.d, b.err
}

type fakeLister struct {
	courses    []canvas.Course
	files      map[int64][]canvas.File
	coursesErr error
	filesErr   map[int64]error
}

func (l *fakeLister) Courses(ctx context.Context) ([]canvas.Course, error) {
	return l.courses, l.coursesErr
}

func (l *fakeLister) Files(ctx context.Context, courseID int64) ([]canvas.File, error) {
	if err := l.filesErr[courseID]; err != nil {
		return nil, err
	}
	return l.files[courseID], nil
}

// newLMS fakes the upstream token verification endpoint.
func newLMS(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer canvas-token" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"errors":[{"message":"Invalid access token."}]}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/users/self":
			fmt.Fprint(w, `{"id":42,"name":"Pat Student"}`)
		case "/api/v1/courses":
			fmt.Fprint(w, `[{"id":422,"name":"Machine Learning","course_code":"CMSC422"}]`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	deps    Deps
	store   *fakeStore
	asker   *stubAsker
	builder *stubBuilder
	lister  *fakeLister
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	lms := newLMS(t)
	f := &fixture{
		store:   newFakeStore(),
		asker:   &stubAsker{convID: "conv-1", chunks: []string{"Hello ", "world"}},
		builder: &stubBuilder{d: &dashboard.Dashboard{}},
		lister:  &fakeLister{},
	}
	f.deps = Deps{
		Store:     f.store,
		Sessions:  session.NewManager(),
		Asker:     f.asker,
		Dashboard: func(s *session.Session) DashboardBuilder { return f.builder },
		Lister:    func(s *session.Session) CourseLister { return f.lister },
		CanvasURL: lms.URL,
		BlobDir:   t.TempDir(),
		Token:     testToken,
	}
	f.handler = NewHandler(f.deps)
	return f
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/session", strings.NewReader(`{"token":"canvas-token"}`), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rr.Code, rr.Body.String())
	}
}

func (f *fixture) do(t *testing.T, method, path string, body *strings.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == nil {
		rd = strings.NewReader("")
	} else {
		rd = body
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+testToken)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]any
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["authenticated"] != false {
		t.Errorf("authenticated = %v, want false", body["authenticated"])
	}
}

func TestBearerAuthRequired(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if !strings.Contains(rr.Body.String(), "bearer token") {
		t.Errorf("body = %s, want bearer token error", rr.Body.String())
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/session", strings.NewReader(`{"token":"canvas-token"}`), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	json.NewDecoder(rr.Body).Decode(&body)
	if body["user_id"] != "42" {
		t.Errorf("user_id = %v, want 42", body["user_id"])
	}
	if body["name"] != "Pat Student" {
		t.Errorf("name = %v, want Pat Student", body["name"])
	}

	if _, ok := f.deps.Sessions.Current(); !ok {
		t.Error("no session after login")
	}
}

func TestLogin_RejectedToken(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/session", strings.NewReader(`{"token":"wrong"}`), nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if _, ok := f.deps.Sessions.Current(); ok {
		t.Error("session exists after rejected login")
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	rr := f.do(t, http.MethodDelete, "/session", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if _, ok := f.deps.Sessions.Current(); ok {
		t.Error("session survived logout")
	}
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.builder.d = &dashboard.Dashboard{
		Summary: dashboard.Summary{CoursesProcessed: 3},
	}

	rr := f.do(t, http.MethodGet, "/dashboard", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var d dashboard.Dashboard
	if err := json.NewDecoder(rr.Body).Decode(&d); err != nil {
		t.Fatalf("decoding dashboard: %v", err)
	}
	if d.Summary.CoursesProcessed != 3 {
		t.Errorf("courses processed = %d, want 3", d.Summary.CoursesProcessed)
	}
}

func TestDashboard_NoSession(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/dashboard", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestDashboard_UpstreamError(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.builder.err = errors.New("canvas down")

	rr := f.do(t, http.MethodGet, "/dashboard", nil, nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadGateway)
	}
}

func TestIndexCourses(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.lister.courses = []canvas.Course{
		{ID: 422, Name: "Machine Learning"},
		{ID: 430, Name: "Compilers"},
	}
	f.lister.files = map[int64][]canvas.File{
		422: {
			{ID: 1, DisplayName: "syllabus.pdf", ContentType: "application/pdf", URL: "https://lms/files/1"},
			{ID: 2, DisplayName: "locked.pdf", ContentType: "application/pdf", URL: ""},
		},
		430: {
			{ID: 3, DisplayName: "notes.txt", ContentType: "text/plain", URL: "https://lms/files/3"},
		},
	}

	rr := f.do(t, http.MethodPost, "/index", nil, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var body map[string]int
	json.NewDecoder(rr.Body).Decode(&body)
	if body["courses"] != 2 {
		t.Errorf("courses = %d, want 2", body["courses"])
	}
	if body["queued"] != 2 {
		t.Errorf("queued = %d, want 2 (file without a download URL must be skipped)", body["queued"])
	}

	if len(f.store.jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(f.store.jobs))
	}
	for _, job := range f.store.jobs {
		if job.Type != ingest.JobIndexCourseFile {
			t.Errorf("job type = %q, want %q", job.Type, ingest.JobIndexCourseFile)
		}
	}
	var payload ingest.FilePayload
	if err := json.Unmarshal([]byte(f.store.jobs[0].PayloadJSON), &payload); err != nil {
		t.Fatalf("parsing payload: %v", err)
	}
	if payload.UserID != "42" || payload.CourseID != "422" || payload.FileID != "1" {
		t.Errorf("payload = %+v", payload)
	}
	if payload.DisplayName != "syllabus.pdf" || payload.URL != "https://lms/files/1" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestIndexCourses_NoSession(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/index", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestIndexCourses_CoursesError(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.lister.coursesErr = errors.New("canvas down")

	rr := f.do(t, http.MethodPost, "/index", nil, nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadGateway)
	}
}

func TestIndexCourses_SkipsCourseWithFailingFiles(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.lister.courses = []canvas.Course{
		{ID: 422, Name: "Machine Learning"},
		{ID: 430, Name: "Compilers"},
	}
	f.lister.files = map[int64][]canvas.File{
		430: {{ID: 3, DisplayName: "notes.txt", URL: "https://lms/files/3"}},
	}
	f.lister.filesErr = map[int64]error{
		422: errors.New("files tab disabled"),
	}

	rr := f.do(t, http.MethodPost, "/index", nil, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var body map[string]int
	json.NewDecoder(rr.Body).Decode(&body)
	if body["queued"] != 1 {
		t.Errorf("queued = %d, want 1 (other courses still index)", body["queued"])
	}
}

func TestAsk_StreamsSSE(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	rr := f.do(t, http.MethodPost, "/ask", strings.NewReader(`{"question":"when is HW3 due?","course_id":"422"}`), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("X-Conversation-Id"); got != "conv-1" {
		t.Errorf("X-Conversation-Id = %q, want conv-1", got)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `data: {"delta":"Hello "}`) {
		t.Errorf("body missing first delta: %s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("body missing DONE marker: %s", body)
	}

	if f.asker.gotUserID != "42" || f.asker.gotCourseID != "422" {
		t.Errorf("asker got user %q course %q", f.asker.gotUserID, f.asker.gotCourseID)
	}
}

func TestAsk_EmptyAnswerStillStreams(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.asker.chunks = nil

	rr := f.do(t, http.MethodPost, "/ask", strings.NewReader(`{"question":"hello"}`), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "data: [DONE]") {
		t.Errorf("body missing DONE marker: %s", rr.Body.String())
	}
}

func TestAsk_ErrorBeforeStream(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.asker.err = errors.New("upstream model unavailable")

	rr := f.do(t, http.MethodPost, "/ask", strings.NewReader(`{"question":"hello"}`), nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadGateway)
	}
	if !strings.Contains(rr.Body.String(), "upstream model unavailable") {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestAsk_MissingQuestion(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	rr := f.do(t, http.MethodPost, "/ask", strings.NewReader(`{}`), nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestAsk_NoSession(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/ask", strings.NewReader(`{"question":"hello"}`), nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func multipartUpload(t *testing.T, fields map[string]string, filename string, audio []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	fw, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}
	fw.Write(audio)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUploadRecording(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	buf, contentType := multipartUpload(t, map[string]string{
		"title":       "Lecture 12",
		"course_id":   "422",
		"course_name": "Machine Learning",
	}, "lecture12.mp3", []byte("fake audio bytes"))

	req := httptest.NewRequest(http.MethodPost, "/recordings", buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != storage.RecordingProcessing {
		t.Errorf("status = %q, want %q", body["status"], storage.RecordingProcessing)
	}

	rec, ok := f.store.recordings[body["id"]]
	if !ok {
		t.Fatalf("recording %q not stored", body["id"])
	}
	if rec.Title != "Lecture 12" || rec.CourseID != "422" || rec.UserID != "42" {
		t.Errorf("recording = %+v", rec)
	}
	if filepath.Ext(rec.BlobPath) != ".mp3" {
		t.Errorf("blob path %q does not keep the audio extension", rec.BlobPath)
	}
	data, err := os.ReadFile(rec.BlobPath)
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	if string(data) != "fake audio bytes" {
		t.Errorf("blob content = %q", data)
	}

	if len(f.store.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(f.store.jobs))
	}
	job := f.store.jobs[0]
	if job.Type != ingest.JobProcessRecording {
		t.Errorf("job type = %q", job.Type)
	}
	if !strings.Contains(job.PayloadJSON, body["id"]) || !strings.Contains(job.PayloadJSON, "Machine Learning") {
		t.Errorf("job payload = %s", job.PayloadJSON)
	}
}

func TestUploadRecording_MissingFile(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("title", "x")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/recordings", &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestGetRecording(t *testing.T) {
	f := newFixture(t)
	f.store.recordings["rec-1"] = storage.Recording{
		ID:     "rec-1",
		Title:  "Lecture 12",
		Status: storage.RecordingCompleted,
	}

	rr := f.do(t, http.MethodGet, "/recordings/rec-1", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body recordingResponse
	json.NewDecoder(rr.Body).Decode(&body)
	if body.ID != "rec-1" || body.Status != storage.RecordingCompleted {
		t.Errorf("body = %+v", body)
	}
}

func TestGetRecording_NotFound(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/recordings/nope", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestGetConversation(t *testing.T) {
	f := newFixture(t)
	f.store.convs["conv-1"] = storage.Conversation{ID: "conv-1", Title: "HW3 deadline"}
	f.store.msgs["conv-1"] = []storage.Message{
		{ID: "m1", Role: "user", Content: "when is HW3 due?"},
		{ID: "m2", Role: "assistant", Content: "Friday."},
	}

	rr := f.do(t, http.MethodGet, "/conversations/conv-1", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body conversationResponse
	json.NewDecoder(rr.Body).Decode(&body)
	if body.Title != "HW3 deadline" {
		t.Errorf("title = %q", body.Title)
	}
	if len(body.Messages) != 2 || body.Messages[1].Role != "assistant" {
		t.Errorf("messages = %+v", body.Messages)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/conversations/nope", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}
