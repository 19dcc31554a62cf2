// Package session holds the authenticated LMS session: the verified user, the
// API client bound to their token, and per-session request metrics. Sessions
// are created on token verification and destroyed on logout; nothing here is
// ambient or global.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/lectern/internal/batch"
	"github.com/kalambet/lectern/internal/canvas"
	"github.com/kalambet/lectern/internal/intent"
)

// Session is a verified LMS session.
type Session struct {
	UserID    string
	User      canvas.User
	Client    *canvas.Client
	Metrics   *batch.Metrics
	Courses   []canvas.Course
	CreatedAt time.Time
}

// CourseRefs converts the cached enrollment list into the identity triples
// the query analyzer matches course mentions against.
func (s *Session) CourseRefs() []intent.CourseRef {
	if len(s.Courses) == 0 {
		return nil
	}
	refs := make([]intent.CourseRef, len(s.Courses))
	for i, c := range s.Courses {
		refs[i] = intent.CourseRef{ID: c.ID, Name: c.Name, Code: c.CourseCode}
	}
	return refs
}

// Manager guards the single active session. lectern is a single-user local
// service, so one slot is enough; Create replaces any previous session.
type Manager struct {
	mu      sync.RWMutex
	current *Session
}

func NewManager() *Manager {
	return &Manager{}
}

// Create verifies the token against the LMS and installs a fresh session.
// An invalid token returns an error without touching the current session;
// a transport failure is returned as-is.
func (m *Manager) Create(ctx context.Context, baseURL, token string) (*Session, error) {
	client := canvas.NewClient(baseURL, token)
	status, err := client.VerifyToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}
	if !status.OK {
		return nil, fmt.Errorf("token rejected: %s", status.Err)
	}

	s := &Session{
		UserID:    fmt.Sprintf("%d", status.User.ID),
		User:      *status.User,
		Client:    client,
		Metrics:   batch.NewMetrics(),
		CreatedAt: time.Now().UTC(),
	}

	// Cache enrollments for course matching in query analysis. Best-effort:
	// a session without the list still answers, just without course scoping.
	if courses, err := client.Courses(ctx); err != nil {
		slog.Warn("fetching course list at login failed", "error", err)
	} else {
		s.Courses = courses
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	return s, nil
}

// Current returns the active session, or false when logged out.
func (m *Manager) Current() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.current != nil
}

// Destroy drops the active session. Safe to call when none exists.
func (m *Manager) Destroy() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}
