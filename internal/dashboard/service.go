// Package dashboard aggregates a student's courses, assignments,
// announcements, and files into a single payload. Fetches fan out per course
// with bounded concurrency; a category that fails outright is retried over a
// reduced course list and, failing that, yields empty results rather than
// failing the aggregation.
package dashboard

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/lectern/internal/batch"
	"github.com/kalambet/lectern/internal/canvas"
)

// farFuture is the sort sentinel for assignments with no due date; they sink
// to the end of the ascending due-date ordering.
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Fetcher is the slice of the canvas client the aggregation needs.
type Fetcher interface {
	Courses(ctx context.Context) ([]canvas.Course, error)
	Assignments(ctx context.Context, courseID int64) ([]canvas.Assignment, error)
	Announcements(ctx context.Context, courseID int64) ([]canvas.Announcement, error)
	Files(ctx context.Context, courseID int64) ([]canvas.File, error)
}

// Options tunes an aggregation run.
type Options struct {
	MaxCourses      int           // cap on courses processed (default 15)
	BatchSize       int           // courses per batch (default 3)
	InterBatchDelay time.Duration // pacing between batches (default 150ms)
	MaxPerCategory  int           // rows kept per category after sorting (default 20)
	FallbackCourses int           // degraded retry course cap (default 5)
}

func (o *Options) applyDefaults() {
	if o.MaxCourses <= 0 {
		o.MaxCourses = 15
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 3
	}
	if o.InterBatchDelay <= 0 {
		o.InterBatchDelay = 150 * time.Millisecond
	}
	if o.MaxPerCategory <= 0 {
		o.MaxPerCategory = 20
	}
	if o.FallbackCourses <= 0 {
		o.FallbackCourses = 5
	}
}

// Service builds dashboards for one authenticated client.
type Service struct {
	client Fetcher
	orch   *batch.Orchestrator
	opts   Options
}

// New creates a Service. orch carries the concurrency limit and metrics for
// all category fetches.
func New(client Fetcher, orch *batch.Orchestrator, opts Options) *Service {
	opts.applyDefaults()
	return &Service{client: client, orch: orch, opts: opts}
}

// Build fetches the course list, fans out the three category fetches in
// parallel, and assembles the sorted, truncated payload. Only a failure to
// list courses is an error; category failures degrade to empty slices.
func (s *Service) Build(ctx context.Context) (*Dashboard, error) {
	start := time.Now()

	courses, err := s.client.Courses(ctx)
	if err != nil {
		return nil, err
	}
	if len(courses) > s.opts.MaxCourses {
		courses = courses[:s.opts.MaxCourses]
	}

	var (
		assignments   []AssignmentRow
		announcements []AnnouncementRow
		files         []FileRow
	)

	// The three categories are independent; run them concurrently. Workers
	// never return errors upward, so the group always succeeds.
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		assignments = runCategory(gCtx, s, "assignments", courses, s.fetchAssignments)
		return nil
	})
	g.Go(func() error {
		announcements = runCategory(gCtx, s, "announcements", courses, s.fetchAnnouncements)
		return nil
	})
	g.Go(func() error {
		files = runCategory(gCtx, s, "files", courses, s.fetchFiles)
		return nil
	})
	g.Wait()

	sort.SliceStable(assignments, func(i, j int) bool {
		return dueOrSentinel(assignments[i].DueAt).Before(dueOrSentinel(assignments[j].DueAt))
	})
	sort.SliceStable(announcements, func(i, j int) bool {
		return timeOrZero(announcements[i].PostedAt).After(timeOrZero(announcements[j].PostedAt))
	})
	sort.SliceStable(files, func(i, j int) bool {
		return timeOrZero(files[i].UpdatedAt).After(timeOrZero(files[j].UpdatedAt))
	})

	assignments = truncate(assignments, s.opts.MaxPerCategory)
	announcements = truncate(announcements, s.opts.MaxPerCategory)
	files = truncate(files, s.opts.MaxPerCategory)

	return &Dashboard{
		Courses:       courses,
		Assignments:   assignments,
		Announcements: announcements,
		Files:         files,
		Summary: Summary{
			ElapsedMs:        time.Since(start).Milliseconds(),
			CoursesProcessed: len(courses),
			Assignments:      len(assignments),
			Announcements:    len(announcements),
			Files:            len(files),
		},
	}, nil
}

// runCategory runs one category fetch over all courses through the batch
// orchestrator. Per-course failures are absorbed by the gate; when the whole
// category comes back empty-handed (every course rejected), it is retried
// once over a reduced course list before giving up with empty output.
func runCategory[T any](ctx context.Context, s *Service, name string, courses []canvas.Course, worker batch.Worker[canvas.Course, []T]) []T {
	if len(courses) == 0 {
		return []T{}
	}

	out := batch.RunBatches(ctx, s.orch, courses, worker, s.opts.BatchSize, s.opts.InterBatchDelay)
	if allRejected(out) {
		sub := courses[:min(len(courses), s.opts.FallbackCourses)]
		slog.Warn("category fetch failed for every course, retrying degraded",
			"category", name, "courses", len(courses), "fallback_courses", len(sub))
		out = batch.RunBatches(ctx, s.orch, sub, worker, s.opts.BatchSize, s.opts.InterBatchDelay)
	}

	rows := batch.Flatten(out)
	if rows == nil {
		rows = []T{}
	}
	return rows
}

func (s *Service) fetchAssignments(ctx context.Context, course canvas.Course) ([]AssignmentRow, error) {
	items, err := s.client.Assignments(ctx, course.ID)
	if err != nil {
		return nil, err
	}
	rows := make([]AssignmentRow, 0, len(items))
	for _, a := range items {
		rows = append(rows, AssignmentRow{
			CourseID:       course.ID,
			CourseName:     course.Name,
			ID:             a.ID,
			Name:           a.Name,
			DueAt:          a.DueAt,
			PointsPossible: a.PointsPossible,
			HTMLURL:        a.HTMLURL,
		})
	}
	return rows, nil
}

func (s *Service) fetchAnnouncements(ctx context.Context, course canvas.Course) ([]AnnouncementRow, error) {
	items, err := s.client.Announcements(ctx, course.ID)
	if err != nil {
		return nil, err
	}
	rows := make([]AnnouncementRow, 0, len(items))
	for _, a := range items {
		rows = append(rows, AnnouncementRow{
			CourseID:   course.ID,
			CourseName: course.Name,
			ID:         a.ID,
			Title:      a.Title,
			Message:    canvas.StripHTML(a.Message),
			PostedAt:   a.PostedAt,
			HTMLURL:    a.HTMLURL,
		})
	}
	return rows, nil
}

func (s *Service) fetchFiles(ctx context.Context, course canvas.Course) ([]FileRow, error) {
	items, err := s.client.Files(ctx, course.ID)
	if err != nil {
		return nil, err
	}
	rows := make([]FileRow, 0, len(items))
	for _, f := range items {
		rows = append(rows, FileRow{
			CourseID:    course.ID,
			CourseName:  course.Name,
			ID:          f.ID,
			DisplayName: f.DisplayName,
			ContentType: f.ContentType,
			Size:        f.Size,
			UpdatedAt:   f.UpdatedAt,
			URL:         f.URL,
		})
	}
	return rows, nil
}

func allRejected[T any](out []batch.Outcome[T]) bool {
	for _, o := range out {
		if o.Fulfilled() {
			return false
		}
	}
	return len(out) > 0
}

func dueOrSentinel(t *time.Time) time.Time {
	if t == nil {
		return farFuture
	}
	return *t
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func truncate[T any](rows []T, n int) []T {
	if len(rows) > n {
		return rows[:n]
	}
	return rows
}
