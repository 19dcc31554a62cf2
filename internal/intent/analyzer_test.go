package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/lectern/internal/llm"
)

// mockChatter implements Chatter for testing.
type mockChatter struct {
	response string
	err      error
}

func (m *mockChatter) Chat(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (string, error) {
	return m.response, m.err
}

func (m *mockChatter) FastModel() string { return "fast-model" }

var knownCourses = []CourseRef{
	{ID: 1, Name: "Machine Learning", Code: "CMSC422"},
	{ID: 2, Name: "Operating Systems", Code: "CMSC412"},
}

func TestAnalyze_UsesLLMResult(t *testing.T) {
	mock := &mockChatter{
		response: `{"category":"assignments","course_filter":"CMSC422","time_filter":"this_week","keywords":["assignments","due"],"intent":"list"}`,
	}
	a := NewAnalyzer(mock)

	got := a.Analyze(context.Background(), "What assignments are due this week in CMSC422?", knownCourses)
	if got.Category != CategoryAssignments {
		t.Errorf("Category = %q", got.Category)
	}
	if got.CourseFilter != "CMSC422" {
		t.Errorf("CourseFilter = %q", got.CourseFilter)
	}
	if got.TimeFilter != TimeThisWeek {
		t.Errorf("TimeFilter = %q", got.TimeFilter)
	}
}

func TestAnalyze_ToleratesSurroundingProse(t *testing.T) {
	mock := &mockChatter{
		response: "Sure! Here is the classification:\n" +
			`{"category":"files","keywords":["syllabus"],"intent":"find","specific_targets":["syllabus"]}` +
			"\nLet me know if you need anything else.",
	}
	got := NewAnalyzer(mock).Analyze(context.Background(), "find the syllabus", knownCourses)
	if got.Category != CategoryFiles {
		t.Errorf("Category = %q, want files", got.Category)
	}
}

func TestAnalyze_FallsBackOnError(t *testing.T) {
	mock := &mockChatter{err: errors.New("provider down")}
	got := NewAnalyzer(mock).Analyze(context.Background(), "what homework is due this week in CMSC422?", knownCourses)
	// Rule-based path must still classify correctly.
	if got.Category != CategoryAssignments {
		t.Errorf("Category = %q, want assignments", got.Category)
	}
	if got.CourseFilter != "CMSC422" {
		t.Errorf("CourseFilter = %q, want CMSC422", got.CourseFilter)
	}
}

func TestAnalyze_FallsBackOnMalformedJSON(t *testing.T) {
	mock := &mockChatter{response: `not valid json {{{`}
	got := NewAnalyzer(mock).Analyze(context.Background(), "any announcements today?", knownCourses)
	if got.Category != CategoryAnnouncements {
		t.Errorf("Category = %q, want announcements", got.Category)
	}
	if got.TimeFilter != TimeToday {
		t.Errorf("TimeFilter = %q, want today", got.TimeFilter)
	}
}

func TestAnalyze_FallsBackOnUnknownCategory(t *testing.T) {
	mock := &mockChatter{response: `{"category":"gibberish","intent":"list"}`}
	got := NewAnalyzer(mock).Analyze(context.Background(), "show my files", knownCourses)
	if got.Category != CategoryFiles {
		t.Errorf("Category = %q, want files from fallback", got.Category)
	}
}

func TestAnalyze_NilClientUsesRules(t *testing.T) {
	got := NewAnalyzer(nil).Analyze(context.Background(), "summarize recent announcements", nil)
	if got.Category != CategoryAnnouncements || got.Intent != IntentSummarize {
		t.Errorf("got %+v", got)
	}
}

func TestFirstJSONObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"prose around", `sure: {"a":{"b":2}} done`, `{"a":{"b":2}}`},
		{"brace in string", `{"a":"}"}`, `{"a":"}"}`},
		{"unbalanced", `{"a":1`, ""},
		{"no object", "nothing here", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := firstJSONObject(tt.in); got != tt.want {
				t.Errorf("firstJSONObject(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
