// Package intent turns free-text questions into structured search intent.
// The preferred path asks a fast LLM for a JSON classification; a
// deterministic rule-based classifier covers every failure of that path, so
// analysis always yields a usable SearchIntent.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/lectern/internal/llm"
)

const analysisTimeout = 3 * time.Second

// Chatter is the LLM surface the analyzer needs.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (string, error)
	FastModel() string
}

// Analyzer classifies queries, preferring the LLM and falling back to rules.
type Analyzer struct {
	client Chatter
}

// NewAnalyzer creates an Analyzer. client may be nil, in which case only the
// rule-based path is used.
func NewAnalyzer(client Chatter) *Analyzer {
	return &Analyzer{client: client}
}

// Analyze returns the SearchIntent for query. It never fails: any LLM
// problem (unavailable, timeout, malformed output) falls back to RuleBased.
func (a *Analyzer) Analyze(ctx context.Context, query string, courses []CourseRef) SearchIntent {
	if a.client == nil {
		return RuleBased(query, courses)
	}

	ctx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()

	raw, err := a.client.Chat(ctx, buildPrompt(query, courses), llm.ChatOptions{
		Model:     a.client.FastModel(),
		MaxTokens: 300,
	})
	if err != nil {
		slog.Warn("intent analysis chat failed, using rule-based fallback", "error", err)
		return RuleBased(query, courses)
	}

	obj := firstJSONObject(raw)
	if obj == "" {
		slog.Warn("intent analysis returned no JSON object, using rule-based fallback", "response", raw)
		return RuleBased(query, courses)
	}

	var result SearchIntent
	if err := json.Unmarshal([]byte(obj), &result); err != nil {
		slog.Warn("failed to unmarshal intent from LLM response, using rule-based fallback", "error", err)
		return RuleBased(query, courses)
	}
	if !validCategory(result.Category) {
		slog.Warn("LLM produced unknown category, using rule-based fallback", "category", result.Category)
		return RuleBased(query, courses)
	}
	if result.Intent == "" {
		result.Intent = IntentQuestion
	}
	return result
}

// buildPrompt produces the classification instruction. The contract is
// strict: the model must return only a JSON object of the expected shape,
// but firstJSONObject tolerates models that wrap it in prose anyway.
func buildPrompt(query string, courses []CourseRef) []llm.Message {
	var sb strings.Builder
	sb.WriteString("Classify a student's question about their coursework.\n")
	sb.WriteString("Return ONLY a JSON object with these fields:\n")
	sb.WriteString(`{"category":"assignments|announcements|files|people|general",`)
	sb.WriteString(`"course_filter":"course code if one course is meant, else omit",`)
	sb.WriteString(`"time_filter":"today|tomorrow|this_week|next_week|overdue or omit",`)
	sb.WriteString(`"keywords":["significant terms"],`)
	sb.WriteString(`"specific_targets":["exact item names, if any"],`)
	sb.WriteString(`"intent":"find|list|summarize|question"}` + "\n")

	if len(courses) > 0 {
		sb.WriteString("Known courses:\n")
		for _, c := range courses {
			fmt.Fprintf(&sb, "- %s (%s)\n", c.Name, c.Code)
		}
	}

	return []llm.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: query},
	}
}

// firstJSONObject returns the first balanced {...} in text, or "".
func firstJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func validCategory(c string) bool {
	switch c {
	case CategoryAssignments, CategoryAnnouncements, CategoryFiles, CategoryPeople, CategoryGeneral:
		return true
	}
	return false
}
