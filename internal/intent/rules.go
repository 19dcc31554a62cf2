package intent

import (
	"regexp"
	"strings"
)

// Category vocabularies for the rule-based classifier, checked in order.
// Assignment-like wording wins over file-like wording on ties because due
// dates are what students ask about most.
var categoryVocab = []struct {
	category string
	words    []string
}{
	{CategoryAssignments, []string{"assignment", "assignments", "homework", "hw", "due", "deadline", "submit", "quiz", "exam", "project", "problem set", "pset"}},
	{CategoryAnnouncements, []string{"announcement", "announcements", "announced", "news", "update", "updates", "posted"}},
	{CategoryFiles, []string{"file", "files", "syllabus", "slides", "notes", "pdf", "lecture notes", "handout", "reading", "readings"}},
	{CategoryPeople, []string{"professor", "instructor", "ta ", "teaching assistant", "office hours", "email of"}},
}

// Time phrase vocabulary, longest phrases first so "next week" is not
// shadowed by "week".
var timeVocab = []struct {
	phrase string
	filter string
}{
	{"day after tomorrow", TimeTomorrow},
	{"this week", TimeThisWeek},
	{"next week", TimeNextWeek},
	{"tomorrow", TimeTomorrow},
	{"tonight", TimeToday},
	{"today", TimeToday},
	{"overdue", TimeOverdue},
	{"late", TimeOverdue},
	{"past due", TimeOverdue},
}

var priorityVocab = []struct {
	phrase   string
	priority string
}{
	{"urgent", "high"},
	{"asap", "high"},
	{"important", "high"},
	{"whenever", "low"},
}

var (
	quotedRe = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
	wordRe   = regexp.MustCompile(`[a-z0-9][a-z0-9'-]*`)
	targetRe = regexp.MustCompile(`(?i)\b(?:hw|lab|quiz|project|assignment|exam|midterm)\s*#?\d+\b`)
)

// stopwords excluded from keyword extraction.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "be": {}, "can": {}, "do": {},
	"for": {}, "have": {}, "how": {}, "i": {}, "in": {}, "is": {}, "it": {},
	"me": {}, "my": {}, "of": {}, "on": {}, "or": {}, "show": {}, "tell": {},
	"the": {}, "there": {}, "this": {}, "to": {}, "was": {}, "we": {},
	"what": {}, "whats": {}, "when": {}, "where": {}, "which": {}, "who": {},
	"why": {}, "you": {}, "any": {}, "all": {}, "about": {},
}

// RuleBased is the deterministic fallback classifier. It is a total
// function: any input, including the empty string, yields a valid
// SearchIntent, and it never panics.
func RuleBased(query string, courses []CourseRef) SearchIntent {
	lower := strings.ToLower(query)

	result := SearchIntent{
		Category: CategoryGeneral,
		Intent:   IntentQuestion,
	}

	for _, cv := range categoryVocab {
		if containsAny(lower, cv.words) {
			result.Category = cv.category
			break
		}
	}

	for _, tv := range timeVocab {
		if strings.Contains(lower, tv.phrase) {
			result.TimeFilter = tv.filter
			break
		}
	}

	for _, pv := range priorityVocab {
		if strings.Contains(lower, pv.phrase) {
			result.Priority = pv.priority
			break
		}
	}

	result.CourseFilter = matchCourse(lower, courses)
	result.SpecificTargets = extractTargets(query)
	result.Keywords = extractKeywords(lower)

	switch {
	case len(result.SpecificTargets) > 0:
		result.Intent = IntentFind
	case containsAny(lower, []string{"list", "show", "what are", "which"}):
		result.Intent = IntentList
	case containsAny(lower, []string{"summarize", "summary", "recap", "tl;dr"}):
		result.Intent = IntentSummarize
	}

	return result
}

// matchCourse scans known courses for a name or code substring match and
// returns the matched course code (or name when the course has no code).
func matchCourse(lowerQuery string, courses []CourseRef) string {
	for _, c := range courses {
		code := strings.ToLower(c.Code)
		if code != "" && strings.Contains(normalizeCode(lowerQuery), normalizeCode(code)) {
			return c.Code
		}
		name := strings.ToLower(c.Name)
		if len(name) >= 4 && strings.Contains(lowerQuery, name) {
			if c.Code != "" {
				return c.Code
			}
			return c.Name
		}
	}
	return ""
}

// normalizeCode strips spaces and dashes so "cmsc 422" matches "CMSC422".
func normalizeCode(s string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(s)
}

// extractTargets pulls explicitly named items: quoted phrases and tokens
// like "HW3" or "Project 2".
func extractTargets(query string) []string {
	var targets []string
	for _, m := range quotedRe.FindAllStringSubmatch(query, -1) {
		if m[1] != "" {
			targets = append(targets, m[1])
		} else if m[2] != "" {
			targets = append(targets, m[2])
		}
	}
	targets = append(targets, targetRe.FindAllString(query, -1)...)
	return targets
}

func extractKeywords(lower string) []string {
	var keywords []string
	seen := make(map[string]struct{})
	for _, w := range wordRe.FindAllString(lower, -1) {
		if _, skip := stopwords[w]; skip {
			continue
		}
		if len(w) < 3 {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		keywords = append(keywords, w)
	}
	return keywords
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
