package intent

// Search categories. General is the catch-all when nothing more specific
// matches.
const (
	CategoryAssignments   = "assignments"
	CategoryAnnouncements = "announcements"
	CategoryFiles         = "files"
	CategoryPeople        = "people"
	CategoryGeneral       = "general"
)

// Time filters recognized in queries.
const (
	TimeToday    = "today"
	TimeTomorrow = "tomorrow"
	TimeThisWeek = "this_week"
	TimeNextWeek = "next_week"
	TimeOverdue  = "overdue"
)

// Intent verbs.
const (
	IntentFind      = "find"
	IntentList      = "list"
	IntentSummarize = "summarize"
	IntentQuestion  = "question"
)

// SearchIntent is the structured interpretation of a free-text query. It is
// produced once per query and consumed read-only by retrieval and prompt
// assembly.
type SearchIntent struct {
	Category        string   `json:"category"`
	CourseFilter    string   `json:"course_filter,omitempty"`
	TimeFilter      string   `json:"time_filter,omitempty"`
	Priority        string   `json:"priority,omitempty"`
	Keywords        []string `json:"keywords,omitempty"`
	SpecificTargets []string `json:"specific_targets,omitempty"`
	Intent          string   `json:"intent"`
}

// Targeted reports whether the query names specific items to look up rather
// than browsing a category.
func (s SearchIntent) Targeted() bool {
	return s.Intent == IntentFind && len(s.SpecificTargets) > 0
}

// CourseRef is the minimal course identity the analyzer matches against.
type CourseRef struct {
	ID   int64
	Name string
	Code string
}
