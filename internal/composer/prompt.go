// Package composer turns analyzed intent, retrieved context, and conversation
// history into an ordered message list for the generation model.
package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/lectern/internal/intent"
	"github.com/kalambet/lectern/internal/llm"
	"github.com/kalambet/lectern/internal/retrieval"
	"github.com/kalambet/lectern/internal/storage"
)

const (
	defaultHistoryLimit     = 5
	defaultMaxContextTokens = 4000
)

const systemInstructions = `You are Lectern, a campus study assistant. Answer questions about the student's courses using the supplied context. Be concise and specific. When a due date or location appears in the context, state it exactly. If the context does not contain the answer, say so rather than guessing.`

// Labels for doc groups in the context message, keyed by collection.
var categoryLabels = map[string]string{
	retrieval.CollectionCourseContent: "Course materials",
	retrieval.CollectionConversations: "Earlier conversations",
	retrieval.CollectionRecordings:    "Lecture recordings",
}

// Assembler builds prompts. HistoryLimit caps how many prior turns are
// replayed; MaxContextTokens budgets the injected context block.
type Assembler struct {
	HistoryLimit     int
	MaxContextTokens int
}

// New creates an Assembler with defaults applied for non-positive fields.
func New(historyLimit, maxContextTokens int) *Assembler {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Assembler{HistoryLimit: historyLimit, MaxContextTokens: maxContextTokens}
}

// Assemble produces the ordered message list: system instructions with an
// intent restatement, the last HistoryLimit history turns, one system message
// carrying retrieved docs grouped by category, and the user question last.
// Empty docs and history simply drop their sections.
func (a *Assembler) Assemble(si intent.SearchIntent, docs []retrieval.Document, history []storage.Message, question string) []llm.Message {
	msgs := []llm.Message{{Role: "system", Content: a.systemMessage(si)}}

	if len(history) > a.HistoryLimit {
		history = history[len(history)-a.HistoryLimit:]
	}
	for _, h := range history {
		role := h.Role
		if role != "user" && role != "assistant" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: role, Content: h.Content})
	}

	if ctx := a.contextMessage(docs); ctx != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: ctx})
	}

	msgs = append(msgs, llm.Message{Role: "user", Content: question})
	return msgs
}

// Minimal builds the degenerate prompt used when analysis or retrieval failed:
// bare instructions plus the question.
func (a *Assembler) Minimal(question string) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: systemInstructions},
		{Role: "user", Content: question},
	}
}

func (a *Assembler) systemMessage(si intent.SearchIntent) string {
	restatement := restate(si)
	if restatement == "" {
		return systemInstructions
	}
	return systemInstructions + "\n\n" + restatement
}

// restate renders the analyzed intent as a short human-readable hint for the
// model. Unknown or empty fields are omitted.
func restate(si intent.SearchIntent) string {
	var parts []string
	if si.Category != "" && si.Category != intent.CategoryGeneral {
		parts = append(parts, "topic: "+strings.ReplaceAll(si.Category, "_", " "))
	}
	if si.CourseFilter != "" {
		parts = append(parts, "course: "+si.CourseFilter)
	}
	if si.TimeFilter != "" {
		parts = append(parts, "timeframe: "+strings.ReplaceAll(si.TimeFilter, "_", " "))
	}
	if len(si.SpecificTargets) > 0 {
		parts = append(parts, "looking for: "+strings.Join(si.SpecificTargets, ", "))
	}
	if len(parts) == 0 {
		return ""
	}
	return "The student's question concerns " + strings.Join(parts, "; ") + "."
}

// contextMessage renders docs grouped under category labels, content first,
// dropping docs that would blow the token budget.
func (a *Assembler) contextMessage(docs []retrieval.Document) string {
	if len(docs) == 0 {
		return ""
	}

	remaining := a.MaxContextTokens
	groups := make(map[string][]string)
	var order []string
	for _, d := range docs {
		entry := formatDoc(d)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		remaining -= tokens
		if _, seen := groups[d.Category]; !seen {
			order = append(order, d.Category)
		}
		groups[d.Category] = append(groups[d.Category], entry)
	}
	if len(order) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Context retrieved for this question:\n")
	for _, category := range order {
		label := categoryLabels[category]
		if label == "" {
			label = category
		}
		sb.WriteString("\n[" + label + "]\n")
		for _, entry := range groups[category] {
			sb.WriteString(entry)
		}
	}
	return sb.String()
}

func formatDoc(d retrieval.Document) string {
	if d.Title != "" {
		return fmt.Sprintf("- %s: %s\n", d.Title, d.Body)
	}
	return fmt.Sprintf("- %s\n", d.Body)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
