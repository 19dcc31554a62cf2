package reranking

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/lectern/internal/llm"
	"github.com/kalambet/lectern/internal/retrieval"
)

type mockChatter struct {
	chatFn func(ctx context.Context, msgs []llm.Message, opts llm.ChatOptions) (string, error)
}

func (m *mockChatter) Chat(ctx context.Context, msgs []llm.Message, opts llm.ChatOptions) (string, error) {
	if m.chatFn != nil {
		return m.chatFn(ctx, msgs, opts)
	}
	return `{"score": 0.5}`, nil
}

func (m *mockChatter) FastModel() string { return "fast-model" }

func makeDocs(n int, score float32) []retrieval.Document {
	docs := make([]retrieval.Document, n)
	for i := range docs {
		docs[i] = retrieval.Document{
			Title: fmt.Sprintf("doc-%d", i),
			Body:  fmt.Sprintf("body %d", i),
			Score: score,
		}
	}
	return docs
}

// scoreByTitle keys the mock response on the document title found in the
// prompt, so concurrent scoring stays deterministic.
func scoreByTitle(scores map[string]float64) *mockChatter {
	return &mockChatter{
		chatFn: func(_ context.Context, msgs []llm.Message, _ llm.ChatOptions) (string, error) {
			for title, score := range scores {
				if strings.Contains(msgs[0].Content, title) {
					return fmt.Sprintf(`{"score": %g}`, score), nil
				}
			}
			return "", fmt.Errorf("no score for prompt")
		},
	}
}

func newReranker(client Chatter, threshold float64, timeout time.Duration) *Reranker {
	return &Reranker{client: client, timeout: timeout, threshold: threshold}
}

func TestRerank_ReordersByScore(t *testing.T) {
	client := scoreByTitle(map[string]float64{
		"doc-0": 0.4,
		"doc-1": 0.9,
		"doc-2": 0.7,
	})

	r := newReranker(client, 0.3, 5*time.Second)
	result, err := r.Rerank(context.Background(), "query", makeDocs(3, 0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result) != 3 {
		t.Fatalf("expected 3 docs, got %d", len(result))
	}
	want := []string{"doc-1", "doc-2", "doc-0"}
	for i, title := range want {
		if result[i].Title != title {
			t.Errorf("result[%d] = %s, want %s", i, result[i].Title, title)
		}
	}
}

func TestRerank_FiltersBelowThreshold(t *testing.T) {
	client := scoreByTitle(map[string]float64{
		"doc-0": 0.9,
		"doc-1": 0.1,
		"doc-2": 0.8,
	})

	r := newReranker(client, 0.3, 5*time.Second)
	result, err := r.Rerank(context.Background(), "query", makeDocs(3, 0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result) != 2 {
		t.Fatalf("expected 2 docs above threshold, got %d", len(result))
	}
	for _, d := range result {
		if d.Title == "doc-1" {
			t.Error("doc-1 should have been filtered out")
		}
	}
}

func TestRerank_AllBelowThresholdKeepsInput(t *testing.T) {
	client := &mockChatter{
		chatFn: func(context.Context, []llm.Message, llm.ChatOptions) (string, error) {
			return `{"score": 0.05}`, nil
		},
	}

	docs := makeDocs(3, 0.5)
	r := newReranker(client, 0.3, 5*time.Second)
	result, err := r.Rerank(context.Background(), "query", docs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("expected original 3 docs back, got %d", len(result))
	}
}

func TestRerank_ScoreErrorKeepsOriginal(t *testing.T) {
	client := &mockChatter{
		chatFn: func(context.Context, []llm.Message, llm.ChatOptions) (string, error) {
			return "", fmt.Errorf("model unavailable")
		},
	}

	docs := makeDocs(2, 0.6)
	r := newReranker(client, 0.3, 5*time.Second)
	result, err := r.Rerank(context.Background(), "query", docs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("expected 2 docs, got %d", len(result))
	}
	for _, d := range result {
		if d.Score != 0.6 {
			t.Errorf("score changed to %g, want original 0.6", d.Score)
		}
	}
}

func TestRerank_TimeoutReturnsInputOrder(t *testing.T) {
	client := &mockChatter{
		chatFn: func(ctx context.Context, _ []llm.Message, _ llm.ChatOptions) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}

	docs := makeDocs(3, 0.5)
	r := newReranker(client, 0.3, 50*time.Millisecond)
	result, err := r.Rerank(context.Background(), "query", docs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, d := range result {
		if d.Title != docs[i].Title {
			t.Errorf("order changed at %d: %s", i, d.Title)
		}
	}
}

func TestRerank_SingleDocPassesThrough(t *testing.T) {
	called := false
	client := &mockChatter{
		chatFn: func(context.Context, []llm.Message, llm.ChatOptions) (string, error) {
			called = true
			return `{"score": 1.0}`, nil
		},
	}

	docs := makeDocs(1, 0.5)
	r := newReranker(client, 0.3, 5*time.Second)
	result, err := r.Rerank(context.Background(), "query", docs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 || called {
		t.Errorf("single doc should skip scoring entirely")
	}
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		name string
		resp string
		want float64
	}{
		{"plain", `{"score": 0.8}`, 0.8},
		{"fenced", "```json\n{\"score\": 0.4}\n```", 0.4},
		{"filler", `Sure! Here is the rating: {"score": 0.9}`, 0.9},
		{"garbage", "no json here", 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := parseScore(tt.resp, 0.5)
			if got != tt.want {
				t.Errorf("parseScore(%q) = %g, want %g", tt.resp, got, tt.want)
			}
		})
	}
}
