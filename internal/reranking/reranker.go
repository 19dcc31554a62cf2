// Package reranking re-scores retrieved documents by query relevance using a
// cheap model pass, so the prompt carries the most useful context first.
package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/lectern/internal/llm"
	"github.com/kalambet/lectern/internal/retrieval"
)

const (
	defaultConcurrency = 3
	defaultTimeout     = 8 * time.Second
	defaultThreshold   = 0.3
)

// Chatter is the LLM surface the reranker needs.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (string, error)
	FastModel() string
}

// Reranker scores (query, document) pairs with the fast model, drops
// documents below the relevance threshold, and sorts the rest by score
// descending. Scoring runs on a bounded number of goroutines; if the
// timeout fires before scoring completes, the original order is returned
// unchanged.
type Reranker struct {
	client    Chatter
	timeout   time.Duration
	threshold float64
}

// New creates a Reranker with default timeout and threshold.
func New(client Chatter) *Reranker {
	return &Reranker{
		client:    client,
		timeout:   defaultTimeout,
		threshold: defaultThreshold,
	}
}

// Rerank returns docs re-scored and sorted by relevance to query. A document
// whose scoring call fails keeps its original score. Rerank never drops the
// whole result set: when every document scores below the threshold, or the
// timeout fires first, the input is returned as-is.
func (r *Reranker) Rerank(ctx context.Context, query string, docs []retrieval.Document) ([]retrieval.Document, error) {
	if len(docs) <= 1 {
		return docs, nil
	}

	scoreCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	results := make(chan retrieval.Document, len(docs))
	sem := make(chan struct{}, defaultConcurrency)

	var wg sync.WaitGroup
	for _, d := range docs {
		wg.Add(1)
		go func(doc retrieval.Document) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-scoreCtx.Done():
				return
			}
			defer func() { <-sem }()

			score, err := r.score(scoreCtx, query, doc)
			if err != nil {
				if scoreCtx.Err() != nil {
					return
				}
				slog.Debug("rerank score failed, keeping original", "title", doc.Title, "error", err)
				results <- doc
				return
			}
			doc.Score = float32(score)
			results <- doc
		}(d)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	scored := make([]retrieval.Document, 0, len(docs))
collect:
	for {
		select {
		case doc, ok := <-results:
			if !ok {
				break collect
			}
			scored = append(scored, doc)
		case <-scoreCtx.Done():
			return docs, nil
		}
	}

	filtered := scored[:0]
	for _, doc := range scored {
		if float64(doc.Score) >= r.threshold {
			filtered = append(filtered, doc)
		}
	}
	if len(filtered) == 0 {
		return docs, nil
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Score > filtered[j].Score
	})
	return filtered, nil
}

func (r *Reranker) score(ctx context.Context, query string, doc retrieval.Document) (float64, error) {
	prompt := "Rate the relevance of the following text to the query on a scale of 0.0 to 1.0.\n" +
		"Query: " + query + "\n" +
		"Text: " + doc.Title + "\n" + doc.Body + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	temp := 0.0
	resp, err := r.client.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, llm.ChatOptions{
		Model:       r.client.FastModel(),
		MaxTokens:   32,
		Temperature: &temp,
	})
	if err != nil {
		return float64(doc.Score), err
	}
	return parseScore(resp, doc.Score)
}

// parseScore extracts the relevance score from a model response. Models wrap
// JSON in code fences or prepend filler often enough that the parser strips
// fences and cuts to the outermost braces before unmarshalling. Parse
// failures fall back to the original score without error.
func parseScore(resp string, originalScore float32) (float64, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return float64(originalScore), fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		slog.Debug("rerank score parse failed", "resp", resp, "error", err)
		return float64(originalScore), nil
	}
	return obj.Score, nil
}
