// Package retrieval finds course context relevant to a question by running
// scoped similarity searches across the content, conversation, and recording
// collections in parallel.
package retrieval

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/kalambet/lectern/internal/intent"
)

const (
	targetedTopK = 4
	broadTopK    = 8
	sidelineTopK = 3 // conversations and recordings searches
)

// Document is a retrieved context fragment ready for prompt assembly.
type Document struct {
	Title    string
	Body     string
	Category string // collection the document came from
	CourseID string
	SourceID string
	Score    float32
}

// Retriever combines embedding and scoped vector search across collections.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
}

// NewRetriever creates a Retriever backed by the given Embedder and VectorStore.
func NewRetriever(embedder *Embedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Retrieve runs the content search plus bounded conversation and recording
// searches in parallel and merges the results, content first, each
// collection's internal similarity ranking preserved. A failed sub-search
// degrades to an empty result for that collection only; it is logged, never
// surfaced.
func (r *Retriever) Retrieve(ctx context.Context, si intent.SearchIntent, rawQuery, userID, courseID string) ([]Document, error) {
	query := searchQuery(si, rawQuery)
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		// Without a query vector there is nothing to search.
		return nil, err
	}

	filter := Filter{UserID: userID, CourseID: courseID}

	contentTopK := broadTopK
	if si.Targeted() {
		contentTopK = targetedTopK
	}

	searches := []struct {
		collection string
		topK       int
	}{
		{CollectionCourseContent, contentTopK},
		{CollectionConversations, sidelineTopK},
		{CollectionRecordings, sidelineTopK},
	}

	results := make([][]ScoredRecord, len(searches))
	var wg sync.WaitGroup
	for i, s := range searches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scored, err := r.store.Search(s.collection, vec, s.topK, filter)
			if err != nil {
				slog.Warn("sub-search failed, degrading to empty result",
					"collection", s.collection, "error", err)
				return
			}
			results[i] = scored
		}()
	}
	wg.Wait()

	var docs []Document
	for _, scored := range results {
		for _, s := range scored {
			docs = append(docs, Document{
				Title:    s.Title,
				Body:     s.TextChunk,
				Category: s.Collection,
				CourseID: s.CourseID,
				SourceID: s.SourceID,
				Score:    s.Score,
			})
		}
	}
	return docs, nil
}

// searchQuery derives the content-collection query string: keywords plus
// specific targets for targeted lookups, the raw question otherwise.
func searchQuery(si intent.SearchIntent, rawQuery string) string {
	if si.Targeted() {
		parts := append(append([]string{}, si.SpecificTargets...), si.Keywords...)
		if q := strings.TrimSpace(strings.Join(parts, " ")); q != "" {
			return q
		}
	}
	return rawQuery
}
