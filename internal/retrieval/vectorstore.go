package retrieval

import "time"

// Logical collections. Results from course content rank ahead of prior
// conversations, which rank ahead of recordings.
const (
	CollectionCourseContent = "course_content"
	CollectionConversations = "conversations"
	CollectionRecordings    = "recordings"
)

// Filter constrains a similarity search with equality predicates. UserID is
// always required; CourseID further narrows when non-empty. Predicates are
// ANDed.
type Filter struct {
	UserID   string
	CourseID string
}

// Record is a row in the vector store.
type Record struct {
	ID         string
	Collection string
	UserID     string
	CourseID   string
	SourceID   string
	Title      string
	TextChunk  string
	Embedding  []float32
	CreatedAt  time.Time
}

// ScoredRecord is a Record with its similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}

// VectorStore is the interface for vector storage and scoped similarity
// search. The default implementation is SQLite with brute-force cosine
// similarity; a server-backed ANN store can replace it behind this interface.
type VectorStore interface {
	// Insert adds records to the named collection.
	Insert(collection string, records []Record) error

	// Search returns the top-K records most similar to vector within the
	// collection, restricted by filter.
	Search(collection string, vector []float32, topK int, filter Filter) ([]ScoredRecord, error)

	// DeleteBySource removes every record derived from the given source.
	// Used before re-indexing a conversation or document.
	DeleteBySource(collection, sourceID string) error

	// Count returns the number of records in the collection.
	Count(collection string) (int, error)
}
