package retrieval

import (
	"database/sql"
	"fmt"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE vectors (
		id TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		user_id TEXT NOT NULL,
		course_id TEXT NOT NULL DEFAULT '',
		source_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		text_chunk TEXT NOT NULL,
		embedding BLOB NOT NULL,
		created_at TEXT NOT NULL
	)`)
	if err != nil {
		t.Fatalf("creating vectors table: %v", err)
	}
	return NewSQLiteStore(db)
}

func insertVec(t *testing.T, s *SQLiteStore, collection, id, userID, courseID string, embedding []float32) {
	t.Helper()
	err := s.Insert(collection, []Record{{
		ID:        id,
		UserID:    userID,
		CourseID:  courseID,
		SourceID:  "src-" + id,
		Title:     "title-" + id,
		TextChunk: "text-" + id,
		Embedding: embedding,
	}})
	if err != nil {
		t.Fatalf("inserting %s: %v", id, err)
	}
}

func TestSearch_RanksBySimilarity(t *testing.T) {
	s := newTestStore(t)
	insertVec(t, s, CollectionCourseContent, "exact", "u1", "", []float32{1, 0, 0})
	insertVec(t, s, CollectionCourseContent, "close", "u1", "", []float32{0.9, 0.1, 0})
	insertVec(t, s, CollectionCourseContent, "far", "u1", "", []float32{0, 0, 1})

	got, err := s.Search(CollectionCourseContent, []float32{1, 0, 0}, 2, Filter{UserID: "u1"})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "exact" || got[1].ID != "close" {
		t.Errorf("order = [%s, %s], want [exact, close]", got[0].ID, got[1].ID)
	}
	if got[0].Score < got[1].Score {
		t.Error("scores not descending")
	}
}

func TestSearch_FilterByUser(t *testing.T) {
	s := newTestStore(t)
	insertVec(t, s, CollectionCourseContent, "mine", "u1", "", []float32{1, 0})
	insertVec(t, s, CollectionCourseContent, "theirs", "u2", "", []float32{1, 0})

	got, err := s.Search(CollectionCourseContent, []float32{1, 0}, 10, Filter{UserID: "u1"})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "mine" {
		t.Errorf("got %d records, want only record %q", len(got), "mine")
	}
}

func TestSearch_FilterByUserAndCourse(t *testing.T) {
	s := newTestStore(t)
	insertVec(t, s, CollectionCourseContent, "ml", "u1", "422", []float32{1, 0})
	insertVec(t, s, CollectionCourseContent, "os", "u1", "412", []float32{1, 0})

	got, err := s.Search(CollectionCourseContent, []float32{1, 0}, 10, Filter{UserID: "u1", CourseID: "422"})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "ml" {
		t.Errorf("filter not ANDed: got %v", got)
	}
}

func TestSearch_CollectionIsolation(t *testing.T) {
	s := newTestStore(t)
	insertVec(t, s, CollectionCourseContent, "content", "u1", "", []float32{1, 0})
	insertVec(t, s, CollectionRecordings, "recording", "u1", "", []float32{1, 0})

	got, err := s.Search(CollectionRecordings, []float32{1, 0}, 10, Filter{UserID: "u1"})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "recording" {
		t.Errorf("got %v, want only the recordings record", got)
	}
}

func TestSearch_EmptyStoreAndZeroVector(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Search(CollectionCourseContent, []float32{1, 0}, 5, Filter{UserID: "u1"})
	if err != nil || len(got) != 0 {
		t.Errorf("empty store: got %v, %v", got, err)
	}

	insertVec(t, s, CollectionCourseContent, "a", "u1", "", []float32{1, 0})
	got, err = s.Search(CollectionCourseContent, []float32{0, 0}, 5, Filter{UserID: "u1"})
	if err != nil || len(got) != 0 {
		t.Errorf("zero query vector: got %v, %v", got, err)
	}
}

func TestDeleteBySource(t *testing.T) {
	s := newTestStore(t)
	// Two chunks from the same conversation, one from another.
	for i := range 2 {
		err := s.Insert(CollectionConversations, []Record{{
			ID:        fmt.Sprintf("chunk-%d", i),
			UserID:    "u1",
			SourceID:  "conv-1",
			TextChunk: "t",
			Embedding: []float32{1, 0},
		}})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	insertVec(t, s, CollectionConversations, "other", "u1", "", []float32{1, 0})

	if err := s.DeleteBySource(CollectionConversations, "conv-1"); err != nil {
		t.Fatalf("DeleteBySource() error: %v", err)
	}
	n, err := s.Count(CollectionConversations)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestEncodeDecodeFloat32s(t *testing.T) {
	in := []float32{0.5, -1.25, 3.75, 0}
	out, err := decodeFloat32s(encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}

	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("decoding truncated blob should error")
	}
}
