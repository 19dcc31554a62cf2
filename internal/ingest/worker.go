// Package ingest processes background jobs from the SQLite queue: recording
// transcription, conversation re-indexing, and course file indexing.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kalambet/lectern/internal/llm"
	"github.com/kalambet/lectern/internal/retrieval"
	"github.com/kalambet/lectern/internal/storage"
)

// Store abstracts the queue and record operations the worker needs.
type Store interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetRecording(id string) (storage.Recording, error)
	CompleteRecording(id, transcript, summary string) error
	FailRecording(id, reason string) error
	GetConversation(id string) (storage.Conversation, error)
	Messages(conversationID string) ([]storage.Message, error)
}

// SpeechClient covers the generation-service surface used during ingestion.
type SpeechClient interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
	Chat(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (string, error)
	FastModel() string
}

// ContentEmbedder generates embeddings for text.
type ContentEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex is the vector store surface used for indexing.
type VectorIndex interface {
	Insert(collection string, records []retrieval.Record) error
	DeleteBySource(collection, sourceID string) error
}

// FileDownloader fetches course file content.
type FileDownloader interface {
	DownloadFile(ctx context.Context, fileURL string) ([]byte, error)
}

// Worker claims and processes jobs from the queue.
type Worker struct {
	store      Store
	speech     SpeechClient
	embedder   ContentEmbedder
	vectors    VectorIndex
	downloader FileDownloader
	poll       time.Duration
	logger     *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store Store, speech SpeechClient, embedder ContentEmbedder, vectors VectorIndex, downloader FileDownloader, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:      store,
		speech:     speech,
		embedder:   embedder,
		vectors:    vectors,
		downloader: downloader,
		poll:       pollInterval,
		logger:     slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(JobTypes)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	switch job.Type {
	case JobProcessRecording:
		var payload RecordingPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		return w.processRecording(ctx, job, payload)
	case JobReindexConversation:
		var payload ReindexPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		return w.reindexConversation(ctx, payload)
	case JobIndexCourseFile:
		var payload FilePayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		return w.indexCourseFile(ctx, payload)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}
