package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/lectern/internal/llm"
	"github.com/kalambet/lectern/internal/storage"
)

// minTranscriptLen guards against silent or unusable audio. Anything shorter
// is treated as a failed recording, not a retryable error.
const minTranscriptLen = 20

const summarizePrompt = `Summarize this lecture transcript in a few short paragraphs. Lead with the main topics covered, then list any announcements, deadlines, or action items mentioned. Write for a student reviewing the lecture later.`

// processRecording runs the recording pipeline: transcribe the audio blob,
// summarize, persist, and index. Outcomes are terminal: the recording ends up
// completed or failed, and the blob is removed either way.
//
// Unusable input (missing blob, empty transcript) fails the recording
// immediately. Transient errors are returned so the queue retries; when the
// job is out of attempts the recording is failed too, so nothing is left in
// processing forever.
func (w *Worker) processRecording(ctx context.Context, job *storage.Job, payload RecordingPayload) error {
	rec, err := w.store.GetRecording(payload.RecordingID)
	if err != nil {
		return fmt.Errorf("loading recording %s: %w", payload.RecordingID, err)
	}
	if rec.Status != storage.RecordingProcessing {
		w.logger.Warn("recording already in terminal state, skipping", "recording_id", rec.ID, "status", rec.Status)
		return nil
	}

	lastAttempt := job.Attempts+1 >= job.MaxAttempts

	transcript, summary, err := w.transcribeAndSummarize(ctx, rec, payload.CourseName)
	if err != nil {
		var unusable *unusableRecordingError
		if errors.As(err, &unusable) || lastAttempt {
			w.failRecording(rec, err.Error())
			return nil
		}
		return err
	}

	if err := w.store.CompleteRecording(rec.ID, transcript, summary); err != nil {
		if lastAttempt {
			w.failRecording(rec, "persisting results: "+err.Error())
			return nil
		}
		return fmt.Errorf("persisting recording results: %w", err)
	}

	// Transcript and summary are durable; the audio blob is no longer needed.
	w.removeBlob(rec)

	// Indexing is best-effort. A recording with a transcript but no vectors
	// is still useful; one stuck in processing is not.
	if err := w.indexRecording(ctx, rec, transcript, summary); err != nil {
		w.logger.Warn("indexing recording failed", "recording_id", rec.ID, "error", err)
	}
	return nil
}

func (w *Worker) transcribeAndSummarize(ctx context.Context, rec storage.Recording, courseName string) (transcript, summary string, err error) {
	f, err := os.Open(rec.BlobPath)
	if err != nil {
		return "", "", &unusableRecordingError{reason: "audio blob missing: " + err.Error()}
	}
	defer f.Close()

	transcript, err = w.speech.Transcribe(ctx, filepath.Base(rec.BlobPath), f)
	if err != nil {
		return "", "", fmt.Errorf("transcribing: %w", err)
	}
	transcript = strings.TrimSpace(transcript)
	if len(transcript) < minTranscriptLen {
		return "", "", &unusableRecordingError{reason: "transcript empty or too short"}
	}

	prompt := summarizePrompt
	if courseName != "" {
		prompt += " The lecture is from the course " + courseName + "."
	}
	summary, err = w.speech.Chat(ctx, []llm.Message{
		{Role: "system", Content: prompt},
		{Role: "user", Content: transcript},
	}, llm.ChatOptions{Model: w.speech.FastModel()})
	if err != nil {
		return "", "", fmt.Errorf("summarizing: %w", err)
	}
	return transcript, strings.TrimSpace(summary), nil
}

func (w *Worker) failRecording(rec storage.Recording, reason string) {
	w.logger.Warn("recording failed", "recording_id", rec.ID, "reason", reason)
	if err := w.store.FailRecording(rec.ID, reason); err != nil {
		w.logger.Error("marking recording failed", "recording_id", rec.ID, "error", err)
	}
	w.removeBlob(rec)
}

func (w *Worker) removeBlob(rec storage.Recording) {
	if rec.BlobPath == "" {
		return
	}
	if err := os.Remove(rec.BlobPath); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("removing audio blob", "path", rec.BlobPath, "error", err)
	}
}

// unusableRecordingError marks input problems no retry can fix.
type unusableRecordingError struct {
	reason string
}

func (e *unusableRecordingError) Error() string { return e.reason }
