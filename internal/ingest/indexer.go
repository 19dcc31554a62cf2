package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"github.com/kalambet/lectern/internal/canvas"
	"github.com/kalambet/lectern/internal/retrieval"
	"github.com/kalambet/lectern/internal/storage"
)

// chunkSize is the target chunk length in characters (~300 tokens).
const chunkSize = 1200

// indexRecording embeds the transcript (and summary as its own chunk) into
// the recordings collection.
func (w *Worker) indexRecording(ctx context.Context, rec storage.Recording, transcript, summary string) error {
	chunks := chunkText(transcript)
	if summary != "" {
		chunks = append([]string{summary}, chunks...)
	}
	return w.indexChunks(ctx, retrieval.CollectionRecordings, rec.UserID, rec.CourseID, rec.ID, rec.Title, chunks)
}

// reindexConversation replaces a conversation's vectors with fresh embeddings
// of its turns, paired user/assistant where possible so each chunk carries
// question and answer together.
func (w *Worker) reindexConversation(ctx context.Context, payload ReindexPayload) error {
	conv, err := w.store.GetConversation(payload.ConversationID)
	if err != nil {
		return fmt.Errorf("loading conversation %s: %w", payload.ConversationID, err)
	}
	msgs, err := w.store.Messages(conv.ID)
	if err != nil {
		return fmt.Errorf("loading messages for %s: %w", conv.ID, err)
	}
	if len(msgs) == 0 {
		return nil
	}

	var chunks []string
	for i := 0; i < len(msgs); i++ {
		if msgs[i].Role == "user" && i+1 < len(msgs) && msgs[i+1].Role == "assistant" {
			chunks = append(chunks, "Q: "+msgs[i].Content+"\nA: "+msgs[i+1].Content)
			i++
			continue
		}
		chunks = append(chunks, msgs[i].Content)
	}

	if err := w.vectors.DeleteBySource(retrieval.CollectionConversations, conv.ID); err != nil {
		return fmt.Errorf("clearing old vectors for %s: %w", conv.ID, err)
	}
	return w.indexChunks(ctx, retrieval.CollectionConversations, conv.UserID, conv.CourseID, conv.ID, conv.Title, chunks)
}

// indexCourseFile downloads a course file, extracts its text, and embeds it
// into the course content collection, replacing any previous version.
func (w *Worker) indexCourseFile(ctx context.Context, payload FilePayload) error {
	data, err := w.downloader.DownloadFile(ctx, payload.URL)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", payload.DisplayName, err)
	}

	text, err := extractText(data, payload.DisplayName, payload.ContentType)
	if err != nil {
		return fmt.Errorf("extracting text from %s: %w", payload.DisplayName, err)
	}
	if strings.TrimSpace(text) == "" {
		w.logger.Warn("course file has no extractable text, skipping", "file", payload.DisplayName)
		return nil
	}

	sourceID := "file:" + payload.FileID
	if err := w.vectors.DeleteBySource(retrieval.CollectionCourseContent, sourceID); err != nil {
		return fmt.Errorf("clearing old vectors for %s: %w", sourceID, err)
	}

	title := payload.DisplayName
	if payload.CourseName != "" {
		title = payload.CourseName + " / " + payload.DisplayName
	}
	return w.indexChunks(ctx, retrieval.CollectionCourseContent, payload.UserID, payload.CourseID, sourceID, title, chunkText(text))
}

func (w *Worker) indexChunks(ctx context.Context, collection, userID, courseID, sourceID, title string, chunks []string) error {
	if len(chunks) == 0 {
		return nil
	}
	vecs, err := w.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embedding %d chunks: %w", len(chunks), err)
	}

	now := time.Now().UTC()
	records := make([]retrieval.Record, len(chunks))
	for i, chunk := range chunks {
		records[i] = retrieval.Record{
			ID:         uuid.NewString(),
			Collection: collection,
			UserID:     userID,
			CourseID:   courseID,
			SourceID:   sourceID,
			Title:      title,
			TextChunk:  chunk,
			Embedding:  vecs[i],
			CreatedAt:  now,
		}
	}
	return w.vectors.Insert(collection, records)
}

// extractText converts file content to plain text based on its type: PDF via
// the pdf reader, HTML stripped to text, anything texty passed through.
// Binary formats we can't read produce empty text, not an error.
func extractText(data []byte, name, contentType string) (string, error) {
	switch {
	case contentType == "application/pdf" || strings.HasSuffix(strings.ToLower(name), ".pdf"):
		return extractPDFText(data)
	case strings.Contains(contentType, "html") || strings.HasSuffix(strings.ToLower(name), ".html"):
		return canvas.StripHTML(string(data)), nil
	case strings.HasPrefix(contentType, "text/") || utf8.Valid(data):
		return string(data), nil
	default:
		return "", nil
	}
}

func extractPDFText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, plain); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return sb.String(), nil
}

// chunkText splits text into chunks of roughly chunkSize characters, breaking
// on paragraph boundaries where possible and whitespace otherwise.
func chunkText(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= chunkSize {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(para) > chunkSize {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		// Paragraphs longer than a chunk get split on whitespace.
		for len(para) > chunkSize {
			cut := strings.LastIndexByte(para[:chunkSize], ' ')
			if cut <= 0 {
				cut = chunkSize
			}
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			chunks = append(chunks, strings.TrimSpace(para[:cut]))
			para = strings.TrimSpace(para[cut:])
		}
		if para == "" {
			continue
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
