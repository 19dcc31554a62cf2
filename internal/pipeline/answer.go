// Package pipeline drives a question from intake to streamed answer: resolve
// the conversation, analyze the query, retrieve context, assemble the prompt,
// and stream the generation while keeping bookkeeping off the hot path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/lectern/internal/composer"
	"github.com/kalambet/lectern/internal/ingest"
	"github.com/kalambet/lectern/internal/intent"
	"github.com/kalambet/lectern/internal/llm"
	"github.com/kalambet/lectern/internal/retrieval"
	"github.com/kalambet/lectern/internal/storage"
)

const titleMaxLen = 40

// Store is the slice of storage the pipeline needs.
type Store interface {
	CreateConversation(storage.Conversation) error
	LatestConversation(userID, courseID string) (storage.Conversation, error)
	AppendMessage(storage.Message) error
	RecentMessages(conversationID string, n int) ([]storage.Message, error)
	EnqueueJob(storage.Job) error
}

// Analyzer interprets a free-text query. Implementations never fail; they
// degrade to rule-based interpretation internally.
type Analyzer interface {
	Analyze(ctx context.Context, query string, courses []intent.CourseRef) intent.SearchIntent
}

// Retriever finds context documents for an analyzed query.
type Retriever interface {
	Retrieve(ctx context.Context, si intent.SearchIntent, rawQuery, userID, courseID string) ([]retrieval.Document, error)
}

// Reranker re-scores retrieved documents by relevance. It may be nil, in
// which case retrieval order is used as-is.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []retrieval.Document) ([]retrieval.Document, error)
}

// Streamer is the generation client surface the pipeline consumes.
type Streamer interface {
	ChatStream(ctx context.Context, messages []llm.Message, opts llm.ChatOptions, fn func(delta string) error) error
}

// Sink receives the streamed answer. ConversationResolved fires once, before
// any chunk, so callers can expose the conversation id ahead of the stream;
// it is skipped when conversation bookkeeping is unavailable.
type Sink interface {
	ConversationResolved(id string)
	Chunk(delta string) error
}

// ChunkFunc adapts a plain function to Sink for callers that don't care
// about the conversation id up front.
type ChunkFunc func(delta string) error

func (f ChunkFunc) ConversationResolved(string) {}

func (f ChunkFunc) Chunk(delta string) error { return f(delta) }

// Answerer wires the full question-answering pipeline.
type Answerer struct {
	store     Store
	analyzer  Analyzer
	retriever Retriever
	reranker  Reranker
	assembler *composer.Assembler
	llm       Streamer
	courses   CoursesFunc
}

// CoursesFunc supplies the known-course list for the current caller. It is a
// function because the list belongs to the login session, which comes and
// goes independently of the pipeline's lifetime.
type CoursesFunc func() []intent.CourseRef

// NewAnswerer creates an Answerer. reranker and courses may be nil; courses
// supplies the known-course list handed to the analyzer for course matching.
func NewAnswerer(store Store, analyzer Analyzer, retriever Retriever, reranker Reranker, assembler *composer.Assembler, streamer Streamer, courses CoursesFunc) *Answerer {
	return &Answerer{
		store:     store,
		analyzer:  analyzer,
		retriever: retriever,
		reranker:  reranker,
		assembler: assembler,
		llm:       streamer,
		courses:   courses,
	}
}

// Ask answers a question, forwarding generation deltas to sink as they
// arrive. It returns the conversation the exchange was recorded in.
//
// Failures before the stream starts degrade to a minimal prompt rather than
// erroring: the student still gets an answer, just without retrieved context.
// Post-stream bookkeeping (assistant turn, re-index job) never fails the
// call; problems there are logged.
func (a *Answerer) Ask(ctx context.Context, userID, courseID, question string, sink Sink) (string, error) {
	conv, convErr := a.resolveConversation(userID, courseID, question)
	if convErr != nil {
		slog.Warn("conversation resolution failed, answering without history", "error", convErr)
	} else {
		sink.ConversationResolved(conv.ID)
	}

	var history []storage.Message
	if convErr == nil {
		var err error
		history, err = a.store.RecentMessages(conv.ID, a.assembler.HistoryLimit)
		if err != nil {
			slog.Warn("loading history failed", "conversation_id", conv.ID, "error", err)
			history = nil
		}
		if err := a.store.AppendMessage(storage.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Role:           "user",
			Content:        question,
		}); err != nil {
			slog.Warn("persisting user turn failed", "conversation_id", conv.ID, "error", err)
		}
	}

	msgs := a.buildPrompt(ctx, userID, courseID, question, history)

	var answer strings.Builder
	streamErr := a.llm.ChatStream(ctx, msgs, llm.ChatOptions{}, func(delta string) error {
		answer.WriteString(delta)
		return sink.Chunk(delta)
	})
	if streamErr != nil {
		return conv.ID, fmt.Errorf("streaming answer: %w", streamErr)
	}

	if convErr == nil {
		a.recordAnswer(conv, userID, courseID, answer.String())
	}
	return conv.ID, nil
}

// buildPrompt runs analysis and retrieval, falling back to the minimal prompt
// when retrieval fails. Analysis itself is total and cannot fail.
func (a *Answerer) buildPrompt(ctx context.Context, userID, courseID, question string, history []storage.Message) []llm.Message {
	var courses []intent.CourseRef
	if a.courses != nil {
		courses = a.courses()
	}
	si := a.analyzer.Analyze(ctx, question, courses)

	docs, err := a.retriever.Retrieve(ctx, si, question, userID, courseID)
	if err != nil {
		slog.Warn("retrieval failed, falling back to minimal prompt", "error", err)
		return a.assembler.Minimal(question)
	}

	if a.reranker != nil && len(docs) > 1 {
		reranked, err := a.reranker.Rerank(ctx, question, docs)
		if err != nil {
			slog.Warn("reranking failed, keeping retrieval order", "error", err)
		} else {
			docs = reranked
		}
	}
	return a.assembler.Assemble(si, docs, history, question)
}

// resolveConversation reuses the user's most recent conversation in the
// course scope, creating a fresh one titled after the question when none
// exists.
func (a *Answerer) resolveConversation(userID, courseID, question string) (storage.Conversation, error) {
	conv, err := a.store.LatestConversation(userID, courseID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Conversation{}, err
	}

	conv = storage.Conversation{
		ID:       uuid.NewString(),
		UserID:   userID,
		CourseID: courseID,
		Title:    titleFromQuestion(question),
	}
	if err := a.store.CreateConversation(conv); err != nil {
		return storage.Conversation{}, err
	}
	return conv, nil
}

// recordAnswer persists the assistant turn and enqueues the re-index job.
// Both are best-effort; the answer already reached the student.
func (a *Answerer) recordAnswer(conv storage.Conversation, userID, courseID, answer string) {
	if err := a.store.AppendMessage(storage.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           "assistant",
		Content:        answer,
	}); err != nil {
		slog.Warn("persisting assistant turn failed", "conversation_id", conv.ID, "error", err)
	}

	if err := a.store.EnqueueJob(ingest.NewReindexJob(ingest.ReindexPayload{
		ConversationID: conv.ID,
		UserID:         userID,
		CourseID:       courseID,
	})); err != nil {
		slog.Warn("enqueueing re-index job failed", "conversation_id", conv.ID, "error", err)
	}
}

// titleFromQuestion derives a short conversation title from the first words
// of the question.
func titleFromQuestion(question string) string {
	title := strings.TrimSpace(question)
	runes := []rune(title)
	if len(runes) <= titleMaxLen {
		return title
	}
	cut := string(runes[:titleMaxLen])
	if idx := strings.LastIndexByte(cut, ' '); idx > titleMaxLen/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}
