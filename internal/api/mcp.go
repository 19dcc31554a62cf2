package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/lectern/internal/intent"
	"github.com/kalambet/lectern/internal/pipeline"
	"github.com/kalambet/lectern/internal/retrieval"
	"github.com/kalambet/lectern/internal/session"
)

// QueryAnalyzer classifies a raw question into a search intent.
type QueryAnalyzer interface {
	Analyze(ctx context.Context, query string, courses []intent.CourseRef) intent.SearchIntent
}

// Searcher runs scoped semantic search across the indexed collections.
type Searcher interface {
	Retrieve(ctx context.Context, si intent.SearchIntent, rawQuery, userID, courseID string) ([]retrieval.Document, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Sessions  *session.Manager
	Dashboard func(s *session.Session) DashboardBuilder
	Asker     Asker
	Analyzer  QueryAnalyzer
	Searcher  Searcher
}

// NewMCPServer creates an MCP server with the lectern tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"lectern",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("lectern is a campus copilot over the connected LMS: dashboard, course Q&A, and semantic search over indexed course material."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_dashboard",
			mcp.WithDescription("Fetch the aggregated dashboard for the logged-in student: courses, upcoming assignments, announcements, and files."),
		),
		mcpGetDashboard(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a question about courses, deadlines, or indexed course material. Returns the full answer text."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("course_id", mcp.Description("Optional course id to scope the answer to")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("search_context",
			mcp.WithDescription("Semantically search indexed course content, past conversations, and lecture recordings."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("course_id", mcp.Description("Optional course id to scope the search to")),
		),
		mcpSearchContext(deps),
	)

	return s
}

func mcpGetDashboard(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess, ok := deps.Sessions.Current()
		if !ok {
			return mcpError("no active session: log in first"), nil
		}

		d, err := deps.Dashboard(sess).Build(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("building dashboard: %v", err)), nil
		}

		b, err := json.Marshal(d)
		if err != nil {
			return mcpError(fmt.Sprintf("marshaling dashboard: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess, ok := deps.Sessions.Current()
		if !ok {
			return mcpError("no active session: log in first"), nil
		}

		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		courseID := req.GetString("course_id", "")

		var answer strings.Builder
		_, err = deps.Asker.Ask(ctx, sess.UserID, courseID, question, pipeline.ChunkFunc(func(delta string) error {
			answer.WriteString(delta)
			return nil
		}))
		if err != nil {
			return mcpError(fmt.Sprintf("answering: %v", err)), nil
		}
		return mcpText(answer.String()), nil
	}
}

func mcpSearchContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess, ok := deps.Sessions.Current()
		if !ok {
			return mcpError("no active session: log in first"), nil
		}

		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		courseID := req.GetString("course_id", "")

		si := deps.Analyzer.Analyze(ctx, query, sess.CourseRefs())
		docs, err := deps.Searcher.Retrieve(ctx, si, query, sess.UserID, courseID)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(docs) == 0 {
			return mcpText("[]"), nil
		}

		type docResult struct {
			Title    string  `json:"title"`
			Text     string  `json:"text"`
			Category string  `json:"category"`
			CourseID string  `json:"course_id,omitempty"`
			Score    float32 `json:"score"`
		}
		results := make([]docResult, len(docs))
		for i, d := range docs {
			results[i] = docResult{
				Title:    d.Title,
				Text:     d.Body,
				Category: d.Category,
				CourseID: d.CourseID,
				Score:    d.Score,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("marshaling results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
