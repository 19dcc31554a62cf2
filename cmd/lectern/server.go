package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/lectern/internal/api"
	"github.com/kalambet/lectern/internal/batch"
	"github.com/kalambet/lectern/internal/composer"
	"github.com/kalambet/lectern/internal/config"
	"github.com/kalambet/lectern/internal/dashboard"
	"github.com/kalambet/lectern/internal/ingest"
	"github.com/kalambet/lectern/internal/intent"
	"github.com/kalambet/lectern/internal/llm"
	"github.com/kalambet/lectern/internal/pipeline"
	"github.com/kalambet/lectern/internal/reranking"
	"github.com/kalambet/lectern/internal/retrieval"
	"github.com/kalambet/lectern/internal/session"
	"github.com/kalambet/lectern/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the lectern server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running lectern server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lectern system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "lectern.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// sessionDownloader routes course file downloads through the active session's
// canvas client. Jobs that run with no session logged in fail and retry.
type sessionDownloader struct {
	sessions *session.Manager
}

func (d *sessionDownloader) DownloadFile(ctx context.Context, fileURL string) ([]byte, error) {
	s, ok := d.sessions.Current()
	if !ok {
		return nil, fmt.Errorf("no active session")
	}
	return s.Client.DownloadFile(ctx, fileURL)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "lectern version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.GetAPIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Refuse to double-start: check the health endpoint first.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("lectern is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("lectern is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	llmClient := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey,
		llm.WithModels(cfg.LLM.Model, cfg.LLM.FastModel, cfg.LLM.EmbedModel, cfg.LLM.TranscribeModel),
	)

	embedder := retrieval.NewEmbedder(llmClient)
	vectorStore := retrieval.NewSQLiteStore(store.DB())
	retriever := retrieval.NewRetriever(embedder, vectorStore)
	analyzer := intent.NewAnalyzer(llmClient)
	comp := composer.New(0, 0)
	reranker := reranking.New(llmClient)

	sessions := session.NewManager()
	sessionCourses := func() []intent.CourseRef {
		if s, ok := sessions.Current(); ok {
			return s.CourseRefs()
		}
		return nil
	}
	answerer := pipeline.NewAnswerer(store, analyzer, retriever, reranker, comp, llmClient, sessionCourses)

	if cfg.Canvas.Token != "" && cfg.Canvas.BaseURL != "" {
		if _, err := sessions.Create(ctx, cfg.Canvas.BaseURL, cfg.Canvas.Token); err != nil {
			slog.Warn("stored canvas token rejected, waiting for login", "error", err)
		} else {
			slog.Info("session restored from stored canvas token")
		}
	}

	buildDashboard := func(s *session.Session) api.DashboardBuilder {
		orch := batch.NewOrchestrator(cfg.Dashboard.MaxConcurrent, s.Metrics)
		return dashboard.New(s.Client, orch, dashboard.Options{MaxCourses: cfg.Dashboard.MaxCourses})
	}

	handler := api.NewHandler(api.Deps{
		Store:     store,
		Sessions:  sessions,
		Asker:     answerer,
		Dashboard: buildDashboard,
		Lister:    func(s *session.Session) api.CourseLister { return s.Client },
		CanvasURL: cfg.Canvas.BaseURL,
		BlobDir:   filepath.Join(cfg.Storage.DataDir, "blobs"),
		Token:     apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Ingest worker processes recordings, conversation reindexing, and
	// course file indexing from the job queue.
	worker := ingest.NewWorker(store, llmClient, embedder, vectorStore, &sessionDownloader{sessions: sessions}, 500*time.Millisecond)
	go worker.Run(ctx)

	// MCP server over stdio for agent clients.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Sessions:  sessions,
		Dashboard: buildDashboard,
		Asker:     answerer,
		Analyzer:  analyzer,
		Searcher:  retriever,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()

	// Second MCP transport over HTTP, for agent clients that attach to the
	// running daemon instead of spawning their own process.
	mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
	httpMCP := server.NewStreamableHTTPServer(mcpSrv)
	go func() {
		if err := httpMCP.Start(mcpAddr); err != nil && ctx.Err() == nil {
			slog.Error("MCP HTTP server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := httpMCP.Shutdown(shutdownCtx); err != nil {
			slog.Warn("MCP HTTP server shutdown", "error", err)
		}
	}()
	slog.Info("MCP server started", "transports", "stdio,http", "http_addr", mcpAddr)

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "lectern listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("lectern is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop lectern (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to lectern (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	authenticated := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var health struct {
			Status        string `json:"status"`
			Authenticated bool   `json:"authenticated"`
		}
		decodeErr := decodeJSON(resp, &health)
		if decodeErr == nil && health.Status == "ok" {
			printStatus("Server", "running on port %d", cfg.Server.Port)
			authenticated = health.Authenticated
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if authenticated {
		printStatus("Session", "logged in")
	} else {
		printStatus("Session", "not logged in")
	}

	if cfg.Canvas.BaseURL != "" {
		printStatus("Canvas", "%s", cfg.Canvas.BaseURL)
	} else {
		printStatus("Canvas", "not configured (run: lectern config set canvas.base_url <url>)")
	}
	printStatus("Model", "%s", cfg.LLM.Model)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
