package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/lectern/internal/config"
	"github.com/kalambet/lectern/internal/dashboard"
)

// --- login / logout ---

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to the connected LMS",
	Long: `Log in to the connected LMS with an access token.

Examples:
  lectern login --token <canvas-access-token>
  lectern login --token <tok> --base-url https://canvas.example.edu --save`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		baseURL, _ := cmd.Flags().GetString("base-url")
		save, _ := cmd.Flags().GetBool("save")

		if token == "" {
			return fmt.Errorf("--token is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]string{"token": token}
		if baseURL != "" {
			body["base_url"] = baseURL
		}
		resp, err := client.post(cmd.Context(), "/session", body)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if save {
			if err := config.SetSecret(config.AccountCanvasToken, token); err != nil {
				printWarning("logged in but could not save token: %v", err)
			}
			if baseURL != "" {
				if err := config.SetKey("canvas.base_url", baseURL); err != nil {
					printWarning("could not save base url: %v", err)
				}
			}
		}

		printSuccess("Logged in as %s", result["name"])
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the active session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/session")
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Logged out")
		return nil
	},
}

func init() {
	loginCmd.Flags().String("token", "", "LMS access token")
	loginCmd.Flags().String("base-url", "", "LMS base URL (overrides configured canvas.base_url)")
	loginCmd.Flags().Bool("save", false, "persist the token to the platform keychain")
}

// --- dashboard ---

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show the aggregated course dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/dashboard")
		if err != nil {
			return err
		}

		var d dashboard.Dashboard
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}

		renderDashboard(&d)
		return nil
	},
}

func renderDashboard(d *dashboard.Dashboard) {
	fmt.Printf("\n%s\n", colorize(colorBold, "Courses"))
	for _, c := range d.Courses {
		fmt.Printf("  %s  %s\n", colorize(colorCyan, c.CourseCode), c.Name)
	}

	fmt.Printf("\n%s\n", colorize(colorBold, "Upcoming assignments"))
	if len(d.Assignments) == 0 {
		fmt.Println("  none")
	}
	for _, a := range d.Assignments {
		due := "no due date"
		if a.DueAt != nil {
			due = a.DueAt.Local().Format("Mon Jan 2 15:04")
		}
		fmt.Printf("  %s  %s  %s\n", colorize(colorYellow, due), colorize(colorCyan, a.CourseName), a.Name)
	}

	fmt.Printf("\n%s\n", colorize(colorBold, "Announcements"))
	if len(d.Announcements) == 0 {
		fmt.Println("  none")
	}
	for _, an := range d.Announcements {
		posted := ""
		if an.PostedAt != nil {
			posted = an.PostedAt.Local().Format("Jan 2")
		}
		fmt.Printf("  %s  %s  %s\n", posted, colorize(colorCyan, an.CourseName), an.Title)
	}

	fmt.Printf("\n%d courses, %d assignments, %d announcements, %d files (%dms)\n",
		d.Summary.CoursesProcessed, d.Summary.Assignments, d.Summary.Announcements,
		d.Summary.Files, d.Summary.ElapsedMs)
}

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index course files for question answering",
	Long: `Queue every file in your enrolled courses for download and indexing.
Indexing runs in the background; ask questions once it catches up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/index", nil)
		if err != nil {
			return err
		}

		var result struct {
			Courses int `json:"courses"`
			Queued  int `json:"queued"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued %d files across %d courses", result.Queued, result.Courses)
		if result.Queued > 0 {
			printStep("Indexing runs in the background; check with: lectern status")
		}
		return nil
	},
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about your courses",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		courseID, _ := cmd.Flags().GetString("course")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]string{"question": question}
		if courseID != "" {
			body["course_id"] = courseID
		}

		resp, err := client.postStream(cmd.Context(), "/ask", body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			var buf bytes.Buffer
			buf.ReadFrom(resp.Body)
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, buf.String())
		}

		if err := consumeAnswerStream(resp.Body); err != nil {
			return err
		}

		if convID := resp.Header.Get("X-Conversation-Id"); convID != "" {
			fmt.Fprintf(os.Stderr, "\n%s\n", colorize(colorCyan, "conversation "+convID))
		}
		return nil
	},
}

// consumeAnswerStream prints answer deltas from an SSE body to stdout.
func consumeAnswerStream(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			fmt.Println()
			return nil
		}

		var event struct {
			Delta string `json:"delta"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		if event.Error != nil {
			fmt.Println()
			return fmt.Errorf("stream error: %s", event.Error.Message)
		}
		fmt.Print(event.Delta)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	fmt.Println()
	return nil
}

func init() {
	askCmd.Flags().String("course", "", "course id to scope the question to")
}

// --- recordings ---

var recordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "Upload and inspect lecture recordings",
}

var recordingsUploadCmd = &cobra.Command{
	Use:   "upload <audio-file>",
	Short: "Upload a lecture recording for transcription and indexing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		title, _ := cmd.Flags().GetString("title")
		courseID, _ := cmd.Flags().GetString("course")
		courseName, _ := cmd.Flags().GetString("course-name")

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening audio file: %w", err)
		}
		defer f.Close()

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		if title != "" {
			mw.WriteField("title", title)
		}
		if courseID != "" {
			mw.WriteField("course_id", courseID)
		}
		if courseName != "" {
			mw.WriteField("course_name", courseName)
		}
		fw, err := mw.CreateFormFile("audio", filepath.Base(path))
		if err != nil {
			return err
		}
		if _, err := io.Copy(fw, f); err != nil {
			return fmt.Errorf("reading audio file: %w", err)
		}
		if err := mw.Close(); err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.postMultipart(cmd.Context(), "/recordings", mw.FormDataContentType(), &buf)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Recording queued: %s", result["id"])
		printStep("Check progress with: lectern recordings show %s", result["id"])
		return nil
	},
}

var recordingsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a recording's status, transcript, and summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/recordings/"+args[0])
		if err != nil {
			return err
		}

		var rec struct {
			ID         string `json:"id"`
			Title      string `json:"title"`
			Status     string `json:"status"`
			Transcript string `json:"transcript"`
			Summary    string `json:"summary"`
			Error      string `json:"error"`
			CreatedAt  string `json:"created_at"`
		}
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}

		printStatus("Title", "%s", rec.Title)
		printStatus("Status", "%s", rec.Status)
		printStatus("Created", "%s", rec.CreatedAt)
		if rec.Error != "" {
			printError("%s", rec.Error)
		}
		if rec.Summary != "" {
			fmt.Printf("\n%s\n%s\n", colorize(colorBold, "Summary"), rec.Summary)
		}
		if rec.Transcript != "" {
			fmt.Printf("\n%s\n%s\n", colorize(colorBold, "Transcript"), rec.Transcript)
		}
		return nil
	},
}

func init() {
	recordingsUploadCmd.Flags().String("title", "", "recording title")
	recordingsUploadCmd.Flags().String("course", "", "course id the recording belongs to")
	recordingsUploadCmd.Flags().String("course-name", "", "course name (improves summarization)")
	recordingsCmd.AddCommand(recordingsUploadCmd)
	recordingsCmd.AddCommand(recordingsShowCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive first-run setup",
	RunE: func(cmd *cobra.Command, args []string) error {
		reader := bufio.NewReader(os.Stdin)

		baseURL := prompt(reader, "Canvas base URL (e.g. https://canvas.example.edu)")
		if baseURL != "" {
			if err := config.SetKey("canvas.base_url", baseURL); err != nil {
				return err
			}
		}

		canvasToken := prompt(reader, "Canvas access token (stored in keychain, blank to skip)")
		if canvasToken != "" {
			if err := config.SetSecret(config.AccountCanvasToken, canvasToken); err != nil {
				return err
			}
		}

		apiKey := prompt(reader, "LLM API key (stored in keychain, blank to skip)")
		if apiKey != "" {
			if err := config.SetSecret(config.AccountLLMAPIKey, apiKey); err != nil {
				return err
			}
		}

		printSuccess("Setup complete")
		printStep("Start the server with: lectern start")
		return nil
	},
}

func prompt(r *bufio.Reader, label string) string {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	line, _ := r.ReadString('\n')
	return strings.TrimSpace(line)
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetupCmd)
}
