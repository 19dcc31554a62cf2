// Package llm is a client for an OpenAI-compatible generation service:
// single-shot and streaming chat completion, text embeddings, and
// speech-to-text transcription.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 60 * time.Second
	streamingTimeout = 300 * time.Second
	maxRetries       = 3
	initialBackoff   = 500 * time.Millisecond
)

// Client communicates with an OpenAI-compatible API (OpenRouter, OpenAI,
// or a local gateway exposing the same surface).
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	fastModel  string
	embedModel string
	sttModel   string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithModels sets the default chat, fast (intent/summarization), embedding,
// and speech-to-text model names.
func WithModels(chat, fast, embed, stt string) Option {
	return func(c *Client) {
		if chat != "" {
			c.model = chat
		}
		if fast != "" {
			c.fastModel = fast
		}
		if embed != "" {
			c.embedModel = embed
		}
		if stt != "" {
			c.sttModel = stt
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client (used by tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Client for the given base URL and API key.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      "anthropic/claude-sonnet-4",
		fastModel:  "openai/gpt-4o-mini",
		embedModel: "text-embedding-3-small",
		sttModel:   "whisper-1",
		// No Timeout on the client: it would cap every call including body
		// transfer, and transcription and streaming run far past any value
		// sane for chat. Each call carries its own context deadline instead.
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FastModel returns the model name configured for cheap auxiliary calls.
func (c *Client) FastModel() string {
	return c.fastModel
}

// Chat sends a single-shot chat completion and returns the assistant content.
func (c *Client) Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	req := chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}

	rc, err := c.postJSON(ctx, "/chat/completions", req, defaultTimeout)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var resp chatResponse
	if err := json.NewDecoder(rc).Decode(&resp); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat response contained no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatStream sends a streaming chat completion, invoking fn for every content
// delta as it arrives. If fn returns an error the stream is abandoned and the
// error is returned.
func (c *Client) ChatStream(ctx context.Context, messages []Message, opts ChatOptions, fn func(delta string) error) error {
	req := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Stream:      true,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}

	rc, err := c.postJSON(ctx, "/chat/completions", req, streamingTimeout)
	if err != nil {
		return err
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Providers occasionally interleave comments or keepalives.
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if err := fn(delta); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}

// Embed returns the embedding vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	rc, err := c.postJSON(ctx, "/embeddings", embedRequest{Model: c.embedModel, Input: []string{text}}, defaultTimeout)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var resp embedResponse
	if err := json.NewDecoder(rc).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding embeddings response: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embeddings response contained no data")
	}
	return resp.Data[0].Embedding, nil
}

// postJSON issues a POST with retry on rate limiting (HTTP 429), returning
// the response body. The caller must close it.
func (c *Client) postJSON(ctx context.Context, path string, payload any, timeout time.Duration) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		rc, err := c.doPost(ctx, path, body, timeout)
		if err == nil {
			return rc, nil
		}
		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) doPost(ctx context.Context, path string, body []byte, timeout time.Duration) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		cancel()
		return nil, &rateLimitError{status: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
