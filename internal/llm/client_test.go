package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(url string) *Client {
	return NewClient(url, "test-key")
}

func TestChat_ReturnsContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Stream {
			t.Error("single-shot request has stream=true")
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hello there"}}]}`)
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, ChatOptions{})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if got != "hello there" {
		t.Errorf("Chat() = %q, want %q", got, "hello there")
	}
}

func TestChat_RetriesOnRateLimit(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	start := time.Now()
	got, err := newTestClient(srv.URL).Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, ChatOptions{})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if got != "ok" {
		t.Errorf("Chat() = %q, want ok", got)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	// Backoff 500ms after attempt 1, 1s after attempt 2.
	if elapsed := time.Since(start); elapsed < 1500*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 1.5s of backoff", elapsed)
	}
}

func TestChat_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, ChatOptions{})
	if err == nil {
		t.Fatal("Chat() error = nil, want error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 400)", calls.Load())
	}
}

func TestChatStream_ForwardsDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, ": keepalive comment\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var sb strings.Builder
	err := newTestClient(srv.URL).ChatStream(context.Background(), []Message{{Role: "user", Content: "hi"}}, ChatOptions{}, func(delta string) error {
		sb.WriteString(delta)
		return nil
	})
	if err != nil {
		t.Fatalf("ChatStream() error: %v", err)
	}
	if sb.String() != "Hello" {
		t.Errorf("streamed content = %q, want %q", sb.String(), "Hello")
	}
}

func TestChatStream_SinkErrorAbandonsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"y\"}}]}\n\n")
	}))
	defer srv.Close()

	wantErr := fmt.Errorf("sink closed")
	var got []string
	err := newTestClient(srv.URL).ChatStream(context.Background(), []Message{{Role: "user", Content: "hi"}}, ChatOptions{}, func(delta string) error {
		got = append(got, delta)
		return wantErr
	})
	if err == nil || !strings.Contains(err.Error(), "sink closed") {
		t.Errorf("ChatStream() error = %v, want sink error", err)
	}
	if len(got) != 1 {
		t.Errorf("sink called %d times, want 1", len(got))
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"data":[{"embedding":[0.1,0.2,0.3],"index":0}]}`)
	}))
	defer srv.Close()

	vec, err := newTestClient(srv.URL).Embed(context.Background(), "some text")
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("len(vec) = %d, want 3", len(vec))
	}
}

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parsing multipart: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model = %q, want whisper-1", got)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("reading file part: %v", err)
		}
		defer f.Close()
		if hdr.Filename != "lecture.mp3" {
			t.Errorf("filename = %q", hdr.Filename)
		}
		fmt.Fprint(w, `{"text":"today we cover graphs"}`)
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Transcribe(context.Background(), "lecture.mp3", strings.NewReader("audio-bytes"))
	if err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}
	if got != "today we cover graphs" {
		t.Errorf("Transcribe() = %q", got)
	}
}

func TestNewClient_NoGlobalHTTPTimeout(t *testing.T) {
	c := NewClient("http://example.invalid", "k")
	// A Timeout on the client would bound every call including body
	// transfer, overriding the per-call deadlines that transcription
	// (minutes) and streaming rely on.
	if c.httpClient.Timeout != 0 {
		t.Errorf("http client Timeout = %v, want 0 (per-call contexts carry deadlines)", c.httpClient.Timeout)
	}
}

func TestTranscribe_OutlivesShortResponseDelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		fmt.Fprint(w, `{"text":"slow but fine"}`)
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Transcribe(context.Background(), "lecture.mp3", strings.NewReader("audio"))
	if err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}
	if got != "slow but fine" {
		t.Errorf("transcript = %q", got)
	}
}
