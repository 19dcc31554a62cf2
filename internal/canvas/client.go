// Package canvas is a client for a Canvas-compatible LMS REST API. It
// transparently follows Link-header pagination, retries transient failures
// with exponential backoff, and bounds the number of in-flight requests so
// batch fan-outs cannot overwhelm the upstream service.
package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	defaultQueueLimit  = 12
	defaultMaxRetries  = 3
	defaultBackoffBase = 500 * time.Millisecond
	defaultTimeout     = 30 * time.Second
	perPage            = "50"
)

// pageMode marks a request's place in a paginated fetch. The next-link chain
// is driven solely by getList, which issues pageInitial then pageContinuation
// requests; request itself never follows a link, so a cyclic Link header
// cannot cause an infinite crawl. pageSingle is for single-resource fetches,
// whose Link headers are discarded outright.
type pageMode int

const (
	pageInitial pageMode = iota
	pageContinuation
	pageSingle
)

// APIError is a non-retryable (or retry-exhausted) upstream failure. Callers
// branch on StatusCode to distinguish auth failure (401) from not-found (404)
// from exhausted-transient (429/5xx).
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("canvas API error (HTTP %d): %s", e.StatusCode, e.Body)
}

// Client issues authenticated requests against a Canvas-compatible API.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	maxRetries  int
	backoffBase time.Duration

	// slots is the admission queue: each logical request holds one slot for
	// its whole lifetime (retries and pagination included). Sized
	// independently of the batch layer's concurrency limit; the two compose.
	slots chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithQueueLimit sets the maximum number of in-flight logical requests.
func WithQueueLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.slots = make(chan struct{}, n)
		}
	}
}

// WithMaxRetries sets the retry budget per logical request.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBackoffBase sets the first retry delay; each further retry doubles it.
func WithBackoffBase(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.backoffBase = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client (used by tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Client for the given instance base URL (e.g.
// "https://umd.instructure.com") and access token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		maxRetries:  defaultMaxRetries,
		backoffBase: defaultBackoffBase,
		slots:       make(chan struct{}, defaultQueueLimit),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// VerifyToken checks the access token against /users/self. Auth failures are
// reported in the TokenStatus, not as an error; only transport-level problems
// return a non-nil error.
func (c *Client) VerifyToken(ctx context.Context) (TokenStatus, error) {
	body, _, err := c.request(ctx, c.baseURL+"/api/v1/users/self", pageInitial)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return TokenStatus{OK: false, Err: fmt.Sprintf("HTTP %d", apiErr.StatusCode)}, nil
		}
		return TokenStatus{}, err
	}

	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return TokenStatus{}, fmt.Errorf("decoding user: %w", err)
	}
	return TokenStatus{OK: true, User: &user}, nil
}

// Courses returns the caller's active courses across all pages.
func (c *Client) Courses(ctx context.Context) ([]Course, error) {
	return getList[Course](ctx, c, "/api/v1/courses", url.Values{
		"enrollment_state": {"active"},
	})
}

// Assignments returns all assignments for a course across all pages.
func (c *Client) Assignments(ctx context.Context, courseID int64) ([]Assignment, error) {
	return getList[Assignment](ctx, c, fmt.Sprintf("/api/v1/courses/%d/assignments", courseID), url.Values{
		"order_by": {"due_at"},
	})
}

// Announcements returns announcements for a course across all pages.
func (c *Client) Announcements(ctx context.Context, courseID int64) ([]Announcement, error) {
	return getList[Announcement](ctx, c, fmt.Sprintf("/api/v1/courses/%d/discussion_topics", courseID), url.Values{
		"only_announcements": {"true"},
	})
}

// Files returns the file listing for a course across all pages. Some courses
// disable the files tab, which surfaces as a 401/403 APIError.
func (c *Client) Files(ctx context.Context, courseID int64) ([]File, error) {
	return getList[File](ctx, c, fmt.Sprintf("/api/v1/courses/%d/files", courseID), url.Values{
		"sort": {"updated_at"}, "order": {"desc"},
	})
}

// DownloadFile fetches a file's content from its (already authenticated or
// public) download URL.
func (c *Client) DownloadFile(ctx context.Context, fileURL string) ([]byte, error) {
	body, _, err := c.request(ctx, fileURL, pageSingle)
	return body, err
}

// getList fetches a JSON array resource, following the rel="next" Link chain
// and concatenating pages in order. The chain is driven here and only here;
// every follow-up request runs in pageContinuation mode.
func getList[T any](ctx context.Context, c *Client, path string, params url.Values) ([]T, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("per_page", perPage)

	var all []T
	next := c.baseURL + path + "?" + params.Encode()
	mode := pageInitial
	for next != "" {
		body, nextURL, err := c.request(ctx, next, mode)
		if err != nil {
			return nil, err
		}

		var page []T
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decoding page of %s: %w", path, err)
		}
		all = append(all, page...)

		next = nextURL
		mode = pageContinuation
	}
	return all, nil
}

// request performs one logical GET with retry. It holds an admission slot for
// the duration of the call and returns the body plus the rel="next" URL from
// the Link header, if any.
func (c *Client) request(ctx context.Context, absURL string, mode pageMode) ([]byte, string, error) {
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
	defer func() { <-c.slots }()

	var lastStatus int
	var lastBody []byte
	var lastErr error

	// attempt counts from 1 and is scoped to this logical request only.
	for attempt := 1; ; attempt++ {
		status, body, next, err := c.do(ctx, absURL)
		if err == nil && status == http.StatusOK {
			if mode == pageSingle {
				next = ""
			}
			return body, next, nil
		}

		lastStatus, lastBody, lastErr = status, body, err

		if !retryable(status, err) || attempt > c.maxRetries {
			break
		}

		backoff := c.backoffBase << (attempt - 1)
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(backoff):
		}
	}

	if lastErr != nil {
		return nil, "", fmt.Errorf("requesting %s: %w", absURL, lastErr)
	}
	return nil, "", &APIError{StatusCode: lastStatus, Body: strings.TrimSpace(string(lastBody))}
}

// retryable reports whether a failed attempt should be retried: transport
// failures, 429, and 5xx only. Other 4xx are permanent.
func retryable(status int, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return status == http.StatusTooManyRequests || status >= 500
}

func (c *Client) do(ctx context.Context, absURL string) (status int, body []byte, next string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, absURL, nil)
	if err != nil {
		return 0, nil, "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, "", fmt.Errorf("reading body: %w", err)
	}

	return resp.StatusCode, body, nextLink(resp.Header.Get("Link")), nil
}

var nextLinkRe = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// nextLink extracts the rel="next" URL from a Link response header.
func nextLink(header string) string {
	if header == "" {
		return ""
	}
	m := nextLinkRe.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	return m[1]
}
