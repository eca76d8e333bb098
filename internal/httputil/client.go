// Package httputil wraps outbound HTTP for the archive, catalogue and
// index-file clients, and carries the JSON response helpers used by the
// status API.
package httputil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds outbound requests that do not stream large
// files.
const DefaultTimeout = 30 * time.Second

// HTTPClient is the outbound request surface. *http.Client satisfies
// it; tests use a Recorder.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewClient returns an http.Client with the given timeout. A zero
// timeout leaves transfers unbounded, as index and archive downloads
// need.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// Get issues a GET with the context attached.
func Get(ctx context.Context, c HTTPClient, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post issues a POST with the context attached.
func Post(ctx context.Context, c HTTPClient, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.Do(req)
}

// ReadBody drains and closes the response body. Non-2xx statuses
// become errors carrying a body excerpt.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %s: %s", resp.Status, excerpt(body))
	}
	return body, nil
}

// CheckStatus consumes the body on a non-2xx status and returns the
// same error ReadBody would. The body stays open on success so callers
// can stream it.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("HTTP %s: %s", resp.Status, excerpt(body))
}

func excerpt(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

// Recorder is a scripted HTTPClient for tests. Responses come back in
// the order queued, then empty 200s once the queue runs out; every
// request and its body are recorded.
type Recorder struct {
	mu        sync.Mutex
	requests  []*http.Request
	bodies    [][]byte
	responses []cannedResponse
	next      int

	// Err, when set, fails every request.
	Err error
}

type cannedResponse struct {
	status int
	body   string
	err    error
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Respond queues a canned response.
func (r *Recorder) Respond(status int, body string) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, cannedResponse{status: status, body: body})
	return r
}

// Fail queues a transport error.
func (r *Recorder) Fail(err error) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, cannedResponse{err: err})
	return r
}

// Do records the request and plays back the next canned response.
func (r *Recorder) Do(req *http.Request) (*http.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}
	r.requests = append(r.requests, req)
	r.bodies = append(r.bodies, body)

	if r.Err != nil {
		return nil, r.Err
	}

	canned := cannedResponse{status: http.StatusOK}
	if r.next < len(r.responses) {
		canned = r.responses[r.next]
		r.next++
	}
	if canned.err != nil {
		return nil, canned.err
	}
	return &http.Response{
		Status:     fmt.Sprintf("%d %s", canned.status, http.StatusText(canned.status)),
		StatusCode: canned.status,
		Body:       io.NopCloser(strings.NewReader(canned.body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

// Request returns the nth recorded request, nil when out of range.
func (r *Recorder) Request(n int) *http.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n < 0 || n >= len(r.requests) {
		return nil
	}
	return r.requests[n]
}

// Body returns the nth recorded request body.
func (r *Recorder) Body(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n < 0 || n >= len(r.bodies) {
		return nil
	}
	return r.bodies[n]
}

// Count returns the number of requests seen.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}
