package engine

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// retryAfterStaleness bounds how long a captured Retry-After value is
// trusted before it is considered unrelated to the current request.
const retryAfterStaleness = 60 * time.Second

// RetryAfterHTTPClient wraps an http.Client to capture Retry-After headers
// from 429 responses. langchaingo surfaces rate-limit failures as opaque
// error strings, so the only reliable way to learn the server's requested
// wait is to intercept the response before the client library discards it.
type RetryAfterHTTPClient struct {
	wrapped *http.Client

	mu               sync.RWMutex
	lastRetryAfter   time.Duration
	lastRetryAfterAt time.Time
}

// NewRetryAfterHTTPClient wraps the given client; nil gets a default client
// with a 30 second timeout.
func NewRetryAfterHTTPClient(wrapped *http.Client) *RetryAfterHTTPClient {
	if wrapped == nil {
		wrapped = &http.Client{Timeout: 30 * time.Second}
	}
	return &RetryAfterHTTPClient{wrapped: wrapped}
}

// Do satisfies the Doer interface langchaingo's providers accept. 429
// responses have their Retry-After captured before being passed through
// untouched.
func (c *RetryAfterHTTPClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.wrapped.Do(req)
	if err != nil || resp == nil {
		return resp, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if retryAfter := retryAfterFromResponse(resp); retryAfter > 0 {
			c.mu.Lock()
			c.lastRetryAfter = retryAfter
			c.lastRetryAfterAt = time.Now()
			c.mu.Unlock()
		}
	}
	return resp, err
}

// GetLastRetryAfter returns the most recently captured Retry-After duration
// and its capture time, or zero values when nothing fresh is available.
func (c *RetryAfterHTTPClient) GetLastRetryAfter() (time.Duration, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if time.Since(c.lastRetryAfterAt) > retryAfterStaleness {
		return 0, time.Time{}
	}
	return c.lastRetryAfter, c.lastRetryAfterAt
}

// ClearRetryAfter drops the cached value so it is not reused for an
// unrelated request.
func (c *RetryAfterHTTPClient) ClearRetryAfter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRetryAfter = 0
	c.lastRetryAfterAt = time.Time{}
}

// retryAfterFromResponse reads the server's requested wait. Azure OpenAI
// sends both retry-after-ms (milliseconds) and Retry-After (seconds); the
// millisecond variant is preferred for precision.
func retryAfterFromResponse(resp *http.Response) time.Duration {
	if msValue := resp.Header.Get("retry-after-ms"); msValue != "" {
		if ms, err := strconv.Atoi(strings.TrimSpace(msValue)); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return parseRetryAfterHeader(resp.Header.Get("Retry-After"))
}

// parseRetryAfterHeader handles both header forms: an integer number of
// seconds, or an HTTP-date.
func parseRetryAfterHeader(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	for _, format := range []string{time.RFC1123, time.RFC1123Z} {
		if t, err := time.Parse(format, value); err == nil {
			if wait := time.Until(t); wait > 0 {
				return wait
			}
			// A date in the past still signals "back off", just minimally.
			return time.Second
		}
	}
	return 0
}

// RetryAfterProvider exposes captured Retry-After information to the retry
// layer.
type RetryAfterProvider interface {
	GetLastRetryAfter() (time.Duration, time.Time)
	ClearRetryAfter()
}
