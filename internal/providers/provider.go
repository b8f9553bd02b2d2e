package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Result is a single item returned by a search provider.
type Result struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	Snippet  string `json:"snippet"`
	Content  string `json:"content"`
	Provider string `json:"provider"`
}

// Text returns the best available body for the result.
func (r Result) Text() string {
	if strings.TrimSpace(r.Content) != "" {
		return r.Content
	}
	return r.Snippet
}

// Provider executes a search query.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string) ([]Result, error)
}

// Doer is satisfied by *http.Client and circuitbreaker.HTTPWrapper.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Error is returned by adapters for every failed call. Transient errors
// (network, timeouts, rate limiting, 5xx) may be retried; permanent ones
// (auth, malformed request) may not.
type Error struct {
	Provider   string
	Transient  bool
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s error (http %d): %v", e.Provider, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Provider, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient builds a retryable provider error.
func Transient(provider string, err error) *Error {
	return &Error{Provider: provider, Transient: true, Err: err}
}

// Permanent builds a non-retryable provider error.
func Permanent(provider string, err error) *Error {
	return &Error{Provider: provider, Err: err}
}

// IsTransient reports whether err is a retryable provider error.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// RetryAfter returns the server-requested delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// FromStatus classifies a non-2xx HTTP response.
func FromStatus(provider string, code int, body string) *Error {
	transient := code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout ||
		code >= 500
	msg := http.StatusText(code)
	if b := strings.TrimSpace(body); b != "" {
		if len(b) > 200 {
			b = b[:200]
		}
		msg = msg + ": " + b
	}
	return &Error{Provider: provider, Transient: transient, StatusCode: code, Err: errors.New(msg)}
}

// FromTransport classifies an error returned before any response arrived.
// Connection resets, DNS failures and timeouts are all worth another
// attempt; only caller cancellation is final.
func FromTransport(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return Permanent(provider, err)
	}
	return Transient(provider, err)
}
