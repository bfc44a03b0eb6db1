// Package transport builds the HTTP client shared by the catalog and hosting
// platform adapters.
package transport

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	retryWaitMin = 200 * time.Millisecond
	retryWaitMax = 5 * time.Second
)

// NewHTTPClient returns an *http.Client that retries connection errors, 429s
// and 5xx responses with exponential backoff (200ms doubling to a 5s cap).
// retries is the number of attempts after the first.
func NewHTTPClient(timeout time.Duration, retries int, logger *slog.Logger) *http.Client {
	rc := newRetryClient(retries, logger)
	rc.HTTPClient.Timeout = timeout
	return rc.StandardClient()
}

// NewDownloadClient is NewHTTPClient for large streamed bodies. headerTimeout
// bounds only the wait for response headers; reading the body is limited by
// the request context alone.
func NewDownloadClient(headerTimeout time.Duration, retries int, logger *slog.Logger) *http.Client {
	rc := newRetryClient(retries, logger)
	if t, ok := rc.HTTPClient.Transport.(*http.Transport); ok {
		t.ResponseHeaderTimeout = headerTimeout
	}
	return rc.StandardClient()
}

func newRetryClient(retries int, logger *slog.Logger) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retries
	rc.RetryWaitMin = retryWaitMin
	rc.RetryWaitMax = retryWaitMax
	rc.Logger = logger
	rc.ErrorHandler = keepLastResponse
	return rc
}

// keepLastResponse hands the final response back once retries are exhausted so
// callers can report its status and body. Transport errors are returned as is.
func keepLastResponse(resp *http.Response, err error, attempts int) (*http.Response, error) {
	if resp != nil {
		return resp, nil
	}
	return nil, fmt.Errorf("giving up after %d attempt(s): %w", attempts, err)
}
