package iiif

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxDocumentSize = 64 * 1024 * 1024

// StatusError is returned for a non-2xx response from a remote server.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: http %d", e.URL, e.Code)
}

// Temporary reports whether retrying the request later might succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

type HTTPFetcher struct {
	client *http.Client
}

func NewFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch downloads a IIIF document.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/ld+json, application/json;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	lr := &io.LimitedReader{R: resp.Body, N: maxDocumentSize + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if lr.N <= 0 {
		return nil, fmt.Errorf("fetch %s: document larger than %d bytes", url, maxDocumentSize)
	}
	return data, nil
}
