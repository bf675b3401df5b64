// Package fetch provides the transports the replica syncs over: plain
// HTTP with retries, and S3 for origins published to object storage.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jpillora/backoff"

	"locomote/internal/replica"
)

// HTTP fetches over plain HTTP(S). Transport errors are retried with
// jittered exponential backoff; HTTP error statuses are not retried,
// the caller decides what a 404 or 500 means.
type HTTP struct {
	client  *http.Client
	retries int
}

// NewHTTP creates an HTTP fetcher. retries is the number of additional
// attempts after a failed one.
func NewHTTP(timeout time.Duration, retries int) *HTTP {
	return &HTTP{
		client:  &http.Client{Timeout: timeout},
		retries: retries,
	}
}

func (f *HTTP) Fetch(ctx context.Context, url string) (*replica.Response, error) {
	b := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    5 * time.Second,
		Jitter: true,
	}
	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("building request for %s: %w", url, err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		return &replica.Response{
			Status:      resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        resp.Body,
		}, nil
	}
	return nil, fmt.Errorf("fetching %s: %w", url, lastErr)
}

var _ replica.Fetcher = (*HTTP)(nil)
