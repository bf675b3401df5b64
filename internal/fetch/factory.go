package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"locomote/internal/replica"
)

// Config configures the transports.
type Config struct {
	TimeoutSeconds int      `toml:"timeout_seconds"`
	Retries        int      `toml:"retries"`
	S3             S3Config `toml:"s3"`
}

// Dispatcher routes fetches by URL scheme: s3:// URLs to the S3
// transport, everything else to HTTP.
type Dispatcher struct {
	http replica.Fetcher
	s3   replica.Fetcher
}

// NewFetcherFromConfig builds the transport stack. The S3 transport is
// only constructed when a region or endpoint is configured.
func NewFetcherFromConfig(ctx context.Context, config Config) (replica.Fetcher, error) {
	timeout := 30 * time.Second
	if config.TimeoutSeconds > 0 {
		timeout = time.Duration(config.TimeoutSeconds) * time.Second
	}
	d := &Dispatcher{http: NewHTTP(timeout, config.Retries)}
	if config.S3.Region != "" || config.S3.Endpoint != "" {
		s3f, err := NewS3(ctx, config.S3)
		if err != nil {
			return nil, err
		}
		d.s3 = s3f
	}
	return d, nil
}

func (d *Dispatcher) Fetch(ctx context.Context, url string) (*replica.Response, error) {
	if strings.HasPrefix(url, "s3://") {
		if d.s3 == nil {
			return nil, fmt.Errorf("s3 transport not configured for %s", url)
		}
		return d.s3.Fetch(ctx, url)
	}
	return d.http.Fetch(ctx, url)
}

var _ replica.Fetcher = (*Dispatcher)(nil)
