package replica

import (
	"context"
	"io"
)

// Response is the result of fetching a remote resource. Body is always
// non-nil on a nil error and must be closed by the caller.
type Response struct {
	Status      int
	ContentType string
	Body        io.ReadCloser
}

// Fetcher retrieves remote resources by absolute URL. Implementations
// handle transport concerns (retries, credentials); a non-2xx status is
// returned as a Response, not an error.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}
