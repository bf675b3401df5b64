// Package testutil provides stub implementations of the replica's
// dependencies for deterministic tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"locomote/internal/model"
	"locomote/internal/replica"
)

// ScriptedFetcher serves canned responses by exact URL and records every
// request made. Unknown URLs answer 404.
type ScriptedFetcher struct {
	mu        sync.Mutex
	responses map[string]scriptedResponse
	failures  map[string]error
	requests  []string
}

type scriptedResponse struct {
	status      int
	contentType string
	body        []byte
}

func NewScriptedFetcher() *ScriptedFetcher {
	return &ScriptedFetcher{
		responses: make(map[string]scriptedResponse),
		failures:  make(map[string]error),
	}
}

// Respond registers a canned response for a URL.
func (f *ScriptedFetcher) Respond(url string, status int, contentType string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = scriptedResponse{status: status, contentType: contentType, body: body}
	delete(f.failures, url)
}

// RespondText registers a 200 text response for a URL.
func (f *ScriptedFetcher) RespondText(url, contentType, body string) {
	f.Respond(url, 200, contentType, []byte(body))
}

// Fail makes fetches of a URL return a transport error.
func (f *ScriptedFetcher) Fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[url] = err
	delete(f.responses, url)
}

// Requests returns the URLs fetched so far, in order.
func (f *ScriptedFetcher) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	copy(out, f.requests)
	return out
}

// RequestCount returns how many fetches matched the URL prefix.
func (f *ScriptedFetcher) RequestCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, url := range f.requests {
		if strings.HasPrefix(url, prefix) {
			n++
		}
	}
	return n
}

func (f *ScriptedFetcher) Fetch(_ context.Context, url string) (*replica.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, url)
	err, failed := f.failures[url]
	resp, ok := f.responses[url]
	f.mu.Unlock()

	if failed {
		return nil, err
	}
	if !ok {
		return &replica.Response{
			Status: 404,
			Body:   io.NopCloser(bytes.NewReader(nil)),
		}, nil
	}
	return &replica.Response{
		Status:      resp.status,
		ContentType: resp.contentType,
		Body:        io.NopCloser(bytes.NewReader(resp.body)),
	}, nil
}

var _ replica.Fetcher = (*ScriptedFetcher)(nil)

// FileList encodes paths as a fileset manifest body: one JSON string
// per line.
func FileList(paths ...string) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, path := range paths {
		if err := enc.Encode(path); err != nil {
			panic(fmt.Sprintf("encoding manifest path: %v", err))
		}
	}
	return buf.Bytes()
}

// Feed encodes records as a newline-delimited JSON update feed body.
func Feed(recs ...*model.FileRecord) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			panic(fmt.Sprintf("encoding feed record: %v", err))
		}
	}
	return buf.Bytes()
}
