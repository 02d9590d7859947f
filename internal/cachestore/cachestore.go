// Package cachestore holds named buckets of cached HTTP responses keyed by
// absolute request URL. Buckets are shared by the background worker and the
// recovery flow.
package cachestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ErrNotFound is returned by Match when no bucket holds the key.
var ErrNotFound = errors.New("cachestore: no match")

// Storage is the bucket store.
type Storage interface {
	// Open creates the bucket if it does not exist.
	Open(ctx context.Context, bucket string) error
	// Put stores the entry under key, creating the bucket if needed.
	Put(ctx context.Context, bucket, key string, entry Entry) error
	// Match looks key up in one bucket.
	Match(ctx context.Context, bucket, key string) (Entry, error)
	// MatchAny looks key up in every bucket in creation order.
	MatchAny(ctx context.Context, key string) (Entry, error)
	// Buckets lists bucket names in creation order.
	Buckets(ctx context.Context) ([]string, error)
	// Delete removes a bucket and reports whether it existed.
	Delete(ctx context.Context, bucket string) (bool, error)
}

// Entry is a stored response.
type Entry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// NewEntry copies the status and headers of resp around body. Set-Cookie is
// never stored.
func NewEntry(resp *http.Response, body []byte, now time.Time) Entry {
	header := resp.Header.Clone()
	if header != nil {
		header.Del("Set-Cookie")
	}
	return Entry{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: now.UTC(),
	}
}

// Response rebuilds an *http.Response for req.
func (e Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// DeleteAll removes every bucket. Failures do not stop the sweep; they are
// returned joined.
func DeleteAll(ctx context.Context, s Storage) (int, error) {
	names, err := s.Buckets(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing buckets: %w", err)
	}
	var errs []error
	deleted := 0
	for _, name := range names {
		ok, err := s.Delete(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("deleting bucket %q: %w", name, err))
			continue
		}
		if ok {
			deleted++
		}
	}
	return deleted, errors.Join(errs...)
}
