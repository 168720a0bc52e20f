// Package adapter implements the per-scheme drivers (HTTP, S3) that the
// Client multiplexes over. Each Adapter knows how to probe and fetch a
// single URL; retrying across mirrors is the Client's job, not the
// Adapter's.
package adapter

import (
	"context"
	"io"
	"time"

	"github.com/fressi-elastic/rally/internal/rangeset"
)

// Head is the response metadata from a HEAD (or HEAD-equivalent) probe.
type Head struct {
	URL            string
	ContentLength  int64
	DocumentLength int64
	Ranges         *rangeset.Range
	CRC32C         string
	AcceptRanges   bool
	Date           time.Time
}

// Want describes what the caller would like a GET to return.
type Want struct {
	Range *rangeset.Range
}

// Stream is a lazy byte stream producing chunks of at most the adapter's
// configured chunk size. Callers must Close it.
type Stream io.ReadCloser

// Adapter is the contract every scheme driver implements.
type Adapter interface {
	// MatchURL reports whether this adapter can handle url.
	MatchURL(url string) bool

	// Head performs a cheap metadata probe for url.
	Head(ctx context.Context, url string) (Head, error)

	// Get issues a ranged GET if want.Range is set, otherwise a full GET.
	// The returned Head reflects what was actually served; the caller MUST
	// validate it against what was requested.
	Get(ctx context.Context, url string, want Want) (Head, Stream, error)
}

// Error taxonomy. Adapters classify failures into exactly one
// of these so the Client knows whether to retry.
type (
	// NotFoundError means the artifact does not exist at this URL.
	NotFoundError struct{ URL string }
	// PermanentError means a 4xx status other than 404 (416, a range
	// outside the object, included) or a protocol violation; never retried.
	PermanentError struct {
		URL    string
		Status int
		Msg    string
	}
	// TransientError means a timeout, 5xx, connection reset, or partial
	// body; retried by the Client via mirror rotation.
	TransientError struct {
		URL string
		Err error
	}
)

func (e NotFoundError) Error() string { return "adapter: not found: " + e.URL }

func (e PermanentError) Error() string {
	if e.Msg != "" {
		return "adapter: permanent error for " + e.URL + ": " + e.Msg
	}
	return "adapter: permanent error for " + e.URL
}

func (e TransientError) Error() string {
	return "adapter: transient error for " + e.URL + ": " + e.Err.Error()
}

func (e TransientError) Unwrap() error { return e.Err }
