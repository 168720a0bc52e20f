package adapter

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fressi-elastic/rally/internal/rangeset"
)

// defaultIdleTimeout bounds how long a stream Read may go without
// receiving a single byte before it is declared transiently dead.
const defaultIdleTimeout = 30 * time.Second

// HTTPAdapter speaks plain HTTP(S). It matches any http:// or https:// URL;
// the Client tries adapters in order and uses the first match, so register
// scheme-specific adapters like S3Adapter ahead of it.
type HTTPAdapter struct {
	Client      *http.Client
	ChunkSize   int
	IdleTimeout time.Duration
}

// NewHTTPAdapter returns an HTTPAdapter with sane defaults: http.DefaultClient
// with an explicit timeout rather than none.
func NewHTTPAdapter(chunkSize int) *HTTPAdapter {
	if chunkSize < 1 {
		chunkSize = 64 * 1024
	}
	return &HTTPAdapter{
		Client:      &http.Client{Timeout: 2 * time.Minute},
		ChunkSize:   chunkSize,
		IdleTimeout: defaultIdleTimeout,
	}
}

// MatchURL reports whether url has an http or https scheme.
func (a *HTTPAdapter) MatchURL(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// Head issues a HEAD request and classifies the result into the adapter error taxonomy.
func (a *HTTPAdapter) Head(ctx context.Context, url string) (Head, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return Head{}, PermanentError{URL: url, Msg: err.Error()}
	}
	res, err := a.Client.Do(req)
	if err != nil {
		return Head{}, TransientError{URL: url, Err: err}
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return Head{}, NotFoundError{URL: url}
	case res.StatusCode >= 500:
		return Head{}, TransientError{URL: url, Err: fmt.Errorf("HEAD %s: %s", url, res.Status)}
	case res.StatusCode != http.StatusOK:
		return Head{}, PermanentError{URL: url, Status: res.StatusCode, Msg: res.Status}
	}

	h := Head{URL: url, AcceptRanges: res.Header.Get("Accept-Ranges") == "bytes"}
	if cl := res.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil {
			return Head{}, PermanentError{URL: url, Msg: "non-numeric Content-Length: " + cl}
		}
		h.ContentLength = n
		h.DocumentLength = n
	}
	h.CRC32C = parseCRC32C(res.Header)
	if d := res.Header.Get("Date"); d != "" {
		if t, err := http.ParseTime(d); err == nil {
			h.Date = t
		}
	}
	return h, nil
}

// Get issues a ranged GET if want.Range is set, otherwise a full GET.
func (a *HTTPAdapter) Get(ctx context.Context, url string, want Want) (Head, Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Head{}, nil, PermanentError{URL: url, Msg: err.Error()}
	}

	ranged := want.Range != nil
	if ranged {
		// HTTP ranges are inclusive on both ends.
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", want.Range.Start, want.Range.End-1))
	}

	res, err := a.Client.Do(req)
	if err != nil {
		return Head{}, nil, TransientError{URL: url, Err: err}
	}

	switch res.StatusCode {
	case http.StatusRequestedRangeNotSatisfiable:
		res.Body.Close()
		return Head{}, nil, PermanentError{URL: url, Status: res.StatusCode, Msg: "range outside object"}
	case http.StatusNotFound:
		res.Body.Close()
		return Head{}, nil, NotFoundError{URL: url}
	}
	if res.StatusCode >= 500 {
		res.Body.Close()
		return Head{}, nil, TransientError{URL: url, Err: fmt.Errorf("GET %s: %s", url, res.Status)}
	}

	h := Head{URL: url, AcceptRanges: res.Header.Get("Accept-Ranges") == "bytes"}
	h.CRC32C = parseCRC32C(res.Header)

	switch {
	case ranged && res.StatusCode == http.StatusPartialContent:
		start, end, total, err := parseContentRange(res.Header.Get("Content-Range"))
		if err != nil {
			res.Body.Close()
			return Head{}, nil, PermanentError{URL: url, Msg: err.Error()}
		}
		// Only the start of the served range is checked here;
		// ExecuteWorkItem rejects a body whose length differs from the
		// requested range. The total is reported in DocumentLength and is
		// not compared against the transfer's document length.
		if start != want.Range.Start {
			res.Body.Close()
			return Head{}, nil, PermanentError{URL: url, Msg: "server returned a different range than requested"}
		}
		got := rangeset.Range{Start: start, End: end}
		h.Ranges = &got
		h.ContentLength = end - start
		h.DocumentLength = total
	case ranged && res.StatusCode == http.StatusOK:
		// A 200 to a range request is only acceptable when the request was
		// effectively for the whole object [0, L).
		cl := res.Header.Get("Content-Length")
		n, _ := strconv.ParseInt(cl, 10, 64)
		if want.Range.Start != 0 || (n != 0 && want.Range.End != n) {
			res.Body.Close()
			return Head{}, nil, PermanentError{URL: url, Msg: "server returned 200 to a partial range request"}
		}
		h.ContentLength = n
		h.DocumentLength = n
	case res.StatusCode == http.StatusOK:
		if cl := res.Header.Get("Content-Length"); cl != "" {
			n, err := strconv.ParseInt(cl, 10, 64)
			if err != nil {
				res.Body.Close()
				return Head{}, nil, PermanentError{URL: url, Msg: "non-numeric Content-Length: " + cl}
			}
			h.ContentLength = n
			h.DocumentLength = n
		}
	default:
		res.Body.Close()
		return Head{}, nil, PermanentError{URL: url, Status: res.StatusCode, Msg: res.Status}
	}

	return h, newChunkedStream(res.Body, url, a.ChunkSize, a.IdleTimeout), nil
}

// parseCRC32C extracts a crc32c digest from provider metadata headers. GCS
// advertises it as "X-Goog-Hash: crc32c=<base64>,md5=<base64>"; this
// normalizes it to lowercase hex, matching the value shape the Transfer
// compares against its own computed digest.
func parseCRC32C(h http.Header) string {
	for _, raw := range h.Values("X-Goog-Hash") {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if !strings.HasPrefix(part, "crc32c=") {
				continue
			}
			b64 := strings.TrimPrefix(part, "crc32c=")
			decoded, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				continue
			}
			return hex.EncodeToString(decoded)
		}
	}
	return ""
}

// parseContentRange parses "bytes s-e-1/L" into [s, e) and total L. A "*"
// total is reported as 0 (unknown).
func parseContentRange(v string) (start, end, total int64, err error) {
	v = strings.TrimPrefix(v, "bytes ")
	parts := strings.SplitN(v, "/", 2)
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range: %q", v)
	}
	if parts[1] != "*" {
		total, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("malformed Content-Range total: %q", v)
		}
	}
	rangeParts := strings.SplitN(parts[0], "-", 2)
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range: %q", v)
	}
	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range start: %q", v)
	}
	endIncl, err := strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range end: %q", v)
	}
	return start, endIncl + 1, total, nil
}
