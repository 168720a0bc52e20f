package adapter

import (
	"fmt"
	"io"
	"time"
)

// chunkedStream wraps a response body so that each Read delivers at most
// chunkSize bytes and is bounded by an idle timeout: no bytes for idle
// duration surfaces as a TransientError. After a timeout the stream is
// poisoned; the caller must Close it and replan the remaining sub-range.
type chunkedStream struct {
	rc        io.ReadCloser
	url       string
	chunkSize int
	idle      time.Duration

	scratch  []byte
	timedOut bool
}

func newChunkedStream(rc io.ReadCloser, url string, chunkSize int, idle time.Duration) *chunkedStream {
	if chunkSize < 1 {
		chunkSize = 64 * 1024
	}
	return &chunkedStream{rc: rc, url: url, chunkSize: chunkSize, idle: idle}
}

type readResult struct {
	n   int
	err error
}

func (s *chunkedStream) Read(p []byte) (int, error) {
	if s.timedOut {
		return 0, TransientError{URL: s.url, Err: fmt.Errorf("stream already timed out")}
	}
	n := len(p)
	if n > s.chunkSize {
		n = s.chunkSize
	}
	if s.idle <= 0 {
		return s.rc.Read(p[:n])
	}

	// The inner read happens into a scratch buffer owned by this stream,
	// not into p: once a read times out, the abandoned goroutine may still
	// write into its buffer, and p belongs to the caller.
	if cap(s.scratch) < n {
		s.scratch = make([]byte, n)
	}
	buf := s.scratch[:n]

	ch := make(chan readResult, 1)
	go func() {
		rn, err := s.rc.Read(buf)
		ch <- readResult{n: rn, err: err}
	}()

	t := time.NewTimer(s.idle)
	defer t.Stop()

	select {
	case r := <-ch:
		copy(p, buf[:r.n])
		return r.n, r.err
	case <-t.C:
		s.timedOut = true
		return 0, TransientError{URL: s.url, Err: fmt.Errorf("no bytes received for %s", s.idle)}
	}
}

// Close closes the underlying body, which also unblocks any read still
// pending after a timeout.
func (s *chunkedStream) Close() error {
	return s.rc.Close()
}
