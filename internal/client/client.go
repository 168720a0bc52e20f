// Package client provides the façade over the adapter set and mirror
// registry: it picks a mirror, performs the request, rotates on failure,
// and caches HEAD responses. This generalizes the RetryClient idiom from
// github.com/cognusion/go-rangetripper's client.go/retryclient.go, from
// "retry one URL" to "retry across mirrors".
package client

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cognusion/go-timings"
	"github.com/eapache/go-resiliency/retrier"

	"github.com/fressi-elastic/rally/internal/adapter"
	"github.com/fressi-elastic/rally/internal/mirror"
)

// TimeoutError is returned when every mirror in rotation fails within the
// attempt budget.
type TimeoutError struct {
	URL   string
	Cause error
}

func (e TimeoutError) Error() string {
	if e.Cause != nil {
		return "client: exhausted retries for " + e.URL + ": " + e.Cause.Error()
	}
	return "client: exhausted retries for " + e.URL
}

func (e TimeoutError) Unwrap() error { return e.Cause }

type headCacheEntry struct {
	head    adapter.Head
	expires time.Time
}

// resolvedEntry pins a logical URL to the physical mirror that last served
// it, so consecutive range fetches of one artifact stick to one mirror
// instead of re-rolling the dice per request.
type resolvedEntry struct {
	target  string
	expires time.Time
}

// Client multiplexes HEAD/GET over a set of Adapters and a Mirror registry.
// It is safe for concurrent use; workers call Get from multiple goroutines.
type Client struct {
	adapters   []adapter.Adapter
	mirrors    *mirror.Registry
	maxRetries int
	headTTL    time.Duration
	resolveTTL time.Duration

	mu        sync.Mutex
	headCache map[string]headCacheEntry
	resolved  map[string]resolvedEntry

	TimingsOut *log.Logger
}

// New returns a Client over the given adapters (tried in order) and mirror
// registry.
func New(adapters []adapter.Adapter, mirrors *mirror.Registry, maxRetries int, headTTL, resolveTTL time.Duration) *Client {
	return &Client{
		adapters:   adapters,
		mirrors:    mirrors,
		maxRetries: maxRetries,
		headTTL:    headTTL,
		resolveTTL: resolveTTL,
		headCache:  make(map[string]headCacheEntry),
		resolved:   make(map[string]resolvedEntry),
		TimingsOut: log.New(io.Discard, "", 0),
	}
}

func (c *Client) adapterFor(url string) (adapter.Adapter, bool) {
	for _, a := range c.adapters {
		if a.MatchURL(url) {
			return a, true
		}
	}
	return nil, false
}

// Head returns cached metadata for url if fresh, otherwise probes via a
// mirror-rotating adapter call.
func (c *Client) Head(ctx context.Context, url string) (adapter.Head, error) {
	c.mu.Lock()
	if e, ok := c.headCache[url]; ok && time.Now().Before(e.expires) {
		c.mu.Unlock()
		return e.head, nil
	}
	c.mu.Unlock()

	defer timings.Track("client.Head "+url, time.Now(), c.TimingsOut)

	a, ok := c.adapterFor(url)
	if !ok {
		return adapter.Head{}, errors.New("client: no adapter matches " + url)
	}

	h, _, err := c.withMirrorRotation(ctx, url, func(ctx context.Context, target string) (adapter.Head, adapter.Stream, error) {
		head, err := a.Head(ctx, target)
		return head, nil, err
	})
	if err != nil {
		return adapter.Head{}, err
	}

	c.mu.Lock()
	c.headCache[url] = headCacheEntry{head: h, expires: time.Now().Add(c.headTTL)}
	c.mu.Unlock()
	return h, nil
}

// Get issues a GET (ranged if want.Range is set) with mirror rotation on
// failures that never delivered a body. Once a response stream has been
// returned to the caller, a mid-body failure is the caller's (Transfer's)
// problem to replan against a different mirror on the next work item.
func (c *Client) Get(ctx context.Context, url string, want adapter.Want) (adapter.Head, adapter.Stream, error) {
	defer timings.Track("client.Get "+url, time.Now(), c.TimingsOut)

	a, ok := c.adapterFor(url)
	if !ok {
		return adapter.Head{}, nil, errors.New("client: no adapter matches " + url)
	}

	h, stream, err := c.withMirrorRotation(ctx, url, func(ctx context.Context, target string) (adapter.Head, adapter.Stream, error) {
		return a.Get(ctx, target, want)
	})
	return h, stream, err
}

// mirrorClassifier adapts this package's error taxonomy to go-resiliency's
// retry-or-fail decision, the same role retryclient.go's BlacklistClassifier
// plays upstream: Permanent/NotFound fail immediately, everything else is
// retried up to the Retrier's attempt budget.
type mirrorClassifier struct{}

func (mirrorClassifier) Classify(err error) retrier.Action {
	switch {
	case err == nil:
		return retrier.Succeed
	case errors.As(err, new(TimeoutError)):
		// Every candidate mirror has been tried; retrying cannot help.
		return retrier.Fail
	case retriable(err):
		return retrier.Retry
	default:
		return retrier.Fail
	}
}

// withMirrorRotation tries fn against successive mirrors of logicalURL,
// rotating on TransientError and recording health, until one succeeds, a
// permanent/not-found error is hit, every candidate mirror has been tried,
// or maxRetries retries after the first attempt are exhausted.
// Backoff between attempts is governed by mirror cooldowns,
// not a per-attempt sleep, hence the zero-duration ConstantBackoff: the
// Retrier here only supplies the attempt budget and the classify-and-stop
// logic, not timing.
func (c *Client) withMirrorRotation(
	ctx context.Context,
	logicalURL string,
	fn func(context.Context, string) (adapter.Head, adapter.Stream, error),
) (adapter.Head, adapter.Stream, error) {
	tried := map[string]bool{}
	var (
		result  adapter.Head
		stream  adapter.Stream
		lastErr error
	)

	r := retrier.New(retrier.ConstantBackoff(c.maxRetries, 0), mirrorClassifier{})
	runErr := r.Run(func() error {
		target, ok := c.pickTarget(logicalURL, tried)
		if !ok {
			lastErr = TimeoutError{URL: logicalURL, Cause: lastErr}
			return lastErr
		}
		tried[target] = true

		h, st, err := fn(ctx, target)
		if err != nil {
			lastErr = err
			if retriable(err) {
				c.mirrors.RecordFailure(logicalURL, target, time.Now())
			}
			c.forgetResolved(logicalURL, target)
			return err
		}
		result, stream = h, st
		c.mirrors.RecordSuccess(logicalURL, target)
		c.rememberResolved(logicalURL, target)
		return nil
	})
	if runErr == nil {
		return result, stream, nil
	}
	if errors.As(runErr, new(adapter.TransientError)) {
		return adapter.Head{}, nil, TimeoutError{URL: logicalURL, Cause: runErr}
	}
	return adapter.Head{}, nil, runErr
}

// retriable reports whether err is a TransientError or a bare network
// error (neither NotFound nor Permanent).
func retriable(err error) bool {
	var te adapter.TransientError
	if errors.As(err, &te) {
		return true
	}
	var nf adapter.NotFoundError
	if errors.As(err, &nf) {
		return false
	}
	var pe adapter.PermanentError
	if errors.As(err, &pe) {
		return false
	}
	// Unclassified network-level errors are treated as transient.
	return true
}

// pickTarget prefers the mirror that last served logicalURL (while its
// resolve entry is fresh and it hasn't been tried this request), falling
// back to the registry's random pick.
func (c *Client) pickTarget(logicalURL string, tried map[string]bool) (string, bool) {
	c.mu.Lock()
	e, ok := c.resolved[logicalURL]
	c.mu.Unlock()
	if ok && time.Now().Before(e.expires) && !tried[e.target] {
		return e.target, true
	}
	return c.mirrors.Pick(logicalURL, tried)
}

func (c *Client) rememberResolved(logicalURL, target string) {
	c.mu.Lock()
	c.resolved[logicalURL] = resolvedEntry{target: target, expires: time.Now().Add(c.resolveTTL)}
	c.mu.Unlock()
}

func (c *Client) forgetResolved(logicalURL, target string) {
	c.mu.Lock()
	if e, ok := c.resolved[logicalURL]; ok && e.target == target {
		delete(c.resolved, logicalURL)
	}
	c.mu.Unlock()
}

// Monitor evicts expired HEAD cache and resolved-URL entries and reaps
// resolved mirror cooldowns. Called by the Supervisor on each tick.
func (c *Client) Monitor() {
	now := time.Now()
	c.mu.Lock()
	for url, e := range c.headCache {
		if now.After(e.expires) {
			delete(c.headCache, url)
		}
	}
	for url, e := range c.resolved {
		if now.After(e.expires) {
			delete(c.resolved, url)
		}
	}
	c.mu.Unlock()
	c.mirrors.ReapCooldowns(now)
}
