// Package supervisor implements the single event-loop owner of every live
// Transfer. It is the generalization of go-rangetripper's one-RoundTrip
// RangeTripper into a long-lived coordinator: where its http.RoundTripper
// handed a single *http.Response a worker pool to fan out over, the
// Supervisor hands a whole population of concurrent downloads a shared
// Client, a shared worker Pool, and a tick that rebalances per-transfer
// connection budgets as transfers come and go. A single
// goroutine reads a typed message channel, with each message carrying an
// optional reply channel: every public method is a thin facade that builds
// a message, sends it on msgCh, and waits on the reply channel embedded in
// the message.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/cognusion/go-timings"

	"github.com/fressi-elastic/rally/internal/adapter"
	"github.com/fressi-elastic/rally/internal/client"
	"github.com/fressi-elastic/rally/internal/config"
	"github.com/fressi-elastic/rally/internal/mirror"
	"github.com/fressi-elastic/rally/internal/transfer"
	"github.com/fressi-elastic/rally/internal/workerpool"
)

// TransferStatus is the snapshot returned from GetRequest, mirroring
// the status fields callers poll for progress.
type TransferStatus struct {
	URL          string
	Path         string
	Finished     bool
	Size         *int64
	Transferred  *int64
	Duration     time.Duration
	Progress     *float64
	AverageSpeed *float64
}

// SizeMismatchError means the caller's expected_size disagreed with the
// HEAD response's content length.
type SizeMismatchError struct {
	URL  string
	Got  int64
	Want int64
}

func (e SizeMismatchError) Error() string {
	return fmt.Sprintf("supervisor: mismatching document_length for %s: got %d bytes, wanted %d bytes", e.URL, e.Got, e.Want)
}

// TransferInterruptedError aggregates a failed transfer's recent errors
// for a caller that asked to wait on it.
type TransferInterruptedError struct {
	Path   string
	Errors []error
}

func (e TransferInterruptedError) Error() string {
	return fmt.Sprintf("supervisor: transfer interrupted for %s (%d recent errors)", e.Path, len(e.Errors))
}

// CancelledError is returned to a waiting GetRequest whose transfer was
// cancelled out from under it.
type CancelledError struct{ Path string }

func (e CancelledError) Error() string { return "supervisor: transfer cancelled: " + e.Path }

// TimeoutError is returned to a waiting GetRequest whose caller-supplied
// context expired before the transfer reached a terminal state. The
// transfer itself is left running in the background.
type TimeoutError struct{ URL, Path string }

func (e TimeoutError) Error() string {
	return "supervisor: timed out waiting for " + e.URL + " -> " + e.Path
}

type getRequestMsg struct {
	url          string
	path         string
	expectedSize *int64
	wait         bool
	reply        chan getResult
}

type getResult struct {
	status TransferStatus
	err    error
}

// getResolvedMsg is posted back to the event loop once the HEAD probe for
// a brand new (url, path) pair completes; HEAD runs on its own goroutine
// so a slow mirror never blocks other messages, the Go equivalent of the
// source's "await self.client.head(url)" suspension point.
type getResolvedMsg struct {
	req  getRequestMsg
	path string
	head adapter.Head
	err  error
}

type cancelRequestMsg struct {
	path  string
	reply chan struct{}
}

type exitRequestMsg struct {
	reply chan struct{}
}

// workerResultMsg is how a worker goroutine posts its outcome back to the
// Supervisor; ApplyResult is only ever called from the event-loop
// goroutine that receives this message, preserving Transfer's no-lock
// contract.
type workerResultMsg struct {
	path      string
	item      transfer.WorkItem
	written   int64
	err       error
	permanent bool
}

// Supervisor owns every live Transfer and is the sole mutator of the
// transfers map. Construct with New and drive with Run; all other methods
// are safe to call concurrently from any goroutine.
type Supervisor struct {
	cfg          config.Config
	localDir     string
	client       *client.Client
	mirrors      *mirror.Registry
	pool         *workerpool.Pool
	stallTimeout time.Duration

	msgCh chan any

	// transfers and waiters are touched only by the Run goroutine.
	transfers map[string]*transfer.Transfer
	waiters   map[string][]getRequestMsg

	Logger *log.Logger
	// TimingsOut receives tick duration lines; defaults to discard.
	TimingsOut *log.Logger

	closeOnce sync.Once
	stopped   chan struct{}
}

// New validates cfg, loads mirror files, and constructs a Supervisor
// ready to Run. It performs the same checks as TransferActor's
// receiveMsg_ActorConfig in _manager.py: reject an invalid configuration
// before anything is built, and ensure local_dir exists.
func New(cfg config.Config, adapters []adapter.Adapter, poolSize int) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	localDir, err := cfg.ResolvedLocalDir()
	if err != nil {
		return nil, err
	}

	mirrors := mirror.New(cfg.RandomSeed)
	mirrorFiles, err := cfg.ResolvedMirrorFiles()
	if err != nil {
		return nil, err
	}
	if err := mirrors.LoadFiles(mirrorFiles); err != nil {
		return nil, fmt.Errorf("supervisor: loading mirror files: %w", err)
	}

	c := client.New(adapters, mirrors, cfg.MaxRetries, cfg.HeadTTL, cfg.ResolveTTL)

	return &Supervisor{
		cfg:          cfg,
		localDir:     localDir,
		client:       c,
		mirrors:      mirrors,
		pool:         workerpool.New(poolSize),
		stallTimeout: cfg.MonitorInterval * 10,
		msgCh:        make(chan any, 64),
		transfers:    make(map[string]*transfer.Transfer),
		waiters:      make(map[string][]getRequestMsg),
		Logger:       log.New(os.Stderr, "", log.LstdFlags),
		TimingsOut:   log.New(io.Discard, "", 0),
		stopped:      make(chan struct{}),
	}, nil
}

// Run is the single event loop; it blocks until Exit is called or ctx is
// cancelled. Tick and message handling are strictly serialized: both arrive
// on the same select, never concurrently.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()
	defer close(s.stopped)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case msg := <-s.msgCh:
			if stop := s.dispatch(ctx, msg); stop {
				return
			}
		case <-ticker.C:
			s.tick()
		}
	}
}

// dispatch routes one message to its handler. A panic in a handler is
// logged and absorbed rather than tearing the event loop down; the loop
// keeps serving the remaining transfers.
func (s *Supervisor) dispatch(ctx context.Context, msg any) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Printf("recovered from message handler panic: %v", r)
		}
	}()

	switch m := msg.(type) {
	case getRequestMsg:
		s.handleGetRequest(ctx, m)
	case getResolvedMsg:
		s.handleGetResolved(m)
	case cancelRequestMsg:
		s.handleCancel(m)
	case exitRequestMsg:
		s.shutdown()
		close(m.reply)
		return true
	case workerResultMsg:
		s.handleWorkerResult(m)
	}
	return false
}

// Get is the public facade for GetRequest: it starts (or
// reuses) a transfer of url to path and returns its status. If wait is
// true it suspends until the transfer reaches a terminal state or ctx is
// done, whichever comes first; a ctx deadline expiring surfaces as
// TimeoutError with the transfer left running.
func (s *Supervisor) Get(ctx context.Context, rawURL, path string, expectedSize *int64, wait bool) (TransferStatus, error) {
	reply := make(chan getResult, 1)
	req := getRequestMsg{url: rawURL, path: path, expectedSize: expectedSize, wait: wait, reply: reply}

	select {
	case s.msgCh <- req:
	case <-ctx.Done():
		return TransferStatus{}, ctx.Err()
	case <-s.stopped:
		return TransferStatus{}, fmt.Errorf("supervisor: stopped")
	}

	select {
	case r := <-reply:
		return r.status, r.err
	case <-ctx.Done():
		return TransferStatus{}, TimeoutError{URL: rawURL, Path: path}
	case <-s.stopped:
		return TransferStatus{}, CancelledError{Path: path}
	}
}

// Cancel is the public facade for CancelRequest.
func (s *Supervisor) Cancel(path string) {
	reply := make(chan struct{})
	select {
	case s.msgCh <- cancelRequestMsg{path: path, reply: reply}:
		<-reply
	case <-s.stopped:
	}
}

// Shutdown is the public facade for ExitRequest; it blocks until the
// event loop has closed every transfer and returned from Run.
func (s *Supervisor) Shutdown() {
	s.closeOnce.Do(func() {
		reply := make(chan struct{})
		select {
		case s.msgCh <- exitRequestMsg{reply: reply}:
			<-reply
		case <-s.stopped:
		}
	})
}

func (s *Supervisor) canonicalPath(rawURL, path string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("supervisor: parsing url %s: %w", rawURL, err)
	}
	return s.cfg.LocalPath(path, u.Path)
}

func (s *Supervisor) handleGetRequest(ctx context.Context, m getRequestMsg) {
	canonical, err := s.canonicalPath(m.url, m.path)
	if err != nil {
		m.reply <- getResult{err: err}
		return
	}

	if tr, ok := s.transfers[canonical]; ok {
		s.respondOrWait(tr, m)
		return
	}

	// Brand new (url, path): the HEAD probe runs off the event-loop
	// goroutine so a slow or unreachable mirror never stalls other
	// transfers' messages; the result comes back as a getResolvedMsg.
	go func() {
		head, err := s.client.Head(ctx, m.url)
		select {
		case s.msgCh <- getResolvedMsg{req: m, path: canonical, head: head, err: err}:
		case <-s.stopped:
		}
	}()
}

func (s *Supervisor) handleGetResolved(m getResolvedMsg) {
	if m.err != nil {
		m.req.reply <- getResult{err: m.err}
		return
	}
	if m.req.expectedSize != nil && *m.req.expectedSize != m.head.DocumentLength {
		m.req.reply <- getResult{err: SizeMismatchError{URL: m.req.url, Got: m.head.DocumentLength, Want: *m.req.expectedSize}}
		return
	}

	// A second getRequestMsg for the same path may already have resolved
	// and inserted a transfer while this HEAD was in flight.
	if tr, ok := s.transfers[m.path]; ok {
		s.respondOrWait(tr, m.req)
		return
	}

	tr := transfer.New(m.req.url, m.path, m.head.DocumentLength, m.head.CRC32C, s.cfg.MultipartSize, s.cfg.MaxConnections, s.stallTimeout)
	if err := tr.Start(); err != nil {
		m.req.reply <- getResult{err: err}
		return
	}

	if !tr.Finished() {
		// It sets max_connections after accounting for this new transfer
		// and before requesting the first worker tasks, so the very first
		// dispatch already respects the rebalanced budget (the supplemented
		// load-bearing ordering note).
		s.transfers[m.path] = tr
		s.rebalance()
		s.dispatchWork(tr)
	}

	s.respondOrWait(tr, m.req)
}

// respondOrWait answers req immediately if it isn't waiting or the
// transfer is already terminal; otherwise it registers req as a waiter
// to be answered when the transfer finishes.
func (s *Supervisor) respondOrWait(tr *transfer.Transfer, req getRequestMsg) {
	if !req.wait || tr.Terminal() {
		req.reply <- getResult{status: s.statusOf(tr), err: s.terminalError(tr)}
		return
	}
	s.waiters[tr.Path] = append(s.waiters[tr.Path], req)
}

// terminalError reports TransferInterruptedError only for a transfer that
// actually reached FAILED; a transient error recorded mid-flight and since
// recovered must not poison a later successful GetRequest. A bare "if any
// errors were ever recorded, raise" would do exactly that — a deliberate
// departure from the original's behavior, not an oversight.
func (s *Supervisor) terminalError(tr *transfer.Transfer) error {
	if tr.Failed() {
		return TransferInterruptedError{Path: tr.Path, Errors: tr.Errors()}
	}
	return nil
}

func (s *Supervisor) statusOf(tr *transfer.Transfer) TransferStatus {
	size := tr.DocumentLength
	transferred := tr.BytesDone()
	return TransferStatus{
		URL:          tr.URL,
		Path:         tr.Path,
		Finished:     tr.Finished(),
		Size:         &size,
		Transferred:  &transferred,
		Duration:     tr.Duration(),
		Progress:     tr.Progress(),
		AverageSpeed: tr.AverageSpeed(),
	}
}

func (s *Supervisor) handleCancel(m cancelRequestMsg) {
	tr, ok := s.transfers[m.path]
	if ok {
		delete(s.transfers, m.path)
		if err := tr.Close(); err != nil {
			s.Logger.Printf("error closing transfer: %s, %v", tr.URL, err)
		}
		s.notifyWaiters(m.path, getResult{err: CancelledError{Path: m.path}})
	}
	close(m.reply)
}

// dispatchWork tops a transfer up to its current MaxConnections budget by
// submitting work items to the shared pool until NextWorkItem refuses.
func (s *Supervisor) dispatchWork(tr *transfer.Transfer) {
	for {
		item, ok := tr.NextWorkItem()
		if !ok {
			return
		}
		tr.MarkRunning()
		s.submit(tr, item)
	}
}

func (s *Supervisor) submit(tr *transfer.Transfer, item transfer.WorkItem) {
	path := tr.Path
	dest := tr.File()
	h := s.pool.Submit(workerpool.Task{
		ID: item.ID,
		Fn: func(ctx context.Context) (any, error) {
			written, permanent, err := transfer.ExecuteWorkItem(ctx, s.client, item, dest)
			return workerResultMsg{path: path, item: item, written: written, err: err, permanent: permanent}, nil
		},
	})
	go func() {
		r, ok := h.Wait()
		if !ok {
			return
		}
		select {
		case s.msgCh <- r.Value.(workerResultMsg):
		case <-s.stopped:
		}
	}()
}

func (s *Supervisor) handleWorkerResult(m workerResultMsg) {
	tr, ok := s.transfers[m.path]
	if !ok {
		// The transfer was cancelled or dropped while this result was in
		// flight; discard it.
		return
	}
	if err := tr.ApplyResult(m.item, m.written, m.err, m.permanent); err != nil {
		s.Logger.Printf("error applying result for %s: %v", tr.Path, err)
	}

	if tr.Terminal() {
		if tr.Finished() {
			delete(s.transfers, m.path)
		}
		s.notifyWaiters(m.path, getResult{status: s.statusOf(tr), err: s.terminalError(tr)})
		return
	}

	s.dispatchWork(tr)
}

func (s *Supervisor) notifyWaiters(path string, result getResult) {
	for _, w := range s.waiters[path] {
		w.reply <- result
	}
	delete(s.waiters, path)
}

// tick runs the periodic rebalance-and-report cycle,
// in a load-bearing order: drop finished, recompute
// budgets, then per-transfer update, then log, then Client.Monitor.
func (s *Supervisor) tick() {
	defer timings.Track("supervisor.tick", time.Now(), s.TimingsOut)
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Printf("recovered from tick panic: %v", r)
		}
	}()

	s.dropFinished()
	if len(s.transfers) == 0 {
		s.client.Monitor()
		return
	}
	s.rebalance()

	lines := make([]string, 0, len(s.transfers))
	for _, tr := range s.transfers {
		if err := tr.SaveStatus(); err != nil {
			s.Logger.Printf("error saving status for %s: %v", tr.Path, err)
		}
		if err := tr.Start(); err != nil {
			s.Logger.Printf("error re-arming %s: %v", tr.Path, err)
		}
		tr.CheckStalled(time.Now())
		s.dispatchWork(tr)
		lines = append(lines, tr.Info())
	}
	s.Logger.Printf("Transfers in progress:\n  %s", joinLines(lines))

	s.client.Monitor()
}

func (s *Supervisor) dropFinished() {
	for path, tr := range s.transfers {
		if tr.Finished() {
			delete(s.transfers, path)
			s.notifyWaiters(path, getResult{status: s.statusOf(tr), err: nil})
		}
	}
}

// rebalance recomputes max_connections_per_transfer = min(configured_max,
// floor(pool.max_workers / N) + 1), where N is the active transfer count,
// and applies it to every live transfer. The "+1" guarantees at least one
// connection per transfer even when transfers outnumber workers, so a
// small transfer is never starved by larger ones.
func (s *Supervisor) rebalance() {
	n := len(s.transfers)
	if n == 0 {
		return
	}
	perTransfer := s.pool.MaxWorkers()/n + 1
	if perTransfer > s.cfg.MaxConnections {
		perTransfer = s.cfg.MaxConnections
	}
	for _, tr := range s.transfers {
		tr.MaxConnections = perTransfer
	}
}

func (s *Supervisor) shutdown() {
	for path, tr := range s.transfers {
		if err := tr.Close(); err != nil {
			s.Logger.Printf("error closing transfer: %s, %v", tr.URL, err)
		}
		s.notifyWaiters(path, getResult{err: CancelledError{Path: path}})
		delete(s.transfers, path)
	}
	s.pool.Close()
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n  "
		}
		out += l
	}
	return out
}
