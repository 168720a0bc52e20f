// Package transfer implements the per-artifact download state machine:
// which byte ranges are done, in flight, or pending; the sidecar status
// file that survives a process restart; range planning; and crc32c
// verification. It is the direct generalization of
// github.com/cognusion/go-rangetripper's per-request RangeTripper, lifted
// from "one RoundTrip, then discard" into "a long-lived, resumable,
// persisted download owned by a Supervisor".
package transfer

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cognusion/go-sequence"

	"github.com/fressi-elastic/rally/internal/rangeset"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var seq = sequence.New(0)

// State is one node of the transfer lifecycle state machine.
type State int

const (
	StateNew State = iota
	StatePlanning
	StateRunning
	StateStalled
	StateDone
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StatePlanning:
		return "PLANNING"
	case StateRunning:
		return "RUNNING"
	case StateStalled:
		return "STALLED"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// WorkItem is the immutable (url, range, destination_offset) triple a
// worker executes.
type WorkItem struct {
	ID             string
	URL            string
	Range          rangeset.Range
	DestinationOff int64
}

// ChecksumMismatchError means the measured crc32c does not match the
// expected one; permanent, the destination and sidecar are discarded.
type ChecksumMismatchError struct {
	Path     string
	Expected string
	Measured string
}

func (e ChecksumMismatchError) Error() string {
	return fmt.Sprintf("transfer: checksum mismatch for %s: expected %s, measured %s", e.Path, e.Expected, e.Measured)
}

const errorRingSize = 8

// Transfer is per-artifact download state. Every mutating method is called
// only from the Supervisor's single goroutine; worker goroutines never
// touch a Transfer directly, they post results back through the
// Supervisor, which applies them via ApplyResult. No internal locking is
// needed for that reason, generalizing RangeTripper's "must only be used
// for one request" to "a Transfer is only touched by one goroutine at a
// time".
type Transfer struct {
	ID   string
	URL  string
	Path string

	DocumentLength int64
	ExpectedCRC32C string

	MultipartSize  int64
	MaxConnections int
	StallTimeout   time.Duration

	done     rangeset.Set
	inFlight rangeset.Set

	errors   []error
	errorPos int

	startedAt      time.Time
	lastProgressAt time.Time
	bytesDone      int64

	state State
	file  *os.File

	// crcFrontier is the offset up to which crc has folded the file's
	// bytes; it only advances while done is contiguous from 0.
	crcFrontier int64
	crc         uint32
}

// New constructs a Transfer. It does not touch the filesystem; call Start
// for that.
func New(url, path string, documentLength int64, expectedCRC32C string, multipartSize int64, maxConnections int, stallTimeout time.Duration) *Transfer {
	return &Transfer{
		ID:             seq.NextHashID(),
		URL:            url,
		Path:           path,
		DocumentLength: documentLength,
		ExpectedCRC32C: expectedCRC32C,
		MultipartSize:  multipartSize,
		MaxConnections: maxConnections,
		StallTimeout:   stallTimeout,
		state:          StateNew,
	}
}

// Finished reports whether the transfer reached a terminal success state.
func (t *Transfer) Finished() bool {
	return t.state == StateDone
}

// Failed reports whether the transfer reached a terminal failure state.
func (t *Transfer) Failed() bool {
	return t.state == StateFailed
}

// Terminal reports whether the transfer is in any state from which it will
// not be scheduled again.
func (t *Transfer) Terminal() bool {
	switch t.state {
	case StateDone, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// State returns the current state machine node.
func (t *Transfer) State() State { return t.state }

// Done returns the current done RangeSet.
func (t *Transfer) Done() rangeset.Set { return t.done }

// BytesDone returns the number of bytes confirmed written.
func (t *Transfer) BytesDone() int64 { return t.bytesDone }

// Progress returns the done fraction of document_length, or nil if
// document_length is unknown (zero).
func (t *Transfer) Progress() *float64 {
	if t.DocumentLength <= 0 {
		return nil
	}
	p := float64(t.done.Size()) / float64(t.DocumentLength)
	return &p
}

// Duration returns the time since the transfer was started.
func (t *Transfer) Duration() time.Duration {
	if t.startedAt.IsZero() {
		return 0
	}
	return time.Since(t.startedAt)
}

// AverageSpeed returns bytes/sec averaged since start, or nil if not yet
// started.
func (t *Transfer) AverageSpeed() *float64 {
	d := t.Duration().Seconds()
	if d <= 0 {
		return nil
	}
	v := float64(t.bytesDone) / d
	return &v
}

// Errors returns the bounded ring of recent task errors, oldest first.
func (t *Transfer) Errors() []error {
	// errorPos is the next slot to write: len(t.errors) until the ring is
	// full, and the slot of the oldest entry once it has wrapped.
	out := make([]error, 0, len(t.errors))
	out = append(out, t.errors[t.errorPos:]...)
	out = append(out, t.errors[:t.errorPos]...)
	return out
}

func (t *Transfer) recordError(err error) {
	if cap(t.errors) == 0 {
		t.errors = make([]error, 0, errorRingSize)
	}
	if len(t.errors) < errorRingSize {
		t.errors = append(t.errors, err)
	} else {
		t.errors[t.errorPos] = err
	}
	t.errorPos = (t.errorPos + 1) % errorRingSize
}

// Start transitions NEW -> PLANNING: opens (or creates) the destination
// file, preallocates it to document_length, and loads a consistent
// sidecar if one exists. Called again on every monitor tick to re-arm a
// STALLED transfer; in every other state past NEW it is a no-op.
func (t *Transfer) Start() error {
	if t.Terminal() {
		return nil
	}
	if t.state == StateStalled {
		t.state = StateRunning
		t.lastProgressAt = time.Now()
		return nil
	}
	if t.state != StateNew {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(t.Path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", t.Path, err)
	}

	if fi, err := os.Stat(t.Path); err == nil && fi.Size() == t.DocumentLength {
		if _, statErr := os.Stat(sidecarPath(t.Path)); os.IsNotExist(statErr) {
			// Complete file, no sidecar: treat as already finished.
			t.done = rangeset.New(rangeset.Range{Start: 0, End: t.DocumentLength})
			t.bytesDone = t.DocumentLength
			t.state = StateDone
			return nil
		}
	}

	f, err := os.OpenFile(t.Path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", t.Path, err)
	}
	if t.DocumentLength > 0 {
		if err := f.Truncate(t.DocumentLength); err != nil {
			f.Close()
			return fmt.Errorf("preallocating %s: %w", t.Path, err)
		}
	}
	t.file = f

	if sc, err := loadSidecar(t.Path); err == nil {
		if sc.DocumentLength == t.DocumentLength && (sc.CRC32C == "" || t.ExpectedCRC32C == "" || sc.CRC32C == t.ExpectedCRC32C) {
			t.done = rangeset.FromPairs(sc.Done)
			t.bytesDone = sc.BytesDone
			t.startedAt = sc.StartedAt
			t.lastProgressAt = sc.LastProgressAt
		} else {
			os.Remove(sidecarPath(t.Path))
		}
	}

	if t.startedAt.IsZero() {
		t.startedAt = time.Now()
	}
	if t.lastProgressAt.IsZero() {
		t.lastProgressAt = t.startedAt
	}

	t.state = StatePlanning

	if t.done.Size() == t.DocumentLength && t.DocumentLength >= 0 {
		// Already complete per the sidecar: fold the on-disk bytes into
		// the checksum before finalize verifies it.
		if err := t.advanceCRC(); err != nil {
			return err
		}
		return t.finalize()
	}
	return nil
}

// MarkRunning transitions PLANNING -> RUNNING once at least one fetch task
// has been dispatched.
func (t *Transfer) MarkRunning() {
	if t.state == StatePlanning {
		t.state = StateRunning
	}
}

// CheckStalled transitions RUNNING -> STALLED if no progress has been made
// for StallTimeout while nothing is in flight and work remains pending.
func (t *Transfer) CheckStalled(now time.Time) {
	if t.state != StateRunning {
		return
	}
	if !t.inFlight.IsEmpty() {
		return
	}
	if t.pending().IsEmpty() {
		return
	}
	if now.Sub(t.lastProgressAt) > t.StallTimeout {
		t.state = StateStalled
	}
}

func (t *Transfer) pending() rangeset.Set {
	return rangeset.New(rangeset.Range{Start: 0, End: t.DocumentLength}).Difference(t.done).Difference(t.inFlight)
}

// NextWorkItem plans the lowest-offset contiguous sub-range of pending work
// of length min(multipart_size, remaining_at_offset), marks it in_flight,
// and returns it. It returns ok=false if there is no pending work or the
// in-flight budget (MaxConnections) is already exhausted.
func (t *Transfer) NextWorkItem() (WorkItem, bool) {
	if t.state != StatePlanning && t.state != StateRunning {
		return WorkItem{}, false
	}
	if len(t.inFlight.Ranges()) >= t.MaxConnections {
		return WorkItem{}, false
	}
	gap, ok := t.pending().FirstGapWithin(rangeset.Range{Start: 0, End: t.DocumentLength})
	if !ok {
		return WorkItem{}, false
	}
	size := t.MultipartSize
	if remaining := gap.End - gap.Start; size > remaining {
		size = remaining
	}
	r := rangeset.Range{Start: gap.Start, End: gap.Start + size}
	t.inFlight = t.inFlight.Union(rangeset.New(r))

	return WorkItem{
		ID:             seq.NextHashID(),
		URL:            t.URL,
		Range:          r,
		DestinationOff: r.Start,
	}, true
}

// ApplyResult applies a worker's outcome to the transfer: on success the
// range moves from in_flight to done and the crc frontier advances as far
// as contiguity allows; on failure the range returns to pending and the
// error is recorded, failing the transfer outright if the error is
// permanent.
func (t *Transfer) ApplyResult(item WorkItem, bytesWritten int64, workErr error, permanent bool) error {
	single := rangeset.New(item.Range)
	t.inFlight = t.inFlight.Difference(single)

	if workErr != nil {
		t.recordError(workErr)
		if permanent {
			t.state = StateFailed
		}
		return nil
	}

	t.done = t.done.Union(single)
	t.bytesDone += bytesWritten
	t.lastProgressAt = time.Now()
	if t.state == StateStalled {
		t.state = StateRunning
	}

	if err := t.advanceCRC(); err != nil {
		return err
	}

	if t.done.Size() == t.DocumentLength {
		return t.finalize()
	}
	return nil
}

// advanceCRC reads back newly-contiguous-from-zero bytes and folds them
// into the running crc32c: computed only if the done set is contiguous
// from 0; otherwise checksum verification is deferred to the moment the
// set becomes contiguous at completion.
func (t *Transfer) advanceCRC() error {
	if t.ExpectedCRC32C == "" {
		// Nothing will ever check the digest; skip the read-back cost.
		// done is still monotonic, satisfying invariant 3 regardless.
		return nil
	}
	const readChunk = 1 << 20 // 1 MiB

	for t.crcFrontier < t.DocumentLength {
		if !t.done.Contains(t.crcFrontier) {
			return nil
		}
		end := t.crcFrontier + readChunk
		if end > t.DocumentLength {
			end = t.DocumentLength
		}
		// Don't cross into a region that isn't actually done yet.
		if gap, ok := t.done.FirstGapWithin(rangeset.Range{Start: t.crcFrontier, End: end}); ok {
			end = gap.Start
		}
		if end <= t.crcFrontier {
			return nil
		}
		buf := make([]byte, end-t.crcFrontier)
		if _, err := t.file.ReadAt(buf, t.crcFrontier); err != nil && err != io.EOF {
			return fmt.Errorf("reading back %s for checksum at %d: %w", t.Path, t.crcFrontier, err)
		}
		t.crc = crc32.Update(t.crc, crcTable, buf)
		t.crcFrontier = end
	}
	return nil
}

// finalize verifies the checksum (if expected) and transitions to DONE or
// FAILED.
func (t *Transfer) finalize() error {
	if t.ExpectedCRC32C != "" {
		measured := fmt.Sprintf("%08x", t.crc)
		if measured != t.ExpectedCRC32C {
			t.state = StateFailed
			t.recordError(ChecksumMismatchError{Path: t.Path, Expected: t.ExpectedCRC32C, Measured: measured})
			t.discard()
			return ChecksumMismatchError{Path: t.Path, Expected: t.ExpectedCRC32C, Measured: measured}
		}
	}
	if t.file != nil {
		if err := t.file.Sync(); err != nil {
			return fmt.Errorf("fsync %s: %w", t.Path, err)
		}
	}
	t.state = StateDone
	os.Remove(sidecarPath(t.Path))
	return nil
}

// discard removes the destination file and sidecar after a permanent
// checksum failure.
func (t *Transfer) discard() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
	os.Remove(t.Path)
	os.Remove(sidecarPath(t.Path))
}

// SaveStatus persists the current progress to the sidecar file via
// write-temp-then-rename.
func (t *Transfer) SaveStatus() error {
	if t.Terminal() {
		return nil
	}
	return saveSidecar(t.Path, sidecarData{
		DocumentLength: t.DocumentLength,
		Done:           t.done.Pairs(),
		CRC32C:         t.ExpectedCRC32C,
		StartedAt:      t.startedAt,
		LastProgressAt: t.lastProgressAt,
		BytesDone:      t.bytesDone,
	})
}

// Close transitions the transfer to CANCELLED (unless already terminal),
// leaving the partial file and sidecar on disk for a future resume.
func (t *Transfer) Close() error {
	if t.Terminal() {
		if t.file != nil {
			t.file.Close()
			t.file = nil
		}
		return nil
	}
	t.state = StateCancelled
	if t.file != nil {
		err := t.file.Close()
		t.file = nil
		return err
	}
	return nil
}

// Info renders a one-line human summary for the Supervisor's periodic log,
// in the spirit of RangeTripper's DebugOut.Printf progress lines.
func (t *Transfer) Info() string {
	pct := 0.0
	if p := t.Progress(); p != nil {
		pct = *p * 100
	}
	return fmt.Sprintf("%s %s %.1f%% (%d/%d bytes) [%s]", t.ID, t.Path, pct, t.bytesDone, t.DocumentLength, t.state)
}

// File exposes the destination file as an io.WriterAt for worker tasks.
// Returns nil if the transfer has not been started.
func (t *Transfer) File() io.WriterAt {
	if t.file == nil {
		return nil
	}
	return t.file
}
