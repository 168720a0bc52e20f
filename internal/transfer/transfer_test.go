package transfer

import (
	"context"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/fressi-elastic/rally/internal/adapter"
	"github.com/fressi-elastic/rally/internal/client"
	"github.com/fressi-elastic/rally/internal/mirror"
	"github.com/fressi-elastic/rally/internal/rangeset"
)

// fakeAdapter serves a fixed in-memory payload, honoring ranged Get
// requests, standing in for HTTPAdapter/S3Adapter in tests that only care
// about Transfer/ExecuteWorkItem wiring.
type fakeAdapter struct {
	url     string
	payload []byte
}

func (f *fakeAdapter) MatchURL(url string) bool { return url == f.url }

func (f *fakeAdapter) Head(ctx context.Context, url string) (adapter.Head, error) {
	return adapter.Head{URL: url, DocumentLength: int64(len(f.payload)), AcceptRanges: true}, nil
}

func (f *fakeAdapter) Get(ctx context.Context, url string, want adapter.Want) (adapter.Head, adapter.Stream, error) {
	start, end := int64(0), int64(len(f.payload))
	if want.Range != nil {
		start, end = want.Range.Start, want.Range.End
	}
	body := io.NopCloser(bytesReader(f.payload[start:end]))
	return adapter.Head{URL: url, DocumentLength: int64(len(f.payload))}, body, nil
}

func bytesReader(b []byte) io.Reader { return &sliceReader{b: b} }

type sliceReader struct {
	b []byte
	i int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

func newTestClient(url string, payload []byte) *client.Client {
	a := &fakeAdapter{url: url, payload: payload}
	return client.New([]adapter.Adapter{a}, mirror.New(nil), 3, time.Minute, time.Minute)
}

func toHex(v uint32) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = hexdigits[v&0xf]
		v >>= 4
	}
	return string(out)
}

// driveToCompletion runs a Transfer's planning loop against an in-process
// client until it reaches a terminal state, applying each WorkItem's result
// synchronously (standing in for the Supervisor's result-routing loop).
func driveToCompletion(t *testing.T, tr *Transfer, c *client.Client) {
	t.Helper()
	for !tr.Terminal() {
		item, ok := tr.NextWorkItem()
		if !ok {
			if tr.pending().IsEmpty() {
				break
			}
			continue
		}
		tr.MarkRunning()
		n, perm, err := ExecuteWorkItem(context.Background(), c, item, tr.File())
		if applyErr := tr.ApplyResult(item, n, err, perm); applyErr != nil {
			return
		}
	}
}

func Test_NewSidecarRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given a transfer with partial progress", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "artifact.bin")

		tr := New("mem://a", path, 100, "", 16, 4, time.Minute)
		So(tr.Start(), ShouldBeNil)

		tr.done = rangeset.New(rangeset.Range{Start: 0, End: 40})
		tr.bytesDone = 40
		So(tr.SaveStatus(), ShouldBeNil)

		Convey("A fresh Transfer over the same path resumes from the sidecar", func() {
			tr2 := New("mem://a", path, 100, "", 16, 4, time.Minute)
			So(tr2.Start(), ShouldBeNil)
			So(tr2.Done().Size(), ShouldEqual, 40)
			So(tr2.BytesDone(), ShouldEqual, 40)
			So(tr2.State(), ShouldEqual, StatePlanning)

			Convey("and plans only the remaining bytes", func() {
				item, ok := tr2.NextWorkItem()
				So(ok, ShouldBeTrue)
				So(item.Range.Start, ShouldEqual, 40)
			})
		})
	})
}

func Test_StartTreatsCompleteFileWithNoSidecarAsDone(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given a pre-existing complete file with no sidecar", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "artifact.bin")
		So(os.WriteFile(path, make([]byte, 64), 0o644), ShouldBeNil)

		tr := New("mem://a", path, 64, "", 16, 4, time.Minute)

		Convey("Start immediately marks it DONE without touching the network", func() {
			So(tr.Start(), ShouldBeNil)
			So(tr.State(), ShouldEqual, StateDone)
			So(tr.BytesDone(), ShouldEqual, 64)
		})
	})
}

func Test_NextWorkItemRespectsMaxConnectionsAndLowestOffset(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given a transfer capped at 2 concurrent ranges", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "artifact.bin")
		tr := New("mem://a", path, 100, "", 30, 2, time.Minute)
		So(tr.Start(), ShouldBeNil)

		Convey("The first two items start at 0 and 30, and a third is refused", func() {
			i1, ok1 := tr.NextWorkItem()
			So(ok1, ShouldBeTrue)
			So(i1.Range.Start, ShouldEqual, 0)

			i2, ok2 := tr.NextWorkItem()
			So(ok2, ShouldBeTrue)
			So(i2.Range.Start, ShouldEqual, 30)

			_, ok3 := tr.NextWorkItem()
			So(ok3, ShouldBeFalse)
		})
	})
}

func Test_ApplyResultMovesRangeFromInFlightToDone(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given a transfer with one in-flight item", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "artifact.bin")
		tr := New("mem://a", path, 100, "", 100, 1, time.Minute)
		So(tr.Start(), ShouldBeNil)

		item, ok := tr.NextWorkItem()
		So(ok, ShouldBeTrue)

		Convey("A successful result marks it done and clears in-flight", func() {
			So(tr.ApplyResult(item, 100, nil, false), ShouldBeNil)
			So(tr.Done().Size(), ShouldEqual, 100)
			So(tr.State(), ShouldEqual, StateDone)
		})

		Convey("A permanent failure fails the transfer and frees in-flight", func() {
			So(tr.ApplyResult(item, 0, adapter.PermanentError{URL: tr.URL, Status: 403}, true), ShouldBeNil)
			So(tr.Failed(), ShouldBeTrue)
			So(len(tr.Errors()), ShouldEqual, 1)
		})

		Convey("A transient failure leaves the transfer plannable again", func() {
			So(tr.ApplyResult(item, 0, adapter.TransientError{URL: tr.URL}, false), ShouldBeNil)
			So(tr.Failed(), ShouldBeFalse)
			next, ok := tr.NextWorkItem()
			So(ok, ShouldBeTrue)
			So(next.Range.Start, ShouldEqual, 0)
		})
	})
}

func Test_CheckStalledTransitionsWhenNoProgress(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given a running transfer with pending work and nothing in flight", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "artifact.bin")
		tr := New("mem://a", path, 100, "", 50, 1, time.Millisecond)
		So(tr.Start(), ShouldBeNil)
		tr.MarkRunning()
		tr.lastProgressAt = time.Now().Add(-time.Hour)

		Convey("CheckStalled transitions it to STALLED", func() {
			tr.CheckStalled(time.Now())
			So(tr.State(), ShouldEqual, StateStalled)

			Convey("and Start re-arms it to RUNNING", func() {
				So(tr.Start(), ShouldBeNil)
				So(tr.State(), ShouldEqual, StateRunning)
			})
		})
	})
}

func Test_EndToEndDownloadViaExecuteWorkItem(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given a fake adapter serving a known payload", t, func() {
		payload := make([]byte, 97)
		for i := range payload {
			payload[i] = byte(i)
		}
		c := newTestClient("mem://a", payload)

		dir := t.TempDir()
		path := filepath.Join(dir, "artifact.bin")
		tr := New("mem://a", path, int64(len(payload)), "", 20, 3, time.Minute)
		So(tr.Start(), ShouldBeNil)

		Convey("Driving it to completion writes the exact bytes and reaches DONE", func() {
			driveToCompletion(t, tr, c)
			So(tr.State(), ShouldEqual, StateDone)

			got, err := os.ReadFile(path)
			So(err, ShouldBeNil)
			So(got, ShouldResemble, payload)
		})
	})
}

func Test_ChecksumMismatchFailsAndDiscards(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given a transfer expecting the wrong crc32c", t, func() {
		payload := []byte("hello world, this is the artifact body")
		c := newTestClient("mem://a", payload)

		dir := t.TempDir()
		path := filepath.Join(dir, "artifact.bin")
		tr := New("mem://a", path, int64(len(payload)), "deadbeef", 100, 1, time.Minute)
		So(tr.Start(), ShouldBeNil)

		Convey("Completion fails the transfer and removes the destination file", func() {
			driveToCompletion(t, tr, c)
			So(tr.Failed(), ShouldBeTrue)

			_, err := os.Stat(path)
			So(os.IsNotExist(err), ShouldBeTrue)
		})
	})
}

func Test_ChecksumMatchSucceeds(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given a transfer expecting the correct crc32c", t, func() {
		payload := []byte("hello world, this is the artifact body")
		expected := toHex(crc32.Checksum(payload, crc32.MakeTable(crc32.Castagnoli)))
		c := newTestClient("mem://a", payload)

		dir := t.TempDir()
		path := filepath.Join(dir, "artifact.bin")
		tr := New("mem://a", path, int64(len(payload)), expected, 100, 1, time.Minute)
		So(tr.Start(), ShouldBeNil)

		Convey("Completion reaches DONE and removes the sidecar", func() {
			driveToCompletion(t, tr, c)
			So(tr.State(), ShouldEqual, StateDone)

			_, err := os.Stat(sidecarPath(path))
			So(os.IsNotExist(err), ShouldBeTrue)
		})
	})
}

func Test_DoneAndInFlightStayDisjointAndBounded(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given a transfer mid-flight", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "artifact.bin")
		tr := New("mem://a", path, 100, "", 25, 4, time.Minute)
		So(tr.Start(), ShouldBeNil)

		item1, _ := tr.NextWorkItem()
		item2, _ := tr.NextWorkItem()
		So(tr.ApplyResult(item1, item1.Range.Size(), nil, false), ShouldBeNil)

		Convey("done and in_flight never overlap, and both stay within [0, document_length)", func() {
			inter := tr.Done().Intersection(tr.inFlight)
			So(inter.IsEmpty(), ShouldBeTrue)

			full := rangeset.New(rangeset.Range{Start: 0, End: 100})
			So(full.Contains(tr.Done().Ranges()[0].Start), ShouldBeTrue)
			_ = item2
		})
	})
}
