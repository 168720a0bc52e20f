package transfer

import (
	"context"
	"fmt"
	"io"

	"github.com/cognusion/go-recyclable"

	"github.com/fressi-elastic/rally/internal/adapter"
	"github.com/fressi-elastic/rally/internal/client"
)

// bufPool supplies reusable scratch buffers for range reads, the same
// pooling idiom go-rangetripper's v2/rt.go uses for in-memory response
// bodies (its rPool), repurposed here as reusable read-then-WriteAt scratch
// space: read a whole range into memory before a single WriteAt call at
// the range's offset, drawing the memory from a pool instead of allocating
// fresh per task.
var bufPool = recyclable.NewBufferPool()

// ExecuteWorkItem fetches one work item's byte range from c and writes it
// to dest at item.DestinationOff in one WriteAt call. It runs on a
// worker-pool goroutine and never touches Transfer state directly; its
// return value is routed back to the Supervisor, which applies it via
// Transfer.ApplyResult. permanent reports whether err (if any) should fail
// the whole transfer rather than send the range back to pending.
func ExecuteWorkItem(ctx context.Context, c *client.Client, item WorkItem, dest io.WriterAt) (written int64, permanent bool, err error) {
	want := adapter.Want{Range: &item.Range}
	_, stream, err := c.Get(ctx, item.URL, want)
	if err != nil {
		return 0, isPermanent(err), err
	}
	defer stream.Close()

	buf := bufPool.Get()
	buf.Reset(nil)
	defer buf.Close()

	n, err := io.Copy(buf, stream)
	if err != nil {
		return 0, false, adapter.TransientError{URL: item.URL, Err: err}
	}
	if want := item.Range.Size(); n != want {
		return 0, false, fmt.Errorf("short read for %s: got %d bytes, wanted %d", item.URL, n, want)
	}

	if _, err := dest.WriteAt(buf.Bytes(), item.DestinationOff); err != nil {
		return 0, false, fmt.Errorf("writing %s at %d: %w", item.URL, item.DestinationOff, err)
	}
	return n, false, nil
}

func isPermanent(err error) bool {
	switch err.(type) {
	case adapter.PermanentError, adapter.NotFoundError:
		return true
	default:
		return false
	}
}
