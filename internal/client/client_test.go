package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/fressi-elastic/rally/internal/adapter"
	"github.com/fressi-elastic/rally/internal/mirror"
)

func Test_HeadIsCached(t *testing.T) {
	Convey("Given a server and a Client with a long head TTL", t, func() {
		var hits int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
			w.Header().Set("Content-Length", "10")
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		seed := int64(1)
		reg := mirror.New(&seed)
		c := New([]adapter.Adapter{adapter.NewHTTPAdapter(1024)}, reg, 3, time.Minute, time.Minute)

		Convey("A second Head call within the TTL does not hit the network", func() {
			_, err := c.Head(context.Background(), server.URL)
			So(err, ShouldBeNil)
			_, err = c.Head(context.Background(), server.URL)
			So(err, ShouldBeNil)
			So(hits, ShouldEqual, 1)
		})
	})
}

func Test_GetRotatesMirrorsOnTransientFailure(t *testing.T) {
	Convey("Given a failing primary and a healthy mirror", t, func() {
		goodBody := []byte("hello world range")
		var badHits int32
		good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", "17")
			w.Write(goodBody)
		}))
		defer good.Close()

		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&badHits, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer bad.Close()

		seed := int64(9)
		reg := mirror.New(&seed)
		reg.Add(bad.URL, []string{good.URL})

		c := New([]adapter.Adapter{adapter.NewHTTPAdapter(1024)}, reg, 10, time.Minute, time.Minute)

		Convey("Get succeeds via the healthy mirror within one rotation budget", func() {
			h, stream, err := c.Get(context.Background(), bad.URL, adapter.Want{})
			So(err, ShouldBeNil)
			defer stream.Close()

			got, rerr := io.ReadAll(stream)
			So(rerr, ShouldBeNil)
			So(got, ShouldResemble, goodBody)
			So(h.ContentLength, ShouldEqual, 17)
			So(atomic.LoadInt32(&badHits), ShouldBeLessThanOrEqualTo, int32(1))
		})
	})
}

func Test_PermanentErrorIsNotRetried(t *testing.T) {
	Convey("Given a server that 403s", t, func() {
		var hits int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
			w.WriteHeader(http.StatusForbidden)
		}))
		defer server.Close()

		seed := int64(2)
		reg := mirror.New(&seed)
		c := New([]adapter.Adapter{adapter.NewHTTPAdapter(1024)}, reg, 5, time.Minute, time.Minute)

		Convey("Head fails immediately without exhausting retries", func() {
			_, err := c.Head(context.Background(), server.URL)
			So(err, ShouldNotBeNil)
			So(hits, ShouldEqual, 1)
		})
	})
}

func Test_MonitorEvictsExpiredHeadCache(t *testing.T) {
	Convey("Given a Client with a zero head TTL", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", "1")
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		seed := int64(5)
		reg := mirror.New(&seed)
		c := New([]adapter.Adapter{adapter.NewHTTPAdapter(1024)}, reg, 3, 0, 0)

		_, err := c.Head(context.Background(), server.URL)
		So(err, ShouldBeNil)
		So(len(c.headCache), ShouldEqual, 1)
		So(len(c.resolved), ShouldEqual, 1)

		Convey("Monitor removes the now-expired entries", func() {
			time.Sleep(time.Millisecond)
			c.Monitor()
			So(len(c.headCache), ShouldEqual, 0)
			So(len(c.resolved), ShouldEqual, 0)
		})
	})
}
