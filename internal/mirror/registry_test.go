package mirror

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func Test_PickAlwaysIncludesLogicalURL(t *testing.T) {
	Convey("Given a registry with no mirrors registered", t, func() {
		seed := int64(1)
		r := New(&seed)

		Convey("Picking for a logical URL returns the logical URL itself", func() {
			got, ok := r.Pick("http://example.com/a", nil)
			So(ok, ShouldBeTrue)
			So(got, ShouldEqual, "http://example.com/a")
		})
	})
}

func Test_CooldownExcludesFailingMirror(t *testing.T) {
	Convey("Given a registry with two mirrors for one logical URL", t, func() {
		seed := int64(42)
		r := New(&seed)
		r.Add("http://example.com/a", []string{"http://m1/a", "http://m2/a"})

		Convey("After a failure on m1, picks avoid m1 until cooldown expires", func() {
			r.RecordFailure("http://example.com/a", "http://m1/a", time.Now())

			seen := map[string]bool{}
			for i := 0; i < 50; i++ {
				got, ok := r.Pick("http://example.com/a", nil)
				So(ok, ShouldBeTrue)
				seen[got] = true
			}
			So(seen["http://m1/a"], ShouldBeFalse)
		})

		Convey("A success resets failure count and cooldown", func() {
			r.RecordFailure("http://example.com/a", "http://m1/a", time.Now())
			r.RecordSuccess("http://example.com/a", "http://m1/a")

			e := r.entry("http://example.com/a", "http://m1/a")
			So(e.FailureCount, ShouldEqual, 0)
			So(e.CooldownUntil.IsZero(), ShouldBeTrue)
		})
	})
}

func Test_ExponentialCooldownCapped(t *testing.T) {
	Convey("Given repeated failures on the same mirror", t, func() {
		seed := int64(7)
		r := New(&seed)
		r.Add("http://example.com/a", []string{"http://m1/a"})

		at := time.Now()
		var last time.Duration
		for i := 0; i < 10; i++ {
			r.RecordFailure("http://example.com/a", "http://m1/a", at)
			e := r.entry("http://example.com/a", "http://m1/a")
			d := e.CooldownUntil.Sub(at)

			Convey(fmt.Sprintf("Cooldown never exceeds the cap (iteration %d)", i), func() {
				So(d, ShouldBeLessThanOrEqualTo, maxCooldown)
			})
			last = d
		}
		_ = last
	})
}

func Test_LoadFiles(t *testing.T) {
	Convey("Given a mirror file on disk", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "mirrors.json")
		mapping := map[string][]string{
			"http://example.com/a": {"http://m1/a", "http://m2/a"},
			"http://example.com/b": {},
		}
		data, err := json.Marshal(mapping)
		So(err, ShouldBeNil)
		So(os.WriteFile(path, data, 0o644), ShouldBeNil)

		seed := int64(3)
		r := New(&seed)

		Convey("LoadFiles populates mirrors and ignores empty entries", func() {
			So(r.LoadFiles([]string{path}), ShouldBeNil)
			So(len(r.mirrors["http://example.com/a"]), ShouldEqual, 2)
			So(len(r.mirrors["http://example.com/b"]), ShouldEqual, 0)
		})

		Convey("A missing mirror file is silently ignored", func() {
			So(r.LoadFiles([]string{filepath.Join(dir, "missing.json")}), ShouldBeNil)
		})
	})
}
