package rangeset

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func Test_EmptySet(t *testing.T) {
	Convey("Given an empty Set", t, func() {
		var s Set

		Convey("It has zero size and is empty", func() {
			So(s.IsEmpty(), ShouldBeTrue)
			So(s.Size(), ShouldEqual, 0)
		})

		Convey("It contains nothing", func() {
			So(s.Contains(0), ShouldBeFalse)
			So(s.Contains(100), ShouldBeFalse)
		})

		Convey("Its first gap within bounds is the whole bounds", func() {
			gap, ok := s.FirstGapWithin(Range{Start: 0, End: 10})
			So(ok, ShouldBeTrue)
			So(gap, ShouldResemble, Range{Start: 0, End: 10})
		})
	})
}

func Test_UnionMergesAdjacentAndOverlapping(t *testing.T) {
	Convey("Given two ranges that touch", t, func() {
		s := New(Range{Start: 0, End: 10}, Range{Start: 10, End: 20})

		Convey("They coalesce into one", func() {
			So(s.Ranges(), ShouldResemble, []Range{{Start: 0, End: 20}})
		})
	})

	Convey("Given two ranges that overlap", t, func() {
		s := New(Range{Start: 0, End: 15}, Range{Start: 10, End: 20})

		Convey("They coalesce into one", func() {
			So(s.Ranges(), ShouldResemble, []Range{{Start: 0, End: 20}})
		})
	})

	Convey("Given two disjoint, non-touching ranges", t, func() {
		s := New(Range{Start: 0, End: 10}, Range{Start: 20, End: 30})

		Convey("They remain separate, sorted by start", func() {
			So(s.Ranges(), ShouldResemble, []Range{{Start: 0, End: 10}, {Start: 20, End: 30}})
		})
	})
}

func Test_Difference(t *testing.T) {
	Convey("Given a set with a hole punched out of the middle", t, func() {
		a := New(Range{Start: 0, End: 100})
		b := New(Range{Start: 40, End: 60})

		d := a.Difference(b)

		Convey("The difference leaves both sides", func() {
			So(d.Ranges(), ShouldResemble, []Range{{Start: 0, End: 40}, {Start: 60, End: 100}})
		})
	})

	Convey("Given disjoint sets", t, func() {
		a := New(Range{Start: 0, End: 10})
		b := New(Range{Start: 20, End: 30})

		Convey("Difference is unchanged", func() {
			So(a.Difference(b).Ranges(), ShouldResemble, a.Ranges())
		})
	})
}

func Test_Intersection(t *testing.T) {
	Convey("Given two overlapping sets", t, func() {
		a := New(Range{Start: 0, End: 50})
		b := New(Range{Start: 30, End: 80})

		Convey("Intersection is the overlap", func() {
			So(a.Intersection(b).Ranges(), ShouldResemble, []Range{{Start: 30, End: 50}})
		})
	})
}

func Test_AlgebraIdentities(t *testing.T) {
	Convey("For arbitrary canonical sets A and B", t, func() {
		a := New(Range{Start: 0, End: 10}, Range{Start: 20, End: 30}, Range{Start: 50, End: 60})
		b := New(Range{Start: 5, End: 25}, Range{Start: 55, End: 65})

		Convey("(A union B) difference B equals A difference B", func() {
			lhs := a.Union(b).Difference(b)
			rhs := a.Difference(b)
			So(lhs.Ranges(), ShouldResemble, rhs.Ranges())
		})

		Convey("A intersection B equals A difference (A difference B)", func() {
			lhs := a.Intersection(b)
			rhs := a.Difference(a.Difference(b))
			So(lhs.Ranges(), ShouldResemble, rhs.Ranges())
		})

		Convey("size(A union B) + size(A intersection B) == size(A) + size(B)", func() {
			lhs := a.Union(b).Size() + a.Intersection(b).Size()
			rhs := a.Size() + b.Size()
			So(lhs, ShouldEqual, rhs)
		})
	})
}

func Test_FirstGapWithin(t *testing.T) {
	Convey("Given a set covering the start but not the end of bounds", t, func() {
		s := New(Range{Start: 0, End: 30})

		gap, ok := s.FirstGapWithin(Range{Start: 0, End: 100})
		So(ok, ShouldBeTrue)
		So(gap, ShouldResemble, Range{Start: 30, End: 100})
	})

	Convey("Given a set that fully covers bounds", t, func() {
		s := New(Range{Start: 0, End: 100})

		_, ok := s.FirstGapWithin(Range{Start: 0, End: 100})
		So(ok, ShouldBeFalse)
	})

	Convey("Given a set with a gap in the middle", t, func() {
		s := New(Range{Start: 0, End: 10}, Range{Start: 20, End: 30})

		gap, ok := s.FirstGapWithin(Range{Start: 0, End: 30})
		So(ok, ShouldBeTrue)
		So(gap, ShouldResemble, Range{Start: 10, End: 20})
	})
}

func Test_SplitAt(t *testing.T) {
	Convey("Given a set straddling a split point", t, func() {
		s := New(Range{Start: 0, End: 100})

		below, above := s.SplitAt(40)
		So(below.Ranges(), ShouldResemble, []Range{{Start: 0, End: 40}})
		So(above.Ranges(), ShouldResemble, []Range{{Start: 40, End: 100}})
	})
}

func Test_PairsRoundTrip(t *testing.T) {
	Convey("Given a set serialized to pairs and back", t, func() {
		s := New(Range{Start: 0, End: 10}, Range{Start: 20, End: 30})
		pairs := s.Pairs()
		restored := FromPairs(pairs)

		So(restored.Ranges(), ShouldResemble, s.Ranges())
	})
}

func Test_InvalidRangePanics(t *testing.T) {
	Convey("Given an inverted range", t, func() {
		Convey("Constructing a Set from it panics", func() {
			So(func() { New(Range{Start: 10, End: 5}) }, ShouldPanic)
		})
	})

	Convey("Given a zero-length range", t, func() {
		Convey("Constructing a Set from it panics", func() {
			So(func() { New(Range{Start: 10, End: 10}) }, ShouldPanic)
		})
	})
}
