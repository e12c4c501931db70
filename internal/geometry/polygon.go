package geometry

import (
	"math"
	"sort"

	"github.com/MeKo-Tech/docsort/internal/document"
)

type Point = document.Point

// convexHull computes the convex hull with the monotone chain algorithm.
// The hull is returned counter-clockwise in a y-up frame without repeating
// the first point.
func convexHull(pts []Point) []Point {
	if len(pts) <= 2 {
		return append([]Point(nil), pts...)
	}
	p := append([]Point(nil), pts...)
	sort.Slice(p, func(i, j int) bool {
		if p[i].X != p[j].X {
			return p[i].X < p[j].X
		}
		return p[i].Y < p[j].Y
	})
	p = dedupe(p)
	if len(p) <= 2 {
		return p
	}
	lower := make([]Point, 0, len(p))
	for _, pt := range p {
		for len(lower) >= 2 && cross(lower[len(lower)-2], lower[len(lower)-1], pt) <= 0 {
			lower = lower[:len(lower)-1]
		}
		lower = append(lower, pt)
	}
	upper := make([]Point, 0, len(p))
	for i := len(p) - 1; i >= 0; i-- {
		pt := p[i]
		for len(upper) >= 2 && cross(upper[len(upper)-2], upper[len(upper)-1], pt) <= 0 {
			upper = upper[:len(upper)-1]
		}
		upper = append(upper, pt)
	}
	hull := make([]Point, 0, len(lower)+len(upper)-2)
	hull = append(hull, lower[:len(lower)-1]...)
	hull = append(hull, upper[:len(upper)-1]...)
	return hull
}

func dedupe(p []Point) []Point {
	out := p[:0]
	for i, pt := range p {
		if i > 0 && pt == p[i-1] {
			continue
		}
		out = append(out, pt)
	}
	return out
}

func cross(o, a, b Point) float64 {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}

// simplifyClosed runs Douglas-Peucker on a closed polygon. The ring is split
// at two mutually distant vertices so that the result does not depend on
// which vertex happens to come first.
func simplifyClosed(pts []Point, eps float64) []Point {
	n := len(pts)
	if n <= 4 || eps <= 0 {
		return append([]Point(nil), pts...)
	}
	a := farthestFrom(pts, pts[0])
	b := farthestFrom(pts, pts[a])
	if a == b {
		return append([]Point(nil), pts...)
	}
	if a > b {
		a, b = b, a
	}
	keep := make([]bool, n)
	keep[a], keep[b] = true, true

	first := pts[a : b+1]
	dp(first, 0, len(first)-1, eps, keep[a:b+1])

	second := make([]Point, 0, n-b+a+1)
	second = append(second, pts[b:]...)
	second = append(second, pts[:a+1]...)
	keep2 := make([]bool, len(second))
	dp(second, 0, len(second)-1, eps, keep2)
	for i, k := range keep2 {
		if k {
			keep[(b+i)%n] = true
		}
	}

	out := make([]Point, 0, 8)
	for i, k := range keep {
		if k {
			out = append(out, pts[i])
		}
	}
	return out
}

func farthestFrom(pts []Point, ref Point) int {
	best, bestD := 0, -1.0
	for i, p := range pts {
		if d := math.Hypot(p.X-ref.X, p.Y-ref.Y); d > bestD {
			best, bestD = i, d
		}
	}
	return best
}

func dp(pts []Point, start, end int, eps float64, keep []bool) {
	if end <= start+1 {
		return
	}
	maxDist, index := -1.0, -1
	for i := start + 1; i < end; i++ {
		if d := segmentDistance(pts[i], pts[start], pts[end]); d > maxDist {
			maxDist, index = d, i
		}
	}
	if maxDist > eps {
		keep[index] = true
		dp(pts, start, index, eps, keep)
		dp(pts, index, end, eps, keep)
	}
}

func segmentDistance(p, a, b Point) float64 {
	vx, vy := b.X-a.X, b.Y-a.Y
	if vx == 0 && vy == 0 {
		return math.Hypot(p.X-a.X, p.Y-a.Y)
	}
	return math.Abs((p.X-a.X)*vy-(p.Y-a.Y)*vx) / math.Hypot(vx, vy)
}

func perimeter(pts []Point) float64 {
	var sum float64
	for i := range pts {
		a, b := pts[i], pts[(i+1)%len(pts)]
		sum += math.Hypot(b.X-a.X, b.Y-a.Y)
	}
	return sum
}

// polygonArea returns the unsigned shoelace area.
func polygonArea(pts []Point) float64 {
	var s float64
	for i := range pts {
		a, b := pts[i], pts[(i+1)%len(pts)]
		s += a.X*b.Y - b.X*a.Y
	}
	return math.Abs(s) / 2
}

// isConvex reports whether the polygon turns the same way at every vertex.
// Collinear vertices make it non-convex.
func isConvex(pts []Point) bool {
	if len(pts) < 3 {
		return false
	}
	sign := 0
	for i := range pts {
		c := cross(pts[i], pts[(i+1)%len(pts)], pts[(i+2)%len(pts)])
		switch {
		case c > 0:
			if sign < 0 {
				return false
			}
			sign = 1
		case c < 0:
			if sign > 0 {
				return false
			}
			sign = -1
		default:
			return false
		}
	}
	return true
}

// OrderCorners orders four points top-left, top-right, bottom-right,
// bottom-left in image coordinates (y down).
func OrderCorners(q [4]Point) [4]Point {
	var cx, cy float64
	for _, p := range q {
		cx += p.X / 4
		cy += p.Y / 4
	}
	pts := q[:]
	sorted := append([]Point(nil), pts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return math.Atan2(sorted[i].Y-cy, sorted[i].X-cx) < math.Atan2(sorted[j].Y-cy, sorted[j].X-cx)
	})
	// atan2 ascending walks left, top, right, bottom: clockwise on screen.
	start := 0
	for i, p := range sorted {
		if p.X+p.Y < sorted[start].X+sorted[start].Y {
			start = i
		}
	}
	var out [4]Point
	for i := range 4 {
		out[i] = sorted[(start+i)%4]
	}
	return out
}

func distance(a, b Point) float64 { return math.Hypot(a.X-b.X, a.Y-b.Y) }
