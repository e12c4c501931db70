package geometry

import "sort"

// component describes one 8-connected region of an edge mask.
type component struct {
	label                  int32
	count                  int
	minX, minY, maxX, maxY int
}

func (c component) bboxArea() int { return (c.maxX - c.minX + 1) * (c.maxY - c.minY + 1) }

// labelComponents labels 8-connected foreground regions. Labels start at 1.
func labelComponents(mask []bool, w, h int) ([]int32, []component) {
	labels := make([]int32, w*h)
	var comps []component
	queue := make([]int, 0, 1024)
	next := int32(1)
	for start, on := range mask {
		if !on || labels[start] != 0 {
			continue
		}
		c := component{label: next, minX: w, minY: h, maxX: -1, maxY: -1}
		labels[start] = next
		queue = append(queue[:0], start)
		for len(queue) > 0 {
			i := queue[0]
			queue = queue[1:]
			x, y := i%w, i/w
			c.count++
			c.minX, c.maxX = min(c.minX, x), max(c.maxX, x)
			c.minY, c.maxY = min(c.minY, y), max(c.maxY, y)
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					k := ny*w + nx
					if mask[k] && labels[k] == 0 {
						labels[k] = next
						queue = append(queue, k)
					}
				}
			}
		}
		comps = append(comps, c)
		next++
	}
	return labels, comps
}

// largestComponents returns up to n components ordered by bounding box area.
func largestComponents(comps []component, n int) []component {
	sorted := append([]component(nil), comps...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].bboxArea() > sorted[j].bboxArea() })
	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// Moore neighbourhood in clockwise order starting east.
var (
	mooreDX = [8]int{1, 1, 0, -1, -1, -1, 0, 1}
	mooreDY = [8]int{0, 1, 1, 1, 0, -1, -1, -1}
)

// traceOuterContour follows the outer boundary of a labeled component with
// Moore-neighbour tracing and returns the visited pixel centres. Collinear
// runs are collapsed.
func traceOuterContour(labels []int32, w, h int, c component) []Point {
	in := func(x, y int) bool {
		return x >= 0 && y >= 0 && x < w && y < h && labels[y*w+x] == c.label
	}

	// The first pixel in raster order is always on the outer boundary and
	// its west neighbour is background.
	sx, sy := -1, -1
	for y := c.minY; y <= c.maxY && sx < 0; y++ {
		for x := c.minX; x <= c.maxX; x++ {
			if in(x, y) {
				sx, sy = x, y
				break
			}
		}
	}
	if sx < 0 {
		return nil
	}

	pts := make([]Point, 0, 128)
	add := func(x, y int) {
		p := Point{X: float64(x), Y: float64(y)}
		if n := len(pts); n >= 2 && cross(pts[n-2], pts[n-1], p) == 0 {
			pts = pts[:n-1]
		}
		pts = append(pts, p)
	}
	add(sx, sy)

	cx, cy := sx, sy
	back := 4 // west
	for steps := 0; steps < 4*c.count+8; steps++ {
		found := false
		for k := 1; k <= 8; k++ {
			d := (back + k) % 8
			nx, ny := cx+mooreDX[d], cy+mooreDY[d]
			if in(nx, ny) {
				// the cell scanned just before d becomes the new backtrack,
				// expressed relative to the new position
				pd := (back + k - 1) % 8
				bx, by := cx+mooreDX[pd], cy+mooreDY[pd]
				cx, cy = nx, ny
				back = directionOf(bx-cx, by-cy)
				found = true
				break
			}
		}
		if !found || (cx == sx && cy == sy) {
			break
		}
		add(cx, cy)
	}
	if n := len(pts); n >= 3 && cross(pts[n-2], pts[n-1], pts[0]) == 0 {
		pts = pts[:n-1]
	}
	return pts
}

func directionOf(dx, dy int) int {
	for i := range 8 {
		if mooreDX[i] == dx && mooreDY[i] == dy {
			return i
		}
	}
	return 4
}
