package geometry

import (
	"image"

	"github.com/disintegration/imaging"
)

// grayPlane is a single-channel float image in row-major order.
type grayPlane struct {
	w, h int
	v    []float64
}

func (g *grayPlane) at(x, y int) float64 {
	if x < 0 {
		x = 0
	} else if x >= g.w {
		x = g.w - 1
	}
	if y < 0 {
		y = 0
	} else if y >= g.h {
		y = g.h - 1
	}
	return g.v[y*g.w+x]
}

// toGrayPlane converts img to luminance, blurred with sigma when positive.
func toGrayPlane(img image.Image, sigma float64) *grayPlane {
	gray := imaging.Grayscale(img)
	if sigma > 0 {
		gray = imaging.Blur(gray, sigma)
	}
	b := gray.Bounds()
	p := &grayPlane{w: b.Dx(), h: b.Dy(), v: make([]float64, b.Dx()*b.Dy())}
	for y := range p.h {
		row := gray.Pix[y*gray.Stride:]
		for x := range p.w {
			p.v[y*p.w+x] = float64(row[x*4])
		}
	}
	return p
}

// canny returns a thin edge mask using Sobel gradients, non-maximum
// suppression and hysteresis between low and high.
func canny(p *grayPlane, low, high float64) []bool {
	w, h := p.w, p.h
	mag := make([]float64, w*h)
	dir := make([]uint8, w*h)
	for y := range h {
		for x := range w {
			gx := (p.at(x+1, y-1) + 2*p.at(x+1, y) + p.at(x+1, y+1)) -
				(p.at(x-1, y-1) + 2*p.at(x-1, y) + p.at(x-1, y+1))
			gy := (p.at(x-1, y+1) + 2*p.at(x, y+1) + p.at(x+1, y+1)) -
				(p.at(x-1, y-1) + 2*p.at(x, y-1) + p.at(x+1, y-1))
			i := y*w + x
			mag[i] = abs(gx) + abs(gy)
			dir[i] = quantizeDirection(gx, gy)
		}
	}

	// 0: horizontal gradient, 1: 45deg, 2: vertical, 3: 135deg
	offs := [4][2]int{{1, 0}, {1, 1}, {0, 1}, {-1, 1}}
	thin := make([]float64, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			m := mag[i]
			if m < low {
				continue
			}
			o := offs[dir[i]]
			a := mag[(y+o[1])*w+x+o[0]]
			b := mag[(y-o[1])*w+x-o[0]]
			if m >= a && m > b {
				thin[i] = m
			}
		}
	}

	edges := make([]bool, w*h)
	stack := make([]int, 0, 256)
	for i, m := range thin {
		if m >= high && !edges[i] {
			edges[i] = true
			stack = append(stack, i)
		}
		for len(stack) > 0 {
			j := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			jx, jy := j%w, j/w
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := jx+dx, jy+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					k := ny*w + nx
					if !edges[k] && thin[k] >= low {
						edges[k] = true
						stack = append(stack, k)
					}
				}
			}
		}
	}
	return edges
}

func quantizeDirection(gx, gy float64) uint8 {
	// tan(22.5deg) and tan(67.5deg)
	const t1, t2 = 0.41421356, 2.41421356
	ax, ay := abs(gx), abs(gy)
	switch {
	case ay <= t1*ax:
		return 0
	case ay >= t2*ax:
		return 2
	case (gx > 0) == (gy > 0):
		return 1
	default:
		return 3
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
