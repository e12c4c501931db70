package geometry

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// warpPerspective maps the quadrilateral quad of src onto a dstW x dstH
// rectangle. Each destination pixel is pulled back through the inverse
// homography and sampled bilinearly; samples outside src clamp to the edge.
func warpPerspective(src image.Image, quad [4]Point, dstW, dstH int) (*image.NRGBA, bool) {
	if dstW <= 0 || dstH <= 0 {
		return nil, false
	}
	rect := [4]Point{
		{X: 0, Y: 0},
		{X: float64(dstW - 1), Y: 0},
		{X: float64(dstW - 1), Y: float64(dstH - 1)},
		{X: 0, Y: float64(dstH - 1)},
	}
	h, ok := ComputeHomography(rect, quad)
	if !ok {
		return nil, false
	}

	in := imaging.Clone(src)
	sw, sh := in.Bounds().Dx(), in.Bounds().Dy()
	out := image.NewNRGBA(image.Rect(0, 0, dstW, dstH))
	for y := range dstH {
		row := out.Pix[y*out.Stride:]
		for x := range dstW {
			sx, sy := h.Apply(float64(x), float64(y))
			sampleBilinear(in, sw, sh, sx, sy, row[x*4:x*4+4])
		}
	}
	return out, true
}

func sampleBilinear(src *image.NRGBA, w, h int, x, y float64, dst []uint8) {
	x = clamp(x, 0, float64(w-1))
	y = clamp(y, 0, float64(h-1))
	x0, y0 := int(x), int(y)
	x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
	fx, fy := x-float64(x0), y-float64(y0)

	p00 := src.Pix[y0*src.Stride+x0*4:]
	p10 := src.Pix[y0*src.Stride+x1*4:]
	p01 := src.Pix[y1*src.Stride+x0*4:]
	p11 := src.Pix[y1*src.Stride+x1*4:]
	for c := range 4 {
		top := lerp(float64(p00[c]), float64(p10[c]), fx)
		bot := lerp(float64(p01[c]), float64(p11[c]), fx)
		dst[c] = uint8(clamp(math.Round(lerp(top, bot, fy)), 0, 255))
	}
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
