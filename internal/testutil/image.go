// Package testutil builds synthetic document photos for tests.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math/rand/v2"
	"testing"

	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/geometry"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// PageConfig describes a synthetic printed page.
type PageConfig struct {
	Width      int
	Height     int
	Lines      []string
	Margin     int
	Scale      int // integer upscale of the 7x13 bitmap font
	Background color.Color
	Foreground color.Color
}

// DefaultPageConfig returns an A4-proportioned white page.
func DefaultPageConfig() PageConfig {
	return PageConfig{
		Width:      420,
		Height:     594,
		Margin:     40,
		Scale:      2,
		Background: color.White,
		Foreground: color.Black,
	}
}

// Page renders cfg.Lines top to bottom onto a blank page.
func Page(cfg PageConfig) *image.NRGBA {
	scale := max(cfg.Scale, 1)
	small := image.NewNRGBA(image.Rect(0, 0, cfg.Width/scale, cfg.Height/scale))
	draw.Draw(small, small.Bounds(), &image.Uniform{cfg.Background}, image.Point{}, draw.Src)

	face := basicfont.Face7x13
	d := &font.Drawer{Dst: small, Src: &image.Uniform{cfg.Foreground}, Face: face}
	lineHeight := face.Metrics().Height.Ceil() + 4
	y := cfg.Margin/scale + face.Metrics().Ascent.Ceil()
	for _, line := range cfg.Lines {
		if y > small.Bounds().Dy()-cfg.Margin/scale {
			break
		}
		d.Dot = fixed.P(cfg.Margin/scale, y)
		d.DrawString(line)
		y += lineHeight
	}
	if scale == 1 {
		return small
	}
	return imaging.Resize(small, cfg.Width, cfg.Height, imaging.NearestNeighbor)
}

// Scene places page inside quad on a w x h background, as a photo taken at
// an angle would show it. quad is ordered tl, tr, br, bl.
func Scene(page image.Image, quad [4]document.Point, w, h int, bg color.Color) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(out, out.Bounds(), &image.Uniform{bg}, image.Point{}, draw.Src)

	pb := page.Bounds()
	pw, ph := float64(pb.Dx()-1), float64(pb.Dy()-1)
	rect := [4]document.Point{{X: 0, Y: 0}, {X: pw, Y: 0}, {X: pw, Y: ph}, {X: 0, Y: ph}}
	toPage, ok := geometry.ComputeHomography(quad, rect)
	if !ok {
		return out
	}
	src := imaging.Clone(page)
	for y := range h {
		for x := range w {
			sx, sy := toPage.Apply(float64(x), float64(y))
			if sx < 0 || sy < 0 || sx > pw || sy > ph {
				continue
			}
			out.Set(x, y, src.At(int(sx+0.5), int(sy+0.5)))
		}
	}
	return out
}

// Clutter returns an image with random blobs and no page-like quadrilateral.
func Clutter(w, h int, seed uint64) *image.NRGBA {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(out, out.Bounds(), &image.Uniform{color.Gray{Y: 90}}, image.Point{}, draw.Src)
	for range 40 {
		r := max(2, min(w, h)/40)
		cx, cy := rng.IntN(w), rng.IntN(h)
		c := color.Gray{Y: uint8(rng.IntN(256))}
		draw.Draw(out, image.Rect(cx-r, cy-r, cx+r, cy+r), &image.Uniform{c}, image.Point{}, draw.Src)
	}
	return out
}

// EncodePNG encodes img or fails the test.
func EncodePNG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// SkewedQuad returns a gently rotated and foreshortened page outline inside
// a w x h frame.
func SkewedQuad(w, h int) [4]document.Point {
	fw, fh := float64(w), float64(h)
	return [4]document.Point{
		{X: 0.18 * fw, Y: 0.12 * fh},
		{X: 0.80 * fw, Y: 0.09 * fh},
		{X: 0.85 * fw, Y: 0.90 * fh},
		{X: 0.14 * fw, Y: 0.87 * fh},
	}
}
