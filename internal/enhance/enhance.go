// Package enhance applies the cleanup filters that run between
// rectification and OCR.
package enhance

import (
	"image"
	"image/color"

	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/imageio"
	"github.com/disintegration/imaging"
)

// Options toggles the individual filters.
type Options struct {
	Denoise      bool `mapstructure:"denoise" yaml:"denoise" json:"denoise"`
	AutoContrast bool `mapstructure:"auto_contrast" yaml:"auto_contrast" json:"auto_contrast"`
	Sharpen      bool `mapstructure:"sharpen" yaml:"sharpen" json:"sharpen"`
	Grayscale    bool `mapstructure:"grayscale" yaml:"grayscale" json:"grayscale"`
	Binarize     bool `mapstructure:"binarize" yaml:"binarize" json:"binarize"`
}

// DefaultOptions enables everything except grayscale and binarization.
func DefaultOptions() Options {
	return Options{Denoise: true, AutoContrast: true, Sharpen: true}
}

const (
	denoiseSigma   = 0.8
	sharpenSigma   = 3.0
	sharpenAmount  = 1.5 // weight of the original in the unsharp mask
	contrastClip   = 0.005
	binarizeBlock  = 21
	binarizeOffset = 15
)

// Enhance applies the enabled filters in a fixed order: denoise, contrast,
// sharpen, grayscale, binarize. The result has the dimensions of img and
// depends only on img and opts.
func Enhance(img image.Image, opts Options) (*image.NRGBA, error) {
	if img == nil {
		return nil, &document.InvalidImageError{Op: "enhance"}
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, &document.InvalidImageError{Op: "enhance"}
	}

	out := imaging.Clone(img)
	if opts.Denoise {
		out = imaging.Blur(out, denoiseSigma)
	}
	if opts.AutoContrast {
		out = autoContrast(out)
	}
	if opts.Sharpen {
		out = unsharp(out)
	}
	if opts.Grayscale || opts.Binarize {
		out = imaging.Grayscale(out)
	}
	if opts.Binarize {
		out = binarize(out)
	}
	return out, nil
}

// EnhanceRaster decodes r, enhances it and encodes the result as PNG.
func EnhanceRaster(r document.Raster, opts Options) (document.Raster, error) {
	img, err := imageio.FromRaster(r)
	if err != nil {
		return document.Raster{}, err
	}
	out, err := Enhance(img, opts)
	if err != nil {
		return document.Raster{}, err
	}
	return imageio.ToRaster(out)
}

// autoContrast stretches each colour channel so that its clipped minimum and
// maximum map to 0 and 255.
func autoContrast(img *image.NRGBA) *image.NRGBA {
	var hist [3][256]int
	n := 0
	for i := 0; i+3 < len(img.Pix); i += 4 {
		hist[0][img.Pix[i]]++
		hist[1][img.Pix[i+1]]++
		hist[2][img.Pix[i+2]]++
		n++
	}
	clip := int(float64(n) * contrastClip)

	var lut [3][256]uint8
	for c := range 3 {
		lo, hi := percentile(&hist[c], clip, false), percentile(&hist[c], clip, true)
		if hi <= lo {
			for v := range 256 {
				lut[c][v] = uint8(v)
			}
			continue
		}
		scale := 255 / float64(hi-lo)
		for v := range 256 {
			s := (float64(v) - float64(lo)) * scale
			lut[c][v] = uint8(min(max(s+0.5, 0), 255))
		}
	}
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: lut[0][c.R], G: lut[1][c.G], B: lut[2][c.B], A: c.A}
	})
}

func percentile(h *[256]int, clip int, fromTop bool) int {
	acc := 0
	for i := range 256 {
		v := i
		if fromTop {
			v = 255 - i
		}
		acc += h[v]
		if acc > clip {
			return v
		}
	}
	if fromTop {
		return 0
	}
	return 255
}

// unsharp computes sharpenAmount*img - (sharpenAmount-1)*blur(img).
func unsharp(img *image.NRGBA) *image.NRGBA {
	blurred := imaging.Blur(img, sharpenSigma)
	out := image.NewNRGBA(img.Bounds())
	for i := 0; i+3 < len(img.Pix); i += 4 {
		for c := range 3 {
			v := sharpenAmount*float64(img.Pix[i+c]) - (sharpenAmount-1)*float64(blurred.Pix[i+c])
			out.Pix[i+c] = uint8(min(max(v+0.5, 0), 255))
		}
		out.Pix[i+3] = img.Pix[i+3]
	}
	return out
}

// binarize applies mean adaptive thresholding on a grayscale image: a pixel
// turns white when it exceeds its local mean minus binarizeOffset.
func binarize(gray *image.NRGBA) *image.NRGBA {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	integral := make([]int64, (w+1)*(h+1))
	for y := range h {
		var row int64
		for x := range w {
			row += int64(gray.Pix[y*gray.Stride+x*4])
			integral[(y+1)*(w+1)+x+1] = integral[y*(w+1)+x+1] + row
		}
	}

	half := binarizeBlock / 2
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		y0, y1 := max(y-half, 0), min(y+half+1, h)
		for x := range w {
			x0, x1 := max(x-half, 0), min(x+half+1, w)
			sum := integral[y1*(w+1)+x1] - integral[y0*(w+1)+x1] - integral[y1*(w+1)+x0] + integral[y0*(w+1)+x0]
			mean := float64(sum) / float64((y1-y0)*(x1-x0))
			v := uint8(0)
			if float64(gray.Pix[y*gray.Stride+x*4]) > mean-binarizeOffset {
				v = 255
			}
			i := y*out.Stride + x*4
			out.Pix[i], out.Pix[i+1], out.Pix[i+2], out.Pix[i+3] = v, v, v, 255
		}
	}
	return out
}
