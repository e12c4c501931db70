package enhance

import (
	"bytes"
	"image"
	"image/color"
	"math/rand/v2"
	"testing"

	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/imageio"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noisyPage(w, h int, seed uint64) *image.NRGBA {
	rng := rand.New(rand.NewPCG(seed, 1))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			v := uint8(150 + rng.IntN(60))
			if y%12 < 3 && x%9 < 6 {
				v = uint8(40 + rng.IntN(30))
			}
			img.Set(x, y, color.NRGBA{R: v, G: v - 10, B: v, A: 255})
		}
	}
	return img
}

func TestEnhance_DeterministicProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("same image and options give identical PNG bytes", prop.ForAll(
		func(seed uint64, denoise, contrast, sharpen, gray, bin bool) bool {
			img := noisyPage(48, 36, seed)
			opts := Options{Denoise: denoise, AutoContrast: contrast, Sharpen: sharpen, Grayscale: gray, Binarize: bin}
			a, err1 := Enhance(img, opts)
			b, err2 := Enhance(img, opts)
			if err1 != nil || err2 != nil {
				return false
			}
			pa, _ := imageio.EncodePNG(a)
			pb, _ := imageio.EncodePNG(b)
			return bytes.Equal(pa, pb) && a.Bounds() == img.Bounds()
		},
		gen.UInt64(),
		gen.Bool(), gen.Bool(), gen.Bool(), gen.Bool(), gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestEnhance_Toggles(t *testing.T) {
	img := noisyPage(40, 30, 3)

	t.Run("all off is identity", func(t *testing.T) {
		out, err := Enhance(img, Options{})
		require.NoError(t, err)
		assert.Equal(t, img.Pix, out.Pix)
	})

	t.Run("auto contrast spans the range", func(t *testing.T) {
		out, err := Enhance(img, Options{AutoContrast: true})
		require.NoError(t, err)
		lo, hi := uint8(255), uint8(0)
		for i := 0; i < len(out.Pix); i += 4 {
			lo, hi = min(lo, out.Pix[i]), max(hi, out.Pix[i])
		}
		assert.LessOrEqual(t, lo, uint8(5))
		assert.GreaterOrEqual(t, hi, uint8(250))
	})

	t.Run("grayscale equalizes channels", func(t *testing.T) {
		out, err := Enhance(img, Options{Grayscale: true})
		require.NoError(t, err)
		for i := 0; i < len(out.Pix); i += 4 {
			require.Equal(t, out.Pix[i], out.Pix[i+1])
			require.Equal(t, out.Pix[i], out.Pix[i+2])
		}
	})

	t.Run("binarize yields two levels", func(t *testing.T) {
		out, err := Enhance(img, Options{Binarize: true})
		require.NoError(t, err)
		for i := 0; i < len(out.Pix); i += 4 {
			v := out.Pix[i]
			require.True(t, v == 0 || v == 255, "value %d", v)
		}
	})

	t.Run("defaults keep colour", func(t *testing.T) {
		opts := DefaultOptions()
		assert.False(t, opts.Grayscale)
		assert.True(t, opts.Denoise && opts.AutoContrast && opts.Sharpen)
		out, err := Enhance(img, opts)
		require.NoError(t, err)
		assert.Equal(t, img.Bounds(), out.Bounds())
	})
}

func TestEnhance_InvalidImage(t *testing.T) {
	var inv *document.InvalidImageError

	_, err := Enhance(nil, DefaultOptions())
	assert.ErrorAs(t, err, &inv)

	_, err = Enhance(image.NewNRGBA(image.Rect(0, 0, 0, 0)), DefaultOptions())
	assert.ErrorAs(t, err, &inv)

	_, err = EnhanceRaster(document.Raster{PNG: []byte("nope")}, DefaultOptions())
	assert.ErrorAs(t, err, &inv)
}

func TestEnhanceRaster(t *testing.T) {
	in, err := imageio.ToRaster(noisyPage(32, 24, 9))
	require.NoError(t, err)
	out, err := EnhanceRaster(in, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, in.Width, out.Width)
	assert.Equal(t, in.Height, out.Height)
	assert.NotEqual(t, in.PNG, out.PNG)
}
