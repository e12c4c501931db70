package geometry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Config holds corner detection and rectification parameters.
type Config struct {
	WorkingHeight   int     // detection runs on a copy resized to this height
	BlurSigma       float64 // gaussian blur before edge detection
	CannyLow        float64 // hysteresis low threshold on gradient magnitude
	CannyHigh       float64 // hysteresis high threshold on gradient magnitude
	CloseKernel     int     // morphological close kernel size (odd)
	MinAreaFraction float64 // minimum quad area relative to image area
	EpsilonFactor   float64 // Douglas-Peucker tolerance as a fraction of perimeter
	MaxCandidates   int     // largest contours examined
	Aspect          float64 // output height / width
	OutputWidth     int     // fixed output width, 0 derives it from the corners
	MinOutputWidth  int
	MaxOutputWidth  int
}

// DefaultConfig returns the detection parameters of the reference scanner:
// 500px working height, Canny 75/200, 9x9 close, 2% DP tolerance, A4 output.
func DefaultConfig() Config {
	return Config{
		WorkingHeight:   500,
		BlurSigma:       1.1,
		CannyLow:        75,
		CannyHigh:       200,
		CloseKernel:     9,
		MinAreaFraction: 0.2,
		EpsilonFactor:   0.02,
		MaxCandidates:   5,
		Aspect:          math.Sqrt2,
		OutputWidth:     0,
		MinOutputWidth:  64,
		MaxOutputWidth:  2480,
	}
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	if c.WorkingHeight < 32 {
		return fmt.Errorf("working height %d too small", c.WorkingHeight)
	}
	if c.CannyLow < 0 || c.CannyHigh < c.CannyLow {
		return fmt.Errorf("invalid canny thresholds %.1f/%.1f", c.CannyLow, c.CannyHigh)
	}
	if c.MinAreaFraction < 0 || c.MinAreaFraction > 1 {
		return fmt.Errorf("min area fraction %.2f outside [0,1]", c.MinAreaFraction)
	}
	if c.Aspect <= 0 {
		return fmt.Errorf("aspect ratio must be positive, got %f", c.Aspect)
	}
	if c.OutputWidth < 0 {
		return fmt.Errorf("output width must not be negative, got %d", c.OutputWidth)
	}
	return nil
}

// ParseAspect accepts a preset name (a4, letter, legal, square), a ratio
// "h:w" or a plain number and returns height divided by width.
func ParseAspect(s string) (float64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "a4", "a-series", "iso":
		return math.Sqrt2, nil
	case "letter":
		return 11.0 / 8.5, nil
	case "legal":
		return 14.0 / 8.5, nil
	case "square":
		return 1, nil
	}
	if h, w, ok := strings.Cut(s, ":"); ok {
		hv, err1 := strconv.ParseFloat(h, 64)
		wv, err2 := strconv.ParseFloat(w, 64)
		if err1 != nil || err2 != nil || hv <= 0 || wv <= 0 {
			return 0, fmt.Errorf("invalid aspect ratio %q", s)
		}
		return hv / wv, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid aspect ratio %q", s)
	}
	return v, nil
}
