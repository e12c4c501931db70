// Package geometry finds the page quadrilateral in a photo and warps it onto
// an upright rectangle of a fixed aspect ratio.
package geometry

import (
	"image"
	"log/slog"
	"math"

	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/disintegration/imaging"
)

// Engine detects document corners and rectifies images. It holds no mutable
// state and is safe for concurrent use.
type Engine struct {
	cfg Config
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// DetectCorners returns the largest convex quadrilateral whose area passes
// the minimum area fraction. When nothing qualifies the full frame is
// returned with confidence 0.
func (e *Engine) DetectCorners(img image.Image) document.Corners {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 8 || h < 8 {
		return document.FullFrame(w, h)
	}

	work := img
	scale := 1.0
	if h != e.cfg.WorkingHeight {
		work = imaging.Resize(img, 0, e.cfg.WorkingHeight, imaging.Linear)
		scale = float64(h) / float64(work.Bounds().Dy())
	}
	plane := toGrayPlane(work, e.cfg.BlurSigma)
	edges := canny(plane, e.cfg.CannyLow, e.cfg.CannyHigh)
	edges = closeMask(edges, plane.w, plane.h, e.cfg.CloseKernel)
	labels, comps := labelComponents(edges, plane.w, plane.h)

	imgArea := float64(plane.w * plane.h)
	minArea := e.cfg.MinAreaFraction * imgArea

	var (
		best     [4]Point
		bestArea float64
		bestConf float64
		found    bool
	)
	for _, c := range largestComponents(comps, e.cfg.MaxCandidates) {
		if float64(c.bboxArea()) < minArea {
			break
		}
		contour := traceOuterContour(labels, plane.w, plane.h, c)
		hull := convexHull(contour)
		if len(hull) < 4 {
			continue
		}
		quad := simplifyClosed(hull, e.cfg.EpsilonFactor*perimeter(hull))
		if len(quad) != 4 || !isConvex(quad) {
			continue
		}
		area := polygonArea(quad)
		if area < minArea || area <= bestArea {
			continue
		}
		fit := area / polygonArea(hull)
		best = [4]Point{quad[0], quad[1], quad[2], quad[3]}
		bestArea = area
		bestConf = clamp((area/imgArea)*fit, math.SmallestNonzeroFloat64, 1)
		found = true
	}
	if !found {
		slog.Debug("No document quadrilateral found, using full frame", "width", w, "height", h,
			"components", len(comps))
		return document.FullFrame(w, h)
	}

	ordered := OrderCorners(best)
	for i := range ordered {
		ordered[i] = Point{
			X: clamp(ordered[i].X*scale, 0, float64(w-1)),
			Y: clamp(ordered[i].Y*scale, 0, float64(h-1)),
		}
	}
	slog.Debug("Detected document corners", "confidence", bestConf, "area_fraction", bestArea/imgArea)
	return document.Corners{Points: ordered, Confidence: bestConf}
}

// OutputSize returns the rectified width and height for corners. The height
// is always round(width * aspect).
func (e *Engine) OutputSize(c document.Corners) (int, int) {
	w := e.cfg.OutputWidth
	if w <= 0 {
		p := c.Points
		w = int(math.Round((distance(p[0], p[1]) + distance(p[3], p[2])) / 2))
		if e.cfg.MinOutputWidth > 0 {
			w = max(w, e.cfg.MinOutputWidth)
		}
		if e.cfg.MaxOutputWidth > 0 {
			w = min(w, e.cfg.MaxOutputWidth)
		}
		w = max(w, 1)
	}
	return w, int(math.Round(float64(w) * e.cfg.Aspect))
}

// Rectify warps the region bounded by c onto an upright rectangle of the
// configured aspect ratio. Degenerate corners fall back to the full frame.
func (e *Engine) Rectify(img image.Image, c document.Corners) (*image.NRGBA, error) {
	b := img.Bounds()
	if b.Dx() < 2 || b.Dy() < 2 {
		return nil, &document.GeometryError{Reason: "image too small to rectify"}
	}
	quad := c.Points
	if polygonArea(quad[:]) < 1 || !isConvex(quad[:]) {
		slog.Debug("Degenerate corners, rectifying full frame", "corners", quad)
		c = document.FullFrame(b.Dx(), b.Dy())
		quad = c.Points
	}
	dw, dh := e.OutputSize(c)
	if dh < 1 {
		return nil, &document.GeometryError{Reason: "output height rounds to zero"}
	}
	out, ok := warpPerspective(img, quad, dw, dh)
	if !ok {
		return nil, &document.GeometryError{Reason: "homography is singular"}
	}
	return out, nil
}
