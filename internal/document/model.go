// Package document holds the data model shared by every stage of the
// ingestion pipeline together with the error taxonomy the stages report.
package document

import (
	"strings"
	"time"
)

// OtherCategory is the reserved label for documents no category accepts.
const OtherCategory = "Other"

// Point is a 2D point in pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is an axis-aligned rectangle in pixel coordinates.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// RawCapture is an encoded image plus capture metadata. It is never mutated
// after creation.
type RawCapture struct {
	ID         string    `json:"id"`
	Image      []byte    `json:"image"`
	Format     string    `json:"format"`
	Filename   string    `json:"filename"`
	Source     string    `json:"source"`
	CapturedAt time.Time `json:"captured_at"`
}

// Corners are the document corners ordered top-left, top-right,
// bottom-right, bottom-left.
type Corners struct {
	Points     [4]Point `json:"points"`
	Confidence float64  `json:"confidence"`
}

// FullFrame returns corners covering the whole w x h image with confidence 0.
func FullFrame(w, h int) Corners {
	fw, fh := float64(w-1), float64(h-1)
	if fw < 0 {
		fw = 0
	}
	if fh < 0 {
		fh = 0
	}
	return Corners{Points: [4]Point{{0, 0}, {fw, 0}, {fw, fh}, {0, fh}}}
}

// Raster is a PNG-encoded image produced by a pipeline stage.
type Raster struct {
	PNG    []byte `json:"png"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Empty reports whether the raster carries no image.
func (r Raster) Empty() bool { return len(r.PNG) == 0 }

// OcrLine is a single recognized line of text.
type OcrLine struct {
	Text       string  `json:"text"`
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
}

// OcrResult is the text extracted from one image.
type OcrResult struct {
	Lines      []OcrLine `json:"lines"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Backend    string    `json:"backend,omitempty"`
}

// NewOcrResult builds a result from ordered lines. The document confidence is
// the mean of line confidences weighted by line length in runes. No lines
// yields empty text and confidence 0.
func NewOcrResult(lines []OcrLine) OcrResult {
	res := OcrResult{Lines: lines}
	if len(lines) == 0 {
		res.Lines = []OcrLine{}
		return res
	}
	var (
		texts    = make([]string, 0, len(lines))
		weighted float64
		total    float64
	)
	for _, l := range lines {
		if l.Text == "" {
			continue
		}
		texts = append(texts, l.Text)
		n := float64(len([]rune(l.Text)))
		weighted += n * l.Confidence
		total += n
	}
	res.Text = strings.Join(texts, "\n")
	if total > 0 {
		res.Confidence = weighted / total
	}
	return res
}

// ClassificationResult is the outcome of category and company detection.
type ClassificationResult struct {
	Category          string             `json:"category"`
	Confidence        float64            `json:"confidence"`
	Company           *string            `json:"company"`
	CompanyConfidence float64            `json:"company_confidence"`
	Scores            map[string]float64 `json:"scores,omitempty"`
	Corrected         bool               `json:"corrected,omitempty"`
}

// CompanyName returns the detected company or "".
func (c ClassificationResult) CompanyName() string {
	if c.Company == nil {
		return ""
	}
	return *c.Company
}

// ReviewFlag marks degraded data a user should look at.
type ReviewFlag string

const (
	FlagLowCornerConfidence ReviewFlag = "low_corner_confidence"
	FlagLowOcrConfidence    ReviewFlag = "low_ocr_confidence"
	FlagEmptyText           ReviewFlag = "empty_text"
	FlagUnclassified        ReviewFlag = "unclassified"
	FlagNoCompany           ReviewFlag = "no_company"
)

// Record is a finalized, stored document.
type Record struct {
	ID             string               `json:"id"`
	Filename       string               `json:"filename"`
	Locator        string               `json:"locator"`
	Location       string               `json:"location"`
	OCR            OcrResult            `json:"ocr"`
	Classification ClassificationResult `json:"classification"`
	ReviewFlags    []ReviewFlag         `json:"review_flags,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// IndexEntry is the searchable vector of one live document.
type IndexEntry struct {
	DocumentID string    `json:"document_id"`
	Vector     []float32 `json:"vector"`
	Snippet    string    `json:"snippet"`
	ModelID    string    `json:"model_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Snippet shortens text to at most n runes on a word boundary.
func Snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	cut := string(r[:n])
	if i := strings.LastIndexByte(cut, ' '); i > n/2 {
		cut = cut[:i]
	}
	return cut + "…"
}
