package imageio

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// PageImage is one image embedded in a PDF page.
type PageImage struct {
	Page  int
	Index int
	Image image.Image
}

// ExtractPDFImages extracts embedded page images from a PDF, ordered by page
// and image index. pageRange accepts "1-3,5"; empty means all pages.
func ExtractPDFImages(filename, pageRange string) ([]PageImage, error) {
	pages, err := parsePageRange(pageRange)
	if err != nil {
		return nil, fmt.Errorf("invalid page range %q: %w", pageRange, err)
	}
	var selected []string
	for _, p := range pages {
		selected = append(selected, strconv.Itoa(p))
	}

	tmp, err := os.MkdirTemp("", "docsort-pdf-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	if err := api.ExtractImagesFile(filename, tmp, selected, nil); err != nil {
		return nil, &document.InvalidImageError{Op: "pdf extract", Err: err}
	}

	entries, err := os.ReadDir(tmp)
	if err != nil {
		return nil, fmt.Errorf("read extracted images: %w", err)
	}
	var out []PageImage
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		page, idx, ok := parseExtractedName(e.Name())
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(tmp, e.Name()))
		if err != nil {
			continue
		}
		img, _, err := Decode(data)
		if err != nil {
			continue
		}
		out = append(out, PageImage{Page: page, Index: idx, Image: img})
	}
	if len(out) == 0 {
		return nil, &document.InvalidImageError{Op: "pdf extract", Err: errors.New("no page images found")}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Page != out[j].Page {
			return out[i].Page < out[j].Page
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

// parseExtractedName reads page and image numbers from the names pdfcpu
// writes, which contain "_<page>_" and end in the object number:
// "<base>_1_Im0.png", "page_2_image_1.jpg".
func parseExtractedName(name string) (page, index int, ok bool) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(stem, "_")
	page = -1
	for i := len(parts) - 2; i >= 0; i-- {
		if n, err := strconv.Atoi(parts[i]); err == nil {
			page = n
			break
		}
	}
	if page < 0 {
		return 0, 0, false
	}
	last := parts[len(parts)-1]
	digits := strings.TrimLeftFunc(last, func(r rune) bool { return r < '0' || r > '9' })
	index, _ = strconv.Atoi(digits)
	return page, index, true
}

func parsePageRange(pageRange string) ([]int, error) {
	if strings.TrimSpace(pageRange) == "" {
		return nil, nil
	}
	var pages []int
	for _, part := range strings.Split(pageRange, ",") {
		part = strings.TrimSpace(part)
		start, end, isRange := strings.Cut(part, "-")
		if !isRange {
			end = start
		}
		a, err := strconv.Atoi(strings.TrimSpace(start))
		if err != nil {
			return nil, fmt.Errorf("invalid page %q", part)
		}
		b, err := strconv.Atoi(strings.TrimSpace(end))
		if err != nil {
			return nil, fmt.Errorf("invalid page %q", part)
		}
		if a < 1 || a > b {
			return nil, fmt.Errorf("invalid range %q", part)
		}
		for p := a; p <= b; p++ {
			pages = append(pages, p)
		}
	}
	return pages, nil
}
