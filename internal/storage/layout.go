package storage

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
)

// RootFolder is the top-level folder all documents are filed under.
const RootFolder = "DocSort"

// Supported file formats.
const (
	FormatPNG = "png"
	FormatPDF = "pdf"
)

// FolderPath returns DocSort/<category>[/<company>].
func FolderPath(category, company string) string {
	p := path.Join(RootFolder, Sanitize(category))
	if strings.TrimSpace(company) != "" {
		p = path.Join(p, Sanitize(company))
	}
	return p
}

// FileName builds the stored file name from the original filename, a short
// form of the document id and the format extension.
func FileName(original, id, format string) string {
	stem := strings.TrimSuffix(path.Base(strings.ReplaceAll(original, `\`, "/")), path.Ext(original))
	stem = Sanitize(stem)
	if stem == "_" || stem == "" {
		stem = "document"
	}
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%s.%s", stem, short, format)
}

// ParseLocation splits a locator below RootFolder into category, company
// and file name. ok is false for paths outside the layout.
func ParseLocation(locator string) (category, company, file string, ok bool) {
	parts := strings.Split(strings.Trim(locator, "/"), "/")
	if len(parts) < 3 || len(parts) > 4 || parts[0] != RootFolder {
		return "", "", "", false
	}
	if len(parts) == 3 {
		return parts[1], "", parts[2], true
	}
	return parts[1], parts[2], parts[3], true
}

// Sanitize makes s usable as a single path segment on common filesystems
// and drive services.
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case strings.ContainsRune(`<>:"/\|?*`, r), unicode.IsControl(r):
			return '_'
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, ". ")
	if s == "" {
		return "_"
	}
	return s
}

// Encode converts a PNG image to the storage format.
func Encode(pngData []byte, format string) ([]byte, error) {
	switch format {
	case "", FormatPNG:
		return pngData, nil
	case FormatPDF:
		var buf bytes.Buffer
		imp := pdfcpu.DefaultImportConfig()
		if err := api.ImportImages(nil, &buf, []io.Reader{bytes.NewReader(pngData)}, imp, nil); err != nil {
			return nil, fmt.Errorf("convert to pdf: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported storage format %q", format)
	}
}
