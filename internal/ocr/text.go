package ocr

import (
	"strings"
	"unicode"

	"github.com/MeKo-Tech/docsort/internal/document"
	"golang.org/x/text/unicode/norm"
)

// CleanLine composes the line to NFC, drops control characters and folds
// runs of whitespace into single spaces.
func CleanLine(s string) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			return ' '
		case unicode.IsControl(r), r == unicode.ReplacementChar:
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// Finalize turns raw backend lines into a result: lines are cleaned, empty
// lines dropped, confidences clamped to [0,1] and every line gets a
// language tag. A backend tag wins; otherwise the line text is examined,
// then the whole text, then the first hint.
func Finalize(raw []document.OcrLine, backend string, hints []string) document.OcrResult {
	lines := make([]document.OcrLine, 0, len(raw))
	for _, l := range raw {
		l.Text = CleanLine(l.Text)
		if l.Text == "" {
			continue
		}
		l.Confidence = min(max(l.Confidence, 0), 1)
		lines = append(lines, l)
	}

	var fallback string
	if len(lines) > 0 {
		texts := make([]string, len(lines))
		for i, l := range lines {
			texts[i] = l.Text
		}
		fallback = DetectLanguage(strings.Join(texts, " "))
	}
	if hinted := NormalizeHints(hints); fallback == "" && len(hinted) > 0 {
		fallback = hinted[0]
	}
	for i := range lines {
		if lines[i].Language != "" {
			continue
		}
		if lang := DetectLanguage(lines[i].Text); lang != "" {
			lines[i].Language = lang
		} else {
			lines[i].Language = fallback
		}
	}

	res := document.NewOcrResult(lines)
	res.Backend = backend
	return res
}
