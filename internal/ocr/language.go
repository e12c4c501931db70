package ocr

import (
	"strings"
	"unicode"

	"golang.org/x/text/language"
)

var stopwords = map[string][]string{
	"de": {"der", "die", "das", "und", "ist", "nicht", "mit", "für", "von", "den", "bitte", "rechnung", "betrag", "datum"},
	"en": {"the", "and", "is", "of", "to", "for", "with", "your", "please", "invoice", "amount", "date", "total"},
	"fr": {"le", "la", "les", "et", "est", "des", "pour", "avec", "une", "vous", "facture", "montant"},
	"es": {"el", "la", "los", "las", "y", "es", "del", "para", "con", "una", "factura", "importe"},
}

// DetectLanguage guesses the language of s from diacritics and common
// words. It returns a lowercase BCP-47 base code ("en", "de", "fr", "es")
// or "" when the text gives no usable signal.
func DetectLanguage(s string) string {
	var letters, ascii int
	score := map[string]int{}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if r < 0x80 {
			ascii++
			continue
		}
		switch r {
		case 'ä', 'ö', 'ü', 'Ä', 'Ö', 'Ü', 'ß':
			score["de"] += 2
		case 'è', 'ê', 'à', 'ù', 'ç', 'È', 'À', 'Ç', 'œ':
			score["fr"] += 2
		case 'á', 'í', 'ó', 'ú', 'ñ', 'Á', 'Í', 'Ó', 'Ú', 'Ñ':
			score["es"] += 2
		}
	}
	if letters == 0 {
		return ""
	}
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return !unicode.IsLetter(r) }) {
		for lang, words := range stopwords {
			for _, sw := range words {
				if w == sw {
					score[lang]++
				}
			}
		}
	}

	best, bestScore, tie := "", 0, false
	for _, lang := range []string{"de", "en", "es", "fr"} {
		switch v := score[lang]; {
		case v > bestScore:
			best, bestScore, tie = lang, v, false
		case v == bestScore && v > 0:
			tie = true
		}
	}
	if best != "" && !tie {
		return best
	}
	// Long plain ASCII text without other evidence is most likely English.
	if letters >= 40 && ascii*100/letters > 80 {
		return "en"
	}
	return ""
}

// NormalizeHints parses BCP-47 or ISO 639 language hints ("de-AT", "deu")
// and returns deduplicated base codes in input order. Unparseable
// hints are dropped.
func NormalizeHints(hints []string) []string {
	out := make([]string, 0, len(hints))
	seen := map[string]bool{}
	for _, h := range hints {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		tag, err := language.Parse(h)
		if err != nil {
			continue
		}
		base, conf := tag.Base()
		if conf == language.No {
			continue
		}
		code := base.String()
		if !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}
	return out
}

// ISO3 maps base codes to the three-letter codes local models are named by.
func ISO3(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		base, err := language.ParseBase(c)
		if err != nil {
			continue
		}
		out = append(out, base.ISO3())
	}
	return out
}
