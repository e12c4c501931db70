package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// HashingModel is the name of the built-in feature hashing model.
const HashingModel = "hash-v1"

var hashStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true, "to": true,
	"in": true, "is": true, "it": true, "this": true, "that": true, "about": true, "for": true,
	"on": true, "with": true, "der": true, "die": true, "das": true, "und": true, "ist": true,
	"ein": true, "eine": true, "von": true, "zu": true, "im": true, "mit": true, "fur": true,
}

// Hashing embeds text by hashing word and character trigram features into
// a fixed number of signed buckets. It needs no model files, is fully
// deterministic and rewards shared vocabulary, which is enough for
// filing and keyword-like retrieval.
type Hashing struct {
	dim int
}

// NewHashing returns a hashing embedder with dim buckets.
func NewHashing(dim int) *Hashing {
	if dim <= 0 {
		dim = 384
	}
	return &Hashing{dim: dim}
}

func (h *Hashing) ModelID() string { return fmt.Sprintf("%s/%d", HashingModel, h.dim) }

func (h *Hashing) Dim() int { return h.dim }

func (h *Hashing) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := make([]float32, h.dim)
	for _, tok := range Tokenize(text) {
		if hashStopwords[tok] {
			continue
		}
		h.add(v, "w:"+tok, 1)
		if r := []rune("#" + tok + "#"); len(r) >= 5 {
			for i := 0; i+3 <= len(r); i++ {
				h.add(v, "c:"+string(r[i:i+3]), 0.5)
			}
		}
	}
	return Normalize(v), nil
}

func (h *Hashing) add(v []float32, feature string, w float32) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dim))
	if sum>>63 == 1 {
		w = -w
	}
	v[idx] += w
}

// Tokenize case-folds text, strips diacritics and splits it into runs of
// letters and digits.
func Tokenize(text string) []string {
	folded := cases.Fold().String(text)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(t, folded)
	if err != nil {
		plain = folded
	}
	return strings.FieldsFunc(plain, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
