package transformer

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	tokenCLS = "[CLS]"
	tokenSEP = "[SEP]"
	tokenUNK = "[UNK]"

	maxWordRunes = 100
)

// Tokenizer is an uncased BERT WordPiece tokenizer.
type Tokenizer struct {
	vocab  map[string]int64
	cls    int64
	sep    int64
	unk    int64
	maxLen int
}

// LoadVocab reads a vocab.txt with one token per line; the line number is
// the token id.
func LoadVocab(r io.Reader, maxLen int) (*Tokenizer, error) {
	vocab := map[string]int64{}
	sc := bufio.NewScanner(r)
	var id int64
	for sc.Scan() {
		vocab[strings.TrimRight(sc.Text(), "\r")] = id
		id++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read vocab: %w", err)
	}
	t := &Tokenizer{vocab: vocab, maxLen: maxLen}
	for _, s := range []struct {
		tok string
		dst *int64
	}{{tokenCLS, &t.cls}, {tokenSEP, &t.sep}, {tokenUNK, &t.unk}} {
		v, ok := vocab[s.tok]
		if !ok {
			return nil, fmt.Errorf("vocab lacks %s", s.tok)
		}
		*s.dst = v
	}
	if t.maxLen < 3 {
		t.maxLen = 256
	}
	return t, nil
}

// Encode returns the token ids of text wrapped in [CLS] ... [SEP],
// truncated to the maximum sequence length.
func (t *Tokenizer) Encode(text string) []int64 {
	ids := []int64{t.cls}
	limit := t.maxLen - 1
	for _, word := range basicTokens(text) {
		for _, id := range t.wordPiece(word) {
			if len(ids) >= limit {
				return append(ids, t.sep)
			}
			ids = append(ids, id)
		}
	}
	return append(ids, t.sep)
}

// wordPiece splits word greedily into the longest vocabulary prefixes.
func (t *Tokenizer) wordPiece(word string) []int64 {
	r := []rune(word)
	if len(r) > maxWordRunes {
		return []int64{t.unk}
	}
	var out []int64
	for start := 0; start < len(r); {
		end := len(r)
		found := int64(-1)
		for ; end > start; end-- {
			sub := string(r[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if id, ok := t.vocab[sub]; ok {
				found = id
				break
			}
		}
		if found < 0 {
			return []int64{t.unk}
		}
		out = append(out, found)
		start = end
	}
	return out
}

// basicTokens lowercases, strips accents and splits on whitespace and
// punctuation, keeping punctuation as separate tokens.
func basicTokens(text string) []string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(t, strings.ToLower(text))
	if err != nil {
		plain = strings.ToLower(text)
	}
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range plain {
		switch {
		case unicode.IsSpace(r), unicode.IsControl(r):
			flush()
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			flush()
			out = append(out, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}
