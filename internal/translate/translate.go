// Package translate renders category labels in the user's language.
package translate

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultTable []byte

// Translator translates display text into a target language.
type Translator interface {
	Translate(ctx context.Context, text, targetLanguage string) (string, error)
}

type tableFile struct {
	Labels map[string]map[string]string `yaml:"labels"`
}

// Table translates known labels from a static table. Labels are keyed by
// their English name; unknown text is returned unchanged.
type Table struct {
	mu      sync.RWMutex
	labels  map[string]map[string]string // lowercased english label -> lang -> text
	names   map[string]string            // lowercased english label -> canonical
	tags    []language.Tag
	matcher language.Matcher
}

var _ Translator = (*Table)(nil)

// Default returns the built-in table.
func Default() *Table {
	t, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("translate: built-in table: %v", err))
	}
	return t
}

// Load reads a YAML table from path, falling back to the built-in table
// when path is empty or missing.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read translation table: %w", err)
	}
	return Parse(data)
}

// Parse builds a table from YAML.
func Parse(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse translation table: %w", err)
	}
	t := &Table{labels: map[string]map[string]string{}, names: map[string]string{}}
	langs := map[string]bool{"en": true}
	for label, tr := range f.Labels {
		key := strings.ToLower(label)
		t.names[key] = label
		t.labels[key] = map[string]string{"en": label}
		for lang, text := range tr {
			base, err := baseOf(lang)
			if err != nil {
				return nil, fmt.Errorf("label %q: %w", label, err)
			}
			t.labels[key][base] = text
			langs[base] = true
		}
	}
	t.tags = []language.Tag{language.English}
	for l := range langs {
		if l != "en" {
			t.tags = append(t.tags, language.Make(l))
		}
	}
	slices.SortFunc(t.tags[1:], func(a, b language.Tag) int { return strings.Compare(a.String(), b.String()) })
	t.matcher = language.NewMatcher(t.tags)
	return t, nil
}

func baseOf(lang string) (string, error) {
	tag, err := language.Parse(lang)
	if err != nil {
		return "", fmt.Errorf("bad language %q: %w", lang, err)
	}
	base, _ := tag.Base()
	return base.String(), nil
}

// Languages lists the base codes the table covers, English first.
func (t *Table) Languages() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.tags))
	for i, tag := range t.tags {
		b, _ := tag.Base()
		out[i] = b.String()
	}
	return out
}

// Translate returns the label in the language best matching target
// ("de-AT" matches "de"). Text that is not a known label, or a target with
// no confident match, is returned unchanged.
func (t *Table) Translate(_ context.Context, text, target string) (string, error) {
	lang := t.match(target)
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr, ok := t.labels[strings.ToLower(strings.TrimSpace(text))]
	if !ok || lang == "" {
		return text, nil
	}
	if v, ok := tr[lang]; ok {
		return v, nil
	}
	return text, nil
}

// Canonical maps a label given in any table language back to its English
// name. ok is false for unknown labels.
func (t *Table) Canonical(label string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	want := strings.ToLower(strings.TrimSpace(label))
	if name, ok := t.names[want]; ok {
		return name, true
	}
	for key, tr := range t.labels {
		for _, v := range tr {
			if strings.ToLower(v) == want {
				return t.names[key], true
			}
		}
	}
	return "", false
}

func (t *Table) match(target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return ""
	}
	tag, err := language.Parse(target)
	if err != nil {
		return ""
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, idx, conf := t.matcher.Match(tag)
	if conf == language.No {
		return ""
	}
	base, _ := t.tags[idx].Base()
	return base.String()
}

// Add registers a new label with its translations.
func (t *Table) Add(label string, translations map[string]string) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return errors.New("empty label")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := strings.ToLower(label)
	if _, ok := t.labels[key]; !ok {
		t.labels[key] = map[string]string{"en": label}
		t.names[key] = label
	}
	for lang, text := range translations {
		base, err := baseOf(lang)
		if err != nil {
			return err
		}
		t.labels[key][base] = text
		if !slices.ContainsFunc(t.tags, func(tag language.Tag) bool { b, _ := tag.Base(); return b.String() == base }) {
			t.tags = append(t.tags, language.Make(base))
			t.matcher = language.NewMatcher(t.tags)
		}
	}
	return nil
}
