package classify

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"unicode"

	"github.com/MeKo-Tech/docsort/internal/document"
	"gopkg.in/yaml.v3"
)

// ErrInvalidCategory is returned for labels that cannot name a category
// folder.
var ErrInvalidCategory = errors.New("invalid category")

// NormalizeCategory collapses whitespace in name and checks that it can be
// used as a folder name.
func NormalizeCategory(name string) (string, error) {
	name = strings.Join(strings.Fields(name), " ")
	switch {
	case name == "":
		return "", fmt.Errorf("%w: empty name", ErrInvalidCategory)
	case len(name) > 64:
		return "", fmt.Errorf("%w: %q is longer than 64 bytes", ErrInvalidCategory, name)
	case strings.Trim(name, ".") == "":
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, name)
	case strings.ContainsFunc(name, func(r rune) bool { return strings.ContainsRune(`<>:"/\|?*`, r) || unicode.IsControl(r) }):
		return "", fmt.Errorf("%w: %q contains a path character", ErrInvalidCategory, name)
	}
	return name, nil
}

type categoriesFile struct {
	Categories []string `yaml:"categories"`
}

// CategoryList holds categories added after configuration, in the order
// they were added.
type CategoryList struct {
	path string

	mu    sync.Mutex
	names []string
}

// LoadCategories reads the YAML category list at path. A missing file
// yields an empty list that is created on the first Add.
func LoadCategories(path string) (*CategoryList, error) {
	l := &CategoryList{path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read categories: %w", err)
	}
	var f categoriesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse categories %s: %w", path, err)
	}
	for _, n := range f.Categories {
		if n, err := NormalizeCategory(n); err == nil {
			l.insert(n)
		}
	}
	return l, nil
}

// List returns the added categories.
func (l *CategoryList) List() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

// Add appends name and saves the list. It reports false when name is
// already listed, ignoring case, or is the reserved label.
func (l *CategoryList) Add(name string) (bool, error) {
	name, err := NormalizeCategory(name)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.insert(name) {
		return false, nil
	}
	if l.path == "" {
		return true, nil
	}
	if err := writeYAML(l.path, categoriesFile{Categories: l.names}); err != nil {
		l.names = l.names[:len(l.names)-1]
		return false, fmt.Errorf("save categories: %w", err)
	}
	return true, nil
}

func (l *CategoryList) insert(name string) bool {
	if strings.EqualFold(name, document.OtherCategory) {
		return false
	}
	for _, n := range l.names {
		if strings.EqualFold(n, name) {
			return false
		}
	}
	l.names = append(l.names, name)
	return true
}
