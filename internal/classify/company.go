package classify

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	knownConfidence  = 0.9
	suffixConfidence = 0.6
)

var legalSuffix = regexp.MustCompile(
	`((?:\p{Lu}[\p{L}\p{N}&'.-]*[ \t]+){1,4})` +
		`(GmbH & Co\. KG|GmbH|S\.p\.A\.|S\.A\.|e\.V\.|Inc\.|Ltd\.|Corp\.|LLC|B\.V\.|plc|AG|KG|SE)` +
		`(?:$|[^\p{L}\p{N}])`)

type companiesFile struct {
	Companies []string `yaml:"companies"`
}

// CompanyDetector finds the sender of a document: a user-maintained list of
// known companies first, then names ending in a legal-form suffix.
type CompanyDetector struct {
	path string

	mu    sync.RWMutex
	known []string
}

// NewCompanyDetector creates a detector seeded with names. It is not
// persisted.
func NewCompanyDetector(names ...string) *CompanyDetector {
	d := &CompanyDetector{}
	for _, n := range names {
		d.insert(n)
	}
	return d
}

// LoadCompanies reads the YAML company list at path. A missing file yields an
// empty list that is created on the first Add.
func LoadCompanies(path string) (*CompanyDetector, error) {
	d := &CompanyDetector{path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read companies: %w", err)
	}
	var f companiesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse companies %s: %w", path, err)
	}
	for _, n := range f.Companies {
		d.insert(n)
	}
	return d, nil
}

// List returns the known companies sorted by name.
func (d *CompanyDetector) List() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.known)
}

// Add records name as a known company. It reports false when name is blank
// or already known, ignoring case.
func (d *CompanyDetector) Add(name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.insert(name) {
		return false, nil
	}
	if d.path == "" {
		return true, nil
	}
	return true, d.save()
}

func (d *CompanyDetector) insert(name string) bool {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return false
	}
	for _, k := range d.known {
		if strings.EqualFold(k, name) {
			return false
		}
	}
	d.known = append(d.known, name)
	slices.SortFunc(d.known, func(a, b string) int { return strings.Compare(strings.ToLower(a), strings.ToLower(b)) })
	return true
}

func (d *CompanyDetector) save() error {
	if err := writeYAML(d.path, companiesFile{Companies: d.known}); err != nil {
		return fmt.Errorf("save companies: %w", err)
	}
	return nil
}

// writeYAML replaces the file at path with v through a rename.
func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Detect returns the company named in text and a confidence, or "" and 0.
// Among known companies the earliest mention wins, the longer name on a
// tie.
func (d *CompanyDetector) Detect(text string) (string, float64) {
	if strings.TrimSpace(text) == "" {
		return "", 0
	}
	lower := strings.ToLower(text)

	d.mu.RLock()
	best, bestAt := "", -1
	for _, k := range d.known {
		at := indexWord(lower, strings.ToLower(k))
		if at < 0 {
			continue
		}
		if bestAt < 0 || at < bestAt || (at == bestAt && len(k) > len(best)) {
			best, bestAt = k, at
		}
	}
	d.mu.RUnlock()
	if best != "" {
		return best, knownConfidence
	}

	if m := legalSuffix.FindStringSubmatch(text); m != nil {
		return strings.Join(strings.Fields(m[1]+" "+m[2]), " "), suffixConfidence
	}
	return "", 0
}

// indexWord finds needle in s at a position not inside a larger word.
func indexWord(s, needle string) int {
	for off := 0; ; {
		i := strings.Index(s[off:], needle)
		if i < 0 {
			return -1
		}
		i += off
		end := i + len(needle)
		if (i == 0 || !isWordByte(s[i-1])) && (end == len(s) || !isWordByte(s[end])) {
			return i
		}
		off = i + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b >= 0x80
}
