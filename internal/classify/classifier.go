// Package classify assigns a document text to one of the configured
// categories and extracts the sending company.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/embedding"
)

// DefaultThreshold is the acceptance threshold below which the top
// category is rejected in favour of "Other".
const DefaultThreshold = 0.2

// hypothesis is the template a category label is embedded with.
const hypothesis = "This text is about %s"

// Config tunes the category scorer.
type Config struct {
	Threshold float64             `mapstructure:"threshold" yaml:"threshold" json:"threshold"`
	Exemplars map[string][]string `mapstructure:"exemplars" yaml:"exemplars" json:"exemplars"`
}

// DefaultConfig returns the default classifier configuration.
func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold}
}

// DefaultExemplars returns keyword exemplars for the default categories,
// German first since most household paperwork arrives in German.
func DefaultExemplars() map[string][]string {
	return map[string][]string{
		"Invoice": {
			"Rechnung Stromrechnung Abschlag Betrag Stadtwerke Rechnungsnummer zahlbar bis",
			"invoice amount due payment total",
		},
		"Contract":  {"Vertrag Vereinbarung Laufzeit Kündigung Unterschrift", "contract agreement term signature"},
		"Insurance": {"Versicherung Police Beitrag Versicherungsnummer Schadensfall", "insurance policy premium claim"},
		"Tax":       {"Steuerbescheid Finanzamt Einkommensteuer Steuernummer", "tax assessment revenue office"},
		"Bank":      {"Kontoauszug Bank IBAN Überweisung Saldo Girokonto", "bank statement account balance transfer"},
		"Medical":   {"Arzt Befund Praxis Diagnose Rezept Krankenkasse", "doctor diagnosis prescription clinic"},
	}
}

// Validate checks the threshold range.
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("classification threshold must be in [0,1], got %v", c.Threshold)
	}
	return nil
}

// Classifier scores text against category prototypes: the normalized mean of
// the label hypothesis embedding and any exemplar embeddings. Prototypes
// are cached per model and label.
type Classifier struct {
	emb       embedding.Embedder
	companies *CompanyDetector
	cfg       Config

	mu     sync.Mutex
	protos map[string][]float32
}

// New creates a classifier. companies may be nil, in which case no company
// is ever reported.
func New(emb embedding.Embedder, companies *CompanyDetector, cfg Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{emb: emb, companies: companies, cfg: cfg, protos: map[string][]float32{}}, nil
}

// Threshold returns the acceptance threshold.
func (c *Classifier) Threshold() float64 { return c.cfg.Threshold }

// Classify picks the best category for text among categories. The reserved
// "Other" label is never scored; it is the result when no category reaches
// the threshold. Ties go to the name that sorts first. Company detection
// runs independently and never affects the category.
func (c *Classifier) Classify(ctx context.Context, text string, categories []string) (document.ClassificationResult, error) {
	res := document.ClassificationResult{Category: document.OtherCategory, Scores: map[string]float64{}}
	if c.companies != nil {
		if name, conf := c.companies.Detect(text); name != "" {
			res.Company = &name
			res.CompanyConfidence = conf
		}
	}

	labels := candidates(categories)
	if strings.TrimSpace(text) == "" || len(labels) == 0 {
		return res, nil
	}

	vec, err := c.emb.Embed(ctx, text)
	if err != nil {
		return document.ClassificationResult{}, fmt.Errorf("embed text: %w", err)
	}

	best, bestScore := "", -1.0
	for _, label := range labels {
		proto, err := c.prototype(ctx, label)
		if err != nil {
			return document.ClassificationResult{}, err
		}
		score := min(max(embedding.Cosine(vec, proto), 0), 1)
		res.Scores[label] = score
		if score > bestScore || (score == bestScore && label < best) {
			best, bestScore = label, score
		}
	}

	res.Confidence = bestScore
	if bestScore >= c.cfg.Threshold {
		res.Category = best
	}
	slog.Debug("Classified text", "category", res.Category, "top", best, "score", bestScore,
		"threshold", c.cfg.Threshold)
	return res, nil
}

// candidates drops blanks, duplicates and the reserved label.
func candidates(categories []string) []string {
	out := make([]string, 0, len(categories))
	for _, c := range categories {
		c = strings.TrimSpace(c)
		if c == "" || strings.EqualFold(c, document.OtherCategory) || slices.Contains(out, c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (c *Classifier) prototype(ctx context.Context, label string) ([]float32, error) {
	key := c.emb.ModelID() + "\x00" + label
	c.mu.Lock()
	p, ok := c.protos[key]
	c.mu.Unlock()
	if ok {
		return p, nil
	}

	texts := append([]string{fmt.Sprintf(hypothesis, label)}, c.exemplars(label)...)
	vecs := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := c.emb.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("embed prototype %q: %w", label, err)
		}
		vecs = append(vecs, v)
	}
	p, err := embedding.Mean(vecs...)
	if err != nil {
		return nil, fmt.Errorf("prototype %q: %w", label, err)
	}

	c.mu.Lock()
	c.protos[key] = p
	c.mu.Unlock()
	return p, nil
}

// exemplars looks label up case-insensitively; config keys arrive lowercased.
func (c *Classifier) exemplars(label string) []string {
	if ex, ok := c.cfg.Exemplars[label]; ok {
		return ex
	}
	for k, ex := range c.cfg.Exemplars {
		if strings.EqualFold(k, label) {
			return ex
		}
	}
	return nil
}
