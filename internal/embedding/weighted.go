package embedding

import (
	"context"
	"fmt"
)

// Fields are the parts of a document that contribute to its index vector.
type Fields struct {
	Filename string
	Company  string
	Category string
	Text     string
}

// Weights scale each field's embedding before they are combined.
type Weights struct {
	Filename float64 `mapstructure:"filename" yaml:"filename" json:"filename"`
	Company  float64 `mapstructure:"company" yaml:"company" json:"company"`
	Category float64 `mapstructure:"category" yaml:"category" json:"category"`
	Text     float64 `mapstructure:"text" yaml:"text" json:"text"`
}

// DefaultWeights favour the filename and company, which users search by
// most often.
func DefaultWeights() Weights {
	return Weights{Filename: 5, Company: 3, Category: 1, Text: 1}
}

// WeightedEmbed embeds each non-empty field, sums the vectors scaled by
// their weights, divides by the weight total and normalizes.
func WeightedEmbed(ctx context.Context, e Embedder, f Fields, w Weights) ([]float32, error) {
	parts := []struct {
		text   string
		weight float64
		name   string
	}{
		{f.Filename, w.Filename, "filename"},
		{f.Company, w.Company, "company"},
		{f.Category, w.Category, "category"},
		{f.Text, w.Text, "text"},
	}

	out := make([]float32, e.Dim())
	var total float64
	for _, p := range parts {
		if p.text == "" || p.weight <= 0 {
			continue
		}
		v, err := e.Embed(ctx, p.text)
		if err != nil {
			return nil, fmt.Errorf("embed %s: %w", p.name, err)
		}
		if len(v) != len(out) {
			if total > 0 {
				return nil, fmt.Errorf("embed %s: dimension %d, expected %d", p.name, len(v), len(out))
			}
			out = make([]float32, len(v))
		}
		for i, x := range v {
			out[i] += float32(p.weight) * x
		}
		total += p.weight
	}
	if total > 0 {
		for i := range out {
			out[i] = float32(float64(out[i]) / total)
		}
	}
	return Normalize(out), nil
}
