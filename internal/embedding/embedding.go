// Package embedding maps text to fixed-size vectors compared by cosine
// similarity.
package embedding

import (
	"context"
	"fmt"
	"math"
)

// Embedder maps text to an L2-normalized vector of Dim() components.
// ModelID identifies the model and its version; vectors from different
// model ids must never be compared.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelID() string
	Dim() int
}

// Normalize scales v to unit length in place. The zero vector is returned
// unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// Cosine returns the cosine similarity of a and b, 0 when either is zero or
// the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Mean averages equally sized vectors and normalizes the result.
func Mean(vs ...[]float32) ([]float32, error) {
	if len(vs) == 0 {
		return nil, fmt.Errorf("mean of no vectors")
	}
	out := make([]float32, len(vs[0]))
	for _, v := range vs {
		if len(v) != len(out) {
			return nil, fmt.Errorf("dimension mismatch: %d != %d", len(v), len(out))
		}
		for i, x := range v {
			out[i] += x
		}
	}
	return Normalize(out), nil
}
