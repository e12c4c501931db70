package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func norm2(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"strasse", "fur", "uber", "2024"}, Tokenize("STRAßE für Über-2024"))
	assert.Empty(t, Tokenize("  ,.;  "))
}

func TestHashing_Similarity(t *testing.T) {
	ctx := context.Background()
	h := NewHashing(0)
	assert.Equal(t, 384, h.Dim())
	assert.Equal(t, "hash-v1/384", h.ModelID())

	invoice, err := h.Embed(ctx, "Stadtwerke Musterstadt Stromrechnung Abschlag Betrag")
	require.NoError(t, err)
	query, err := h.Embed(ctx, "stromrechnung stadtwerke")
	require.NoError(t, err)
	unrelated, err := h.Embed(ctx, "holiday photos from the beach")
	require.NoError(t, err)

	assert.InDelta(t, 1, norm2(invoice), 1e-5)
	assert.Greater(t, Cosine(invoice, query), 0.4)
	assert.Less(t, Cosine(invoice, unrelated), Cosine(invoice, query))
}

func TestHashing_Properties(t *testing.T) {
	h := NewHashing(64)
	ctx := context.Background()
	properties := gopter.NewProperties(nil)

	properties.Property("deterministic", prop.ForAll(
		func(s string) bool {
			a, err1 := h.Embed(ctx, s)
			b, err2 := h.Embed(ctx, s)
			return err1 == nil && err2 == nil && slices.Equal(a, b)
		},
		gen.AnyString(),
	))

	properties.Property("unit length or zero", prop.ForAll(
		func(s string) bool {
			v, err := h.Embed(ctx, s)
			if err != nil {
				return false
			}
			n := norm2(v)
			return n == 0 || math.Abs(n-1) < 1e-4
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestHashing_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHashing(8).Embed(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCosineAndMean(t *testing.T) {
	assert.InDelta(t, 1, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 0}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 0}))

	m, err := Mean([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 1/math.Sqrt2, m[0], 1e-6)

	_, err = Mean()
	assert.Error(t, err)
	_, err = Mean([]float32{1}, []float32{1, 2})
	assert.Error(t, err)
}

func TestWeightedEmbed(t *testing.T) {
	ctx := context.Background()
	h := NewHashing(128)
	w := DefaultWeights()

	full, err := WeightedEmbed(ctx, h, Fields{
		Filename: "strom_2024.pdf",
		Company:  "Stadtwerke",
		Category: "Invoice",
		Text:     "Abschlag Strom",
	}, w)
	require.NoError(t, err)
	assert.InDelta(t, 1, norm2(full), 1e-5)

	company, err := h.Embed(ctx, "Stadtwerke")
	require.NoError(t, err)
	category, err := h.Embed(ctx, "Invoice")
	require.NoError(t, err)
	assert.Greater(t, Cosine(full, company), Cosine(full, category), "company weighs more than category")

	empty, err := WeightedEmbed(ctx, h, Fields{}, w)
	require.NoError(t, err)
	assert.Zero(t, norm2(empty))
}

func TestOllama_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		if req.Prompt == "fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{3, 4}})
	}))
	defer srv.Close()

	o := NewOllama(srv.URL+"/", "", 0)
	assert.Equal(t, "ollama/nomic-embed-text", o.ModelID())

	v, err := o.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	assert.Equal(t, 2, o.Dim())

	_, err = o.Embed(context.Background(), "fail")
	assert.Error(t, err)

	_, err = NewOllama(srv.URL, "", 3).Embed(context.Background(), "hello")
	assert.ErrorContains(t, err, "expected 3")
}
