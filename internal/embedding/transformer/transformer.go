// Package transformer runs a sentence-transformer model (all-MiniLM-L6-v2
// exported to ONNX) through ONNX Runtime.
package transformer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/MeKo-Tech/docsort/internal/embedding"
	"github.com/MeKo-Tech/docsort/internal/onnx"
	"github.com/yalue/onnxruntime_go"
)

// Config points at a model directory holding model.onnx and vocab.txt.
type Config struct {
	ModelDir    string
	Name        string // model id reported to the index, e.g. "all-MiniLM-L6-v2"
	Dim         int
	MaxSeqLen   int
	NumThreads  int
	LibraryPath string
	GPU         onnx.GPUConfig
}

// Embedder computes mean-pooled token embeddings. A session run is
// serialized; the index embeds one document at a time.
type Embedder struct {
	cfg     Config
	tok     *Tokenizer
	mu      sync.Mutex
	session *onnxruntime_go.DynamicAdvancedSession
}

var _ embedding.Embedder = (*Embedder)(nil)

// New loads the vocabulary and creates the inference session.
func New(cfg Config) (*Embedder, error) {
	if cfg.Name == "" {
		cfg.Name = "all-MiniLM-L6-v2"
	}
	if cfg.Dim <= 0 {
		cfg.Dim = 384
	}
	f, err := os.Open(filepath.Join(cfg.ModelDir, "vocab.txt"))
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer func() { _ = f.Close() }()
	tok, err := LoadVocab(f, cfg.MaxSeqLen)
	if err != nil {
		return nil, err
	}

	if err := onnx.Initialize(cfg.LibraryPath, cfg.GPU.UseGPU); err != nil {
		return nil, err
	}
	opts, err := onnx.SessionOptions(cfg.NumThreads, cfg.GPU)
	if err != nil {
		return nil, err
	}
	defer func() { _ = opts.Destroy() }()

	session, err := onnxruntime_go.NewDynamicAdvancedSession(filepath.Join(cfg.ModelDir, "model.onnx"),
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return &Embedder{cfg: cfg, tok: tok, session: session}, nil
}

func (e *Embedder) ModelID() string { return e.cfg.Name }

func (e *Embedder) Dim() int { return e.cfg.Dim }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := e.tok.Encode(text)
	n := int64(len(ids))
	mask := make([]int64, n)
	for i := range mask {
		mask[i] = 1
	}
	shape := onnxruntime_go.NewShape(1, n)

	inputIDs, err := onnxruntime_go.NewTensor(shape, ids)
	if err != nil {
		return nil, fmt.Errorf("input ids tensor: %w", err)
	}
	defer func() { _ = inputIDs.Destroy() }()
	attention, err := onnxruntime_go.NewTensor(shape, mask)
	if err != nil {
		return nil, fmt.Errorf("attention mask tensor: %w", err)
	}
	defer func() { _ = attention.Destroy() }()
	typeIDs, err := onnxruntime_go.NewTensor(shape, make([]int64, n))
	if err != nil {
		return nil, fmt.Errorf("token type tensor: %w", err)
	}
	defer func() { _ = typeIDs.Destroy() }()

	outputs := []onnxruntime_go.Value{nil}
	e.mu.Lock()
	err = e.session.Run([]onnxruntime_go.Value{inputIDs, attention, typeIDs}, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	defer func() { _ = outputs[0].Destroy() }()

	hidden, ok := outputs[0].(*onnxruntime_go.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	return MeanPool(hidden.GetData(), mask, e.cfg.Dim)
}

// Close releases the session.
func (e *Embedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Destroy()
}

// MeanPool averages the hidden states of attended tokens and normalizes.
// hidden is laid out [tokens, dim].
func MeanPool(hidden []float32, mask []int64, dim int) ([]float32, error) {
	if dim <= 0 || len(hidden) != len(mask)*dim {
		return nil, fmt.Errorf("hidden state size %d does not match %d tokens of %d", len(hidden), len(mask), dim)
	}
	out := make([]float32, dim)
	var count float32
	for t, m := range mask {
		if m == 0 {
			continue
		}
		count++
		row := hidden[t*dim : (t+1)*dim]
		for i, x := range row {
			out[i] += x
		}
	}
	if count > 0 {
		for i := range out {
			out[i] /= count
		}
	}
	return embedding.Normalize(out), nil
}
