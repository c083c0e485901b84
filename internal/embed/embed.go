// Package embed is the boundary to embedding models. The ingestion core
// only calls Embedder; adapters live under internal/adapter.
package embed

import (
	"context"
	"hash/fnv"
	"math"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Batched embeds texts in slices of batchSize and checks ctx between
// slices. On cancellation it returns ctx.Err() and discards partial output.
func Batched(ctx context.Context, e Embedder, texts []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = len(texts)
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+batchSize, len(texts))
		vecs, err := e.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, errors.Wrapf(err, "embed batch %d-%d", start, end)
		}
		if len(vecs) != end-start {
			return nil, errors.Newf("embedder returned %d vectors for %d texts", len(vecs), end-start)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// Zero returns zero vectors of length Dim.
type Zero struct {
	Dim   int
	calls atomic.Int64
}

func (z *Zero) Embed(_ context.Context, texts []string) ([][]float32, error) {
	z.calls.Add(1)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, z.Dim)
	}
	return out, nil
}

func (z *Zero) Calls() int { return int(z.calls.Load()) }

// Hash derives a deterministic, normalized vector from each text's FNV hash.
type Hash struct {
	Dim int
}

func (h Hash) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashVector(t, h.Dim)
	}
	return out, nil
}

func hashVector(text string, dim int) []float32 {
	vec := make([]float32, dim)
	if dim == 0 {
		return vec
	}
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(text))
	seed := hasher.Sum64()

	var norm float64
	for i := range vec {
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		v := float64(seed%2000)/1000 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
