// Package fallback provides a deterministic local embedding generator.
//
// It exists so the memory store stays writable and searchable when the
// remote embedding API is unreachable: the vectors are explicitly lower
// quality than model embeddings, but identical input text always produces an
// identical vector, so similarity between fallback vectors remains
// meaningful.
package fallback

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// positionsPerToken is how many vector positions each token hash is
// scattered into.
const positionsPerToken = 8

// Embedder generates deterministic pseudo-embeddings by hashing tokens and
// scattering the hashes into fixed positions of the vector.
type Embedder struct {
	dimensions int
}

// New creates a fallback embedder producing vectors of the given dimension.
func New(dimensions int) *Embedder {
	return &Embedder{dimensions: dimensions}
}

// Embed produces a deterministic pseudo-embedding for the text.
//
// Each token is hashed with FNV-1a; the hash selects a small number of fixed
// positions and signed magnitudes in the vector, and the result is
// L2-normalized. The same text always yields the same vector.
func (e *Embedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, e.dimensions)

	for _, token := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		seed := h.Sum64()

		for i := 0; i < positionsPerToken; i++ {
			// LCG advance keeps positions and signs stable per token.
			seed = seed*6364136223846793005 + 1442695040888963407
			pos := int(seed % uint64(e.dimensions))
			if seed&(1<<63) != 0 {
				vec[pos] -= 1.0
			} else {
				vec[pos] += 1.0
			}
		}
	}

	return normalize(vec), nil
}

// EmbedBatch produces deterministic pseudo-embeddings for each text.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	embeddings := make([][]float64, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = vec
	}
	return embeddings, nil
}

// Dimensions returns the vector dimensions.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op; the fallback embedder holds no resources.
func (e *Embedder) Close() error {
	return nil
}

// tokenize splits text on whitespace and punctuation and lowercases tokens.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// normalize scales a vector to unit length. Zero vectors are returned
// unchanged.
func normalize(vec []float64) []float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return vec
	}

	norm := math.Sqrt(sum)
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
