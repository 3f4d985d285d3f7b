package embedder

import (
	"context"

	"go.uber.org/zap"
)

// DefaultMaxConcurrent bounds in-flight remote embedding calls so a burst of
// stores cannot exceed upstream rate limits.
const DefaultMaxConcurrent = 8

// Resilient wraps a remote embedding provider with a deterministic local
// fallback. Its Embed and EmbedBatch never return an error: when the remote
// provider fails (network error, missing credentials, timeout), the fallback
// generator produces the vector instead.
//
// Callers are not told which path produced a vector; downstream scoring
// treats both identically.
type Resilient struct {
	remote   Provider
	fallback Provider
	sem      chan struct{}
	logger   *zap.Logger
}

// ResilientOption configures a Resilient provider.
type ResilientOption func(*Resilient)

// WithLogger sets the logger used to record degradations.
func WithLogger(logger *zap.Logger) ResilientOption {
	return func(r *Resilient) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMaxConcurrent bounds concurrent remote calls.
func WithMaxConcurrent(n int) ResilientOption {
	return func(r *Resilient) {
		if n > 0 {
			r.sem = make(chan struct{}, n)
		}
	}
}

// NewResilient creates a provider that uses remote when available and
// degrades to fallback otherwise. remote may be nil, in which case every
// embedding comes from the fallback generator.
//
// The two providers must produce vectors of the same dimension.
func NewResilient(remote, fallback Provider, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		remote:   remote,
		fallback: fallback,
		sem:      make(chan struct{}, DefaultMaxConcurrent),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Embed returns an embedding for the text. It never returns an error.
func (r *Resilient) Embed(ctx context.Context, text string) ([]float64, error) {
	if r.remote != nil {
		if vec, err := r.embedRemote(ctx, text); err == nil {
			return vec, nil
		} else {
			r.logger.Warn("remote embedding failed, using fallback", zap.Error(err))
		}
	}
	return r.fallback.Embed(ctx, text)
}

// EmbedBatch returns embeddings for each text. It never returns an error.
func (r *Resilient) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if r.remote != nil {
		if vecs, err := r.embedBatchRemote(ctx, texts); err == nil {
			return vecs, nil
		} else {
			r.logger.Warn("remote batch embedding failed, using fallback", zap.Error(err))
		}
	}
	return r.fallback.EmbedBatch(ctx, texts)
}

func (r *Resilient) embedRemote(ctx context.Context, text string) ([]float64, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.sem }()

	return r.remote.Embed(ctx, text)
}

func (r *Resilient) embedBatchRemote(ctx context.Context, texts []string) ([][]float64, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.sem }()

	return r.remote.EmbedBatch(ctx, texts)
}

// Dimensions returns the vector dimensions.
func (r *Resilient) Dimensions() int {
	return r.fallback.Dimensions()
}

// Close closes both providers.
func (r *Resilient) Close() error {
	var firstErr error
	if r.remote != nil {
		if err := r.remote.Close(); err != nil {
			firstErr = err
		}
	}
	if err := r.fallback.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
