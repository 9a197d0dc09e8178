// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// The memory layer embeds transcript lines and stored memories into dense
// float32 vectors for semantic recall. Implementations must be safe for
// concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by one Provider instance share the dimensionality
// reported by Dimensions. Vectors from different providers or models must
// not be mixed in the same similarity computation.
type Provider interface {
	// Embed computes the embedding vector for a single text string. The
	// returned slice has length Dimensions().
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds a slice of texts in a single provider call. The
	// i-th result corresponds to texts[i]. On error no partial results are
	// returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, for logging
	// and for keeping the stored vectors consistent with one model.
	ModelID() string
}
