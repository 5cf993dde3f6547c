// Package embedding defines the interface for text-embedding adapters.
// Vectors returned by an Embedder feed the note index; documents and
// queries may be embedded asymmetrically depending on the provider.
package embedding

import "context"

// Embedder produces fixed-dimension float32 vectors for text.
type Embedder interface {
	// EmbedDocument embeds note content for indexing.
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
	// EmbedQuery embeds a search query.
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
	// Dimensions reports the vector width this embedder produces.
	Dimensions() int
}
