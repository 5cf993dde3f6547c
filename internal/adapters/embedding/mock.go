package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Mock implements Embedder deterministically: each token hashes into a
// bucket of the vector, and the result is L2-normalized. Texts sharing
// words produce similar vectors, which is enough for ranking tests.
type Mock struct {
	dims int
}

// NewMock creates a mock embedder with the given vector width.
func NewMock(dims int) *Mock {
	return &Mock{dims: dims}
}

// Dimensions reports the configured vector width.
func (m *Mock) Dimensions() int { return m.dims }

// EmbedDocument embeds note content for indexing.
func (m *Mock) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return m.embed(text), nil
}

// EmbedQuery embeds a search query.
func (m *Mock) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return m.embed(query), nil
}

func (m *Mock) embed(text string) []float32 {
	vec := make([]float32, m.dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[int(h.Sum32())%m.dims] += 1
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
