// Package extraction defines the interface for LLM structured-extraction
// adapters: transcript text in, validated structured payload out.
package extraction

import (
	"context"

	"voice-notes-service/internal/models"
)

// Result is the output of an extraction call.
type Result struct {
	Extraction models.Extraction
	// TokensUsed is the provider-reported token consumption, used for
	// actual-cost reconciliation. Zero when the provider does not report it.
	TokensUsed int
}

// Extractor is the structured-extraction contract. Implementations must
// return output that passes Validate; anything else is a permanent
// invalid_output error, not a value.
type Extractor interface {
	Extract(ctx context.Context, transcript string) (*Result, error)
}
