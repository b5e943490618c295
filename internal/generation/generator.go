// Package generation defines the AI generation boundary consumed by the
// insight and embedding job handlers. Provider specifics live behind the
// Generator interface; handlers only see classified errors.
package generation

import (
	"context"

	"github.com/google/uuid"
)

// Generator produces AI content for CRM records.
type Generator interface {
	// GenerateInsight returns a relationship insight for the given prompt.
	GenerateInsight(ctx context.Context, userID uuid.UUID, prompt string) (string, error)

	// EmbedText returns an embedding vector for the given record text.
	EmbedText(ctx context.Context, userID uuid.UUID, text string) ([]float32, error)
}
