// Package gemini implements the generation.Generator interface using
// Google's Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/covecrm/cove-api/internal/config"
	"github.com/covecrm/cove-api/internal/generation"
)

// Generator calls the Gemini API for insight text and embeddings.
type Generator struct {
	logger         *slog.Logger
	client         *genai.Client
	model          string
	embeddingModel string
}

// NewGenerator creates a Generator from the LLM configuration.
// Returns an error if the configuration is incomplete or the client cannot
// be constructed.
func NewGenerator(ctx context.Context, log *slog.Logger, cfg config.LLMConfig) (*Generator, error) {
	if log == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", generation.ErrInvalidConfig)
	}
	if cfg.EmbeddingModel == "" {
		return nil, fmt.Errorf("%w: embedding model cannot be empty", generation.ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v",
			generation.ErrInvalidConfig, err)
	}

	return &Generator{
		logger:         log,
		client:         client,
		model:          cfg.ModelName,
		embeddingModel: cfg.EmbeddingModel,
	}, nil
}

// GenerateInsight implements generation.Generator. Provider errors are
// classified: safety blocks and malformed responses are permanent, anything
// else is transient and left to the job queue's retry policy.
func (g *Generator) GenerateInsight(ctx context.Context, userID uuid.UUID, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("%w: empty prompt", generation.ErrInvalidConfig)
	}

	log := g.logger.With("user_id", userID, "model", g.model)
	log.DebugContext(ctx, "calling Gemini for insight")

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		log.ErrorContext(ctx, "Gemini API call failed", "error", err)
		return "", fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no content generated", generation.ErrInvalidResponse)
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		log.WarnContext(ctx, "insight blocked by safety filters")
		return "", fmt.Errorf("%w: safety filters", generation.ErrContentBlocked)
	}
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("%w: empty content in response", generation.ErrInvalidResponse)
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		text.WriteString(part.Text)
	}

	if text.Len() == 0 {
		return "", fmt.Errorf("%w: response contained no text", generation.ErrInvalidResponse)
	}

	return text.String(), nil
}

// EmbedText implements generation.Generator.
func (g *Generator) EmbedText(ctx context.Context, userID uuid.UUID, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", generation.ErrInvalidConfig)
	}

	log := g.logger.With("user_id", userID, "model", g.embeddingModel)
	log.DebugContext(ctx, "calling Gemini for embedding")

	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, genai.Text(text), nil)
	if err != nil {
		log.ErrorContext(ctx, "Gemini embedding call failed", "error", err)
		return nil, fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
	}

	if resp == nil || len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("%w: empty embedding response", generation.ErrInvalidResponse)
	}

	return resp.Embeddings[0].Values, nil
}
