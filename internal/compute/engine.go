// Package compute holds the work performed for generate and embedding
// requests. The mesh only needs something that produces a response stream;
// Placeholder is the stand-in used by worker nodes.
package compute

import (
	"context"
	"strings"
)

// Request is the payload of both work operations.
type Request struct {
	Prompt string `json:"prompt"`
}

// GenerateResponse is one line of a generate stream.
type GenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// EmbeddingsResponse is one line of an embeddings stream.
type EmbeddingsResponse struct {
	Embedding []float32 `json:"embedding"`
	Done      bool      `json:"done"`
}

// Engine executes work locally.
type Engine interface {
	// Generate calls emit for each chunk; the last one has Done set.
	Generate(ctx context.Context, prompt string, emit func(GenerateResponse) error) error
	// Embed returns the embedding of prompt.
	Embed(ctx context.Context, prompt string) ([]float32, error)
}

// Placeholder answers a single known prompt and returns a constant embedding.
type Placeholder struct{}

// Generate emits one terminal chunk.
func (Placeholder) Generate(ctx context.Context, prompt string, emit func(GenerateResponse) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var answer string
	if strings.TrimSpace(prompt) == "2+2=?" {
		answer = "4"
	}
	return emit(GenerateResponse{Response: answer, Done: true})
}

// Embed returns a one-dimensional zero vector.
func (Placeholder) Embed(ctx context.Context, _ string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []float32{0.0}, nil
}
