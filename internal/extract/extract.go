// Package extract turns free text into structured inputs with an LLM:
// search filters from the user's prompt, and title mentions from community
// text. Every stage decodes against one strict schema.
package extract

import (
	"context"
	"errors"
	"fmt"

	"watchfinder/discoveryservice/internal/providers/llm"
)

var (
	// ErrExtraction wraps every failure of an extraction stage.
	ErrExtraction = errors.New("extract: extraction failed")
	// ErrSchema marks replies that decoded but violated the schema.
	ErrSchema = errors.New("extract: schema violation")
)

// Completer is the LLM surface the extractors need.
type Completer interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// complete runs one JSON completion and decodes it into target.
func complete(ctx context.Context, completer Completer, stage, system, user string, target any) error {
	if completer == nil {
		return fmt.Errorf("%w: %s: no llm configured", ErrExtraction, stage)
	}
	content, err := completer.CompleteJSON(ctx, system, user)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrExtraction, stage, err)
	}
	if err := llm.DecodeStrict(content, target); err != nil {
		if errors.Is(err, llm.ErrSchema) {
			return fmt.Errorf("%w: %w: %s: %w", ErrExtraction, ErrSchema, stage, err)
		}
		return fmt.Errorf("%w: %s: %w", ErrExtraction, stage, err)
	}
	return nil
}
