package completion

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/ashureev/aloha-tutor/internal/domain"
)

// DefaultModel is the Gemini model used when none is configured.
const DefaultModel = "gemini-2.0-flash"

// Gemini generates tutoring replies with Google's Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini provider.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, ErrMissingCredential
	}
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Gemini{client: client, model: model}, nil
}

// Complete implements Completer.
func (g *Gemini) Complete(ctx context.Context, prompt string, subject domain.Subject) (string, error) {
	result, err := g.client.Models.GenerateContent(ctx,
		g.model,
		genai.Text(BuildPrompt(prompt, subject)),
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}
	return result.Text(), nil
}

// Name returns the provider name.
func (g *Gemini) Name() string {
	return fmt.Sprintf("genai:%s", g.model)
}

// NewProvider returns a Gemini provider, or an always-failing provider when
// the credential is missing so the chat still answers with an apology.
func NewProvider(ctx context.Context, apiKey, model string) (Completer, error) {
	if apiKey == "" {
		return Unavailable{Err: ErrMissingCredential}, nil
	}
	return NewGemini(ctx, apiKey, model)
}
