package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/1122414/AutoWeb/internal/logging"
)

// GenAIClient implements Client on Google's Gemini API. It is selected
// for gemini-* models served without an OpenAI-compatible endpoint.
type GenAIClient struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
}

// NewGenAIClient creates a Gemini chat client.
func NewGenAIClient(apiKey, model string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIClient{
		client:      client,
		model:       model,
		temperature: 0.1,
		maxTokens:   4096,
	}, nil
}

// Complete sends a prompt and returns the completion.
func (c *GenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system instruction.
func (c *GenAIClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(c.temperature),
		MaxOutputTokens: c.maxTokens,
	}
	if systemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	contents := []*genai.Content{
		genai.NewContentFromText(userPrompt, genai.RoleUser),
	}
	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("GenAI completion failed: %w", err)
	}

	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("no completion returned")
	}
	logging.LLMDebug("model %s completed (genai)", c.model)
	return strings.TrimSpace(text), nil
}

// GetModel returns the current model.
func (c *GenAIClient) GetModel() string {
	return c.model
}
