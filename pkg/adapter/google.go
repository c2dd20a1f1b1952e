package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// GoogleAdapter implements the Adapter interface for Gemini models.
type GoogleAdapter struct {
	client *genai.Client
}

// NewGoogleAdapter creates a new Google Gemini adapter.
func NewGoogleAdapter(apiKey string) (*GoogleAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google API key is required")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &GoogleAdapter{client: client}, nil
}

// Name returns the adapter identifier.
func (a *GoogleAdapter) Name() string {
	return "google"
}

// Models returns the list of supported Gemini models.
func (a *GoogleAdapter) Models() []string {
	return []string{
		"gemini-2.5-pro",
		"gemini-2.5-flash",
	}
}

// Generate sends a prompt to Gemini.
func (a *GoogleAdapter) Generate(ctx context.Context, model string, prompt string) (*Response, error) {
	return a.GenerateWithImages(ctx, model, prompt, nil)
}

// GenerateWithImages sends a prompt and inline images to Gemini.
func (a *GoogleAdapter) GenerateWithImages(ctx context.Context, model string, prompt string, images [][]byte) (*Response, error) {
	parts := make([]*genai.Part, 0, len(images)+1)
	for _, img := range images {
		parts = append(parts, genai.NewPartFromBytes(img, http.DetectContentType(img)))
	}
	parts = append(parts, genai.NewPartFromText(prompt))
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := a.client.Models.GenerateContent(ctx, model, contents, &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	})
	if err != nil {
		status := 0
		var apiErr genai.APIError
		var apiErrPtr *genai.APIError
		switch {
		case errors.As(err, &apiErr):
			status = apiErr.Code
		case errors.As(err, &apiErrPtr):
			status = apiErrPtr.Code
		}
		return nil, providerError(a.Name(), status, err)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return nil, &AdapterError{Adapter: a.Name(), Err: fmt.Errorf("no candidates returned")}
	}

	var content strings.Builder
	if resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				content.WriteString(part.Text)
			}
		}
	}

	out := &Response{Content: content.String(), Adapter: a.Name(), Model: model}
	if resp.UsageMetadata != nil {
		out.Usage = &Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}
