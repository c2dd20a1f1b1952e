package adapter

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicAdapter implements the Adapter interface for Claude models.
type AnthropicAdapter struct {
	client    anthropic.Client
	maxTokens int64
}

// NewAnthropicAdapter creates a new Anthropic adapter.
func NewAnthropicAdapter(apiKey string) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0))
	return &AnthropicAdapter{client: client, maxTokens: 4096}, nil
}

// Name returns the adapter identifier.
func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

// Models returns the list of supported Claude models.
func (a *AnthropicAdapter) Models() []string {
	return []string{
		"claude-sonnet-4-20250514",
		"claude-opus-4-20250514",
	}
}

// Generate sends a prompt to Claude.
func (a *AnthropicAdapter) Generate(ctx context.Context, model string, prompt string) (*Response, error) {
	return a.GenerateWithImages(ctx, model, prompt, nil)
}

// GenerateWithImages sends a prompt with inline base64 images to Claude.
func (a *AnthropicAdapter) GenerateWithImages(ctx context.Context, model string, prompt string, images [][]byte) (*Response, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(images)+1)
	for _, img := range images {
		blocks = append(blocks, anthropic.NewImageBlockBase64(http.DetectContentType(img), base64.StdEncoding.EncodeToString(img)))
	}
	blocks = append(blocks, anthropic.NewTextBlock(prompt))

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(blocks...),
		},
	})
	if err != nil {
		status := 0
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return nil, providerError(a.Name(), status, err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &Response{
		Content: content.String(),
		Adapter: a.Name(),
		Model:   model,
		Usage: &Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}
