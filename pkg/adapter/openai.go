package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DeepSeekBaseURL is DeepSeek's OpenAI-compatible endpoint.
const DeepSeekBaseURL = "https://api.deepseek.com/v1"

// OpenAIAdapter implements the Adapter interface for OpenAI models and any
// server speaking the chat-completions protocol.
type OpenAIAdapter struct {
	client openai.Client
	name   string
	models []string
}

// NewOpenAIAdapter creates a new OpenAI adapter.
func NewOpenAIAdapter(apiKey string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	client := openai.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0))
	return &OpenAIAdapter{
		client: client,
		name:   "openai",
		models: []string{"gpt-4.1", "gpt-4.1-mini", "gpt-4o"},
	}, nil
}

// NewOpenAICompatibleAdapter points the OpenAI client at another base URL,
// e.g. an Ollama server's /v1 endpoint. The API key may be empty.
func NewOpenAICompatibleAdapter(name, baseURL, apiKey string, models []string) (*OpenAIAdapter, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%s base URL is required", name)
	}
	if apiKey == "" {
		apiKey = "unused"
	}
	client := openai.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(baseURL), option.WithMaxRetries(0))
	return &OpenAIAdapter{client: client, name: name, models: models}, nil
}

// NewDeepSeekAdapter creates an adapter for DeepSeek's hosted models.
func NewDeepSeekAdapter(apiKey string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("deepseek API key is required")
	}
	return NewOpenAICompatibleAdapter("deepseek", DeepSeekBaseURL, apiKey, []string{"deepseek-chat", "deepseek-reasoner"})
}

// Name returns the adapter identifier.
func (a *OpenAIAdapter) Name() string {
	return a.name
}

// Models returns the list of supported models.
func (a *OpenAIAdapter) Models() []string {
	return a.models
}

// Generate sends a prompt through the chat-completions API.
func (a *OpenAIAdapter) Generate(ctx context.Context, model string, prompt string) (*Response, error) {
	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		MaxCompletionTokens: openai.Int(4096),
		Temperature:         openai.Float(0),
	})
	if err != nil {
		status := 0
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return nil, providerError(a.Name(), status, err)
	}

	if len(resp.Choices) == 0 {
		return nil, &AdapterError{Adapter: a.Name(), Err: fmt.Errorf("no choices returned")}
	}

	return &Response{
		Content: resp.Choices[0].Message.Content,
		Adapter: a.Name(),
		Model:   model,
		Usage: &Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}
