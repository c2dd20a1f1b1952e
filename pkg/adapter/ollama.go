package adapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaAdapter talks to a local Ollama server through its native /api/chat
// endpoint, which accepts base64 images for vision models.
type OllamaAdapter struct {
	baseURL     string
	client      *http.Client
	temperature float64
	numPredict  int
}

// OllamaOption configures an OllamaAdapter.
type OllamaOption func(*OllamaAdapter)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) OllamaOption {
	return func(a *OllamaAdapter) { a.client = c }
}

// WithNumPredict caps the number of generated tokens.
func WithNumPredict(n int) OllamaOption {
	return func(a *OllamaAdapter) { a.numPredict = n }
}

// NewOllamaAdapter creates a new Ollama adapter. An empty baseURL uses the local default.
func NewOllamaAdapter(baseURL string, opts ...OllamaOption) *OllamaAdapter {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	a := &OllamaAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: 10 * time.Minute},
		numPredict: 4096,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the adapter identifier.
func (a *OllamaAdapter) Name() string {
	return "ollama"
}

// Models returns the models this project is tuned for. Ollama accepts any pulled model.
func (a *OllamaAdapter) Models() []string {
	return []string{
		"alibayram/medgemma:4b",
		"qwen2.5vl:7b",
		"llama3.1:8b",
	}
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

// Generate sends a text-only prompt.
func (a *OllamaAdapter) Generate(ctx context.Context, model string, prompt string) (*Response, error) {
	return a.GenerateWithImages(ctx, model, prompt, nil)
}

// GenerateWithImages sends a prompt with attached images.
func (a *OllamaAdapter) GenerateWithImages(ctx context.Context, model string, prompt string, images [][]byte) (*Response, error) {
	msg := ollamaMessage{Role: "user", Content: prompt}
	for _, img := range images {
		msg.Images = append(msg.Images, base64.StdEncoding.EncodeToString(img))
	}

	reqBody := ollamaRequest{
		Model:    model,
		Messages: []ollamaMessage{msg},
		Stream:   false,
		Options:  ollamaOptions{Temperature: a.temperature, NumPredict: a.numPredict},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &AdapterError{Adapter: a.Name(), Temporary: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(a.Name(), resp.StatusCode, body)
	}

	var out ollamaResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if out.Error != "" {
		return nil, &AdapterError{Adapter: a.Name(), Err: fmt.Errorf("%s", out.Error)}
	}

	return &Response{
		Content: out.Message.Content,
		Adapter: a.Name(),
		Model:   model,
		Usage: &Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
		},
	}, nil
}
