package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockAdapter returns deterministic responses for local runs and tests.
type MockAdapter struct {
	mu              sync.Mutex
	responses       map[string]string
	rules           []mockRule
	defaultResponse string
	prompts         []string
	Usage           *Usage
}

type mockRule struct {
	contains string
	response string
}

// NewMockAdapter creates a mock adapter with a default response.
func NewMockAdapter() *MockAdapter {
	return NewMockAdapterWithResponses(nil, "")
}

// NewMockAdapterWithResponses creates a mock adapter with predefined responses keyed by exact prompt.
func NewMockAdapterWithResponses(responses map[string]string, defaultResponse string) *MockAdapter {
	if defaultResponse == "" {
		defaultResponse = "mock response:"
	}
	if responses == nil {
		responses = make(map[string]string)
	}
	return &MockAdapter{responses: responses, defaultResponse: defaultResponse}
}

// On registers a response returned whenever the prompt contains substr.
// Rules are checked in registration order after exact matches.
func (a *MockAdapter) On(substr, response string) *MockAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules = append(a.rules, mockRule{contains: substr, response: response})
	return a
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return "mock"
}

// Models returns the list of supported mock models.
func (a *MockAdapter) Models() []string {
	return []string{"mock-1"}
}

// Prompts returns every prompt received so far.
func (a *MockAdapter) Prompts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts...)
}

// Generate returns a deterministic response for the prompt.
func (a *MockAdapter) Generate(ctx context.Context, model string, prompt string) (*Response, error) {
	return a.GenerateWithImages(ctx, model, prompt, nil)
}

// GenerateWithImages ignores the images and answers like Generate.
func (a *MockAdapter) GenerateWithImages(_ context.Context, model string, prompt string, _ [][]byte) (*Response, error) {
	if model == "" {
		model = "mock-1"
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts = append(a.prompts, prompt)

	content, ok := a.responses[prompt]
	if !ok {
		for _, rule := range a.rules {
			if strings.Contains(prompt, rule.contains) {
				content, ok = rule.response, true
				break
			}
		}
	}
	if !ok {
		content = fmt.Sprintf("%s\n%s", a.defaultResponse, prompt)
	}
	return &Response{Content: content, Adapter: a.Name(), Model: model, Usage: a.Usage}, nil
}
