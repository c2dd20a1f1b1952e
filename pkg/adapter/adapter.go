package adapter

import "context"

// Adapter defines the interface for model backends.
type Adapter interface {
	// Generate sends a prompt to the model and returns its text response.
	Generate(ctx context.Context, model string, prompt string) (*Response, error)

	// Name returns the adapter's identifier.
	Name() string

	// Models returns the list of supported models.
	Models() []string
}

// ImageAdapter is implemented by backends that accept image input alongside the prompt.
type ImageAdapter interface {
	Adapter
	GenerateWithImages(ctx context.Context, model string, prompt string, images [][]byte) (*Response, error)
}

// Registry maps adapter names to implementations.
type Registry map[string]Adapter

// Names returns the registered adapter names.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	return names
}
