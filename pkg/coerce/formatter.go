package coerce

import (
	"context"
	"fmt"

	"github.com/zen-systems/verdict/pkg/adapter"
)

// BackendFormatter reformats through a model backend. Each Reformat is a
// single backend call: the two formatter attempts of Adapt are the only
// retries, so no transient retry or fallback chain is applied here.
type BackendFormatter struct {
	Registry adapter.Registry
	Target   adapter.Target
}

// Reformat sends the prompt to the configured target.
func (f *BackendFormatter) Reformat(ctx context.Context, prompt string) (string, error) {
	resp, _, err := adapter.Call(ctx, f.Registry, f.Target, prompt, nil, adapter.Policy{})
	if err != nil {
		return "", fmt.Errorf("reformat via %s: %w", f.Target, err)
	}
	return resp.Content, nil
}
