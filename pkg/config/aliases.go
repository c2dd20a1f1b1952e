package config

import (
	"sort"

	"github.com/zen-systems/verdict/pkg/adapter"
)

// DefaultAliases maps short model names to the full local model tags.
func DefaultAliases() map[string]string {
	return map[string]string{
		"medgemma": "hf.co/unsloth/medgemma-1.5-4b-it-GGUF:Q4_K_M",
		"qwen":     "qwen2.5:7b-instruct",
		"qwen3":    "qwen3:8b",
		"llava":    "llava:13b",
	}
}

// Resolve returns the canonical model name for an alias, or the input
// unchanged when it is not an alias.
func (c *Config) Resolve(modelOrAlias string) string {
	if canonical, ok := c.Aliases[modelOrAlias]; ok {
		return canonical
	}
	return modelOrAlias
}

// IsAlias reports whether name is a configured alias.
func (c *Config) IsAlias(name string) bool {
	_, ok := c.Aliases[name]
	return ok
}

// AliasNames returns the configured aliases, sorted.
func (c *Config) AliasNames() []string {
	names := make([]string, 0, len(c.Aliases))
	for name := range c.Aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveAliases rewrites backend and fallback targets to canonical model names.
func (c *Config) resolveAliases() {
	resolve := func(t adapter.Target) adapter.Target {
		t.Model = c.Resolve(t.Model)
		return t
	}
	c.Backends.Vision = resolve(c.Backends.Vision)
	c.Backends.Reasoning = resolve(c.Backends.Reasoning)
	c.Backends.Text = resolve(c.Backends.Text)
	c.Backends.Formatter = resolve(c.Backends.Formatter)

	if len(c.Fallback.Chain) == 0 {
		return
	}
	chain := make(map[string][]adapter.Target, len(c.Fallback.Chain))
	for key, targets := range c.Fallback.Chain {
		out := make([]adapter.Target, len(targets))
		for i, t := range targets {
			out[i] = resolve(t)
		}
		chain[c.resolveKey(key)] = out
	}
	c.Fallback.Chain = chain
}

// resolveKey expands the model part of an "adapter/model" chain key.
func (c *Config) resolveKey(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i+1] + c.Resolve(key[i+1:])
		}
	}
	return key
}
