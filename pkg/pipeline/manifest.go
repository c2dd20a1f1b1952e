package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest holds the prompts and backend roles of a plan's generative stages.
type Manifest struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Stages      []StageSpec `yaml:"stages"`
}

// StageSpec describes one generative stage.
type StageSpec struct {
	Name string `yaml:"name"`
	// Backend is a role name resolved through configuration (vision, reasoning, text).
	Backend string        `yaml:"backend"`
	Images  bool          `yaml:"images"`
	Timeout time.Duration `yaml:"timeout"`
	Prompt  string        `yaml:"prompt"`
}

// LoadManifest reads a manifest from a YAML file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks names, prompts and templates.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest name is required")
	}
	if len(m.Stages) == 0 {
		return fmt.Errorf("manifest must define at least one stage")
	}
	seen := make(map[string]struct{})
	for _, st := range m.Stages {
		if st.Name == "" {
			return fmt.Errorf("stage name is required")
		}
		if strings.TrimSpace(st.Prompt) == "" {
			return fmt.Errorf("stage %s must have a prompt", st.Name)
		}
		if _, ok := seen[st.Name]; ok {
			return fmt.Errorf("duplicate stage name: %s", st.Name)
		}
		seen[st.Name] = struct{}{}
		if st.Timeout < 0 {
			return fmt.Errorf("stage %s has a negative timeout", st.Name)
		}
		if _, err := parsePrompt(st.Name, st.Prompt); err != nil {
			return err
		}
	}
	return nil
}

// Stage returns the StageSpec declared for name.
func (m *Manifest) Stage(name string) (StageSpec, bool) {
	for _, st := range m.Stages {
		if st.Name == name {
			return st, true
		}
	}
	return StageSpec{}, false
}

// Render fills the stage prompt from in.TemplateData.
func (s StageSpec) Render(in Inputs) (string, error) {
	return RenderPrompt(s.Name, s.Prompt, in.TemplateData())
}

// RenderWith is Render with extra top-level template data. Extra keys shadow
// the standard ones.
func (s StageSpec) RenderWith(in Inputs, extra map[string]any) (string, error) {
	data := in.TemplateData()
	for k, v := range extra {
		data[k] = v
	}
	return RenderPrompt(s.Name, s.Prompt, data)
}

// RenderPrompt executes a prompt template.
func RenderPrompt(name, text string, data any) (string, error) {
	tmpl, err := parsePrompt(name, text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func parsePrompt(name, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Funcs(promptFuncs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("stage %s: invalid prompt template: %w", name, err)
	}
	return tmpl, nil
}

var promptFuncs = template.FuncMap{
	"join": strings.Join,
	// field reads one key of an upstream record, empty when either is absent.
	"field": func(records map[string]any, stage, key string) any {
		rec, ok := records[stage].(map[string]any)
		if !ok {
			return ""
		}
		if v, ok := rec[key]; ok && v != nil {
			return v
		}
		return ""
	},
	"default": func(def, v any) any {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			return def
		}
		if v == nil {
			return def
		}
		return v
	},
}
