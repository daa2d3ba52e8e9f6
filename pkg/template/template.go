// Package template loads agent templates: the blueprints that seed a new
// session's system prompt, allowed tools, model, and labels.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Template describes one agent blueprint.
type Template struct {
	Name         string   `json:"name"`
	SystemPrompt string   `json:"systemPrompt"`
	AllowedTools []string `json:"allowedTools"`
	Model        string   `json:"model"`
	Provider     string   `json:"provider"`
	Labels       []string `json:"labels"`
	TimeoutSec   int64    `json:"timeout,omitempty"`
}

// Timeout returns the template's default wall-clock timeout, zero if unset.
func (t *Template) Timeout() time.Duration {
	return time.Duration(t.TimeoutSec) * time.Second
}

// Loader reads templates from a directory of JSON files, one per template.
type Loader struct {
	dir string
}

// NewLoader creates a template loader rooted at dir.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load reads and validates one template by name. The system prompt may
// embed host-environment variables ($VAR / ${VAR}), expanded at load time.
func (l *Loader) Load(name string) (*Template, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	path := filepath.Join(l.dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("template not found: %s", name)
		}
		return nil, fmt.Errorf("failed to read template %s: %w", name, err)
	}

	var tpl Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	if tpl.Name == "" {
		tpl.Name = name
	}
	if err := tpl.Validate(); err != nil {
		return nil, fmt.Errorf("invalid template %s: %w", name, err)
	}

	tpl.SystemPrompt = os.ExpandEnv(tpl.SystemPrompt)
	return &tpl, nil
}

// List returns the names of every template in the directory.
func (l *Loader) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read template directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	return names, nil
}

// Validate checks required template fields.
func (t *Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(t.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if strings.TrimSpace(t.Provider) == "" {
		return fmt.Errorf("provider is required")
	}
	if t.TimeoutSec < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("template name cannot be empty")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("template name %q contains illegal characters", name)
	}
	return nil
}
