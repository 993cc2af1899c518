package tools

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"ir-orchestrator/internal/model"
)

// File is the on-disk registry format.
type File struct {
	Tools []model.SecurityTool `yaml:"tools"`
}

// ParseFile decodes registry YAML. ${VAR} references are expanded from the
// environment so secrets stay out of the file.
func ParseFile(data []byte) ([]model.SecurityTool, error) {
	expanded := os.ExpandEnv(string(data))

	var f File
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, fmt.Errorf("failed to parse tool registry: %w", err)
	}
	return f.Tools, nil
}

// LoadFile reads path and replaces the registry contents.
func LoadFile(r *Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tool registry: %w", err)
	}
	tools, err := ParseFile(data)
	if err != nil {
		return err
	}
	if err := r.Replace(tools); err != nil {
		return fmt.Errorf("invalid tool registry %s: %w", path, err)
	}
	return nil
}
