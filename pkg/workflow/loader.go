// Package workflow loads workflow definitions from YAML files.
package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flowgrid-dev/flowgrid/internal/orchestrator"
)

// File is the on-disk shape of a workflow definitions file.
type File struct {
	Workflows []orchestrator.Workflow `yaml:"workflows"`
}

// Load reads a workflows YAML file and returns the validated
// definitions. Workflow names must be unique within a file.
func Load(path string) ([]orchestrator.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflows file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates workflow definitions from YAML bytes.
func Parse(data []byte) ([]orchestrator.Workflow, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse workflows: %w", err)
	}

	seen := make(map[string]bool, len(f.Workflows))
	for i := range f.Workflows {
		wf := &f.Workflows[i]
		if err := wf.Validate(); err != nil {
			return nil, err
		}
		if seen[wf.Name] {
			return nil, fmt.Errorf("duplicate workflow name %q", wf.Name)
		}
		seen[wf.Name] = true
	}
	return f.Workflows, nil
}
