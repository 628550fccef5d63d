package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Class describes the defaults applied to every instance of an agent class:
// system prompt, model, and which tools require human approval before they
// run.
type Class struct {
	SystemPrompt  string   `yaml:"system_prompt"`
	Model         string   `yaml:"model"`
	ApprovalTools []string `yaml:"approval_tools"`
}

type classesFile struct {
	Classes map[string]Class `yaml:"classes"`
}

// LoadClasses reads the agent class descriptors from a YAML file. A missing
// file is not an error; every class then falls back to runtime defaults.
func LoadClasses(path string) (map[string]Class, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]Class{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read classes file: %w", err)
	}
	var f classesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse classes file: %w", err)
	}
	if f.Classes == nil {
		f.Classes = map[string]Class{}
	}
	return f.Classes, nil
}
