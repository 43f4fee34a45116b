package engine

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Definition is a linear flow of user tasks understood by MemoryEngine.
//
//	key: permit_flow
//	steps:
//	  - key: submit
//	    candidates: [staff]
//	  - key: review
//	    candidates: [reviewers]
//
// COMPLETE advances to the next step and REJECT returns to the previous one.
// Completing the last step ends the execution.
type Definition struct {
	Key   string `yaml:"key"`
	Label string `yaml:"label"`
	Steps []Step `yaml:"steps"`
}

// Step is one user task of a Definition.
type Step struct {
	Key        string   `yaml:"key"`
	Label      string   `yaml:"label"`
	Candidates []string `yaml:"candidates"`
}

// ParseDefinition decodes and checks a definition resource.
func ParseDefinition(content []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(content, &def); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	if def.Key == "" {
		return nil, fmt.Errorf("definition has no key")
	}
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("definition %q has no steps", def.Key)
	}
	seen := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		if s.Key == "" {
			return nil, fmt.Errorf("definition %q: step %d has no key", def.Key, i)
		}
		if seen[s.Key] {
			return nil, fmt.Errorf("definition %q: duplicate step %q", def.Key, s.Key)
		}
		seen[s.Key] = true
	}
	return &def, nil
}

func (d *Definition) stepIndex(key string) int {
	for i, s := range d.Steps {
		if s.Key == key {
			return i
		}
	}
	return -1
}
