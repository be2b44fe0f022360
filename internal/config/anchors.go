package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AnchorSpec is one positioning anchor as declared in the anchor plan.
type AnchorSpec struct {
	ID   string  `yaml:"id"`
	Name string  `yaml:"name"`
	X    float64 `yaml:"x"`
	Y    float64 `yaml:"y"`
	Z    float64 `yaml:"z"`
}

type anchorPlan struct {
	Anchors []AnchorSpec `yaml:"anchors"`
}

// LoadAnchors reads the YAML anchor plan that seeds the registry at boot.
// Coordinates must be in the configured distance unit.
func LoadAnchors(path string) ([]AnchorSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read anchor plan: %w", err)
	}

	var plan anchorPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse anchor plan: %w", err)
	}

	for i, a := range plan.Anchors {
		if a.ID == "" {
			return nil, fmt.Errorf("anchor %d: id must not be empty", i)
		}
	}
	return plan.Anchors, nil
}
