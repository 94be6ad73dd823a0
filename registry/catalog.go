package registry

import (
	"fmt"
	"os"

	"github.com/songzhibin97/workflow-collab/types"
	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk team list.
//
//	teams:
//	  - key: vision_computational
//	    capabilities: [computer_vision, image_analysis]
//	    priority_tier: P1
//	    max_concurrent_tasks: 10
type Catalog struct {
	Teams []types.WorkerTeam `yaml:"teams"`
}

// DefaultCatalog returns the built-in specialist teams.
func DefaultCatalog() []types.WorkerTeam {
	return []types.WorkerTeam{
		{
			Key:                "vision_computational",
			Capabilities:       []string{"computer_vision", "image_analysis", "visual_reasoning", "object_detection"},
			PriorityTier:       types.P1,
			MaxConcurrentTasks: 10,
		},
		{
			Key:                "creative_design",
			Capabilities:       []string{"design_generation", "creative_writing", "brand_development", "visual_design"},
			PriorityTier:       types.P2,
			MaxConcurrentTasks: 8,
		},
		{
			Key:                "business_automation",
			Capabilities:       []string{"workflow_automation", "process_optimization", "data_analysis", "business_intelligence"},
			PriorityTier:       types.P1,
			MaxConcurrentTasks: 15,
		},
		{
			Key:                "healthcare_specialists",
			Capabilities:       []string{"medical_diagnosis", "clinical_reasoning", "healthcare_analytics", "medical_imaging"},
			PriorityTier:       types.P0,
			MaxConcurrentTasks: 5,
		},
		{
			Key:                "marketing_creatives",
			Capabilities:       []string{"brand_strategy", "content_creation", "social_media", "marketing_automation"},
			PriorityTier:       types.P2,
			MaxConcurrentTasks: 12,
		},
	}
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(b []byte) ([]types.WorkerTeam, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[string]bool, len(c.Teams))
	for _, t := range c.Teams {
		if err := validate(t); err != nil {
			return nil, err
		}
		if seen[t.Key] {
			return nil, fmt.Errorf("%w: duplicate key %s", ErrInvalidTeam, t.Key)
		}
		seen[t.Key] = true
	}
	return c.Teams, nil
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) ([]types.WorkerTeam, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(b)
}

// RegisterAll registers every team, stopping at the first error.
func (r *Registry) RegisterAll(teams []types.WorkerTeam) error {
	for _, t := range teams {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
