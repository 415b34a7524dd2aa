package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/modelfleet/modelfleet/internal/models"
)

// Policy holds the rollout tunables that operators adjust per installation:
// canary ramp percentages, how long a ramp soaks before verification, the
// metric window size, and the thresholds armed for automatic rollback.
type Policy struct {
	CanaryStages       []int              `yaml:"canary_stages,omitempty"`
	StageWindowSeconds *int               `yaml:"stage_window_seconds,omitempty"`
	MetricWindowSize   *int               `yaml:"metric_window_size,omitempty"`
	DefaultThresholds  *models.Thresholds `yaml:"default_thresholds,omitempty"`
}

const (
	defaultStageWindowSeconds = 30
	defaultMetricWindowSize   = 1000
)

func DefaultPolicy() Policy {
	window := defaultStageWindowSeconds
	size := defaultMetricWindowSize
	return Policy{
		CanaryStages:       []int{10, 50, 100},
		StageWindowSeconds: &window,
		MetricWindowSize:   &size,
	}
}

// LoadPolicy reads a YAML policy file and fills unset fields from defaults.
// An empty path returns the default policy.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	var loaded Policy
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	if len(loaded.CanaryStages) > 0 {
		policy.CanaryStages = loaded.CanaryStages
	}
	if loaded.StageWindowSeconds != nil {
		policy.StageWindowSeconds = loaded.StageWindowSeconds
	}
	if loaded.MetricWindowSize != nil {
		policy.MetricWindowSize = loaded.MetricWindowSize
	}
	if loaded.DefaultThresholds != nil {
		policy.DefaultThresholds = loaded.DefaultThresholds
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// Validate checks that the ramp sequence is strictly increasing, stays within
// (0,100], and ends with a full cutover.
func (p *Policy) Validate() error {
	if len(p.CanaryStages) == 0 {
		return fmt.Errorf("canary_stages must not be empty")
	}
	prev := 0
	for _, pct := range p.CanaryStages {
		if pct <= prev {
			return fmt.Errorf("canary_stages must be strictly increasing, got %v", p.CanaryStages)
		}
		if pct > 100 {
			return fmt.Errorf("canary stage %d exceeds 100", pct)
		}
		prev = pct
	}
	if last := p.CanaryStages[len(p.CanaryStages)-1]; last != 100 {
		return fmt.Errorf("canary_stages must end at 100, got %d", last)
	}
	if p.StageWindowSeconds != nil && *p.StageWindowSeconds < 0 {
		return fmt.Errorf("stage_window_seconds must not be negative")
	}
	if p.MetricWindowSize != nil && *p.MetricWindowSize <= 0 {
		return fmt.Errorf("metric_window_size must be positive")
	}
	return nil
}
