package deploy

import (
	"fmt"

	"github.com/modelfleet/modelfleet/internal/models"
)

// stagePlan is the precomputed traffic schedule for one deployment. stages[i]
// is the split applied on entering STAGING for stage i; final is the split
// applied on the ACTIVE transition (for blue-green this is the flip, for the
// other strategies it matches the last stage).
type stagePlan struct {
	stages []models.TrafficSplit
	final  models.TrafficSplit
}

// buildPlan derives the stage schedule from the strategy and the serving
// state at registration time. An artifact that has never served has no
// complement version to hold remaining traffic, so canary and blue-green
// degrade to a single stage placing the target at 100%.
func buildPlan(strategy models.Strategy, target, active string, current models.TrafficSplit, ramps []int) (*stagePlan, error) {
	if target == active && active != "" {
		// Redeploying the serving version is allowed; it behaves like a
		// first deployment of that version.
		active = ""
	}

	full := models.TrafficSplit{target: 100}
	if active == "" {
		return validatePlan(&stagePlan{
			stages: []models.TrafficSplit{full},
			final:  full,
		})
	}

	switch strategy {
	case models.StrategyDirect:
		return validatePlan(&stagePlan{
			stages: []models.TrafficSplit{full},
			final:  full,
		})
	case models.StrategyBlueGreen:
		staged := current.Clone()
		staged[target] = 0
		return validatePlan(&stagePlan{
			stages: []models.TrafficSplit{staged},
			final:  models.TrafficSplit{target: 100, active: 0},
		})
	case models.StrategyCanary:
		if len(ramps) == 0 {
			ramps = DefaultCanaryStages
		}
		stages := make([]models.TrafficSplit, 0, len(ramps))
		for _, pct := range ramps {
			stages = append(stages, models.TrafficSplit{target: pct, active: 100 - pct})
		}
		return validatePlan(&stagePlan{
			stages: stages,
			final:  stages[len(stages)-1].Clone(),
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}
}

func validatePlan(p *stagePlan) (*stagePlan, error) {
	for i, split := range p.stages {
		if !split.Valid() {
			return nil, fmt.Errorf("%w: stage %d sums to %d", ErrSplitInvariant, i, split.Sum())
		}
	}
	if !p.final.Valid() {
		return nil, fmt.Errorf("%w: final split sums to %d", ErrSplitInvariant, p.final.Sum())
	}
	return p, nil
}

func validStrategy(s models.Strategy) bool {
	switch s {
	case models.StrategyDirect, models.StrategyBlueGreen, models.StrategyCanary:
		return true
	}
	return false
}
