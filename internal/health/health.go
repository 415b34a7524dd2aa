package health

import (
	"context"
)

// Probe identifies the version under check and how much traffic it currently
// receives; blue-green verification probes the inactive slot at 0%.
type Probe struct {
	Artifact       string `json:"artifact"`
	Version        string `json:"version"`
	TrafficPercent int    `json:"trafficPercent"`
}

type Result struct {
	Healthy        bool    `json:"healthy"`
	LatencySeconds float64 `json:"latencySeconds"`
	ErrorRate      float64 `json:"errorRate"`
}

// Checker is the external readiness collaborator. A returned error is treated
// the same as an unhealthy result by callers.
type Checker interface {
	Check(ctx context.Context, probe Probe) (Result, error)
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, probe Probe) (Result, error)

func (f CheckerFunc) Check(ctx context.Context, probe Probe) (Result, error) {
	return f(ctx, probe)
}

// StaticChecker returns a fixed verdict; it backs installations without a
// probe endpoint and most tests.
type StaticChecker struct {
	Healthy        bool
	LatencySeconds float64
	ErrorRate      float64
}

func NewStaticChecker() *StaticChecker {
	return &StaticChecker{Healthy: true, LatencySeconds: 0.05}
}

func (c *StaticChecker) Check(ctx context.Context, probe Probe) (Result, error) {
	return Result{
		Healthy:        c.Healthy,
		LatencySeconds: c.LatencySeconds,
		ErrorRate:      c.ErrorRate,
	}, nil
}
