package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Artifact struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type ArtifactVersion struct {
	ID           uuid.UUID       `json:"id"`
	ArtifactName string          `json:"artifactName"`
	Version      string          `json:"version"`
	Tag          string          `json:"tag,omitempty"`
	Metadata     json.RawMessage `json:"metadata"`
	RegisteredAt time.Time       `json:"registeredAt"`
}

type DeploymentState string

const (
	DeploymentPending    DeploymentState = "pending"
	DeploymentStaging    DeploymentState = "staging"
	DeploymentVerifying  DeploymentState = "verifying"
	DeploymentActive     DeploymentState = "active"
	DeploymentFailed     DeploymentState = "failed"
	DeploymentRolledBack DeploymentState = "rolled_back"
)

// Terminal reports whether the state is final; terminal deployments are kept
// for history and never advanced again.
func (s DeploymentState) Terminal() bool {
	switch s {
	case DeploymentActive, DeploymentFailed, DeploymentRolledBack:
		return true
	}
	return false
}

type Strategy string

const (
	StrategyDirect    Strategy = "direct"
	StrategyBlueGreen Strategy = "bluegreen"
	StrategyCanary    Strategy = "canary"
)

// TrafficSplit maps version → whole percentage of requests routed to it.
// A split is either empty (artifact has never served) or sums to exactly 100.
type TrafficSplit map[string]int

func (t TrafficSplit) Sum() int {
	total := 0
	for _, pct := range t {
		total += pct
	}
	return total
}

func (t TrafficSplit) Valid() bool {
	if len(t) == 0 {
		return true
	}
	for _, pct := range t {
		if pct < 0 || pct > 100 {
			return false
		}
	}
	return t.Sum() == 100
}

func (t TrafficSplit) Clone() TrafficSplit {
	out := make(TrafficSplit, len(t))
	for v, pct := range t {
		out[v] = pct
	}
	return out
}

type StageEvent struct {
	From   DeploymentState `json:"from"`
	To     DeploymentState `json:"to"`
	Reason string          `json:"reason,omitempty"`
	At     time.Time       `json:"at"`
}

type Deployment struct {
	ID            uuid.UUID       `json:"id"`
	ArtifactName  string          `json:"artifactName"`
	TargetVersion string          `json:"targetVersion"`
	Strategy      Strategy        `json:"strategy"`
	State         DeploymentState `json:"state"`
	TrafficSplit  TrafficSplit    `json:"trafficSplit"`
	StageIndex    int             `json:"stageIndex"`
	StartedAt     time.Time       `json:"startedAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	Events        []StageEvent    `json:"events"`
}

type Snapshot struct {
	ID            uuid.UUID    `json:"id"`
	ArtifactName  string       `json:"artifactName"`
	DeploymentID  uuid.UUID    `json:"deploymentId"`
	ActiveVersion string       `json:"activeVersion,omitempty"`
	TrafficSplit  TrafficSplit `json:"trafficSplit"`
	CapturedAt    time.Time    `json:"capturedAt"`
}

// Empty reports whether the snapshot is the pre-first-deployment baseline.
func (s Snapshot) Empty() bool {
	return s.ActiveVersion == "" && len(s.TrafficSplit) == 0
}

type RollbackTrigger string

const (
	TriggerManual    RollbackTrigger = "manual"
	TriggerAutomatic RollbackTrigger = "automatic"
)

type RollbackRecord struct {
	ID           uuid.UUID       `json:"id"`
	ArtifactName string          `json:"artifactName"`
	FromVersion  string          `json:"fromVersion,omitempty"`
	ToVersion    string          `json:"toVersion,omitempty"`
	Trigger      RollbackTrigger `json:"trigger"`
	Reason       string          `json:"reason,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

type MetricSample struct {
	ArtifactName   string    `json:"artifactName"`
	Version        string    `json:"version"`
	LatencySeconds float64   `json:"latencySeconds"`
	Succeeded      bool      `json:"succeeded"`
	TokenCount     int       `json:"tokenCount"`
	RecordedAt     time.Time `json:"recordedAt"`
}

type AggregatedMetrics struct {
	ArtifactName      string  `json:"artifactName"`
	Version           string  `json:"version"`
	SampleCount       int     `json:"sampleCount"`
	AvgLatencySeconds float64 `json:"avgLatencySeconds"`
	MinLatencySeconds float64 `json:"minLatencySeconds"`
	MaxLatencySeconds float64 `json:"maxLatencySeconds"`
	SuccessRate       float64 `json:"successRate"`
	ErrorRate         float64 `json:"errorRate"`
	TotalTokens       int64   `json:"totalTokens"`
}

type MetricDelta struct {
	ArtifactName     string  `json:"artifactName"`
	VersionA         string  `json:"versionA"`
	VersionB         string  `json:"versionB"`
	LatencyDelta     float64 `json:"latencyDelta"`
	SuccessRateDelta float64 `json:"successRateDelta"`
	ErrorRateDelta   float64 `json:"errorRateDelta"`
}

// Metric names used in alert events and rollback reasons.
const (
	MetricAvgLatency  = "avg_latency"
	MetricErrorRate   = "error_rate"
	MetricSuccessRate = "success_rate"
)

type AlertEvent struct {
	ID           uuid.UUID `json:"id"`
	ArtifactName string    `json:"artifactName"`
	Version      string    `json:"version"`
	MetricName   string    `json:"metricName"`
	Threshold    float64   `json:"threshold"`
	Observed     float64   `json:"observed"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Thresholds is injected alerting configuration; nil fields are not evaluated.
type Thresholds struct {
	MaxLatencySeconds *float64 `json:"maxLatencySeconds,omitempty" yaml:"max_latency_seconds,omitempty"`
	MaxErrorRate      *float64 `json:"maxErrorRate,omitempty" yaml:"max_error_rate,omitempty"`
	MinSuccessRate    *float64 `json:"minSuccessRate,omitempty" yaml:"min_success_rate,omitempty"`
}

func (t Thresholds) Configured() bool {
	return t.MaxLatencySeconds != nil || t.MaxErrorRate != nil || t.MinSuccessRate != nil
}

type VersionScore struct {
	Version     string  `json:"version"`
	Score       float64 `json:"score"`
	SampleCount int     `json:"sampleCount"`
}
