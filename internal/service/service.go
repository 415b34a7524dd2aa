// Package service is the command facade over the engine: one method per API
// operation, validating input and composing the store, orchestrator, rollback
// controller, aggregator, and snapshot manager.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/modelfleet/modelfleet/internal/deploy"
	"github.com/modelfleet/modelfleet/internal/metrics"
	"github.com/modelfleet/modelfleet/internal/models"
	"github.com/modelfleet/modelfleet/internal/rollback"
	"github.com/modelfleet/modelfleet/internal/semver"
	"github.com/modelfleet/modelfleet/internal/snapshot"
	"github.com/modelfleet/modelfleet/internal/store"
)

// ErrValidation marks malformed or incomplete requests.
var ErrValidation = errors.New("invalid request")

type Service struct {
	store      store.Store
	orch       *deploy.Orchestrator
	rollbacks  *rollback.Controller
	aggregator *metrics.Aggregator
	snapshots  *snapshot.Manager
	thresholds models.Thresholds
}

// New wires the facade. thresholds are the policy defaults used when an
// automatic-check request carries none.
func New(st store.Store, orch *deploy.Orchestrator, rollbacks *rollback.Controller, aggregator *metrics.Aggregator, snapshots *snapshot.Manager, thresholds models.Thresholds) *Service {
	return &Service{
		store:      st,
		orch:       orch,
		rollbacks:  rollbacks,
		aggregator: aggregator,
		snapshots:  snapshots,
		thresholds: thresholds,
	}
}

type RegisterArtifactRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Service) RegisterArtifact(ctx context.Context, req RegisterArtifactRequest) (models.Artifact, error) {
	if req.Name == "" {
		return models.Artifact{}, fmt.Errorf("%w: name required", ErrValidation)
	}
	return s.store.CreateArtifact(ctx, store.ArtifactInput{
		Name:        req.Name,
		Description: req.Description,
	})
}

func (s *Service) GetArtifact(ctx context.Context, name string) (models.Artifact, error) {
	return s.store.GetArtifact(ctx, name)
}

func (s *Service) ListArtifacts(ctx context.Context, limit, offset int) ([]models.Artifact, error) {
	return s.store.ListArtifacts(ctx, limit, offset)
}

type RegisterVersionRequest struct {
	ArtifactName string          `json:"artifactName"`
	Version      string          `json:"version"`
	Tag          string          `json:"tag"`
	Metadata     json.RawMessage `json:"metadata"`
}

func (s *Service) RegisterVersion(ctx context.Context, req RegisterVersionRequest) (models.ArtifactVersion, error) {
	if req.ArtifactName == "" || req.Version == "" {
		return models.ArtifactVersion{}, fmt.Errorf("%w: artifactName and version required", ErrValidation)
	}
	if _, err := semver.Parse(req.Version); err != nil {
		return models.ArtifactVersion{}, err
	}
	if _, err := s.store.GetArtifact(ctx, req.ArtifactName); err != nil {
		return models.ArtifactVersion{}, err
	}
	return s.store.CreateVersion(ctx, store.VersionInput{
		ArtifactName: req.ArtifactName,
		Version:      req.Version,
		Tag:          req.Tag,
		Metadata:     req.Metadata,
	})
}

func (s *Service) ListVersions(ctx context.Context, artifact string) ([]models.ArtifactVersion, error) {
	if _, err := s.store.GetArtifact(ctx, artifact); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, artifact)
}

// LatestVersion returns the registered version that is numerically greatest,
// not the most recently registered one.
func (s *Service) LatestVersion(ctx context.Context, artifact string) (models.ArtifactVersion, error) {
	versions, err := s.ListVersions(ctx, artifact)
	if err != nil {
		return models.ArtifactVersion{}, err
	}
	raw := make([]string, 0, len(versions))
	for _, v := range versions {
		raw = append(raw, v.Version)
	}
	latest, err := semver.LatestString(raw)
	if err != nil {
		return models.ArtifactVersion{}, err
	}
	for _, v := range versions {
		if v.Version == latest {
			return v, nil
		}
	}
	return models.ArtifactVersion{}, store.ErrNotFound
}

type DeployRequest struct {
	ArtifactName string `json:"artifactName"`
	Version      string `json:"version"`
	Strategy     string `json:"strategy"`
}

func (s *Service) RegisterDeploymentRequest(ctx context.Context, req DeployRequest) (models.Deployment, error) {
	if req.ArtifactName == "" || req.Version == "" || req.Strategy == "" {
		return models.Deployment{}, fmt.Errorf("%w: artifactName, version, and strategy required", ErrValidation)
	}
	return s.orch.Deploy(ctx, req.ArtifactName, req.Version, models.Strategy(req.Strategy))
}

func (s *Service) AdvanceDeployment(ctx context.Context, id uuid.UUID) (models.Deployment, error) {
	return s.orch.Advance(ctx, id)
}

func (s *Service) GetDeploymentState(ctx context.Context, id uuid.UUID) (models.Deployment, error) {
	return s.orch.State(ctx, id)
}

func (s *Service) ListDeployments(ctx context.Context, artifact string, limit, offset int) ([]models.Deployment, error) {
	if _, err := s.store.GetArtifact(ctx, artifact); err != nil {
		return nil, err
	}
	return s.store.ListDeployments(ctx, store.ListDeploymentsFilter{
		ArtifactName: artifact,
		Limit:        limit,
		Offset:       offset,
	})
}

type RollbackRequest struct {
	ArtifactName string `json:"artifactName"`
	// Version selects an explicit rollback target; empty means the previous
	// active version.
	Version string `json:"version"`
	Reason  string `json:"reason"`
}

func (s *Service) RollbackManual(ctx context.Context, req RollbackRequest) (models.RollbackRecord, error) {
	if req.ArtifactName == "" {
		return models.RollbackRecord{}, fmt.Errorf("%w: artifactName required", ErrValidation)
	}
	if _, err := s.store.GetArtifact(ctx, req.ArtifactName); err != nil {
		return models.RollbackRecord{}, err
	}
	reason := req.Reason
	if req.Version != "" {
		return s.rollbacks.RollbackToVersion(ctx, req.ArtifactName, req.Version, models.TriggerManual, reason)
	}
	if reason == "" {
		reason = "manual rollback to previous version"
	}
	return s.rollbacks.RollbackToPrevious(ctx, req.ArtifactName, models.TriggerManual, reason)
}

// RollbackAutomaticCheck evaluates the active version against the supplied
// thresholds (falling back to the policy defaults) and rolls back on an
// error-rate breach.
func (s *Service) RollbackAutomaticCheck(ctx context.Context, artifact string, thresholds models.Thresholds) (*models.RollbackRecord, error) {
	if artifact == "" {
		return nil, fmt.Errorf("%w: artifactName required", ErrValidation)
	}
	if !thresholds.Configured() {
		thresholds = s.thresholds
	}
	if !thresholds.Configured() {
		return nil, fmt.Errorf("%w: no thresholds configured", ErrValidation)
	}
	return s.rollbacks.AutoRollbackCheck(ctx, artifact, thresholds)
}

func (s *Service) EnableAutoRollback(ctx context.Context, artifact string, errorThreshold float64) error {
	if artifact == "" {
		return fmt.Errorf("%w: artifactName required", ErrValidation)
	}
	if errorThreshold <= 0 || errorThreshold > 1 {
		return fmt.Errorf("%w: errorThreshold must be in (0,1]", ErrValidation)
	}
	if _, err := s.store.GetArtifact(ctx, artifact); err != nil {
		return err
	}
	s.rollbacks.EnableAutoRollback(artifact, errorThreshold)
	return nil
}

func (s *Service) RestoreSnapshot(ctx context.Context, snapshotID uuid.UUID, reason string) (models.RollbackRecord, error) {
	return s.rollbacks.RestoreSnapshot(ctx, snapshotID, models.TriggerManual, reason)
}

func (s *Service) ListSnapshots(ctx context.Context, artifact string, limit int) ([]models.Snapshot, error) {
	if _, err := s.store.GetArtifact(ctx, artifact); err != nil {
		return nil, err
	}
	return s.snapshots.List(ctx, store.ListSnapshotsFilter{ArtifactName: artifact, Limit: limit})
}

type RecordSampleRequest struct {
	ArtifactName   string  `json:"artifactName"`
	Version        string  `json:"version"`
	LatencySeconds float64 `json:"latencySeconds"`
	Succeeded      bool    `json:"succeeded"`
	TokenCount     int     `json:"tokenCount"`
}

// RecordSample ingests one performance observation. This is the hot path: it
// validates shape only and never reads the store.
func (s *Service) RecordSample(ctx context.Context, req RecordSampleRequest) error {
	if req.ArtifactName == "" || req.Version == "" {
		return fmt.Errorf("%w: artifactName and version required", ErrValidation)
	}
	if req.LatencySeconds < 0 {
		return fmt.Errorf("%w: latencySeconds must be non-negative", ErrValidation)
	}
	if req.TokenCount < 0 {
		return fmt.Errorf("%w: tokenCount must be non-negative", ErrValidation)
	}
	s.aggregator.Record(models.MetricSample{
		ArtifactName:   req.ArtifactName,
		Version:        req.Version,
		LatencySeconds: req.LatencySeconds,
		Succeeded:      req.Succeeded,
		TokenCount:     req.TokenCount,
	})
	return nil
}

// GetMetrics returns current aggregates; an empty version means the active one.
func (s *Service) GetMetrics(ctx context.Context, artifact, version string) (models.AggregatedMetrics, error) {
	if artifact == "" {
		return models.AggregatedMetrics{}, fmt.Errorf("%w: artifactName required", ErrValidation)
	}
	if version == "" {
		version = s.orch.ActiveVersion(artifact)
		if version == "" {
			return models.AggregatedMetrics{}, metrics.ErrNoSamples
		}
	}
	return s.aggregator.MetricsFor(artifact, version)
}

func (s *Service) CompareVersions(ctx context.Context, artifact, versionA, versionB string) (models.MetricDelta, error) {
	if artifact == "" || versionA == "" || versionB == "" {
		return models.MetricDelta{}, fmt.Errorf("%w: artifactName and both versions required", ErrValidation)
	}
	return s.aggregator.Compare(artifact, versionA, versionB)
}

func (s *Service) RankVersions(artifact string) []models.VersionScore {
	return s.aggregator.Ranking(artifact)
}

func (s *Service) ListAlerts(ctx context.Context, artifact, version string, limit int) ([]models.AlertEvent, error) {
	if _, err := s.store.GetArtifact(ctx, artifact); err != nil {
		return nil, err
	}
	return s.store.ListAlertEvents(ctx, store.ListAlertsFilter{
		ArtifactName: artifact,
		Version:      version,
		Limit:        limit,
	})
}

func (s *Service) ListRollbacks(ctx context.Context, artifact string, limit int) ([]models.RollbackRecord, error) {
	if _, err := s.store.GetArtifact(ctx, artifact); err != nil {
		return nil, err
	}
	return s.store.ListRollbackRecords(ctx, artifact, limit)
}

// TrafficStatus is the live serving view of one artifact.
type TrafficStatus struct {
	ArtifactName  string              `json:"artifactName"`
	ActiveVersion string              `json:"activeVersion,omitempty"`
	TrafficSplit  models.TrafficSplit `json:"trafficSplit"`
}

func (s *Service) CurrentTraffic(ctx context.Context, artifact string) (TrafficStatus, error) {
	if _, err := s.store.GetArtifact(ctx, artifact); err != nil {
		return TrafficStatus{}, err
	}
	return TrafficStatus{
		ArtifactName:  artifact,
		ActiveVersion: s.orch.ActiveVersion(artifact),
		TrafficSplit:  s.orch.CurrentSplit(artifact),
	}, nil
}
