package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelfleet/modelfleet/internal/models"
)

type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]models.Artifact
	versions  map[string]map[string]models.ArtifactVersion
	deploys   map[uuid.UUID]models.Deployment
	snapshots map[uuid.UUID]models.Snapshot
	rollbacks map[uuid.UUID]models.RollbackRecord
	alerts    map[uuid.UUID]models.AlertEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts: map[string]models.Artifact{},
		versions:  map[string]map[string]models.ArtifactVersion{},
		deploys:   map[uuid.UUID]models.Deployment{},
		snapshots: map[uuid.UUID]models.Snapshot{},
		rollbacks: map[uuid.UUID]models.RollbackRecord{},
		alerts:    map[uuid.UUID]models.AlertEvent{},
	}
}

func copyJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return append(json.RawMessage(nil), raw...)
}

func copyDeployment(d models.Deployment) models.Deployment {
	d.TrafficSplit = d.TrafficSplit.Clone()
	d.Events = append([]models.StageEvent(nil), d.Events...)
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		d.CompletedAt = &t
	}
	return d
}

func copySnapshot(s models.Snapshot) models.Snapshot {
	s.TrafficSplit = s.TrafficSplit.Clone()
	return s
}

func (m *MemoryStore) CreateArtifact(ctx context.Context, in ArtifactInput) (models.Artifact, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.artifacts[in.Name]; exists {
		return models.Artifact{}, ErrConflict
	}
	artifact := models.Artifact{
		ID:          in.ID,
		Name:        in.Name,
		Description: in.Description,
		CreatedAt:   time.Now().UTC(),
	}
	m.artifacts[artifact.Name] = artifact
	return artifact, nil
}

func (m *MemoryStore) GetArtifact(ctx context.Context, name string) (models.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	artifact, ok := m.artifacts[name]
	if !ok {
		return models.Artifact{}, ErrNotFound
	}
	return artifact, nil
}

func (m *MemoryStore) ListArtifacts(ctx context.Context, limit, offset int) ([]models.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var artifacts []models.Artifact
	for _, artifact := range m.artifacts {
		artifacts = append(artifacts, artifact)
	}
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].Name < artifacts[j].Name
	})
	return page(artifacts, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset > len(items) {
		offset = len(items)
	}
	limit = normalizeLimit(limit)
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	result := make([]T, end-offset)
	copy(result, items[offset:end])
	return result
}

func (m *MemoryStore) CreateVersion(ctx context.Context, in VersionInput) (models.ArtifactVersion, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byVersion, ok := m.versions[in.ArtifactName]
	if !ok {
		byVersion = map[string]models.ArtifactVersion{}
		m.versions[in.ArtifactName] = byVersion
	}
	if _, exists := byVersion[in.Version]; exists {
		return models.ArtifactVersion{}, ErrConflict
	}
	version := models.ArtifactVersion{
		ID:           in.ID,
		ArtifactName: in.ArtifactName,
		Version:      in.Version,
		Tag:          in.Tag,
		Metadata:     copyJSON(in.Metadata, "{}"),
		RegisteredAt: time.Now().UTC(),
	}
	byVersion[version.Version] = version
	return version, nil
}

func (m *MemoryStore) GetVersion(ctx context.Context, artifact, version string) (models.ArtifactVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[artifact][version]
	if !ok {
		return models.ArtifactVersion{}, ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) ListVersions(ctx context.Context, artifact string) ([]models.ArtifactVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var versions []models.ArtifactVersion
	for _, v := range m.versions[artifact] {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool {
		if !versions[i].RegisteredAt.Equal(versions[j].RegisteredAt) {
			return versions[i].RegisteredAt.Before(versions[j].RegisteredAt)
		}
		return versions[i].Version < versions[j].Version
	})
	return versions, nil
}

func (m *MemoryStore) CreateDeployment(ctx context.Context, in DeploymentInput) (models.Deployment, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := time.Now().UTC()
	deployment := models.Deployment{
		ID:            in.ID,
		ArtifactName:  in.ArtifactName,
		TargetVersion: in.TargetVersion,
		Strategy:      in.Strategy,
		State:         in.State,
		TrafficSplit:  in.TrafficSplit.Clone(),
		StageIndex:    in.StageIndex,
		StartedAt:     now,
		UpdatedAt:     now,
		Events:        append([]models.StageEvent(nil), in.Events...),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deploys[deployment.ID] = deployment
	return copyDeployment(deployment), nil
}

func (m *MemoryStore) GetDeployment(ctx context.Context, id uuid.UUID) (models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	deployment, ok := m.deploys[id]
	if !ok {
		return models.Deployment{}, ErrNotFound
	}
	return copyDeployment(deployment), nil
}

func (m *MemoryStore) UpdateDeployment(ctx context.Context, in DeploymentUpdate) (models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deployment, ok := m.deploys[in.ID]
	if !ok {
		return models.Deployment{}, ErrNotFound
	}
	deployment.State = in.State
	deployment.TrafficSplit = in.TrafficSplit.Clone()
	deployment.StageIndex = in.StageIndex
	deployment.CompletedAt = nil
	if in.CompletedAt != nil {
		t := *in.CompletedAt
		deployment.CompletedAt = &t
	}
	deployment.Events = append([]models.StageEvent(nil), in.Events...)
	deployment.UpdatedAt = time.Now().UTC()
	m.deploys[in.ID] = deployment
	return copyDeployment(deployment), nil
}

func (m *MemoryStore) ListDeployments(ctx context.Context, filter ListDeploymentsFilter) ([]models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var deployments []models.Deployment
	for _, deployment := range m.deploys {
		if filter.ArtifactName != "" && deployment.ArtifactName != filter.ArtifactName {
			continue
		}
		if filter.OnlyCompleted && deployment.CompletedAt == nil {
			continue
		}
		deployments = append(deployments, copyDeployment(deployment))
	}
	if filter.OnlyCompleted {
		sort.Slice(deployments, func(i, j int) bool {
			if !deployments[i].CompletedAt.Equal(*deployments[j].CompletedAt) {
				return deployments[i].CompletedAt.After(*deployments[j].CompletedAt)
			}
			return deployments[i].StartedAt.After(deployments[j].StartedAt)
		})
	} else {
		sort.Slice(deployments, func(i, j int) bool {
			return deployments[i].StartedAt.After(deployments[j].StartedAt)
		})
	}
	return page(deployments, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) CreateSnapshot(ctx context.Context, in SnapshotInput) (models.Snapshot, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	snapshot := models.Snapshot{
		ID:            in.ID,
		ArtifactName:  in.ArtifactName,
		DeploymentID:  in.DeploymentID,
		ActiveVersion: in.ActiveVersion,
		TrafficSplit:  in.TrafficSplit.Clone(),
		CapturedAt:    time.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snapshot.ID] = snapshot
	return copySnapshot(snapshot), nil
}

func (m *MemoryStore) GetSnapshot(ctx context.Context, id uuid.UUID) (models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.snapshots[id]
	if !ok {
		return models.Snapshot{}, ErrNotFound
	}
	return copySnapshot(snapshot), nil
}

func (m *MemoryStore) LatestSnapshotForVersion(ctx context.Context, artifact, version string) (models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest models.Snapshot
		found  bool
	)
	for _, snapshot := range m.snapshots {
		if snapshot.ArtifactName != artifact || snapshot.ActiveVersion != version {
			continue
		}
		if !found || snapshot.CapturedAt.After(latest.CapturedAt) {
			latest = snapshot
			found = true
		}
	}
	if !found {
		return models.Snapshot{}, ErrNotFound
	}
	return copySnapshot(latest), nil
}

func (m *MemoryStore) ListSnapshots(ctx context.Context, filter ListSnapshotsFilter) ([]models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var snapshots []models.Snapshot
	for _, snapshot := range m.snapshots {
		if filter.ArtifactName != "" && snapshot.ArtifactName != filter.ArtifactName {
			continue
		}
		if filter.ActiveVersion != "" && snapshot.ActiveVersion != filter.ActiveVersion {
			continue
		}
		snapshots = append(snapshots, copySnapshot(snapshot))
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CapturedAt.After(snapshots[j].CapturedAt)
	})
	return page(snapshots, filter.Limit, 0), nil
}

func (m *MemoryStore) CreateRollbackRecord(ctx context.Context, in RollbackInput) (models.RollbackRecord, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	record := models.RollbackRecord{
		ID:           in.ID,
		ArtifactName: in.ArtifactName,
		FromVersion:  in.FromVersion,
		ToVersion:    in.ToVersion,
		Trigger:      in.Trigger,
		Reason:       in.Reason,
		CreatedAt:    time.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks[record.ID] = record
	return record, nil
}

func (m *MemoryStore) ListRollbackRecords(ctx context.Context, artifact string, limit int) ([]models.RollbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var records []models.RollbackRecord
	for _, record := range m.rollbacks {
		if record.ArtifactName == artifact {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return page(records, limit, 0), nil
}

func (m *MemoryStore) CreateAlertEvent(ctx context.Context, in AlertInput) (models.AlertEvent, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	alert := models.AlertEvent{
		ID:           in.ID,
		ArtifactName: in.ArtifactName,
		Version:      in.Version,
		MetricName:   in.MetricName,
		Threshold:    in.Threshold,
		Observed:     in.Observed,
		CreatedAt:    time.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[alert.ID] = alert
	return alert, nil
}

func (m *MemoryStore) ListAlertEvents(ctx context.Context, filter ListAlertsFilter) ([]models.AlertEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var alerts []models.AlertEvent
	for _, alert := range m.alerts {
		if filter.ArtifactName != "" && alert.ArtifactName != filter.ArtifactName {
			continue
		}
		if filter.Version != "" && alert.Version != filter.Version {
			continue
		}
		alerts = append(alerts, alert)
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
	return page(alerts, filter.Limit, 0), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
