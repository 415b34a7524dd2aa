// Package snapshot captures and serves traffic snapshots, the restore points
// every rollback resolves against.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/modelfleet/modelfleet/internal/archive"
	"github.com/modelfleet/modelfleet/internal/models"
	"github.com/modelfleet/modelfleet/internal/store"
)

var (
	ErrSnapshotNotFound     = errors.New("snapshot not found")
	ErrVersionNeverDeployed = errors.New("version has never been deployed")
)

const archiveTimeout = 30 * time.Second

// Manager persists snapshots and, when an archiver is configured, mirrors
// each one to object storage. Archiving is best-effort: an upload failure is
// logged and never blocks or fails the capture.
type Manager struct {
	store    store.Store
	archiver archive.Archiver
	logger   *log.Logger
}

func NewManager(st store.Store, archiver archive.Archiver, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stdout, "[snapshot] ", log.LstdFlags)
	}
	return &Manager{store: st, archiver: archiver, logger: logger}
}

// Capture records the serving state of an artifact at this instant. An
// artifact that has never served captures the empty baseline: no active
// version, no split.
func (m *Manager) Capture(ctx context.Context, artifact string, deploymentID uuid.UUID, activeVersion string, split models.TrafficSplit) (models.Snapshot, error) {
	snap, err := m.store.CreateSnapshot(ctx, store.SnapshotInput{
		ArtifactName:  artifact,
		DeploymentID:  deploymentID,
		ActiveVersion: activeVersion,
		TrafficSplit:  split.Clone(),
	})
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("capture snapshot: %w", err)
	}

	if m.archiver != nil {
		go func(s models.Snapshot) {
			actx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
			defer cancel()
			if err := m.archiver.ArchiveSnapshot(actx, &s); err != nil {
				m.logger.Printf("archive snapshot %s: %v", s.ID, err)
			}
		}(snap)
	}
	return snap, nil
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (models.Snapshot, error) {
	snap, err := m.store.GetSnapshot(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Snapshot{}, ErrSnapshotNotFound
		}
		return models.Snapshot{}, err
	}
	return snap, nil
}

// LatestForVersion resolves the most recent snapshot in which the given
// version was the active one. A version that never reached active has no
// such snapshot.
func (m *Manager) LatestForVersion(ctx context.Context, artifact, version string) (models.Snapshot, error) {
	snap, err := m.store.LatestSnapshotForVersion(ctx, artifact, version)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Snapshot{}, ErrVersionNeverDeployed
		}
		return models.Snapshot{}, err
	}
	return snap, nil
}

func (m *Manager) List(ctx context.Context, filter store.ListSnapshotsFilter) ([]models.Snapshot, error) {
	return m.store.ListSnapshots(ctx, filter)
}
