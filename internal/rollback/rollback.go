// Package rollback restores artifacts to known-good serving configurations.
// The controller resolves which snapshot a rollback request means, delegates
// the restore to the orchestrator, and runs the automatic alert-driven
// rollback loop.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/modelfleet/modelfleet/internal/deploy"
	"github.com/modelfleet/modelfleet/internal/metrics"
	"github.com/modelfleet/modelfleet/internal/models"
	"github.com/modelfleet/modelfleet/internal/snapshot"
	"github.com/modelfleet/modelfleet/internal/store"
)

var ErrNoPriorDeployment = errors.New("no prior completed deployment")

// EventPublisher forwards alerts and rollback records to an external bus.
// Both calls are best-effort from the controller's point of view.
type EventPublisher interface {
	PublishAlert(ctx context.Context, ev models.AlertEvent) error
	PublishRollback(ctx context.Context, rec models.RollbackRecord) error
}

type Config struct {
	Store      store.Store
	Snapshots  *snapshot.Manager
	Orch       *deploy.Orchestrator
	Aggregator *metrics.Aggregator
	// Publisher is optional; nil disables external event publishing.
	Publisher EventPublisher
	// Alerts is the aggregator's sink; Run is its sole consumer.
	Alerts <-chan models.AlertEvent
	Logger *log.Logger
}

type Controller struct {
	store      store.Store
	snapshots  *snapshot.Manager
	orch       *deploy.Orchestrator
	aggregator *metrics.Aggregator
	publisher  EventPublisher
	alerts     <-chan models.AlertEvent
	logger     *log.Logger
}

func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[rollback] ", log.LstdFlags)
	}
	return &Controller{
		store:      cfg.Store,
		snapshots:  cfg.Snapshots,
		orch:       cfg.Orch,
		aggregator: cfg.Aggregator,
		publisher:  cfg.Publisher,
		alerts:     cfg.Alerts,
		logger:     logger,
	}
}

// RestoreSnapshot reinstates an explicit snapshot's serving state.
func (c *Controller) RestoreSnapshot(ctx context.Context, snapshotID uuid.UUID, trigger models.RollbackTrigger, reason string) (models.RollbackRecord, error) {
	snap, err := c.snapshots.Get(ctx, snapshotID)
	if err != nil {
		return models.RollbackRecord{}, err
	}
	target, err := c.rollbackTarget(ctx, snap.ArtifactName)
	if err != nil {
		return models.RollbackRecord{}, err
	}
	if reason == "" {
		reason = fmt.Sprintf("snapshot %s restored", snap.ID)
	}
	return c.forceRollback(ctx, target, snap, trigger, reason)
}

// RollbackToPrevious restores the version that was active before the current
// one: the target of the second most recent deployment that ever completed.
func (c *Controller) RollbackToPrevious(ctx context.Context, artifact string, trigger models.RollbackTrigger, reason string) (models.RollbackRecord, error) {
	completed, err := c.store.ListDeployments(ctx, store.ListDeploymentsFilter{
		ArtifactName:  artifact,
		OnlyCompleted: true,
		Limit:         2,
	})
	if err != nil {
		return models.RollbackRecord{}, err
	}
	if len(completed) < 2 {
		return models.RollbackRecord{}, fmt.Errorf("%w: %s has %d completed deployments", ErrNoPriorDeployment, artifact, len(completed))
	}
	previous := completed[1]

	snap, err := c.snapshots.LatestForVersion(ctx, artifact, previous.TargetVersion)
	if err != nil {
		return models.RollbackRecord{}, err
	}
	target, err := c.rollbackTarget(ctx, artifact)
	if err != nil {
		return models.RollbackRecord{}, err
	}
	return c.forceRollback(ctx, target, snap, trigger, reason)
}

// RollbackToVersion restores the most recent snapshot in which the named
// version was active. A version that never served fails with
// ErrVersionNeverDeployed and changes nothing.
func (c *Controller) RollbackToVersion(ctx context.Context, artifact, version string, trigger models.RollbackTrigger, reason string) (models.RollbackRecord, error) {
	snap, err := c.snapshots.LatestForVersion(ctx, artifact, version)
	if err != nil {
		return models.RollbackRecord{}, err
	}
	target, err := c.rollbackTarget(ctx, artifact)
	if err != nil {
		return models.RollbackRecord{}, err
	}
	if reason == "" {
		reason = fmt.Sprintf("rollback to %s requested", version)
	}
	return c.forceRollback(ctx, target, snap, trigger, reason)
}

// rollbackTarget picks the deployment a rollback terminates: an in-flight
// deployment is cancelled, otherwise the most recent completed one is undone.
func (c *Controller) rollbackTarget(ctx context.Context, artifact string) (uuid.UUID, error) {
	if d, ok := c.orch.InFlightFor(artifact); ok {
		return d.ID, nil
	}
	completed, err := c.store.ListDeployments(ctx, store.ListDeploymentsFilter{
		ArtifactName:  artifact,
		OnlyCompleted: true,
		Limit:         1,
	})
	if err != nil {
		return uuid.Nil, err
	}
	if len(completed) == 0 {
		return uuid.Nil, fmt.Errorf("%w: %s has never completed a deployment", ErrNoPriorDeployment, artifact)
	}
	return completed[0].ID, nil
}

func (c *Controller) forceRollback(ctx context.Context, deploymentID uuid.UUID, snap models.Snapshot, trigger models.RollbackTrigger, reason string) (models.RollbackRecord, error) {
	record, err := c.orch.ForceRollback(ctx, deploymentID, snap, trigger, reason)
	if err != nil {
		return models.RollbackRecord{}, err
	}
	if c.publisher != nil {
		if err := c.publisher.PublishRollback(ctx, record); err != nil {
			c.logger.Printf("publish rollback record %s: %v", record.ID, err)
		}
	}
	return record, nil
}

// EnableAutoRollback arms continuous error-rate watching for the artifact.
// The watch is one-shot: the first automatic rollback attempt disarms it
// until an operator re-arms.
func (c *Controller) EnableAutoRollback(artifact string, errorThreshold float64) {
	c.aggregator.Watch(artifact, models.Thresholds{MaxErrorRate: &errorThreshold})
	c.logger.Printf("auto-rollback armed for %s at error_rate>%.4g", artifact, errorThreshold)
}

// DisableAutoRollback disarms the artifact's watch.
func (c *Controller) DisableAutoRollback(artifact string) {
	c.aggregator.Unwatch(artifact)
	c.logger.Printf("auto-rollback disarmed for %s", artifact)
}

// AutoRollbackCheck evaluates the artifact's active version against the given
// thresholds right now. An error-rate breach rolls back to the previous
// version and returns the record; nil means nothing breached.
func (c *Controller) AutoRollbackCheck(ctx context.Context, artifact string, thresholds models.Thresholds) (*models.RollbackRecord, error) {
	active := c.orch.ActiveVersion(artifact)
	if active == "" {
		return nil, nil
	}
	for _, alert := range c.aggregator.EvaluateAlerts(artifact, active, thresholds) {
		c.persistAlert(ctx, alert)
		if alert.MetricName != models.MetricErrorRate {
			continue
		}
		record, err := c.RollbackToPrevious(ctx, artifact, models.TriggerAutomatic, breachReason(alert))
		if err != nil {
			return nil, err
		}
		return &record, nil
	}
	return nil, nil
}

// Run consumes the aggregator's alert channel until ctx is cancelled. It is
// the single automated feedback path from metrics into rollbacks: every event
// is persisted and published, and an error-rate breach of a watched
// artifact's active version triggers a rollback to the previous version.
func (c *Controller) Run(ctx context.Context) {
	c.logger.Printf("alert loop started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Printf("alert loop stopped: %v", ctx.Err())
			return
		case alert, ok := <-c.alerts:
			if !ok {
				c.logger.Printf("alert channel closed")
				return
			}
			c.handleAlert(ctx, alert)
		}
	}
}

func (c *Controller) handleAlert(ctx context.Context, alert models.AlertEvent) {
	c.persistAlert(ctx, alert)
	if c.publisher != nil {
		if err := c.publisher.PublishAlert(ctx, alert); err != nil {
			c.logger.Printf("publish alert %s/%s %s: %v", alert.ArtifactName, alert.Version, alert.MetricName, err)
		}
	}

	if alert.MetricName != models.MetricErrorRate {
		return
	}
	if alert.Version != c.orch.ActiveVersion(alert.ArtifactName) {
		return
	}
	if _, armed := c.aggregator.Watched(alert.ArtifactName); !armed {
		return
	}

	// One-shot: disarm before acting so samples recorded mid-rollback cannot
	// re-trigger.
	c.aggregator.Unwatch(alert.ArtifactName)

	record, err := c.RollbackToPrevious(ctx, alert.ArtifactName, models.TriggerAutomatic, breachReason(alert))
	if err != nil {
		c.logger.Printf("automatic rollback of %s: %v", alert.ArtifactName, err)
		return
	}
	c.logger.Printf("automatic rollback of %s: %s -> %s (%s)", alert.ArtifactName, record.FromVersion, record.ToVersion, record.Reason)
}

func (c *Controller) persistAlert(ctx context.Context, alert models.AlertEvent) {
	_, err := c.store.CreateAlertEvent(ctx, store.AlertInput{
		ID:           alert.ID,
		ArtifactName: alert.ArtifactName,
		Version:      alert.Version,
		MetricName:   alert.MetricName,
		Threshold:    alert.Threshold,
		Observed:     alert.Observed,
	})
	if err != nil {
		c.logger.Printf("persist alert %s/%s %s: %v", alert.ArtifactName, alert.Version, alert.MetricName, err)
	}
}

func breachReason(alert models.AlertEvent) string {
	return fmt.Sprintf("%s>%.4g observed=%.4g", alert.MetricName, alert.Threshold, alert.Observed)
}
