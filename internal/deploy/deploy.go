// Package deploy drives model deployments through their protocol stages. The
// orchestrator owns each artifact's runtime serving state (current split,
// active version, in-flight deployment) and is the only writer of traffic
// mutations; every transition is written through to the store and mirrored to
// the traffic publisher.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelfleet/modelfleet/internal/health"
	"github.com/modelfleet/modelfleet/internal/models"
	"github.com/modelfleet/modelfleet/internal/obs"
	"github.com/modelfleet/modelfleet/internal/snapshot"
	"github.com/modelfleet/modelfleet/internal/store"
	"github.com/modelfleet/modelfleet/internal/traffic"
)

var (
	ErrArtifactNotFound     = errors.New("artifact not found")
	ErrVersionNotRegistered = errors.New("version not registered")
	ErrInvalidStrategy      = errors.New("invalid deployment strategy")
	ErrDeploymentInProgress = errors.New("deployment already in progress")
	ErrDeploymentNotFound   = errors.New("deployment not found")
	ErrSplitInvariant       = errors.New("traffic split must sum to 100")
)

// DefaultCanaryStages is the ramp schedule used when no policy overrides it.
var DefaultCanaryStages = []int{10, 50, 100}

const (
	DefaultStageWindow  = 30 * time.Second
	DefaultCheckTimeout = 5 * time.Second
)

// MetricSource is the aggregator view consulted during canary verification.
type MetricSource interface {
	EvaluateAlerts(artifact, version string, thresholds models.Thresholds) []models.AlertEvent
}

type Config struct {
	Store     store.Store
	Snapshots *snapshot.Manager
	Checker   health.Checker
	Publisher traffic.Publisher
	// Metrics gates canary stages when set; stages fail on any breach of
	// Thresholds.
	Metrics    MetricSource
	Thresholds models.Thresholds
	// CanaryStages overrides the ramp schedule (strictly increasing, ending
	// at 100); nil selects DefaultCanaryStages.
	CanaryStages []int
	// StageWindow is the canary soak: Advance while a stage has been staged
	// for less than this is a no-op. Zero disables soaking.
	StageWindow  time.Duration
	CheckTimeout time.Duration
	Logger       *log.Logger
}

type Orchestrator struct {
	store        store.Store
	snapshots    *snapshot.Manager
	checker      health.Checker
	publisher    traffic.Publisher
	metrics      MetricSource
	thresholds   models.Thresholds
	canaryStages []int
	stageWindow  time.Duration
	checkTimeout time.Duration
	logger       *log.Logger

	mu    sync.RWMutex
	arena map[string]*artifactState
}

// artifactState is one arena entry; its mutex serializes every mutation of
// the artifact's serving state, including the health check inside Advance.
type artifactState struct {
	mu      sync.Mutex
	split   models.TrafficSplit
	active  string
	current *models.Deployment
	plan    *stagePlan
	preSnap models.Snapshot
}

func NewOrchestrator(cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:        cfg.Store,
		snapshots:    cfg.Snapshots,
		checker:      cfg.Checker,
		publisher:    cfg.Publisher,
		metrics:      cfg.Metrics,
		thresholds:   cfg.Thresholds,
		canaryStages: cfg.CanaryStages,
		stageWindow:  cfg.StageWindow,
		checkTimeout: cfg.CheckTimeout,
		logger:       cfg.Logger,
		arena:        map[string]*artifactState{},
	}
	if len(o.canaryStages) == 0 {
		o.canaryStages = DefaultCanaryStages
	}
	if o.checkTimeout <= 0 {
		o.checkTimeout = DefaultCheckTimeout
	}
	if o.checker == nil {
		o.checker = health.NewStaticChecker()
	}
	if o.publisher == nil {
		o.publisher = traffic.NopPublisher{}
	}
	if o.logger == nil {
		o.logger = log.New(os.Stdout, "[orchestrator] ", log.LstdFlags)
	}
	return o
}

func (o *Orchestrator) state(artifact string) *artifactState {
	o.mu.RLock()
	st, ok := o.arena[artifact]
	o.mu.RUnlock()
	if ok {
		return st
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok = o.arena[artifact]; ok {
		return st
	}
	st = &artifactState{split: models.TrafficSplit{}}
	o.arena[artifact] = st
	return st
}

func (o *Orchestrator) peekState(artifact string) (*artifactState, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.arena[artifact]
	return st, ok
}

// Deploy validates the request, captures the pre-deployment snapshot, and
// persists the deployment in PENDING. No traffic moves until the first
// Advance.
func (o *Orchestrator) Deploy(ctx context.Context, artifact, version string, strategy models.Strategy) (models.Deployment, error) {
	if !validStrategy(strategy) {
		return models.Deployment{}, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}
	if _, err := o.store.GetArtifact(ctx, artifact); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Deployment{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, artifact)
		}
		return models.Deployment{}, err
	}
	if _, err := o.store.GetVersion(ctx, artifact, version); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Deployment{}, fmt.Errorf("%w: %s@%s", ErrVersionNotRegistered, artifact, version)
		}
		return models.Deployment{}, err
	}

	st := o.state(artifact)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.current != nil {
		return models.Deployment{}, fmt.Errorf("%w: deployment %s targets %s", ErrDeploymentInProgress, st.current.ID, st.current.TargetVersion)
	}

	plan, err := buildPlan(strategy, version, st.active, st.split, o.canaryStages)
	if err != nil {
		return models.Deployment{}, err
	}

	id := uuid.New()
	preSnap, err := o.snapshots.Capture(ctx, artifact, id, st.active, st.split)
	if err != nil {
		return models.Deployment{}, err
	}

	dep, err := o.store.CreateDeployment(ctx, store.DeploymentInput{
		ID:            id,
		ArtifactName:  artifact,
		TargetVersion: version,
		Strategy:      strategy,
		State:         models.DeploymentPending,
		TrafficSplit:  st.split.Clone(),
		StageIndex:    0,
	})
	if err != nil {
		return models.Deployment{}, fmt.Errorf("create deployment: %w", err)
	}

	st.current = &dep
	st.plan = plan
	st.preSnap = preSnap
	obs.DeploymentsStarted.WithLabelValues(string(strategy)).Inc()
	o.logger.Printf("deployment %s registered: %s@%s via %s", dep.ID, artifact, version, strategy)
	return copyDeployment(dep), nil
}

// Advance drives exactly one state transition. Calling it on a terminal
// deployment, or during an unexpired canary soak, is a no-op so a periodic
// driver can poll freely.
func (o *Orchestrator) Advance(ctx context.Context, id uuid.UUID) (models.Deployment, error) {
	row, err := o.store.GetDeployment(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Deployment{}, fmt.Errorf("%w: %s", ErrDeploymentNotFound, id)
		}
		return models.Deployment{}, err
	}

	st := o.state(row.ArtifactName)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.current == nil || st.current.ID != id {
		if row.State.Terminal() {
			return row, nil
		}
		return models.Deployment{}, fmt.Errorf("deployment %s is not driven by this process", id)
	}
	d := st.current

	switch d.State {
	case models.DeploymentPending:
		return o.enterStage(ctx, st, d, 0)
	case models.DeploymentStaging:
		if o.soaking(d) {
			return copyDeployment(*d), nil
		}
		updated, err := o.persistTransition(ctx, d, models.DeploymentVerifying, d.TrafficSplit, d.StageIndex, nil, "")
		if err != nil {
			return models.Deployment{}, err
		}
		return copyDeployment(updated), nil
	case models.DeploymentVerifying:
		return o.leaveVerifying(ctx, st, d)
	default:
		return copyDeployment(*d), nil
	}
}

func (o *Orchestrator) soaking(d *models.Deployment) bool {
	return d.Strategy == models.StrategyCanary &&
		o.stageWindow > 0 &&
		time.Since(d.UpdatedAt) < o.stageWindow
}

func (o *Orchestrator) leaveVerifying(ctx context.Context, st *artifactState, d *models.Deployment) (models.Deployment, error) {
	percent := st.plan.stages[d.StageIndex][d.TargetVersion]
	res, err := o.runCheck(ctx, d, percent)
	if err != nil {
		return o.failDeployment(ctx, st, d, fmt.Sprintf("health check failed: %v", err))
	}
	if !res.Healthy {
		return o.failDeployment(ctx, st, d, "health check reported unhealthy")
	}

	if d.Strategy == models.StrategyCanary && o.metrics != nil && o.thresholds.Configured() {
		if alerts := o.metrics.EvaluateAlerts(d.ArtifactName, d.TargetVersion, o.thresholds); len(alerts) > 0 {
			a := alerts[0]
			return o.failDeployment(ctx, st, d, fmt.Sprintf("metric gate: %s %.4g exceeds %.4g", a.MetricName, a.Observed, a.Threshold))
		}
	}

	if d.StageIndex == len(st.plan.stages)-1 {
		return o.activate(ctx, st, d)
	}
	return o.enterStage(ctx, st, d, d.StageIndex+1)
}

// runCheck wraps the health checker in the configured timeout; an error or
// deadline counts as an unhealthy verdict at the call site.
func (o *Orchestrator) runCheck(ctx context.Context, d *models.Deployment, percent int) (health.Result, error) {
	cctx, cancel := context.WithTimeout(ctx, o.checkTimeout)
	defer cancel()
	start := time.Now()
	res, err := o.checker.Check(cctx, health.Probe{
		Artifact:       d.ArtifactName,
		Version:        d.TargetVersion,
		TrafficPercent: percent,
	})
	obs.HealthCheckDuration.Observe(time.Since(start).Seconds())
	return res, err
}

func (o *Orchestrator) enterStage(ctx context.Context, st *artifactState, d *models.Deployment, idx int) (models.Deployment, error) {
	split := st.plan.stages[idx].Clone()
	if !split.Valid() {
		return models.Deployment{}, fmt.Errorf("%w: stage %d sums to %d", ErrSplitInvariant, idx, split.Sum())
	}
	reason := fmt.Sprintf("stage %d traffic applied", idx)
	updated, err := o.persistTransition(ctx, d, models.DeploymentStaging, split, idx, nil, reason)
	if err != nil {
		return models.Deployment{}, err
	}
	st.split = split.Clone()
	o.publish(ctx, updated.ArtifactName, st.split)
	return copyDeployment(updated), nil
}

func (o *Orchestrator) activate(ctx context.Context, st *artifactState, d *models.Deployment) (models.Deployment, error) {
	final := st.plan.final.Clone()
	if !final.Valid() {
		return models.Deployment{}, fmt.Errorf("%w: final split sums to %d", ErrSplitInvariant, final.Sum())
	}
	now := time.Now().UTC()
	updated, err := o.persistTransition(ctx, d, models.DeploymentActive, final, d.StageIndex, &now, "all stages verified")
	if err != nil {
		return models.Deployment{}, err
	}

	st.split = final.Clone()
	st.active = updated.TargetVersion
	st.current = nil
	st.plan = nil
	o.publish(ctx, updated.ArtifactName, st.split)

	// The activation snapshot is what lets a later rollbackToVersion find
	// this version; losing it only narrows rollback choices, so log and move on.
	if _, err := o.snapshots.Capture(ctx, updated.ArtifactName, updated.ID, updated.TargetVersion, final); err != nil {
		o.logger.Printf("activation snapshot for %s: %v", updated.ArtifactName, err)
	}

	obs.DeploymentsCompleted.WithLabelValues(string(updated.Strategy), "active").Inc()
	o.logger.Printf("deployment %s active: %s@%s", updated.ID, updated.ArtifactName, updated.TargetVersion)
	return copyDeployment(updated), nil
}

// failDeployment is the single external-failure path: the split reverts to
// the pre-deployment snapshot and the deployment terminates as FAILED with
// the reason in its event log.
func (o *Orchestrator) failDeployment(ctx context.Context, st *artifactState, d *models.Deployment, reason string) (models.Deployment, error) {
	restore := st.preSnap.TrafficSplit.Clone()
	updated, err := o.persistTransition(ctx, d, models.DeploymentFailed, restore, d.StageIndex, nil, reason)
	if err != nil {
		return models.Deployment{}, err
	}

	st.split = restore.Clone()
	st.active = st.preSnap.ActiveVersion
	st.current = nil
	st.plan = nil
	o.publish(ctx, updated.ArtifactName, st.split)

	obs.DeploymentsCompleted.WithLabelValues(string(updated.Strategy), "failed").Inc()
	o.logger.Printf("deployment %s failed: %s", updated.ID, reason)
	return copyDeployment(updated), nil
}

// ForceRollback unconditionally restores a snapshot's serving state and marks
// the deployment ROLLED_BACK, recording the rollback. It serves both
// cancellation of an in-flight deployment and rollback of a completed one.
func (o *Orchestrator) ForceRollback(ctx context.Context, deploymentID uuid.UUID, snap models.Snapshot, trigger models.RollbackTrigger, reason string) (models.RollbackRecord, error) {
	row, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.RollbackRecord{}, fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
		}
		return models.RollbackRecord{}, err
	}
	restore := snap.TrafficSplit.Clone()
	if !restore.Valid() {
		return models.RollbackRecord{}, fmt.Errorf("%w: snapshot %s sums to %d", ErrSplitInvariant, snap.ID, restore.Sum())
	}

	st := o.state(row.ArtifactName)
	st.mu.Lock()
	defer st.mu.Unlock()

	d := row
	wasInFlight := st.current != nil && st.current.ID == deploymentID
	if wasInFlight {
		d = *st.current
	}
	fromVersion := st.active

	events := append(d.Events, models.StageEvent{
		From:   d.State,
		To:     models.DeploymentRolledBack,
		Reason: reason,
		At:     time.Now().UTC(),
	})
	updated, err := o.store.UpdateDeployment(ctx, store.DeploymentUpdate{
		ID:           d.ID,
		State:        models.DeploymentRolledBack,
		TrafficSplit: restore,
		StageIndex:   d.StageIndex,
		CompletedAt:  d.CompletedAt,
		Events:       events,
	})
	if err != nil {
		return models.RollbackRecord{}, fmt.Errorf("persist rollback: %w", err)
	}

	st.split = restore.Clone()
	st.active = snap.ActiveVersion
	if wasInFlight {
		st.current = nil
		st.plan = nil
		obs.DeploymentsCompleted.WithLabelValues(string(updated.Strategy), "rolled_back").Inc()
	}
	o.publish(ctx, updated.ArtifactName, st.split)
	obs.StageTransitions.WithLabelValues(string(models.DeploymentRolledBack)).Inc()

	record, err := o.store.CreateRollbackRecord(ctx, store.RollbackInput{
		ArtifactName: updated.ArtifactName,
		FromVersion:  fromVersion,
		ToVersion:    snap.ActiveVersion,
		Trigger:      trigger,
		Reason:       reason,
	})
	if err != nil {
		return models.RollbackRecord{}, fmt.Errorf("record rollback: %w", err)
	}

	// Re-capture the restored state so the newest snapshot always describes
	// what is serving now, which startup rehydration depends on.
	if _, err := o.snapshots.Capture(ctx, updated.ArtifactName, updated.ID, st.active, st.split); err != nil {
		o.logger.Printf("rollback snapshot for %s: %v", updated.ArtifactName, err)
	}

	obs.Rollbacks.WithLabelValues(string(trigger)).Inc()
	o.logger.Printf("rollback %s: %s -> %s (%s)", updated.ArtifactName, versionLabel(fromVersion), versionLabel(snap.ActiveVersion), trigger)
	return record, nil
}

// State reads a deployment as last persisted.
func (o *Orchestrator) State(ctx context.Context, id uuid.UUID) (models.Deployment, error) {
	d, err := o.store.GetDeployment(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Deployment{}, fmt.Errorf("%w: %s", ErrDeploymentNotFound, id)
		}
		return models.Deployment{}, err
	}
	return d, nil
}

// CurrentSplit returns a copy of the artifact's live serving split; empty for
// an artifact that has never served in this process.
func (o *Orchestrator) CurrentSplit(artifact string) models.TrafficSplit {
	st, ok := o.peekState(artifact)
	if !ok {
		return models.TrafficSplit{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.split.Clone()
}

// ActiveVersion returns the version currently holding the artifact's serving
// role, or "" when none does.
func (o *Orchestrator) ActiveVersion(artifact string) string {
	st, ok := o.peekState(artifact)
	if !ok {
		return ""
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active
}

// InFlightFor returns the artifact's non-terminal deployment, if one exists.
func (o *Orchestrator) InFlightFor(artifact string) (models.Deployment, bool) {
	st, ok := o.peekState(artifact)
	if !ok {
		return models.Deployment{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.current == nil {
		return models.Deployment{}, false
	}
	return copyDeployment(*st.current), true
}

// InFlight snapshots every non-terminal deployment currently driven by this
// process.
func (o *Orchestrator) InFlight() []models.Deployment {
	o.mu.RLock()
	states := make([]*artifactState, 0, len(o.arena))
	for _, st := range o.arena {
		states = append(states, st)
	}
	o.mu.RUnlock()

	var out []models.Deployment
	for _, st := range states {
		st.mu.Lock()
		if st.current != nil {
			out = append(out, copyDeployment(*st.current))
		}
		st.mu.Unlock()
	}
	return out
}

// Seed primes an artifact's serving state, used at startup to rehydrate the
// arena from the latest snapshot so reads survive a restart.
func (o *Orchestrator) Seed(artifact, activeVersion string, split models.TrafficSplit) {
	st := o.state(artifact)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.current != nil {
		return
	}
	st.active = activeVersion
	st.split = split.Clone()
}

func (o *Orchestrator) persistTransition(ctx context.Context, d *models.Deployment, to models.DeploymentState, split models.TrafficSplit, stageIndex int, completedAt *time.Time, reason string) (models.Deployment, error) {
	events := append(d.Events, models.StageEvent{
		From:   d.State,
		To:     to,
		Reason: reason,
		At:     time.Now().UTC(),
	})
	updated, err := o.store.UpdateDeployment(ctx, store.DeploymentUpdate{
		ID:           d.ID,
		State:        to,
		TrafficSplit: split.Clone(),
		StageIndex:   stageIndex,
		CompletedAt:  completedAt,
		Events:       events,
	})
	if err != nil {
		return models.Deployment{}, fmt.Errorf("persist transition to %s: %w", to, err)
	}
	*d = updated
	obs.StageTransitions.WithLabelValues(string(to)).Inc()
	return updated, nil
}

// publish mirrors the split outward; the mirror is advisory, so a failure is
// logged rather than unwinding the transition.
func (o *Orchestrator) publish(ctx context.Context, artifact string, split models.TrafficSplit) {
	if err := o.publisher.PublishSplit(ctx, artifact, split.Clone()); err != nil {
		o.logger.Printf("publish split for %s: %v", artifact, err)
	}
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

func versionLabel(v string) string {
	if v == "" {
		return "(none)"
	}
	return v
}
