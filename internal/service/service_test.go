package service

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelfleet/modelfleet/internal/deploy"
	"github.com/modelfleet/modelfleet/internal/metrics"
	"github.com/modelfleet/modelfleet/internal/models"
	"github.com/modelfleet/modelfleet/internal/rollback"
	"github.com/modelfleet/modelfleet/internal/semver"
	"github.com/modelfleet/modelfleet/internal/snapshot"
	"github.com/modelfleet/modelfleet/internal/store"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func floatPtr(v float64) *float64 { return &v }

func newService(t *testing.T) *Service {
	t.Helper()
	st := store.NewMemoryStore()
	snaps := snapshot.NewManager(st, nil, testLogger())
	agg := metrics.NewAggregator(metrics.Config{})
	orch := deploy.NewOrchestrator(deploy.Config{
		Store:     st,
		Snapshots: snaps,
		Logger:    testLogger(),
	})
	ctrl := rollback.NewController(rollback.Config{
		Store:      st,
		Snapshots:  snaps,
		Orch:       orch,
		Aggregator: agg,
		Logger:     testLogger(),
	})
	return New(st, orch, ctrl, agg, snaps, models.Thresholds{MaxErrorRate: floatPtr(0.1)})
}

// seedArtifact registers "summarizer" with versions 1.0.0, 1.2.0, and 1.10.0.
func seedArtifact(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.RegisterArtifact(ctx, RegisterArtifactRequest{Name: "summarizer", Description: "text summarizer"})
	require.NoError(t, err)
	for _, v := range []string{"1.0.0", "1.2.0", "1.10.0"} {
		_, err := svc.RegisterVersion(ctx, RegisterVersionRequest{ArtifactName: "summarizer", Version: v})
		require.NoError(t, err)
	}
}

// activate drives a fresh deployment through every stage until it completes.
func activate(t *testing.T, svc *Service, artifact, version, strategy string) models.Deployment {
	t.Helper()
	ctx := context.Background()
	d, err := svc.RegisterDeploymentRequest(ctx, DeployRequest{ArtifactName: artifact, Version: version, Strategy: strategy})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		d, err = svc.AdvanceDeployment(ctx, d.ID)
		require.NoError(t, err)
		if d.State.Terminal() {
			break
		}
	}
	require.Equal(t, models.DeploymentActive, d.State)
	return d
}

func TestRegisterArtifactValidation(t *testing.T) {
	svc := newService(t)
	_, err := svc.RegisterArtifact(context.Background(), RegisterArtifactRequest{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRegisterArtifactConflict(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	_, err := svc.RegisterArtifact(ctx, RegisterArtifactRequest{Name: "summarizer"})
	require.NoError(t, err)
	_, err = svc.RegisterArtifact(ctx, RegisterArtifactRequest{Name: "summarizer"})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestRegisterVersionRejectsBadInput(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	_, err := svc.RegisterArtifact(ctx, RegisterArtifactRequest{Name: "summarizer"})
	require.NoError(t, err)

	_, err = svc.RegisterVersion(ctx, RegisterVersionRequest{ArtifactName: "summarizer"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.RegisterVersion(ctx, RegisterVersionRequest{ArtifactName: "summarizer", Version: "1.2"})
	assert.ErrorIs(t, err, semver.ErrInvalidVersion)

	_, err = svc.RegisterVersion(ctx, RegisterVersionRequest{ArtifactName: "translator", Version: "1.0.0"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegisterVersionKeepsMetadata(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	_, err := svc.RegisterArtifact(ctx, RegisterArtifactRequest{Name: "summarizer"})
	require.NoError(t, err)

	v, err := svc.RegisterVersion(ctx, RegisterVersionRequest{
		ArtifactName: "summarizer",
		Version:      "1.0.0",
		Tag:          "baseline",
		Metadata:     json.RawMessage(`{"params":"7b"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "baseline", v.Tag)
	assert.JSONEq(t, `{"params":"7b"}`, string(v.Metadata))
}

func TestLatestVersionOrdersNumerically(t *testing.T) {
	svc := newService(t)
	seedArtifact(t, svc)

	latest, err := svc.LatestVersion(context.Background(), "summarizer")
	require.NoError(t, err)
	// 1.10.0 beats 1.2.0 under numeric comparison, unlike string ordering.
	assert.Equal(t, "1.10.0", latest.Version)
}

func TestLatestVersionEmptySet(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	_, err := svc.RegisterArtifact(ctx, RegisterArtifactRequest{Name: "summarizer"})
	require.NoError(t, err)

	_, err = svc.LatestVersion(ctx, "summarizer")
	assert.ErrorIs(t, err, semver.ErrEmptyVersionSet)
}

func TestDeployRequestValidation(t *testing.T) {
	svc := newService(t)
	seedArtifact(t, svc)
	ctx := context.Background()

	_, err := svc.RegisterDeploymentRequest(ctx, DeployRequest{ArtifactName: "summarizer", Version: "1.0.0"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.RegisterDeploymentRequest(ctx, DeployRequest{ArtifactName: "summarizer", Version: "1.0.0", Strategy: "shadow"})
	assert.ErrorIs(t, err, deploy.ErrInvalidStrategy)
}

func TestDeployToActiveAndCurrentTraffic(t *testing.T) {
	svc := newService(t)
	seedArtifact(t, svc)
	ctx := context.Background()

	activate(t, svc, "summarizer", "1.0.0", "direct")

	status, err := svc.CurrentTraffic(ctx, "summarizer")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", status.ActiveVersion)
	assert.Equal(t, models.TrafficSplit{"1.0.0": 100}, status.TrafficSplit)

	deployments, err := svc.ListDeployments(ctx, "summarizer", 0, 0)
	require.NoError(t, err)
	require.Len(t, deployments, 1)
	assert.Equal(t, models.DeploymentActive, deployments[0].State)
}

func TestRollbackManualRoutes(t *testing.T) {
	svc := newService(t)
	seedArtifact(t, svc)
	ctx := context.Background()

	activate(t, svc, "summarizer", "1.0.0", "direct")
	activate(t, svc, "summarizer", "1.2.0", "direct")
	activate(t, svc, "summarizer", "1.10.0", "direct")

	// Empty version means previous: 1.10.0 -> 1.2.0.
	rec, err := svc.RollbackManual(ctx, RollbackRequest{ArtifactName: "summarizer"})
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", rec.FromVersion)
	assert.Equal(t, "1.2.0", rec.ToVersion)
	assert.Equal(t, models.TriggerManual, rec.Trigger)

	// Explicit version skips straight back.
	rec, err = svc.RollbackManual(ctx, RollbackRequest{ArtifactName: "summarizer", Version: "1.0.0", Reason: "known good"})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", rec.ToVersion)
	assert.Equal(t, "known good", rec.Reason)

	records, err := svc.ListRollbacks(ctx, "summarizer", 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRollbackManualUnknownArtifact(t *testing.T) {
	svc := newService(t)
	_, err := svc.RollbackManual(context.Background(), RollbackRequest{ArtifactName: "translator"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRollbackAutomaticCheckFallsBackToDefaults(t *testing.T) {
	svc := newService(t)
	seedArtifact(t, svc)
	ctx := context.Background()

	activate(t, svc, "summarizer", "1.0.0", "direct")
	activate(t, svc, "summarizer", "1.2.0", "direct")

	for i := 0; i < 10; i++ {
		err := svc.RecordSample(ctx, RecordSampleRequest{
			ArtifactName:   "summarizer",
			Version:        "1.2.0",
			LatencySeconds: 0.1,
			Succeeded:      i >= 3,
		})
		require.NoError(t, err)
	}

	// No thresholds in the request, so the policy default (0.1) applies.
	rec, err := svc.RollbackAutomaticCheck(ctx, "summarizer", models.Thresholds{})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.TriggerAutomatic, rec.Trigger)
	assert.Equal(t, "1.0.0", rec.ToVersion)
}

func TestRollbackAutomaticCheckNoThresholdsAnywhere(t *testing.T) {
	st := store.NewMemoryStore()
	snaps := snapshot.NewManager(st, nil, testLogger())
	agg := metrics.NewAggregator(metrics.Config{})
	orch := deploy.NewOrchestrator(deploy.Config{Store: st, Snapshots: snaps, Logger: testLogger()})
	ctrl := rollback.NewController(rollback.Config{Store: st, Snapshots: snaps, Orch: orch, Aggregator: agg, Logger: testLogger()})
	svc := New(st, orch, ctrl, agg, snaps, models.Thresholds{})

	_, err := svc.RollbackAutomaticCheck(context.Background(), "summarizer", models.Thresholds{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEnableAutoRollbackValidation(t *testing.T) {
	svc := newService(t)
	seedArtifact(t, svc)
	ctx := context.Background()

	assert.ErrorIs(t, svc.EnableAutoRollback(ctx, "summarizer", 0), ErrValidation)
	assert.ErrorIs(t, svc.EnableAutoRollback(ctx, "summarizer", 1.5), ErrValidation)
	assert.ErrorIs(t, svc.EnableAutoRollback(ctx, "translator", 0.1), store.ErrNotFound)
	assert.NoError(t, svc.EnableAutoRollback(ctx, "summarizer", 0.1))
}

func TestRecordSampleValidation(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	err := svc.RecordSample(ctx, RecordSampleRequest{Version: "1.0.0"})
	assert.ErrorIs(t, err, ErrValidation)

	err = svc.RecordSample(ctx, RecordSampleRequest{ArtifactName: "summarizer", Version: "1.0.0", LatencySeconds: -1})
	assert.ErrorIs(t, err, ErrValidation)

	err = svc.RecordSample(ctx, RecordSampleRequest{ArtifactName: "summarizer", Version: "1.0.0", TokenCount: -5})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetMetricsDefaultsToActiveVersion(t *testing.T) {
	svc := newService(t)
	seedArtifact(t, svc)
	ctx := context.Background()

	activate(t, svc, "summarizer", "1.0.0", "direct")
	for i := 0; i < 4; i++ {
		err := svc.RecordSample(ctx, RecordSampleRequest{
			ArtifactName:   "summarizer",
			Version:        "1.0.0",
			LatencySeconds: 0.2,
			Succeeded:      true,
			TokenCount:     50,
		})
		require.NoError(t, err)
	}

	agg, err := svc.GetMetrics(ctx, "summarizer", "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", agg.Version)
	assert.Equal(t, 4, agg.SampleCount)
	assert.InDelta(t, 0.2, agg.AvgLatencySeconds, 1e-9)
}

func TestGetMetricsNoActiveVersion(t *testing.T) {
	svc := newService(t)
	seedArtifact(t, svc)

	_, err := svc.GetMetrics(context.Background(), "summarizer", "")
	assert.ErrorIs(t, err, metrics.ErrNoSamples)
}

func TestCompareAndRankVersions(t *testing.T) {
	svc := newService(t)
	seedArtifact(t, svc)
	ctx := context.Background()

	record := func(version string, latency float64, ok bool) {
		t.Helper()
		require.NoError(t, svc.RecordSample(ctx, RecordSampleRequest{
			ArtifactName:   "summarizer",
			Version:        version,
			LatencySeconds: latency,
			Succeeded:      ok,
		}))
	}
	for i := 0; i < 4; i++ {
		record("1.0.0", 0.4, true)
		record("1.2.0", 0.2, true)
	}

	delta, err := svc.CompareVersions(ctx, "summarizer", "1.0.0", "1.2.0")
	require.NoError(t, err)
	assert.InDelta(t, -0.2, delta.LatencyDelta, 1e-9)

	scores := svc.RankVersions("summarizer")
	require.Len(t, scores, 2)
	assert.Equal(t, "1.2.0", scores[0].Version)

	_, err = svc.CompareVersions(ctx, "summarizer", "1.0.0", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRestoreSnapshotRoundTrip(t *testing.T) {
	svc := newService(t)
	seedArtifact(t, svc)
	ctx := context.Background()

	activate(t, svc, "summarizer", "1.0.0", "direct")
	activate(t, svc, "summarizer", "1.2.0", "direct")

	snapshots, err := svc.ListSnapshots(ctx, "summarizer", 0)
	require.NoError(t, err)
	require.NotEmpty(t, snapshots)

	var target models.Snapshot
	found := false
	for _, snap := range snapshots {
		if snap.ActiveVersion == "1.0.0" {
			target, found = snap, true
			break
		}
	}
	require.True(t, found)

	rec, err := svc.RestoreSnapshot(ctx, target.ID, "revert to baseline")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", rec.ToVersion)

	status, err := svc.CurrentTraffic(ctx, "summarizer")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", status.ActiveVersion)
}

func TestRestoreSnapshotUnknownID(t *testing.T) {
	svc := newService(t)
	_, err := svc.RestoreSnapshot(context.Background(), uuid.New(), "")
	assert.ErrorIs(t, err, snapshot.ErrSnapshotNotFound)
}

func TestListAlertsFilters(t *testing.T) {
	svc := newService(t)
	seedArtifact(t, svc)
	ctx := context.Background()

	activate(t, svc, "summarizer", "1.0.0", "direct")
	activate(t, svc, "summarizer", "1.2.0", "direct")
	for i := 0; i < 10; i++ {
		require.NoError(t, svc.RecordSample(ctx, RecordSampleRequest{
			ArtifactName:   "summarizer",
			Version:        "1.2.0",
			LatencySeconds: 0.1,
			Succeeded:      i >= 5,
		}))
	}

	rec, err := svc.RollbackAutomaticCheck(ctx, "summarizer", models.Thresholds{MaxErrorRate: floatPtr(0.4)})
	require.NoError(t, err)
	require.NotNil(t, rec)

	alerts, err := svc.ListAlerts(ctx, "summarizer", "", 0)
	require.NoError(t, err)
	require.NotEmpty(t, alerts)
	assert.Equal(t, models.MetricErrorRate, alerts[0].MetricName)
	assert.Equal(t, "1.2.0", alerts[0].Version)

	none, err := svc.ListAlerts(ctx, "summarizer", "9.9.9", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
