package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelfleet/modelfleet/internal/deploy"
	"github.com/modelfleet/modelfleet/internal/metrics"
	"github.com/modelfleet/modelfleet/internal/models"
	"github.com/modelfleet/modelfleet/internal/rollback"
	"github.com/modelfleet/modelfleet/internal/service"
	"github.com/modelfleet/modelfleet/internal/snapshot"
	"github.com/modelfleet/modelfleet/internal/store"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func floatPtr(v float64) *float64 { return &v }

func newTestServer(t *testing.T) http.Handler {
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
	svc := service.New(st, orch, ctrl, agg, snaps, models.Thresholds{MaxErrorRate: floatPtr(0.1)})
	return New(svc, st).Router()
}

func doRequest(router http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// seedArtifact registers "summarizer" with versions 1.0.0, 1.2.0, and 1.10.0
// through the API.
func seedArtifact(t *testing.T, router http.Handler) {
	t.Helper()
	rec := doRequest(router, "POST", "/api/artifacts", []byte(`{"name":"summarizer","description":"text summarizer"}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	for _, v := range []string{"1.0.0", "1.2.0", "1.10.0"} {
		body := []byte(fmt.Sprintf(`{"version":%q}`, v))
		rec := doRequest(router, "POST", "/api/artifacts/summarizer/versions", body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
}

// deployToActive registers a deployment and advances it until it completes.
func deployToActive(t *testing.T, router http.Handler, version string) models.Deployment {
	t.Helper()
	body := []byte(fmt.Sprintf(`{"version":%q,"strategy":"direct"}`, version))
	rec := doRequest(router, "POST", "/api/artifacts/summarizer/deployments", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var d models.Deployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	for i := 0; i < 10 && !d.State.Terminal(); i++ {
		rec := doRequest(router, "POST", fmt.Sprintf("/api/deployments/%s/advance", d.ID), nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	}
	require.Equal(t, models.DeploymentActive, d.State)
	return d
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestServer(t)
	rec := doRequest(router, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, true, status["ok"])
}

func TestPrometheusEndpoint(t *testing.T) {
	router := newTestServer(t)
	rec := doRequest(router, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestArtifactLifecycle(t *testing.T) {
	router := newTestServer(t)

	rec := doRequest(router, "POST", "/api/artifacts", []byte(`{"name":"summarizer"}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doRequest(router, "POST", "/api/artifacts", []byte(`{"name":"summarizer"}`))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(router, "POST", "/api/artifacts", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, "GET", "/api/artifacts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var artifacts []models.Artifact
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &artifacts))
	assert.Len(t, artifacts, 1)

	rec = doRequest(router, "GET", "/api/artifacts/summarizer", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, "GET", "/api/artifacts/translator", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVersionRoutes(t *testing.T) {
	router := newTestServer(t)
	seedArtifact(t, router)

	rec := doRequest(router, "POST", "/api/artifacts/summarizer/versions", []byte(`{"version":"1.2"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, "GET", "/api/artifacts/summarizer/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var versions []models.ArtifactVersion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	assert.Len(t, versions, 3)

	rec = doRequest(router, "GET", "/api/artifacts/summarizer/versions/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var latest models.ArtifactVersion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &latest))
	assert.Equal(t, "1.10.0", latest.Version)
}

func TestLatestVersionEmptySet(t *testing.T) {
	router := newTestServer(t)
	rec := doRequest(router, "POST", "/api/artifacts", []byte(`{"name":"summarizer"}`))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(router, "GET", "/api/artifacts/summarizer/versions/latest", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeploymentFlow(t *testing.T) {
	router := newTestServer(t)
	seedArtifact(t, router)

	d := deployToActive(t, router, "1.0.0")

	rec := doRequest(router, "GET", fmt.Sprintf("/api/deployments/%s", d.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, "GET", "/api/artifacts/summarizer/traffic", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status service.TrafficStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "1.0.0", status.ActiveVersion)
	assert.Equal(t, models.TrafficSplit{"1.0.0": 100}, status.TrafficSplit)

	rec = doRequest(router, "GET", "/api/artifacts/summarizer/deployments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var deployments []models.Deployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deployments))
	assert.Len(t, deployments, 1)
}

func TestDeploymentConflictWhileInFlight(t *testing.T) {
	router := newTestServer(t)
	seedArtifact(t, router)

	rec := doRequest(router, "POST", "/api/artifacts/summarizer/deployments", []byte(`{"version":"1.0.0","strategy":"canary"}`))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(router, "POST", "/api/artifacts/summarizer/deployments", []byte(`{"version":"1.2.0","strategy":"direct"}`))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeploymentValidation(t *testing.T) {
	router := newTestServer(t)
	seedArtifact(t, router)

	rec := doRequest(router, "POST", "/api/artifacts/summarizer/deployments", []byte(`{"version":"1.0.0","strategy":"shadow"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, "POST", "/api/artifacts/summarizer/deployments", []byte(`{"version":"9.9.9","strategy":"direct"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, "POST", "/api/artifacts/summarizer/deployments", []byte(`{"version":`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdvanceUnknownDeployment(t *testing.T) {
	router := newTestServer(t)

	rec := doRequest(router, "POST", fmt.Sprintf("/api/deployments/%s/advance", uuid.New()), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(router, "POST", "/api/deployments/not-a-uuid/advance", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRollbackRoute(t *testing.T) {
	router := newTestServer(t)
	seedArtifact(t, router)

	deployToActive(t, router, "1.0.0")
	deployToActive(t, router, "1.2.0")

	// Empty body means rollback to the previous version.
	rec := doRequest(router, "POST", "/api/artifacts/summarizer/rollback", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var record models.RollbackRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, "1.2.0", record.FromVersion)
	assert.Equal(t, "1.0.0", record.ToVersion)
	assert.Equal(t, models.TriggerManual, record.Trigger)

	rec = doRequest(router, "POST", "/api/artifacts/summarizer/rollback", []byte(`{"version":"9.9.9"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(router, "GET", "/api/artifacts/summarizer/rollbacks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []models.RollbackRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	assert.Len(t, records, 1)
}

func TestRollbackWithoutHistory(t *testing.T) {
	router := newTestServer(t)
	seedArtifact(t, router)

	rec := doRequest(router, "POST", "/api/artifacts/summarizer/rollback", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSampleAndMetricsRoutes(t *testing.T) {
	router := newTestServer(t)
	seedArtifact(t, router)

	for i := 0; i < 4; i++ {
		body := []byte(`{"version":"1.0.0","latencySeconds":0.2,"succeeded":true,"tokenCount":50}`)
		rec := doRequest(router, "POST", "/api/artifacts/summarizer/samples", body)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}
	for i := 0; i < 4; i++ {
		body := []byte(`{"version":"1.2.0","latencySeconds":0.1,"succeeded":true,"tokenCount":50}`)
		rec := doRequest(router, "POST", "/api/artifacts/summarizer/samples", body)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := doRequest(router, "POST", "/api/artifacts/summarizer/samples", []byte(`{"version":"1.0.0","latencySeconds":-1}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, "GET", "/api/artifacts/summarizer/metrics?version=1.0.0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var agg models.AggregatedMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agg))
	assert.Equal(t, 4, agg.SampleCount)
	assert.InDelta(t, 0.2, agg.AvgLatencySeconds, 1e-9)

	rec = doRequest(router, "GET", "/api/artifacts/summarizer/metrics?version=9.9.9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(router, "GET", "/api/artifacts/summarizer/metrics/compare?a=1.0.0&b=1.2.0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var delta models.MetricDelta
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &delta))
	assert.InDelta(t, -0.1, delta.LatencyDelta, 1e-9)

	rec = doRequest(router, "GET", "/api/artifacts/summarizer/metrics/ranking", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var scores []models.VersionScore
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &scores))
	require.Len(t, scores, 2)
	assert.Equal(t, "1.2.0", scores[0].Version)
}

func TestAutoRollbackRoutes(t *testing.T) {
	router := newTestServer(t)
	seedArtifact(t, router)

	rec := doRequest(router, "POST", "/api/artifacts/summarizer/autorollback", []byte(`{"errorThreshold":0}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, "POST", "/api/artifacts/summarizer/autorollback", []byte(`{"errorThreshold":0.1}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	deployToActive(t, router, "1.0.0")
	deployToActive(t, router, "1.2.0")
	for i := 0; i < 10; i++ {
		body := []byte(fmt.Sprintf(`{"version":"1.2.0","latencySeconds":0.1,"succeeded":%t}`, i >= 3))
		rec := doRequest(router, "POST", "/api/artifacts/summarizer/samples", body)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec = doRequest(router, "POST", "/api/artifacts/summarizer/rollback/auto", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		RolledBack bool                   `json:"rolledBack"`
		Record     *models.RollbackRecord `json:"record"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.RolledBack)
	require.NotNil(t, resp.Record)
	assert.Equal(t, models.TriggerAutomatic, resp.Record.Trigger)
	assert.Equal(t, "1.0.0", resp.Record.ToVersion)
}

func TestSnapshotRestoreRoute(t *testing.T) {
	router := newTestServer(t)
	seedArtifact(t, router)

	deployToActive(t, router, "1.0.0")
	deployToActive(t, router, "1.2.0")

	rec := doRequest(router, "GET", "/api/artifacts/summarizer/snapshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snapshots []models.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshots))
	require.NotEmpty(t, snapshots)

	var target *models.Snapshot
	for i := range snapshots {
		if snapshots[i].ActiveVersion == "1.0.0" {
			target = &snapshots[i]
			break
		}
	}
	require.NotNil(t, target)

	rec = doRequest(router, "POST", fmt.Sprintf("/api/snapshots/%s/restore", target.ID), []byte(`{"reason":"revert"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var record models.RollbackRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, "1.0.0", record.ToVersion)
	assert.Equal(t, "revert", record.Reason)

	rec = doRequest(router, "POST", fmt.Sprintf("/api/snapshots/%s/restore", uuid.New()), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(router, "POST", "/api/snapshots/not-a-uuid/restore", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlertsRoute(t *testing.T) {
	router := newTestServer(t)
	seedArtifact(t, router)

	deployToActive(t, router, "1.0.0")
	deployToActive(t, router, "1.2.0")
	for i := 0; i < 10; i++ {
		body := []byte(fmt.Sprintf(`{"version":"1.2.0","latencySeconds":0.1,"succeeded":%t}`, i >= 5))
		rec := doRequest(router, "POST", "/api/artifacts/summarizer/samples", body)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec := doRequest(router, "POST", "/api/artifacts/summarizer/rollback/auto", []byte(`{"maxErrorRate":0.4}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(router, "GET", "/api/artifacts/summarizer/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var alerts []models.AlertEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.NotEmpty(t, alerts)
	assert.Equal(t, models.MetricErrorRate, alerts[0].MetricName)
}
