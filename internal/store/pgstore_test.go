package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/modelfleet/modelfleet/internal/models"
	"github.com/modelfleet/modelfleet/internal/store"
)

func newMockStore(t *testing.T) (*store.PGStore, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	return store.NewPGStore(db), mock, func() { db.Close() }
}

func TestCreateArtifact(t *testing.T) {
	st, mock, closeFn := newMockStore(t)
	defer closeFn()

	now := time.Now().UTC()
	mock.ExpectQuery("INSERT INTO artifacts").
		WithArgs(sqlmock.AnyArg(), "summarizer", "text summarization model").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "created_at"}).
			AddRow(uuid.New().String(), "summarizer", "text summarization model", now))

	artifact, err := st.CreateArtifact(context.Background(), store.ArtifactInput{
		Name:        "summarizer",
		Description: "text summarization model",
	})
	assert.NoError(t, err)
	assert.Equal(t, "summarizer", artifact.Name)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestCreateArtifactConflict(t *testing.T) {
	st, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectQuery("INSERT INTO artifacts").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := st.CreateArtifact(context.Background(), store.ArtifactInput{Name: "summarizer"})
	assert.ErrorIs(t, err, store.ErrConflict)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestGetArtifactNotFound(t *testing.T) {
	st, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectQuery("SELECT id, name, description, created_at").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := st.GetArtifact(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeploymentRoundTrip(t *testing.T) {
	st, mock, closeFn := newMockStore(t)
	defer closeFn()

	id := uuid.New()
	now := time.Now().UTC()
	cols := []string{"id", "artifact_name", "target_version", "strategy", "state", "traffic_split", "stage_index", "started_at", "updated_at", "completed_at", "events"}

	mock.ExpectQuery("INSERT INTO deployments").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(id.String(), "summarizer", "1.1.0", "canary", "pending",
				[]byte(`{"1.0.0":100}`), 0, now, now, nil, []byte(`[]`)))

	deployment, err := st.CreateDeployment(context.Background(), store.DeploymentInput{
		ID:            id,
		ArtifactName:  "summarizer",
		TargetVersion: "1.1.0",
		Strategy:      models.StrategyCanary,
		State:         models.DeploymentPending,
		TrafficSplit:  models.TrafficSplit{"1.0.0": 100},
	})
	assert.NoError(t, err)
	assert.Equal(t, models.DeploymentPending, deployment.State)
	assert.Equal(t, models.TrafficSplit{"1.0.0": 100}, deployment.TrafficSplit)

	completed := now.Add(time.Minute)
	mock.ExpectQuery("UPDATE deployments").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(id.String(), "summarizer", "1.1.0", "canary", "active",
				[]byte(`{"1.1.0":100}`), 2, now, completed, completed,
				[]byte(`[{"from":"verifying","to":"active","at":"2026-01-02T03:04:05Z"}]`)))

	updated, err := st.UpdateDeployment(context.Background(), store.DeploymentUpdate{
		ID:           id,
		State:        models.DeploymentActive,
		TrafficSplit: models.TrafficSplit{"1.1.0": 100},
		StageIndex:   2,
		CompletedAt:  &completed,
		Events: []models.StageEvent{
			{From: models.DeploymentVerifying, To: models.DeploymentActive, At: completed},
		},
	})
	assert.NoError(t, err)
	assert.Equal(t, models.DeploymentActive, updated.State)
	assert.NotNil(t, updated.CompletedAt)
	assert.Len(t, updated.Events, 1)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestLatestSnapshotForVersion(t *testing.T) {
	st, mock, closeFn := newMockStore(t)
	defer closeFn()

	cols := []string{"id", "artifact_name", "deployment_id", "active_version", "traffic_split", "captured_at"}
	mock.ExpectQuery("SELECT id, artifact_name, deployment_id, active_version, traffic_split, captured_at").
		WithArgs("summarizer", "1.0.0").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(uuid.New().String(), "summarizer", uuid.New().String(), "1.0.0",
				[]byte(`{"1.0.0":100}`), time.Now().UTC()))

	snapshot, err := st.LatestSnapshotForVersion(context.Background(), "summarizer", "1.0.0")
	assert.NoError(t, err)
	assert.Equal(t, "1.0.0", snapshot.ActiveVersion)
	assert.Equal(t, models.TrafficSplit{"1.0.0": 100}, snapshot.TrafficSplit)

	mock.ExpectQuery("SELECT id, artifact_name, deployment_id, active_version, traffic_split, captured_at").
		WithArgs("summarizer", "9.9.9").
		WillReturnError(sql.ErrNoRows)

	_, err = st.LatestSnapshotForVersion(context.Background(), "summarizer", "9.9.9")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListDeploymentsOnlyCompleted(t *testing.T) {
	st, mock, closeFn := newMockStore(t)
	defer closeFn()

	now := time.Now().UTC()
	cols := []string{"id", "artifact_name", "target_version", "strategy", "state", "traffic_split", "stage_index", "started_at", "updated_at", "completed_at", "events"}
	mock.ExpectQuery("SELECT (.+) FROM deployments").
		WithArgs("summarizer", 2).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(uuid.New().String(), "summarizer", "1.1.0", "direct", "active",
				[]byte(`{"1.1.0":100}`), 0, now, now, now, []byte(`[]`)).
			AddRow(uuid.New().String(), "summarizer", "1.0.0", "direct", "rolled_back",
				[]byte(`{"1.0.0":100}`), 0, now.Add(-time.Hour), now, now.Add(-time.Hour), []byte(`[]`)))

	deployments, err := st.ListDeployments(context.Background(), store.ListDeploymentsFilter{
		ArtifactName:  "summarizer",
		OnlyCompleted: true,
		Limit:         2,
	})
	assert.NoError(t, err)
	assert.Len(t, deployments, 2)
	assert.Equal(t, "1.1.0", deployments[0].TargetVersion)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestCreateAlertEvent(t *testing.T) {
	st, mock, closeFn := newMockStore(t)
	defer closeFn()

	cols := []string{"id", "artifact_name", "version", "metric_name", "threshold", "observed", "created_at"}
	mock.ExpectQuery("INSERT INTO alert_events").
		WithArgs(sqlmock.AnyArg(), "summarizer", "1.1.0", "error_rate", 0.1, 0.3).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(uuid.New().String(), "summarizer", "1.1.0", "error_rate", 0.1, 0.3, time.Now().UTC()))

	alert, err := st.CreateAlertEvent(context.Background(), store.AlertInput{
		ArtifactName: "summarizer",
		Version:      "1.1.0",
		MetricName:   models.MetricErrorRate,
		Threshold:    0.1,
		Observed:     0.3,
	})
	assert.NoError(t, err)
	assert.Equal(t, models.MetricErrorRate, alert.MetricName)
	assert.Equal(t, 0.3, alert.Observed)
}
