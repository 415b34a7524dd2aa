package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/modelfleet/modelfleet/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

type Store interface {
	CreateArtifact(ctx context.Context, in ArtifactInput) (models.Artifact, error)
	GetArtifact(ctx context.Context, name string) (models.Artifact, error)
	ListArtifacts(ctx context.Context, limit, offset int) ([]models.Artifact, error)
	CreateVersion(ctx context.Context, in VersionInput) (models.ArtifactVersion, error)
	GetVersion(ctx context.Context, artifact, version string) (models.ArtifactVersion, error)
	ListVersions(ctx context.Context, artifact string) ([]models.ArtifactVersion, error)
	CreateDeployment(ctx context.Context, in DeploymentInput) (models.Deployment, error)
	GetDeployment(ctx context.Context, id uuid.UUID) (models.Deployment, error)
	UpdateDeployment(ctx context.Context, in DeploymentUpdate) (models.Deployment, error)
	ListDeployments(ctx context.Context, filter ListDeploymentsFilter) ([]models.Deployment, error)
	CreateSnapshot(ctx context.Context, in SnapshotInput) (models.Snapshot, error)
	GetSnapshot(ctx context.Context, id uuid.UUID) (models.Snapshot, error)
	LatestSnapshotForVersion(ctx context.Context, artifact, version string) (models.Snapshot, error)
	ListSnapshots(ctx context.Context, filter ListSnapshotsFilter) ([]models.Snapshot, error)
	CreateRollbackRecord(ctx context.Context, in RollbackInput) (models.RollbackRecord, error)
	ListRollbackRecords(ctx context.Context, artifact string, limit int) ([]models.RollbackRecord, error)
	CreateAlertEvent(ctx context.Context, in AlertInput) (models.AlertEvent, error)
	ListAlertEvents(ctx context.Context, filter ListAlertsFilter) ([]models.AlertEvent, error)
	Ping(ctx context.Context) error
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// EnsureSchema creates the tables and indexes the store relies on. Snapshots
// carry deployment_id without a foreign key: the pre-deployment snapshot is
// captured before its deployment row exists.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS artifacts (
  id uuid PRIMARY KEY,
  name text NOT NULL UNIQUE,
  description text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS artifact_versions (
  id uuid PRIMARY KEY,
  artifact_name text NOT NULL REFERENCES artifacts (name) ON DELETE CASCADE,
  version text NOT NULL,
  tag text NOT NULL DEFAULT '',
  metadata jsonb NOT NULL DEFAULT '{}',
  registered_at timestamptz NOT NULL DEFAULT now(),
  UNIQUE (artifact_name, version)
);
CREATE TABLE IF NOT EXISTS deployments (
  id uuid PRIMARY KEY,
  artifact_name text NOT NULL REFERENCES artifacts (name) ON DELETE CASCADE,
  target_version text NOT NULL,
  strategy text NOT NULL,
  state text NOT NULL,
  traffic_split jsonb NOT NULL DEFAULT '{}',
  stage_index int NOT NULL DEFAULT 0,
  started_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now(),
  completed_at timestamptz,
  events jsonb NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_deployments_artifact_started ON deployments (artifact_name, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_deployments_completed ON deployments (artifact_name, completed_at DESC) WHERE completed_at IS NOT NULL;
CREATE TABLE IF NOT EXISTS snapshots (
  id uuid PRIMARY KEY,
  artifact_name text NOT NULL,
  deployment_id uuid NOT NULL,
  active_version text NOT NULL DEFAULT '',
  traffic_split jsonb NOT NULL DEFAULT '{}',
  captured_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_snapshots_artifact_version ON snapshots (artifact_name, active_version, captured_at DESC);
CREATE INDEX IF NOT EXISTS idx_snapshots_artifact_captured ON snapshots (artifact_name, captured_at DESC);
CREATE TABLE IF NOT EXISTS rollback_records (
  id uuid PRIMARY KEY,
  artifact_name text NOT NULL,
  from_version text NOT NULL DEFAULT '',
  to_version text NOT NULL,
  trigger text NOT NULL,
  reason text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_rollbacks_artifact_created ON rollback_records (artifact_name, created_at DESC);
CREATE TABLE IF NOT EXISTS alert_events (
  id uuid PRIMARY KEY,
  artifact_name text NOT NULL,
  version text NOT NULL,
  metric_name text NOT NULL,
  threshold double precision NOT NULL,
  observed double precision NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_alerts_artifact_created ON alert_events (artifact_name, created_at DESC);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

type ArtifactInput struct {
	ID          uuid.UUID
	Name        string
	Description string
}

type VersionInput struct {
	ID           uuid.UUID
	ArtifactName string
	Version      string
	Tag          string
	Metadata     json.RawMessage
}

type DeploymentInput struct {
	ID            uuid.UUID
	ArtifactName  string
	TargetVersion string
	Strategy      models.Strategy
	State         models.DeploymentState
	TrafficSplit  models.TrafficSplit
	StageIndex    int
	Events        []models.StageEvent
}

type DeploymentUpdate struct {
	ID           uuid.UUID
	State        models.DeploymentState
	TrafficSplit models.TrafficSplit
	StageIndex   int
	CompletedAt  *time.Time
	Events       []models.StageEvent
}

type SnapshotInput struct {
	ID            uuid.UUID
	ArtifactName  string
	DeploymentID  uuid.UUID
	ActiveVersion string
	TrafficSplit  models.TrafficSplit
}

type RollbackInput struct {
	ID           uuid.UUID
	ArtifactName string
	FromVersion  string
	ToVersion    string
	Trigger      models.RollbackTrigger
	Reason       string
}

type AlertInput struct {
	ID           uuid.UUID
	ArtifactName string
	Version      string
	MetricName   string
	Threshold    float64
	Observed     float64
}

type ListDeploymentsFilter struct {
	ArtifactName  string
	OnlyCompleted bool
	Limit         int
	Offset        int
}

type ListSnapshotsFilter struct {
	ArtifactName  string
	ActiveVersion string
	Limit         int
}

type ListAlertsFilter struct {
	ArtifactName string
	Version      string
	Limit        int
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

func marshalSplit(split models.TrafficSplit) []byte {
	if split == nil {
		split = models.TrafficSplit{}
	}
	b, _ := json.Marshal(split)
	return b
}

func marshalEvents(events []models.StageEvent) []byte {
	if events == nil {
		events = []models.StageEvent{}
	}
	b, _ := json.Marshal(events)
	return b
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func scanArtifact(row rowScanner) (models.Artifact, error) {
	var a models.Artifact
	if err := row.Scan(&a.ID, &a.Name, &a.Description, &a.CreatedAt); err != nil {
		return models.Artifact{}, err
	}
	return a, nil
}

func scanVersion(row rowScanner) (models.ArtifactVersion, error) {
	var (
		v        models.ArtifactVersion
		metadata []byte
	)
	if err := row.Scan(&v.ID, &v.ArtifactName, &v.Version, &v.Tag, &metadata, &v.RegisteredAt); err != nil {
		return models.ArtifactVersion{}, err
	}
	v.Metadata = append(json.RawMessage(nil), metadata...)
	return v, nil
}

func scanDeployment(row rowScanner) (models.Deployment, error) {
	var (
		d           models.Deployment
		split       []byte
		events      []byte
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&d.ID,
		&d.ArtifactName,
		&d.TargetVersion,
		&d.Strategy,
		&d.State,
		&split,
		&d.StageIndex,
		&d.StartedAt,
		&d.UpdatedAt,
		&completedAt,
		&events,
	); err != nil {
		return models.Deployment{}, err
	}
	if err := json.Unmarshal(split, &d.TrafficSplit); err != nil {
		return models.Deployment{}, fmt.Errorf("decode traffic split: %w", err)
	}
	if err := json.Unmarshal(events, &d.Events); err != nil {
		return models.Deployment{}, fmt.Errorf("decode stage events: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	return d, nil
}

func scanSnapshot(row rowScanner) (models.Snapshot, error) {
	var (
		s     models.Snapshot
		split []byte
	)
	if err := row.Scan(&s.ID, &s.ArtifactName, &s.DeploymentID, &s.ActiveVersion, &split, &s.CapturedAt); err != nil {
		return models.Snapshot{}, err
	}
	if err := json.Unmarshal(split, &s.TrafficSplit); err != nil {
		return models.Snapshot{}, fmt.Errorf("decode traffic split: %w", err)
	}
	return s, nil
}

func scanRollback(row rowScanner) (models.RollbackRecord, error) {
	var r models.RollbackRecord
	if err := row.Scan(&r.ID, &r.ArtifactName, &r.FromVersion, &r.ToVersion, &r.Trigger, &r.Reason, &r.CreatedAt); err != nil {
		return models.RollbackRecord{}, err
	}
	return r, nil
}

func scanAlert(row rowScanner) (models.AlertEvent, error) {
	var a models.AlertEvent
	if err := row.Scan(&a.ID, &a.ArtifactName, &a.Version, &a.MetricName, &a.Threshold, &a.Observed, &a.CreatedAt); err != nil {
		return models.AlertEvent{}, err
	}
	return a, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func (s *PGStore) CreateArtifact(ctx context.Context, in ArtifactInput) (models.Artifact, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	const query = `
		INSERT INTO artifacts (id, name, description)
		VALUES ($1,$2,$3)
		RETURNING id, name, description, created_at
	`
	artifact, err := scanArtifact(s.db.QueryRowContext(ctx, query, in.ID, in.Name, in.Description))
	if err != nil {
		if isUniqueViolation(err) {
			return models.Artifact{}, ErrConflict
		}
		return models.Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	return artifact, nil
}

func (s *PGStore) GetArtifact(ctx context.Context, name string) (models.Artifact, error) {
	const query = `
		SELECT id, name, description, created_at
		FROM artifacts WHERE name=$1
	`
	artifact, err := scanArtifact(s.db.QueryRowContext(ctx, query, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Artifact{}, ErrNotFound
		}
		return models.Artifact{}, fmt.Errorf("get artifact: %w", err)
	}
	return artifact, nil
}

func (s *PGStore) ListArtifacts(ctx context.Context, limit, offset int) ([]models.Artifact, error) {
	const query = `
		SELECT id, name, description, created_at
		FROM artifacts
		ORDER BY name
		LIMIT $1 OFFSET $2
	`
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, query, normalizeLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []models.Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return artifacts, nil
}

func (s *PGStore) CreateVersion(ctx context.Context, in VersionInput) (models.ArtifactVersion, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	const query = `
		INSERT INTO artifact_versions (id, artifact_name, version, tag, metadata)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, artifact_name, version, tag, metadata, registered_at
	`
	row := s.db.QueryRowContext(ctx, query, in.ID, in.ArtifactName, in.Version, in.Tag, ensureJSON(in.Metadata, "{}"))
	version, err := scanVersion(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ArtifactVersion{}, ErrConflict
		}
		return models.ArtifactVersion{}, fmt.Errorf("insert version: %w", err)
	}
	return version, nil
}

func (s *PGStore) GetVersion(ctx context.Context, artifact, version string) (models.ArtifactVersion, error) {
	const query = `
		SELECT id, artifact_name, version, tag, metadata, registered_at
		FROM artifact_versions WHERE artifact_name=$1 AND version=$2
	`
	v, err := scanVersion(s.db.QueryRowContext(ctx, query, artifact, version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ArtifactVersion{}, ErrNotFound
		}
		return models.ArtifactVersion{}, fmt.Errorf("get version: %w", err)
	}
	return v, nil
}

func (s *PGStore) ListVersions(ctx context.Context, artifact string) ([]models.ArtifactVersion, error) {
	const query = `
		SELECT id, artifact_name, version, tag, metadata, registered_at
		FROM artifact_versions
		WHERE artifact_name=$1
		ORDER BY registered_at
	`
	rows, err := s.db.QueryContext(ctx, query, artifact)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []models.ArtifactVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return versions, nil
}

func (s *PGStore) CreateDeployment(ctx context.Context, in DeploymentInput) (models.Deployment, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	const query = `
		INSERT INTO deployments (id, artifact_name, target_version, strategy, state, traffic_split, stage_index, events)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, artifact_name, target_version, strategy, state, traffic_split, stage_index, started_at, updated_at, completed_at, events
	`
	row := s.db.QueryRowContext(ctx, query, in.ID, in.ArtifactName, in.TargetVersion, in.Strategy, in.State, marshalSplit(in.TrafficSplit), in.StageIndex, marshalEvents(in.Events))
	deployment, err := scanDeployment(row)
	if err != nil {
		return models.Deployment{}, fmt.Errorf("insert deployment: %w", err)
	}
	return deployment, nil
}

func (s *PGStore) GetDeployment(ctx context.Context, id uuid.UUID) (models.Deployment, error) {
	const query = `
		SELECT id, artifact_name, target_version, strategy, state, traffic_split, stage_index, started_at, updated_at, completed_at, events
		FROM deployments WHERE id=$1
	`
	deployment, err := scanDeployment(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Deployment{}, ErrNotFound
		}
		return models.Deployment{}, fmt.Errorf("get deployment: %w", err)
	}
	return deployment, nil
}

func (s *PGStore) UpdateDeployment(ctx context.Context, in DeploymentUpdate) (models.Deployment, error) {
	const query = `
		UPDATE deployments
		SET state=$2,
		    traffic_split=$3,
		    stage_index=$4,
		    completed_at=$5,
		    events=$6,
		    updated_at=NOW()
		WHERE id=$1
		RETURNING id, artifact_name, target_version, strategy, state, traffic_split, stage_index, started_at, updated_at, completed_at, events
	`
	row := s.db.QueryRowContext(ctx, query, in.ID, in.State, marshalSplit(in.TrafficSplit), in.StageIndex, in.CompletedAt, marshalEvents(in.Events))
	deployment, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Deployment{}, ErrNotFound
		}
		return models.Deployment{}, fmt.Errorf("update deployment: %w", err)
	}
	return deployment, nil
}

func (s *PGStore) ListDeployments(ctx context.Context, filter ListDeploymentsFilter) ([]models.Deployment, error) {
	query := `
		SELECT id, artifact_name, target_version, strategy, state, traffic_split, stage_index, started_at, updated_at, completed_at, events
		FROM deployments
		WHERE 1=1
	`
	args := []interface{}{}
	argPos := 1
	if filter.ArtifactName != "" {
		query += fmt.Sprintf(" AND artifact_name = $%d", argPos)
		args = append(args, filter.ArtifactName)
		argPos++
	}
	if filter.OnlyCompleted {
		query += " AND completed_at IS NOT NULL"
		query += " ORDER BY completed_at DESC, started_at DESC"
	} else {
		query += " ORDER BY started_at DESC"
	}
	limit := normalizeLimit(filter.Limit)
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, limit)
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var deployments []models.Deployment
	for rows.Next() {
		deployment, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		deployments = append(deployments, deployment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployments: %w", err)
	}
	return deployments, nil
}

func (s *PGStore) CreateSnapshot(ctx context.Context, in SnapshotInput) (models.Snapshot, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	const query = `
		INSERT INTO snapshots (id, artifact_name, deployment_id, active_version, traffic_split)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, artifact_name, deployment_id, active_version, traffic_split, captured_at
	`
	row := s.db.QueryRowContext(ctx, query, in.ID, in.ArtifactName, in.DeploymentID, in.ActiveVersion, marshalSplit(in.TrafficSplit))
	snapshot, err := scanSnapshot(row)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("insert snapshot: %w", err)
	}
	return snapshot, nil
}

func (s *PGStore) GetSnapshot(ctx context.Context, id uuid.UUID) (models.Snapshot, error) {
	const query = `
		SELECT id, artifact_name, deployment_id, active_version, traffic_split, captured_at
		FROM snapshots WHERE id=$1
	`
	snapshot, err := scanSnapshot(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Snapshot{}, ErrNotFound
		}
		return models.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return snapshot, nil
}

func (s *PGStore) LatestSnapshotForVersion(ctx context.Context, artifact, version string) (models.Snapshot, error) {
	const query = `
		SELECT id, artifact_name, deployment_id, active_version, traffic_split, captured_at
		FROM snapshots
		WHERE artifact_name=$1 AND active_version=$2
		ORDER BY captured_at DESC
		LIMIT 1
	`
	snapshot, err := scanSnapshot(s.db.QueryRowContext(ctx, query, artifact, version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Snapshot{}, ErrNotFound
		}
		return models.Snapshot{}, fmt.Errorf("latest snapshot for version: %w", err)
	}
	return snapshot, nil
}

func (s *PGStore) ListSnapshots(ctx context.Context, filter ListSnapshotsFilter) ([]models.Snapshot, error) {
	query := `
		SELECT id, artifact_name, deployment_id, active_version, traffic_split, captured_at
		FROM snapshots
		WHERE 1=1
	`
	args := []interface{}{}
	argPos := 1
	if filter.ArtifactName != "" {
		query += fmt.Sprintf(" AND artifact_name = $%d", argPos)
		args = append(args, filter.ArtifactName)
		argPos++
	}
	if filter.ActiveVersion != "" {
		query += fmt.Sprintf(" AND active_version = $%d", argPos)
		args = append(args, filter.ActiveVersion)
		argPos++
	}
	query += " ORDER BY captured_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []models.Snapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snapshots = append(snapshots, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snapshots, nil
}

func (s *PGStore) CreateRollbackRecord(ctx context.Context, in RollbackInput) (models.RollbackRecord, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	const query = `
		INSERT INTO rollback_records (id, artifact_name, from_version, to_version, trigger, reason)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, artifact_name, from_version, to_version, trigger, reason, created_at
	`
	row := s.db.QueryRowContext(ctx, query, in.ID, in.ArtifactName, in.FromVersion, in.ToVersion, in.Trigger, in.Reason)
	record, err := scanRollback(row)
	if err != nil {
		return models.RollbackRecord{}, fmt.Errorf("insert rollback record: %w", err)
	}
	return record, nil
}

func (s *PGStore) ListRollbackRecords(ctx context.Context, artifact string, limit int) ([]models.RollbackRecord, error) {
	const query = `
		SELECT id, artifact_name, from_version, to_version, trigger, reason, created_at
		FROM rollback_records
		WHERE artifact_name=$1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, artifact, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list rollback records: %w", err)
	}
	defer rows.Close()

	var records []models.RollbackRecord
	for rows.Next() {
		record, err := scanRollback(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rollback record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rollback records: %w", err)
	}
	return records, nil
}

func (s *PGStore) CreateAlertEvent(ctx context.Context, in AlertInput) (models.AlertEvent, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	const query = `
		INSERT INTO alert_events (id, artifact_name, version, metric_name, threshold, observed)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, artifact_name, version, metric_name, threshold, observed, created_at
	`
	row := s.db.QueryRowContext(ctx, query, in.ID, in.ArtifactName, in.Version, in.MetricName, in.Threshold, in.Observed)
	alert, err := scanAlert(row)
	if err != nil {
		return models.AlertEvent{}, fmt.Errorf("insert alert event: %w", err)
	}
	return alert, nil
}

func (s *PGStore) ListAlertEvents(ctx context.Context, filter ListAlertsFilter) ([]models.AlertEvent, error) {
	query := `
		SELECT id, artifact_name, version, metric_name, threshold, observed, created_at
		FROM alert_events
		WHERE 1=1
	`
	args := []interface{}{}
	argPos := 1
	if filter.ArtifactName != "" {
		query += fmt.Sprintf(" AND artifact_name = $%d", argPos)
		args = append(args, filter.ArtifactName)
		argPos++
	}
	if filter.Version != "" {
		query += fmt.Sprintf(" AND version = $%d", argPos)
		args = append(args, filter.Version)
		argPos++
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alert events: %w", err)
	}
	defer rows.Close()

	var alerts []models.AlertEvent
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert event: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert events: %w", err)
	}
	return alerts, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
