package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelfleet/modelfleet/internal/deploy"
	"github.com/modelfleet/modelfleet/internal/metrics"
	"github.com/modelfleet/modelfleet/internal/models"
	"github.com/modelfleet/modelfleet/internal/rollback"
	"github.com/modelfleet/modelfleet/internal/semver"
	"github.com/modelfleet/modelfleet/internal/service"
	"github.com/modelfleet/modelfleet/internal/snapshot"
	"github.com/modelfleet/modelfleet/internal/store"
)

type Server struct {
	service *service.Service
	store   store.Store
}

func New(svc *service.Service, store store.Store) *Server {
	return &Server{service: svc, store: store}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/artifacts", func(r chi.Router) {
			r.Post("/", s.handleRegisterArtifact)
			r.Get("/", s.handleListArtifacts)
			r.Route("/{artifact}", func(r chi.Router) {
				r.Get("/", s.handleGetArtifact)
				r.Post("/versions", s.handleRegisterVersion)
				r.Get("/versions", s.handleListVersions)
				r.Get("/versions/latest", s.handleLatestVersion)
				r.Post("/deployments", s.handleDeploy)
				r.Get("/deployments", s.handleListDeployments)
				r.Get("/traffic", s.handleTraffic)
				r.Post("/rollback", s.handleRollback)
				r.Post("/rollback/auto", s.handleAutoRollbackCheck)
				r.Post("/autorollback", s.handleEnableAutoRollback)
				r.Post("/samples", s.handleRecordSample)
				r.Get("/metrics", s.handleVersionMetrics)
				r.Get("/metrics/compare", s.handleCompareMetrics)
				r.Get("/metrics/ranking", s.handleRanking)
				r.Get("/snapshots", s.handleListSnapshots)
				r.Get("/alerts", s.handleListAlerts)
				r.Get("/rollbacks", s.handleListRollbacks)
			})
		})
		r.Post("/deployments/{id}/advance", s.handleAdvance)
		r.Get("/deployments/{id}", s.handleGetDeployment)
		r.Post("/snapshots/{id}/restore", s.handleRestoreSnapshot)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleRegisterArtifact(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterArtifactRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	artifact, err := s.service.RegisterArtifact(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, artifact)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.service.ListArtifacts(r.Context(), queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, artifacts)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.service.GetArtifact(r.Context(), chi.URLParam(r, "artifact"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, artifact)
}

func (s *Server) handleRegisterVersion(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterVersionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.ArtifactName = chi.URLParam(r, "artifact")
	version, err := s.service.RegisterVersion(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, version)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.service.ListVersions(r.Context(), chi.URLParam(r, "artifact"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, versions)
}

func (s *Server) handleLatestVersion(w http.ResponseWriter, r *http.Request) {
	version, err := s.service.LatestVersion(r.Context(), chi.URLParam(r, "artifact"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, version)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req service.DeployRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.ArtifactName = chi.URLParam(r, "artifact")
	deployment, err := s.service.RegisterDeploymentRequest(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, deployment)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	deployments, err := s.service.ListDeployments(r.Context(), chi.URLParam(r, "artifact"),
		queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, deployments)
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.CurrentTraffic(r.Context(), chi.URLParam(r, "artifact"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req service.RollbackRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.ArtifactName = chi.URLParam(r, "artifact")
	record, err := s.service.RollbackManual(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleAutoRollbackCheck(w http.ResponseWriter, r *http.Request) {
	var thresholds models.Thresholds
	if err := decodeJSON(w, r, &thresholds); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	record, err := s.service.RollbackAutomaticCheck(r.Context(), chi.URLParam(r, "artifact"), thresholds)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if record == nil {
		respondJSON(w, http.StatusOK, map[string]bool{"rolledBack": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"rolledBack": true, "record": record})
}

type enableAutoRollbackRequest struct {
	ErrorThreshold float64 `json:"errorThreshold"`
}

func (s *Server) handleEnableAutoRollback(w http.ResponseWriter, r *http.Request) {
	var req enableAutoRollbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	artifact := chi.URLParam(r, "artifact")
	if err := s.service.EnableAutoRollback(r.Context(), artifact, req.ErrorThreshold); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"artifactName":   artifact,
		"errorThreshold": req.ErrorThreshold,
		"enabled":        true,
	})
}

func (s *Server) handleRecordSample(w http.ResponseWriter, r *http.Request) {
	var req service.RecordSampleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.ArtifactName = chi.URLParam(r, "artifact")
	if err := s.service.RecordSample(r.Context(), req); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) handleVersionMetrics(w http.ResponseWriter, r *http.Request) {
	agg, err := s.service.GetMetrics(r.Context(), chi.URLParam(r, "artifact"), r.URL.Query().Get("version"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agg)
}

func (s *Server) handleCompareMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	delta, err := s.service.CompareVersions(r.Context(), chi.URLParam(r, "artifact"), q.Get("a"), q.Get("b"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, delta)
}

func (s *Server) handleRanking(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.service.RankVersions(chi.URLParam(r, "artifact")))
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.service.ListSnapshots(r.Context(), chi.URLParam(r, "artifact"), queryInt(r, "limit", 0))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snapshots)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.service.ListAlerts(r.Context(), chi.URLParam(r, "artifact"),
		r.URL.Query().Get("version"), queryInt(r, "limit", 0))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleListRollbacks(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.ListRollbacks(r.Context(), chi.URLParam(r, "artifact"), queryInt(r, "limit", 0))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	deployment, err := s.service.AdvanceDeployment(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, deployment)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	deployment, err := s.service.GetDeploymentState(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, deployment)
}

type restoreRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid snapshot id")
		return
	}
	var req restoreRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	record, err := s.service.RestoreSnapshot(r.Context(), id, req.Reason)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// statusFor maps domain errors onto HTTP statuses; anything unrecognized is a
// server fault.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, deploy.ErrDeploymentInProgress):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, deploy.ErrArtifactNotFound),
		errors.Is(err, deploy.ErrDeploymentNotFound),
		errors.Is(err, snapshot.ErrSnapshotNotFound),
		errors.Is(err, snapshot.ErrVersionNeverDeployed),
		errors.Is(err, rollback.ErrNoPriorDeployment),
		errors.Is(err, metrics.ErrNoSamples):
		return http.StatusNotFound
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, semver.ErrInvalidVersion),
		errors.Is(err, semver.ErrEmptyVersionSet),
		errors.Is(err, deploy.ErrInvalidStrategy),
		errors.Is(err, deploy.ErrVersionNotRegistered):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondServiceError(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), err.Error())
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
