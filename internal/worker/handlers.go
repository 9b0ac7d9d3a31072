package worker

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/clusterscope/internal/clustering"
	"github.com/thebtf/clusterscope/internal/db"
	"github.com/thebtf/clusterscope/pkg/models"
)

// Handler configuration constants
const (
	// DefaultScenariosLimit is the default page size of scenario listings.
	DefaultScenariosLimit = 100
	// MaxScenariosLimit caps the page size of scenario listings.
	MaxScenariosLimit = 1000
	// MaxImportEntities caps one entity import request.
	MaxImportEntities = 50000
)

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// writeJSON writes data as a JSON response with status 200.
func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSONStatus(w, status, errorResponse{Error: msg, RequestID: GetRequestID(r.Context())})
}

// writeServiceError maps service errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *clustering.ValidationError
		precond    *clustering.PromotionPreconditionError
	)
	switch {
	case errors.As(err, &validation):
		writeJSONStatus(w, http.StatusBadRequest, errorResponse{
			Error:     validation.Error(),
			Field:     validation.Field,
			RequestID: GetRequestID(r.Context()),
		})
	case errors.Is(err, db.ErrScenarioNotFound),
		errors.Is(err, db.ErrVersionNotFound),
		errors.Is(err, db.ErrClusterNotFound),
		errors.Is(err, db.ErrEntityNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.As(err, &precond),
		errors.Is(err, clustering.ErrScenarioInUse),
		errors.Is(err, db.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).
			Str("path", r.URL.Path).
			Str("request_id", GetRequestID(r.Context())).
			Msg("Request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func intParam(r *http.Request, name string) (int, error) {
	raw := chi.URLParam(r, name)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &clustering.ValidationError{Field: name, Reason: fmt.Sprintf("not an integer: %q", raw)}
	}
	return n, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &clustering.ValidationError{Field: name, Reason: fmt.Sprintf("not a non-negative integer: %q", raw)}
	}
	return n, nil
}

// handleHealth handles health check requests.
// Returns 200 even before the store is reachable; use /api/ready for readiness.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	} else if err := s.GetInitError(); err != nil {
		status = "error"
	}
	writeJSON(w, map[string]interface{}{
		"status":  status,
		"version": s.version,
	})
}

// handleReady returns 200 only when the store is reachable, 503 otherwise. A
// degraded store is still ready.
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeError(w, r, http.StatusServiceUnavailable, "service not ready")
		return
	}
	health := s.storeHealth(r)
	if !health.Ready() {
		log.Warn().Str("error", health.Error).Msg("Store health check failed")
		writeError(w, r, http.StatusServiceUnavailable, "store unhealthy: "+health.Error)
		return
	}
	writeJSON(w, map[string]interface{}{"status": "ready", "store": health})
}

// storeHealth asks the store for a health report, falling back to Ping for stores
// that do not implement db.HealthChecker.
func (s *Service) storeHealth(r *http.Request) *db.HealthInfo {
	if hc, ok := s.store.(db.HealthChecker); ok {
		return hc.HealthCheck(r.Context())
	}
	start := time.Now()
	err := s.store.Ping(r.Context())
	info := &db.HealthInfo{
		CheckedAt:   time.Now(),
		Status:      db.HealthStatusHealthy,
		PingLatency: time.Since(start),
	}
	if err != nil {
		info.Status = db.HealthStatusUnhealthy
		info.Error = err.Error()
	}
	return info
}

// requireReady blocks API routes until the store is reachable.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			if err := s.GetInitError(); err != nil {
				writeError(w, r, http.StatusInternalServerError, "service initialization failed: "+err.Error())
				return
			}
			writeError(w, r, http.StatusServiceUnavailable, "service initializing")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleCreateScenario validates and queues a scenario. Clustering runs in the background.
func (s *Service) handleCreateScenario(w http.ResponseWriter, r *http.Request) {
	var req clustering.CreateScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sc, err := s.clustering.CreateScenario(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/scenarios/"+sc.ID)
	writeJSONStatus(w, http.StatusAccepted, sc)
}

// handleSweep queues one scenario per (k, threshold) pair of the grid.
func (s *Service) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req clustering.SweepRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !s.sweepLimiter.CanExecute() {
		remaining := s.sweepLimiter.CooldownRemaining()
		w.Header().Set("Retry-After", strconv.Itoa(int(remaining.Round(time.Second)/time.Second)+1))
		writeError(w, r, http.StatusTooManyRequests, fmt.Sprintf("sweep cooldown, retry in %s", remaining.Round(time.Second)))
		return
	}
	scenarios, err := s.clustering.Sweep(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]interface{}{
		"scenarios": scenarios,
		"count":     len(scenarios),
	})
}

// handleListScenarios lists scenarios, newest first.
func (s *Service) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.ScenarioFilter{}

	if raw := q.Get("entity_type"); raw != "" {
		t, err := models.ParseEntityType(raw)
		if err != nil {
			writeServiceError(w, r, &clustering.ValidationError{Field: "entity_type", Reason: err.Error()})
			return
		}
		filter.EntityType = t
	}
	if raw := q.Get("status"); raw != "" {
		st := models.ScenarioStatus(strings.ToLower(raw))
		if !st.Valid() {
			writeServiceError(w, r, &clustering.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", raw)})
			return
		}
		filter.Status = st
	}

	limit, err := queryInt(r, "limit", DefaultScenariosLimit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	filter.Limit = min(max(limit, 1), MaxScenariosLimit)
	filter.Offset = offset

	scenarios, err := s.clustering.ListScenarios(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if scenarios == nil {
		scenarios = []*models.Scenario{}
	}
	writeJSON(w, scenarios)
}

// handleGetScenario returns a scenario, with its clusters once completed.
func (s *Service) handleGetScenario(w http.ResponseWriter, r *http.Request) {
	details, err := s.clustering.GetScenario(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, details)
}

// handleDeleteScenario deletes a scenario. A scenario backing the active version needs ?force=true.
func (s *Service) handleDeleteScenario(w http.ResponseWriter, r *http.Request) {
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeServiceError(w, r, &clustering.ValidationError{Field: "force", Reason: fmt.Sprintf("not a boolean: %q", raw)})
			return
		}
		force = v
	}
	if err := s.clustering.DeleteScenario(r.Context(), chi.URLParam(r, "id"), force); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePromoteScenario applies a completed scenario to production.
func (s *Service) handlePromoteScenario(w http.ResponseWriter, r *http.Request) {
	result, err := s.clustering.Promote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, result)
}

// labelRequest is the body of cluster label writes.
type labelRequest struct {
	Label      string `json:"label"`
	EntityType string `json:"entity_type,omitempty"`
}

// handleLabelScenarioCluster stores an externally produced label on a scenario cluster.
func (s *Service) handleLabelScenarioCluster(w http.ResponseWriter, r *http.Request) {
	clusterID, err := intParam(r, "clusterID")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	var req labelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.clustering.LabelScenarioCluster(r.Context(), id, clusterID, req.Label); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"scenario_id": id,
		"cluster_id":  clusterID,
		"label":       strings.TrimSpace(req.Label),
	})
}

// handleListVersions returns the production version history, newest first.
func (s *Service) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.clustering.ListVersions(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if versions == nil {
		versions = []*models.ClusterVersion{}
	}
	writeJSON(w, versions)
}

// handleActiveVersion returns the active production version, 404 before any promotion.
func (s *Service) handleActiveVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.clustering.GetActiveVersion(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, v)
}

// handleGetCentroids returns the centroids of a version, optionally for one entity type.
func (s *Service) handleGetCentroids(w http.ResponseWriter, r *http.Request) {
	version, err := intParam(r, "version")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	entityType := models.EntityType(strings.ToLower(r.URL.Query().Get("entity_type")))
	centroids, err := s.clustering.GetCentroids(r.Context(), version, entityType)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if centroids == nil {
		centroids = []*models.ClusterCentroid{}
	}
	writeJSON(w, centroids)
}

// handleRollback re-promotes the scenario behind an older version as a new version.
func (s *Service) handleRollback(w http.ResponseWriter, r *http.Request) {
	version, err := intParam(r, "version")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	result, err := s.clustering.Rollback(r.Context(), version)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, result)
}

// handleLabelProductionCluster stores a label on a production cluster and its entities.
func (s *Service) handleLabelProductionCluster(w http.ResponseWriter, r *http.Request) {
	version, err := intParam(r, "version")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	clusterID, err := intParam(r, "clusterID")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	var req labelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entityType := models.EntityType(strings.ToLower(req.EntityType))
	if err := s.clustering.LabelProductionCluster(r.Context(), version, entityType, clusterID, req.Label); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"version":     version,
		"entity_type": entityType,
		"cluster_id":  clusterID,
		"label":       strings.TrimSpace(req.Label),
	})
}

// EntityRecord is the import form of an entity, embedding included.
type EntityRecord struct {
	ID         string    `json:"id" yaml:"id"`
	Type       string    `json:"type" yaml:"type"`
	Title      string    `json:"title" yaml:"title"`
	Industry   string    `json:"industry,omitempty" yaml:"industry"`
	Embedding  []float32 `json:"embedding" yaml:"embedding"`
	Viability  float64   `json:"viability,omitempty" yaml:"viability"`
	LTV        float64   `json:"ltv,omitempty" yaml:"ltv"`
	CAC        float64   `json:"cac,omitempty" yaml:"cac"`
	HasProduct bool      `json:"has_product,omitempty" yaml:"has_product"`
}

// ToEntities validates records and converts them to entities.
// Production cluster fields are never imported; only promotion writes them.
func ToEntities(records []EntityRecord) ([]*models.Entity, error) {
	out := make([]*models.Entity, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for i, rec := range records {
		id := strings.TrimSpace(rec.ID)
		if id == "" {
			return nil, &clustering.ValidationError{Field: "id", Reason: fmt.Sprintf("record %d has no id", i)}
		}
		if _, dup := seen[id]; dup {
			return nil, &clustering.ValidationError{Field: "id", Reason: fmt.Sprintf("duplicate id %q", id)}
		}
		seen[id] = struct{}{}
		t, err := models.ParseEntityType(rec.Type)
		if err != nil {
			return nil, &clustering.ValidationError{Field: "type", Reason: fmt.Sprintf("record %q: %v", id, err)}
		}
		out = append(out, &models.Entity{
			ID:         id,
			Type:       t,
			Title:      rec.Title,
			Industry:   rec.Industry,
			Embedding:  rec.Embedding,
			Viability:  rec.Viability,
			LTV:        rec.LTV,
			CAC:        rec.CAC,
			HasProduct: rec.HasProduct,
		})
	}
	return out, nil
}

// importRequest is the body of entity imports.
type importRequest struct {
	Entities []EntityRecord `json:"entities"`
}

// handleImportEntities upserts entities with their embeddings.
func (s *Service) handleImportEntities(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Entities) > MaxImportEntities {
		writeServiceError(w, r, &clustering.ValidationError{
			Field:  "entities",
			Reason: fmt.Sprintf("at most %d per request, got %d", MaxImportEntities, len(req.Entities)),
		})
		return
	}
	entities, err := ToEntities(req.Entities)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	n, err := s.store.UpsertEntities(r.Context(), entities)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, map[string]int{"upserted": n})
}

// handleGetEntity returns one entity with its production assignment.
func (s *Service) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.GetEntity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, e)
}

// handleOrphans reports entities whose production cluster has no centroid.
func (s *Service) handleOrphans(w http.ResponseWriter, r *http.Request) {
	report, err := s.clustering.FindOrphans(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if report.Orphans == nil {
		report.Orphans = []*models.OrphanedCluster{}
	}
	writeJSON(w, report)
}

// handleCandidates returns every production solution ranked by candidate score.
func (s *Service) handleCandidates(w http.ResponseWriter, r *http.Request) {
	ranked, err := s.ranker.Rank(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if limit > 0 && limit < len(ranked) {
		ranked = ranked[:limit]
	}
	writeJSON(w, map[string]interface{}{
		"candidates": ranked,
		"count":      len(ranked),
		"weights":    s.ranker.Calculator().GetConfig(),
	})
}

// handleBestCandidate returns the best solution without a product, or null.
func (s *Service) handleBestCandidate(w http.ResponseWriter, r *http.Request) {
	best, err := s.ranker.Best(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, map[string]interface{}{"candidate": best})
}

// handleStats returns worker statistics.
func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"store":          s.config.StoreDriver,
		"create_limiter": s.createLimiter.Stats(),
		"maintenance":    s.maintenance.Stats(),
		"store_health":   s.storeHealth(r),
	}
	if v, err := s.clustering.GetActiveVersion(r.Context()); err == nil {
		stats["active_version"] = v.Version
	} else if !errors.Is(err, db.ErrVersionNotFound) {
		writeServiceError(w, r, err)
		return
	}
	pending, err := s.clustering.ListScenarios(r.Context(), models.ScenarioFilter{Status: models.ScenarioPending, Limit: MaxScenariosLimit})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	stats["pending_scenarios"] = len(pending)
	writeJSON(w, stats)
}

// handleRunMaintenance runs the maintenance tasks now and returns their stats.
func (s *Service) handleRunMaintenance(w http.ResponseWriter, r *http.Request) {
	s.maintenance.RunNow(r.Context())
	writeJSON(w, s.maintenance.Stats())
}
