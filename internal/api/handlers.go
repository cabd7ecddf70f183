package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"metricwatch/internal/connector"
	"metricwatch/internal/crypto"
	"metricwatch/internal/jobs"
	"metricwatch/internal/scheduler"
	"metricwatch/internal/storage"
)

type RunTrigger interface {
	TriggerRun(ctx context.Context, orgID, connectionID, trigger string) (scheduler.RunSummary, bool, error)
}

type RunStore interface {
	GetRun(ctx context.Context, id string) (storage.DetectionRun, error)
}

type ActiveJobLister interface {
	Active() []jobs.JobInfo
}

type MetricStore interface {
	TrackMetricsBatch(ctx context.Context, points []storage.MetricPoint) error
}

type ConnectionStore interface {
	CreateConnection(ctx context.Context, conn storage.Connection) error
}

type Handler struct {
	Service     RunTrigger
	Runs        RunStore
	Jobs        ActiveJobLister
	Metrics     MetricStore
	Connections ConnectionStore
	Encryptor   crypto.Encryptor
	Timeout     time.Duration

	// Validate is swappable so tests never dial a real database.
	Validate func(ctx context.Context, cfg connector.ConnectionConfig) error
}

type triggerRequest struct {
	OrgID        string `json:"orgId"`
	ConnectionID string `json:"connectionId"`
}

type connectionRequest struct {
	OrgID    string `json:"orgId"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslMode"`
}

type metricPointRequest struct {
	OrgID        string   `json:"orgId"`
	ConnectionID string   `json:"connectionId"`
	MetricName   string   `json:"metricName"`
	TableName    string   `json:"tableName"`
	ColumnName   string   `json:"columnName"`
	Timestamp    string   `json:"timestamp"`
	NumericValue *float64 `json:"numericValue"`
	TextValue    *string  `json:"textValue"`
}

type ingestRequest struct {
	Points []metricPointRequest `json:"points"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Post("/runs", h.handleRunTrigger)
	r.Get("/runs/{id}", h.handleRunGet)
	r.Get("/jobs/active", h.handleActiveJobs)
	r.Post("/connections", h.handleConnectionCreate)
	r.Post("/metrics", h.handleMetricIngest)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleRunTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	if req.OrgID == "" || req.ConnectionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "orgId and connectionId are required"})
		return
	}
	summary, skipped, err := h.Service.TriggerRun(r.Context(), req.OrgID, req.ConnectionID, storage.TriggerManual)
	if skipped {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "message": "a detection run for this connection is already in progress"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "detection run failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                true,
		"runId":             summary.RunID,
		"status":            summary.Status,
		"metricsProcessed":  summary.MetricsProcessed,
		"anomaliesDetected": summary.AnomaliesDetected,
	})
}

func (h *Handler) handleRunGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	run, err := h.Runs.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "run not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to fetch run"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                run.ID,
		"orgId":             run.OrgID,
		"connectionId":      run.ConnectionID,
		"trigger":           run.TriggerType,
		"status":            run.Status,
		"metricsProcessed":  run.MetricsProcessed,
		"anomaliesDetected": run.AnomaliesDetected,
		"startedAt":         run.StartedAt,
		"completedAt":       run.CompletedAt,
		"executionTimeMs":   run.ExecutionTimeMS,
		"error":             run.Error,
	})
}

func (h *Handler) handleActiveJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Jobs.Active())
}

func (h *Handler) handleConnectionCreate(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	if req.OrgID == "" || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "orgId and name are required"})
		return
	}
	cfg := connector.ConnectionConfig{
		Type:     req.Type,
		Host:     req.Host,
		Port:     req.Port,
		User:     req.User,
		Password: req.Password,
		Database: req.Database,
		SSLMode:  req.SSLMode,
	}
	dsn, err := connector.DSN(cfg)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	if err := h.Validate(ctx, cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "connection test failed: " + err.Error()})
		return
	}
	cipherText, err := h.Encryptor.Encrypt(dsn)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "encryption failed"})
		return
	}
	conn := storage.Connection{
		ID:           uuid.NewString(),
		OrgID:        req.OrgID,
		Name:         req.Name,
		Type:         req.Type,
		EncryptedDSN: cipherText,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.Connections.CreateConnection(ctx, conn); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to store connection"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connectionId": conn.ID})
}

func (h *Handler) handleMetricIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}
	if len(req.Points) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "points are required"})
		return
	}
	points := make([]storage.MetricPoint, 0, len(req.Points))
	for _, p := range req.Points {
		ts, err := time.Parse(time.RFC3339, p.Timestamp)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "invalid timestamp " + p.Timestamp})
			return
		}
		points = append(points, storage.MetricPoint{
			OrgID:        p.OrgID,
			ConnectionID: p.ConnectionID,
			MetricName:   p.MetricName,
			TableName:    p.TableName,
			ColumnName:   p.ColumnName,
			TSUTC:        ts.UTC(),
			NumericValue: p.NumericValue,
			TextValue:    p.TextValue,
		})
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	if err := h.Metrics.TrackMetricsBatch(ctx, points); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to store metrics"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "stored": len(points)})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
