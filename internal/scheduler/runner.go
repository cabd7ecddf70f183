package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"metricwatch/internal/detect"
	"metricwatch/internal/storage"
)

const EventAnomalyDetected = "anomaly.detected"

const (
	defaultWorkers     = 5
	defaultTaskTimeout = 60 * time.Second
	defaultFetchLimit  = 10000
	minBaselineDays    = 30
	insertBatchSize    = 50
)

type ConfigStore interface {
	ListActiveConfigs(ctx context.Context, orgID, connectionID string) ([]storage.DetectionConfig, error)
}

type MetricHistory interface {
	GetMetricHistory(ctx context.Context, q storage.MetricQuery) ([]storage.MetricPoint, error)
}

type AnomalyStore interface {
	InsertAnomalies(ctx context.Context, records []storage.AnomalyRecord) error
}

type RunStore interface {
	CreateRun(ctx context.Context, run storage.DetectionRun) error
	CompleteRun(ctx context.Context, id string, processed, detected int, execMS int64) error
	FailRun(ctx context.Context, id, errText string) error
}

type EventSink interface {
	Publish(eventType string, payload any)
}

// Runner fans a detection run out across every active config for an
// organization using a bounded worker pool.
type Runner struct {
	Configs   ConfigStore
	Metrics   MetricHistory
	Anomalies AnomalyStore
	Runs      RunStore
	Events    EventSink
	Detector  *detect.Detector
	Logger    *slog.Logger

	Workers     int
	TaskTimeout time.Duration
	FetchLimit  int
}

type RunRequest struct {
	RunID        string
	OrgID        string
	ConnectionID string
	Trigger      string
}

type RunSummary struct {
	RunID             string `json:"runId"`
	Status            string `json:"status"`
	MetricsProcessed  int    `json:"metricsProcessed"`
	AnomaliesDetected int    `json:"anomaliesDetected"`
	ExecutionTimeMS   int64  `json:"executionTimeMs"`
}

type AnomalyDetectedEvent struct {
	RunID        string         `json:"run_id"`
	OrgID        string         `json:"org_id"`
	ConnectionID string         `json:"connection_id"`
	ConfigID     string         `json:"config_id"`
	MetricName   string         `json:"metric_name"`
	Count        int            `json:"count"`
	BySeverity   map[string]int `json:"by_severity"`
}

// ScheduleDetectionRun blocks until every per-config task has finished.
// A single config failing never aborts its siblings; only run-level setup
// failures mark the run failed.
func (r *Runner) ScheduleDetectionRun(ctx context.Context, req RunRequest) (RunSummary, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	connectionID := req.ConnectionID
	if connectionID == "" {
		connectionID = "org-" + req.OrgID
	}
	started := time.Now().UTC()
	run := storage.DetectionRun{
		ID:           runID,
		OrgID:        req.OrgID,
		ConnectionID: connectionID,
		TriggerType:  req.Trigger,
		Status:       storage.RunStatusRunning,
		StartedAt:    started,
	}
	if err := r.Runs.CreateRun(ctx, run); err != nil {
		return RunSummary{}, err
	}

	configs, err := r.Configs.ListActiveConfigs(ctx, req.OrgID, req.ConnectionID)
	if err != nil {
		if failErr := r.Runs.FailRun(ctx, runID, err.Error()); failErr != nil {
			r.Logger.Error("failed to mark run failed", slog.String("runId", runID), slog.String("error", failErr.Error()))
		}
		return RunSummary{RunID: runID, Status: storage.RunStatusFailed}, err
	}

	processed, detected := 0, 0
	if len(configs) > 0 {
		processed, detected = r.fanOut(ctx, runID, configs)
	}

	elapsed := time.Since(started).Milliseconds()
	if err := r.Runs.CompleteRun(ctx, runID, processed, detected, elapsed); err != nil {
		r.Logger.Error("failed to mark run completed", slog.String("runId", runID), slog.String("error", err.Error()))
	}
	r.Logger.Info("detection run completed",
		slog.String("runId", runID),
		slog.String("orgId", req.OrgID),
		slog.Int("configs", len(configs)),
		slog.Int("metricsProcessed", processed),
		slog.Int("anomaliesDetected", detected),
		slog.Int64("elapsedMs", elapsed))
	return RunSummary{
		RunID:             runID,
		Status:            storage.RunStatusCompleted,
		MetricsProcessed:  processed,
		AnomaliesDetected: detected,
		ExecutionTimeMS:   elapsed,
	}, nil
}

func (r *Runner) fanOut(ctx context.Context, runID string, configs []storage.DetectionConfig) (int, int) {
	workers := r.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	tasks := make(chan storage.DetectionConfig)
	var wg sync.WaitGroup
	var mu sync.Mutex
	processed, detected := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cfg := range tasks {
				p, d := r.runConfig(ctx, runID, cfg)
				mu.Lock()
				processed += p
				detected += d
				mu.Unlock()
			}
		}()
	}
	for _, cfg := range configs {
		tasks <- cfg
	}
	close(tasks)
	wg.Wait()
	return processed, detected
}

func (r *Runner) runConfig(ctx context.Context, runID string, cfg storage.DetectionConfig) (int, int) {
	timeout := r.TaskTimeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dcfg := r.Detector.ValidateConfig(detectConfig(cfg))

	days := dcfg.BaselineWindowDays
	if days < minBaselineDays {
		days = minBaselineDays
	}
	limit := r.FetchLimit
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	column := ""
	if cfg.ColumnName != nil {
		column = *cfg.ColumnName
	}
	history, err := r.Metrics.GetMetricHistory(ctx, storage.MetricQuery{
		OrgID:        cfg.OrgID,
		ConnectionID: cfg.ConnectionID,
		MetricName:   cfg.MetricName,
		TableName:    cfg.TableName,
		ColumnName:   column,
		Days:         days,
		Limit:        limit,
	})
	if err != nil {
		r.Logger.Error("failed to fetch metric history",
			slog.String("configId", cfg.ID),
			slog.String("metric", cfg.MetricName),
			slog.String("error", err.Error()))
		return 0, 0
	}
	if len(history) < dcfg.MinDataPoints {
		r.Logger.Info("skipping config, not enough history",
			slog.String("configId", cfg.ID),
			slog.Int("points", len(history)),
			slog.Int("required", dcfg.MinDataPoints))
		return 0, 0
	}

	metrics := make([]detect.Metric, 0, len(history))
	for _, p := range history {
		m := detect.Metric{Timestamp: p.TSUTC.UTC().Format(time.RFC3339), Value: p.NumericValue}
		if p.TextValue != nil {
			m.Text = *p.TextValue
		}
		metrics = append(metrics, m)
	}

	anomalies := r.Detector.DetectAnomalies(dcfg, metrics)
	if len(anomalies) == 0 {
		return 1, 0
	}

	records := make([]storage.AnomalyRecord, 0, len(anomalies))
	bySeverity := map[string]int{}
	for _, a := range anomalies {
		ts, err := time.Parse(time.RFC3339, a.Timestamp)
		if err != nil {
			ts = time.Now().UTC()
		}
		records = append(records, storage.AnomalyRecord{
			ConfigID:     cfg.ID,
			RunID:        runID,
			OrgID:        cfg.OrgID,
			ConnectionID: cfg.ConnectionID,
			MetricName:   cfg.MetricName,
			TableName:    cfg.TableName,
			ColumnName:   cfg.ColumnName,
			TSUTC:        ts,
			Value:        a.Value,
			Score:        a.Score,
			Threshold:    a.Threshold,
			Method:       string(a.Method),
			Severity:     string(a.Severity),
		})
		bySeverity[string(a.Severity)]++
	}
	r.persistAnomalies(ctx, cfg.ID, records)

	r.Events.Publish(EventAnomalyDetected, AnomalyDetectedEvent{
		RunID:        runID,
		OrgID:        cfg.OrgID,
		ConnectionID: cfg.ConnectionID,
		ConfigID:     cfg.ID,
		MetricName:   cfg.MetricName,
		Count:        len(anomalies),
		BySeverity:   bySeverity,
	})
	return 1, len(anomalies)
}

// persistAnomalies writes in bounded batches, a failed batch is logged and
// the next one still attempts.
func (r *Runner) persistAnomalies(ctx context.Context, configID string, records []storage.AnomalyRecord) {
	for start := 0; start < len(records); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(records) {
			end = len(records)
		}
		if err := r.Anomalies.InsertAnomalies(ctx, records[start:end]); err != nil {
			r.Logger.Error("failed to persist anomaly batch",
				slog.String("configId", configID),
				slog.Int("batchStart", start),
				slog.String("error", err.Error()))
		}
	}
}

func detectConfig(cfg storage.DetectionConfig) detect.Config {
	params := map[string]any{}
	if len(cfg.ParamsJSON) > 0 {
		_ = json.Unmarshal(cfg.ParamsJSON, &params)
	}
	return detect.Config{
		Method:             cfg.Method,
		Sensitivity:        cfg.Sensitivity,
		MinDataPoints:      cfg.MinDataPoints,
		BaselineWindowDays: cfg.BaselineWindowDays,
		Params:             params,
	}
}
