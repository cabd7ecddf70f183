package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"metricwatch/internal/connector"
	"metricwatch/internal/crypto"
	"metricwatch/internal/jobs"
	"metricwatch/internal/scheduler"
	"metricwatch/internal/storage"
)

type fakeTrigger struct {
	summary scheduler.RunSummary
	skipped bool
	err     error

	orgID        string
	connectionID string
	trigger      string
}

func (f *fakeTrigger) TriggerRun(ctx context.Context, orgID, connectionID, trigger string) (scheduler.RunSummary, bool, error) {
	f.orgID = orgID
	f.connectionID = connectionID
	f.trigger = trigger
	return f.summary, f.skipped, f.err
}

type fakeRunStore struct {
	runs map[string]storage.DetectionRun
}

func (f *fakeRunStore) GetRun(ctx context.Context, id string) (storage.DetectionRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return storage.DetectionRun{}, storage.ErrNotFound
	}
	return run, nil
}

type fakeJobLister struct {
	infos []jobs.JobInfo
}

func (f *fakeJobLister) Active() []jobs.JobInfo { return f.infos }

type fakeMetricStore struct {
	points []storage.MetricPoint
	err    error
}

func (f *fakeMetricStore) TrackMetricsBatch(ctx context.Context, points []storage.MetricPoint) error {
	f.points = append(f.points, points...)
	return f.err
}

type fakeConnectionStore struct {
	created []storage.Connection
	err     error
}

func (f *fakeConnectionStore) CreateConnection(ctx context.Context, conn storage.Connection) error {
	f.created = append(f.created, conn)
	return f.err
}

func newTestHandler(t *testing.T) (*Handler, *fakeTrigger, *fakeRunStore, *fakeMetricStore, *fakeConnectionStore) {
	t.Helper()
	enc, err := crypto.NewAesGcmEncryptor([]byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	trigger := &fakeTrigger{summary: scheduler.RunSummary{RunID: "run-1", Status: storage.RunStatusCompleted}}
	runs := &fakeRunStore{runs: map[string]storage.DetectionRun{}}
	metrics := &fakeMetricStore{}
	conns := &fakeConnectionStore{}
	h := &Handler{
		Service:     trigger,
		Runs:        runs,
		Jobs:        &fakeJobLister{},
		Metrics:     metrics,
		Connections: conns,
		Encryptor:   enc,
		Timeout:     time.Second,
		Validate:    func(ctx context.Context, cfg connector.ConnectionConfig) error { return nil },
	}
	return h, trigger, runs, metrics, conns
}

func serve(h *Handler, method, path string, body any) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h, _, _, _, _ := newTestHandler(t)
	rec := serve(h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
}

func TestRunTriggerManual(t *testing.T) {
	h, trigger, _, _, _ := newTestHandler(t)
	rec := serve(h, http.MethodPost, "/runs", map[string]string{"orgId": "org-1", "connectionId": "conn-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if trigger.trigger != storage.TriggerManual {
		t.Fatalf("expected manual trigger got %s", trigger.trigger)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["runId"] != "run-1" {
		t.Fatalf("expected run id in response, got %v", resp)
	}
}

func TestRunTriggerDuplicateConflicts(t *testing.T) {
	h, trigger, _, _, _ := newTestHandler(t)
	trigger.skipped = true
	rec := serve(h, http.MethodPost, "/runs", map[string]string{"orgId": "org-1", "connectionId": "conn-1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
}

func TestRunTriggerRequiresIdentifiers(t *testing.T) {
	h, _, _, _, _ := newTestHandler(t)
	rec := serve(h, http.MethodPost, "/runs", map[string]string{"orgId": "org-1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestRunGet(t *testing.T) {
	h, _, runs, _, _ := newTestHandler(t)
	runs.runs["run-9"] = storage.DetectionRun{ID: "run-9", Status: storage.RunStatusCompleted, AnomaliesDetected: 4}
	rec := serve(h, http.MethodGet, "/runs/run-9", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["anomaliesDetected"] != float64(4) {
		t.Fatalf("unexpected body %v", resp)
	}

	rec = serve(h, http.MethodGet, "/runs/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestActiveJobs(t *testing.T) {
	h, _, _, _, _ := newTestHandler(t)
	h.Jobs = &fakeJobLister{infos: []jobs.JobInfo{{JobID: "j1", ConnectionID: "conn-1"}}}
	rec := serve(h, http.MethodGet, "/jobs/active", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var infos []jobs.JobInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(infos) != 1 || infos[0].JobID != "j1" {
		t.Fatalf("unexpected jobs %v", infos)
	}
}

func TestConnectionCreateEncryptsDSN(t *testing.T) {
	h, _, _, _, conns := newTestHandler(t)
	rec := serve(h, http.MethodPost, "/connections", connectionRequest{
		OrgID: "org-1", Name: "warehouse", Type: "postgres",
		Host: "db", User: "u", Password: "secret", Database: "metrics",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if len(conns.created) != 1 {
		t.Fatalf("expected one stored connection got %d", len(conns.created))
	}
	stored := conns.created[0]
	if strings.Contains(stored.EncryptedDSN, "secret") {
		t.Fatalf("dsn stored in the clear")
	}
	plain, err := h.Encryptor.Decrypt(stored.EncryptedDSN)
	if err != nil {
		t.Fatalf("decrypt stored dsn: %v", err)
	}
	if !strings.Contains(plain, "password=secret") {
		t.Fatalf("unexpected dsn %q", plain)
	}
}

func TestConnectionCreateRejectsFailedValidation(t *testing.T) {
	h, _, _, _, conns := newTestHandler(t)
	h.Validate = func(ctx context.Context, cfg connector.ConnectionConfig) error {
		return errors.New("connection refused")
	}
	rec := serve(h, http.MethodPost, "/connections", connectionRequest{
		OrgID: "org-1", Name: "warehouse", Type: "postgres",
		Host: "db", User: "u", Password: "p", Database: "metrics",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if len(conns.created) != 0 {
		t.Fatalf("connection stored despite failed validation")
	}
}

func TestMetricIngest(t *testing.T) {
	h, _, _, metrics, _ := newTestHandler(t)
	value := 42.5
	rec := serve(h, http.MethodPost, "/metrics", ingestRequest{Points: []metricPointRequest{{
		OrgID: "org-1", ConnectionID: "conn-1", MetricName: "orders", TableName: "orders",
		Timestamp: "2026-08-29T12:00:00Z", NumericValue: &value,
	}}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if len(metrics.points) != 1 {
		t.Fatalf("expected one stored point got %d", len(metrics.points))
	}
	if !metrics.points[0].TSUTC.Equal(time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp %v", metrics.points[0].TSUTC)
	}
}

func TestMetricIngestRejectsBadTimestamp(t *testing.T) {
	h, _, _, metrics, _ := newTestHandler(t)
	rec := serve(h, http.MethodPost, "/metrics", ingestRequest{Points: []metricPointRequest{{
		OrgID: "org-1", ConnectionID: "conn-1", MetricName: "orders", Timestamp: "yesterday",
	}}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if len(metrics.points) != 0 {
		t.Fatalf("points stored despite bad timestamp")
	}
}
