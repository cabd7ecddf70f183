package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"metricwatch/internal/jobs"
	"metricwatch/internal/storage"
)

const (
	JobTypeDetection = "anomaly_detection"

	tickInterval   = time.Second
	errorBackoff   = 5 * time.Second
	hourlyLookback = 24 * time.Hour
)

type ConfigTracker interface {
	ListConfigsUpdatedSince(ctx context.Context, since time.Time) ([]storage.DetectionConfig, error)
}

type ConnectionLister interface {
	ListConnections(ctx context.Context) ([]storage.Connection, error)
}

// Service drives scheduled detection: a daily sweep over every connection and
// an hourly sweep over recently updated configs. Every entry point is gated
// through the deduplication guard.
type Service struct {
	Runner      *Runner
	Deduper     *jobs.Deduper
	Connections ConnectionLister
	Configs     ConfigTracker
	Logger      *slog.Logger
	DailyAt     string // "15:04" in UTC

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastDailyDate string
	lastHourly    time.Time
}

func (s *Service) Start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.lastHourly = time.Now().UTC()
	s.wg.Add(1)
	go s.loop()
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}
}

func (s *Service) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.tick(time.Now().UTC())
		case <-s.ctx.Done():
			return
		}
	}
}

// tick checks both cadences. A failing sweep is logged and retried on a later
// tick after a short backoff, the loop itself never terminates on error.
func (s *Service) tick(now time.Time) {
	if s.DailyAt != "" && now.Format("15:04") == s.DailyAt && s.lastDailyDate != now.Format(time.DateOnly) {
		s.lastDailyDate = now.Format(time.DateOnly)
		if err := s.runDailySweep(s.ctx); err != nil {
			s.Logger.Error("daily sweep failed", slog.String("error", err.Error()))
			time.Sleep(errorBackoff)
		}
	}
	if now.Sub(s.lastHourly) >= time.Hour {
		s.lastHourly = now
		if err := s.runHourlySweep(s.ctx, now.Add(-hourlyLookback)); err != nil {
			s.Logger.Error("hourly sweep failed", slog.String("error", err.Error()))
			time.Sleep(errorBackoff)
		}
	}
}

// runDailySweep triggers one run per connection across all organizations.
// A failure on one connection never aborts the sweep.
func (s *Service) runDailySweep(ctx context.Context) error {
	connections, err := s.Connections.ListConnections(ctx)
	if err != nil {
		return err
	}
	for _, conn := range connections {
		if _, _, err := s.TriggerRun(ctx, conn.OrgID, conn.ID, storage.TriggerScheduled); err != nil {
			s.Logger.Error("scheduled run failed",
				slog.String("orgId", conn.OrgID),
				slog.String("connectionId", conn.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// runHourlySweep triggers one run per (org, connection) group that had a
// config change inside the lookback window.
func (s *Service) runHourlySweep(ctx context.Context, since time.Time) error {
	configs, err := s.Configs.ListConfigsUpdatedSince(ctx, since)
	if err != nil {
		return err
	}
	type group struct{ orgID, connectionID string }
	seen := map[group]bool{}
	for _, cfg := range configs {
		g := group{orgID: cfg.OrgID, connectionID: cfg.ConnectionID}
		if seen[g] {
			continue
		}
		seen[g] = true
		if _, _, err := s.TriggerRun(ctx, g.orgID, g.connectionID, storage.TriggerScheduled); err != nil {
			s.Logger.Error("hourly run failed",
				slog.String("orgId", g.orgID),
				slog.String("connectionId", g.connectionID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// TriggerRun gates a detection run through the deduplication guard. The
// returned bool reports whether the run was skipped as a duplicate.
func (s *Service) TriggerRun(ctx context.Context, orgID, connectionID, trigger string) (RunSummary, bool, error) {
	fingerprint := jobs.Fingerprint(connectionID, JobTypeDetection, trigger, map[string]string{"org": orgID})
	runID := uuid.NewString()
	if !s.Deduper.Register(ctx, fingerprint, runID, connectionID, JobTypeDetection, trigger) {
		s.Logger.Info("skipping duplicate detection run",
			slog.String("orgId", orgID),
			slog.String("connectionId", connectionID),
			slog.String("trigger", trigger))
		return RunSummary{}, true, nil
	}
	summary, err := s.Runner.ScheduleDetectionRun(ctx, RunRequest{
		RunID:        runID,
		OrgID:        orgID,
		ConnectionID: connectionID,
		Trigger:      trigger,
	})
	status := summary.Status
	if status == "" {
		status = storage.RunStatusFailed
	}
	s.Deduper.MarkCompleted(fingerprint, status)
	return summary, false, err
}
