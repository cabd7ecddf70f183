package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"metricwatch/internal/storage"
)

const (
	DefaultMaxAge = 30 * time.Minute
	sweepInterval = 5 * time.Minute
	verifyTimeout = 5 * time.Second
)

// StatusStore reports the live status of a job so the guard can tell a
// genuinely running duplicate from a leftover registration.
type StatusStore interface {
	GetJobStatus(ctx context.Context, jobID string) (string, error)
}

type entry struct {
	jobID        string
	connectionID string
	jobType      string
	trigger      string
	registeredAt time.Time
}

type JobInfo struct {
	JobID        string    `json:"jobId"`
	ConnectionID string    `json:"connectionId"`
	JobType      string    `json:"jobType"`
	Trigger      string    `json:"trigger"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Deduper is a best-effort in-memory guard against duplicate concurrent jobs
// within one process. It is not a distributed lock.
type Deduper struct {
	mu      sync.Mutex
	entries map[string]entry
	status  StatusStore
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewDeduper(status StatusStore, logger *slog.Logger) *Deduper {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Deduper{
		entries: map[string]entry{},
		status:  status,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	go d.sweepLoop()
	return d
}

func (d *Deduper) Stop() {
	d.cancel()
}

// Fingerprint derives a deterministic identity for a job from its connection,
// type, trigger and any extra parameters, sorted by key.
func Fingerprint(connectionID, jobType, trigger string, extra map[string]string) string {
	parts := connectionID + ":" + jobType + ":" + trigger
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts += "|" + k + "=" + extra[k]
	}
	sum := sha256.Sum256([]byte(parts))
	return hex.EncodeToString(sum[:])
}

func (d *Deduper) IsDuplicate(ctx context.Context, fingerprint string, maxAge time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isDuplicateLocked(ctx, fingerprint, maxAge)
}

// Register inserts the fingerprint unless a live duplicate exists. The
// duplicate re-check and the insert share one critical section.
func (d *Deduper) Register(ctx context.Context, fingerprint, jobID, connectionID, jobType, trigger string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isDuplicateLocked(ctx, fingerprint, DefaultMaxAge) {
		return false
	}
	d.entries[fingerprint] = entry{
		jobID:        jobID,
		connectionID: connectionID,
		jobType:      jobType,
		trigger:      trigger,
		registeredAt: time.Now().UTC(),
	}
	return true
}

func (d *Deduper) MarkCompleted(fingerprint, status string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, fingerprint)
	d.logger.Debug("job fingerprint released", slog.String("status", status))
}

// Active returns a read-only snapshot of the registered jobs. Diagnostics
// only, never a source of truth.
func (d *Deduper) Active() []JobInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	infos := make([]JobInfo, 0, len(d.entries))
	for _, e := range d.entries {
		infos = append(infos, JobInfo{
			JobID:        e.jobID,
			ConnectionID: e.connectionID,
			JobType:      e.jobType,
			Trigger:      e.trigger,
			RegisteredAt: e.registeredAt,
		})
	}
	return infos
}

func (d *Deduper) isDuplicateLocked(ctx context.Context, fingerprint string, maxAge time.Duration) bool {
	e, ok := d.entries[fingerprint]
	if !ok {
		return false
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if time.Since(e.registeredAt) > maxAge {
		delete(d.entries, fingerprint)
		return false
	}
	if !d.stillActive(ctx, e.jobID) {
		delete(d.entries, fingerprint)
		return false
	}
	return true
}

// stillActive fails open: if the status store is unreachable the job is
// assumed to still be running rather than allowing an unguarded duplicate.
func (d *Deduper) stillActive(ctx context.Context, jobID string) bool {
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()
	status, err := d.status.GetJobStatus(ctx, jobID)
	if err != nil {
		d.logger.Warn("job status verification failed, assuming active",
			slog.String("jobId", jobID), slog.String("error", err.Error()))
		return true
	}
	return status == storage.RunStatusScheduled || status == storage.RunStatusRunning
}

func (d *Deduper) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Deduper) sweep() {
	d.mu.Lock()
	snapshot := make(map[string]entry, len(d.entries))
	for fp, e := range d.entries {
		snapshot[fp] = e
	}
	d.mu.Unlock()

	stale := []string{}
	for fp, e := range snapshot {
		if time.Since(e.registeredAt) > DefaultMaxAge || !d.stillActive(d.ctx, e.jobID) {
			stale = append(stale, fp)
		}
	}
	if len(stale) == 0 {
		return
	}

	d.mu.Lock()
	for _, fp := range stale {
		delete(d.entries, fp)
	}
	d.mu.Unlock()
	d.logger.Info("evicted stale job fingerprints", slog.Int("count", len(stale)))
}
