package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

type Repository struct {
	Store *Store
}

func NewRepository(store *Store) *Repository {
	return &Repository{Store: store}
}

type MetricQuery struct {
	OrgID        string
	ConnectionID string
	MetricName   string
	TableName    string
	ColumnName   string
	Days         int
	Limit        int
}

func (r *Repository) GetMetricHistory(ctx context.Context, q MetricQuery) ([]MetricPoint, error) {
	sql := `
		SELECT org_id, connection_id, metric_name, table_name, column_name, ts_utc, numeric_value, text_value
		FROM metric_points
		WHERE org_id=$1 AND connection_id=$2 AND metric_name=$3 AND table_name=$4
		  AND ts_utc >= now() - ($5 * interval '1 day')`
	args := []any{q.OrgID, q.ConnectionID, q.MetricName, q.TableName, q.Days}
	if q.ColumnName != "" {
		sql += ` AND column_name=$6`
		args = append(args, q.ColumnName)
	}
	sql += ` ORDER BY ts_utc ASC`
	if q.Limit > 0 {
		sql += ` LIMIT ` + strconv.Itoa(q.Limit)
	}
	rows, err := r.Store.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []MetricPoint{}
	for rows.Next() {
		var p MetricPoint
		if err := rows.Scan(&p.OrgID, &p.ConnectionID, &p.MetricName, &p.TableName, &p.ColumnName, &p.TSUTC, &p.NumericValue, &p.TextValue); err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

func (r *Repository) TrackMetric(ctx context.Context, p MetricPoint) error {
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO metric_points (org_id, connection_id, metric_name, table_name, column_name, ts_utc, numeric_value, text_value)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		p.OrgID, p.ConnectionID, p.MetricName, p.TableName, p.ColumnName, p.TSUTC, p.NumericValue, p.TextValue)
	return err
}

func (r *Repository) TrackMetricsBatch(ctx context.Context, points []MetricPoint) error {
	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(`
			INSERT INTO metric_points (org_id, connection_id, metric_name, table_name, column_name, ts_utc, numeric_value, text_value)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			p.OrgID, p.ConnectionID, p.MetricName, p.TableName, p.ColumnName, p.TSUTC, p.NumericValue, p.TextValue)
	}
	return r.Store.Pool.SendBatch(ctx, batch).Close()
}

func (r *Repository) ListActiveConfigs(ctx context.Context, orgID, connectionID string) ([]DetectionConfig, error) {
	sql := `
		SELECT id, org_id, connection_id, table_name, column_name, metric_name, detection_method,
		       sensitivity, min_data_points, baseline_window_days, config_params, is_active, updated_at
		FROM detection_configs WHERE org_id=$1 AND is_active = true`
	args := []any{orgID}
	if connectionID != "" {
		sql += ` AND connection_id=$2`
		args = append(args, connectionID)
	}
	return r.queryConfigs(ctx, sql, args...)
}

func (r *Repository) ListConfigsUpdatedSince(ctx context.Context, since time.Time) ([]DetectionConfig, error) {
	return r.queryConfigs(ctx, `
		SELECT id, org_id, connection_id, table_name, column_name, metric_name, detection_method,
		       sensitivity, min_data_points, baseline_window_days, config_params, is_active, updated_at
		FROM detection_configs WHERE is_active = true AND updated_at >= $1`, since)
}

func (r *Repository) queryConfigs(ctx context.Context, sql string, args ...any) ([]DetectionConfig, error) {
	rows, err := r.Store.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []DetectionConfig{}
	for rows.Next() {
		var c DetectionConfig
		if err := rows.Scan(&c.ID, &c.OrgID, &c.ConnectionID, &c.TableName, &c.ColumnName, &c.MetricName,
			&c.Method, &c.Sensitivity, &c.MinDataPoints, &c.BaselineWindowDays, &c.ParamsJSON, &c.IsActive, &c.UpdatedAt); err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func (r *Repository) CreateRun(ctx context.Context, run DetectionRun) error {
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO detection_runs (id, org_id, connection_id, trigger_type, status, started_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		run.ID, run.OrgID, run.ConnectionID, run.TriggerType, run.Status, run.StartedAt)
	return err
}

func (r *Repository) CompleteRun(ctx context.Context, id string, processed, detected int, execMS int64) error {
	_, err := r.Store.Pool.Exec(ctx, `
		UPDATE detection_runs
		SET status=$1, metrics_processed=$2, anomalies_detected=$3, completed_at=now(), execution_time_ms=$4
		WHERE id=$5`,
		RunStatusCompleted, processed, detected, execMS, id)
	return err
}

func (r *Repository) FailRun(ctx context.Context, id, errText string) error {
	_, err := r.Store.Pool.Exec(ctx, `
		UPDATE detection_runs SET status=$1, completed_at=now(), error=$2 WHERE id=$3`,
		RunStatusFailed, errText, id)
	return err
}

func (r *Repository) GetRun(ctx context.Context, id string) (DetectionRun, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT id, org_id, connection_id, trigger_type, status, metrics_processed, anomalies_detected,
		       started_at, completed_at, execution_time_ms, error
		FROM detection_runs WHERE id=$1`, id)
	var run DetectionRun
	if err := row.Scan(&run.ID, &run.OrgID, &run.ConnectionID, &run.TriggerType, &run.Status,
		&run.MetricsProcessed, &run.AnomaliesDetected, &run.StartedAt, &run.CompletedAt,
		&run.ExecutionTimeMS, &run.Error); err != nil {
		return DetectionRun{}, ErrNotFound
	}
	return run, nil
}

// GetJobStatus reports the live status of a job by id. Detection runs are the
// only job kind the deduplication guard tracks today.
func (r *Repository) GetJobStatus(ctx context.Context, jobID string) (string, error) {
	row := r.Store.Pool.QueryRow(ctx, `SELECT status FROM detection_runs WHERE id=$1`, jobID)
	var status string
	if err := row.Scan(&status); err != nil {
		return "", ErrNotFound
	}
	return status, nil
}

func (r *Repository) InsertAnomalies(ctx context.Context, records []AnomalyRecord) error {
	batch := &pgx.Batch{}
	for _, a := range records {
		batch.Queue(`
			INSERT INTO anomalies (config_id, run_id, org_id, connection_id, metric_name, table_name, column_name,
			                       ts_utc, value, score, threshold, method, severity)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			a.ConfigID, a.RunID, a.OrgID, a.ConnectionID, a.MetricName, a.TableName, a.ColumnName,
			a.TSUTC, a.Value, a.Score, a.Threshold, a.Method, a.Severity)
	}
	return r.Store.Pool.SendBatch(ctx, batch).Close()
}

func (r *Repository) CreateConnection(ctx context.Context, conn Connection) error {
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO connections (id, org_id, name, type, dsn_encrypted, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		conn.ID, conn.OrgID, conn.Name, conn.Type, conn.EncryptedDSN, conn.CreatedAt)
	return err
}

func (r *Repository) GetConnection(ctx context.Context, id string) (Connection, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT id, org_id, name, type, dsn_encrypted, created_at FROM connections WHERE id=$1`, id)
	var conn Connection
	if err := row.Scan(&conn.ID, &conn.OrgID, &conn.Name, &conn.Type, &conn.EncryptedDSN, &conn.CreatedAt); err != nil {
		return Connection{}, ErrNotFound
	}
	return conn, nil
}

func (r *Repository) ListConnections(ctx context.Context) ([]Connection, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT id, org_id, name, type, dsn_encrypted, created_at FROM connections ORDER BY org_id, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []Connection{}
	for rows.Next() {
		var conn Connection
		if err := rows.Scan(&conn.ID, &conn.OrgID, &conn.Name, &conn.Type, &conn.EncryptedDSN, &conn.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, conn)
	}
	return results, rows.Err()
}
