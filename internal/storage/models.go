package storage

import "time"

const (
	RunStatusScheduled = "scheduled"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerEvent     = "event"
)

type MetricPoint struct {
	OrgID        string
	ConnectionID string
	MetricName   string
	TableName    string
	ColumnName   string
	TSUTC        time.Time
	NumericValue *float64
	TextValue    *string
}

type DetectionConfig struct {
	ID                 string
	OrgID              string
	ConnectionID       string
	TableName          string
	ColumnName         *string
	MetricName         string
	Method             string
	Sensitivity        float64
	MinDataPoints      int
	BaselineWindowDays int
	ParamsJSON         []byte
	IsActive           bool
	UpdatedAt          time.Time
}

type DetectionRun struct {
	ID                string
	OrgID             string
	ConnectionID      string
	TriggerType       string
	Status            string
	MetricsProcessed  int
	AnomaliesDetected int
	StartedAt         time.Time
	CompletedAt       *time.Time
	ExecutionTimeMS   *int64
	Error             *string
}

type AnomalyRecord struct {
	ConfigID     string
	RunID        string
	OrgID        string
	ConnectionID string
	MetricName   string
	TableName    string
	ColumnName   *string
	TSUTC        time.Time
	Value        float64
	Score        float64
	Threshold    float64
	Method       string
	Severity     string
}

type Connection struct {
	ID           string
	OrgID        string
	Name         string
	Type         string
	EncryptedDSN string
	CreatedAt    time.Time
}
