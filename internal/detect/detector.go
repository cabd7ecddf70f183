package detect

import (
	"log/slog"
	"sort"
	"strconv"
)

const (
	defaultSensitivity        = 1.0
	defaultMinDataPoints      = 7
	defaultBaselineWindowDays = 14
)

type Config struct {
	Method             string         `json:"detectionMethod"`
	Sensitivity        float64        `json:"sensitivity"`
	MinDataPoints      int            `json:"minDataPoints"`
	BaselineWindowDays int            `json:"baselineWindowDays"`
	Params             map[string]any `json:"configParams"`
}

type Metric struct {
	Timestamp string
	Value     *float64
	Text      string
}

type Detector struct {
	logger *slog.Logger
}

func NewDetector(logger *slog.Logger) *Detector {
	return &Detector{logger: logger}
}

// ValidateConfig fills in defaults without mutating the input.
func (d *Detector) ValidateConfig(cfg Config) Config {
	out := cfg
	if out.Method == "" {
		out.Method = string(MethodZScore)
	}
	if out.Sensitivity <= 0 {
		out.Sensitivity = defaultSensitivity
	}
	if out.MinDataPoints <= 0 {
		out.MinDataPoints = defaultMinDataPoints
	}
	if out.BaselineWindowDays <= 0 {
		out.BaselineWindowDays = defaultBaselineWindowDays
	}
	params := make(map[string]any, len(cfg.Params)+1)
	for k, v := range cfg.Params {
		params[k] = v
	}
	if out.Method == string(MethodMovingAverage) {
		if _, ok := params["window"]; !ok {
			params["window"] = defaultMovingWindow
		}
	}
	out.Params = params
	return out
}

func (d *Detector) DetectAnomalies(cfg Config, metrics []Metric) []Anomaly {
	cfg = d.ValidateConfig(cfg)

	values, timestamps := extract(sortedCopy(metrics))
	if len(values) < cfg.MinDataPoints {
		d.logger.Info("insufficient data for detection",
			slog.Int("points", len(values)),
			slog.Int("required", cfg.MinDataPoints))
		return []Anomaly{}
	}

	method, ok := ParseMethod(cfg.Method)
	if !ok {
		d.logger.Error("unknown detection method", slog.String("method", cfg.Method))
		return []Anomaly{}
	}

	window := intParam(cfg.Params, "window")
	var points []Point
	switch method {
	case MethodZScore:
		points = ZScores(values, cfg.Sensitivity, window)
	case MethodIQR:
		points = IQRScores(values, cfg.Sensitivity, window)
	case MethodMovingAverage:
		points = MovingAverageScores(values, cfg.Sensitivity, window, intParam(cfg.Params, "std_window"))
	}
	return FormatResults(d.logger, points, values, timestamps, method)
}

// sortedCopy orders metrics chronologically without mutating the input.
// A missing timestamp compares as the empty string and sorts first.
func sortedCopy(metrics []Metric) []Metric {
	ordered := make([]Metric, len(metrics))
	copy(ordered, metrics)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp < ordered[j].Timestamp
	})
	return ordered
}

// extract pulls a parallel (values, timestamps) pair out of the metric
// records. Records with no numeric value and no coercible text value
// contribute neither.
func extract(metrics []Metric) ([]float64, []string) {
	values := make([]float64, 0, len(metrics))
	timestamps := make([]string, 0, len(metrics))
	for _, m := range metrics {
		switch {
		case m.Value != nil:
			values = append(values, *m.Value)
		case m.Text != "":
			parsed, err := strconv.ParseFloat(m.Text, 64)
			if err != nil {
				continue
			}
			values = append(values, parsed)
		default:
			continue
		}
		timestamps = append(timestamps, m.Timestamp)
	}
	return values, timestamps
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return 0
}
