package detect

import "log/slog"

type Anomaly struct {
	Index     int      `json:"index"`
	Timestamp string   `json:"timestamp"`
	Value     float64  `json:"value"`
	Score     float64  `json:"score"`
	IsAnomaly bool     `json:"isAnomaly"`
	Threshold float64  `json:"threshold"`
	Method    Method   `json:"method"`
	Severity  Severity `json:"severity"`
}

// FormatResults joins raw detection points with their source values and
// timestamps, keeping anomalous points only. Indices that fall outside either
// slice are dropped rather than treated as fatal.
func FormatResults(logger *slog.Logger, points []Point, values []float64, timestamps []string, method Method) []Anomaly {
	anomalies := []Anomaly{}
	for _, p := range points {
		if !p.IsAnomaly {
			continue
		}
		if p.Index >= len(values) || p.Index >= len(timestamps) {
			logger.Warn("anomaly index out of range, dropping",
				slog.Int("index", p.Index),
				slog.Int("values", len(values)),
				slog.Int("timestamps", len(timestamps)))
			continue
		}
		anomalies = append(anomalies, Anomaly{
			Index:     p.Index,
			Timestamp: timestamps[p.Index],
			Value:     values[p.Index],
			Score:     p.Score,
			IsAnomaly: true,
			Threshold: p.Threshold,
			Method:    method,
			Severity:  Classify(p.Score, method),
		})
	}
	return anomalies
}
