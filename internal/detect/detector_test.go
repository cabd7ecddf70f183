package detect

import "testing"

func floatPtr(v float64) *float64 { return &v }

func TestValidateConfigDefaults(t *testing.T) {
	d := NewDetector(testLogger())
	cfg := d.ValidateConfig(Config{})
	if cfg.Method != string(MethodZScore) {
		t.Fatalf("expected default method zscore got %q", cfg.Method)
	}
	if cfg.Sensitivity != 1.0 {
		t.Fatalf("expected default sensitivity 1.0 got %v", cfg.Sensitivity)
	}
	if cfg.MinDataPoints != 7 {
		t.Fatalf("expected default min data points 7 got %d", cfg.MinDataPoints)
	}
	if cfg.BaselineWindowDays != 14 {
		t.Fatalf("expected default baseline window 14 got %d", cfg.BaselineWindowDays)
	}
	if cfg.Params == nil {
		t.Fatalf("expected params map initialised")
	}
}

func TestValidateConfigMovingAverageWindow(t *testing.T) {
	d := NewDetector(testLogger())
	cfg := d.ValidateConfig(Config{Method: string(MethodMovingAverage)})
	if intParam(cfg.Params, "window") != 7 {
		t.Fatalf("expected default window 7 got %v", cfg.Params["window"])
	}
}

func TestValidateConfigDoesNotMutateInput(t *testing.T) {
	d := NewDetector(testLogger())
	in := Config{Method: string(MethodMovingAverage), Params: map[string]any{"std_window": 3}}
	_ = d.ValidateConfig(in)
	if _, ok := in.Params["window"]; ok {
		t.Fatalf("input params mutated")
	}
}

func TestDetectAnomaliesInsufficientData(t *testing.T) {
	d := NewDetector(testLogger())
	metrics := []Metric{}
	for i := 0; i < 5; i++ {
		metrics = append(metrics, Metric{Timestamp: "2026-08-01T00:00:00Z", Value: floatPtr(float64(i))})
	}
	got := d.DetectAnomalies(Config{MinDataPoints: 7}, metrics)
	if len(got) != 0 {
		t.Fatalf("expected empty result below min data points, got %d", len(got))
	}
}

func TestDetectAnomaliesUnknownMethod(t *testing.T) {
	d := NewDetector(testLogger())
	metrics := make([]Metric, 0, 10)
	for i := 0; i < 10; i++ {
		metrics = append(metrics, Metric{Timestamp: "2026-08-01T00:00:00Z", Value: floatPtr(1)})
	}
	got := d.DetectAnomalies(Config{Method: "percentile"}, metrics)
	if len(got) != 0 {
		t.Fatalf("expected empty result for unknown method, got %d", len(got))
	}
}

func TestDetectAnomaliesSortsAndExtracts(t *testing.T) {
	d := NewDetector(testLogger())
	// out of order, one text value, one unusable record, spike last in time
	metrics := []Metric{
		{Timestamp: "2026-08-13T00:00:00Z", Value: floatPtr(100)},
		{Timestamp: "2026-08-02T00:00:00Z", Value: floatPtr(10)},
		{Timestamp: "2026-08-03T00:00:00Z", Text: "10"},
		{Timestamp: "2026-08-04T00:00:00Z", Text: "not-a-number"},
		{Timestamp: "2026-08-05T00:00:00Z"},
		{Timestamp: "2026-08-01T00:00:00Z", Value: floatPtr(10)},
		{Timestamp: "2026-08-06T00:00:00Z", Value: floatPtr(10)},
		{Timestamp: "2026-08-07T00:00:00Z", Value: floatPtr(10)},
		{Timestamp: "2026-08-08T00:00:00Z", Value: floatPtr(10)},
		{Timestamp: "2026-08-09T00:00:00Z", Value: floatPtr(10)},
		{Timestamp: "2026-08-10T00:00:00Z", Value: floatPtr(10)},
		{Timestamp: "2026-08-11T00:00:00Z", Value: floatPtr(10)},
		{Timestamp: "2026-08-12T00:00:00Z", Value: floatPtr(10)},
		{Timestamp: "2026-08-12T06:00:00Z", Value: floatPtr(10)},
		{Timestamp: "2026-08-12T12:00:00Z", Value: floatPtr(10)},
	}
	got := d.DetectAnomalies(Config{Method: string(MethodZScore)}, metrics)
	if len(got) != 1 {
		t.Fatalf("expected 1 anomaly got %d", len(got))
	}
	if got[0].Timestamp != "2026-08-13T00:00:00Z" || got[0].Value != 100 {
		t.Fatalf("expected spike at the chronological end, got %+v", got[0])
	}
}

func TestDetectAnomaliesMissingTimestampSortsFirst(t *testing.T) {
	_ = NewDetector(testLogger())
	metrics := []Metric{
		{Timestamp: "2026-08-01T00:00:00Z", Value: floatPtr(2)},
		{Value: floatPtr(1)},
	}
	values, timestamps := extract(sortedCopy(metrics))
	if len(values) != 2 || values[0] != 1 {
		t.Fatalf("expected missing-timestamp record first, got %v", values)
	}
	if timestamps[0] != "" {
		t.Fatalf("expected empty timestamp first, got %q", timestamps[0])
	}
}

func TestIntParam(t *testing.T) {
	params := map[string]any{"a": 3, "b": float64(4), "c": "5", "d": "x"}
	if intParam(params, "a") != 3 || intParam(params, "b") != 4 || intParam(params, "c") != 5 {
		t.Fatalf("unexpected int param parsing")
	}
	if intParam(params, "d") != 0 || intParam(params, "missing") != 0 {
		t.Fatalf("expected zero for unusable params")
	}
}
