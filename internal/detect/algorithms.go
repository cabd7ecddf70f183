package detect

import (
	"math"
	"sort"
)

type Method string

const (
	MethodZScore        Method = "zscore"
	MethodIQR           Method = "iqr"
	MethodMovingAverage Method = "moving_average"
)

const (
	zscoreBaseThreshold = 3.0
	iqrBaseThreshold    = 1.5
	movingBaseThreshold = 2.0

	defaultMovingWindow = 7
	minIQRPoints        = 4
)

func ParseMethod(raw string) (Method, bool) {
	switch Method(raw) {
	case MethodZScore, MethodIQR, MethodMovingAverage:
		return Method(raw), true
	default:
		return "", false
	}
}

type Point struct {
	Index     int
	Score     float64
	IsAnomaly bool
	Threshold float64
}

func ZScores(values []float64, sensitivity float64, window int) []Point {
	if len(values) == 0 {
		return nil
	}
	if sensitivity <= 0 {
		sensitivity = 1
	}
	threshold := zscoreBaseThreshold / sensitivity
	if window <= 0 || window >= len(values) {
		mean := Mean(values)
		std := StdDev(values)
		points := make([]Point, 0, len(values))
		for i, v := range values {
			points = append(points, zscorePoint(i, v, mean, std, threshold))
		}
		return points
	}
	points := make([]Point, 0, len(values)-window)
	for i := window; i < len(values); i++ {
		trailing := values[i-window : i]
		points = append(points, zscorePoint(i, values[i], Mean(trailing), StdDev(trailing), threshold))
	}
	return points
}

func zscorePoint(index int, value, mean, std, threshold float64) Point {
	if std == 0 {
		return Point{Index: index, Threshold: threshold}
	}
	score := math.Abs(value-mean) / std
	return Point{Index: index, Score: score, IsAnomaly: score > threshold, Threshold: threshold}
}

func IQRScores(values []float64, sensitivity float64, window int) []Point {
	if len(values) < minIQRPoints {
		return nil
	}
	if sensitivity <= 0 {
		sensitivity = 1
	}
	threshold := iqrBaseThreshold / sensitivity
	if window < minIQRPoints || window >= len(values) {
		q1, q3 := quartiles(values)
		points := make([]Point, 0, len(values))
		for i, v := range values {
			points = append(points, iqrPoint(i, v, q1, q3, threshold))
		}
		return points
	}
	points := make([]Point, 0, len(values)-window)
	for i := window; i < len(values); i++ {
		q1, q3 := quartiles(values[i-window : i])
		points = append(points, iqrPoint(i, values[i], q1, q3, threshold))
	}
	return points
}

func iqrPoint(index int, value, q1, q3, threshold float64) Point {
	iqr := q3 - q1
	lower := q1 - threshold*iqr
	upper := q3 + threshold*iqr
	point := Point{Index: index, Threshold: threshold}
	if value >= lower && value <= upper {
		return point
	}
	point.IsAnomaly = true
	if iqr == 0 {
		point.Score = math.Inf(1)
		return point
	}
	if value < lower {
		point.Score = (lower - value) / iqr
	} else {
		point.Score = (value - upper) / iqr
	}
	return point
}

func MovingAverageScores(values []float64, sensitivity float64, window, stdWindow int) []Point {
	if window <= 0 {
		window = defaultMovingWindow
	}
	if stdWindow <= 0 {
		stdWindow = window
	}
	if len(values) < window+1 {
		return nil
	}
	if sensitivity <= 0 {
		sensitivity = 1
	}
	threshold := movingBaseThreshold / sensitivity

	averages := make([]float64, 0, len(values)-window)
	for i := window; i < len(values); i++ {
		averages = append(averages, Mean(values[i-window:i]))
	}

	stds := make([]float64, len(averages))
	if len(averages) < stdWindow {
		global := StdDev(averages)
		for i := range stds {
			stds[i] = global
		}
	} else {
		// rolling std over the moving-average series itself, the last
		// covered value is reused for tail points
		last := 0.0
		for i := range averages {
			if i+stdWindow <= len(averages) {
				last = StdDev(averages[i : i+stdWindow])
			}
			stds[i] = last
		}
	}

	points := make([]Point, 0, len(averages))
	for i, avg := range averages {
		index := i + window
		if stds[i] == 0 {
			points = append(points, Point{Index: index, Threshold: threshold})
			continue
		}
		score := math.Abs(values[index]-avg) / stds[i]
		points = append(points, Point{Index: index, Score: score, IsAnomaly: score > threshold, Threshold: threshold})
	}
	return points
}

func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := Mean(values)
	sum := 0.0
	for _, v := range values {
		diff := v - mean
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(values)))
}

// quartiles returns the linearly interpolated 25th and 75th percentiles.
func quartiles(values []float64) (float64, float64) {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return percentile(sorted, 0.25), percentile(sorted, 0.75)
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
