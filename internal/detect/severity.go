package detect

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func Classify(score float64, method Method) Severity {
	high, medium := 5.0, 2.5
	switch method {
	case MethodZScore:
		high, medium = 5.0, 3.5
	case MethodIQR:
		high, medium = 3.0, 1.5
	case MethodMovingAverage:
		high, medium = 4.0, 2.5
	}
	switch {
	case score > high:
		return SeverityHigh
	case score > medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
