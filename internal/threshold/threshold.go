// Package threshold parses and evaluates pass/fail assertions against
// collected run telemetry.
package threshold

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/rivven/memexer/internal/metrics"
)

// Threshold represents one assertion that can pass or fail.
type Threshold struct {
	Metric    string  // e.g., "uncorrectable", "batch_duration"
	Aggregate string  // e.g., "count", "rate", "p99"
	Operator  string  // e.g., "<", "<=", ">", ">=", "=="
	Value     float64 // The threshold value to compare against
	Raw       string  // Original threshold string for display
}

// Result represents the outcome of evaluating a threshold.
type Result struct {
	Threshold Threshold
	Actual    float64
	Pass      bool
	Message   string
}

// Evaluator evaluates thresholds against collected metrics.
type Evaluator struct {
	thresholds []Threshold
}

// NewEvaluator creates a new threshold evaluator.
func NewEvaluator(thresholds []Threshold) *Evaluator {
	return &Evaluator{
		thresholds: thresholds,
	}
}

// Evaluate checks all thresholds against the provided stats.
func (e *Evaluator) Evaluate(stats metrics.Stats) []Result {
	if len(e.thresholds) == 0 {
		return nil
	}

	results := make([]Result, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		results = append(results, evaluateOne(t, stats))
	}
	return results
}

func evaluateOne(t Threshold, stats metrics.Stats) Result {
	actual, err := extractMetricValue(t, stats)
	if err != nil {
		return Result{
			Threshold: t,
			Actual:    0,
			Pass:      false,
			Message:   fmt.Sprintf("error: %v", err),
		}
	}

	pass := compareValues(actual, t.Operator, t.Value)
	status := "✓"
	if !pass {
		status = "✗"
	}

	message := fmt.Sprintf("%s %s: %.2f %s %.2f", status, t.Raw, actual, t.Operator, t.Value)
	return Result{
		Threshold: t,
		Actual:    actual,
		Pass:      pass,
		Message:   message,
	}
}

// Parse parses a threshold string into a Threshold struct.
// Supported formats:
//   - "uncorrectable:count == 0"     (uncorrectable error count)
//   - "correctable:count < 10"       (correctable error count)
//   - "correctable:rate < 0.5"       (correctable errors per minute)
//   - "memory_errors:count == 0"     (all tool-reported errors)
//   - "sessions_crashed:count == 0"  (crashed worker sessions)
//   - "batch_duration:p99 < 60000"   (batch duration percentile in ms)
func Parse(s string) (Threshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Threshold{}, fmt.Errorf("empty threshold string")
	}

	// Pattern: metric:aggregate operator value
	// e.g., "uncorrectable:count == 0"
	pattern := regexp.MustCompile(`^([a-z_]+):([a-z0-9]+)\s*([<>=!]+)\s*([0-9.]+)$`)
	matches := pattern.FindStringSubmatch(s)
	if matches == nil {
		return Threshold{}, fmt.Errorf("invalid threshold format: %q (expected format: metric:aggregate operator value, e.g., 'uncorrectable:count == 0')", s)
	}

	metric := matches[1]
	aggregate := matches[2]
	operator := matches[3]
	valueStr := matches[4]

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %v", valueStr, err)
	}

	if !isValidMetric(metric) {
		return Threshold{}, fmt.Errorf("unsupported metric: %q (supported: correctable, uncorrectable, unknown, memory_errors, sessions_crashed, batches, units, batch_duration)", metric)
	}

	if !isValidAggregate(aggregate) {
		return Threshold{}, fmt.Errorf("unsupported aggregate: %q (supported: count, rate, p50, p90, p99, max)", aggregate)
	}

	if !isValidOperator(operator) {
		return Threshold{}, fmt.Errorf("unsupported operator: %q (supported: <, <=, >, >=, ==)", operator)
	}

	return Threshold{
		Metric:    metric,
		Aggregate: aggregate,
		Operator:  operator,
		Value:     value,
		Raw:       s,
	}, nil
}

// ParseMultiple parses multiple threshold strings.
func ParseMultiple(thresholds []string) ([]Threshold, error) {
	if len(thresholds) == 0 {
		return nil, nil
	}

	result := make([]Threshold, 0, len(thresholds))
	var errors []string

	for i, s := range thresholds {
		t, err := Parse(s)
		if err != nil {
			errors = append(errors, fmt.Sprintf("threshold[%d]: %v", i, err))
			continue
		}
		result = append(result, t)
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("threshold parsing errors: %s", strings.Join(errors, "; "))
	}

	return result, nil
}

func isValidMetric(metric string) bool {
	valid := []string{
		"correctable", "uncorrectable", "unknown", "memory_errors",
		"sessions_crashed", "batches", "units", "batch_duration",
	}
	for _, v := range valid {
		if metric == v {
			return true
		}
	}
	return false
}

func isValidAggregate(aggregate string) bool {
	valid := []string{"count", "rate", "p50", "p90", "p99", "max"}
	for _, v := range valid {
		if aggregate == v {
			return true
		}
	}
	return false
}

func isValidOperator(operator string) bool {
	valid := []string{"<", "<=", ">", ">=", "=="}
	for _, v := range valid {
		if operator == v {
			return true
		}
	}
	return false
}

func extractMetricValue(t Threshold, stats metrics.Stats) (float64, error) {
	switch t.Metric {
	case "correctable":
		return extractCounter(t, float64(stats.Correctable), stats)
	case "uncorrectable":
		return extractCounter(t, float64(stats.Uncorrectable), stats)
	case "unknown":
		return extractCounter(t, float64(stats.Unknown), stats)
	case "memory_errors":
		return extractCounter(t, float64(stats.TotalMemoryErrors()), stats)
	case "sessions_crashed":
		return extractCounter(t, float64(stats.SessionsCrashed), stats)
	case "batches":
		return extractCounter(t, float64(stats.BatchesCompleted), stats)
	case "units":
		return extractCounter(t, float64(stats.UnitsCompleted), stats)
	case "batch_duration":
		return extractDurationMetric(t.Aggregate, stats)
	default:
		return 0, fmt.Errorf("unknown metric: %s", t.Metric)
	}
}

// extractCounter handles plain counters: count is the raw value, rate
// is occurrences per minute of elapsed run time.
func extractCounter(t Threshold, count float64, stats metrics.Stats) (float64, error) {
	switch t.Aggregate {
	case "count":
		return count, nil
	case "rate":
		if stats.ElapsedSeconds <= 0 {
			return 0, nil
		}
		return count / (stats.ElapsedSeconds / 60.0), nil
	default:
		return 0, fmt.Errorf("unsupported aggregate %q for %s (use 'count' or 'rate')", t.Aggregate, t.Metric)
	}
}

func extractDurationMetric(aggregate string, stats metrics.Stats) (float64, error) {
	switch aggregate {
	case "p50":
		return stats.BatchP50Ms, nil
	case "p90":
		return stats.BatchP90Ms, nil
	case "p99":
		return stats.BatchP99Ms, nil
	case "max":
		return stats.BatchMaxMs, nil
	default:
		return 0, fmt.Errorf("unsupported aggregate %q for batch_duration (use p50, p90, p99, or max)", aggregate)
	}
}

func compareValues(actual float64, operator string, expected float64) bool {
	// Floating point comparison with a small epsilon.
	epsilon := 1e-9

	switch operator {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected || math.Abs(actual-expected) < epsilon
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected || math.Abs(actual-expected) < epsilon
	case "==":
		return math.Abs(actual-expected) < epsilon
	default:
		return false
	}
}
