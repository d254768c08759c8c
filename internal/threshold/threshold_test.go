package threshold

import (
	"testing"

	"github.com/rivven/memexer/internal/metrics"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      Threshold
		wantError bool
	}{
		{
			name:  "uncorrectable count",
			input: "uncorrectable:count == 0",
			want: Threshold{
				Metric:    "uncorrectable",
				Aggregate: "count",
				Operator:  "==",
				Value:     0,
				Raw:       "uncorrectable:count == 0",
			},
		},
		{
			name:  "correctable rate",
			input: "correctable:rate < 0.5",
			want: Threshold{
				Metric:    "correctable",
				Aggregate: "rate",
				Operator:  "<",
				Value:     0.5,
				Raw:       "correctable:rate < 0.5",
			},
		},
		{
			name:  "batch duration p99",
			input: "batch_duration:p99 <= 60000",
			want: Threshold{
				Metric:    "batch_duration",
				Aggregate: "p99",
				Operator:  "<=",
				Value:     60000,
				Raw:       "batch_duration:p99 <= 60000",
			},
		},
		{
			name:  "batches completed floor",
			input: "batches:count >= 10",
			want: Threshold{
				Metric:    "batches",
				Aggregate: "count",
				Operator:  ">=",
				Value:     10,
				Raw:       "batches:count >= 10",
			},
		},
		{
			name:      "empty string",
			input:     "",
			wantError: true,
		},
		{
			name:      "missing aggregate",
			input:     "uncorrectable < 5",
			wantError: true,
		},
		{
			name:      "unknown metric",
			input:     "latency:p99 < 100",
			wantError: true,
		},
		{
			name:      "unknown aggregate",
			input:     "uncorrectable:p42 < 100",
			wantError: true,
		},
		{
			name:      "bad operator",
			input:     "uncorrectable:count ~ 0",
			wantError: true,
		},
		{
			name:      "non-numeric value",
			input:     "uncorrectable:count == lots",
			wantError: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.input)
			if tc.wantError {
				if err == nil {
					t.Fatalf("Parse(%q) succeeded, want error", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tc.input, err)
			}
			if got != tc.want {
				t.Fatalf("Parse(%q) = %+v, want %+v", tc.input, got, tc.want)
			}
		})
	}
}

func TestParseMultipleCollectsAllErrors(t *testing.T) {
	_, err := ParseMultiple([]string{
		"uncorrectable:count == 0",
		"bogus!!!",
		"also:bad < x",
	})
	if err == nil {
		t.Fatal("expected aggregated parse error")
	}
	ths, err := ParseMultiple([]string{
		"uncorrectable:count == 0",
		"sessions_crashed:count == 0",
	})
	if err != nil {
		t.Fatalf("ParseMultiple: %v", err)
	}
	if len(ths) != 2 {
		t.Fatalf("parsed %d thresholds, want 2", len(ths))
	}
}

func TestEvaluate(t *testing.T) {
	stats := metrics.Stats{
		BatchesCompleted: 12,
		UnitsCompleted:   96,
		Correctable:      3,
		Uncorrectable:    1,
		SessionsCrashed:  0,
		ElapsedSeconds:   120,
		BatchP50Ms:       800,
		BatchP99Ms:       2500,
		BatchMaxMs:       3000,
	}

	tests := []struct {
		input string
		pass  bool
	}{
		{"uncorrectable:count == 0", false},
		{"uncorrectable:count <= 1", true},
		{"correctable:count < 10", true},
		{"memory_errors:count == 4", true},
		{"sessions_crashed:count == 0", true},
		{"batches:count >= 10", true},
		{"units:count >= 100", false},
		{"batch_duration:p99 < 3000", true},
		{"batch_duration:max <= 3000", true},
		// 3 correctable over 2 minutes = 1.5/min
		{"correctable:rate < 2", true},
		{"correctable:rate < 1", false},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			th, err := Parse(tc.input)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			results := NewEvaluator([]Threshold{th}).Evaluate(stats)
			if len(results) != 1 {
				t.Fatalf("got %d results, want 1", len(results))
			}
			if results[0].Pass != tc.pass {
				t.Fatalf("%q pass = %v (actual %.2f), want %v", tc.input, results[0].Pass, results[0].Actual, tc.pass)
			}
		})
	}
}

func TestEvaluateZeroElapsedRate(t *testing.T) {
	th, err := Parse("correctable:rate < 1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	results := NewEvaluator([]Threshold{th}).Evaluate(metrics.Stats{Correctable: 5})
	if !results[0].Pass || results[0].Actual != 0 {
		t.Fatalf("zero-elapsed rate = %+v, want 0 and pass", results[0])
	}
}
