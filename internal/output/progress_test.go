package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rivven/memexer/internal/metrics"
	"github.com/rivven/memexer/internal/tool"
)

func TestProgressReporterBasic(t *testing.T) {
	collector := metrics.NewCollector()
	collector.Start()

	for i := 0; i < 5; i++ {
		collector.RecordBatch(30 * time.Millisecond)
	}

	var buf bytes.Buffer
	reporter := NewProgressReporter(collector, 100*time.Millisecond, &buf)

	if reporter == nil {
		t.Fatal("Expected non-nil reporter")
	}

	reporter.Stop()
}

func TestProgressReporterFormatting(t *testing.T) {
	collector := metrics.NewCollector()
	collector.Start()

	collector.RecordSessionStarted()
	collector.RecordBatch(800 * time.Millisecond)
	collector.RecordUnit(750 * time.Millisecond)
	collector.RecordError(tool.ClassCorrectable)
	collector.RecordError(tool.ClassUncorrectable)

	var buf bytes.Buffer
	reporter := NewProgressReporter(collector, 20*time.Millisecond, &buf)
	reporter.Start()

	time.Sleep(100 * time.Millisecond)
	reporter.Stop()

	output := buf.String()
	for _, want := range []string{"Batches: 1", "Units: 1", "CE: 1", "UE: 1", "Sessions: 1"} {
		if !strings.Contains(output, want) {
			t.Fatalf("progress output missing %q: %q", want, output)
		}
	}
}

func TestProgressReporterDoubleStopIsSafe(t *testing.T) {
	reporter := NewProgressReporter(metrics.NewCollector(), time.Hour, nil)
	reporter.Start()
	reporter.Stop()
	reporter.Stop()
}
