package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/rivven/memexer/internal/tool"
)

func TestCollectorCountsByClass(t *testing.T) {
	c := NewCollector()
	c.RecordError(tool.ClassCorrectable)
	c.RecordError(tool.ClassCorrectable)
	c.RecordError(tool.ClassUncorrectable)
	c.RecordError(tool.ClassUnknown)

	stats := c.Stats()
	if stats.Correctable != 2 || stats.Uncorrectable != 1 || stats.Unknown != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.TotalMemoryErrors() != 4 {
		t.Fatalf("TotalMemoryErrors = %d, want 4", stats.TotalMemoryErrors())
	}
}

// Start moves the measurement window to the moment sessions begin, so
// it must be stamped exactly once, by the executor.
func TestCollectorStartRestampsWindow(t *testing.T) {
	c := NewCollector()
	time.Sleep(20 * time.Millisecond)
	before := c.Stats().Elapsed
	c.Start()
	after := c.Stats().Elapsed
	if after >= before {
		t.Fatalf("expected Start to restart the window: before=%v after=%v", before, after)
	}
}

func TestCollectorBatchPercentiles(t *testing.T) {
	c := NewCollector()
	for i := 1; i <= 100; i++ {
		c.RecordBatch(time.Duration(i) * 10 * time.Millisecond)
	}
	stats := c.Stats()
	if stats.BatchesCompleted != 100 {
		t.Fatalf("BatchesCompleted = %d", stats.BatchesCompleted)
	}
	if stats.BatchP50 <= 0 || stats.BatchP99 < stats.BatchP50 {
		t.Fatalf("implausible percentiles: p50=%v p99=%v", stats.BatchP50, stats.BatchP99)
	}
	if stats.BatchMax < stats.BatchP99 {
		t.Fatalf("max %v below p99 %v", stats.BatchMax, stats.BatchP99)
	}
}

func TestCollectorFrameworkFailuresSeparate(t *testing.T) {
	c := NewCollector()
	c.RecordFrameworkFailure("spawn")
	c.RecordFrameworkFailure("spawn")
	c.RecordFrameworkFailure("barrier-timeout")
	c.RecordError(tool.ClassUncorrectable)

	stats := c.Stats()
	if stats.FrameworkFailures["spawn"] != 2 || stats.FrameworkFailures["barrier-timeout"] != 1 {
		t.Fatalf("unexpected framework failures: %v", stats.FrameworkFailures)
	}
	if stats.TotalMemoryErrors() != 1 {
		t.Fatal("framework failures must not leak into memory-error totals")
	}
}

func TestCollectorConcurrentWrites(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordUnit(time.Millisecond)
				c.RecordError(tool.ClassCorrectable)
			}
		}()
	}
	wg.Wait()
	stats := c.Stats()
	if stats.UnitsCompleted != 800 || stats.Correctable != 800 {
		t.Fatalf("lost updates: %+v", stats)
	}
}
