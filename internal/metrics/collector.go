// Package metrics records execution telemetry for a stress run: batch
// and work-unit durations on an HDR histogram, memory-error counts by
// class, and framework-level failure counts. One Collector serves the
// whole run; per-session write paths only touch atomic counters or the
// single histogram lock.
package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/rivven/memexer/internal/tool"
)

// Collector aggregates run telemetry in a thread-safe manner.
type Collector struct {
	mu        sync.Mutex
	batchHist *hdrhistogram.Histogram
	unitHist  *hdrhistogram.Histogram

	batches         int64
	units           int64
	correctable     int64
	uncorrectable   int64
	unknown         int64
	sessionsCrashed int64
	sessionsStarted int64
	frameworkByKind map[string]int64
	start           time.Time
}

// Stats is a consistent snapshot of collected telemetry.
type Stats struct {
	BatchesCompleted int64         `json:"batches_completed"`
	UnitsCompleted   int64         `json:"units_completed"`
	Correctable      int64         `json:"correctable_errors"`
	Uncorrectable    int64         `json:"uncorrectable_errors"`
	Unknown          int64         `json:"unknown_errors"`
	SessionsStarted  int64         `json:"sessions_started"`
	SessionsCrashed  int64         `json:"sessions_crashed"`
	Elapsed          time.Duration `json:"-"`
	ElapsedSeconds   float64       `json:"elapsed_seconds"`

	BatchP50 time.Duration `json:"-"`
	BatchP90 time.Duration `json:"-"`
	BatchP99 time.Duration `json:"-"`
	BatchMax time.Duration `json:"-"`

	// JSON-friendly millisecond fields.
	BatchP50Ms float64 `json:"batch_p50_ms"`
	BatchP90Ms float64 `json:"batch_p90_ms"`
	BatchP99Ms float64 `json:"batch_p99_ms"`
	BatchMaxMs float64 `json:"batch_max_ms"`

	FrameworkFailures map[string]int64 `json:"framework_failures,omitempty"`
}

// TotalMemoryErrors sums all tool-reported error classes.
func (s Stats) TotalMemoryErrors() int64 {
	return s.Correctable + s.Uncorrectable + s.Unknown
}

// NewCollector returns a collector tracking durations from 1ms to 1h
// with 3 significant figures.
func NewCollector() *Collector {
	return &Collector{
		batchHist:       hdrhistogram.New(1, 3_600_000, 3),
		unitHist:        hdrhistogram.New(1, 3_600_000, 3),
		frameworkByKind: make(map[string]int64),
		start:           time.Now(),
	}
}

// Start resets the elapsed-time origin to now.
func (c *Collector) Start() {
	c.mu.Lock()
	c.start = time.Now()
	c.mu.Unlock()
}

// RecordBatch records one completed batch generation.
func (c *Collector) RecordBatch(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches++
	_ = c.batchHist.RecordValue(clampMs(c.batchHist, d))
}

// RecordUnit records one completed session work unit.
func (c *Collector) RecordUnit(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.units++
	_ = c.unitHist.RecordValue(clampMs(c.unitHist, d))
}

// RecordError counts one tool-reported memory error by class.
func (c *Collector) RecordError(class tool.ErrorClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch class {
	case tool.ClassCorrectable:
		c.correctable++
	case tool.ClassUncorrectable:
		c.uncorrectable++
	default:
		c.unknown++
	}
}

// RecordSessionStarted counts one successfully started worker session.
func (c *Collector) RecordSessionStarted() {
	c.mu.Lock()
	c.sessionsStarted++
	c.mu.Unlock()
}

// RecordSessionCrashed counts one session lost to a framework failure.
func (c *Collector) RecordSessionCrashed() {
	c.mu.Lock()
	c.sessionsCrashed++
	c.mu.Unlock()
}

// RecordFrameworkFailure counts a framework-level execution error by
// kind (spawn, barrier-timeout, signal-delivery, ...). These are kept
// apart from tool-reported memory errors and never conflated.
func (c *Collector) RecordFrameworkFailure(kind string) {
	c.mu.Lock()
	c.frameworkByKind[kind]++
	c.mu.Unlock()
}

// Stats computes a snapshot of current telemetry.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.start)
	stats := Stats{
		BatchesCompleted: c.batches,
		UnitsCompleted:   c.units,
		Correctable:      c.correctable,
		Uncorrectable:    c.uncorrectable,
		Unknown:          c.unknown,
		SessionsStarted:  c.sessionsStarted,
		SessionsCrashed:  c.sessionsCrashed,
		Elapsed:          elapsed,
		ElapsedSeconds:   elapsed.Seconds(),
	}
	if c.batchHist.TotalCount() > 0 {
		stats.BatchP50 = time.Duration(c.batchHist.ValueAtQuantile(50)) * time.Millisecond
		stats.BatchP90 = time.Duration(c.batchHist.ValueAtQuantile(90)) * time.Millisecond
		stats.BatchP99 = time.Duration(c.batchHist.ValueAtQuantile(99)) * time.Millisecond
		stats.BatchMax = time.Duration(c.batchHist.Max()) * time.Millisecond
	}
	stats.BatchP50Ms = float64(stats.BatchP50) / float64(time.Millisecond)
	stats.BatchP90Ms = float64(stats.BatchP90) / float64(time.Millisecond)
	stats.BatchP99Ms = float64(stats.BatchP99) / float64(time.Millisecond)
	stats.BatchMaxMs = float64(stats.BatchMax) / float64(time.Millisecond)

	if len(c.frameworkByKind) > 0 {
		stats.FrameworkFailures = make(map[string]int64, len(c.frameworkByKind))
		for k, v := range c.frameworkByKind {
			stats.FrameworkFailures[k] = v
		}
	}
	return stats
}

func clampMs(h *hdrhistogram.Histogram, d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < h.LowestTrackableValue() {
		ms = h.LowestTrackableValue()
	}
	if ms > h.HighestTrackableValue() {
		ms = h.HighestTrackableValue()
	}
	return ms
}
