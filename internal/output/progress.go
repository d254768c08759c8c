// Package output renders live run progress to a terminal.
package output

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rivven/memexer/internal/metrics"
)

// ProgressReporter displays real-time progress updates.
type ProgressReporter struct {
	collector *metrics.Collector
	ticker    *time.Ticker
	done      chan struct{}
	finished  chan struct{}
	writer    io.Writer
	active    int32
}

// NewProgressReporter creates a progress reporter that updates at the given interval.
func NewProgressReporter(collector *metrics.Collector, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	return &ProgressReporter{
		collector: collector,
		ticker:    time.NewTicker(interval),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
		writer:    writer,
	}
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts progress updates.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
	}
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			stats := p.collector.Stats()
			line := fmt.Sprintf("\rBatches: %d | Units: %d | CE: %d | UE: %d | Sessions: %d",
				stats.BatchesCompleted, stats.UnitsCompleted,
				stats.Correctable, stats.Uncorrectable,
				stats.SessionsStarted-stats.SessionsCrashed)
			if stats.SessionsCrashed > 0 {
				line += fmt.Sprintf(" | Crashed: %d", stats.SessionsCrashed)
			}
			if stats.BatchP99Ms > 0 {
				line += fmt.Sprintf(" | Batch P99: %.0fms", stats.BatchP99Ms)
			}
			fmt.Fprint(p.writer, line)
		case <-p.done:
			return
		}
	}
}
