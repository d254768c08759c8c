package runner

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rivven/memexer/internal/config"
	"github.com/rivven/memexer/internal/errsense"
	"github.com/rivven/memexer/internal/executor"
	"github.com/rivven/memexer/internal/metrics"
	"github.com/rivven/memexer/internal/osproc"
	"github.com/rivven/memexer/internal/report"
	"github.com/rivven/memexer/internal/sigco"
	"github.com/rivven/memexer/internal/threshold"
	"github.com/rivven/memexer/internal/tool"
	"github.com/rivven/memexer/internal/tracing"
)

// Status is the runner's monitor surface.
type Status struct {
	BatchesCompleted   int64
	Elapsed            time.Duration
	ActiveSessionCount int
	Done               bool
	StopReason         string
	Degraded           string // non-empty when signal delivery has failed
}

// Runner ties the executor, the signal coordinator and the error-sense
// manager together for one validation run.
type Runner struct {
	id        string
	cfg       config.Config
	log       zerolog.Logger
	adapter   osproc.Adapter
	exec      *executor.Executor
	senses    *errsense.Manager
	collector *metrics.Collector
	eval      *threshold.Evaluator
	coord     *sigco.Coordinator
	tracer    trace.Tracer
	sessions  int

	runSpan trace.Span
	cancel  context.CancelFunc
	started atomic.Bool
	stopped atomic.Bool
}

// ID returns the ulid assigned to this run.
func (r *Runner) ID() string { return r.id }

// Platform returns the selected adapter's platform tag.
func (r *Runner) Platform() string { return string(r.adapter.Platform()) }

// Provider returns the selected error-sense provider name.
func (r *Runner) Provider() string { return r.senses.Provider() }

// Start marks the OS error counters, spawns all worker sessions and
// launches the batch loop plus the signal coordinator. It returns once
// the run is underway.
func (r *Runner) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("runner already started")
	}

	if existing, err := r.senses.Existing(); err == nil {
		for _, c := range existing {
			if c.Errors > 0 {
				r.log.Warn().Str("counter", c.String()).
					Msg("hardware errors present before run start")
			}
		}
	}
	if err := r.senses.Mark(); err != nil {
		r.log.Warn().Err(err).Msg("could not snapshot OS error counters")
	}

	// The run context drops the caller's cancellation so the run only
	// ends through the coordinator or an explicit Stop, but it still
	// parents every batch and session span under the run span.
	runCtx := context.WithoutCancel(ctx)
	if r.tracer != nil {
		runCtx, r.runSpan = tracing.StartRunSpan(runCtx, r.tracer, r.Platform(), r.sessions)
	}
	runCtx, cancel := context.WithCancel(runCtx)
	r.cancel = cancel

	if err := r.exec.Start(runCtx); err != nil {
		cancel()
		return err
	}

	r.coord = sigco.New(r.exec, cancel, r.log)
	go r.coord.Run(runCtx)
	go r.exec.Run(runCtx)

	r.log.Info().
		Str("run_id", r.id).
		Str("platform", r.Platform()).
		Str("provider", r.Provider()).
		Msg("run started")
	return nil
}

// Monitor snapshots run progress. Safe to call from any goroutine.
func (r *Runner) Monitor() Status {
	es := r.exec.Monitor()
	s := Status{
		BatchesCompleted:   es.BatchesCompleted,
		Elapsed:            es.Elapsed,
		ActiveSessionCount: es.ActiveSessionCount,
		Done:               es.Done,
		StopReason:         es.StopReason,
	}
	if r.coord != nil && r.coord.Degraded() {
		s.Degraded = "signal delivery failed for one or more sessions"
	}
	return s
}

// Done closes when the batch loop has exited.
func (r *Runner) Done() <-chan struct{} { return r.exec.Done() }

// Collector exposes the run's metrics collector for display surfaces.
func (r *Runner) Collector() *metrics.Collector { return r.collector }

// Terminate ends unit issuance early. Stop still has to be called to
// tear sessions down and collect the report.
func (r *Runner) Terminate() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Report drains and returns all error records collected so far.
func (r *Runner) Report() []tool.ErrorRecord { return r.exec.Records() }

// SessionRows renders one status line per session, for display.
func (r *Runner) SessionRows() []string {
	states := r.exec.SessionStates()
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rows := make([]string, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, fmt.Sprintf("%s [%s]", id, states[id]))
	}
	return rows
}

// Stop tears the run down within grace plus a small epsilon and builds
// the final report: tool records, framework failures, OS counter deltas
// and threshold results.
func (r *Runner) Stop(ctx context.Context, grace time.Duration) (*report.Report, error) {
	if !r.started.Load() {
		return nil, fmt.Errorf("runner not started")
	}
	if !r.stopped.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("runner already stopped")
	}

	r.cancel()
	r.exec.Stop(ctx, grace)

	delta, err := r.senses.Delta()
	if err != nil {
		r.log.Warn().Err(err).Msg("could not read OS error counter delta")
		delta = nil
	}

	stats := r.collector.Stats()
	rep := report.Build(report.Input{
		Records:    r.exec.Records(),
		Failures:   r.exec.Failures(),
		States:     r.exec.SessionStates(),
		Stats:      stats,
		OSCounts:   delta,
		Thresholds: r.eval.Evaluate(stats),
		StopReason: r.exec.Monitor().StopReason,
	})

	if r.runSpan != nil {
		tracing.EndSpan(r.runSpan, nil,
			attribute.String("run.verdict", string(rep.Verdict)),
			attribute.Int64("run.batches", stats.BatchesCompleted),
		)
	}

	r.log.Info().
		Str("run_id", r.id).
		Str("verdict", string(rep.Verdict)).
		Int64("batches", stats.BatchesCompleted).
		Msg("run stopped")
	return rep, nil
}
