// Package executor drives N worker sessions through synchronized
// execution batches. Every live session runs exactly one bounded work
// unit per batch and the whole pool rendezvouses at a barrier before
// the next batch begins; no partial-batch overlap is permitted. The
// executor owns the global time budget, the stop-on-error policy and
// the orderly shutdown path.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/rivven/memexer/internal/metrics"
	"github.com/rivven/memexer/internal/osproc"
	"github.com/rivven/memexer/internal/tool"
	"github.com/rivven/memexer/internal/tracing"
)

// SpawnPolicy decides what a per-session spawn failure does to the run.
type SpawnPolicy string

const (
	// SpawnAbort fails the whole start on the first spawn failure.
	SpawnAbort SpawnPolicy = "abort"
	// SpawnContinue records the failure and runs the remaining sessions.
	SpawnContinue SpawnPolicy = "continue"
)

// BudgetPolicy decides what happens to a session that misses the batch
// barrier: fail-fast force-terminates it immediately, consume leaves
// the process running (still consuming budget) until teardown. Either
// way the session is excluded from further batches.
type BudgetPolicy string

const (
	BudgetFailFast BudgetPolicy = "fail-fast"
	BudgetConsume  BudgetPolicy = "consume"
)

// ErrNoSessions is returned when Start ends with zero usable sessions.
var ErrNoSessions = errors.New("no worker sessions available")

// Failure is one framework-level execution error, kept strictly apart
// from tool-reported memory errors.
type Failure struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"` // "spawn", "barrier-timeout", "signal-delivery", "crash"
	Detail    string    `json:"detail"`
	Time      time.Time `json:"time"`
}

// SessionConfig pairs an allocated (unstarted) tool manager with its
// session binding.
type SessionConfig struct {
	Manager  tool.Manager
	Spec     tool.Spec
	LPU      int
	Priority int
}

// Options configure the executor.
type Options struct {
	Adapter       osproc.Adapter
	Sessions      []SessionConfig
	StopOnError   bool
	Budget        time.Duration // global execution-time budget, 0 = unlimited
	Grace         time.Duration // two-phase termination grace window
	BarrierWindow time.Duration // watchdog for the batch-complete rendezvous
	SpawnPolicy   SpawnPolicy
	BudgetPolicy  BudgetPolicy
	SpawnRate     int // session spawns per second, 0 = unlimited
	Collector     *metrics.Collector
	Tracer        trace.Tracer // optional
	Log           zerolog.Logger
}

func (o *Options) normalize() {
	if o.Grace <= 0 {
		o.Grace = 10 * time.Second
	}
	if o.BarrierWindow <= 0 {
		o.BarrierWindow = 2 * time.Minute
	}
	if o.SpawnPolicy == "" {
		o.SpawnPolicy = SpawnAbort
	}
	if o.BudgetPolicy == "" {
		o.BudgetPolicy = BudgetFailFast
	}
	if o.Collector == nil {
		o.Collector = metrics.NewCollector()
	}
}

// Status is the monitor surface exposed to the runner.
type Status struct {
	BatchesCompleted   int64
	Elapsed            time.Duration
	ActiveSessionCount int
	Done               bool
	StopReason         string
}

// session is one worker: exactly one tool manager bound to one process
// handle, with its own append-only error sink. Nothing here is shared
// with other sessions.
type session struct {
	id       string
	mgr      tool.Manager
	spec     tool.Spec
	lpu      int
	priority int

	batch    atomic.Uint64
	excluded atomic.Bool

	span     trace.Span
	spanOnce sync.Once

	sinkMu sync.Mutex
	sink   []tool.ErrorRecord
}

// endSpan closes the session's lifetime span at most once. Sessions
// can end via crash, barrier timeout or teardown; whichever happens
// first wins.
func (s *session) endSpan(err error) {
	if s.span == nil {
		return
	}
	s.spanOnce.Do(func() { tracing.EndSpan(s.span, err) })
}

func (s *session) appendSink(recs []tool.ErrorRecord) {
	if len(recs) == 0 {
		return
	}
	s.sinkMu.Lock()
	s.sink = append(s.sink, recs...)
	s.sinkMu.Unlock()
}

func (s *session) copySink() []tool.ErrorRecord {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	out := make([]tool.ErrorRecord, len(s.sink))
	copy(out, s.sink)
	return out
}

func (s *session) active() bool {
	if s.excluded.Load() {
		return false
	}
	st := s.mgr.State()
	return st == tool.StateRunning || st == tool.StatePaused
}

// Executor coordinates the worker pool.
type Executor struct {
	opt Options
	log zerolog.Logger

	sessions []*session
	started  time.Time

	batches       atomic.Int64
	uncorrectable atomic.Bool

	mu         sync.Mutex
	failures   []Failure
	stopReason string

	runStarted atomic.Bool
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	quit       chan struct{}
	stopOnce   sync.Once
}

// New allocates an executor. No worker resources are started.
func New(opt Options) *Executor {
	opt.normalize()
	return &Executor{
		opt:      opt,
		log:      opt.Log.With().Str("component", "executor").Logger(),
		loopDone: make(chan struct{}),
		quit:     make(chan struct{}),
	}
}

// Start configures every session and spawns its tool process. Tool
// configuration errors are fatal before anything is spawned; spawn
// failures follow the configured policy.
func (e *Executor) Start(ctx context.Context) error {
	// Validate all configuration up front so a bad config never leaves
	// half a pool running.
	pending := make([]*session, 0, len(e.opt.Sessions))
	for _, sc := range e.opt.Sessions {
		s := &session{
			id:       ulid.Make().String(),
			mgr:      sc.Manager,
			spec:     sc.Spec,
			lpu:      sc.LPU,
			priority: sc.Priority,
		}
		if err := s.mgr.Configure(s.spec); err != nil {
			return fmt.Errorf("configure session %s: %w", s.id, err)
		}
		pending = append(pending, s)
	}

	var limiter *rate.Limiter
	if e.opt.SpawnRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.opt.SpawnRate), 1)
	}

	for _, s := range pending {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		bind := tool.Binding{SessionID: s.id, LPU: s.lpu, Priority: s.priority}
		if err := s.mgr.Start(ctx, e.opt.Adapter, bind); err != nil {
			if e.opt.SpawnPolicy == SpawnAbort {
				e.sessions = pending
				e.teardown(ctx)
				return fmt.Errorf("spawn session %s: %w", s.id, err)
			}
			e.log.Error().Err(err).Str("session", s.id).Msg("session failed to spawn, continuing")
			e.recordFailure(s.id, "spawn", err)
			s.excluded.Store(true)
			continue
		}
		if e.opt.Tracer != nil {
			_, s.span = tracing.StartSessionSpan(ctx, e.opt.Tracer, s.id, s.spec.ID, s.lpu)
		}
		e.opt.Collector.RecordSessionStarted()
		e.log.Info().Str("session", s.id).Int("lpu", s.lpu).Msg("worker session started")
	}
	e.sessions = pending

	if e.activeCount() == 0 {
		return ErrNoSessions
	}
	e.started = time.Now()
	e.opt.Collector.Start()
	return nil
}

// Run executes the batch loop until the budget lapses, the pool
// empties, stop-on-error fires, or the context is canceled. A batch in
// flight always completes; the loop never stops mid-batch.
func (e *Executor) Run(ctx context.Context) {
	e.runStarted.Store(true)
	defer close(e.loopDone)
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.loopCancel = cancel
	e.mu.Unlock()
	defer cancel()

	for {
		select {
		case <-e.quit:
			e.setStopReason("stop requested")
			return
		default:
		}
		if ctx.Err() != nil {
			e.setStopReason("canceled")
			return
		}
		if e.opt.Budget > 0 && time.Since(e.started) >= e.opt.Budget {
			e.setStopReason("time budget exhausted")
			return
		}
		live := e.liveSessions()
		if len(live) == 0 {
			e.setStopReason("no live sessions")
			return
		}

		e.runBatch(ctx, live)

		if e.opt.StopOnError && e.uncorrectable.Load() {
			e.setStopReason("uncorrectable error with stop-on-error")
			return
		}
	}
}

// runBatch issues one work unit to every live session and blocks at
// the all-sessions rendezvous. Sessions missing the watchdog window
// are marked crashed and excluded; the rest of the pool proceeds.
func (e *Executor) runBatch(ctx context.Context, live []*session) {
	batchNum := e.batches.Load() + 1
	start := time.Now()

	var span trace.Span
	if e.opt.Tracer != nil {
		ctx, span = e.opt.Tracer.Start(ctx, "batch", trace.WithAttributes(
			attribute.Int64("batch.number", batchNum),
			attribute.Int("batch.sessions", len(live)),
		))
		defer span.End()
	}

	done := make(chan *session, len(live))
	for _, s := range live {
		s.batch.Add(1)
		go func(s *session) {
			unitStart := time.Now()
			if err := s.mgr.BeginUnit(ctx); err != nil && ctx.Err() == nil {
				e.log.Warn().Err(err).Str("session", s.id).Msg("work unit error")
			}
			e.drainSession(s)
			e.opt.Collector.RecordUnit(time.Since(unitStart))
			done <- s
		}(s)
	}

	waiting := make(map[string]*session, len(live))
	for _, s := range live {
		waiting[s.id] = s
	}
	watchdog := time.NewTimer(e.opt.BarrierWindow)
	defer watchdog.Stop()
	for len(waiting) > 0 {
		select {
		case s := <-done:
			delete(waiting, s.id)
		case <-watchdog.C:
			for _, s := range waiting {
				e.failBarrier(s)
			}
			waiting = nil
		}
	}

	e.batches.Add(1)
	e.opt.Collector.RecordBatch(time.Since(start))
	e.log.Debug().Int64("batch", batchNum).Dur("took", time.Since(start)).Msg("batch complete")
}

// failBarrier handles one session that missed the rendezvous. It is
// treated as crashed and excluded from further batches.
func (e *Executor) failBarrier(s *session) {
	err := fmt.Errorf("session %s missed batch barrier after %s", s.id, e.opt.BarrierWindow)
	e.log.Error().Err(err).Str("session", s.id).Msg("barrier timeout")
	e.recordFailure(s.id, "barrier-timeout", err)
	s.excluded.Store(true)
	s.endSpan(err)
	e.opt.Collector.RecordSessionCrashed()
	if e.opt.BudgetPolicy == BudgetFailFast {
		// Force-fail the hung session right away instead of letting it
		// burn budget until teardown.
		go func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), e.opt.Grace+5*time.Second)
			defer cancel()
			_ = s.mgr.RequestStop(stopCtx, e.opt.Grace)
		}()
	}
}

// drainSession moves freshly collected records into the session's own
// sink. Writes are per-session disjoint; no cross-session contention.
func (e *Executor) drainSession(s *session) {
	recs := s.mgr.CollectErrors()
	if len(recs) == 0 {
		if st := s.mgr.State(); st == tool.StateCrashed && !s.excluded.Load() {
			e.markCrashed(s)
		}
		return
	}
	for _, rec := range recs {
		e.opt.Collector.RecordError(rec.Class)
		if rec.Class == tool.ClassUncorrectable {
			e.uncorrectable.Store(true)
		}
	}
	s.appendSink(recs)
	if st := s.mgr.State(); st == tool.StateCrashed && !s.excluded.Load() {
		e.markCrashed(s)
	}
}

func (e *Executor) markCrashed(s *session) {
	if s.excluded.Swap(true) {
		return
	}
	err := fmt.Errorf("session %s tool process died", s.id)
	e.recordFailure(s.id, "crash", err)
	s.endSpan(err)
	e.opt.Collector.RecordSessionCrashed()
}

// Stop ends issuance after the in-flight batch, tears every session
// down with two-phase termination, and returns control within
// grace + epsilon regardless of session cooperation.
func (e *Executor) Stop(ctx context.Context, grace time.Duration) {
	e.stopOnce.Do(func() {
		if grace <= 0 {
			grace = e.opt.Grace
		}
		close(e.quit)
		e.mu.Lock()
		cancel := e.loopCancel
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if e.runStarted.Load() {
			select {
			case <-e.loopDone:
			case <-time.After(grace + 5*time.Second):
				e.log.Error().Msg("batch loop did not drain in time")
			case <-ctx.Done():
			}
		}
		e.teardownWithGrace(ctx, grace)
	})
}

func (e *Executor) teardown(ctx context.Context) {
	e.teardownWithGrace(ctx, e.opt.Grace)
}

func (e *Executor) teardownWithGrace(ctx context.Context, grace time.Duration) {
	var wg sync.WaitGroup
	for _, s := range e.sessions {
		if s.mgr.State().Terminal() {
			e.drainSession(s)
			s.endSpan(nil)
			continue
		}
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			err := s.mgr.RequestStop(ctx, grace)
			if err != nil {
				e.log.Warn().Err(err).Str("session", s.id).Msg("session stop failed")
			}
			e.drainSession(s)
			s.endSpan(err)
		}(s)
	}
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(grace + 5*time.Second):
		e.log.Error().Msg("session teardown exceeded grace window")
	case <-ctx.Done():
	}
}

// Done reports when the batch loop has ended.
func (e *Executor) Done() <-chan struct{} { return e.loopDone }

// Monitor returns the current pool status.
func (e *Executor) Monitor() Status {
	var elapsed time.Duration
	if !e.started.IsZero() {
		elapsed = time.Since(e.started)
	}
	select {
	case <-e.loopDone:
		return Status{
			BatchesCompleted:   e.batches.Load(),
			Elapsed:            elapsed,
			ActiveSessionCount: e.activeCount(),
			Done:               true,
			StopReason:         e.readStopReason(),
		}
	default:
		return Status{
			BatchesCompleted:   e.batches.Load(),
			Elapsed:            elapsed,
			ActiveSessionCount: e.activeCount(),
		}
	}
}

// PauseAll pauses every active session. A delivery failure escalates to
// forced termination of the affected session only; the rest keep going.
func (e *Executor) PauseAll() error {
	return e.forEachActive("pause", func(s *session) error { return s.mgr.Pause() })
}

// ResumeAll resumes every active session.
func (e *Executor) ResumeAll() error {
	return e.forEachActive("resume", func(s *session) error { return s.mgr.Resume() })
}

func (e *Executor) forEachActive(op string, f func(*session) error) error {
	var errs []error
	for _, s := range e.sessions {
		if !s.active() {
			continue
		}
		if err := f(s); err != nil {
			e.log.Error().Err(err).Str("session", s.id).Msgf("%s delivery failed, terminating session", op)
			e.recordFailure(s.id, "signal-delivery", err)
			s.excluded.Store(true)
			e.opt.Collector.RecordSessionCrashed()
			go func(s *session) {
				stopCtx, cancel := context.WithTimeout(context.Background(), e.opt.Grace+5*time.Second)
				defer cancel()
				_ = s.mgr.RequestStop(stopCtx, e.opt.Grace)
			}(s)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Records aggregates a copy of every session sink. The copy is taken
// under each sink's own lock, so sessions keep writing contention-free.
func (e *Executor) Records() []tool.ErrorRecord {
	var out []tool.ErrorRecord
	for _, s := range e.sessions {
		out = append(out, s.copySink()...)
	}
	return out
}

// Failures returns the framework-level failure log.
func (e *Executor) Failures() []Failure {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Failure, len(e.failures))
	copy(out, e.failures)
	return out
}

// SessionStates reports each session id with its lifecycle state.
func (e *Executor) SessionStates() map[string]tool.State {
	out := make(map[string]tool.State, len(e.sessions))
	for _, s := range e.sessions {
		out[s.id] = s.mgr.State()
	}
	return out
}

func (e *Executor) activeCount() int {
	n := 0
	for _, s := range e.sessions {
		if s.active() {
			n++
		}
	}
	return n
}

func (e *Executor) liveSessions() []*session {
	var out []*session
	for _, s := range e.sessions {
		if s.active() {
			out = append(out, s)
		}
	}
	return out
}

func (e *Executor) recordFailure(sessionID, kind string, err error) {
	e.opt.Collector.RecordFrameworkFailure(kind)
	e.mu.Lock()
	e.failures = append(e.failures, Failure{
		SessionID: sessionID,
		Kind:      kind,
		Detail:    err.Error(),
		Time:      time.Now(),
	})
	e.mu.Unlock()
}

func (e *Executor) setStopReason(reason string) {
	e.mu.Lock()
	if e.stopReason == "" {
		e.stopReason = reason
	}
	e.mu.Unlock()
	e.log.Info().Str("reason", reason).Msg("batch issuance stopped")
}

func (e *Executor) readStopReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopReason
}
