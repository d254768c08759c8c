package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rivven/memexer/internal/osproc"
	"github.com/rivven/memexer/internal/tool"
	"github.com/rivven/memexer/internal/xlog"
)

// fakeManager is a scriptable tool.Manager for exercising the batch
// loop without real processes.
type fakeManager struct {
	mu      sync.Mutex
	state   tool.State
	pending []tool.ErrorRecord

	units     atomic.Int64
	unitDelay time.Duration
	hangUnit  int64 // block forever on this unit number, 0 = never
	errOnUnit int64 // emit a record on this unit number, 0 = never
	errClass  tool.ErrorClass

	spawnErr error
	pauseErr error
	stopWait time.Duration // simulate a slow teardown
}

func (f *fakeManager) ID() string { return "fake" }

func (f *fakeManager) State() tool.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeManager) setState(s tool.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeManager) Configure(tool.Spec) error {
	f.setState(tool.StateConfigured)
	return nil
}

func (f *fakeManager) Start(_ context.Context, _ osproc.Adapter, _ tool.Binding) error {
	if f.spawnErr != nil {
		return f.spawnErr
	}
	f.setState(tool.StateRunning)
	return nil
}

func (f *fakeManager) BeginUnit(ctx context.Context) error {
	n := f.units.Add(1)
	if f.hangUnit > 0 && n >= f.hangUnit {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.unitDelay > 0 {
		select {
		case <-time.After(f.unitDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.errOnUnit > 0 && n == f.errOnUnit {
		f.mu.Lock()
		f.pending = append(f.pending, tool.ErrorRecord{
			Timestamp: time.Now(),
			Location:  "DIMM_A0",
			Class:     f.errClass,
			ClassName: f.errClass.String(),
			Raw:       "scripted",
		})
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeManager) Pause() error {
	if f.pauseErr != nil {
		return f.pauseErr
	}
	f.setState(tool.StatePaused)
	return nil
}

func (f *fakeManager) Resume() error {
	f.setState(tool.StateRunning)
	return nil
}

func (f *fakeManager) CollectErrors() []tool.ErrorRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out
}

func (f *fakeManager) RequestStop(ctx context.Context, grace time.Duration) error {
	if f.stopWait > 0 {
		select {
		case <-time.After(f.stopWait):
		case <-ctx.Done():
		}
	}
	f.setState(tool.StateStopped)
	return nil
}

func newTestExecutor(t *testing.T, opt Options, mgrs ...*fakeManager) *Executor {
	t.Helper()
	for _, m := range mgrs {
		opt.Sessions = append(opt.Sessions, SessionConfig{
			Manager: m,
			Spec:    tool.Spec{ID: "fake", Binary: "/bin/true", Case: "smoke"},
		})
	}
	opt.Log = xlog.Nop()
	return New(opt)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %s", timeout)
}

func TestBatchBarrierKeepsSessionsInLockstep(t *testing.T) {
	fast := &fakeManager{unitDelay: time.Millisecond}
	slow := &fakeManager{unitDelay: 30 * time.Millisecond}
	third := &fakeManager{unitDelay: 5 * time.Millisecond}
	ex := newTestExecutor(t, Options{BarrierWindow: time.Second}, fast, slow, third)

	ctx := context.Background()
	if err := ex.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	go ex.Run(ctx)
	waitUntil(t, 5*time.Second, func() bool { return ex.Monitor().BatchesCompleted >= 3 })
	ex.Stop(ctx, time.Second)
	<-ex.Done()

	a, b, c := fast.units.Load(), slow.units.Load(), third.units.Load()
	if a != b || b != c {
		t.Fatalf("sessions drifted out of lockstep: units %d %d %d", a, b, c)
	}
}

func TestStopOnErrorHaltsAfterBatchCompletes(t *testing.T) {
	bad := &fakeManager{errOnUnit: 2, errClass: tool.ClassUncorrectable}
	ok := &fakeManager{unitDelay: 2 * time.Millisecond}
	ex := newTestExecutor(t, Options{StopOnError: true, BarrierWindow: time.Second}, bad, ok)

	ctx := context.Background()
	if err := ex.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ex.Run(ctx)

	st := ex.Monitor()
	if !st.Done {
		t.Fatal("expected run loop to be done")
	}
	if st.BatchesCompleted != 2 {
		t.Fatalf("expected issuance to stop after batch 2, got %d", st.BatchesCompleted)
	}
	if bad.units.Load() != ok.units.Load() {
		t.Fatalf("final batch was cut short: units %d vs %d", bad.units.Load(), ok.units.Load())
	}
	recs := ex.Records()
	if len(recs) != 1 || recs[0].Class != tool.ClassUncorrectable {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestSpawnFailureContinuePolicy(t *testing.T) {
	broken := &fakeManager{spawnErr: errors.New("exec format error")}
	ex := newTestExecutor(t, Options{SpawnPolicy: SpawnContinue, BarrierWindow: time.Second},
		&fakeManager{}, broken, &fakeManager{})

	if err := ex.Start(context.Background()); err != nil {
		t.Fatalf("Start with continue policy: %v", err)
	}
	if got := ex.Monitor().ActiveSessionCount; got != 2 {
		t.Fatalf("active sessions = %d, want 2", got)
	}
	fails := ex.Failures()
	if len(fails) != 1 || fails[0].Kind != "spawn" {
		t.Fatalf("unexpected failures: %+v", fails)
	}
}

func TestSpawnFailureAbortPolicy(t *testing.T) {
	healthy := &fakeManager{}
	broken := &fakeManager{spawnErr: errors.New("no such file")}
	ex := newTestExecutor(t, Options{SpawnPolicy: SpawnAbort}, healthy, broken)

	if err := ex.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail under abort policy")
	}
	// Already-started sessions must be torn down, not leaked.
	if st := healthy.State(); st != tool.StateStopped {
		t.Fatalf("healthy session state after abort = %s, want stopped", st)
	}
}

func TestAllSpawnsFailing(t *testing.T) {
	ex := newTestExecutor(t, Options{SpawnPolicy: SpawnContinue},
		&fakeManager{spawnErr: errors.New("boom")},
		&fakeManager{spawnErr: errors.New("boom")})
	if err := ex.Start(context.Background()); !errors.Is(err, ErrNoSessions) {
		t.Fatalf("err = %v, want ErrNoSessions", err)
	}
}

func TestBarrierTimeoutExcludesHungSession(t *testing.T) {
	hung := &fakeManager{hangUnit: 2}
	ok := &fakeManager{unitDelay: time.Millisecond}
	ex := newTestExecutor(t, Options{BarrierWindow: 50 * time.Millisecond}, hung, ok)

	ctx := context.Background()
	if err := ex.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	go ex.Run(ctx)
	waitUntil(t, 5*time.Second, func() bool {
		for _, f := range ex.Failures() {
			if f.Kind == "barrier-timeout" {
				return true
			}
		}
		return false
	})
	// Remaining sessions keep batching without the straggler.
	waitUntil(t, 5*time.Second, func() bool { return ex.Monitor().BatchesCompleted >= 4 })
	ex.Stop(ctx, time.Second)
	<-ex.Done()

	if got := ok.units.Load(); got < 4 {
		t.Fatalf("surviving session stalled at %d units", got)
	}
}

func TestStopReturnsWithinGraceWindow(t *testing.T) {
	stubborn := &fakeManager{stopWait: time.Minute}
	ex := newTestExecutor(t, Options{BarrierWindow: time.Second}, stubborn)

	ctx := context.Background()
	if err := ex.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	go ex.Run(ctx)
	waitUntil(t, 5*time.Second, func() bool { return ex.Monitor().BatchesCompleted >= 1 })

	grace := 100 * time.Millisecond
	start := time.Now()
	ex.Stop(ctx, grace)
	if took := time.Since(start); took > grace+6*time.Second {
		t.Fatalf("Stop took %s, want bounded by grace plus epsilon", took)
	}
}

func TestPauseDeliveryFailureTerminatesOnlyThatSession(t *testing.T) {
	deaf := &fakeManager{pauseErr: errors.New("signal delivery failed")}
	ok := &fakeManager{}
	ex := newTestExecutor(t, Options{}, deaf, ok)

	if err := ex.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ex.PauseAll(); err == nil {
		t.Fatal("expected PauseAll to surface the delivery error")
	}
	if st := ok.State(); st != tool.StatePaused {
		t.Fatalf("healthy session state = %s, want paused", st)
	}
	waitUntil(t, 5*time.Second, func() bool { return deaf.State() == tool.StateStopped })
	if err := ex.ResumeAll(); err != nil {
		t.Fatalf("ResumeAll: %v", err)
	}
	if st := ok.State(); st != tool.StateRunning {
		t.Fatalf("healthy session state = %s, want running", st)
	}
}

func TestTimeBudgetStopsIssuance(t *testing.T) {
	m := &fakeManager{unitDelay: 5 * time.Millisecond}
	ex := newTestExecutor(t, Options{Budget: 50 * time.Millisecond, BarrierWindow: time.Second}, m)

	ctx := context.Background()
	if err := ex.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ex.Run(ctx)
	st := ex.Monitor()
	if !st.Done || st.StopReason != "time budget exhausted" {
		t.Fatalf("status = %+v, want budget stop", st)
	}
	if st.BatchesCompleted == 0 {
		t.Fatal("expected at least one batch inside the budget")
	}
}
