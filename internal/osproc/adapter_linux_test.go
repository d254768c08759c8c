//go:build linux

package osproc

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newLinuxAdapter(t *testing.T) Adapter {
	t.Helper()
	a, err := New(PlatformLinux)
	if err != nil {
		t.Fatalf("New(linux): %v", err)
	}
	return a
}

func TestDetectReturnsAdapter(t *testing.T) {
	a, err := Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if p := a.Platform(); p != PlatformLinux && p != PlatformSvos {
		t.Fatalf("unexpected platform %q", p)
	}
}

func TestSpawnFailure(t *testing.T) {
	a := newLinuxAdapter(t)
	_, err := a.Spawn(context.Background(), Command{Path: "/nonexistent/memexer-tool", LPU: -1})
	if !errors.Is(err, ErrSpawnFailure) {
		t.Fatalf("expected ErrSpawnFailure, got %v", err)
	}
}

func TestSpawnPollTerminate(t *testing.T) {
	a := newLinuxAdapter(t)
	h, err := a.Spawn(context.Background(), Command{Path: "/bin/sleep", Args: []string{"30"}, LPU: -1})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if st := a.Poll(h); st.Kind != StatusRunning {
		t.Fatalf("expected running, got %v", st)
	}
	if err := a.RequestTerminate(context.Background(), h, 2*time.Second); err != nil {
		t.Fatalf("RequestTerminate: %v", err)
	}
	// sleep dies to SIGINT, so the process must be gone now.
	deadline := time.After(3 * time.Second)
	for a.Poll(h).Kind == StatusRunning {
		select {
		case <-deadline:
			t.Fatal("process still running after terminate")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTerminateEscalatesWithinBound(t *testing.T) {
	a := newLinuxAdapter(t)
	// The shell ignores SIGINT, forcing the SIGKILL escalation path.
	h, err := a.Spawn(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", `trap "" INT; sleep 30`},
		LPU:  -1,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	grace := 300 * time.Millisecond
	start := time.Now()
	if err := a.RequestTerminate(context.Background(), h, grace); err != nil {
		t.Fatalf("RequestTerminate: %v", err)
	}
	if elapsed := time.Since(start); elapsed > grace+killEpsilon+time.Second {
		t.Fatalf("terminate took %v, want <= grace+epsilon", elapsed)
	}
	if st := a.Poll(h); st.Kind == StatusRunning {
		t.Fatalf("expected terminal status, got %v", st)
	}
}

func TestPauseResume(t *testing.T) {
	a := newLinuxAdapter(t)
	h, err := a.Spawn(context.Background(), Command{Path: "/bin/sleep", Args: []string{"30"}, LPU: -1})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer a.RequestTerminate(context.Background(), h, time.Second)

	if err := a.RequestPause(h); err != nil {
		t.Fatalf("RequestPause: %v", err)
	}
	if st := a.Poll(h); st.Kind != StatusRunning {
		t.Fatalf("paused process should still poll running, got %v", st)
	}
	if err := a.RequestResume(h); err != nil {
		t.Fatalf("RequestResume: %v", err)
	}
}

func TestPollReportsExit(t *testing.T) {
	a := newLinuxAdapter(t)
	h, err := a.Spawn(context.Background(), Command{Path: "/bin/true", LPU: -1})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	deadline := time.After(3 * time.Second)
	for {
		st := a.Poll(h)
		if st.Kind == StatusExited {
			if st.ExitCode != 0 {
				t.Fatalf("expected exit 0, got %v", st)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("process never reported exit, last %v", st)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPauseAfterExitIsNotAnError(t *testing.T) {
	a := newLinuxAdapter(t)
	h, err := a.Spawn(context.Background(), Command{Path: "/bin/true", LPU: -1})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	deadline := time.After(3 * time.Second)
	for a.Poll(h).Kind == StatusRunning {
		select {
		case <-deadline:
			t.Fatal("process never exited")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if err := a.RequestPause(h); err != nil {
		t.Fatalf("pause on gone process should not error, got %v", err)
	}
}

func TestNiceValue(t *testing.T) {
	// At priority 100 the mapping lands on -20 (or 0 unprivileged); at
	// 0 it lands on 19.
	if got := niceValue(0); got != 19 {
		t.Fatalf("niceValue(0) = %d, want 19", got)
	}
	got := niceValue(100)
	if got != -20 && got != 0 {
		t.Fatalf("niceValue(100) = %d, want -20 or 0", got)
	}
}
