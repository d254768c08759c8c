//go:build windows

package osproc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const winKillEpsilon = 2 * time.Second

func init() {
	Register(PlatformWindows, func() Adapter { return &windowsAdapter{} })
}

func detectPlatform() Platform { return PlatformWindows }

// windowsAdapter has no stop/continue signal, so pause and resume are
// emulated through a cooperative checkpoint flag file the wrapped tool
// polls between work units. Termination writes a stop flag first and
// escalates to Kill after the grace window.
type windowsAdapter struct{}

func (a *windowsAdapter) Platform() Platform { return PlatformWindows }

func (a *windowsAdapter) Spawn(ctx context.Context, c Command) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailure, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailure, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}
	return newProcHandle(cmd, stdout, stderr), nil
}

func (a *windowsAdapter) RequestPause(h Handle) error {
	ph, err := asProcHandle(h)
	if err != nil {
		return err
	}
	if ph.poll().Kind != StatusRunning {
		return nil
	}
	return writeFlag(flagPath(ph, "pause"))
}

func (a *windowsAdapter) RequestResume(h Handle) error {
	ph, err := asProcHandle(h)
	if err != nil {
		return err
	}
	if err := os.Remove(flagPath(ph, "pause")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear pause flag pid %d: %w", ph.PID(), err)
	}
	return nil
}

func (a *windowsAdapter) RequestTerminate(ctx context.Context, h Handle, grace time.Duration) error {
	ph, err := asProcHandle(h)
	if err != nil {
		return err
	}
	if ph.poll().Kind != StatusRunning {
		return nil
	}
	// Cooperative stop request first so the tool can flush diagnostics.
	if err := writeFlag(flagPath(ph, "stop")); err != nil {
		return err
	}
	if waitDoneWin(ctx, ph, grace) {
		return nil
	}
	if proc := ph.cmd.Process; proc != nil {
		if err := proc.Kill(); err != nil && ph.poll().Kind == StatusRunning {
			return fmt.Errorf("kill pid %d: %w", proc.Pid, err)
		}
	}
	waitDoneWin(ctx, ph, winKillEpsilon)
	return nil
}

func (a *windowsAdapter) Poll(h Handle) Status {
	ph, err := asProcHandle(h)
	if err != nil {
		return Status{Kind: StatusCrashed, ExitCode: -1}
	}
	return ph.poll()
}

func flagPath(ph *procHandle, kind string) string {
	dir := ph.cmd.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("memexer-%d.%s", ph.PID(), kind))
}

func writeFlag(path string) error {
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return fmt.Errorf("write flag %s: %w", path, err)
	}
	return nil
}

func waitDoneWin(ctx context.Context, ph *procHandle, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ph.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
