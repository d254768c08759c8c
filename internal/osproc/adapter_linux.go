//go:build linux

package osproc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// killEpsilon bounds the wait after a forced kill so RequestTerminate
// returns within grace + epsilon even if the reaper lags.
const killEpsilon = 2 * time.Second

func init() {
	Register(PlatformLinux, func() Adapter { return &unixAdapter{platform: PlatformLinux} })
	Register(PlatformSvos, func() Adapter { return &unixAdapter{platform: PlatformSvos} })
}

func detectPlatform() Platform {
	if _, err := os.Stat("/etc/svos-release"); err == nil {
		return PlatformSvos
	}
	return PlatformLinux
}

// unixAdapter drives processes with POSIX signals: SIGSTOP/SIGCONT for
// pause and resume, SIGINT then SIGKILL for two-phase termination. The
// svos variant shares these semantics.
type unixAdapter struct {
	platform Platform
}

func (a *unixAdapter) Platform() Platform { return a.platform }

func (a *unixAdapter) Spawn(ctx context.Context, c Command) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}
	argv := decorateArgv(c)
	cmd := exec.Command(argv[0], argv[1:]...)
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

func (a *unixAdapter) RequestPause(h Handle) error {
	ph, err := asProcHandle(h)
	if err != nil {
		return err
	}
	return signalIfRunning(ph, syscall.SIGSTOP)
}

func (a *unixAdapter) RequestResume(h Handle) error {
	ph, err := asProcHandle(h)
	if err != nil {
		return err
	}
	return signalIfRunning(ph, syscall.SIGCONT)
}

func (a *unixAdapter) RequestTerminate(ctx context.Context, h Handle, grace time.Duration) error {
	ph, err := asProcHandle(h)
	if err != nil {
		return err
	}
	// SIGINT first: the stress tool flushes its diagnostics on interrupt.
	if err := signalIfRunning(ph, syscall.SIGINT); err != nil {
		return err
	}
	if waitDone(ctx, ph, grace) {
		return nil
	}
	if err := signalIfRunning(ph, syscall.SIGKILL); err != nil {
		return err
	}
	waitDone(ctx, ph, killEpsilon)
	return nil
}

func (a *unixAdapter) Poll(h Handle) Status {
	ph, err := asProcHandle(h)
	if err != nil {
		return Status{Kind: StatusCrashed, ExitCode: -1}
	}
	return ph.poll()
}

// decorateArgv prepends nice and taskset so the tool runs at the
// requested priority pinned to its LPU visible to the kernel scheduler.
func decorateArgv(c Command) []string {
	argv := []string{c.Path}
	argv = append(argv, c.Args...)
	if c.LPU >= 0 {
		if _, err := exec.LookPath("taskset"); err == nil {
			argv = append([]string{"taskset", "-c", strconv.Itoa(c.LPU)}, argv...)
		}
	}
	if c.Priority > 0 {
		if _, err := exec.LookPath("nice"); err == nil {
			argv = append([]string{"nice", "-n", strconv.Itoa(niceValue(c.Priority))}, argv...)
		}
	}
	return argv
}

// niceValue converts a 0-100 priority to the nice scale. Unprivileged
// processes cannot raise priority, so negative values floor at 0.
func niceValue(priority int) int {
	nice := int(math.Round(float64(priority)/100*-39 + 19))
	if os.Geteuid() != 0 && nice < 0 {
		nice = 0
	}
	return nice
}

func signalIfRunning(ph *procHandle, sig syscall.Signal) error {
	if ph.poll().Kind != StatusRunning {
		return nil
	}
	proc := ph.cmd.Process
	if proc == nil {
		return nil
	}
	if err := proc.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("signal %v pid %d: %w", sig, proc.Pid, err)
	}
	return nil
}

func waitDone(ctx context.Context, ph *procHandle, d time.Duration) bool {
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
