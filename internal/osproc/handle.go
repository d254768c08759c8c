package osproc

import (
	"io"
	"os/exec"
	"sync"
)

// procHandle is the exec-backed handle shared by all adapter variants.
// A reaper goroutine owns the Wait call so Poll stays non-blocking.
type procHandle struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader

	done chan struct{}

	mu     sync.Mutex
	status Status
}

func newProcHandle(cmd *exec.Cmd, stdout, stderr io.Reader) *procHandle {
	h := &procHandle{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
		status: Status{Kind: StatusRunning},
	}
	go h.reap()
	return h
}

func (h *procHandle) reap() {
	err := h.cmd.Wait()
	st := Status{Kind: StatusExited}
	if ps := h.cmd.ProcessState; ps != nil {
		st.ExitCode = ps.ExitCode()
		// A negative exit code means the process died to a signal.
		if st.ExitCode < 0 || (err != nil && !ps.Exited()) {
			st.Kind = StatusCrashed
		}
	} else if err != nil {
		st.Kind = StatusCrashed
		st.ExitCode = -1
	}
	h.mu.Lock()
	h.status = st
	h.mu.Unlock()
	close(h.done)
}

func (h *procHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *procHandle) Stdout() io.Reader { return h.stdout }
func (h *procHandle) Stderr() io.Reader { return h.stderr }

func (h *procHandle) poll() Status {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.status
	default:
		return Status{Kind: StatusRunning}
	}
}

// asProcHandle rejects handles that were not produced by this package.
func asProcHandle(h Handle) (*procHandle, error) {
	ph, ok := h.(*procHandle)
	if !ok || ph == nil {
		return nil, ErrBadHandle
	}
	return ph, nil
}
