// Package osproctest provides a scripted in-memory Adapter for tests
// that exercise process lifecycle handling without spawning real
// processes.
package osproctest

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rivven/memexer/internal/osproc"
)

// Process scripts the behavior of the next spawned fake process.
type Process struct {
	Output     []string      // lines emitted on stdout right after spawn
	ExitAfter  time.Duration // auto-exit delay; 0 means run until terminated
	ExitCode   int           // code used for auto-exit
	IgnoreStop bool          // ignore the graceful stop request (forces kill escalation)
	SpawnErr   error         // returned from Spawn instead of a handle
}

// Handle is the fake process handle. Tests drive it directly through
// Emit, Exit and Crash.
type Handle struct {
	pid     int
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mu     sync.Mutex
	status osproc.Status
	done   chan struct{}

	ignoreStop bool
	paused     bool
}

func (h *Handle) PID() int          { return h.pid }
func (h *Handle) Stdout() io.Reader { return h.stdoutR }
func (h *Handle) Stderr() io.Reader { return strings.NewReader("") }

// Emit writes one line to the fake process stdout.
func (h *Handle) Emit(line string) {
	_, _ = h.stdoutW.Write([]byte(line + "\n"))
}

// Exit ends the fake process with the given code.
func (h *Handle) Exit(code int) {
	h.finish(osproc.Status{Kind: osproc.StatusExited, ExitCode: code})
}

// Crash ends the fake process as if it died to a signal.
func (h *Handle) Crash(code int) {
	h.finish(osproc.Status{Kind: osproc.StatusCrashed, ExitCode: code})
}

// Paused reports whether a pause request is currently in effect.
func (h *Handle) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

func (h *Handle) finish(st osproc.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Kind != osproc.StatusRunning {
		return
	}
	h.status = st
	_ = h.stdoutW.Close()
	close(h.done)
}

func (h *Handle) poll() osproc.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Adapter is a fake osproc.Adapter. Spawned processes follow the
// scripts queued with ScriptNext; unscripted spawns run silently until
// terminated.
type Adapter struct {
	platform osproc.Platform

	mu      sync.Mutex
	scripts []*Process
	handles []*Handle
	nextPID int

	PauseErr   error // injected pause delivery failure
	Pauses     int
	Resumes    int
	Terminates int
}

// NewAdapter returns a fake adapter reporting the given platform tag.
func NewAdapter(p osproc.Platform) *Adapter {
	return &Adapter{platform: p, nextPID: 1000}
}

// ScriptNext queues the behavior for the next spawn, in order.
func (a *Adapter) ScriptNext(p *Process) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts = append(a.scripts, p)
}

// Handles returns every handle spawned so far.
func (a *Adapter) Handles() []*Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Handle, len(a.handles))
	copy(out, a.handles)
	return out
}

func (a *Adapter) Platform() osproc.Platform { return a.platform }

func (a *Adapter) Spawn(ctx context.Context, cmd osproc.Command) (osproc.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	var script *Process
	if len(a.scripts) > 0 {
		script = a.scripts[0]
		a.scripts = a.scripts[1:]
	} else {
		script = &Process{}
	}
	if script.SpawnErr != nil {
		a.mu.Unlock()
		return nil, script.SpawnErr
	}
	a.nextPID++
	r, w := io.Pipe()
	h := &Handle{
		pid:        a.nextPID,
		stdoutR:    r,
		stdoutW:    w,
		status:     osproc.Status{Kind: osproc.StatusRunning},
		done:       make(chan struct{}),
		ignoreStop: script.IgnoreStop,
	}
	a.handles = append(a.handles, h)
	a.mu.Unlock()

	go func() {
		for _, line := range script.Output {
			h.Emit(line)
		}
		if script.ExitAfter > 0 {
			time.Sleep(script.ExitAfter)
			h.Exit(script.ExitCode)
		}
	}()
	return h, nil
}

func (a *Adapter) RequestPause(h osproc.Handle) error {
	if a.PauseErr != nil {
		return a.PauseErr
	}
	fh := h.(*Handle)
	fh.mu.Lock()
	fh.paused = true
	fh.mu.Unlock()
	a.mu.Lock()
	a.Pauses++
	a.mu.Unlock()
	return nil
}

func (a *Adapter) RequestResume(h osproc.Handle) error {
	fh := h.(*Handle)
	fh.mu.Lock()
	fh.paused = false
	fh.mu.Unlock()
	a.mu.Lock()
	a.Resumes++
	a.mu.Unlock()
	return nil
}

func (a *Adapter) RequestTerminate(ctx context.Context, h osproc.Handle, grace time.Duration) error {
	a.mu.Lock()
	a.Terminates++
	a.mu.Unlock()
	fh := h.(*Handle)
	if fh.poll().Kind != osproc.StatusRunning {
		return nil
	}
	if !fh.ignoreStop {
		fh.Exit(0)
		return nil
	}
	// Non-responsive process: burn the grace window, then force-kill.
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-fh.done:
	case <-timer.C:
		fh.Crash(-9)
	case <-ctx.Done():
		fh.Crash(-9)
	}
	return nil
}

func (a *Adapter) Poll(h osproc.Handle) osproc.Status {
	return h.(*Handle).poll()
}
