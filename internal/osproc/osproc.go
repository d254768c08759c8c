// Package osproc normalizes process control across the supported
// platforms. One Adapter variant per platform is registered at init
// time and selected exactly once when the runner is composed; nothing
// downstream branches on the operating system again.
package osproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"
)

// Platform tags an adapter variant.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformSvos    Platform = "svos"
	PlatformWindows Platform = "windows"
)

var (
	// ErrUnsupportedPlatform is returned when no adapter variant matches.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	// ErrSpawnFailure wraps OS-level launch errors.
	ErrSpawnFailure = errors.New("spawn failure")
	// ErrBadHandle is returned when an operation receives a handle the
	// adapter did not create.
	ErrBadHandle = errors.New("invalid process handle")
)

// Command describes one native tool invocation.
type Command struct {
	Path     string
	Args     []string
	Env      []string // appended to the inherited environment
	Dir      string
	LPU      int // logical processor to pin to; negative means no pinning
	Priority int // 0-100 scheduling priority; 0 means platform default
}

// StatusKind is the liveness classification reported by Poll.
type StatusKind int

const (
	StatusRunning StatusKind = iota
	StatusExited
	StatusCrashed
)

// Status is a non-blocking liveness snapshot. ExitCode is meaningful
// only for StatusExited and StatusCrashed.
type Status struct {
	Kind     StatusKind
	ExitCode int
}

func (s Status) String() string {
	switch s.Kind {
	case StatusRunning:
		return "running"
	case StatusExited:
		return fmt.Sprintf("exited(%d)", s.ExitCode)
	case StatusCrashed:
		return fmt.Sprintf("crashed(%d)", s.ExitCode)
	default:
		return "unknown"
	}
}

// Handle identifies one spawned process and exposes its output streams.
type Handle interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
}

// Adapter is the uniform process-control capability surface. A gone
// process is never an error: it shows up as Exited or Crashed from
// Poll. Only genuine OS-call failures are returned as errors.
type Adapter interface {
	Platform() Platform
	Spawn(ctx context.Context, cmd Command) (Handle, error)
	RequestPause(h Handle) error
	RequestResume(h Handle) error
	// RequestTerminate asks the process to stop, waits up to grace for a
	// clean exit, then escalates to a forced kill. It returns once the
	// process is gone or the escalation has been delivered.
	RequestTerminate(ctx context.Context, h Handle, grace time.Duration) error
	Poll(h Handle) Status
}

var registry = map[Platform]func() Adapter{}

// Register installs an adapter constructor for a platform. Called from
// platform-tagged init functions.
func Register(p Platform, ctor func() Adapter) {
	registry[p] = ctor
}

// New returns the adapter for the given platform tag, or
// ErrUnsupportedPlatform when no variant is registered in this build.
func New(p Platform) (Adapter, error) {
	ctor, ok := registry[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnsupportedPlatform, p, Registered())
	}
	return ctor(), nil
}

// Detect returns the adapter matching the host.
func Detect() (Adapter, error) {
	p := detectPlatform()
	if p == "" {
		return nil, fmt.Errorf("%w: host not recognized", ErrUnsupportedPlatform)
	}
	return New(p)
}

// Registered lists the platform tags available in this build.
func Registered() []Platform {
	out := make([]Platform, 0, len(registry))
	for p := range registry {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
