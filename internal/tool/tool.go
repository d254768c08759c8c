// Package tool defines the pluggable stress-tool adapter surface: the
// lifecycle state machine every tool variant follows, the error records
// tools produce, and the registry the runner factory resolves tool ids
// against.
package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivven/memexer/internal/osproc"
)

var (
	// ErrUnknownTool is returned when no variant is registered for an id.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidConfig is returned by Configure for bad tool settings.
	ErrInvalidConfig = errors.New("invalid tool config")
)

// State is the lifecycle position of one tool manager instance.
type State int

const (
	StateCreated State = iota
	StateConfigured
	StateRunning
	StatePaused
	StateStopping
	StateStopped
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateStopped || s == StateCrashed }

// ErrorClass classifies a memory error reported by a tool.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassCorrectable
	ClassUncorrectable
)

func (c ErrorClass) String() string {
	switch c {
	case ClassCorrectable:
		return "correctable"
	case ClassUncorrectable:
		return "uncorrectable"
	default:
		return "unknown"
	}
}

// ErrorRecord is one classified, attributed memory-error event.
// Immutable once created.
type ErrorRecord struct {
	Timestamp time.Time  `json:"timestamp"`
	SessionID string     `json:"session_id"`
	Location  string     `json:"location"` // opaque DIMM/address token
	Class     ErrorClass `json:"-"`
	ClassName string     `json:"class"`
	Raw       string     `json:"raw,omitempty"`
}

// Spec carries per-tool configuration resolved from the runner config.
type Spec struct {
	ID             string
	Binary         string
	Case           string        // test-case file driven by this instance
	MemPerInstance uint64        // bytes handed to the tool's -m flag
	BlockSize      int           // bytes, 0 means tool default
	UnitWindow     time.Duration // upper bound for one work unit
	Target         string        // svos target device, empty elsewhere
	Instruction    string        // widest vector extension the host offers
	FloorMBps      float64       // bandwidth variant: minimum acceptable throughput
	ExtraArgs      []string
}

// Binding ties a manager instance to its worker session.
type Binding struct {
	SessionID string
	LPU       int
	Priority  int
}

// Manager drives one stress or telemetry tool instance through the
// lifecycle Created -> Configured -> Running <-> Paused -> Stopping ->
// Stopped, with Crashed reachable from Running/Paused on unexpected
// exit. Each manager owns its own data handler; instances never share
// parsing or classification state.
type Manager interface {
	ID() string
	State() State
	Configure(spec Spec) error
	// Start spawns the tool process and begins consuming its output
	// stream asynchronously.
	Start(ctx context.Context, adapter osproc.Adapter, bind Binding) error
	// BeginUnit runs one bounded unit of work: it returns when the tool
	// reaches its next checkpoint, exits, or the unit window lapses.
	BeginUnit(ctx context.Context) error
	// Pause and Resume are valid only from Running/Paused; elsewhere they
	// are a warned no-op, never an error.
	Pause() error
	Resume() error
	// CollectErrors drains records accumulated since the previous call.
	// It never blocks and never returns the same record twice.
	CollectErrors() []ErrorRecord
	RequestStop(ctx context.Context, grace time.Duration) error
}

// Factory builds a fresh manager instance for one worker session.
type Factory func(log zerolog.Logger) Manager

var factories = map[string]Factory{}

// Register installs a tool variant under an id.
func Register(id string, f Factory) {
	factories[id] = f
}

// New builds a manager for the given tool id.
func New(id string, log zerolog.Logger) (Manager, error) {
	f, ok := factories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownTool, id, IDs())
	}
	return f(log), nil
}

// Known reports whether an id has a registered variant.
func Known(id string) bool {
	_, ok := factories[id]
	return ok
}

// IDs lists the registered tool ids.
func IDs() []string {
	out := make([]string, 0, len(factories))
	for id := range factories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
