// Package memcheck adapts the native memory-checker binary to the tool
// manager contract. It builds the tool command line, consumes the
// diagnostic stream into classified error records, and maps tool exit
// codes onto the lifecycle.
package memcheck

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivven/memexer/internal/osproc"
	"github.com/rivven/memexer/internal/tool"
)

// ToolID is the registry id of this variant.
const ToolID = "memcheck"

const (
	defaultUnitWindow = 30 * time.Second
	stopEpsilon       = 2 * time.Second
	exitPollInterval  = 20 * time.Millisecond
)

// Tool exit codes with domain meaning: a data mismatch is the
// corruption finding the whole framework exists to detect.
const (
	exitOK           = 0
	exitDataMismatch = 1
)

func init() {
	tool.Register(ToolID, func(log zerolog.Logger) tool.Manager { return New(log) })
}

type manager struct {
	log     zerolog.Logger
	machine *tool.Machine
	rec     *tool.Recorder
	handler *dataHandler

	spec    tool.Spec
	bind    tool.Binding
	adapter osproc.Adapter
	handle  osproc.Handle

	checkpoints chan struct{}
	exited      chan struct{}
}

// New returns an unconfigured memcheck manager with its own data
// handler and recorder.
func New(log zerolog.Logger) tool.Manager {
	log = log.With().Str("tool", ToolID).Logger()
	return &manager{
		log:         log,
		machine:     tool.NewMachine(log),
		rec:         &tool.Recorder{},
		checkpoints: make(chan struct{}, 64),
		exited:      make(chan struct{}),
	}
}

func (m *manager) ID() string        { return ToolID }
func (m *manager) State() tool.State { return m.machine.State() }

func (m *manager) Configure(spec tool.Spec) error {
	if spec.Binary == "" {
		return fmt.Errorf("%w: memcheck binary path is required", tool.ErrInvalidConfig)
	}
	if _, err := os.Stat(spec.Binary); err != nil {
		return fmt.Errorf("%w: memcheck binary %q: %v", tool.ErrInvalidConfig, spec.Binary, err)
	}
	if spec.Case == "" {
		return fmt.Errorf("%w: memcheck needs a test case file", tool.ErrInvalidConfig)
	}
	if spec.UnitWindow <= 0 {
		spec.UnitWindow = defaultUnitWindow
	}
	if err := m.machine.Transition(tool.StateConfigured); err != nil {
		return fmt.Errorf("%w: %v", tool.ErrInvalidConfig, err)
	}
	m.spec = spec
	return nil
}

func (m *manager) Start(ctx context.Context, adapter osproc.Adapter, bind tool.Binding) error {
	if m.machine.State() != tool.StateConfigured {
		return fmt.Errorf("start from %s", m.machine.State())
	}
	m.adapter = adapter
	m.bind = bind
	m.handler = newDataHandler(bind.SessionID)

	h, err := adapter.Spawn(ctx, m.command())
	if err != nil {
		return err
	}
	m.handle = h
	if err := m.machine.Transition(tool.StateRunning); err != nil {
		return err
	}
	m.log.Info().Str("session", bind.SessionID).Int("pid", h.PID()).Msg("memory checker started")
	go m.consumeOutput()
	go m.consumeStderr()
	return nil
}

// command assembles the tool invocation the way the native wrapper
// expects it: case file first, then memory, block size and instruction
// width flags, with the svos target appended when configured.
func (m *manager) command() osproc.Command {
	args := []string{m.spec.Case}
	if m.spec.MemPerInstance > 0 {
		args = append(args, "-m", strconv.FormatUint(m.spec.MemPerInstance, 10))
	}
	if m.spec.BlockSize > 0 {
		args = append(args, "-b", strconv.Itoa(m.spec.BlockSize))
	}
	if m.spec.Instruction != "" {
		args = append(args, "-i", m.spec.Instruction)
	}
	args = append(args, m.spec.ExtraArgs...)
	if m.spec.Target != "" {
		args = append(args, "-t", m.spec.Target)
	}
	return osproc.Command{
		Path:     m.spec.Binary,
		Args:     args,
		LPU:      m.bind.LPU,
		Priority: m.bind.Priority,
	}
}

func (m *manager) consumeOutput() {
	scanner := bufio.NewScanner(m.handle.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		ev := m.handler.parse(scanner.Text())
		switch ev.kind {
		case eventCheckpoint:
			select {
			case m.checkpoints <- struct{}{}:
			default:
			}
		case eventMemoryError:
			m.rec.Append(ev.record)
			m.log.Warn().
				Str("session", m.bind.SessionID).
				Str("class", ev.record.Class.String()).
				Str("location", ev.record.Location).
				Msg("memory error reported")
		}
	}
	m.finishOnExit()
}

func (m *manager) consumeStderr() {
	scanner := bufio.NewScanner(m.handle.Stderr())
	for scanner.Scan() {
		m.log.Debug().Str("session", m.bind.SessionID).Msg(scanner.Text())
	}
}

// finishOnExit waits for the reaper to classify the exit and maps it
// onto the lifecycle. Runs after stdout EOF, so all records are in.
func (m *manager) finishOnExit() {
	st := m.adapter.Poll(m.handle)
	for st.Kind == osproc.StatusRunning {
		time.Sleep(exitPollInterval)
		st = m.adapter.Poll(m.handle)
	}
	switch {
	case st.Kind == osproc.StatusExited && st.ExitCode == exitOK:
		m.machine.TryTransition(tool.StateStopped)
	case st.Kind == osproc.StatusExited && st.ExitCode == exitDataMismatch:
		// The tool found corruption and said so via its exit code. That is
		// a domain finding, not a tool failure.
		m.rec.Append(tool.ErrorRecord{
			Timestamp: time.Now(),
			SessionID: m.bind.SessionID,
			Class:     tool.ClassUncorrectable,
			ClassName: tool.ClassUncorrectable.String(),
			Raw:       fmt.Sprintf("data mismatch reported via exit code %d", st.ExitCode),
		})
		m.machine.TryTransition(tool.StateStopped)
	default:
		m.log.Error().Str("session", m.bind.SessionID).Stringer("status", st).Msg("memory checker died unexpectedly")
		m.machine.Force(tool.StateCrashed)
	}
	close(m.exited)
}

func (m *manager) BeginUnit(ctx context.Context) error {
	if st := m.machine.State(); st != tool.StateRunning && st != tool.StatePaused {
		return nil
	}
	timer := time.NewTimer(m.spec.UnitWindow)
	defer timer.Stop()
	select {
	case <-m.checkpoints:
		return nil
	case <-m.exited:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *manager) Pause() error {
	if st := m.machine.State(); st != tool.StateRunning {
		if st != tool.StatePaused {
			m.log.Warn().Stringer("state", st).Msg("pause ignored")
		}
		return nil
	}
	if err := m.adapter.RequestPause(m.handle); err != nil {
		return fmt.Errorf("pause session %s: %w", m.bind.SessionID, err)
	}
	m.machine.TryTransition(tool.StatePaused)
	return nil
}

func (m *manager) Resume() error {
	if st := m.machine.State(); st != tool.StatePaused {
		if st != tool.StateRunning {
			m.log.Warn().Stringer("state", st).Msg("resume ignored")
		}
		return nil
	}
	if err := m.adapter.RequestResume(m.handle); err != nil {
		return fmt.Errorf("resume session %s: %w", m.bind.SessionID, err)
	}
	m.machine.TryTransition(tool.StateRunning)
	return nil
}

func (m *manager) CollectErrors() []tool.ErrorRecord {
	return m.rec.Drain()
}

func (m *manager) RequestStop(ctx context.Context, grace time.Duration) error {
	st := m.machine.State()
	if st.Terminal() {
		return nil
	}
	if m.handle == nil {
		// Configured but never started.
		m.machine.TryTransition(tool.StateStopped)
		return nil
	}
	m.machine.TryTransition(tool.StateStopping)
	if err := m.adapter.RequestTerminate(ctx, m.handle, grace); err != nil {
		m.machine.Force(tool.StateCrashed)
		return err
	}
	timer := time.NewTimer(grace + stopEpsilon)
	defer timer.Stop()
	select {
	case <-m.exited:
	case <-timer.C:
	case <-ctx.Done():
	}
	if !m.machine.State().Terminal() {
		m.machine.TryTransition(tool.StateStopped)
	}
	return nil
}
