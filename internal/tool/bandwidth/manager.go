// Package bandwidth adapts a memory-bandwidth telemetry tool to the
// tool manager contract. It is a plain tool variant behind the same
// state machine as the memory checker, not a special case: each sample
// line is a work-unit checkpoint, and samples below the configured
// throughput floor become error records.
package bandwidth

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivven/memexer/internal/osproc"
	"github.com/rivven/memexer/internal/tool"
)

// ToolID is the registry id of this variant.
const ToolID = "bandwidth"

const (
	defaultUnitWindow = 10 * time.Second
	stopEpsilon       = 2 * time.Second
	exitPollInterval  = 20 * time.Millisecond
)

func init() {
	tool.Register(ToolID, func(log zerolog.Logger) tool.Manager { return New(log) })
}

type manager struct {
	log     zerolog.Logger
	machine *tool.Machine
	rec     *tool.Recorder
	handler *sampleHandler

	spec    tool.Spec
	bind    tool.Binding
	adapter osproc.Adapter
	handle  osproc.Handle

	samples chan struct{}
	exited  chan struct{}
}

// New returns an unconfigured bandwidth manager.
func New(log zerolog.Logger) tool.Manager {
	log = log.With().Str("tool", ToolID).Logger()
	return &manager{
		log:     log,
		machine: tool.NewMachine(log),
		rec:     &tool.Recorder{},
		samples: make(chan struct{}, 64),
		exited:  make(chan struct{}),
	}
}

func (m *manager) ID() string        { return ToolID }
func (m *manager) State() tool.State { return m.machine.State() }

func (m *manager) Configure(spec tool.Spec) error {
	if spec.Binary == "" {
		return fmt.Errorf("%w: bandwidth tool binary path is required", tool.ErrInvalidConfig)
	}
	if _, err := os.Stat(spec.Binary); err != nil {
		return fmt.Errorf("%w: bandwidth binary %q: %v", tool.ErrInvalidConfig, spec.Binary, err)
	}
	if spec.FloorMBps < 0 {
		return fmt.Errorf("%w: throughput floor must not be negative", tool.ErrInvalidConfig)
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
	m.handler = &sampleHandler{sessionID: bind.SessionID, floorMBps: m.spec.FloorMBps, now: time.Now}

	h, err := adapter.Spawn(ctx, osproc.Command{
		Path:     m.spec.Binary,
		Args:     m.spec.ExtraArgs,
		LPU:      bind.LPU,
		Priority: bind.Priority,
	})
	if err != nil {
		return err
	}
	m.handle = h
	if err := m.machine.Transition(tool.StateRunning); err != nil {
		return err
	}
	m.log.Info().Str("session", bind.SessionID).Int("pid", h.PID()).Msg("bandwidth telemetry started")
	go m.consumeOutput()
	return nil
}

func (m *manager) consumeOutput() {
	scanner := bufio.NewScanner(m.handle.Stdout())
	for scanner.Scan() {
		if rec, ok := m.handler.parse(scanner.Text()); ok {
			select {
			case m.samples <- struct{}{}:
			default:
			}
			if rec != nil {
				m.rec.Append(*rec)
				m.log.Warn().Str("session", m.bind.SessionID).Str("raw", rec.Raw).Msg("bandwidth floor violated")
			}
		}
	}
	st := m.adapter.Poll(m.handle)
	for st.Kind == osproc.StatusRunning {
		time.Sleep(exitPollInterval)
		st = m.adapter.Poll(m.handle)
	}
	if st.Kind == osproc.StatusExited && st.ExitCode == 0 {
		m.machine.TryTransition(tool.StateStopped)
	} else {
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
	case <-m.samples:
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
	if m.machine.State().Terminal() {
		return nil
	}
	if m.handle == nil {
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

// sampleHandler parses telemetry lines of the form
// "bw_mbps=12345.6 node=0 channel=2". Owned by exactly one manager.
type sampleHandler struct {
	sessionID string
	floorMBps float64
	now       func() time.Time
}

// parse reports whether the line was a telemetry sample; the record is
// non-nil when the sample violated the configured floor.
func (h *sampleHandler) parse(line string) (*tool.ErrorRecord, bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	var mbps float64
	var node string
	found := false
	for _, f := range fields {
		key, val, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		switch key {
		case "bw_mbps":
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, false
			}
			mbps = v
			found = true
		case "node":
			node = val
		}
	}
	if !found {
		return nil, false
	}
	if h.floorMBps > 0 && mbps < h.floorMBps {
		return &tool.ErrorRecord{
			Timestamp: h.now(),
			SessionID: h.sessionID,
			Location:  "node" + node,
			Class:     tool.ClassUnknown,
			ClassName: tool.ClassUnknown.String(),
			Raw:       fmt.Sprintf("bandwidth %.1f MB/s below floor %.1f MB/s", mbps, h.floorMBps),
		}, true
	}
	return nil, true
}
