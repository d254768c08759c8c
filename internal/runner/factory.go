// Package runner composes a validated configuration into a ready-to-run
// aggregate: one OS adapter, one error-sense manager, and one executor
// holding an allocated (unstarted) tool manager per worker session.
package runner

import (
	"fmt"
	"sort"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/rivven/memexer/internal/config"
	"github.com/rivven/memexer/internal/errsense"
	"github.com/rivven/memexer/internal/executor"
	"github.com/rivven/memexer/internal/metrics"
	"github.com/rivven/memexer/internal/osproc"
	"github.com/rivven/memexer/internal/probe"
	"github.com/rivven/memexer/internal/threshold"
	"github.com/rivven/memexer/internal/tool"
)

const mib = 1 << 20

// Build resolves the platform adapter, the error provider, and a tool
// manager per requested session, then assembles the Runner. Nothing is
// started and no processes are spawned; on any error the partial work
// is discarded with no side effects.
func Build(cfg config.Config, log zerolog.Logger, tracer trace.Tracer) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	adapter, err := platformAdapter(cfg.Platform)
	if err != nil {
		return nil, err
	}

	thresholds, err := threshold.ParseMultiple(cfg.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("thresholds: %w", err)
	}

	senses, err := errsense.NewManager(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("error provider: %w", err)
	}

	prober := probe.New()
	sessions, err := buildSessions(cfg, prober, log)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector()
	exec := executor.New(executor.Options{
		Adapter:       adapter,
		Sessions:      sessions,
		StopOnError:   cfg.StopOnError,
		Budget:        cfg.Budget,
		Grace:         cfg.Grace,
		BarrierWindow: cfg.BarrierWindow,
		SpawnPolicy:   executor.SpawnPolicy(cfg.SpawnPolicy),
		BudgetPolicy:  executor.BudgetPolicy(cfg.BudgetPolicy),
		SpawnRate:     cfg.SpawnRate,
		Collector:     collector,
		Tracer:        tracer,
		Log:           log,
	})

	return &Runner{
		id:        ulid.Make().String(),
		cfg:       cfg,
		log:       log,
		adapter:   adapter,
		exec:      exec,
		senses:    senses,
		collector: collector,
		eval:      threshold.NewEvaluator(thresholds),
		tracer:    tracer,
		sessions:  len(sessions),
	}, nil
}

func platformAdapter(name string) (osproc.Adapter, error) {
	if name == "" {
		return osproc.Detect()
	}
	return osproc.New(osproc.Platform(name))
}

// buildSessions allocates one manager per requested instance. Memory
// per instance comes from the explicit mem_mb setting or, when absent,
// from mem_percent of total memory split evenly across all instances.
func buildSessions(cfg config.Config, prober *probe.Prober, log zerolog.Logger) ([]executor.SessionConfig, error) {
	total := 0
	for _, tc := range cfg.Tools {
		total += tc.Instances
	}
	if total == 0 {
		return nil, executor.ErrNoSessions
	}

	var derived uint64
	if cfg.MemPercent > 0 {
		derived = prober.TotalMemory() * uint64(cfg.MemPercent) / 100 / uint64(total)
	}

	lpus := lpuOrder(prober.LPUs(), prober.NUMANodes())
	iset := string(prober.InstructionSet())
	sessions := make([]executor.SessionConfig, 0, total)
	next := 0

	for _, tc := range cfg.Tools {
		for i := 0; i < tc.Instances; i++ {
			mgr, err := tool.New(tc.Tool, log)
			if err != nil {
				return nil, err
			}

			mem := derived
			if tc.MemMB > 0 {
				mem = uint64(tc.MemMB) * mib
			}

			lpu := -1
			if len(tc.LPUs) > 0 {
				lpu = tc.LPUs[i%len(tc.LPUs)]
			} else if len(lpus) > 0 {
				lpu = lpus[next%len(lpus)]
				next++
			}

			sessions = append(sessions, executor.SessionConfig{
				Manager: mgr,
				Spec: tool.Spec{
					ID:             tc.Tool,
					Binary:         tc.Binary,
					Case:           tc.Case,
					MemPerInstance: mem,
					BlockSize:      tc.BlockKB << 10,
					UnitWindow:     tc.UnitWindow,
					Target:         tc.Device,
					Instruction:    iset,
					FloorMBps:      tc.Target,
					ExtraArgs:      tc.ExtraArgs,
				},
				LPU:      lpu,
				Priority: tc.Priority,
			})
		}
	}
	return sessions, nil
}

// lpuOrder returns the processor assignment order for sessions without
// explicit pinning. With a multi-node NUMA topology the order
// interleaves across nodes so memory pressure spreads over every
// controller; otherwise plain enumeration order is kept.
func lpuOrder(lpus []int, nodes map[int][]int) []int {
	if len(nodes) < 2 {
		return lpus
	}
	ids := make([]int, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var order []int
	for i := 0; ; i++ {
		added := false
		for _, id := range ids {
			if i < len(nodes[id]) {
				order = append(order, nodes[id][i])
				added = true
			}
		}
		if !added {
			return order
		}
	}
}
