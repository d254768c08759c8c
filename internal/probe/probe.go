// Package probe queries host capabilities the runner needs to pick
// defaults: the highest supported instruction set, logical processor
// enumeration, NUMA topology, and total memory.
package probe

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// InstructionSet identifies the widest vector extension the host CPU offers.
type InstructionSet string

const (
	SetAVX512 InstructionSet = "avx512"
	SetAVX    InstructionSet = "avx"
	SetSSE    InstructionSet = "sse"
	SetLegacy InstructionSet = "legacy"
)

// Prober reads capability information from the proc and sys filesystems.
// The roots are overridable so tests can point it at fixture trees.
type Prober struct {
	ProcRoot string
	SysRoot  string
}

// New returns a Prober bound to the real /proc and /sys.
func New() *Prober {
	return &Prober{ProcRoot: "/proc", SysRoot: "/sys"}
}

// InstructionSet inspects cpuinfo flags and returns the widest set found.
func (p *Prober) InstructionSet() InstructionSet {
	data, err := os.ReadFile(filepath.Join(p.ProcRoot, "cpuinfo"))
	if err != nil {
		return SetLegacy
	}
	flags := cpuinfoFlags(string(data))
	switch {
	case flags["avx512f"]:
		return SetAVX512
	case flags["avx"]:
		return SetAVX
	case flags["sse"], flags["sse2"]:
		return SetSSE
	default:
		return SetLegacy
	}
}

// LPUs returns the logical processors available to the runner, in order.
func (p *Prober) LPUs() []int {
	online, err := os.ReadFile(filepath.Join(p.SysRoot, "devices/system/cpu/online"))
	if err == nil {
		if lpus, perr := ParseCPUList(strings.TrimSpace(string(online))); perr == nil && len(lpus) > 0 {
			return lpus
		}
	}
	lpus := make([]int, runtime.NumCPU())
	for i := range lpus {
		lpus[i] = i
	}
	return lpus
}

// NUMANodes maps node id to the logical processors it hosts. An empty map
// means the topology could not be read; callers fall back to LPUs.
func (p *Prober) NUMANodes() map[int][]int {
	base := filepath.Join(p.SysRoot, "devices/system/node")
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil
	}
	nodes := make(map[int][]int)
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(base, name, "cpulist"))
		if err != nil {
			continue
		}
		lpus, err := ParseCPUList(strings.TrimSpace(string(raw)))
		if err != nil || len(lpus) == 0 {
			continue
		}
		nodes[id] = lpus
	}
	if len(nodes) == 0 {
		return nil
	}
	return nodes
}

// TotalMemory returns MemTotal in bytes, or 0 when it cannot be determined.
func (p *Prober) TotalMemory() uint64 {
	data, err := os.ReadFile(filepath.Join(p.ProcRoot, "meminfo"))
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

// ParseCPUList expands a kernel cpulist string such as "0-3,8,10-11".
func ParseCPUList(list string) ([]int, error) {
	if list == "" {
		return nil, fmt.Errorf("empty cpu list")
	}
	var lpus []int
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("bad cpu range %q: %w", part, err)
			}
			end, err := strconv.Atoi(hi)
			if err != nil {
				return nil, fmt.Errorf("bad cpu range %q: %w", part, err)
			}
			if end < start {
				return nil, fmt.Errorf("inverted cpu range %q", part)
			}
			for i := start; i <= end; i++ {
				lpus = append(lpus, i)
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad cpu id %q: %w", part, err)
		}
		lpus = append(lpus, n)
	}
	sort.Ints(lpus)
	return lpus, nil
}

func cpuinfoFlags(cpuinfo string) map[string]bool {
	flags := make(map[string]bool)
	for _, line := range strings.Split(cpuinfo, "\n") {
		key, val, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(key) != "flags" {
			continue
		}
		for _, f := range strings.Fields(val) {
			flags[f] = true
		}
		break
	}
	return flags
}
