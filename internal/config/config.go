package config

import (
	"fmt"
	"strings"
	"time"
)

type SpawnPolicy string

const (
	SpawnPolicyAbort    SpawnPolicy = "abort"
	SpawnPolicyContinue SpawnPolicy = "continue"
)

type BudgetPolicy string

const (
	BudgetPolicyFailFast BudgetPolicy = "fail-fast"
	BudgetPolicyConsume  BudgetPolicy = "consume"
)

// Config is the full runner configuration, merged from the config file
// and CLI flags.
type Config struct {
	Platform      string        `mapstructure:"platform"` // empty = auto-detect
	Tools         []ToolConfig  `mapstructure:"tools"`
	Budget        time.Duration `mapstructure:"budget"` // 0 = unlimited
	StopOnError   bool          `mapstructure:"stop_on_error"`
	Grace         time.Duration `mapstructure:"grace"`
	BarrierWindow time.Duration `mapstructure:"barrier_window"`
	SpawnPolicy   SpawnPolicy   `mapstructure:"spawn_policy"`
	BudgetPolicy  BudgetPolicy  `mapstructure:"budget_policy"`
	SpawnRate     int           `mapstructure:"spawn_rate"` // sessions/sec, 0 = unlimited
	Provider      string        `mapstructure:"provider"`   // auto, none, edac-fs
	MemPercent    int           `mapstructure:"mem_percent"`
	ReportFile    string        `mapstructure:"report_file"`
	JSONOutput    bool          `mapstructure:"json_output"`
	Dashboard     bool          `mapstructure:"dashboard"`
	LogLevel      string        `mapstructure:"log_level"`
	LogJSON       bool          `mapstructure:"log_json"`
	Thresholds    []string      `mapstructure:"thresholds"`
	TraceEndpoint string        `mapstructure:"trace_endpoint"`
	TraceProtocol string        `mapstructure:"trace_protocol"` // grpc or http
	ConfigFile    string        `mapstructure:"-"`
}

// ToolConfig describes one group of identical worker sessions bound to
// a single validation tool.
type ToolConfig struct {
	Tool       string        `mapstructure:"tool"`
	Binary     string        `mapstructure:"binary"`
	Case       string        `mapstructure:"case"`
	Device     string        `mapstructure:"device"` // svos target device, empty elsewhere
	Instances  int           `mapstructure:"instances"`
	LPUs       []int         `mapstructure:"lpus"` // empty = round-robin over online LPUs
	Priority   int           `mapstructure:"priority"`
	MemMB      int           `mapstructure:"mem_mb"` // 0 = derived from mem_percent
	BlockKB    int           `mapstructure:"block_kb"`
	UnitWindow time.Duration `mapstructure:"unit_window"`
	Target     float64       `mapstructure:"target"`
	ExtraArgs  []string      `mapstructure:"extra_args"`
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c Config) Validate() error {
	var issues []string

	switch c.Platform {
	case "", "linux", "svos", "windows":
	default:
		issues = append(issues, fmt.Sprintf("platform %q is not supported", c.Platform))
	}

	if len(c.Tools) == 0 {
		issues = append(issues, "at least one tool entry is required")
	}
	issues = append(issues, validateTools(c.Tools)...)

	if c.Budget < 0 {
		issues = append(issues, "budget must be >= 0")
	}
	if c.Grace < 0 {
		issues = append(issues, "grace must be >= 0")
	}
	if c.BarrierWindow < 0 {
		issues = append(issues, "barrier_window must be >= 0")
	}
	if c.SpawnRate < 0 {
		issues = append(issues, "spawn_rate must be >= 0")
	}

	switch c.SpawnPolicy {
	case "", SpawnPolicyAbort, SpawnPolicyContinue:
	default:
		issues = append(issues, fmt.Sprintf("spawn_policy must be 'abort' or 'continue', got %q", c.SpawnPolicy))
	}
	switch c.BudgetPolicy {
	case "", BudgetPolicyFailFast, BudgetPolicyConsume:
	default:
		issues = append(issues, fmt.Sprintf("budget_policy must be 'fail-fast' or 'consume', got %q", c.BudgetPolicy))
	}

	switch c.Provider {
	case "", "auto", "none", "edac-fs":
	default:
		issues = append(issues, fmt.Sprintf("provider %q is not supported", c.Provider))
	}

	if c.MemPercent < 0 || c.MemPercent > 100 {
		issues = append(issues, "mem_percent must be between 0 and 100")
	}

	if c.Dashboard && c.JSONOutput {
		issues = append(issues, "dashboard and json-output are mutually exclusive")
	}

	switch strings.ToLower(c.TraceProtocol) {
	case "", "grpc", "http":
	default:
		issues = append(issues, fmt.Sprintf("trace_protocol must be 'grpc' or 'http', got %q", c.TraceProtocol))
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func validateTools(tools []ToolConfig) []string {
	var issues []string
	for idx, tc := range tools {
		if strings.TrimSpace(tc.Tool) == "" {
			issues = append(issues, fmt.Sprintf("tools[%d]: tool is required", idx))
		}
		if strings.TrimSpace(tc.Binary) == "" {
			issues = append(issues, fmt.Sprintf("tools[%d]: binary is required", idx))
		}
		if tc.Instances < 0 {
			issues = append(issues, fmt.Sprintf("tools[%d]: instances must be >= 0", idx))
		}
		if tc.Priority < 0 || tc.Priority > 100 {
			issues = append(issues, fmt.Sprintf("tools[%d]: priority must be between 0 and 100", idx))
		}
		if tc.MemMB < 0 {
			issues = append(issues, fmt.Sprintf("tools[%d]: mem_mb must be >= 0", idx))
		}
		if tc.BlockKB < 0 {
			issues = append(issues, fmt.Sprintf("tools[%d]: block_kb must be >= 0", idx))
		}
		if tc.UnitWindow < 0 {
			issues = append(issues, fmt.Sprintf("tools[%d]: unit_window must be >= 0", idx))
		}
		for lpuIdx, lpu := range tc.LPUs {
			if lpu < 0 {
				issues = append(issues, fmt.Sprintf("tools[%d].lpus[%d]: must be >= 0", idx, lpuIdx))
			}
		}
	}
	return issues
}
