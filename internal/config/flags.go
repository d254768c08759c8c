package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers all CLI flags to a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "memexer",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	// Single-tool convenience flags. Multi-tool runs come from the
	// config file's tools list.
	flags.String("tool", "", "Validation tool to run (e.g. memcheck, bandwidth)")
	flags.String("binary", "", "Path to the tool binary")
	flags.String("case", "", "Test case identifier passed to the tool")
	flags.String("device", "", "Target device handed to the tool (svos platforms)")
	flags.IntP("instances", "n", 1, "Number of worker sessions (0 means one per online LPU)")
	flags.IntSlice("lpus", nil, "LPUs to pin sessions to (default round-robin over online LPUs)")
	flags.Int("priority", 0, "Session priority from 0 (lowest) to 100 (highest)")
	flags.Int("mem-mb", 0, "Memory per session in MiB (0 derives from --mem-percent)")
	flags.Int("block-kb", 0, "Tool block size in KiB")
	flags.Duration("unit-window", 0, "Max wall time for one work unit")
	flags.Float64("target", 0, "Tool target value (e.g. bandwidth floor in MB/s)")
	flags.StringSlice("extra-arg", nil, "Additional tool argument (repeatable)")

	// Execution control flags
	flags.String("platform", "", "Platform override: 'linux', 'svos', or 'windows' (default auto-detect)")
	flags.DurationP("budget", "d", 0, "Total execution time budget (0 means unlimited)")
	flags.Bool("stop-on-error", false, "Stop issuing batches after the first uncorrectable error")
	flags.Duration("grace", 10*time.Second, "Grace window for two-phase session termination")
	flags.Duration("barrier-window", 2*time.Minute, "Max wait for all sessions to reach the batch barrier")
	flags.String("spawn-policy", string(SpawnPolicyAbort), "On spawn failure: 'abort' the run or 'continue' without the session")
	flags.String("budget-policy", string(BudgetPolicyFailFast), "On barrier timeout: 'fail-fast' terminates the straggler, 'consume' leaves it running")
	flags.Int("spawn-rate", 0, "Session spawns per second (0 means unlimited)")

	// Error sensing flags
	flags.String("provider", "auto", "OS error counter provider: 'auto', 'none', or 'edac-fs'")
	flags.Int("mem-percent", 50, "Percent of total memory to exercise across sessions")

	// Output flags
	flags.Bool("json-output", false, "Emit JSON formatted output")
	flags.Bool("dashboard", false, "Show live terminal dashboard")
	flags.String("report-file", "", "Write the final report to the specified file path")
	flags.String("log-level", "info", "Log level: trace, debug, info, warn, error")
	flags.Bool("log-json", false, "Emit structured JSON logs instead of console format")
	flags.String("config", "", "Path to configuration file (JSON or YAML)")

	// Threshold flags
	flags.StringSlice("threshold", nil, "Pass/fail thresholds (repeatable, e.g. 'uncorrectable:count == 0')")

	// Tracing flags
	flags.String("trace-endpoint", "", "OTLP endpoint for trace export (empty disables tracing)")
	flags.String("trace-protocol", "grpc", "OTLP transport: 'grpc' or 'http'")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config,
// overriding values from the config file.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	if err := applyToolFlagOverrides(cfg, fs); err != nil {
		return err
	}

	if fs.Changed("platform") {
		val, err := fs.GetString("platform")
		if err != nil {
			return err
		}
		cfg.Platform = strings.TrimSpace(val)
	}
	if fs.Changed("budget") {
		val, err := fs.GetDuration("budget")
		if err != nil {
			return err
		}
		cfg.Budget = val
	}
	if fs.Changed("stop-on-error") {
		val, err := fs.GetBool("stop-on-error")
		if err != nil {
			return err
		}
		cfg.StopOnError = val
	}
	if fs.Changed("grace") {
		val, err := fs.GetDuration("grace")
		if err != nil {
			return err
		}
		cfg.Grace = val
	}
	if fs.Changed("barrier-window") {
		val, err := fs.GetDuration("barrier-window")
		if err != nil {
			return err
		}
		cfg.BarrierWindow = val
	}
	if fs.Changed("spawn-policy") {
		val, err := fs.GetString("spawn-policy")
		if err != nil {
			return err
		}
		cfg.SpawnPolicy = SpawnPolicy(strings.ToLower(strings.TrimSpace(val)))
	}
	if fs.Changed("budget-policy") {
		val, err := fs.GetString("budget-policy")
		if err != nil {
			return err
		}
		cfg.BudgetPolicy = BudgetPolicy(strings.ToLower(strings.TrimSpace(val)))
	}
	if fs.Changed("spawn-rate") {
		val, err := fs.GetInt("spawn-rate")
		if err != nil {
			return err
		}
		cfg.SpawnRate = val
	}
	if fs.Changed("provider") {
		val, err := fs.GetString("provider")
		if err != nil {
			return err
		}
		cfg.Provider = strings.TrimSpace(val)
	}
	if fs.Changed("mem-percent") {
		val, err := fs.GetInt("mem-percent")
		if err != nil {
			return err
		}
		cfg.MemPercent = val
	}
	if fs.Changed("json-output") {
		val, err := fs.GetBool("json-output")
		if err != nil {
			return err
		}
		cfg.JSONOutput = val
	}
	if fs.Changed("dashboard") {
		val, err := fs.GetBool("dashboard")
		if err != nil {
			return err
		}
		cfg.Dashboard = val
	}
	if fs.Changed("report-file") {
		val, err := fs.GetString("report-file")
		if err != nil {
			return err
		}
		cfg.ReportFile = strings.TrimSpace(val)
	}
	if fs.Changed("log-level") {
		val, err := fs.GetString("log-level")
		if err != nil {
			return err
		}
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(val))
	}
	if fs.Changed("log-json") {
		val, err := fs.GetBool("log-json")
		if err != nil {
			return err
		}
		cfg.LogJSON = val
	}
	if fs.Changed("threshold") {
		val, err := fs.GetStringSlice("threshold")
		if err != nil {
			return err
		}
		cfg.Thresholds = val
	}
	if fs.Changed("trace-endpoint") {
		val, err := fs.GetString("trace-endpoint")
		if err != nil {
			return err
		}
		cfg.TraceEndpoint = strings.TrimSpace(val)
	}
	if fs.Changed("trace-protocol") {
		val, err := fs.GetString("trace-protocol")
		if err != nil {
			return err
		}
		cfg.TraceProtocol = strings.ToLower(strings.TrimSpace(val))
	}

	return nil
}

// applyToolFlagOverrides maps the single-tool convenience flags onto
// the first tools entry, creating it when the config file had none.
func applyToolFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	toolFlags := []string{
		"tool", "binary", "case", "device", "instances", "lpus", "priority",
		"mem-mb", "block-kb", "unit-window", "target", "extra-arg",
	}
	changed := false
	for _, name := range toolFlags {
		if fs.Changed(name) {
			changed = true
			break
		}
	}
	if !changed {
		return nil
	}
	if len(cfg.Tools) == 0 {
		cfg.Tools = []ToolConfig{{Instances: 1}}
	}
	tc := &cfg.Tools[0]

	if fs.Changed("tool") {
		val, err := fs.GetString("tool")
		if err != nil {
			return err
		}
		tc.Tool = strings.ToLower(strings.TrimSpace(val))
	}
	if fs.Changed("binary") {
		val, err := fs.GetString("binary")
		if err != nil {
			return err
		}
		tc.Binary = strings.TrimSpace(val)
	}
	if fs.Changed("case") {
		val, err := fs.GetString("case")
		if err != nil {
			return err
		}
		tc.Case = strings.TrimSpace(val)
	}
	if fs.Changed("device") {
		val, err := fs.GetString("device")
		if err != nil {
			return err
		}
		tc.Device = strings.TrimSpace(val)
	}
	if fs.Changed("instances") {
		val, err := fs.GetInt("instances")
		if err != nil {
			return err
		}
		tc.Instances = val
	}
	if fs.Changed("lpus") {
		val, err := fs.GetIntSlice("lpus")
		if err != nil {
			return err
		}
		tc.LPUs = val
	}
	if fs.Changed("priority") {
		val, err := fs.GetInt("priority")
		if err != nil {
			return err
		}
		tc.Priority = val
	}
	if fs.Changed("mem-mb") {
		val, err := fs.GetInt("mem-mb")
		if err != nil {
			return err
		}
		tc.MemMB = val
	}
	if fs.Changed("block-kb") {
		val, err := fs.GetInt("block-kb")
		if err != nil {
			return err
		}
		tc.BlockKB = val
	}
	if fs.Changed("unit-window") {
		val, err := fs.GetDuration("unit-window")
		if err != nil {
			return err
		}
		tc.UnitWindow = val
	}
	if fs.Changed("target") {
		val, err := fs.GetFloat64("target")
		if err != nil {
			return err
		}
		tc.Target = val
	}
	if fs.Changed("extra-arg") {
		val, err := fs.GetStringSlice("extra-arg")
		if err != nil {
			return err
		}
		tc.ExtraArgs = val
	}
	return nil
}
