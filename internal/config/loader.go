package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses command-line arguments and configuration files to produce a Config.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	// Without arguments or a config file there is nothing to run.
	configPath := flagSet.Lookup("config").Value.String()
	if len(args) == 0 && configPath == "" {
		displayHelp(cmd)
		return nil, ErrHelpRequested
	}
	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	settings := cfgViper.AllSettings()

	cfg := &Config{
		Grace:         10 * time.Second,
		BarrierWindow: 2 * time.Minute,
		SpawnPolicy:   SpawnPolicyAbort,
		BudgetPolicy:  BudgetPolicyFailFast,
		Provider:      "auto",
		MemPercent:    50,
		LogLevel:      "info",
		ConfigFile:    configPath,
	}

	if err := applyConfigSettings(cfg, settings); err != nil {
		return nil, err
	}

	if err := applyFlagOverrides(cfg, flagSet); err != nil {
		return nil, err
	}

	cfg.Platform = strings.ToLower(strings.TrimSpace(cfg.Platform))
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	cfg.ReportFile = strings.TrimSpace(cfg.ReportFile)

	return cfg, nil
}

// applyConfigSettings applies settings from a config file to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	if raw, ok := lookupSetting(settings, "platform"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("platform: %w", err)
		}
		cfg.Platform = val
	}

	if raw, ok := lookupSetting(settings, "tools"); ok {
		tools, err := parseTools(raw)
		if err != nil {
			return fmt.Errorf("tools: %w", err)
		}
		cfg.Tools = tools
	}

	if raw, ok := lookupSetting(settings, "budget"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("budget: %w", err)
		}
		cfg.Budget = dur
	}

	if raw, ok := lookupSetting(settings, "stoponerror", "stop_on_error", "stop-on-error"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("stopOnError: %w", err)
		}
		cfg.StopOnError = val
	}

	if raw, ok := lookupSetting(settings, "grace"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("grace: %w", err)
		}
		cfg.Grace = dur
	}

	if raw, ok := lookupSetting(settings, "barrierwindow", "barrier_window", "barrier-window"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("barrierWindow: %w", err)
		}
		cfg.BarrierWindow = dur
	}

	if raw, ok := lookupSetting(settings, "spawnpolicy", "spawn_policy", "spawn-policy"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("spawnPolicy: %w", err)
		}
		cfg.SpawnPolicy = SpawnPolicy(strings.ToLower(strings.TrimSpace(val)))
	}

	if raw, ok := lookupSetting(settings, "budgetpolicy", "budget_policy", "budget-policy"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("budgetPolicy: %w", err)
		}
		cfg.BudgetPolicy = BudgetPolicy(strings.ToLower(strings.TrimSpace(val)))
	}

	if raw, ok := lookupSetting(settings, "spawnrate", "spawn_rate", "spawn-rate"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("spawnRate: %w", err)
		}
		cfg.SpawnRate = val
	}

	if raw, ok := lookupSetting(settings, "provider"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("provider: %w", err)
		}
		cfg.Provider = val
	}

	if raw, ok := lookupSetting(settings, "mempercent", "mem_percent", "mem-percent"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("memPercent: %w", err)
		}
		cfg.MemPercent = val
	}

	if raw, ok := lookupSetting(settings, "reportfile", "report_file", "report-file"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("reportFile: %w", err)
		}
		cfg.ReportFile = strings.TrimSpace(val)
	}

	if raw, ok := lookupSetting(settings, "jsonoutput", "json_output", "json-output"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("jsonOutput: %w", err)
		}
		cfg.JSONOutput = val
	}

	if raw, ok := lookupSetting(settings, "dashboard"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		cfg.Dashboard = val
	}

	if raw, ok := lookupSetting(settings, "loglevel", "log_level", "log-level"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("logLevel: %w", err)
		}
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(val))
	}

	if raw, ok := lookupSetting(settings, "logjson", "log_json", "log-json"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("logJSON: %w", err)
		}
		cfg.LogJSON = val
	}

	if raw, ok := lookupSetting(settings, "thresholds"); ok {
		thresholds, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("thresholds: %w", err)
		}
		cfg.Thresholds = thresholds
	}

	if raw, ok := lookupSetting(settings, "traceendpoint", "trace_endpoint", "trace-endpoint"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("traceEndpoint: %w", err)
		}
		cfg.TraceEndpoint = strings.TrimSpace(val)
	}

	if raw, ok := lookupSetting(settings, "traceprotocol", "trace_protocol", "trace-protocol"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("traceProtocol: %w", err)
		}
		cfg.TraceProtocol = strings.ToLower(strings.TrimSpace(val))
	}

	return nil
}

func parseTools(value interface{}) ([]ToolConfig, error) {
	if value == nil {
		return nil, nil
	}
	items, err := toInterfaceSlice(value)
	if err != nil {
		return nil, err
	}
	tools := make([]ToolConfig, 0, len(items))
	for idx, item := range items {
		entry, err := toStringKeyMap(item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", idx, err)
		}
		tc, err := buildToolConfig(entry)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", idx, err)
		}
		tools = append(tools, tc)
	}
	return tools, nil
}

func buildToolConfig(settings map[string]interface{}) (ToolConfig, error) {
	tc := ToolConfig{Instances: 1}
	if raw, ok := lookupSetting(settings, "tool"); ok {
		val, err := asString(raw)
		if err != nil {
			return ToolConfig{}, fmt.Errorf("tool: %w", err)
		}
		tc.Tool = strings.ToLower(strings.TrimSpace(val))
	}
	if raw, ok := lookupSetting(settings, "binary"); ok {
		val, err := asString(raw)
		if err != nil {
			return ToolConfig{}, fmt.Errorf("binary: %w", err)
		}
		tc.Binary = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "case"); ok {
		val, err := asString(raw)
		if err != nil {
			return ToolConfig{}, fmt.Errorf("case: %w", err)
		}
		tc.Case = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "device"); ok {
		val, err := asString(raw)
		if err != nil {
			return ToolConfig{}, fmt.Errorf("device: %w", err)
		}
		tc.Device = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "instances"); ok {
		val, err := asInt(raw)
		if err != nil {
			return ToolConfig{}, fmt.Errorf("instances: %w", err)
		}
		tc.Instances = val
	}
	if raw, ok := lookupSetting(settings, "lpus"); ok {
		lpus, err := asIntSlice(raw)
		if err != nil {
			return ToolConfig{}, fmt.Errorf("lpus: %w", err)
		}
		tc.LPUs = lpus
	}
	if raw, ok := lookupSetting(settings, "priority"); ok {
		val, err := asInt(raw)
		if err != nil {
			return ToolConfig{}, fmt.Errorf("priority: %w", err)
		}
		tc.Priority = val
	}
	if raw, ok := lookupSetting(settings, "memmb", "mem_mb", "mem-mb"); ok {
		val, err := asInt(raw)
		if err != nil {
			return ToolConfig{}, fmt.Errorf("mem_mb: %w", err)
		}
		tc.MemMB = val
	}
	if raw, ok := lookupSetting(settings, "blockkb", "block_kb", "block-kb"); ok {
		val, err := asInt(raw)
		if err != nil {
			return ToolConfig{}, fmt.Errorf("block_kb: %w", err)
		}
		tc.BlockKB = val
	}
	if raw, ok := lookupSetting(settings, "unitwindow", "unit_window", "unit-window"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return ToolConfig{}, fmt.Errorf("unit_window: %w", err)
		}
		tc.UnitWindow = dur
	}
	if raw, ok := lookupSetting(settings, "target"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return ToolConfig{}, fmt.Errorf("target: %w", err)
		}
		tc.Target = val
	}
	if raw, ok := lookupSetting(settings, "extraargs", "extra_args", "extra-args"); ok {
		args, err := asStringSlice(raw)
		if err != nil {
			return ToolConfig{}, fmt.Errorf("extra_args: %w", err)
		}
		tc.ExtraArgs = args
	}
	return tc, nil
}
