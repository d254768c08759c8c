package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rivven/memexer/internal/config"
	"github.com/rivven/memexer/internal/dashboard"
	"github.com/rivven/memexer/internal/exitcode"
	"github.com/rivven/memexer/internal/output"
	"github.com/rivven/memexer/internal/report"
	"github.com/rivven/memexer/internal/runner"
	"github.com/rivven/memexer/internal/tracing"
	"github.com/rivven/memexer/internal/xlog"

	// Registered tool variants.
	_ "github.com/rivven/memexer/internal/tool/bandwidth"
	_ "github.com/rivven/memexer/internal/tool/memcheck"
)

const progressInterval = time.Second

func main() {
	code, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(int(code))
}

func run(args []string) (exitcode.Code, error) {
	loader := config.NewLoader()
	cfg, err := loader.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return exitcode.OK, nil
		}
		return exitcode.RunnerFailed, err
	}
	if err := cfg.Validate(); err != nil {
		return exitcode.RunnerFailed, err
	}

	log := xlog.Init(cfg.LogLevel, cfg.LogJSON)

	ctx := context.Background()
	tp, err := tracing.Init(ctx, tracing.Options{
		Endpoint: cfg.TraceEndpoint,
		Protocol: cfg.TraceProtocol,
	})
	if err != nil {
		return exitcode.RunnerFailed, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("trace exporter shutdown failed")
		}
	}()

	r, err := runner.Build(*cfg, log, tp.Tracer())
	if err != nil {
		return exitcode.RunnerFailed, err
	}

	if err := r.Start(ctx); err != nil {
		return exitcode.RunnerFailed, err
	}

	var dash *dashboard.Dashboard
	if cfg.Dashboard {
		dash, err = dashboard.New(r.Collector(), dashboard.RunConfig{
			Platform:   r.Platform(),
			Tools:      toolList(cfg.Tools),
			Sessions:   sessionCount(cfg.Tools),
			Budget:     cfg.Budget,
			Grace:      cfg.Grace,
			ConfigFile: cfg.ConfigFile,
		}, r.SessionRows, r.Terminate)
		if err != nil {
			r.Stop(ctx, cfg.Grace)
			return exitcode.RunnerFailed, err
		}
		dash.Start()
	}

	var progress *output.ProgressReporter
	if !cfg.JSONOutput && !cfg.Dashboard {
		progress = output.NewProgressReporter(r.Collector(), progressInterval, os.Stdout)
		progress.Start()
	}

	<-r.Done()

	if progress != nil {
		progress.Stop()
		fmt.Fprintln(os.Stdout)
	}
	if dash != nil {
		dash.Stop()
	}

	rep, err := r.Stop(ctx, cfg.Grace)
	if err != nil {
		return exitcode.RunnerFailed, err
	}

	if status := r.Monitor(); status.Degraded != "" {
		log.Warn().Str("reason", status.Degraded).Msg("run degraded")
	}

	if cfg.JSONOutput {
		if err := report.PrintJSON(os.Stdout, rep); err != nil {
			return exitcode.RunnerFailed, err
		}
	} else {
		report.Print(os.Stdout, rep)
	}

	if cfg.ReportFile != "" {
		if err := report.WriteFile(cfg.ReportFile, rep); err != nil {
			return exitcode.RunnerFailed, fmt.Errorf("writing report: %w", err)
		}
		log.Info().Str("path", cfg.ReportFile).Msg("report written")
	}

	return exitcode.FromReport(*rep), nil
}

func toolList(tools []config.ToolConfig) string {
	ids := make([]string, 0, len(tools))
	for _, tc := range tools {
		ids = append(ids, tc.Tool)
	}
	return strings.Join(ids, ", ")
}

func sessionCount(tools []config.ToolConfig) int {
	n := 0
	for _, tc := range tools {
		n += tc.Instances
	}
	return n
}
