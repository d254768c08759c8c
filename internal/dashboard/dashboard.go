package dashboard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/rivven/memexer/internal/metrics"
)

// RunConfig holds run parameters for display.
type RunConfig struct {
	Platform   string        // Detected or configured platform
	Tools      string        // Comma-joined tool ids
	Sessions   int           // Worker session count
	Budget     time.Duration // Execution time budget (0 = unlimited)
	Grace      time.Duration // Termination grace window
	ConfigFile string        // Path to config file if used
}

// Dashboard renders a live terminal UI for run telemetry.
type Dashboard struct {
	collector    *metrics.Collector
	sessionRows  func() []string
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownFunc func()
	wg           sync.WaitGroup
	mu           sync.Mutex

	// Widgets
	grid         *ui.Grid
	batchSparkle *widgets.SparklineGroup
	batchPara    *widgets.Paragraph
	budgetGauge  *widgets.Gauge
	failureList  *widgets.List
	sessionList  *widgets.List
	summaryPara  *widgets.Paragraph
	metricsPara  *widgets.Paragraph

	batchHistory []float64
	startTime    time.Time
	runConfig    RunConfig
}

// New creates a new Dashboard. sessionRows supplies the per-session
// status lines; it may be nil.
func New(collector *metrics.Collector, cfg RunConfig, sessionRows func() []string, shutdownFunc func()) (*Dashboard, error) {
	if err := ui.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize termui: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dashboard{
		collector:    collector,
		sessionRows:  sessionRows,
		ctx:          ctx,
		cancel:       cancel,
		shutdownFunc: shutdownFunc,
		batchHistory: make([]float64, 0, 100),
		startTime:    time.Now(),
		runConfig:    cfg,
	}

	d.initWidgets()
	d.setupGrid()

	return d, nil
}

// initWidgets initializes all dashboard widgets.
func (d *Dashboard) initWidgets() {
	// Batch Duration Sparkline
	sparkline := widgets.NewSparkline()
	sparkline.Title = "Batch p50 (ms)"
	sparkline.LineColor = ui.ColorGreen
	sparkline.Data = []float64{0}

	d.batchSparkle = widgets.NewSparklineGroup(sparkline)
	d.batchSparkle.Title = "Batch Duration"
	d.batchSparkle.BorderStyle.Fg = ui.ColorCyan

	// Batch Metrics Paragraph
	d.batchPara = widgets.NewParagraph()
	d.batchPara.Title = "Batch Stats"
	d.batchPara.Text = "P50: 0ms\nP90: 0ms\nP99: 0ms\nMax: 0ms"
	d.batchPara.BorderStyle.Fg = ui.ColorCyan

	// Budget Gauge
	d.budgetGauge = widgets.NewGauge()
	d.budgetGauge.Title = "Time Budget"
	d.budgetGauge.Percent = 0
	d.budgetGauge.BarColor = ui.ColorBlue
	d.budgetGauge.BorderStyle.Fg = ui.ColorCyan
	d.budgetGauge.LabelStyle = ui.NewStyle(ui.ColorWhite)

	// Framework Failure List
	d.failureList = widgets.NewList()
	d.failureList.Title = "Framework Failures"
	d.failureList.Rows = []string{"None"}
	d.failureList.TextStyle = ui.NewStyle(ui.ColorYellow)
	d.failureList.BorderStyle.Fg = ui.ColorCyan

	// Session List
	d.sessionList = widgets.NewList()
	d.sessionList.Title = "Sessions"
	d.sessionList.Rows = []string{"Awaiting data"}
	d.sessionList.TextStyle = ui.NewStyle(ui.ColorCyan)
	d.sessionList.BorderStyle.Fg = ui.ColorCyan

	// Summary Paragraph
	d.summaryPara = widgets.NewParagraph()
	d.summaryPara.Title = "Run Summary"
	d.summaryPara.Text = "Initializing..."
	d.summaryPara.BorderStyle.Fg = ui.ColorCyan

	// Metrics Paragraph (plain text summary)
	d.metricsPara = widgets.NewParagraph()
	d.metricsPara.Title = "Memory Errors"
	d.metricsPara.Text = "Waiting for data..."
	d.metricsPara.BorderStyle.Fg = ui.ColorCyan
}

// setupGrid configures the layout grid.
func (d *Dashboard) setupGrid() {
	termWidth, termHeight := ui.TerminalDimensions()

	d.grid = ui.NewGrid()
	d.grid.SetRect(0, 0, termWidth, termHeight)

	d.grid.Set(
		ui.NewRow(0.16,
			ui.NewCol(1.0, d.summaryPara),
		),
		ui.NewRow(0.18,
			ui.NewCol(0.5, d.budgetGauge),
			ui.NewCol(0.5, d.metricsPara),
		),
		ui.NewRow(0.30,
			ui.NewCol(0.65, d.batchSparkle),
			ui.NewCol(0.35, d.batchPara),
		),
		ui.NewRow(0.36,
			ui.NewCol(0.5, d.sessionList),
			ui.NewCol(0.5, d.failureList),
		),
	)
}

// Start begins the dashboard update loop.
func (d *Dashboard) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop stops the dashboard and cleans up.
func (d *Dashboard) Stop() {
	d.cancel()
	d.wg.Wait()
	ui.Close()
	// Give terminal time to restore
	time.Sleep(100 * time.Millisecond)
}

// run is the main dashboard update loop.
func (d *Dashboard) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	uiEvents := ui.PollEvents()

	d.render()

	for {
		select {
		case <-d.ctx.Done():
			// Drain any remaining events
			for len(uiEvents) > 0 {
				<-uiEvents
			}
			return
		case e := <-uiEvents:
			// Check if context is done to avoid blocking
			select {
			case <-d.ctx.Done():
				return
			default:
			}

			switch e.ID {
			case "q", "<C-c>":
				if d.shutdownFunc != nil {
					d.shutdownFunc()
				}
				// Do not return here; wait for Stop() to cancel context
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				d.grid.SetRect(0, 0, payload.Width, payload.Height)
				ui.Clear()
				d.render()
			}
		case <-ticker.C:
			d.update()
			d.render()
		}
	}
}

// update refreshes all widget data from the collector.
func (d *Dashboard) update() {
	d.mu.Lock()
	defer d.mu.Unlock()

	elapsed := time.Since(d.startTime)
	stats := d.collector.Stats()

	// Update batch duration history for sparkline
	if stats.BatchP50Ms > 0 {
		d.batchHistory = append(d.batchHistory, stats.BatchP50Ms)
		if len(d.batchHistory) > 100 {
			d.batchHistory = d.batchHistory[1:]
		}
		d.batchSparkle.Sparklines[0].Data = d.batchHistory
		d.batchSparkle.Title = fmt.Sprintf(
			"Batch Duration | p50: %.0fms | Max: %.0fms",
			stats.BatchP50Ms,
			stats.BatchMaxMs,
		)
	}

	d.budgetGauge.Percent, d.budgetGauge.Label = budgetGaugeState(d.runConfig.Budget, elapsed, stats.BatchesCompleted)

	params := formatRunParams(d.runConfig)
	d.summaryPara.Text = fmt.Sprintf(
		"Platform: %s | Tools: %s\n%s\nElapsed: %s | Batches: %d | Units: %d",
		d.runConfig.Platform,
		d.runConfig.Tools,
		params,
		elapsed.Round(time.Second),
		stats.BatchesCompleted,
		stats.UnitsCompleted,
	)

	d.metricsPara.Text = fmt.Sprintf(
		"Correctable:     %d\nUncorrectable:   %d\nUnknown:         %d\nSessions:        %d started, %d crashed",
		stats.Correctable,
		stats.Uncorrectable,
		stats.Unknown,
		stats.SessionsStarted,
		stats.SessionsCrashed,
	)

	d.batchPara.Text = fmt.Sprintf(
		"P50:  %.0fms\nP90:  %.0fms\nP99:  %.0fms\nMax:  %.0fms",
		stats.BatchP50Ms,
		stats.BatchP90Ms,
		stats.BatchP99Ms,
		stats.BatchMaxMs,
	)

	d.failureList.Rows = formatFailureRows(stats.FrameworkFailures)

	if d.sessionRows != nil {
		rows := d.sessionRows()
		if len(rows) == 0 {
			rows = []string{"[No session data](fg:green)"}
		}
		d.sessionList.Rows = rows
	}
}

// render draws all widgets to the screen.
func (d *Dashboard) render() {
	d.mu.Lock()
	defer d.mu.Unlock()

	ui.Render(d.grid)
}

// budgetGaugeState computes the gauge fill and label. Without a budget
// the gauge just counts batches.
func budgetGaugeState(budget, elapsed time.Duration, batches int64) (int, string) {
	if budget <= 0 {
		return 0, fmt.Sprintf("%d batches (no budget)", batches)
	}
	percent := int(float64(elapsed) / float64(budget) * 100)
	if percent > 100 {
		percent = 100
	}
	remaining := budget - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return percent, fmt.Sprintf("%s remaining", remaining.Round(time.Second))
}

func formatFailureRows(failures map[string]int64) []string {
	if len(failures) == 0 {
		return []string{"[None](fg:green)"}
	}
	kinds := make([]string, 0, len(failures))
	for kind := range failures {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	formatted := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		formatted = append(formatted, fmt.Sprintf("[%s](fg:red) %d", kind, failures[kind]))
	}
	return formatted
}

// formatRunParams formats the run configuration parameters for display.
func formatRunParams(cfg RunConfig) string {
	var parts []string

	if cfg.Sessions > 0 {
		parts = append(parts, fmt.Sprintf("Sessions: %d", cfg.Sessions))
	}

	if cfg.Budget > 0 {
		parts = append(parts, fmt.Sprintf("Budget: %s", cfg.Budget))
	} else {
		parts = append(parts, "Budget: unlimited")
	}

	if cfg.Grace > 0 {
		parts = append(parts, fmt.Sprintf("Grace: %s", cfg.Grace))
	}

	if cfg.ConfigFile != "" {
		parts = append(parts, fmt.Sprintf("Config: %s", cfg.ConfigFile))
	}

	return strings.Join(parts, " | ")
}
