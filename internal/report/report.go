// Package report assembles and renders the final run report: memory
// errors grouped by reported location, per-session attribution,
// framework failures kept apart from tool findings, and OS-level
// counter deltas when an error provider was available.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/rivven/memexer/internal/errsense"
	"github.com/rivven/memexer/internal/executor"
	"github.com/rivven/memexer/internal/metrics"
	"github.com/rivven/memexer/internal/threshold"
	"github.com/rivven/memexer/internal/tool"
)

type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// LocationSummary aggregates error counts for one reported location
// (typically a DIMM label or a physical address).
type LocationSummary struct {
	Location      string `json:"location"`
	Correctable   int64  `json:"correctable"`
	Uncorrectable int64  `json:"uncorrectable"`
	Unknown       int64  `json:"unknown"`
}

// SessionSummary attributes errors and final state to one worker session.
type SessionSummary struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Errors    int64  `json:"errors"`
}

// OSCount is one OS-level counter delta in JSON-friendly form.
type OSCount struct {
	Location string `json:"location"`
	Kind     string `json:"kind"` // "CE" or "UE"
	Errors   uint64 `json:"errors"`
}

// Report is the complete run outcome.
type Report struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Verdict     Verdict            `json:"verdict"`
	StopReason  string             `json:"stop_reason,omitempty"`
	Stats       metrics.Stats      `json:"stats"`
	Locations   []LocationSummary  `json:"locations,omitempty"`
	Sessions    []SessionSummary   `json:"sessions,omitempty"`
	Failures    []executor.Failure `json:"framework_failures,omitempty"`
	OSCounts    []OSCount          `json:"os_error_counts,omitempty"`
	Thresholds  []threshold.Result `json:"-"`
	ThresholdOK bool               `json:"thresholds_ok"`
	Records     []tool.ErrorRecord `json:"records,omitempty"`
}

// Input carries everything the builder needs.
type Input struct {
	Records    []tool.ErrorRecord
	Failures   []executor.Failure
	States     map[string]tool.State
	Stats      metrics.Stats
	OSCounts   []errsense.Count
	Thresholds []threshold.Result
	StopReason string
}

// Build assembles a report from raw run output. The verdict fails on
// any uncorrectable error, any failed threshold, or any crashed
// session.
func Build(in Input) *Report {
	r := &Report{
		GeneratedAt: time.Now(),
		StopReason:  in.StopReason,
		Stats:       in.Stats,
		Failures:    in.Failures,
		Thresholds:  in.Thresholds,
		Records:     in.Records,
		ThresholdOK: true,
	}
	for _, c := range in.OSCounts {
		kind := "UE"
		if c.Corrected {
			kind = "CE"
		}
		r.OSCounts = append(r.OSCounts, OSCount{Location: c.Location, Kind: kind, Errors: c.Errors})
	}

	byLocation := make(map[string]*LocationSummary)
	bySession := make(map[string]int64)
	for _, rec := range in.Records {
		loc := rec.Location
		if loc == "" {
			loc = "unknown"
		}
		sum, ok := byLocation[loc]
		if !ok {
			sum = &LocationSummary{Location: loc}
			byLocation[loc] = sum
		}
		switch rec.Class {
		case tool.ClassCorrectable:
			sum.Correctable++
		case tool.ClassUncorrectable:
			sum.Uncorrectable++
		default:
			sum.Unknown++
		}
		bySession[rec.SessionID]++
	}

	for _, sum := range byLocation {
		r.Locations = append(r.Locations, *sum)
	}
	sort.Slice(r.Locations, func(i, j int) bool {
		return r.Locations[i].Location < r.Locations[j].Location
	})

	for id, st := range in.States {
		r.Sessions = append(r.Sessions, SessionSummary{
			SessionID: id,
			State:     st.String(),
			Errors:    bySession[id],
		})
	}
	sort.Slice(r.Sessions, func(i, j int) bool {
		return r.Sessions[i].SessionID < r.Sessions[j].SessionID
	})

	for _, res := range in.Thresholds {
		if !res.Pass {
			r.ThresholdOK = false
		}
	}

	r.Verdict = VerdictPass
	if in.Stats.Uncorrectable > 0 || in.Stats.SessionsCrashed > 0 || !r.ThresholdOK || r.OSErrors() {
		r.Verdict = VerdictFail
	}
	return r
}

// OSErrors reports whether any OS-level counter moved during the run.
func (r *Report) OSErrors() bool {
	for _, c := range r.OSCounts {
		if c.Errors > 0 {
			return true
		}
	}
	return false
}

// Print writes the human-readable report.
func Print(w io.Writer, r *Report) {
	fmt.Fprintln(w, "\n--- Memory Validation Results ---")
	fmt.Fprintf(w, "Verdict:             %s\n", r.Verdict)
	if r.StopReason != "" {
		fmt.Fprintf(w, "Stopped:             %s\n", r.StopReason)
	}
	fmt.Fprintf(w, "Batches Completed:   %d\n", r.Stats.BatchesCompleted)
	fmt.Fprintf(w, "Work Units:          %d\n", r.Stats.UnitsCompleted)
	fmt.Fprintf(w, "Sessions Started:    %d\n", r.Stats.SessionsStarted)
	fmt.Fprintf(w, "Sessions Crashed:    %d\n", r.Stats.SessionsCrashed)
	fmt.Fprintf(w, "Elapsed:             %s\n", r.Stats.Elapsed.Round(time.Millisecond))

	fmt.Fprintln(w, "\nMemory Errors:")
	fmt.Fprintf(w, "  Correctable:       %d\n", r.Stats.Correctable)
	fmt.Fprintf(w, "  Uncorrectable:     %d\n", r.Stats.Uncorrectable)
	fmt.Fprintf(w, "  Unknown:           %d\n", r.Stats.Unknown)

	if len(r.Locations) > 0 {
		fmt.Fprintln(w, "\nBy Location:")
		for _, loc := range r.Locations {
			fmt.Fprintf(w, "  - %s: correctable=%d, uncorrectable=%d, unknown=%d\n",
				loc.Location, loc.Correctable, loc.Uncorrectable, loc.Unknown)
		}
	}

	if len(r.Sessions) > 0 {
		fmt.Fprintln(w, "\nSessions:")
		for _, s := range r.Sessions {
			fmt.Fprintf(w, "  - %s: state=%s, errors=%d\n", s.SessionID, s.State, s.Errors)
		}
	}

	if len(r.Failures) > 0 {
		fmt.Fprintln(w, "\nFramework Failures:")
		for _, f := range r.Failures {
			fmt.Fprintf(w, "  - [%s] session=%s: %s\n", f.Kind, f.SessionID, f.Detail)
		}
	}

	if len(r.OSCounts) > 0 {
		fmt.Fprintln(w, "\nOS Error Counters (delta):")
		for _, c := range r.OSCounts {
			fmt.Fprintf(w, "  - %s: %s=%d\n", c.Location, c.Kind, c.Errors)
		}
	}

	if len(r.Thresholds) > 0 {
		fmt.Fprintln(w, "\nThresholds:")
		for _, res := range r.Thresholds {
			fmt.Fprintf(w, "  %s\n", res.Message)
		}
	}

	fmt.Fprintf(w, "\nBatch Duration: p50=%.0fms p90=%.0fms p99=%.0fms max=%.0fms\n",
		r.Stats.BatchP50Ms, r.Stats.BatchP90Ms, r.Stats.BatchP99Ms, r.Stats.BatchMaxMs)
}

// PrintJSON writes the report as indented JSON.
func PrintJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteFile writes the JSON report to path under an advisory file
// lock, so concurrent runners sharing a report path never interleave.
func WriteFile(path string, r *Report) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock report file: %w", err)
	}
	defer lock.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	defer f.Close()
	if err := PrintJSON(f, r); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return f.Sync()
}
