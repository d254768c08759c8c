// Package exitcode maps run outcomes to process exit codes so that
// orchestration layers can classify a run without parsing the report.
package exitcode

import "github.com/rivven/memexer/internal/report"

// Code is a process exit code with a fixed meaning.
type Code int

const (
	// OK means the run completed with no memory errors and no failures.
	OK Code = 0

	// ToolCorruption means one or more tool sessions detected memory
	// miscompares while the OS counters stayed quiet.
	ToolCorruption Code = 241

	// OSErrToolCorruption means sessions detected miscompares and the OS
	// also counted correctable or uncorrectable hardware errors.
	OSErrToolCorruption Code = 242

	// OSErrToolCrash means one or more sessions died unexpectedly and the
	// OS counted uncorrectable hardware errors.
	OSErrToolCrash Code = 243

	// OSErr means the tools found nothing but the OS error provider
	// counted hardware errors during the run.
	OSErr Code = 244

	// RunnerFailed means the framework itself failed: configuration
	// errors, spawn failures, or sessions crashing with clean counters.
	RunnerFailed Code = 254

	// OSErrUnexpected marks a combination that cannot be reconciled,
	// such as a session crash with only correctable OS errors.
	OSErrUnexpected Code = 235
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case ToolCorruption:
		return "tool detected memory miscompares"
	case OSErrToolCorruption:
		return "tool miscompares with OS hardware errors"
	case OSErrToolCrash:
		return "session crash with uncorrectable OS errors"
	case OSErr:
		return "OS hardware errors with clean tools"
	case RunnerFailed:
		return "framework failure"
	case OSErrUnexpected:
		return "unreconcilable error combination"
	default:
		return "unknown"
	}
}

// FromReport classifies a finished run. More specific combinations win
// over their components: miscompares plus OS errors outrank either alone.
func FromReport(r report.Report) Code {
	toolErrors := len(r.Records) > 0
	crashed := r.Stats.SessionsCrashed > 0

	var osCE, osUE bool
	for _, c := range r.OSCounts {
		if c.Errors == 0 {
			continue
		}
		if c.Kind == "UE" {
			osUE = true
		} else {
			osCE = true
		}
	}

	switch {
	case toolErrors && (osCE || osUE):
		return OSErrToolCorruption
	case crashed && osUE:
		return OSErrToolCrash
	case crashed && osCE:
		return OSErrUnexpected
	case toolErrors:
		return ToolCorruption
	case osCE || osUE:
		return OSErr
	case crashed:
		return RunnerFailed
	case len(r.Failures) > 0:
		return RunnerFailed
	case !r.ThresholdOK:
		return ToolCorruption
	}
	return OK
}
