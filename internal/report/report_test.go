package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rivven/memexer/internal/errsense"
	"github.com/rivven/memexer/internal/executor"
	"github.com/rivven/memexer/internal/metrics"
	"github.com/rivven/memexer/internal/threshold"
	"github.com/rivven/memexer/internal/tool"
)

func sampleInput() Input {
	now := time.Now()
	return Input{
		Records: []tool.ErrorRecord{
			{Timestamp: now, SessionID: "s1", Location: "DIMM_A0", Class: tool.ClassCorrectable, ClassName: "correctable"},
			{Timestamp: now, SessionID: "s1", Location: "DIMM_A0", Class: tool.ClassCorrectable, ClassName: "correctable"},
			{Timestamp: now, SessionID: "s2", Location: "DIMM_B1", Class: tool.ClassUncorrectable, ClassName: "uncorrectable"},
			{Timestamp: now, SessionID: "s2", Location: "", Class: tool.ClassUnknown, ClassName: "unknown"},
		},
		States: map[string]tool.State{
			"s1": tool.StateStopped,
			"s2": tool.StateStopped,
		},
		Stats: metrics.Stats{
			BatchesCompleted: 5,
			Correctable:      2,
			Uncorrectable:    1,
			Unknown:          1,
			SessionsStarted:  2,
		},
		StopReason: "time budget exhausted",
	}
}

func TestBuildGroupsByLocation(t *testing.T) {
	r := Build(sampleInput())

	if len(r.Locations) != 3 {
		t.Fatalf("locations = %d, want 3", len(r.Locations))
	}
	// Sorted: DIMM_A0, DIMM_B1, unknown.
	if r.Locations[0].Location != "DIMM_A0" || r.Locations[0].Correctable != 2 {
		t.Fatalf("DIMM_A0 summary wrong: %+v", r.Locations[0])
	}
	if r.Locations[1].Location != "DIMM_B1" || r.Locations[1].Uncorrectable != 1 {
		t.Fatalf("DIMM_B1 summary wrong: %+v", r.Locations[1])
	}
	if r.Locations[2].Location != "unknown" || r.Locations[2].Unknown != 1 {
		t.Fatalf("unknown summary wrong: %+v", r.Locations[2])
	}
}

func TestBuildAttributesSessions(t *testing.T) {
	r := Build(sampleInput())
	if len(r.Sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(r.Sessions))
	}
	if r.Sessions[0].SessionID != "s1" || r.Sessions[0].Errors != 2 {
		t.Fatalf("s1 summary wrong: %+v", r.Sessions[0])
	}
	if r.Sessions[1].SessionID != "s2" || r.Sessions[1].Errors != 2 {
		t.Fatalf("s2 summary wrong: %+v", r.Sessions[1])
	}
}

func TestVerdict(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
		want   Verdict
	}{
		{
			name: "clean run passes",
			mutate: func(in *Input) {
				in.Records = nil
				in.Stats.Correctable = 0
				in.Stats.Uncorrectable = 0
				in.Stats.Unknown = 0
			},
			want: VerdictPass,
		},
		{
			name:   "uncorrectable fails",
			mutate: func(in *Input) {},
			want:   VerdictFail,
		},
		{
			name: "correctable only passes",
			mutate: func(in *Input) {
				in.Stats.Uncorrectable = 0
				in.Stats.Unknown = 0
			},
			want: VerdictPass,
		},
		{
			name: "crashed session fails",
			mutate: func(in *Input) {
				in.Stats.Uncorrectable = 0
				in.Stats.Unknown = 0
				in.Stats.SessionsCrashed = 1
			},
			want: VerdictFail,
		},
		{
			name: "failed threshold fails",
			mutate: func(in *Input) {
				in.Stats.Uncorrectable = 0
				in.Stats.Unknown = 0
				in.Thresholds = []threshold.Result{{Pass: false, Message: "✗ correctable:count < 1"}}
			},
			want: VerdictFail,
		},
		{
			name: "os counter movement fails",
			mutate: func(in *Input) {
				in.Stats.Uncorrectable = 0
				in.Stats.Unknown = 0
				in.OSCounts = []errsense.Count{{Location: "mc0/dimm0", Corrected: true, Errors: 3}}
			},
			want: VerdictFail,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := sampleInput()
			tc.mutate(&in)
			if got := Build(in).Verdict; got != tc.want {
				t.Fatalf("verdict = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestPrintSectionsPresent(t *testing.T) {
	in := sampleInput()
	in.Failures = []executor.Failure{{SessionID: "s3", Kind: "spawn", Detail: "exec format error"}}
	in.OSCounts = []errsense.Count{{Location: "mc0/dimm2", Corrected: true, Errors: 1}}
	r := Build(in)

	var buf bytes.Buffer
	Print(&buf, r)
	out := buf.String()

	for _, want := range []string{
		"Verdict:             fail",
		"DIMM_A0: correctable=2",
		"DIMM_B1: correctable=0, uncorrectable=1",
		"Framework Failures:",
		"[spawn] session=s3",
		"OS Error Counters (delta):",
		"mc0/dimm2: CE=1",
		"Stopped:             time budget exhausted",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	r := Build(sampleInput())
	if err := WriteFile(path, r); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if decoded.Verdict != VerdictFail || decoded.Stats.BatchesCompleted != 5 {
		t.Fatalf("decoded report wrong: %+v", decoded)
	}
	if len(decoded.Locations) != 3 {
		t.Fatalf("decoded locations = %d, want 3", len(decoded.Locations))
	}
}
