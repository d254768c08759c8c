package memcheck

import (
	"testing"
	"time"

	"github.com/rivven/memexer/internal/tool"
)

func fixedHandler() *dataHandler {
	d := newDataHandler("sess-1")
	d.now = func() time.Time { return time.Unix(1700000000, 0) }
	return d
}

func TestParseJSONMemoryError(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		class    tool.ErrorClass
		location string
	}{
		{
			"uncorrectable with dimm",
			`{"event":"memory_error","severity":"uncorrectable","dimm":"CPU0_MC0_DIMM_A1","address":"0x7f3a9c0010"}`,
			tool.ClassUncorrectable,
			"CPU0_MC0_DIMM_A1",
		},
		{
			"corrected falls back to address",
			`{"event":"memory_error","severity":"corrected","address":"0xdeadbeef"}`,
			tool.ClassCorrectable,
			"0xdeadbeef",
		},
		{
			"unknown severity",
			`{"event":"memory_error","severity":"weird","dimm":"D0"}`,
			tool.ClassUnknown,
			"D0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := fixedHandler().parse(tt.line)
			if ev.kind != eventMemoryError {
				t.Fatalf("expected memory error event, got %v", ev.kind)
			}
			if ev.record.Class != tt.class {
				t.Fatalf("class = %v, want %v", ev.record.Class, tt.class)
			}
			if ev.record.Location != tt.location {
				t.Fatalf("location = %q, want %q", ev.record.Location, tt.location)
			}
			if ev.record.SessionID != "sess-1" {
				t.Fatalf("session = %q", ev.record.SessionID)
			}
		})
	}
}

func TestParseCheckpoint(t *testing.T) {
	d := fixedHandler()
	ev := d.parse(`{"event":"checkpoint","unit":7}`)
	if ev.kind != eventCheckpoint {
		t.Fatalf("expected checkpoint, got %v", ev.kind)
	}
	if d.lastUnit != 7 {
		t.Fatalf("lastUnit = %d, want 7", d.lastUnit)
	}
}

func TestParseTextFallback(t *testing.T) {
	tests := []struct {
		line  string
		kind  eventKind
		class tool.ErrorClass
	}{
		{"Uncorrectable error at 0x1000.", eventMemoryError, tool.ClassUncorrectable},
		{"Uncorrected error detected at 0x7ffe10", eventMemoryError, tool.ClassUncorrectable},
		{"Corrected ECC event at 0x2000", eventMemoryError, tool.ClassCorrectable},
		{"Error found in flow 3", eventMemoryError, tool.ClassUnknown},
		{"starting pass 4 of 10", eventNoise, 0},
		{"", eventNoise, 0},
	}
	for _, tt := range tests {
		ev := fixedHandler().parse(tt.line)
		if ev.kind != tt.kind {
			t.Fatalf("parse(%q) kind = %v, want %v", tt.line, ev.kind, tt.kind)
		}
		if tt.kind == eventMemoryError && ev.record.Class != tt.class {
			t.Fatalf("parse(%q) class = %v, want %v", tt.line, ev.record.Class, tt.class)
		}
	}
}

func TestExtractAddress(t *testing.T) {
	if got := extractAddress("Uncorrectable error at 0x7ffe10."); got != "0x7ffe10" {
		t.Fatalf("extractAddress = %q", got)
	}
	if got := extractAddress("no address here"); got != "" {
		t.Fatalf("extractAddress = %q, want empty", got)
	}
}
