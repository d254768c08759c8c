package memcheck

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rivven/memexer/internal/tool"
)

type eventKind int

const (
	eventNoise eventKind = iota
	eventCheckpoint
	eventMemoryError
)

type event struct {
	kind   eventKind
	record tool.ErrorRecord
}

// dataHandler parses the memory checker's diagnostic stream. One
// instance per manager; it carries the session attribution and a small
// amount of line-classification state, so sharing one across sessions
// would cross-contaminate records.
type dataHandler struct {
	sessionID string
	lastUnit  int64
	now       func() time.Time
}

func newDataHandler(sessionID string) *dataHandler {
	return &dataHandler{sessionID: sessionID, now: time.Now}
}

// parse classifies one output line. The tool emits JSON diagnostic
// lines; plain-text error lines from older builds are classified as
// unknown-class records.
func (d *dataHandler) parse(line string) event {
	line = strings.TrimSpace(line)
	if line == "" {
		return event{kind: eventNoise}
	}
	if gjson.Valid(line) {
		return d.parseJSON(line)
	}
	return d.parseText(line)
}

func (d *dataHandler) parseJSON(line string) event {
	switch gjson.Get(line, "event").String() {
	case "checkpoint":
		d.lastUnit = gjson.Get(line, "unit").Int()
		return event{kind: eventCheckpoint}
	case "memory_error":
		rec := tool.ErrorRecord{
			Timestamp: d.now(),
			SessionID: d.sessionID,
			Location:  gjson.Get(line, "dimm").String(),
			Class:     classFromSeverity(gjson.Get(line, "severity").String()),
			Raw:       line,
		}
		if rec.Location == "" {
			rec.Location = gjson.Get(line, "address").String()
		}
		rec.ClassName = rec.Class.String()
		return event{kind: eventMemoryError, record: rec}
	default:
		return event{kind: eventNoise}
	}
}

func (d *dataHandler) parseText(line string) event {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "uncorrectable"), strings.Contains(lower, "uncorrected"):
		return d.textRecord(line, tool.ClassUncorrectable)
	case strings.Contains(lower, "corrected") || strings.Contains(lower, "correctable"):
		return d.textRecord(line, tool.ClassCorrectable)
	case strings.Contains(lower, "error found"):
		return d.textRecord(line, tool.ClassUnknown)
	default:
		return event{kind: eventNoise}
	}
}

func (d *dataHandler) textRecord(line string, class tool.ErrorClass) event {
	return event{
		kind: eventMemoryError,
		record: tool.ErrorRecord{
			Timestamp: d.now(),
			SessionID: d.sessionID,
			Location:  extractAddress(line),
			Class:     class,
			ClassName: class.String(),
			Raw:       line,
		},
	}
}

func classFromSeverity(severity string) tool.ErrorClass {
	switch strings.ToLower(severity) {
	case "corrected", "correctable", "ce":
		return tool.ClassCorrectable
	case "uncorrectable", "uncorrected", "ue", "fatal":
		return tool.ClassUncorrectable
	default:
		return tool.ClassUnknown
	}
}

// extractAddress pulls the first hex token out of a plain-text error
// line so old-format output still gets a location token.
func extractAddress(line string) string {
	for _, f := range strings.Fields(line) {
		f = strings.TrimRight(f, ".,;:")
		if strings.HasPrefix(f, "0x") && len(f) > 2 {
			return f
		}
	}
	return ""
}
