package tool

import "sync"

// Recorder accumulates error records for one manager instance. Every
// manager owns exactly one recorder; nothing is shared across
// instances, so concurrent sessions can never contaminate each other's
// classification state.
type Recorder struct {
	mu      sync.Mutex
	records []ErrorRecord
}

// Append stores one record.
func (r *Recorder) Append(rec ErrorRecord) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

// Drain returns everything accumulated since the previous drain and
// resets the buffer. Records are handed out exactly once.
func (r *Recorder) Drain() []ErrorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		return nil
	}
	out := r.records
	r.records = nil
	return out
}
