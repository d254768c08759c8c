// Package errsense collects hardware memory-error counts from the
// operating system and attributes them to DIMMs. Providers are the
// source of the location tokens carried by tool error records.
package errsense

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrProviderNotFound indicates the requested provider is unusable on
// this host (missing sysfs tree, unsupported kernel, and so on).
var ErrProviderNotFound = errors.New("error provider not found")

// Count is one DIMM-attributed error counter sample.
type Count struct {
	Location  string // opaque DIMM/location token, e.g. "mc0/dimm2 (CPU_SrcID#0_MC#0_Chan#1_DIMM#0)"
	Corrected bool   // true for CE, false for UE
	Errors    uint64
}

func (c Count) String() string {
	kind := "UE"
	if c.Corrected {
		kind = "CE"
	}
	return fmt.Sprintf("%s %s=%d", c.Location, kind, c.Errors)
}

// Provider reads absolute error counters from one OS error source.
type Provider interface {
	Name() string
	// Available reports whether the provider can operate on this host.
	Available() error
	// Counts returns the current absolute counters.
	Counts() ([]Count, error)
}

// Manager wraps a provider with mark/delta semantics: Mark snapshots the
// counters before testing starts and Delta reports only what accumulated
// since the mark.
type Manager struct {
	mu       sync.Mutex
	provider Provider
	baseline map[string]uint64
}

// NewManager selects the named provider, or auto-selects when name is
// "auto". "none" yields a manager that never reports errors.
func NewManager(name string) (*Manager, error) {
	switch name {
	case "", "auto":
		return autoSelect()
	case "none":
		return &Manager{provider: noneProvider{}}, nil
	case "edac-fs":
		p := NewEDACFs("")
		if err := p.Available(); err != nil {
			return nil, err
		}
		return &Manager{provider: p}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, name)
	}
}

func autoSelect() (*Manager, error) {
	for _, p := range []Provider{NewEDACFs("")} {
		if err := p.Available(); err == nil {
			return &Manager{provider: p}, nil
		}
	}
	return &Manager{provider: noneProvider{}}, nil
}

// Provider returns the selected provider name.
func (m *Manager) Provider() string { return m.provider.Name() }

// Existing returns counters present before any mark was taken. Used for
// the pre-run check that warns about errors already on the machine.
func (m *Manager) Existing() ([]Count, error) {
	return m.provider.Counts()
}

// Mark snapshots current counters as the zero point for Delta.
func (m *Manager) Mark() error {
	counts, err := m.provider.Counts()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseline = make(map[string]uint64, len(counts))
	for _, c := range counts {
		m.baseline[countKey(c)] = c.Errors
	}
	return nil
}

// Delta returns counters that grew since Mark, expressed as increments.
func (m *Manager) Delta() ([]Count, error) {
	counts, err := m.provider.Counts()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Count
	for _, c := range counts {
		base := m.baseline[countKey(c)]
		if c.Errors > base {
			c.Errors -= base
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out, nil
}

func countKey(c Count) string {
	if c.Corrected {
		return c.Location + "/ce"
	}
	return c.Location + "/ue"
}

type noneProvider struct{}

func (noneProvider) Name() string             { return "none" }
func (noneProvider) Available() error         { return nil }
func (noneProvider) Counts() ([]Count, error) { return nil, nil }
