package errsense

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultEDACRoot = "/sys/devices/system/edac/mc"

// EDACFs scrapes the kernel EDAC sysfs tree. Each memory controller
// directory carries per-DIMM (or per-csrow on older kernels) corrected
// and uncorrected error counters plus a human-readable DIMM label.
type EDACFs struct {
	root string
}

// NewEDACFs returns a provider rooted at the given path; an empty path
// selects the real sysfs location.
func NewEDACFs(root string) *EDACFs {
	if root == "" {
		root = defaultEDACRoot
	}
	return &EDACFs{root: root}
}

func (p *EDACFs) Name() string { return "edac-fs" }

func (p *EDACFs) Available() error {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return fmt.Errorf("%w: %s unreadable", ErrProviderNotFound, p.root)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "mc") {
			return nil
		}
	}
	return fmt.Errorf("%w: no memory controllers under %s", ErrProviderNotFound, p.root)
}

func (p *EDACFs) Counts() ([]Count, error) {
	mcs, err := os.ReadDir(p.root)
	if err != nil {
		return nil, fmt.Errorf("read edac tree: %w", err)
	}
	var out []Count
	for _, mc := range mcs {
		if !mc.IsDir() || !strings.HasPrefix(mc.Name(), "mc") {
			continue
		}
		mcPath := filepath.Join(p.root, mc.Name())
		subs, err := os.ReadDir(mcPath)
		if err != nil {
			continue
		}
		for _, sub := range subs {
			name := sub.Name()
			isDimm := strings.HasPrefix(name, "dimm")
			isRow := strings.HasPrefix(name, "csrow")
			if !isDimm && !isRow {
				continue
			}
			subPath := filepath.Join(mcPath, name)
			label := readTrimmed(filepath.Join(subPath, "dimm_label"))
			if label == "" {
				label = readTrimmed(filepath.Join(subPath, "label"))
			}
			location := mc.Name() + "/" + name
			if label != "" {
				location = fmt.Sprintf("%s (%s)", location, label)
			}
			ceFile, ueFile := "dimm_ce_count", "dimm_ue_count"
			if isRow {
				ceFile, ueFile = "ce_count", "ue_count"
			}
			if ce, ok := readCounter(filepath.Join(subPath, ceFile)); ok {
				out = append(out, Count{Location: location, Corrected: true, Errors: ce})
			}
			if ue, ok := readCounter(filepath.Join(subPath, ueFile)); ok {
				out = append(out, Count{Location: location, Corrected: false, Errors: ue})
			}
		}
	}
	return out, nil
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readCounter(path string) (uint64, bool) {
	raw := readTrimmed(path)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
