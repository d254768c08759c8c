//go:build windows

package sigco

import (
	"os"
	"syscall"
)

// Windows has no job-control signals; only interrupt and terminate are
// deliverable. Pause and resume remain reachable through Deliver for
// embedders with their own transport.
var notifySignals = []os.Signal{
	os.Interrupt,
	syscall.SIGTERM,
}

func actionFor(sig os.Signal) Action {
	switch sig {
	case os.Interrupt, syscall.SIGTERM:
		return ActionTerminate
	default:
		return ActionNone
	}
}
