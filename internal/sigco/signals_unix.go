//go:build unix

package sigco

import (
	"os"
	"syscall"
)

var notifySignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGTSTP,
	syscall.SIGCONT,
}

func actionFor(sig os.Signal) Action {
	switch sig {
	case syscall.SIGTSTP:
		return ActionPause
	case syscall.SIGCONT:
		return ActionResume
	case syscall.SIGINT, syscall.SIGTERM:
		return ActionTerminate
	default:
		return ActionNone
	}
}
