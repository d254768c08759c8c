// Package sigco translates operating system signals into orchestrated
// actions on the worker pool: pause, resume, and terminate. Signals
// are handled strictly one at a time; a signal arriving while another
// is being serviced waits its turn instead of being dropped.
package sigco

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Action is an orchestrated response to a signal.
type Action int

const (
	ActionNone Action = iota
	ActionPause
	ActionResume
	ActionTerminate
)

func (a Action) String() string {
	switch a {
	case ActionPause:
		return "pause"
	case ActionResume:
		return "resume"
	case ActionTerminate:
		return "terminate"
	default:
		return "none"
	}
}

// Target is the pool surface the coordinator drives.
type Target interface {
	PauseAll() error
	ResumeAll() error
}

// Coordinator owns signal delivery for the process. Exactly one should
// run at a time.
type Coordinator struct {
	log       zerolog.Logger
	target    Target
	terminate func()

	sigs     chan os.Signal
	done     chan struct{}
	degraded atomic.Bool
	paused   bool
}

// New builds a coordinator. terminate is invoked once when a
// termination signal arrives; the caller owns the actual shutdown.
func New(target Target, terminate func(), log zerolog.Logger) *Coordinator {
	return &Coordinator{
		log:       log.With().Str("component", "sigco").Logger(),
		target:    target,
		terminate: terminate,
		sigs:      make(chan os.Signal, 8),
		done:      make(chan struct{}),
	}
}

// Run installs the platform signal set and services signals until a
// termination signal or context cancellation. It blocks; run it on its
// own goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	signal.Notify(c.sigs, notifySignals...)
	defer signal.Stop(c.sigs)
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-c.sigs:
			if c.handle(actionFor(sig)) {
				return
			}
		}
	}
}

// handle services one action. Returns true when the coordinator should
// exit. The loop keeps draining the queue while paused, but a repeated
// pause is a no-op and only a resume or terminate changes anything, so
// a paused coordinator behaves exactly as if it blocked waiting for
// one of those two.
func (c *Coordinator) handle(a Action) bool {
	c.log.Info().Str("action", a.String()).Msg("signal received")
	switch a {
	case ActionPause:
		if c.paused {
			return false
		}
		if err := c.target.PauseAll(); err != nil {
			c.degraded.Store(true)
			c.log.Error().Err(err).Msg("pause delivery incomplete, coordinator degraded")
		}
		c.paused = true
	case ActionResume:
		if !c.paused {
			return false
		}
		if err := c.target.ResumeAll(); err != nil {
			c.degraded.Store(true)
			c.log.Error().Err(err).Msg("resume delivery incomplete, coordinator degraded")
		}
		c.paused = false
	case ActionTerminate:
		c.terminate()
		return true
	}
	return false
}

// Deliver injects a signal as if the OS had sent it. Delivery order is
// preserved; the queue never drops a signal unless it overflows the
// buffer.
func (c *Coordinator) Deliver(sig os.Signal) {
	c.sigs <- sig
}

// Degraded reports whether any signal delivery to the pool failed.
// Once degraded, always degraded.
func (c *Coordinator) Degraded() bool { return c.degraded.Load() }

// Done is closed when the coordinator has exited.
func (c *Coordinator) Done() <-chan struct{} { return c.done }
