//go:build unix

package sigco

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rivven/memexer/internal/xlog"
)

type fakePool struct {
	mu       sync.Mutex
	ops      []string
	pauseErr error
}

func (p *fakePool) PauseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, "pause")
	return p.pauseErr
}

func (p *fakePool) ResumeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, "resume")
	return nil
}

func (p *fakePool) opList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.ops))
	copy(out, p.ops)
	return out
}

func waitOps(t *testing.T, p *fakePool, want int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ops := p.opList(); len(ops) >= want {
			return ops
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("pool saw %v, want %d ops", p.opList(), want)
	return nil
}

func TestPauseResumeTerminateSequence(t *testing.T) {
	pool := &fakePool{}
	terminated := make(chan struct{})
	c := New(pool, func() { close(terminated) }, xlog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.Deliver(syscall.SIGTSTP)
	c.Deliver(syscall.SIGCONT)
	c.Deliver(syscall.SIGTERM)

	select {
	case <-terminated:
	case <-time.After(2 * time.Second):
		t.Fatal("terminate never fired")
	}
	<-c.Done()

	if ops := pool.opList(); len(ops) != 2 || ops[0] != "pause" || ops[1] != "resume" {
		t.Fatalf("ops = %v, want [pause resume]", ops)
	}
}

func TestSignalsAreQueuedNotDropped(t *testing.T) {
	pool := &fakePool{}
	c := New(pool, func() {}, xlog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// Burst faster than the handler can possibly service; order and
	// count must survive.
	c.Deliver(syscall.SIGTSTP)
	c.Deliver(syscall.SIGCONT)
	c.Deliver(syscall.SIGTSTP)
	c.Deliver(syscall.SIGCONT)

	ops := waitOps(t, pool, 4)
	want := []string{"pause", "resume", "pause", "resume"}
	for i, op := range want {
		if ops[i] != op {
			t.Fatalf("ops = %v, want %v", ops, want)
		}
	}
}

func TestDuplicatePauseIsIdempotent(t *testing.T) {
	pool := &fakePool{}
	c := New(pool, func() {}, xlog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.Deliver(syscall.SIGTSTP)
	c.Deliver(syscall.SIGTSTP)
	c.Deliver(syscall.SIGCONT)

	ops := waitOps(t, pool, 2)
	if len(ops) != 2 || ops[0] != "pause" || ops[1] != "resume" {
		t.Fatalf("ops = %v, want one pause and one resume", ops)
	}
	if c.Degraded() {
		t.Fatal("coordinator should not be degraded")
	}
}

func TestDeliveryFailureDegradesCoordinator(t *testing.T) {
	pool := &fakePool{pauseErr: errors.New("session unreachable")}
	c := New(pool, func() {}, xlog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.Deliver(syscall.SIGTSTP)
	waitOps(t, pool, 1)

	deadline := time.Now().Add(2 * time.Second)
	for !c.Degraded() {
		if time.Now().After(deadline) {
			t.Fatal("coordinator never reported degraded")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestContextCancelStopsCoordinator(t *testing.T) {
	c := New(&fakePool{}, func() {}, xlog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	cancel()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not exit on cancel")
	}
}
