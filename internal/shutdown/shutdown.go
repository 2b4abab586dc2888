package shutdown

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
)

// Shutdown reasons recorded by the built-in sources.
const (
	ReasonSignal  = "signal"
	ReasonConsole = "console"
	ReasonParent  = "parent context done"
)

// Coordinator broadcasts one shutdown request to all workers.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	once   sync.Once
	mu     sync.Mutex
	reason string

	stopSignals func()
	stopParent  func() bool
}

// New creates a Coordinator whose context is derived from parent.
// Cancelling parent also counts as a trigger.
func New(parent context.Context) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	c := &Coordinator{ctx: ctx, cancel: cancel, stopSignals: func() {}}

	c.stopParent = context.AfterFunc(parent, func() { c.Trigger(ReasonParent) })
	return c
}

// Trigger requests shutdown. Only the first call has an effect; later calls
// are no-ops and do not overwrite the reason.
func (c *Coordinator) Trigger(reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		c.cancel()
	})
}

// Triggered reports whether shutdown has been requested.
func (c *Coordinator) Triggered() bool {
	return c.ctx.Err() != nil
}

// Reason returns the reason given to the first Trigger, or "" if none yet.
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Done is closed once shutdown has been requested.
func (c *Coordinator) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Context is cancelled once shutdown has been requested.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// WatchSignals triggers shutdown on SIGINT or SIGTERM.
// Call Stop to release the signal handler.
func (c *Coordinator) WatchSignals() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	stopped := make(chan struct{})
	var stopOnce sync.Once
	c.stopSignals = func() {
		stopOnce.Do(func() {
			signal.Stop(sigs)
			close(stopped)
		})
	}

	go func() {
		select {
		case sig := <-sigs:
			c.Trigger(ReasonSignal + ": " + sig.String())
		case <-stopped:
		case <-c.ctx.Done():
		}
	}()
}

// WatchConsole reads lines from r and triggers shutdown on a line that is
// exactly "q" or "Q" (surrounding whitespace ignored). It returns when that
// happens, when r is exhausted, or when shutdown was triggered elsewhere and
// the next line arrives.
//
// Returns:
//   - bool: true if this call triggered shutdown
func (c *Coordinator) WatchConsole(r io.Reader) bool {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if c.Triggered() {
			return false
		}
		switch strings.TrimSpace(scanner.Text()) {
		case "q", "Q":
			c.Trigger(ReasonConsole)
			return true
		}
	}
	return false
}

// Stop releases the signal handler and cancels the context if no trigger
// has fired yet.
func (c *Coordinator) Stop() {
	c.stopSignals()
	c.stopParent()
	c.cancel()
}
