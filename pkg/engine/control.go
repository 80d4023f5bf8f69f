package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is returned by a run that was stopped on request. The run
// still finalizes: the manifest on disk always matches what was actually
// synced before the stop.
var ErrCancelled = errors.New("run cancelled")

// Control is the cooperative pause/cancel token threaded through a run. The
// controller goroutine calls Checkpoint between operations and batches;
// Pause, Resume and Cancel may be called from any goroutine.
type Control struct {
	mu        sync.Mutex
	cond      *sync.Cond
	paused    bool
	cancelled bool
	onPause   func(bool)

	ctx    context.Context
	cancel context.CancelFunc
}

// NewControl derives a control token from the parent context. Cancelling the
// parent cancels the run the same way Cancel does.
func NewControl(parent context.Context) *Control {
	ctx, cancel := context.WithCancel(parent)
	c := &Control{ctx: ctx, cancel: cancel}
	c.cond = sync.NewCond(&c.mu)

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		c.cancelled = true
		c.mu.Unlock()
		c.cond.Broadcast()
	}()
	return c
}

// Context returns the context that in-flight checksum work observes. It is
// cancelled by Cancel but not by Pause: paused runs keep their workers' state.
func (c *Control) Context() context.Context {
	return c.ctx
}

// Pause requests the run to hold at the next checkpoint. In-flight file
// operations complete first; no operation is interrupted midway.
func (c *Control) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || c.cancelled {
		return
	}
	c.paused = true
	if c.onPause != nil {
		c.onPause(true)
	}
}

// Resume releases a paused run.
func (c *Control) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	if c.onPause != nil {
		c.onPause(false)
	}
	c.cond.Broadcast()
}

// Cancel stops the run at the next checkpoint and releases a pause if one is
// active. Cancel wins over Pause.
func (c *Control) Cancel() {
	c.cancel()
}

// Cancelled reports whether the run was cancelled.
func (c *Control) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Checkpoint blocks while the run is paused and returns ErrCancelled once
// the run is cancelled. It returns nil when the run may proceed.
func (c *Control) Checkpoint() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.paused && !c.cancelled {
		c.cond.Wait()
	}
	if c.cancelled {
		return ErrCancelled
	}
	return nil
}
