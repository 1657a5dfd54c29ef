// Package runtimectl owns the lifecycle of the background ingestion task.
//
// Every entry point (CLI, API, bot) starts and stops the task through one
// Controller so they all observe the same state machine:
// stopped → starting → running → stopping → stopped.
package runtimectl

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tgsearch/internal/model"
	"tgsearch/internal/tgsearch"
)

// Runner is the long-running task. It must return promptly once ctx is
// cancelled.
type Runner func(ctx context.Context) error

// Cleanup runs after the task has stopped.
type Cleanup func(ctx context.Context) error

// Options configures a Controller.
type Options struct {
	Cleanup Cleanup
	APIOnly func() bool
	Logger  tgsearch.Logger
	IDs     tgsearch.IDGenerator
}

// Controller is an idempotent start/stop wrapper around one Runner.
type Controller struct {
	runner  Runner
	cleanup Cleanup
	logger  tgsearch.Logger
	ids     tgsearch.IDGenerator

	// mu serialises Start and Stop end to end.
	mu sync.Mutex

	stateMu    sync.Mutex
	apiOnly    func() bool
	task       *task
	state      model.RuntimeState
	lastSource string
	lastError  string
}

type task struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	// written before done is closed
	err error

	// guarded by Controller.stateMu
	stopRequested bool
	// abandoned is set when Stop gave up waiting; the exiting task then
	// resets state and runs cleanup itself.
	abandoned bool
	exited    bool
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// New creates a stopped Controller around runner.
func New(runner Runner, opts Options) *Controller {
	var ids tgsearch.IDGenerator = tgsearch.UUIDGenerator{}
	if opts.IDs != nil {
		ids = opts.IDs
	}
	return &Controller{
		runner:  runner,
		cleanup: opts.Cleanup,
		logger:  tgsearch.OrNop(opts.Logger),
		ids:     ids,
		apiOnly: opts.APIOnly,
		state:   model.RuntimeStopped,
	}
}

// SetAPIOnlyGetter replaces the API-only mode predicate.
func (c *Controller) SetAPIOnlyGetter(fn func() bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.apiOnly = fn
}

// Start spawns the task unless one is already running. The task outlives
// ctx; ctx only scopes the call itself.
func (c *Controller) Start(ctx context.Context, source string) (model.RuntimeActionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stateMu.Lock()
	if c.runningLocked() && c.task.stopRequested {
		c.lastSource = source
		c.stateMu.Unlock()
		c.logger.Warn("runtime start rejected while previous task is stopping", "source", source)
		return model.RuntimeActionResult{}, tgsearch.WrapDomainError(tgsearch.CodeStartFailed,
			"failed to start runtime task", errors.New("previous runtime task is still stopping"))
	}
	if c.runningLocked() {
		c.state = model.RuntimeRunning
		c.lastSource = source
		res := c.resultLocked(model.ActionAlreadyRunning, "runtime task is already running")
		c.stateMu.Unlock()
		return res, nil
	}
	apiOnly := c.apiOnly
	c.stateMu.Unlock()

	if c.isAPIOnly(apiOnly) {
		c.logger.Warn("runtime start rejected in api-only mode", "source", source)
		return model.RuntimeActionResult{}, tgsearch.NewDomainError(tgsearch.CodeAPIOnlyMode,
			"cannot start runtime task in API-only mode")
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	c.state = model.RuntimeStarting
	c.lastSource = source
	c.lastError = ""

	if c.runner == nil {
		c.state = model.RuntimeStopped
		c.lastError = "no runner configured"
		return model.RuntimeActionResult{}, tgsearch.WrapDomainError(tgsearch.CodeStartFailed,
			"failed to start runtime task", errors.New(c.lastError))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &task{id: c.ids.New(), cancel: cancel, done: make(chan struct{})}
	c.task = t
	c.state = model.RuntimeRunning
	go c.run(runCtx, t)

	c.logger.Info("runtime started", "source", source, "run_id", t.id)
	return c.resultLocked(model.ActionStarted, "runtime task started"), nil
}

func (c *Controller) run(ctx context.Context, t *task) {
	defer close(t.done)
	defer t.cancel()
	defer func() {
		if r := recover(); r != nil {
			t.err = fmt.Errorf("runtime task panicked: %v", r)
		}
		c.onTaskDone(t)
	}()
	t.err = c.runner(ctx)
}

// onTaskDone resets state when the task exits on its own, or after a Stop
// that timed out. Stop handles every other exit.
func (c *Controller) onTaskDone(t *task) {
	c.stateMu.Lock()
	t.exited = true
	if c.task != t || (t.stopRequested && !t.abandoned) {
		c.stateMu.Unlock()
		return
	}
	if !t.abandoned {
		c.task = nil
		c.state = model.RuntimeStopped
		defer c.stateMu.Unlock()
		if t.err != nil && !errors.Is(t.err, context.Canceled) {
			c.lastError = t.err.Error()
			c.logger.Error("runtime task exited with error", "run_id", t.id, "error", c.lastError)
			return
		}
		c.logger.Info("runtime task exited", "run_id", t.id)
		return
	}
	c.stateMu.Unlock()

	// t stays current until cleanup returns, so Start keeps refusing.
	cleanupErr := c.runCleanup(context.Background())

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.task == t {
		c.task = nil
		c.state = model.RuntimeStopped
	}
	if cleanupErr != nil {
		c.lastError = cleanupErr.Error()
		c.logger.Error("runtime cleanup failed", "run_id", t.id, "error", c.lastError)
		return
	}
	c.logger.Info("runtime task exited after stop timeout", "run_id", t.id)
}

// Stop cancels the running task and waits for it to return, bounded by
// ctx, then runs the cleanup hook. If ctx ends first the controller stays
// stopping until the task exits, and cleanup runs at that point.
func (c *Controller) Stop(ctx context.Context, source string) (model.RuntimeActionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stateMu.Lock()
	c.lastSource = source
	if !c.runningLocked() {
		c.task = nil
		c.state = model.RuntimeStopped
		res := c.resultLocked(model.ActionAlreadyStopped, "runtime task is not running")
		c.stateMu.Unlock()
		return res, nil
	}
	t := c.task
	if t.exited {
		// already unwinding from an earlier timed-out Stop
		c.stateMu.Unlock()
		select {
		case <-t.done:
		case <-ctx.Done():
			return model.RuntimeActionResult{}, tgsearch.WrapDomainError(tgsearch.CodeStopFailed,
				"failed to stop runtime task", fmt.Errorf("waiting for runtime task: %w", ctx.Err()))
		}
		c.stateMu.Lock()
		defer c.stateMu.Unlock()
		return c.resultLocked(model.ActionStopped, "runtime task stopped"), nil
	}
	t.stopRequested = true
	t.abandoned = false
	c.state = model.RuntimeStopping
	c.stateMu.Unlock()

	t.cancel()
	timedOut := false
	select {
	case <-t.done:
	case <-ctx.Done():
		timedOut = true
	}

	c.stateMu.Lock()
	if timedOut && !t.exited {
		t.abandoned = true
		stopErr := fmt.Errorf("waiting for runtime task: %w", ctx.Err())
		c.lastError = stopErr.Error()
		c.stateMu.Unlock()
		c.logger.Error("runtime task did not stop in time", "run_id", t.id, "error", stopErr.Error())
		return model.RuntimeActionResult{}, tgsearch.WrapDomainError(tgsearch.CodeStopFailed,
			"failed to stop runtime task", stopErr)
	}
	var stopErr error
	if t.err != nil && !errors.Is(t.err, context.Canceled) {
		stopErr = t.err
	}
	c.task = nil
	c.state = model.RuntimeStopped
	if stopErr != nil {
		c.lastError = stopErr.Error()
	}
	c.stateMu.Unlock()

	if stopErr != nil {
		c.logger.Error("runtime stop failed", "run_id", t.id, "error", stopErr.Error())
		return model.RuntimeActionResult{}, tgsearch.WrapDomainError(tgsearch.CodeStopFailed,
			"failed to stop runtime task", stopErr)
	}

	if err := c.runCleanup(ctx); err != nil {
		c.stateMu.Lock()
		c.lastError = err.Error()
		c.stateMu.Unlock()
		c.logger.Error("runtime cleanup failed", "run_id", t.id, "error", err.Error())
		return model.RuntimeActionResult{}, tgsearch.WrapDomainError(tgsearch.CodeCleanupFailed,
			"runtime cleanup failed", err)
	}

	c.logger.Info("runtime stopped", "source", source, "run_id", t.id)
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.resultLocked(model.ActionStopped, "runtime task stopped"), nil
}

func (c *Controller) runCleanup(ctx context.Context) (err error) {
	if c.cleanup == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panicked: %v", r)
		}
	}()
	return c.cleanup(ctx)
}

// Status returns a point-in-time snapshot. IsRunning is derived from the
// task itself.
func (c *Controller) Status() model.RuntimeStatus {
	c.stateMu.Lock()
	st := model.RuntimeStatus{
		State:            c.state,
		IsRunning:        c.runningLocked(),
		LastActionSource: c.lastSource,
		LastError:        c.lastError,
	}
	apiOnly := c.apiOnly
	c.stateMu.Unlock()

	st.APIOnlyMode = c.isAPIOnly(apiOnly)
	return st
}

// Done returns a channel closed when the current task exits. With no task
// running the channel is already closed.
func (c *Controller) Done() <-chan struct{} {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.task == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.task.done
}

func (c *Controller) runningLocked() bool {
	return c.task != nil && !c.task.finished()
}

func (c *Controller) resultLocked(status, message string) model.RuntimeActionResult {
	return model.RuntimeActionResult{
		Status:           status,
		Message:          message,
		State:            c.state,
		LastActionSource: c.lastSource,
		LastError:        c.lastError,
	}
}

// isAPIOnly evaluates fn, treating a panic as "not api-only".
func (c *Controller) isAPIOnly(fn func() bool) (apiOnly bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("api-only getter failed", "error", fmt.Sprint(r))
			apiOnly = false
		}
	}()
	return fn()
}
