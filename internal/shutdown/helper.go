// Package shutdown provides cooperative asynchronous shutdown for
// long-lived objects; in this repository it drives the session manager's
// teardown (sessionmgr.Manager). It is adapted from the wstunnel
// project's ShutdownHelper: same pause/resume/child-propagation contract,
// now driven by this module's own xlog.Logger instead of chshare.Logger.
package shutdown

import (
	"context"
	"sync"

	"github.com/sshtrap/honeypot/internal/xlog"
)

// OnceHandler is the interface implemented by the object managed by a
// Helper. HandleOnceShutdown is called exactly once, in its own goroutine,
// and should perform the actual teardown.
type OnceHandler interface {
	HandleOnceShutdown(completionErr error) error
}

// Async is implemented by objects offering asynchronous shutdown.
type Async interface {
	StartShutdown(completionErr error)
	ShutdownDoneChan() <-chan struct{}
	IsDoneShutdown() bool
	WaitShutdown() error
}

// Helper manages clean asynchronous shutdown of an OnceHandler, including
// propagation of shutdown to registered children.
type Helper struct {
	Log xlog.Logger

	Lock sync.Mutex

	handler OnceHandler

	pauseCount int

	activated       bool
	scheduled       bool
	started         bool
	done            bool
	err             error
	startedChan     chan struct{}
	handlerDoneChan chan struct{}
	doneChan        chan struct{}

	wg sync.WaitGroup
}

// Init initializes a Helper in place.
func (h *Helper) Init(log xlog.Logger, handler OnceHandler) {
	h.Log = log
	h.handler = handler
	h.startedChan = make(chan struct{})
	h.handlerDoneChan = make(chan struct{})
	h.doneChan = make(chan struct{})
}

// New allocates and initializes a Helper.
func New(log xlog.Logger, handler OnceHandler) *Helper {
	h := &Helper{}
	h.Init(log, handler)
	return h
}

func (h *Helper) asyncRun() {
	h.Log.Debugf("shutdown: started")
	close(h.startedChan)
	go func() {
		h.err = h.handler.HandleOnceShutdown(h.err)
		h.Log.Debugf("shutdown: handler done")
		close(h.handlerDoneChan)
		h.wg.Wait()
		h.done = true
		h.Log.Debugf("shutdown: complete")
		close(h.doneChan)
	}()
}

// PauseShutdown increments the shutdown pause count, preventing shutdown
// from starting until a matching ResumeShutdown.
func (h *Helper) PauseShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.started {
		return h.Log.Error("shutdown already started; cannot pause")
	}
	h.pauseCount++
	return nil
}

// ResumeShutdown decrements the pause count, starting shutdown if it
// reaches zero and shutdown has been scheduled.
func (h *Helper) ResumeShutdown() {
	h.Lock.Lock()
	if h.pauseCount < 1 {
		h.Lock.Unlock()
		panic("ResumeShutdown before PauseShutdown")
	}
	h.pauseCount--
	runNow := h.pauseCount == 0 && h.scheduled && !h.started
	if runNow {
		h.started = true
	}
	h.Lock.Unlock()
	if runNow {
		h.asyncRun()
	}
}

// IsActivated reports whether Activate has been called.
func (h *Helper) IsActivated() bool { return h.activated }

// Activate marks the helper activated, refusing if shutdown already began.
func (h *Helper) Activate() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if !h.activated {
		if h.started {
			return h.Log.Error("cannot activate: shutdown already initiated")
		}
		h.activated = true
	}
	return nil
}

// ShutdownOnContext begins background monitoring of ctx, starting shutdown
// with ctx.Err() if ctx completes before shutdown is otherwise started.
func (h *Helper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.startedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

func (h *Helper) IsScheduledShutdown() bool { return h.scheduled }
func (h *Helper) IsStartedShutdown() bool   { return h.started }
func (h *Helper) IsDoneShutdown() bool      { return h.done }

// ShutdownWG returns the internal WaitGroup; callers may Add()/Done() on it
// to defer completion of shutdown until extra async work finishes.
func (h *Helper) ShutdownWG() *sync.WaitGroup { return &h.wg }

func (h *Helper) ShutdownHandlerDoneChan() <-chan struct{} { return h.handlerDoneChan }
func (h *Helper) ShutdownDoneChan() <-chan struct{}        { return h.doneChan }

// WaitShutdown blocks until shutdown is complete and returns its final
// status. It does not itself initiate shutdown.
func (h *Helper) WaitShutdown() error {
	<-h.doneChan
	return h.err
}

// Shutdown initiates shutdown (if not already) and blocks for completion.
func (h *Helper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// StartShutdown schedules asynchronous shutdown. Idempotent: only the first
// call has an effect.
func (h *Helper) StartShutdown(completionErr error) {
	var runNow bool
	h.Lock.Lock()
	if !h.scheduled {
		h.err = completionErr
		h.scheduled = true
		runNow = h.pauseCount == 0
		h.started = runNow
	}
	h.Lock.Unlock()
	if runNow {
		h.asyncRun()
	}
}

// Close shuts down synchronously with a nil advisory status.
func (h *Helper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChildChan waits for childDoneChan before considering this
// helper's own shutdown complete.
func (h *Helper) AddShutdownChildChan(childDoneChan <-chan struct{}) {
	h.wg.Add(1)
	go func() {
		<-childDoneChan
		h.wg.Done()
	}()
}

// AddShutdownChild actively shuts down child once this helper's own handler
// has finished, and waits for it before considering shutdown complete.
func (h *Helper) AddShutdownChild(child Async) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.handlerDoneChan:
			child.StartShutdown(h.err)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}
