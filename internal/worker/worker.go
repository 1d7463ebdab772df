// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package worker implements the worker registry (component C11): a
// locked name->handle map of cooperatively-cancellable goroutines, used
// to run hypervisor calls, bulk jobs, stat polls and console processes
// off the caller's own goroutine.
package worker

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// State is a worker's lifecycle state.
type State string

const (
	StateRunning   State = "running"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Handle is the observable record of one running or finished worker.
type Handle struct {
	Name string

	mu    sync.RWMutex
	state State
	err   error

	cancel context.CancelFunc
	done   chan struct{}
}

// State returns the handle's current lifecycle state.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Err returns the error the worker's callable returned, if it failed.
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// Done returns a channel closed once the worker reaches a terminal
// state, for callers that want to block on completion.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) finish(state State, err error) {
	h.mu.Lock()
	h.state = state
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Callable is the unit of work a Registry runs. It must return promptly
// after ctx is cancelled.
type Callable func(ctx context.Context) error

// Registry is the locked name->handle map named by spec as the worker
// registry. The zero value is not usable; construct with New.
type Registry struct {
	logger hclog.Logger

	mu      sync.Mutex
	workers map[string]*Handle
}

// New constructs an empty Registry.
func New(logger hclog.Logger) *Registry {
	return &Registry{
		logger:  logger.Named("worker"),
		workers: make(map[string]*Handle),
	}
}

// Run starts fn under name. If exclusive is true and a worker of the
// same name is still running, Run skips starting a new one and returns
// the existing Handle with started=false, letting the caller detect the skip
// the same way the spec's per-(action,uuid) exclusivity check does.
func (r *Registry) Run(ctx context.Context, name string, exclusive bool, fn Callable) (h *Handle, started bool) {
	r.mu.Lock()
	if exclusive {
		if existing, ok := r.workers[name]; ok && existing.State() == StateRunning {
			r.mu.Unlock()
			return existing, false
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := &Handle{
		Name:   name,
		state:  StateRunning,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.workers[name] = handle
	r.mu.Unlock()

	go func() {
		err := fn(runCtx)
		switch {
		case runCtx.Err() != nil && err != nil:
			handle.finish(StateCancelled, err)
		case err != nil:
			handle.finish(StateFailed, err)
		default:
			handle.finish(StateDone, nil)
		}
		cancel()
	}()

	return handle, true
}

// Cancel requests cooperative cancellation of the worker registered
// under name, if one is still running. It does not block on the
// worker actually exiting.
func (r *Registry) Cancel(name string) {
	r.mu.Lock()
	h, ok := r.workers[name]
	r.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
}

// CancelAll requests cooperative cancellation of every worker currently
// tracked by the registry, used on shutdown after web console sessions
// have already been terminated.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.workers))
	for _, h := range r.workers {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
}

// Get returns the handle registered under name, if any.
func (r *Registry) Get(name string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.workers[name]
	return h, ok
}

// Forget drops a finished worker's handle from the registry, so a long-
// lived process doesn't accumulate terminal handles forever.
func (r *Registry) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.workers[name]; ok && h.State() != StateRunning {
		delete(r.workers, name)
	}
}
