// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package bulk implements the bulk orchestrator (component C9): running
// a single action across many VMs, resolving each by UUID across the
// set of active connections, and reporting progress through a callback.
// PerformBulkAction blocks until the whole batch completes; Start runs
// the batch off the caller's goroutine under the worker registry.
package bulk

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/vmanager-core/internal/action"
	"github.com/hashicorp/vmanager-core/internal/query"
	"github.com/hashicorp/vmanager-core/internal/worker"
)

// Action identifies the operation PerformBulkAction applies to every VM
// in the batch.
type Action string

const (
	ActionStart    Action = "start"
	ActionStop     Action = "stop"
	ActionForceOff Action = "forceOff"
	ActionPause    Action = "pause"
	ActionDelete   Action = "delete"
)

// Phase labels the stage a ProgressFunc call describes, mirroring the
// teacher's string-tagged progress callback.
type Phase string

const (
	PhaseSetup    Phase = "setup"
	PhaseProgress Phase = "progress"
	PhaseLog      Phase = "log"
	PhaseLogError Phase = "log_error"
)

// ProgressEvent is one update delivered to a ProgressFunc during a bulk
// run.
type ProgressEvent struct {
	Phase   Phase
	Name    string
	Current int
	Total   int
	Message string
}

// ProgressFunc receives bulk-run progress; it must return promptly, it
// is called synchronously from the goroutine driving the batch (the
// caller's for PerformBulkAction, the worker's for Start).
type ProgressFunc func(ProgressEvent)

// Result is the outcome of one bulk run: the VM UUIDs (or best-effort
// names) that succeeded and that failed, in no particular order beyond
// the sequence in which they were processed.
type Result struct {
	Successes []string
	Failures  []string
}

// Orchestrator runs PerformBulkAction jobs, using a worker.Registry so
// the whole batch runs off the caller's own goroutine.
type Orchestrator struct {
	query   *query.Service
	actions *action.Service
	workers *worker.Registry
	logger  hclog.Logger
}

// New constructs an Orchestrator.
func New(q *query.Service, a *action.Service, workers *worker.Registry, logger hclog.Logger) *Orchestrator {
	return &Orchestrator{
		query:   q,
		actions: a,
		workers: workers,
		logger:  logger.Named("bulk"),
	}
}

// resolveURI finds which of the candidate URIs currently hosts vmUUID,
// trying each connection in turn the way the teacher's domain cache
// scans every active URI for a UUID it doesn't already know about.
func (o *Orchestrator) resolveURI(ctx context.Context, uris []string, vmUUID string) (uri, name string, err error) {
	var lastErr error
	for _, u := range uris {
		vm, getErr := o.query.GetVM(ctx, u, vmUUID)
		if getErr != nil {
			lastErr = getErr
			continue
		}
		return u, vm.Name, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("VM with UUID %s not found on any active server", vmUUID)
	}
	return "", "", lastErr
}

func (o *Orchestrator) apply(ctx context.Context, act Action, uri, uuid string, deleteStorage bool) error {
	switch act {
	case ActionStart:
		return o.actions.Start(ctx, uri, uuid)
	case ActionStop:
		return o.actions.Shutdown(ctx, uri, uuid)
	case ActionForceOff:
		return o.actions.ForceOff(ctx, uri, uuid)
	case ActionPause:
		return o.actions.Pause(ctx, uri, uuid)
	case ActionDelete:
		return o.actions.Delete(ctx, uri, uuid, deleteStorage, false)
	default:
		return fmt.Errorf("unknown bulk action type: %s", act)
	}
}

// run is the synchronous body of a bulk job: resolve each UUID in turn,
// apply the action, and record success or failure. It never aborts
// early on a per-VM error — a bad VM only ever contributes to failures.
func (o *Orchestrator) run(ctx context.Context, uris []string, vmUUIDs []string, act Action, deleteStorage bool, progressCb ProgressFunc) Result {
	total := len(vmUUIDs)
	if progressCb != nil {
		progressCb(ProgressEvent{Phase: PhaseSetup, Total: total})
		progressCb(ProgressEvent{Phase: PhaseLog, Message: fmt.Sprintf("Starting bulk '%s' on %d VMs...", act, total)})
	}

	var result Result

	for i, vmUUID := range vmUUIDs {
		if ctx.Err() != nil {
			if progressCb != nil {
				progressCb(ProgressEvent{Phase: PhaseLogError, Message: fmt.Sprintf("bulk '%s' cancelled before VM %s", act, vmUUID)})
			}
			result.Failures = append(result.Failures, vmUUID)
			continue
		}

		uri, name, err := o.resolveURI(ctx, uris, vmUUID)
		if err != nil {
			msg := fmt.Sprintf("VM with UUID %s not found on any active server.", vmUUID)
			if progressCb != nil {
				progressCb(ProgressEvent{Phase: PhaseProgress, Name: "Unknown VM", Current: i + 1, Total: total})
				progressCb(ProgressEvent{Phase: PhaseLogError, Message: msg})
			}
			result.Failures = append(result.Failures, vmUUID)
			continue
		}

		if progressCb != nil {
			progressCb(ProgressEvent{Phase: PhaseProgress, Name: name, Current: i + 1, Total: total})
		}

		if err := o.apply(ctx, act, uri, vmUUID, deleteStorage); err != nil {
			msg := fmt.Sprintf("Error performing '%s' on VM '%s': %v", act, name, err)
			if progressCb != nil {
				progressCb(ProgressEvent{Phase: PhaseLogError, Message: msg})
			}
			result.Failures = append(result.Failures, name)
			continue
		}

		if progressCb != nil {
			progressCb(ProgressEvent{Phase: PhaseLog, Message: fmt.Sprintf("Performed '%s' on VM '%s'.", act, name)})
		}
		result.Successes = append(result.Successes, name)
	}

	return result
}

// PerformBulkAction runs act against every VM in vmUUIDs, resolving
// each against uris, and blocks until the whole batch completes. For a
// fire-and-forget variant that runs off the caller's own goroutine, use
// Start.
func (o *Orchestrator) PerformBulkAction(ctx context.Context, uris []string, vmUUIDs []string, act Action, deleteStorage bool, progressCb ProgressFunc) Result {
	return o.run(ctx, uris, vmUUIDs, act, deleteStorage, progressCb)
}

// Start launches a bulk job under the worker registry, named so a
// second bulk request against the same action is observable as already
// running rather than silently queued behind it. Per-VM outcomes reach
// the caller only through progressCb; the returned Handle ends failed
// (or cancelled, if ctx was cancelled) with an error counting the
// failures when any VM failed, and done otherwise. The bool is false
// when a job of that name was already running and its Handle is
// returned instead.
func (o *Orchestrator) Start(ctx context.Context, name string, uris []string, vmUUIDs []string, act Action, deleteStorage bool, progressCb ProgressFunc) (*worker.Handle, bool) {
	return o.workers.Run(ctx, name, true, func(runCtx context.Context) error {
		result := o.run(runCtx, uris, vmUUIDs, act, deleteStorage, progressCb)
		if len(result.Failures) > 0 {
			return fmt.Errorf("bulk '%s' finished with %d failure(s) out of %d", act, len(result.Failures), len(vmUUIDs))
		}
		return nil
	})
}
