// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package bulk

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/vmanager-core/internal/action"
	"github.com/hashicorp/vmanager-core/internal/connpool"
	"github.com/hashicorp/vmanager-core/internal/events"
	"github.com/hashicorp/vmanager-core/internal/query"
	"github.com/hashicorp/vmanager-core/internal/worker"
)

func testOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	pool := connpool.New(hclog.NewNullLogger())
	q := query.New(pool, hclog.NewNullLogger())
	bus := events.NewBus(4)
	a := action.New(pool, q.Cache(), bus, hclog.NewNullLogger())
	w := worker.New(hclog.NewNullLogger())
	return New(q, a, w, hclog.NewNullLogger())
}

// No live connection exists for any candidate URI, so every UUID is
// unresolvable; the batch still runs to completion and reports every
// VM as a failure instead of aborting.
func TestPerformBulkAction_AllUnresolvedAreFailuresNotAborts(t *testing.T) {
	o := testOrchestrator(t)

	var seen []ProgressEvent
	cb := func(e ProgressEvent) { seen = append(seen, e) }

	result := o.PerformBulkAction(context.Background(), []string{"qemu:///system"}, []string{"uuid-a", "uuid-b", "uuid-c"}, ActionStop, false, cb)

	if len(result.Successes) != 0 {
		t.Fatalf("expected no successes, got %v", result.Successes)
	}
	if len(result.Failures) != 3 {
		t.Fatalf("expected 3 failures, got %v", result.Failures)
	}

	var errCount, setupCount int
	for _, e := range seen {
		switch e.Phase {
		case PhaseLogError:
			errCount++
		case PhaseSetup:
			setupCount++
			if e.Total != 3 {
				t.Fatalf("expected setup total 3, got %d", e.Total)
			}
		}
	}
	if errCount != 3 {
		t.Fatalf("expected 3 log_error events, got %d", errCount)
	}
	if setupCount != 1 {
		t.Fatalf("expected exactly one setup event, got %d", setupCount)
	}
}

func TestPerformBulkAction_EmptyBatch(t *testing.T) {
	o := testOrchestrator(t)
	result := o.PerformBulkAction(context.Background(), nil, nil, ActionStart, false, nil)
	if len(result.Successes) != 0 || len(result.Failures) != 0 {
		t.Fatalf("expected empty result, got %+v", result)
	}
}

// Start runs the batch off the caller's goroutine via the worker
// registry and reports a failure outcome once every VM in the batch
// could not be resolved.
func TestStart_RunsOffCallerGoroutine(t *testing.T) {
	o := testOrchestrator(t)
	h, started := o.Start(context.Background(), "bulk_stop", []string{"qemu:///system"}, []string{"uuid-a"}, ActionStop, false, nil)
	if !started {
		t.Fatal("expected bulk job to start")
	}
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bulk job did not finish in time")
	}
	if h.State() != worker.StateFailed {
		t.Fatalf("expected StateFailed since every VM was unresolvable, got %v", h.State())
	}
}

func TestStart_ExclusiveSkipsConcurrentSameName(t *testing.T) {
	o := testOrchestrator(t)
	release := make(chan struct{})
	started := make(chan struct{})

	o.workers.Run(context.Background(), "bulk_stop", true, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	_, ok := o.Start(context.Background(), "bulk_stop", nil, nil, ActionStop, false, nil)
	if ok {
		t.Fatal("expected second bulk run under the same name to be skipped while the first is in flight")
	}
	close(release)
}
