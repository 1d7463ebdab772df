// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
)

func testRegistry() *Registry {
	return New(hclog.NewNullLogger())
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not finish in time")
	}
}

func TestRun_Success(t *testing.T) {
	r := testRegistry()
	h, started := r.Run(context.Background(), "job1", false, func(ctx context.Context) error {
		return nil
	})
	if !started {
		t.Fatal("expected worker to start")
	}
	waitDone(t, h)
	if h.State() != StateDone {
		t.Fatalf("expected StateDone, got %v", h.State())
	}
	if h.Err() != nil {
		t.Fatalf("expected nil error, got %v", h.Err())
	}
}

func TestRun_Failure(t *testing.T) {
	r := testRegistry()
	boom := errors.New("boom")
	h, _ := r.Run(context.Background(), "job1", false, func(ctx context.Context) error {
		return boom
	})
	waitDone(t, h)
	if h.State() != StateFailed {
		t.Fatalf("expected StateFailed, got %v", h.State())
	}
	if h.Err() != boom {
		t.Fatalf("expected boom error, got %v", h.Err())
	}
}

func TestRun_ExclusiveSkipsWhileRunning(t *testing.T) {
	r := testRegistry()
	started1 := make(chan struct{})
	release := make(chan struct{})
	h1, ok1 := r.Run(context.Background(), "excl", true, func(ctx context.Context) error {
		close(started1)
		<-release
		return nil
	})
	if !ok1 {
		t.Fatal("expected first run to start")
	}
	<-started1

	h2, ok2 := r.Run(context.Background(), "excl", true, func(ctx context.Context) error {
		return nil
	})
	if ok2 {
		t.Fatal("expected second exclusive run to be skipped while first is running")
	}
	if h2 != h1 {
		t.Fatal("expected skipped run to return the existing handle")
	}

	close(release)
	waitDone(t, h1)
}

func TestRun_ExclusiveAllowsAfterPriorFinished(t *testing.T) {
	r := testRegistry()
	h1, _ := r.Run(context.Background(), "excl", true, func(ctx context.Context) error {
		return nil
	})
	waitDone(t, h1)

	h2, ok2 := r.Run(context.Background(), "excl", true, func(ctx context.Context) error {
		return nil
	})
	if !ok2 {
		t.Fatal("expected new exclusive run to start once prior worker finished")
	}
	waitDone(t, h2)
}

func TestCancel_MarksCancelled(t *testing.T) {
	r := testRegistry()
	h, _ := r.Run(context.Background(), "cancelme", false, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	r.Cancel("cancelme")
	waitDone(t, h)
	if h.State() != StateCancelled {
		t.Fatalf("expected StateCancelled, got %v", h.State())
	}
}

func TestCancelAll_CancelsEveryWorker(t *testing.T) {
	r := testRegistry()
	h1, _ := r.Run(context.Background(), "a", false, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	h2, _ := r.Run(context.Background(), "b", false, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	r.CancelAll()
	waitDone(t, h1)
	waitDone(t, h2)
	if h1.State() != StateCancelled || h2.State() != StateCancelled {
		t.Fatalf("expected both cancelled, got %v and %v", h1.State(), h2.State())
	}
}

func TestForget_RemovesOnlyFinished(t *testing.T) {
	r := testRegistry()
	running := make(chan struct{})
	h, _ := r.Run(context.Background(), "keep", false, func(ctx context.Context) error {
		<-running
		return nil
	})
	r.Forget("keep")
	if _, ok := r.Get("keep"); !ok {
		t.Fatal("expected running worker to stay registered")
	}
	close(running)
	waitDone(t, h)
	r.Forget("keep")
	if _, ok := r.Get("keep"); ok {
		t.Fatal("expected finished worker to be forgotten")
	}
}
