// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package storage

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/vmanager-core/internal/connpool"
	"github.com/hashicorp/vmanager-core/internal/events"
	"github.com/hashicorp/vmanager-core/internal/vmerrors"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	pool := connpool.New(hclog.NewNullLogger())
	bus := events.NewBus(4)
	return New(pool, bus, hclog.NewNullLogger())
}

// Every call fails fast with a Connection error when the pool has no
// cached handle for the URI, since none of these tests can dial a real
// hypervisor.
func TestListPools_NoConnection(t *testing.T) {
	e := testEngine(t)
	_, err := e.ListPools(context.Background(), "qemu:///system")
	if !vmerrors.Is(err, vmerrors.ConnectionErr) {
		t.Fatalf("expected a connection error, got %v", err)
	}
}

func TestCreatePool_NoConnection(t *testing.T) {
	e := testEngine(t)
	err := e.CreatePool(context.Background(), "qemu:///system", "pool1", "/data/pool1")
	if !vmerrors.Is(err, vmerrors.ConnectionErr) {
		t.Fatalf("expected a connection error, got %v", err)
	}
}

func TestDeleteVolume_NoConnection(t *testing.T) {
	e := testEngine(t)
	err := e.DeleteVolume(context.Background(), "qemu:///system", "pool1", "vol1")
	if !vmerrors.Is(err, vmerrors.ConnectionErr) {
		t.Fatalf("expected a connection error, got %v", err)
	}
}

func TestMoveVolume_NoConnection(t *testing.T) {
	e := testEngine(t)
	_, err := e.MoveVolume(context.Background(), "qemu:///system", "pool1", "pool2", "vol1", "", nil, nil)
	if !vmerrors.Is(err, vmerrors.ConnectionErr) {
		t.Fatalf("expected a connection error, got %v", err)
	}
}

func TestCheckTempDirFreeSpace_EnoughRoomPasses(t *testing.T) {
	if err := checkTempDirFreeSpace(1); err != nil {
		t.Fatalf("unexpected error for a 1-byte requirement: %v", err)
	}
}

func TestCheckTempDirFreeSpace_InsufficientRoomFails(t *testing.T) {
	// No real filesystem has an exabyte free; this exercises the refusal
	// path without depending on the test host's actual disk layout.
	err := checkTempDirFreeSpace(1 << 60)
	if !vmerrors.Is(err, vmerrors.Precondition) {
		t.Fatalf("expected a precondition error, got %v", err)
	}
}
