// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package snapshot

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/vmanager-core/internal/cache"
	"github.com/hashicorp/vmanager-core/internal/connpool"
	"github.com/hashicorp/vmanager-core/internal/events"
)

func testService(t *testing.T) *Service {
	t.Helper()
	pool := connpool.New(hclog.NewNullLogger())
	bus := events.NewBus(4)
	c := cache.New(
		func(ctx context.Context, uri, uuid string) (cache.DomainInfo, error) { return cache.DomainInfo{}, nil },
		func(ctx context.Context, uri, uuid string) (string, error) { return "", nil },
	)
	return New(pool, c, bus, hclog.NewNullLogger())
}

func TestListSnapshots_NoConnectionErrors(t *testing.T) {
	s := testService(t)
	if _, err := s.ListSnapshots(context.Background(), "qemu:///system", "u1"); err == nil {
		t.Fatal("expected an error with no live connection")
	}
}

func TestCreateSnapshot_NoConnectionErrors(t *testing.T) {
	s := testService(t)
	if err := s.CreateSnapshot(context.Background(), "qemu:///system", "u1", "snap1", "before upgrade", false); err == nil {
		t.Fatal("expected an error with no live connection")
	}
}

func TestDeleteSnapshot_NoConnectionErrors(t *testing.T) {
	s := testService(t)
	if err := s.DeleteSnapshot(context.Background(), "qemu:///system", "u1", "snap1"); err == nil {
		t.Fatal("expected an error with no live connection")
	}
}

func TestRevertSnapshot_NoConnectionErrors(t *testing.T) {
	s := testService(t)
	if err := s.RevertSnapshot(context.Background(), "qemu:///system", "u1", "snap1"); err == nil {
		t.Fatal("expected an error with no live connection")
	}
}

func TestParseCreationTime_ValidAndInvalid(t *testing.T) {
	if got := parseCreationTime("1700000000"); got != 1700000000 {
		t.Fatalf("expected 1700000000, got %d", got)
	}
	if got := parseCreationTime("not-a-number"); got != 0 {
		t.Fatalf("expected 0 for unparseable input, got %d", got)
	}
}
