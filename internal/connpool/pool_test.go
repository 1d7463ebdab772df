// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connpool

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"libvirt.org/go/libvirt"
)

func testPool(t *testing.T, dial Dialer, timeout time.Duration) *Pool {
	t.Helper()
	opts := []Option{WithDialer(dial)}
	if timeout > 0 {
		opts = append(opts, WithOpenTimeout(timeout))
	}
	return New(hclog.NewNullLogger(), opts...)
}

func TestConnect_EmptyURI(t *testing.T) {
	p := testPool(t, func(string) (*libvirt.Connect, error) { return nil, nil }, 0)

	_, err := p.Connect(context.Background(), "")
	if err == nil {
		t.Fatal("expected error for empty uri")
	}
}

func TestConnect_DialFailureIsRecorded(t *testing.T) {
	wantErr := errors.New("boom")
	p := testPool(t, func(string) (*libvirt.Connect, error) { return nil, wantErr }, 0)

	_, err := p.Connect(context.Background(), "qemu:///system")
	if err == nil {
		t.Fatal("expected dial error")
	}
	if p.LastError("qemu:///system") == nil {
		t.Fatal("expected LastError to be recorded")
	}
	if p.IsAlive("qemu:///system") {
		t.Fatal("pool should not report a failed uri as alive")
	}
}

func TestConnect_Timeout(t *testing.T) {
	slow := func(string) (*libvirt.Connect, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	}
	p := testPool(t, slow, 5*time.Millisecond)

	_, err := p.Connect(context.Background(), "qemu:///system")
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestConnect_TimeoutMentionsSSHAgent(t *testing.T) {
	slow := func(string) (*libvirt.Connect, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	}
	p := testPool(t, slow, 5*time.Millisecond)

	_, err := p.Connect(context.Background(), "qemu+ssh://user@host/system")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "ssh-agent") {
		t.Fatalf("expected ssh-agent hint in error, got: %v", err)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	p := testPool(t, func(string) (*libvirt.Connect, error) { return nil, errors.New("no conn") }, 0)

	p.Disconnect("qemu:///system")
	p.Disconnect("qemu:///system")
}

func TestDisconnectAll_NoEntries(t *testing.T) {
	p := testPool(t, func(string) (*libvirt.Connect, error) { return nil, errors.New("no conn") }, 0)
	p.DisconnectAll()
	if len(p.AllURIs()) != 0 {
		t.Fatal("expected no uris after DisconnectAll on an empty pool")
	}
}

func TestAllURIs_TracksFailedAttempts(t *testing.T) {
	p := testPool(t, func(string) (*libvirt.Connect, error) { return nil, errors.New("no conn") }, 0)

	_, _ = p.Connect(context.Background(), "qemu:///system")

	uris := p.AllURIs()
	if len(uris) != 1 || uris[0] != "qemu:///system" {
		t.Fatalf("expected one tracked uri, got %v", uris)
	}
}
