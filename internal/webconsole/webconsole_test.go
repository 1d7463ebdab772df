// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package webconsole

import (
	"context"
	"net/url"
	"testing"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/vmanager-core/internal/config"
	"github.com/hashicorp/vmanager-core/internal/connpool"
	"github.com/hashicorp/vmanager-core/internal/query"
	"github.com/hashicorp/vmanager-core/internal/worker"
)

func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	cfg := config.Default()
	pool := connpool.New(hclog.NewNullLogger())
	q := query.New(pool, hclog.NewNullLogger())
	w := worker.New(hclog.NewNullLogger())
	return New(cfg, q, w, hclog.NewNullLogger())
}

func TestIsRunning_FalseInitially(t *testing.T) {
	s := testSupervisor(t)
	if _, ok := s.IsRunning("nope"); ok {
		t.Fatal("expected no session before any Start call")
	}
}

func TestStop_NoSessionIsNoop(t *testing.T) {
	s := testSupervisor(t)
	s.Stop("nonexistent")
}

func TestTerminateAll_EmptyIsNoop(t *testing.T) {
	s := testSupervisor(t)
	s.TerminateAll()
}

func TestSshUserHost_WithUser(t *testing.T) {
	u, _ := url.Parse("qemu+ssh://alice@remote-host/system")
	if got := sshUserHost(u); got != "alice@remote-host" {
		t.Fatalf("expected alice@remote-host, got %q", got)
	}
}

func TestSshUserHost_NoUser(t *testing.T) {
	u, _ := url.Parse("qemu+ssh://remote-host/system")
	if got := sshUserHost(u); got != "remote-host" {
		t.Fatalf("expected remote-host, got %q", got)
	}
}

func TestHttpScheme(t *testing.T) {
	if httpScheme("wss") != "https" {
		t.Fatal("expected wss to map to https")
	}
	if httpScheme("ws") != "http" {
		t.Fatal("expected ws to map to http")
	}
}

func TestFreePort_FindsPortInRange(t *testing.T) {
	port, err := freePort(41000, 41050)
	if err != nil {
		t.Fatalf("expected a free port, got error: %v", err)
	}
	if port < 41000 || port > 41050 {
		t.Fatalf("port %d out of requested range", port)
	}
}

func TestFreePort_ExhaustedRangeErrors(t *testing.T) {
	// A lone-port range is first shown to be usable; the inverted range
	// (start above end) then holds no ports, leaving freePort nothing to
	// hand out.
	port, err := freePort(41100, 41100)
	if err != nil {
		t.Fatalf("expected the lone port to be free, got error: %v", err)
	}
	if _, err := freePort(port, port-1); err == nil {
		t.Fatal("expected an inverted range to error")
	}
}

func TestSafeBuffer_ConcurrentWriteAndRead(t *testing.T) {
	b := &safeBuffer{}
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Write([]byte("x"))
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		_ = b.String()
	}
	<-done
}

// Start fails fast (rather than hanging) when the VM can't be resolved
// on any connection, since there is no live libvirt connection in this
// test environment.
func TestStart_NoConnectionFails(t *testing.T) {
	s := testSupervisor(t)
	_, err := s.Start(context.Background(), "qemu:///system", "u1")
	if err == nil {
		t.Fatal("expected an error when no connection is available")
	}
}
