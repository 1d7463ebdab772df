// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package vmcore

import (
	"errors"
	"testing"

	"github.com/hashicorp/go-hclog"
	"libvirt.org/go/libvirt"

	"github.com/hashicorp/vmanager-core/internal/config"
)

func fakeDialer(err error) func(string) (*libvirt.Connect, error) {
	return func(uri string) (*libvirt.Connect, error) {
		return nil, err
	}
}

func TestNew_WiresEveryComponent(t *testing.T) {
	core, err := New(config.Default(), hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if core.Pool == nil || core.Query == nil || core.Actions == nil || core.Stats == nil ||
		core.Storage == nil || core.Migrate == nil || core.Bulk == nil || core.Console == nil ||
		core.Workers == nil || core.Networks == nil || core.Snapshots == nil || core.Events == nil {
		t.Fatal("expected every component field to be non-nil after New")
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.VMsPerPage = 0
	if _, err := New(cfg, hclog.NewNullLogger()); err == nil {
		t.Fatal("expected an error for an invalid config")
	}
}

func TestNew_AutoconnectLogsRatherThanFails(t *testing.T) {
	cfg := config.Default()
	cfg.AutoconnectOnStartup = true
	cfg.Servers = []config.Server{{Name: "unreachable", URI: "qemu+tcp://nowhere/system"}}

	core, err := New(cfg, hclog.NewNullLogger(), WithDialer(fakeDialer(errors.New("connection refused"))))
	if err != nil {
		t.Fatalf("expected autoconnect failures to not fail New, got %v", err)
	}
	if core.Pool.IsAlive("qemu+tcp://nowhere/system") {
		t.Fatal("expected the unreachable server to not be alive")
	}
}

func TestClose_TerminatesEverythingWithoutPanicking(t *testing.T) {
	core, err := New(config.Default(), hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	core.Close()
}
