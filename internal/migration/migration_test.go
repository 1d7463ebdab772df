// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package migration

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"libvirt.org/go/libvirtxml"

	"github.com/hashicorp/vmanager-core/internal/connpool"
	"github.com/hashicorp/vmanager-core/internal/vmerrors"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return New(connpool.New(hclog.NewNullLogger()), hclog.NewNullLogger())
}

func TestCheckCompatibility_NoConnection(t *testing.T) {
	e := testEngine(t)
	_, err := e.CheckCompatibility(context.Background(), "qemu:///system", "qemu+ssh://host2/system", "u1", true)
	if !vmerrors.Is(err, vmerrors.ConnectionErr) {
		t.Fatalf("expected a connection error, got %v", err)
	}
}

func TestMigrate_NoConnection(t *testing.T) {
	e := testEngine(t)
	err := e.Migrate(context.Background(), "qemu:///system", "qemu+ssh://host2/system", "u1", false, Flags{})
	if !vmerrors.Is(err, vmerrors.ConnectionErr) {
		t.Fatalf("expected a connection error, got %v", err)
	}
}

func TestCheckLiveOnlyBlockers_SATADisk(t *testing.T) {
	d := &libvirtxml.Domain{
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{Target: &libvirtxml.DomainDiskTarget{Dev: "sda", Bus: "sata"}},
			},
		},
	}
	issues := checkLiveOnlyBlockers(d)
	if len(issues) != 1 || issues[0].Severity != SeverityError {
		t.Fatalf("expected one ERROR issue for sata disk, got %+v", issues)
	}
}

func TestCheckLiveOnlyBlockers_Hostdev(t *testing.T) {
	d := &libvirtxml.Domain{
		Devices: &libvirtxml.DomainDeviceList{
			Hostdevs: []libvirtxml.DomainHostdev{{}},
		},
	}
	issues := checkLiveOnlyBlockers(d)
	found := false
	for _, i := range issues {
		if i.Severity == SeverityError {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an ERROR issue for hostdev presence, got %+v", issues)
	}
}

func TestCheckLiveOnlyBlockers_Clean(t *testing.T) {
	d := &libvirtxml.Domain{Devices: &libvirtxml.DomainDeviceList{}}
	if issues := checkLiveOnlyBlockers(d); len(issues) != 0 {
		t.Fatalf("expected no issues for a clean domain, got %+v", issues)
	}
}
