// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package action

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"libvirt.org/go/libvirtxml"

	"github.com/hashicorp/vmanager-core/internal/cache"
	"github.com/hashicorp/vmanager-core/internal/connpool"
	"github.com/hashicorp/vmanager-core/internal/domain"
	"github.com/hashicorp/vmanager-core/internal/events"
	"github.com/hashicorp/vmanager-core/internal/vmerrors"
)

func testService(t *testing.T) *Service {
	t.Helper()
	pool := connpool.New(hclog.NewNullLogger())
	c := cache.New(
		func(ctx context.Context, uri, uuid string) (cache.DomainInfo, error) {
			return cache.DomainInfo{Status: domain.StatusRunning}, nil
		},
		func(ctx context.Context, uri, uuid string) (string, error) {
			return "<domain/>", nil
		},
	)
	bus := events.NewBus(4)
	return New(pool, c, bus, hclog.NewNullLogger())
}

// Every mutating call fails fast with a Connection error when the pool
// has no cached handle for the URI, since none of these tests can dial a
// real hypervisor.
func TestStart_NoConnection(t *testing.T) {
	s := testService(t)
	err := s.Start(context.Background(), "qemu:///system", "11111111-1111-1111-1111-111111111111")
	if !vmerrors.Is(err, vmerrors.ConnectionErr) {
		t.Fatalf("expected a connection error, got %v", err)
	}
}

func TestDelete_NoConnection(t *testing.T) {
	s := testService(t)
	err := s.Delete(context.Background(), "qemu:///system", "u1", true, false)
	if !vmerrors.Is(err, vmerrors.ConnectionErr) {
		t.Fatalf("expected a connection error, got %v", err)
	}
}

func TestAddDisk_NoConnection(t *testing.T) {
	s := testService(t)
	err := s.AddDisk(context.Background(), "qemu:///system", "u1", "/data/disk.qcow2", "disk", "virtio", false, 10, "qcow2")
	if !vmerrors.Is(err, vmerrors.ConnectionErr) {
		t.Fatalf("expected a connection error, got %v", err)
	}
}

func TestSetVcpu_NoConnection(t *testing.T) {
	s := testService(t)
	err := s.SetVcpu(context.Background(), "qemu:///system", "u1", 4)
	if !vmerrors.Is(err, vmerrors.ConnectionErr) {
		t.Fatalf("expected a connection error, got %v", err)
	}
}

func TestCloneVM_NoConnection(t *testing.T) {
	s := testService(t)
	_, err := s.CloneVM(context.Background(), "qemu:///system", "u1", "clone1")
	if !vmerrors.Is(err, vmerrors.ConnectionErr) {
		t.Fatalf("expected a connection error, got %v", err)
	}
}

// Shutdown/ForceOff/Pause fail fast on the connection check before ever
// reaching the isActive precondition, same as every other mutating call.
func TestShutdown_NoConnection(t *testing.T) {
	s := testService(t)
	err := s.Shutdown(context.Background(), "qemu:///system", "u1")
	if !vmerrors.Is(err, vmerrors.ConnectionErr) {
		t.Fatalf("expected a connection error, got %v", err)
	}
}

func TestForceOff_NoConnection(t *testing.T) {
	s := testService(t)
	err := s.ForceOff(context.Background(), "qemu:///system", "u1")
	if !vmerrors.Is(err, vmerrors.ConnectionErr) {
		t.Fatalf("expected a connection error, got %v", err)
	}
}

func TestPause_NoConnection(t *testing.T) {
	s := testService(t)
	err := s.Pause(context.Background(), "qemu:///system", "u1")
	if !vmerrors.Is(err, vmerrors.ConnectionErr) {
		t.Fatalf("expected a connection error, got %v", err)
	}
}

func TestSetMachineType_NoConnection(t *testing.T) {
	s := testService(t)
	err := s.SetMachineType(context.Background(), "qemu:///system", "u1", "pc-q35-8.0")
	if !vmerrors.Is(err, vmerrors.ConnectionErr) {
		t.Fatalf("expected a connection error, got %v", err)
	}
}

func TestI440fxToQ35(t *testing.T) {
	cases := []struct {
		cur, next string
		want      bool
	}{
		{"pc-i440fx-8.0", "pc-q35-8.0", true},
		{"pc-i440fx-8.0", "pc-i440fx-8.2", false},
		{"pc-q35-8.0", "pc-q35-8.2", false},
		{"pc-q35-8.0", "pc-i440fx-8.0", false},
	}
	for _, tc := range cases {
		if got := i440fxToQ35(tc.cur, tc.next); got != tc.want {
			t.Errorf("i440fxToQ35(%q, %q) = %v, want %v", tc.cur, tc.next, got, tc.want)
		}
	}
}

func TestResolveDiskIdentifier(t *testing.T) {
	d := &libvirtxml.Domain{
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Target: &libvirtxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"},
					Source: &libvirtxml.DomainDiskSource{File: &libvirtxml.DomainDiskSourceFile{File: "/data/a.qcow2"}},
				},
			},
		},
	}

	if got := resolveDiskIdentifier(d, "vda"); got != "vda" {
		t.Fatalf("resolveDiskIdentifier(by target) = %q, want vda", got)
	}
	if got := resolveDiskIdentifier(d, "/data/a.qcow2"); got != "vda" {
		t.Fatalf("resolveDiskIdentifier(by path) = %q, want vda", got)
	}
	if got := resolveDiskIdentifier(d, "missing"); got != "" {
		t.Fatalf("resolveDiskIdentifier(missing) = %q, want empty", got)
	}
}

func TestTargetOf(t *testing.T) {
	withTarget := libvirtxml.DomainDisk{Target: &libvirtxml.DomainDiskTarget{Dev: "vdb"}}
	if got := targetOf(withTarget); got != "vdb" {
		t.Fatalf("targetOf() = %q, want vdb", got)
	}
	if got := targetOf(libvirtxml.DomainDisk{}); got != "" {
		t.Fatalf("targetOf() = %q, want empty", got)
	}
}

func TestYesNo(t *testing.T) {
	if yesNo(true) != "yes" || yesNo(false) != "no" {
		t.Fatal("yesNo() did not map true/false to yes/no")
	}
}

func TestCheckForOtherSpiceDevices_QXLFlagged(t *testing.T) {
	d := &libvirtxml.Domain{
		Devices: &libvirtxml.DomainDeviceList{
			Videos: []libvirtxml.DomainVideo{{Model: libvirtxml.DomainVideoModel{Type: "qxl"}}},
		},
	}
	if issues := CheckForOtherSpiceDevices(d); len(issues) != 1 {
		t.Fatalf("expected one issue for qxl video, got %v", issues)
	}
}

func TestCheckForOtherSpiceDevices_NoneForVirtio(t *testing.T) {
	d := &libvirtxml.Domain{
		Devices: &libvirtxml.DomainDeviceList{
			Videos: []libvirtxml.DomainVideo{{Model: libvirtxml.DomainVideoModel{Type: "virtio"}}},
		},
	}
	if issues := CheckForOtherSpiceDevices(d); len(issues) != 0 {
		t.Fatalf("expected no issues for virtio video, got %v", issues)
	}
}

func TestRemoveSpiceDevices_FallsBackToVirtioAndAddsVNC(t *testing.T) {
	d := &libvirtxml.Domain{
		Devices: &libvirtxml.DomainDeviceList{
			Videos:   []libvirtxml.DomainVideo{{Model: libvirtxml.DomainVideoModel{Type: "qxl"}}},
			Graphics: []libvirtxml.DomainGraphic{{Spice: &libvirtxml.DomainGraphicSpice{}}},
		},
	}
	RemoveSpiceDevices(d)

	if d.Devices.Videos[0].Model.Type != "virtio" {
		t.Fatalf("expected qxl video to fall back to virtio, got %q", d.Devices.Videos[0].Model.Type)
	}
	if len(d.Devices.Graphics) != 1 || d.Devices.Graphics[0].VNC == nil {
		t.Fatalf("expected a default vnc graphics device to be added, got %+v", d.Devices.Graphics)
	}
}

func TestMustReparse_InvalidFallsBackToEmptyDomain(t *testing.T) {
	d := mustReparse("<not-xml")
	if d == nil || d.Name != "" {
		t.Fatalf("expected an empty domain fallback, got %+v", d)
	}
}
