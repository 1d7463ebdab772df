// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package xmlmodel

import (
	"strings"
	"testing"

	"libvirt.org/go/libvirtxml"

	"github.com/hashicorp/vmanager-core/internal/domain"
)

const sampleDomainXML = `
<domain type='kvm'>
  <name>web01</name>
  <uuid>11111111-1111-1111-1111-111111111111</uuid>
  <memory unit='KiB'>2097152</memory>
  <currentMemory unit='KiB'>2097152</currentMemory>
  <vcpu>2</vcpu>
  <os>
    <type arch='x86_64' machine='pc-q35-6.2'>hvm</type>
    <boot dev='hd'/>
  </os>
  <devices>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2'/>
      <source file='/var/lib/libvirt/images/web01.qcow2'/>
      <target dev='vda' bus='virtio'/>
      <boot order='1'/>
    </disk>
    <interface type='network'>
      <mac address='52:54:00:aa:bb:cc'/>
      <source network='default'/>
      <model type='virtio'/>
      <boot order='2'/>
    </interface>
    <graphics type='vnc' port='-1' autoport='yes'/>
  </devices>
</domain>`

func TestParseDomain_RoundTrip(t *testing.T) {
	d, err := ParseDomain(sampleDomainXML)
	if err != nil {
		t.Fatalf("ParseDomain: %v", err)
	}
	if d.Name != "web01" {
		t.Fatalf("expected name web01, got %q", d.Name)
	}

	out, err := SerializeDomain(d)
	if err != nil {
		t.Fatalf("SerializeDomain: %v", err)
	}
	if !strings.Contains(out, "web01") {
		t.Fatalf("expected serialized xml to retain the domain name, got: %s", out)
	}
}

func TestParseDomain_Invalid(t *testing.T) {
	if _, err := ParseDomain("<not-xml"); err == nil {
		t.Fatal("expected parse error for malformed xml")
	}
}

func TestToVMInfo_FieldsAndBootOrder(t *testing.T) {
	d, err := ParseDomain(sampleDomainXML)
	if err != nil {
		t.Fatalf("ParseDomain: %v", err)
	}

	info := ToVMInfo(d, domain.StatusRunning, sampleDomainXML)

	if info.MemoryMiB != 2048 {
		t.Fatalf("expected 2048 MiB, got %d", info.MemoryMiB)
	}
	if len(info.Disks) != 1 || info.Disks[0].Target != "vda" {
		t.Fatalf("expected one disk targeting vda, got %+v", info.Disks)
	}
	if len(info.Networks) != 1 || info.Networks[0].MAC != "52:54:00:aa:bb:cc" {
		t.Fatalf("expected one nic with the sample mac, got %+v", info.Networks)
	}
	wantOrder := []string{"/var/lib/libvirt/images/web01.qcow2", "52:54:00:aa:bb:cc"}
	if len(info.Boot.Order) != 2 || info.Boot.Order[0] != wantOrder[0] || info.Boot.Order[1] != wantOrder[1] {
		t.Fatalf("expected boot order %v, got %v", wantOrder, info.Boot.Order)
	}
	if info.Graphics.Type != domain.GraphicsVNC || !info.Graphics.AutoPort {
		t.Fatalf("expected autoport vnc graphics, got %+v", info.Graphics)
	}
}

func TestDiskIdentity(t *testing.T) {
	d := &libvirtxml.DomainDisk{
		Source: &libvirtxml.DomainDiskSource{
			Volume: &libvirtxml.DomainDiskSourceVolume{Pool: "default", Volume: "disk0.qcow2"},
		},
	}
	if got, want := DiskIdentity(d), "default/disk0.qcow2"; got != want {
		t.Fatalf("DiskIdentity() = %q, want %q", got, want)
	}
}

func TestNewVolumeXML(t *testing.T) {
	out, err := NewVolumeXML("disk1.qcow2", 10*1024*1024*1024, "qcow2")
	if err != nil {
		t.Fatalf("NewVolumeXML: %v", err)
	}
	if !strings.Contains(out, "disk1.qcow2") || !strings.Contains(out, "qcow2") {
		t.Fatalf("expected serialized volume to contain name/format, got: %s", out)
	}
}

func TestNextFreeTarget(t *testing.T) {
	got := NextFreeTarget([]string{"vda", "vdb"}, "virtio")
	if got != "vdc" {
		t.Fatalf("NextFreeTarget() = %q, want vdc", got)
	}
}
