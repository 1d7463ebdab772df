// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package xmlmodel

import (
	"strings"
	"testing"

	"libvirt.org/go/libvirtxml"
)

func TestStashAndPopDisabledDisk(t *testing.T) {
	d := &libvirtxml.Domain{}

	StashDisabledDisk(d, `<disk type='file' device='disk'><target dev='vdb' bus='virtio'/></disk>`)

	targets := DisabledDiskTargets(d)
	if _, ok := targets["vdb"]; !ok {
		t.Fatalf("expected vdb to be stashed, got %v", targets)
	}

	frag, ok := PopDisabledDisk(d, "vdb")
	if !ok {
		t.Fatal("expected PopDisabledDisk to find vdb")
	}
	if frag == "" {
		t.Fatal("expected a non-empty fragment")
	}

	if _, ok := DisabledDiskTargets(d)["vdb"]; ok {
		t.Fatal("expected vdb to be removed after pop")
	}
}

func TestReadVendorMetadata_Empty(t *testing.T) {
	d := &libvirtxml.Domain{}
	vm := ReadVendorMetadata(d)
	if vm.DisabledDisks != nil {
		t.Fatalf("expected nil DisabledDisks on an empty domain, got %+v", vm.DisabledDisks)
	}
}

func TestWriteVendorMetadata_NamespacePrefixFixup(t *testing.T) {
	d := &libvirtxml.Domain{}
	StashDisabledDisk(d, `<disk><target dev='vdc'/></disk>`)

	if d.Metadata == nil {
		t.Fatal("expected metadata to be populated")
	}
	if want := `xmlns:vmanager="`; !strings.Contains(d.Metadata.XML, want) {
		t.Fatalf("expected prefixed namespace declaration, got: %s", d.Metadata.XML)
	}
}
