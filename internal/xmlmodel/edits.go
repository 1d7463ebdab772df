// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package xmlmodel

import (
	"libvirt.org/go/libvirtxml"

	"github.com/hashicorp/vmanager-core/internal/vmerrors"
)

// FindDiskByTarget returns the index of the live disk whose target device
// name matches target, or -1 if none matches.
func FindDiskByTarget(d *libvirtxml.Domain, target string) int {
	if d.Devices == nil {
		return -1
	}
	for i, disk := range d.Devices.Disks {
		if disk.Target != nil && disk.Target.Dev == target {
			return i
		}
	}
	return -1
}

// FindNICByMAC returns the index of the interface whose MAC address
// matches mac, or -1 if none matches.
func FindNICByMAC(d *libvirtxml.Domain, mac string) int {
	if d.Devices == nil {
		return -1
	}
	for i, iface := range d.Devices.Interfaces {
		if iface.MAC != nil && iface.MAC.Address == mac {
			return i
		}
	}
	return -1
}

// AddFileDisk appends a file-backed disk to the domain's device list at
// the target and bus the caller supplies (typically resolved via
// NextFreeTarget); it does not pick a target itself, and fails with
// Conflict if target is already in use.
func AddFileDisk(d *libvirtxml.Domain, path, target, bus, driverType string) error {
	if d.Devices == nil {
		d.Devices = &libvirtxml.DomainDeviceList{}
	}
	if FindDiskByTarget(d, target) >= 0 {
		return vmerrors.Conflictf("xmlmodel: target %q already in use", target)
	}
	d.Devices.Disks = append(d.Devices.Disks, libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: driverType},
		Source: &libvirtxml.DomainDiskSource{File: &libvirtxml.DomainDiskSourceFile{File: path}},
		Target: &libvirtxml.DomainDiskTarget{Dev: target, Bus: bus},
	})
	return nil
}

// AddVolumeDisk appends a pool/volume-backed disk to the domain's device
// list, used when attaching a managed storage volume rather than a bare
// file path.
func AddVolumeDisk(d *libvirtxml.Domain, pool, volume, target, bus, driverType string) error {
	if d.Devices == nil {
		d.Devices = &libvirtxml.DomainDeviceList{}
	}
	if FindDiskByTarget(d, target) >= 0 {
		return vmerrors.Conflictf("xmlmodel: target %q already in use", target)
	}
	d.Devices.Disks = append(d.Devices.Disks, libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: driverType},
		Source: &libvirtxml.DomainDiskSource{Volume: &libvirtxml.DomainDiskSourceVolume{Pool: pool, Volume: volume}},
		Target: &libvirtxml.DomainDiskTarget{Dev: target, Bus: bus},
	})
	return nil
}

// RemoveDisk deletes the live disk at target from the device list and
// returns its serialized fragment so the caller can stash it (EnableDisk
// relies on round-tripping this fragment back in).
func RemoveDisk(d *libvirtxml.Domain, target string) (string, error) {
	idx := FindDiskByTarget(d, target)
	if idx < 0 {
		return "", vmerrors.NotFoundf("xmlmodel: no disk with target %q", target)
	}
	disk := d.Devices.Disks[idx]
	frag, err := disk.Marshal()
	if err != nil {
		return "", vmerrors.Invalidf("xmlmodel: unable to serialize disk %q: %v", target, err)
	}
	d.Devices.Disks = append(d.Devices.Disks[:idx], d.Devices.Disks[idx+1:]...)
	return frag, nil
}

// RestoreDisk re-inserts a disk previously removed via RemoveDisk from its
// stashed XML fragment.
func RestoreDisk(d *libvirtxml.Domain, fragment string) error {
	if d.Devices == nil {
		d.Devices = &libvirtxml.DomainDeviceList{}
	}
	disk := &libvirtxml.DomainDisk{}
	if err := disk.Unmarshal(fragment); err != nil {
		return vmerrors.Invalidf("xmlmodel: unable to parse stashed disk fragment: %v", err)
	}
	d.Devices.Disks = append(d.Devices.Disks, *disk)
	return nil
}

// AddNIC appends an interface whose source is the named libvirt network
// (not a host bridge), failing with Conflict if mac is already in use.
func AddNIC(d *libvirtxml.Domain, network, mac, model string) error {
	if d.Devices == nil {
		d.Devices = &libvirtxml.DomainDeviceList{}
	}
	if mac != "" && FindNICByMAC(d, mac) >= 0 {
		return vmerrors.Conflictf("xmlmodel: mac %q already in use", mac)
	}
	iface := libvirtxml.DomainInterface{
		Source: &libvirtxml.DomainInterfaceSource{
			Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: network},
		},
		Model: &libvirtxml.DomainInterfaceModel{Type: model},
	}
	if mac != "" {
		iface.MAC = &libvirtxml.DomainInterfaceMAC{Address: mac}
	}
	d.Devices.Interfaces = append(d.Devices.Interfaces, iface)
	return nil
}

// RemoveNIC deletes the interface identified by mac.
func RemoveNIC(d *libvirtxml.Domain, mac string) error {
	idx := FindNICByMAC(d, mac)
	if idx < 0 {
		return vmerrors.NotFoundf("xmlmodel: no interface with mac %q", mac)
	}
	d.Devices.Interfaces = append(d.Devices.Interfaces[:idx], d.Devices.Interfaces[idx+1:]...)
	return nil
}

// SetBootOrder rewrites every per-device <boot order='i'/> entry so it
// matches ids, identifying disks by DiskIdentity and NICs by MAC address.
// Device identities not present in ids keep no boot entry at all, matching
// the hypervisor's own "omit means never tried" semantics.
func SetBootOrder(d *libvirtxml.Domain, ids []string) error {
	if d.Devices == nil {
		return vmerrors.Invalidf("xmlmodel: domain has no devices")
	}
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		pos[id] = i + 1
	}

	for i := range d.Devices.Disks {
		disk := &d.Devices.Disks[i]
		if order, ok := pos[DiskIdentity(disk)]; ok {
			disk.Boot = &libvirtxml.DomainDeviceBoot{Order: order}
		} else {
			disk.Boot = nil
		}
	}
	for i := range d.Devices.Interfaces {
		iface := &d.Devices.Interfaces[i]
		if iface.MAC == nil {
			continue
		}
		if order, ok := pos[iface.MAC.Address]; ok {
			iface.Boot = &libvirtxml.DomainDeviceBoot{Order: order}
		} else {
			iface.Boot = nil
		}
	}
	return nil
}

// SetGraphicsPassword sets (or clears, when password is empty) the
// password on the domain's first VNC or SPICE graphics device.
func SetGraphicsPassword(d *libvirtxml.Domain, password string) error {
	if d.Devices == nil {
		return vmerrors.Invalidf("xmlmodel: domain has no devices")
	}
	for i := range d.Devices.Graphics {
		g := &d.Devices.Graphics[i]
		if g.VNC != nil {
			g.VNC.Passwd = password
			return nil
		}
		if g.Spice != nil {
			g.Spice.Passwd = password
			return nil
		}
	}
	return vmerrors.Preconditionf("xmlmodel: domain has no vnc/spice graphics device")
}

// AddVirtiofsShare appends a virtiofs filesystem passthrough device.
func AddVirtiofsShare(d *libvirtxml.Domain, source, target string, readOnly bool) error {
	if d.Devices == nil {
		d.Devices = &libvirtxml.DomainDeviceList{}
	}
	fs := libvirtxml.DomainFilesystem{
		Driver: &libvirtxml.DomainFilesystemDriver{Type: "virtiofs"},
		Source: &libvirtxml.DomainFilesystemSource{Mount: &libvirtxml.DomainFilesystemSourceMount{Dir: source}},
		Target: &libvirtxml.DomainFilesystemTarget{Dir: target},
	}
	if readOnly {
		fs.ReadOnly = &libvirtxml.DomainFilesystemReadOnly{}
	}
	if d.MemoryBacking == nil || d.MemoryBacking.Access == nil || d.MemoryBacking.Access.Mode != "shared" {
		d.MemoryBacking = &libvirtxml.DomainMemoryBacking{
			Access: &libvirtxml.DomainMemoryBackingAccess{Mode: "shared"},
		}
	}
	d.Devices.Filesystems = append(d.Devices.Filesystems, fs)
	return nil
}
