// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package xmlmodel

import (
	"fmt"
	"strconv"
	"strings"

	"libvirt.org/go/libvirtxml"

	"github.com/hashicorp/vmanager-core/internal/domain"
)

// ToVMInfo composes a domain.VMInfo from a parsed Domain. status and
// xmlDesc come from the caller (the metadata cache), since they are not
// derivable purely from the static XML.
func ToVMInfo(d *libvirtxml.Domain, status domain.Status, xmlDesc string) *domain.VMInfo {
	info := &domain.VMInfo{
		UUID:   d.UUID,
		Name:   d.Name,
		Status: status,
		XML:    xmlDesc,
	}

	if d.VCPU != nil {
		info.VCPUCount = d.VCPU.Value
	}
	if d.CurrentMemory != nil {
		info.MemoryMiB = toMiB(uint64(d.CurrentMemory.Value), d.CurrentMemory.Unit)
	} else if d.Memory != nil {
		info.MemoryMiB = toMiB(uint64(d.Memory.Value), d.Memory.Unit)
	}
	if d.OS != nil {
		if d.OS.Type != nil {
			info.MachineType = d.OS.Type.Machine
		}
		info.Firmware = firmwareFrom(d.OS)
		info.Boot.MenuEnabled = d.OS.BootMenu != nil && d.OS.BootMenu.Enable == "yes"
	}
	if d.CPU != nil && d.CPU.Model != nil {
		info.CPUModel = d.CPU.Model.Value
	}

	if d.Devices != nil {
		info.Disks = disksFrom(d.Devices.Disks)
		info.Networks = nicsFrom(d.Devices.Interfaces)
		info.Virtiofs = virtiofsFrom(d.Devices.Filesystems)
		info.Graphics = graphicsFrom(d.Devices.Graphics)
		info.TPM = tpmFrom(d.Devices.TPMs)
		info.RNG = rngFrom(d.Devices.RNGs)
		info.Watchdog = watchdogFrom(d.Devices.Watchdogs)
		info.VideoModel = videoModelFrom(d.Devices.Videos)
		info.SoundModel = soundModelFrom(d.Devices.Sounds)
		info.DeviceInventory = inventoryFrom(d.Devices)
	}
	info.Boot.Order = bootOrderFrom(d)

	if d.MemoryBacking != nil && d.MemoryBacking.Access != nil {
		info.SharedMemory = d.MemoryBacking.Access.Mode == "shared"
	}

	disabled := DisabledDiskTargets(d)
	for target, raw := range disabled {
		disk := parseRawDiskFragment(target, raw)
		if disk != nil {
			info.Disks = append(info.Disks, *disk)
		}
	}

	return info
}

func toMiB(value uint64, unit string) uint64 {
	switch strings.ToLower(unit) {
	case "", "kib", "k":
		return value / 1024
	case "mib", "m":
		return value
	case "gib", "g":
		return value * 1024
	case "bytes", "b":
		return value / (1024 * 1024)
	default:
		return value
	}
}

func firmwareFrom(os *libvirtxml.DomainOS) domain.Firmware {
	fw := domain.Firmware{Type: domain.FirmwareBIOS}
	if os.Loader != nil {
		fw.Type = domain.FirmwareUEFI
		fw.Path = os.Loader.Path
		fw.SecureBoot = strings.EqualFold(os.Loader.Secure, "yes")
	}
	return fw
}

func disksFrom(disks []libvirtxml.DomainDisk) []domain.Disk {
	out := make([]domain.Disk, 0, len(disks))
	for _, d := range disks {
		out = append(out, diskFrom(d))
	}
	return out
}

func diskFrom(d libvirtxml.DomainDisk) domain.Disk {
	out := domain.Disk{Device: d.Device, Status: domain.DiskEnabled}
	if d.Target != nil {
		out.Target = d.Target.Dev
		out.Bus = d.Target.Bus
	}
	if d.Driver != nil {
		out.Cache = d.Driver.Cache
		out.Discard = d.Driver.Discard
	}
	if d.Source != nil {
		switch {
		case d.Source.File != nil:
			out.Path = d.Source.File.File
		case d.Source.Block != nil:
			out.Path = d.Source.Block.Dev
		case d.Source.Volume != nil:
			out.Pool = d.Source.Volume.Pool
			out.Volume = d.Source.Volume.Volume
		case d.Source.Network != nil:
			out.Path = d.Source.Network.Name
		}
	}
	return out
}

// parseRawDiskFragment recovers just enough from a stashed disabled-disk
// fragment to represent it in a VMInfo listing: the target name (already
// known to the caller) and whatever bus/path attributes appear in the
// raw text. It never fails; a disk whose fragment can't be scanned still
// shows up with Status=Disabled and its Target populated.
func parseRawDiskFragment(target, raw string) *domain.Disk {
	return &domain.Disk{
		Target: target,
		Bus:    extractAttr(raw, "bus"),
		Path:   extractAttr(raw, "file"),
		Device: firstNonEmpty(extractAttr(raw, "device"), "disk"),
		Status: domain.DiskDisabled,
	}
}

func extractAttr(fragment, attr string) string {
	for _, quote := range []byte{'\'', '"'} {
		marker := fmt.Sprintf("%s=%c", attr, quote)
		if idx := strings.Index(fragment, marker); idx >= 0 {
			rest := fragment[idx+len(marker):]
			if end := strings.IndexByte(rest, quote); end >= 0 {
				return rest[:end]
			}
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func nicsFrom(ifaces []libvirtxml.DomainInterface) []domain.NIC {
	out := make([]domain.NIC, 0, len(ifaces))
	for _, i := range ifaces {
		nic := domain.NIC{}
		if i.MAC != nil {
			nic.MAC = i.MAC.Address
		}
		if i.Source != nil && i.Source.Network != nil {
			nic.Network = i.Source.Network.Network
		} else if i.Source != nil && i.Source.Bridge != nil {
			nic.Network = i.Source.Bridge.Bridge
		}
		if i.Model != nil {
			nic.Model = i.Model.Type
		}
		out = append(out, nic)
	}
	return out
}

func virtiofsFrom(fss []libvirtxml.DomainFilesystem) []domain.VirtiofsShare {
	out := make([]domain.VirtiofsShare, 0)
	for _, fs := range fss {
		if fs.Driver == nil || fs.Driver.Type != "virtiofs" {
			continue
		}
		share := domain.VirtiofsShare{}
		if fs.Source != nil && fs.Source.Mount != nil {
			share.Source = fs.Source.Mount.Dir
		}
		if fs.Target != nil {
			share.Target = fs.Target.Dir
		}
		share.ReadOnly = fs.ReadOnly != nil
		out = append(out, share)
	}
	return out
}

func graphicsFrom(gs []libvirtxml.DomainGraphic) domain.Graphics {
	for _, g := range gs {
		if g.VNC != nil {
			out := domain.Graphics{Type: domain.GraphicsVNC, AutoPort: g.VNC.AutoPort == "yes"}
			out.Port = g.VNC.Port
			out.PasswordEnabled = g.VNC.Passwd != ""
			out.Password = g.VNC.Passwd
			if addr := listenAddress(g.VNC.Listen, g.VNC.Listeners); addr != "" {
				out.Listen = domain.ListenAddress
				out.Address = addr
			} else {
				out.Listen = domain.ListenNone
			}
			return out
		}
		if g.Spice != nil {
			out := domain.Graphics{Type: domain.GraphicsSPICE, AutoPort: g.Spice.AutoPort == "yes"}
			out.Port = g.Spice.Port
			out.PasswordEnabled = g.Spice.Passwd != ""
			out.Password = g.Spice.Passwd
			if addr := listenAddress(g.Spice.Listen, g.Spice.Listeners); addr != "" {
				out.Listen = domain.ListenAddress
				out.Address = addr
			} else {
				out.Listen = domain.ListenNone
			}
			return out
		}
	}
	return domain.Graphics{Type: domain.GraphicsNone, Listen: domain.ListenNone}
}

func listenAddress(attr string, listeners []libvirtxml.DomainGraphicListener) string {
	if attr != "" {
		return attr
	}
	for _, l := range listeners {
		if l.Address != nil && l.Address.Address != "" {
			return l.Address.Address
		}
	}
	return ""
}

func tpmFrom(tpms []libvirtxml.DomainTPM) []domain.TPM {
	out := make([]domain.TPM, 0, len(tpms))
	for _, t := range tpms {
		tpm := domain.TPM{Model: t.Model}
		if t.Backend != nil {
			if t.Backend.Passthrough != nil {
				tpm.Backend = "passthrough"
			}
			if t.Backend.Emulator != nil {
				tpm.Backend = "emulator"
				tpm.Version = t.Backend.Emulator.Version
			}
		}
		out = append(out, tpm)
	}
	return out
}

func rngFrom(rngs []libvirtxml.DomainRNG) domain.RNG {
	if len(rngs) == 0 {
		return domain.RNG{}
	}
	r := rngs[0]
	out := domain.RNG{Model: r.Model}
	if r.Rate != nil {
		out.Rate = r.Rate.Bytes
	}
	if r.Backend != nil && r.Backend.Random != nil {
		out.Backend = r.Backend.Random.Device
	}
	return out
}

func watchdogFrom(wds []libvirtxml.DomainWatchdog) domain.Watchdog {
	if len(wds) == 0 {
		return domain.Watchdog{}
	}
	return domain.Watchdog{Model: wds[0].Model, Action: wds[0].Action}
}

func videoModelFrom(videos []libvirtxml.DomainVideo) string {
	if len(videos) == 0 {
		return ""
	}
	return videos[0].Model.Type
}

func soundModelFrom(sounds []libvirtxml.DomainSound) string {
	if len(sounds) == 0 {
		return ""
	}
	return sounds[0].Model
}

func inventoryFrom(devs *libvirtxml.DomainDeviceList) domain.DeviceInventory {
	inv := domain.DeviceInventory{}
	for _, h := range devs.Hostdevs {
		if h.SubsysUSB != nil {
			inv.USB = append(inv.USB, "usb-hostdev")
		}
		if h.SubsysPCI != nil {
			inv.PCI = append(inv.PCI, "pci-hostdev")
		}
	}
	for range devs.Serials {
		inv.Serial = append(inv.Serial, "serial")
	}
	for _, in := range devs.Inputs {
		inv.Input = append(inv.Input, in.Type)
	}
	for _, c := range devs.Controllers {
		inv.Controllers = append(inv.Controllers, c.Type)
	}
	return inv
}

// bootOrderFrom recovers the device identities referenced by per-device
// <boot order='i'/> entries, sorted by order, matching spec.md's boot
// ordering identity rules (disk by resolved path, NIC by MAC).
func bootOrderFrom(d *libvirtxml.Domain) []string {
	type ordered struct {
		order int
		id    string
	}
	var entries []struct {
		order int
		id    string
	}

	if d.Devices != nil {
		for _, disk := range d.Devices.Disks {
			if disk.Boot != nil {
				entries = append(entries, ordered{order: disk.Boot.Order, id: DiskIdentity(&disk)})
			}
		}
		for _, iface := range d.Devices.Interfaces {
			if iface.Boot != nil && iface.MAC != nil {
				entries = append(entries, ordered{order: iface.Boot.Order, id: iface.MAC.Address})
			}
		}
	}

	sortOrdered(entries)
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.id)
	}
	return ids
}

func sortOrdered(entries []struct {
	order int
	id    string
}) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].order < entries[j-1].order; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// FormatMemory renders a MiB value as a <memory> element expressed in KiB,
// since the hypervisor's <memory>/<currentMemory> elements are
// conventionally expressed in KiB.
func FormatMemory(mib uint64) *libvirtxml.DomainMemory {
	return &libvirtxml.DomainMemory{Value: uint(mib * 1024), Unit: "KiB"}
}

// ToCurrentMemory renders a MiB value as a <currentMemory> element,
// mirroring FormatMemory's unit convention for the live/current field.
func ToCurrentMemory(mib uint64) *libvirtxml.DomainCurrentMemory {
	return &libvirtxml.DomainCurrentMemory{Value: uint(mib * 1024), Unit: "KiB"}
}

// ParseCapacityGB converts a caller-supplied GB value to bytes for volume
// creation, matching AddDisk/CreateVolume's sizeGB input contract.
func ParseCapacityGB(gb float64) uint64 {
	return uint64(gb * 1024 * 1024 * 1024)
}

// NextFreeTarget returns the first unused target device name for bus,
// iterating the conventional letter sequence a..z with the bus's prefix
// (vd for virtio, sd for scsi/sata/usb, hd for ide).
func NextFreeTarget(existing []string, bus string) string {
	prefix := targetPrefix(bus)
	used := make(map[string]struct{}, len(existing))
	for _, t := range existing {
		used[t] = struct{}{}
	}
	for c := 'a'; c <= 'z'; c++ {
		candidate := prefix + string(c)
		if _, taken := used[candidate]; !taken {
			return candidate
		}
	}
	// Exhausted a single letter; fall back to two-letter suffixes.
	for c1 := 'a'; c1 <= 'z'; c1++ {
		for c2 := 'a'; c2 <= 'z'; c2++ {
			candidate := prefix + string(c1) + string(c2)
			if _, taken := used[candidate]; !taken {
				return candidate
			}
		}
	}
	return prefix + strconv.Itoa(len(existing))
}

func targetPrefix(bus string) string {
	switch strings.ToLower(bus) {
	case "virtio":
		return "vd"
	case "ide":
		return "hd"
	default:
		return "sd"
	}
}
