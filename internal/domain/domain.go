// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package domain holds the typed records shared across every component of
// the VM service layer. Nothing in this package talks to libvirt directly;
// it exists so that C1-C11 agree on one shape for a VM, a pool, a volume,
// and a network without reaching for "dict-of-anything" maps.
package domain

import "time"

// Status is the lifecycle state of a VM as observed from the hypervisor.
type Status string

const (
	StatusRunning Status = "Running"
	StatusPaused  Status = "Paused"
	StatusStopped Status = "Stopped"
)

// FirmwareType selects BIOS or UEFI boot firmware.
type FirmwareType string

const (
	FirmwareBIOS FirmwareType = "BIOS"
	FirmwareUEFI FirmwareType = "UEFI"
)

// GraphicsType is the display protocol exposed by a domain.
type GraphicsType string

const (
	GraphicsVNC   GraphicsType = "vnc"
	GraphicsSPICE GraphicsType = "spice"
	GraphicsNone  GraphicsType = "none"
)

// GraphicsListen describes how a graphics device's socket is reachable.
type GraphicsListen string

const (
	ListenAddress GraphicsListen = "address"
	ListenNone    GraphicsListen = "none"
)

// DiskStatus marks whether a disk is attached in the live/persistent XML
// <devices> tree or parked in the vendor metadata subtree.
type DiskStatus string

const (
	DiskEnabled  DiskStatus = "enabled"
	DiskDisabled DiskStatus = "disabled"
)

// Firmware describes a domain's boot firmware.
type Firmware struct {
	Type       FirmwareType
	Path       string
	SecureBoot bool
}

// Boot describes boot menu and device-order configuration.
type Boot struct {
	MenuEnabled bool
	// Order lists device identities in boot priority: a disk by its
	// resolved source path, a NIC by its MAC address.
	Order []string
}

// Graphics describes a domain's display device.
type Graphics struct {
	Type            GraphicsType
	Listen          GraphicsListen
	Address         string
	Port            int
	AutoPort        bool
	PasswordEnabled bool
	Password        string
}

// TPM describes a virtual Trusted Platform Module device.
type TPM struct {
	Model   string
	Backend string
	Version string
}

// RNG describes a virtio random-number-generator device.
type RNG struct {
	Model   string
	Backend string
	Rate    int
}

// Watchdog describes a watchdog device.
type Watchdog struct {
	Model  string
	Action string
}

// NIC describes a network interface attached to a domain.
type NIC struct {
	MAC     string
	Network string
	Model   string
}

// Disk describes a storage device attached to a domain.
type Disk struct {
	Target   string // e.g. "vda", "sda"
	Path     string // resolved source path, empty for pool/volume-backed disks
	Pool     string
	Volume   string
	Bus      string
	Cache    string
	Discard  string
	Device   string // "disk" or "cdrom"
	Status   DiskStatus
	Capacity uint64
}

// VirtiofsShare describes a shared-filesystem passthrough device.
type VirtiofsShare struct {
	Source   string
	Target   string
	ReadOnly bool
}

// DeviceInventory enumerates miscellaneous devices reported for a VM that
// do not participate in any of the action service's structural edits, but
// are useful for display and inventory purposes.
type DeviceInventory struct {
	USB         []string
	PCI         []string
	Serial      []string
	Input       []string
	Controllers []string
}

// VMInfo is the full, derived view of one VM composed by the query
// service from the metadata cache and the XML model helpers.
type VMInfo struct {
	UUID            string
	Name            string
	Status          Status
	VCPUCount       uint
	MemoryMiB       uint64
	MachineType     string
	Firmware        Firmware
	CPUModel        string
	VideoModel      string
	SoundModel      string
	SharedMemory    bool
	Boot            Boot
	Graphics        Graphics
	TPM             []TPM
	RNG             RNG
	Watchdog        Watchdog
	Networks        []NIC
	Disks           []Disk
	Virtiofs        []VirtiofsShare
	DeviceInventory DeviceInventory
	XML             string
}

// VMStats is the ephemeral, per-tick runtime sample computed by the stats
// engine. It is never cached beyond the rolling history window.
type VMStats struct {
	Status        Status
	CPUPercent    float64
	MemPercent    float64
	DiskReadKBps  float64
	DiskWriteKBps float64
	NetRxKBps     float64
	NetTxKBps     float64
	Timestamp     time.Time
}

// StatCounter is the previous-sample state the stats engine needs to turn
// monotonic counters into rates.
type StatCounter struct {
	LastCPUTimeNs        uint64
	LastTimestamp        time.Time
	LastDiskReadBytes    uint64
	LastDiskWriteBytes   uint64
	LastNetRxBytes       uint64
	LastNetTxBytes       uint64
}

// PoolType enumerates the libvirt storage pool backends this service
// understands well enough to reason about shareability during migration
// and move-volume pre-flight checks.
type PoolType string

const (
	PoolDir      PoolType = "dir"
	PoolNetfs    PoolType = "netfs"
	PoolISCSI    PoolType = "iscsi"
	PoolGlusterFS PoolType = "glusterfs"
	PoolRBD      PoolType = "rbd"
	PoolNFS      PoolType = "nfs"
)

// Shareable reports whether a pool type is backed by shared storage
// reachable from more than one host, used by the migration engine's
// shared-storage hint.
func (t PoolType) Shareable() bool {
	switch t {
	case PoolNetfs, PoolISCSI, PoolGlusterFS, PoolRBD, PoolNFS:
		return true
	default:
		return false
	}
}

// StoragePool is the derived view of a libvirt storage pool.
type StoragePool struct {
	Name       string
	Type       PoolType
	Active     bool
	Autostart  bool
	Capacity   uint64
	Allocation uint64
	// TargetPath is the pool's on-disk target directory, used to match a
	// disk's parent directory against an active pool when creating a disk
	// with create=true.
	TargetPath string
}

// StorageVolume is the derived view of a libvirt storage volume.
type StorageVolume struct {
	Name       string
	Pool       string
	Path       string
	Capacity   uint64
	Allocation uint64
	Format     string
}

// NetworkMode enumerates libvirt network forwarding modes.
type NetworkMode string

const (
	NetworkNAT      NetworkMode = "nat"
	NetworkRoute    NetworkMode = "route"
	NetworkIsolated NetworkMode = "isolated"
)

// NetworkIPv4 describes a network's IPv4 addressing and optional DHCP
// range.
type NetworkIPv4 struct {
	Address    string
	Netmask    string
	DHCPStart  string
	DHCPEnd    string
	DHCPEnable bool
}

// NetworkDef is the derived view of a libvirt network.
type NetworkDef struct {
	Name      string
	Mode      NetworkMode
	Active    bool
	Autostart bool
	IPv4      *NetworkIPv4
}

// ListFilter narrows a VM listing. All fields are optional; a zero value
// means "no filter on this dimension."
type ListFilter struct {
	Status      Status
	Text        string
	SelectedSet map[string]struct{}
}

// SortKey selects the field VM listings are ordered by.
type SortKey string

const (
	SortByName   SortKey = "name"
	SortByStatus SortKey = "status"
	SortByUUID   SortKey = "uuid"
)
