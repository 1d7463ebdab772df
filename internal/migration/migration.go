// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package migration implements the migration engine (component C8):
// cross-host compatibility checks and the live/offline migration itself.
package migration

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/hashicorp/vmanager-core/internal/connpool"
	"github.com/hashicorp/vmanager-core/internal/domain"
	"github.com/hashicorp/vmanager-core/internal/vmerrors"
	"github.com/hashicorp/vmanager-core/internal/xmlmodel"
)

// Severity classifies one compatibility finding.
type Severity string

const (
	SeverityError Severity = "ERROR"
	SeverityWarn  Severity = "WARNING"
	SeverityInfo  Severity = "INFO"
)

// Issue is one finding from CheckCompatibility.
type Issue struct {
	Severity Severity
	Message  string
}

// Flags selects the optional migration behaviors layered on top of the
// engine's default live-migration flag set.
type Flags struct {
	CopyStorageAll bool
	Unsafe         bool
	Persistent     bool
	Compressed     bool
	Tunnelled      bool
}

// Engine implements cross-host compatibility checks and migration.
type Engine struct {
	pool   *connpool.Pool
	logger hclog.Logger
}

// New constructs an Engine.
func New(pool *connpool.Pool, logger hclog.Logger) *Engine {
	return &Engine{pool: pool, logger: logger.Named("migration")}
}

func (e *Engine) conn(uri string) (*libvirt.Connect, error) {
	conn := e.pool.GetConnection(uri)
	if conn == nil {
		return nil, vmerrors.Connectionf(uri, nil, "migration: no live connection for %s", uri)
	}
	return conn, nil
}

var shareablePoolTypes = map[string]bool{
	"netfs":     true,
	"iscsi":     true,
	"glusterfs": true,
	"rbd":       true,
	"nfs":       true,
}

// CheckCompatibility evaluates whether uuid on srcURI can be migrated to
// dstURI, returning every finding rather than stopping at the first
// error so the caller can show a complete report.
func (e *Engine) CheckCompatibility(ctx context.Context, srcURI, dstURI, uuid string, isLive bool) ([]Issue, error) {
	srcConn, err := e.conn(srcURI)
	if err != nil {
		return nil, err
	}
	dstConn, err := e.conn(dstURI)
	if err != nil {
		return nil, err
	}

	dom, err := srcConn.LookupDomainByUUIDString(uuid)
	if err != nil {
		return nil, vmerrors.NotFoundf("migration: domain %s not found on %s: %v", uuid, srcURI, err)
	}
	defer dom.Free()

	var issues []Issue
	issues = append(issues, checkHostArchitecture(srcConn, dstConn)...)

	name, err := dom.GetName()
	if err != nil {
		return nil, vmerrors.ExternalProcessf(err, "migration: unable to read domain name for %s", uuid)
	}
	issues = append(issues, checkNameClash(dstConn, name)...)

	desc, err := dom.GetXMLDesc(0)
	if err != nil {
		return nil, vmerrors.ExternalProcessf(err, "migration: unable to read domain xml for %s", uuid)
	}
	parsed, err := xmlmodel.ParseDomain(desc)
	if err != nil {
		return append(issues, Issue{SeverityError, fmt.Sprintf("unable to parse domain xml: %v", err)}), nil
	}

	issues = append(issues, checkCPUCompat(dstConn, parsed)...)
	issues = append(issues, checkNetworks(dstConn, parsed)...)
	if isLive {
		issues = append(issues, checkLiveOnlyBlockers(parsed)...)
	}
	issues = append(issues, checkDiskSources(dstConn, parsed)...)

	return issues, nil
}

func checkHostArchitecture(srcConn, dstConn *libvirt.Connect) []Issue {
	srcInfo, err := srcConn.GetNodeInfo()
	if err != nil {
		return []Issue{{SeverityWarn, fmt.Sprintf("could not check source host architecture: %v", err)}}
	}
	dstInfo, err := dstConn.GetNodeInfo()
	if err != nil {
		return []Issue{{SeverityWarn, fmt.Sprintf("could not check destination host architecture: %v", err)}}
	}
	if srcInfo.Model != dstInfo.Model {
		return []Issue{{SeverityError, fmt.Sprintf("host architecture mismatch: source %q, destination %q", srcInfo.Model, dstInfo.Model)}}
	}
	return nil
}

func checkNameClash(dstConn *libvirt.Connect, name string) []Issue {
	dstDom, err := dstConn.LookupDomainByName(name)
	if err != nil {
		return nil
	}
	defer dstDom.Free()

	active, aerr := dstDom.IsActive()
	if aerr == nil && active {
		return []Issue{{SeverityError, fmt.Sprintf("a VM named %q is already running on the destination host", name)}}
	}
	return []Issue{{SeverityWarn, fmt.Sprintf("a stopped VM named %q exists on the destination and its definition will be overwritten", name)}}
}

func checkCPUCompat(dstConn *libvirt.Connect, d *libvirtxml.Domain) []Issue {
	if d.CPU == nil {
		return nil
	}
	var issues []Issue
	if d.CPU.Mode == "host-passthrough" || d.CPU.Mode == "host-model" {
		issues = append(issues, Issue{SeverityWarn, "VM CPU mode is host-passthrough/host-model; this requires highly compatible CPUs on both hosts"})
	}

	cpuXML, err := d.CPU.Marshal()
	if err != nil {
		return issues
	}
	result, err := dstConn.CompareCPU(cpuXML, 0)
	if err != nil {
		issues = append(issues, Issue{SeverityWarn, fmt.Sprintf("could not compare VM CPU with destination host: %v", err)})
		return issues
	}
	if result == libvirt.CPU_COMPARE_INCOMPATIBLE {
		issues = append(issues, Issue{SeverityError, "the VM's CPU configuration is not compatible with the destination host's CPU"})
	} else {
		issues = append(issues, Issue{SeverityInfo, "the VM's CPU configuration is compatible with the destination host's CPU"})
	}
	return issues
}

func checkNetworks(dstConn *libvirt.Connect, d *libvirtxml.Domain) []Issue {
	if d.Devices == nil {
		return nil
	}
	nets, err := dstConn.ListAllNetworks(0)
	if err != nil {
		return []Issue{{SeverityWarn, fmt.Sprintf("could not list networks on destination host: %v", err)}}
	}
	active := make(map[string]bool, len(nets))
	for _, n := range nets {
		name, nerr := n.GetName()
		if nerr == nil {
			isActive, _ := n.IsActive()
			active[name] = isActive
		}
		n.Free()
	}

	var issues []Issue
	for _, iface := range d.Devices.Interfaces {
		if iface.Source == nil || iface.Source.Network == nil || iface.Source.Network.Network == "" {
			continue
		}
		netName := iface.Source.Network.Network
		isActive, known := active[netName]
		switch {
		case !known:
			issues = append(issues, Issue{SeverityError, fmt.Sprintf("network %q not found on the destination host", netName)})
		case !isActive:
			issues = append(issues, Issue{SeverityError, fmt.Sprintf("network %q is not active on the destination host", netName)})
		}
	}
	return issues
}

func checkLiveOnlyBlockers(d *libvirtxml.Domain) []Issue {
	if d.Devices == nil {
		return nil
	}
	var issues []Issue

	for _, disk := range d.Devices.Disks {
		if disk.Target != nil && disk.Target.Bus == "sata" {
			issues = append(issues, Issue{SeverityError, "VM has a SATA disk, which cannot be migrated live"})
			break
		}
	}
	if len(d.Devices.Filesystems) > 0 {
		issues = append(issues, Issue{SeverityError, "VM uses filesystem pass-through, which is incompatible with live migration"})
	}
	if len(d.Devices.Hostdevs) > 0 {
		issues = append(issues, Issue{SeverityError, "VM uses PCI/USB pass-through (hostdev), which is not supported for live migration"})
	}
	return issues
}

func checkDiskSources(dstConn *libvirt.Connect, d *libvirtxml.Domain) []Issue {
	if d.Devices == nil {
		return nil
	}
	var issues []Issue
	var paths []string

	for _, disk := range d.Devices.Disks {
		if disk.Source == nil {
			continue
		}
		switch {
		case disk.Source.File != nil && disk.Source.File.File != "":
			paths = append(paths, disk.Source.File.File)
		case disk.Source.Block != nil && disk.Source.Block.Dev != "":
			paths = append(paths, disk.Source.Block.Dev)
		case disk.Source.Volume != nil && disk.Source.Volume.Pool != "":
			issues = append(issues, checkSharedPool(dstConn, disk.Source.Volume.Pool)...)
		}
	}
	for _, p := range paths {
		issues = append(issues, Issue{SeverityInfo, fmt.Sprintf("disk source %q must be reachable at the same path on the destination host", p)})
	}
	return issues
}

func checkSharedPool(dstConn *libvirt.Connect, poolName string) []Issue {
	pool, err := dstConn.LookupStoragePoolByName(poolName)
	if err != nil {
		return []Issue{{SeverityError, fmt.Sprintf("storage pool %q not found on destination host", poolName)}}
	}
	defer pool.Free()

	active, _ := pool.IsActive()
	if !active {
		return []Issue{{SeverityError, fmt.Sprintf("storage pool %q is not active on destination host", poolName)}}
	}

	desc, err := pool.GetXMLDesc(0)
	if err != nil {
		return []Issue{{SeverityWarn, fmt.Sprintf("could not read destination pool %q xml: %v", poolName, err)}}
	}
	parsed, err := xmlmodel.ParsePool(desc)
	if err != nil {
		return []Issue{{SeverityWarn, fmt.Sprintf("could not parse destination pool %q xml: %v", poolName, err)}}
	}
	if !shareablePoolTypes[parsed.Type] {
		return []Issue{{SeverityWarn, fmt.Sprintf("storage pool %q on destination is of type %q, which may not be shared; live migration needs shared storage", poolName, parsed.Type)}}
	}
	return nil
}

// Migrate moves uuid from srcURI to dstURI. Live migrations use
// LIVE|PEER2PEER|PERSIST_DEST ORed with the requested flags; offline
// migrations define the domain's XML on the destination and undefine it
// on the source.
func (e *Engine) Migrate(ctx context.Context, srcURI, dstURI, uuid string, isLive bool, flags Flags) error {
	srcConn, err := e.conn(srcURI)
	if err != nil {
		return err
	}
	dstConn, err := e.conn(dstURI)
	if err != nil {
		return err
	}

	dom, err := srcConn.LookupDomainByUUIDString(uuid)
	if err != nil {
		return vmerrors.NotFoundf("migration: domain %s not found on %s: %v", uuid, srcURI, err)
	}
	defer dom.Free()

	if !isLive {
		desc, err := dom.GetXMLDesc(0)
		if err != nil {
			return vmerrors.ExternalProcessf(err, "migration: unable to read domain xml for %s", uuid)
		}
		if _, err := dstConn.DomainDefineXML(desc); err != nil {
			return vmerrors.ExternalProcessf(err, "migration: unable to define domain %s on destination", uuid)
		}
		if err := dom.Undefine(); err != nil {
			return vmerrors.PartialSuccessf(err, "migration: domain %s defined on destination but undefine on source failed", uuid)
		}
		return nil
	}

	migrateFlags := libvirt.MIGRATE_LIVE | libvirt.MIGRATE_PEER2PEER | libvirt.MIGRATE_PERSIST_DEST
	if flags.CopyStorageAll {
		migrateFlags |= libvirt.MIGRATE_NON_SHARED_DISK
	}
	if flags.Unsafe {
		migrateFlags |= libvirt.MIGRATE_UNSAFE
	}
	if flags.Persistent {
		migrateFlags |= libvirt.MIGRATE_PERSIST_DEST
	}
	if flags.Compressed {
		migrateFlags |= libvirt.MIGRATE_COMPRESSED
	}
	if flags.Tunnelled {
		migrateFlags |= libvirt.MIGRATE_TUNNELLED
	}

	if err := dom.MigrateToURI3(dstURI, &libvirt.DomainMigrateParameters{}, migrateFlags); err != nil {
		return vmerrors.ExternalProcessf(err, "migration: live migration of %s to %s failed", uuid, dstURI)
	}
	return nil
}
