// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package action implements the VM action service (component C5). Every
// mutation follows one pattern: read XML, transform in memory, defineXML,
// then optionally issue a live-update call with AFFECT_LIVE. A live-update
// failure never rolls back the persistent change; it is reported as a
// PartialSuccess instead.
package action

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/hashicorp/vmanager-core/internal/cache"
	"github.com/hashicorp/vmanager-core/internal/connpool"
	"github.com/hashicorp/vmanager-core/internal/events"
	"github.com/hashicorp/vmanager-core/internal/vmerrors"
	"github.com/hashicorp/vmanager-core/internal/xmlmodel"
)

// Service is the VM action service.
type Service struct {
	pool   *connpool.Pool
	cache  *cache.Cache
	events *events.Bus
	logger hclog.Logger
}

// New constructs a Service.
func New(pool *connpool.Pool, c *cache.Cache, bus *events.Bus, logger hclog.Logger) *Service {
	return &Service{pool: pool, cache: c, events: bus, logger: logger.Named("action")}
}

func (s *Service) lookup(uri, uuid string) (*libvirt.Domain, error) {
	conn := s.pool.GetConnection(uri)
	if conn == nil {
		return nil, vmerrors.Connectionf(uri, nil, "action: no live connection for %s", uri)
	}
	dom, err := conn.LookupDomainByUUIDString(uuid)
	if err != nil {
		return nil, vmerrors.NotFoundf("action: domain %s not found: %v", uuid, err)
	}
	return dom, nil
}

func (s *Service) readXML(dom *libvirt.Domain) (*libvirtxml.Domain, error) {
	desc, err := dom.GetXMLDesc(0)
	if err != nil {
		return nil, vmerrors.ExternalProcessf(err, "action: unable to read domain xml")
	}
	return xmlmodel.ParseDomain(desc)
}

func (s *Service) define(conn *libvirt.Connect, d *libvirtxml.Domain) error {
	out, err := xmlmodel.SerializeDomain(d)
	if err != nil {
		return err
	}
	defined, err := conn.DomainDefineXML(out)
	if err != nil {
		return vmerrors.ExternalProcessf(err, "action: defineXML failed")
	}
	defined.Free()
	return nil
}

func (s *Service) invalidate(uuid string) {
	s.cache.InvalidateVM(uuid)
	if s.events != nil {
		s.events.Publish(context.Background(), events.Event{Kind: events.KindVMChanged, VMUUID: uuid})
	}
}

func isActive(dom *libvirt.Domain) (bool, error) {
	active, err := dom.IsActive()
	if err != nil {
		return false, vmerrors.ExternalProcessf(err, "action: unable to check domain active state")
	}
	return active, nil
}

// --- Lifecycle ---

// Start boots a stopped VM.
func (s *Service) Start(ctx context.Context, uri, uuid string) error {
	dom, err := s.lookup(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	if err := dom.Create(); err != nil {
		return vmerrors.ExternalProcessf(err, "action: unable to start %s", uuid)
	}
	s.invalidate(uuid)
	return nil
}

// Shutdown requests a graceful guest shutdown.
func (s *Service) Shutdown(ctx context.Context, uri, uuid string) error {
	dom, err := s.lookup(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	active, err := isActive(dom)
	if err != nil {
		return err
	}
	if !active {
		return vmerrors.Preconditionf("action: %s is not active, cannot shut down", uuid)
	}

	if err := dom.ShutdownFlags(libvirt.DOMAIN_SHUTDOWN_DEFAULT); err != nil {
		return vmerrors.ExternalProcessf(err, "action: unable to shut down %s", uuid)
	}
	s.invalidate(uuid)
	return nil
}

// ForceOff destroys (hard powers off) a running VM.
func (s *Service) ForceOff(ctx context.Context, uri, uuid string) error {
	dom, err := s.lookup(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	active, err := isActive(dom)
	if err != nil {
		return err
	}
	if !active {
		return vmerrors.Preconditionf("action: %s is not active, cannot force off", uuid)
	}

	if err := dom.DestroyFlags(libvirt.DOMAIN_DESTROY_DEFAULT); err != nil {
		return vmerrors.ExternalProcessf(err, "action: unable to force off %s", uuid)
	}
	s.invalidate(uuid)
	return nil
}

// Pause suspends a running VM.
func (s *Service) Pause(ctx context.Context, uri, uuid string) error {
	dom, err := s.lookup(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	active, err := isActive(dom)
	if err != nil {
		return err
	}
	if !active {
		return vmerrors.Preconditionf("action: %s is not active, cannot pause", uuid)
	}

	if err := dom.Suspend(); err != nil {
		return vmerrors.ExternalProcessf(err, "action: unable to pause %s", uuid)
	}
	s.invalidate(uuid)
	return nil
}

// Resume resumes a paused VM.
func (s *Service) Resume(ctx context.Context, uri, uuid string) error {
	dom, err := s.lookup(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	if err := dom.Resume(); err != nil {
		return vmerrors.ExternalProcessf(err, "action: unable to resume %s", uuid)
	}
	s.invalidate(uuid)
	return nil
}

// Delete destroys (if active), undefines, and optionally removes backing
// storage for every enabled, managed-volume disk. Unmanaged disks are
// skipped with a logged warning rather than failing the whole operation.
func (s *Service) Delete(ctx context.Context, uri, uuid string, deleteStorage, deleteNvram bool) error {
	conn := s.pool.GetConnection(uri)
	if conn == nil {
		return vmerrors.Connectionf(uri, nil, "action: no live connection for %s", uri)
	}
	dom, err := s.lookup(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	d, err := s.readXML(dom)
	if err != nil {
		return err
	}

	active, err := isActive(dom)
	if err != nil {
		return err
	}
	if active {
		if err := dom.DestroyFlags(libvirt.DOMAIN_DESTROY_DEFAULT); err != nil {
			return vmerrors.ExternalProcessf(err, "action: unable to destroy %s before delete", uuid)
		}
	}

	if deleteStorage && d.Devices != nil {
		for _, disk := range d.Devices.Disks {
			s.deleteManagedVolume(conn, disk)
		}
	}

	flags := libvirt.DOMAIN_UNDEFINE_SNAPSHOTS_METADATA
	if deleteNvram {
		flags |= libvirt.DOMAIN_UNDEFINE_NVRAM
	}
	if err := dom.UndefineFlags(flags); err != nil {
		return vmerrors.ExternalProcessf(err, "action: unable to undefine %s", uuid)
	}

	s.invalidate(uuid)
	return nil
}

func (s *Service) deleteManagedVolume(conn *libvirt.Connect, disk libvirtxml.DomainDisk) {
	if disk.Source == nil || disk.Source.Volume == nil {
		s.logger.Warn("skipping unmanaged disk during delete", "target", targetOf(disk))
		return
	}
	pool, err := conn.LookupStoragePoolByName(disk.Source.Volume.Pool)
	if err != nil {
		s.logger.Warn("skipping disk whose pool could not be found", "pool", disk.Source.Volume.Pool, "error", err)
		return
	}
	defer pool.Free()

	vol, err := pool.LookupStorageVolByName(disk.Source.Volume.Volume)
	if err != nil {
		s.logger.Warn("skipping disk whose volume could not be found", "volume", disk.Source.Volume.Volume, "error", err)
		return
	}
	defer vol.Free()

	if err := vol.Delete(libvirt.STORAGE_VOL_DELETE_NORMAL); err != nil {
		s.logger.Warn("unable to delete backing volume", "volume", disk.Source.Volume.Volume, "error", err)
	}
}

func targetOf(disk libvirtxml.DomainDisk) string {
	if disk.Target != nil {
		return disk.Target.Dev
	}
	return ""
}

// --- Disks ---

// AddDisk attaches a new disk, optionally creating the backing volume in
// an active pool whose target directory is path's parent.
func (s *Service) AddDisk(ctx context.Context, uri, uuid string, path, deviceType, bus string, create bool, sizeGB float64, format string) error {
	conn := s.pool.GetConnection(uri)
	if conn == nil {
		return vmerrors.Connectionf(uri, nil, "action: no live connection for %s", uri)
	}
	dom, err := s.lookup(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	d, err := s.readXML(dom)
	if err != nil {
		return err
	}

	existing := make([]string, 0)
	if d.Devices != nil {
		for _, disk := range d.Devices.Disks {
			if disk.Target != nil {
				existing = append(existing, disk.Target.Dev)
			}
		}
	}
	target := xmlmodel.NextFreeTarget(existing, bus)

	if create {
		poolName, dir, err := findPoolForDirectory(conn, path)
		if err != nil {
			return err
		}
		volXML, err := xmlmodel.NewVolumeXML(path[len(dir)+1:], xmlmodel.ParseCapacityGB(sizeGB), format)
		if err != nil {
			return err
		}
		pool, err := conn.LookupStoragePoolByName(poolName)
		if err != nil {
			return vmerrors.NotFoundf("action: pool %q not found: %v", poolName, err)
		}
		defer pool.Free()
		vol, err := pool.StorageVolCreateXML(volXML, 0)
		if err != nil {
			return vmerrors.ExternalProcessf(err, "action: unable to create volume for disk")
		}
		vol.Free()
	}

	if deviceType == "" {
		deviceType = "disk"
	}
	if err := xmlmodel.AddFileDisk(d, path, target, bus, format); err != nil {
		return err
	}
	if err := s.define(conn, d); err != nil {
		return err
	}
	s.invalidate(uuid)
	return nil
}

func findPoolForDirectory(conn *libvirt.Connect, path string) (poolName, dir string, err error) {
	dir = path[:strings.LastIndex(path, "/")]
	pools, lerr := conn.ListAllStoragePools(libvirt.CONNECT_LIST_STORAGE_POOLS_ACTIVE)
	if lerr != nil {
		return "", "", vmerrors.ExternalProcessf(lerr, "action: unable to list storage pools")
	}
	for _, pool := range pools {
		desc, derr := pool.GetXMLDesc(0)
		if derr != nil {
			pool.Free()
			continue
		}
		parsed, perr := xmlmodel.ParsePool(desc)
		if perr != nil {
			pool.Free()
			continue
		}
		if parsed.Target != nil && parsed.Target.Path == dir {
			name, nerr := pool.GetName()
			pool.Free()
			if nerr != nil {
				continue
			}
			return name, dir, nil
		}
		pool.Free()
	}
	return "", "", vmerrors.Preconditionf("action: no active pool found targeting directory %q", dir)
}

// RemoveDisk detaches a disk identified by target name, file path, or
// pool/volume name.
func (s *Service) RemoveDisk(ctx context.Context, uri, uuid, identifier string) error {
	conn := s.pool.GetConnection(uri)
	if conn == nil {
		return vmerrors.Connectionf(uri, nil, "action: no live connection for %s", uri)
	}
	dom, err := s.lookup(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	d, err := s.readXML(dom)
	if err != nil {
		return err
	}
	if d.Devices == nil {
		return vmerrors.NotFoundf("action: domain has no disks")
	}

	target := resolveDiskIdentifier(d, identifier)
	if target == "" {
		return vmerrors.NotFoundf("action: no disk matches %q", identifier)
	}

	if _, err := xmlmodel.RemoveDisk(d, target); err != nil {
		return err
	}
	if err := s.define(conn, d); err != nil {
		return err
	}
	s.invalidate(uuid)
	return nil
}

func resolveDiskIdentifier(d *libvirtxml.Domain, identifier string) string {
	if d.Devices == nil {
		return ""
	}
	for _, disk := range d.Devices.Disks {
		if disk.Target != nil && disk.Target.Dev == identifier {
			return disk.Target.Dev
		}
		if xmlmodel.DiskIdentity(&disk) == identifier && disk.Target != nil {
			return disk.Target.Dev
		}
	}
	return ""
}

// EnableDisk / DisableDisk move a disk between the live devices list and
// the vendor metadata subtree. Both require the VM to be stopped.
func (s *Service) DisableDisk(ctx context.Context, uri, uuid, target string) error {
	conn, d, dom, err := s.stoppedDomainXML(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	frag, err := xmlmodel.RemoveDisk(d, target)
	if err != nil {
		return err
	}
	xmlmodel.StashDisabledDisk(d, frag)

	if err := s.define(conn, d); err != nil {
		return err
	}
	s.invalidate(uuid)
	return nil
}

func (s *Service) EnableDisk(ctx context.Context, uri, uuid, target string) error {
	conn, d, dom, err := s.stoppedDomainXML(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	frag, ok := xmlmodel.PopDisabledDisk(d, target)
	if !ok {
		return vmerrors.NotFoundf("action: no disabled disk with target %q", target)
	}
	if err := xmlmodel.RestoreDisk(d, frag); err != nil {
		return err
	}
	if err := s.define(conn, d); err != nil {
		return err
	}
	s.invalidate(uuid)
	return nil
}

// SetDiskProperties updates cache/discard/bus on a stopped VM's disk.
func (s *Service) SetDiskProperties(ctx context.Context, uri, uuid, target, cache, discard, bus string) error {
	conn, d, dom, err := s.stoppedDomainXML(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	idx := xmlmodel.FindDiskByTarget(d, target)
	if idx < 0 {
		return vmerrors.NotFoundf("action: no disk with target %q", target)
	}
	disk := &d.Devices.Disks[idx]
	if disk.Driver == nil {
		disk.Driver = &libvirtxml.DomainDiskDriver{}
	}
	if cache != "" {
		disk.Driver.Cache = cache
	}
	if discard != "" {
		disk.Driver.Discard = discard
	}
	if bus != "" && disk.Target != nil {
		disk.Target.Bus = bus
	}

	if err := s.define(conn, d); err != nil {
		return err
	}
	s.invalidate(uuid)
	return nil
}

// stoppedDomainXML looks up a domain, requires it to be inactive, and
// returns its parsed persistent XML alongside the live connection.
func (s *Service) stoppedDomainXML(uri, uuid string) (*libvirt.Connect, *libvirtxml.Domain, *libvirt.Domain, error) {
	conn := s.pool.GetConnection(uri)
	if conn == nil {
		return nil, nil, nil, vmerrors.Connectionf(uri, nil, "action: no live connection for %s", uri)
	}
	dom, err := s.lookup(uri, uuid)
	if err != nil {
		return nil, nil, nil, err
	}

	active, err := isActive(dom)
	if err != nil {
		dom.Free()
		return nil, nil, nil, err
	}
	if active {
		dom.Free()
		return nil, nil, nil, vmerrors.Preconditionf("action: vm %s must be stopped for this operation", uuid)
	}

	d, err := s.readXML(dom)
	if err != nil {
		dom.Free()
		return nil, nil, nil, err
	}
	return conn, d, dom, nil
}

// --- Network interfaces ---

func (s *Service) AddNetworkInterface(ctx context.Context, uri, uuid, network, model string) error {
	conn := s.pool.GetConnection(uri)
	if conn == nil {
		return vmerrors.Connectionf(uri, nil, "action: no live connection for %s", uri)
	}
	dom, err := s.lookup(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	d, err := s.readXML(dom)
	if err != nil {
		return err
	}
	if err := xmlmodel.AddNIC(d, network, "", model); err != nil {
		return err
	}
	if err := s.define(conn, d); err != nil {
		return err
	}
	s.invalidate(uuid)
	return nil
}

func (s *Service) RemoveNetworkInterface(ctx context.Context, uri, uuid, mac string) error {
	conn := s.pool.GetConnection(uri)
	if conn == nil {
		return vmerrors.Connectionf(uri, nil, "action: no live connection for %s", uri)
	}
	dom, err := s.lookup(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	d, err := s.readXML(dom)
	if err != nil {
		return err
	}
	if err := xmlmodel.RemoveNIC(d, mac); err != nil {
		return err
	}
	if err := s.define(conn, d); err != nil {
		return err
	}
	s.invalidate(uuid)
	return nil
}

// ChangeVmNetwork rewrites an interface's network/model and attempts a
// live update via updateDeviceFlags; the persistent change is applied
// first and a failed live update is reported as a PartialSuccess.
func (s *Service) ChangeVmNetwork(ctx context.Context, uri, uuid, mac, newNetwork, newModel string) error {
	conn := s.pool.GetConnection(uri)
	if conn == nil {
		return vmerrors.Connectionf(uri, nil, "action: no live connection for %s", uri)
	}
	dom, err := s.lookup(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	d, err := s.readXML(dom)
	if err != nil {
		return err
	}
	idx := xmlmodel.FindNICByMAC(d, mac)
	if idx < 0 {
		return vmerrors.NotFoundf("action: no interface with mac %q", mac)
	}
	iface := &d.Devices.Interfaces[idx]
	if iface.Source == nil {
		iface.Source = &libvirtxml.DomainInterfaceSource{}
	}
	iface.Source.Network = &libvirtxml.DomainInterfaceSourceNetwork{Network: newNetwork}
	if newModel != "" {
		iface.Model = &libvirtxml.DomainInterfaceModel{Type: newModel}
	}

	if err := s.define(conn, d); err != nil {
		return err
	}

	active, aerr := isActive(dom)
	if aerr == nil && active {
		ifaceXML, merr := iface.Marshal()
		if merr == nil {
			if uerr := dom.UpdateDeviceFlags(ifaceXML, libvirt.DOMAIN_DEVICE_MODIFY_LIVE); uerr != nil {
				s.invalidate(uuid)
				return vmerrors.PartialSuccessf(uerr, "action: network change persisted but live update failed for %s", uuid)
			}
		}
	}

	s.invalidate(uuid)
	return nil
}

// --- CPU / memory ---

func (s *Service) SetVcpu(ctx context.Context, uri, uuid string, n uint) error {
	conn := s.pool.GetConnection(uri)
	if conn == nil {
		return vmerrors.Connectionf(uri, nil, "action: no live connection for %s", uri)
	}
	dom, err := s.lookup(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	d, err := s.readXML(dom)
	if err != nil {
		return err
	}
	if d.VCPU == nil {
		d.VCPU = &libvirtxml.DomainVCPU{}
	}
	d.VCPU.Value = n

	if err := s.define(conn, d); err != nil {
		return err
	}

	active, aerr := isActive(dom)
	if aerr == nil && active {
		if uerr := dom.SetVcpusFlags(n, libvirt.DOMAIN_VCPU_LIVE); uerr != nil {
			s.invalidate(uuid)
			return vmerrors.PartialSuccessf(uerr, "action: vcpu count persisted but live update failed for %s", uuid)
		}
	}

	s.invalidate(uuid)
	return nil
}

func (s *Service) SetMemory(ctx context.Context, uri, uuid string, mib uint64) error {
	conn := s.pool.GetConnection(uri)
	if conn == nil {
		return vmerrors.Connectionf(uri, nil, "action: no live connection for %s", uri)
	}
	dom, err := s.lookup(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	d, err := s.readXML(dom)
	if err != nil {
		return err
	}
	d.CurrentMemory = xmlmodel.ToCurrentMemory(mib)

	if err := s.define(conn, d); err != nil {
		return err
	}

	active, aerr := isActive(dom)
	if aerr == nil && active {
		if uerr := dom.SetMemoryFlags(mib*1024, libvirt.DOMAIN_MEM_LIVE); uerr != nil {
			s.invalidate(uuid)
			return vmerrors.PartialSuccessf(uerr, "action: memory size persisted but live update failed for %s", uuid)
		}
	}

	s.invalidate(uuid)
	return nil
}

// --- Firmware / machine type ---

// i440fxToQ35 reports whether changing a VM's machine type from cur to
// next crosses the i440fx -> q35 chipset boundary, the one migration
// documented as destructive: q35 has a different PCI topology, so every
// device's existing slot binding is likely to become invalid.
func i440fxToQ35(cur, next string) bool {
	return strings.HasPrefix(cur, "pc-i440fx") && strings.HasPrefix(next, "pc-q35")
}

// SetMachineType changes a stopped VM's machine type. Crossing the
// i440fx -> q35 boundary is destructive: it strips every disk's,
// controller's, and USB hostdev's PCI/USB address binding so libvirt
// re-assigns slots valid under q35's topology on the next define. A PCI
// passthrough hostdev can't be safely rehomed this way - its host-side
// address is fixed and q35's slot layout differs enough that the
// existing guest-side binding is not guaranteed to still be free - so
// the operation is refused rather than risk an unbootable VM.
func (s *Service) SetMachineType(ctx context.Context, uri, uuid, machine string) error {
	conn, d, dom, err := s.stoppedDomainXML(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	if d.OS == nil {
		d.OS = &libvirtxml.DomainOS{}
	}
	if d.OS.Type == nil {
		d.OS.Type = &libvirtxml.DomainOSType{}
	}
	current := d.OS.Type.Machine

	if i440fxToQ35(current, machine) {
		if d.Devices != nil {
			for _, h := range d.Devices.Hostdevs {
				if h.SubsysPCI != nil {
					return vmerrors.Preconditionf(
						"action: %s has a PCI passthrough hostdev that cannot be safely rehomed across the i440fx to q35 boundary", uuid)
				}
			}
			for i := range d.Devices.Disks {
				d.Devices.Disks[i].Address = nil
			}
			for i := range d.Devices.Controllers {
				d.Devices.Controllers[i].Address = nil
			}
			for i := range d.Devices.Hostdevs {
				d.Devices.Hostdevs[i].Address = nil
			}
		}
	}

	d.OS.Type.Machine = machine

	if err := s.define(conn, d); err != nil {
		return err
	}
	s.invalidate(uuid)
	return nil
}

func (s *Service) SetUefiFile(ctx context.Context, uri, uuid string, path *string, secureBoot bool) error {
	conn, d, dom, err := s.stoppedDomainXML(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	if d.OS == nil {
		d.OS = &libvirtxml.DomainOS{}
	}
	if path == nil {
		d.OS.Loader = nil
		d.OS.NVRam = nil
	} else {
		secure := "no"
		if secureBoot {
			secure = "yes"
		}
		d.OS.Loader = &libvirtxml.DomainLoader{
			Path:     *path,
			Readonly: "yes",
			Type:     "pflash",
			Secure:   secure,
		}
	}

	if err := s.define(conn, d); err != nil {
		return err
	}
	s.invalidate(uuid)
	return nil
}

// --- Boot ---

func (s *Service) SetBootInfo(ctx context.Context, uri, uuid string, menuEnabled bool, order []string) error {
	conn := s.pool.GetConnection(uri)
	if conn == nil {
		return vmerrors.Connectionf(uri, nil, "action: no live connection for %s", uri)
	}
	dom, err := s.lookup(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	d, err := s.readXML(dom)
	if err != nil {
		return err
	}
	if d.OS == nil {
		d.OS = &libvirtxml.DomainOS{}
	}
	d.OS.BootDevices = nil
	enable := "no"
	if menuEnabled {
		enable = "yes"
	}
	d.OS.BootMenu = &libvirtxml.DomainBootMenu{Enable: enable}

	if err := xmlmodel.SetBootOrder(d, order); err != nil {
		return err
	}
	if err := s.define(conn, d); err != nil {
		return err
	}
	s.invalidate(uuid)
	return nil
}

// --- Graphics ---

func (s *Service) SetVmGraphics(ctx context.Context, uri, uuid string, gtype, listen, address string, port int, autoPort, passwordEnabled bool, password string) error {
	conn, d, dom, err := s.stoppedDomainXML(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	if d.Devices == nil {
		d.Devices = &libvirtxml.DomainDeviceList{}
	}

	if gtype == "vnc" {
		issues := CheckForOtherSpiceDevices(d)
		if len(issues) > 0 {
			RemoveSpiceDevices(d)
		}
	}

	g := libvirtxml.DomainGraphic{}
	switch gtype {
	case "vnc":
		vnc := &libvirtxml.DomainGraphicVNC{AutoPort: yesNo(autoPort)}
		if autoPort {
			vnc.Port = -1
		} else {
			vnc.Port = port
		}
		if address != "" {
			vnc.Listen = address
		}
		if passwordEnabled {
			vnc.Passwd = password
		}
		g.VNC = vnc
	case "spice":
		spice := &libvirtxml.DomainGraphicSpice{AutoPort: yesNo(autoPort)}
		if autoPort {
			spice.Port = -1
		} else {
			spice.Port = port
		}
		if address != "" {
			spice.Listen = address
		}
		if passwordEnabled {
			spice.Passwd = password
		}
		g.Spice = spice
	default:
		d.Devices.Graphics = nil
		if err := s.define(conn, d); err != nil {
			return err
		}
		s.invalidate(uuid)
		return nil
	}

	d.Devices.Graphics = []libvirtxml.DomainGraphic{g}
	if err := s.define(conn, d); err != nil {
		return err
	}
	s.invalidate(uuid)
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// CheckForOtherSpiceDevices reports QXL video devices that would be left
// behind, and unusable, by switching the primary graphics device to VNC.
func CheckForOtherSpiceDevices(d *libvirtxml.Domain) []string {
	if d.Devices == nil {
		return nil
	}
	var issues []string
	for _, v := range d.Devices.Videos {
		if strings.EqualFold(v.Model.Type, "qxl") {
			issues = append(issues, "qxl video present")
		}
	}
	return issues
}

// RemoveSpiceDevices switches any QXL video model to virtio and, when the
// domain has no VNC graphics device, replaces its whole graphics list with
// a single autoport VNC device, which drops any SPICE device.
func RemoveSpiceDevices(d *libvirtxml.Domain) {
	if d.Devices == nil {
		return
	}
	for i := range d.Devices.Videos {
		if strings.EqualFold(d.Devices.Videos[i].Model.Type, "qxl") {
			d.Devices.Videos[i].Model.Type = "virtio"
		}
	}
	hasGraphics := false
	for _, g := range d.Devices.Graphics {
		if g.VNC != nil {
			hasGraphics = true
		}
	}
	if !hasGraphics {
		d.Devices.Graphics = []libvirtxml.DomainGraphic{{VNC: &libvirtxml.DomainGraphicVNC{Port: -1, AutoPort: "yes"}}}
	}
}

// --- TPM / RNG / Watchdog / VirtIO-FS ---

func (s *Service) SetTPM(ctx context.Context, uri, uuid, model, backend, version string) error {
	conn, d, dom, err := s.stoppedDomainXML(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	if d.Devices == nil {
		d.Devices = &libvirtxml.DomainDeviceList{}
	}
	tpm := libvirtxml.DomainTPM{Model: model}
	if backend == "emulator" {
		tpm.Backend = &libvirtxml.DomainTPMBackend{Emulator: &libvirtxml.DomainTPMBackendEmulator{Version: version}}
	} else {
		tpm.Backend = &libvirtxml.DomainTPMBackend{Passthrough: &libvirtxml.DomainTPMBackendPassthrough{}}
	}
	d.Devices.TPMs = []libvirtxml.DomainTPM{tpm}

	if err := s.define(conn, d); err != nil {
		return err
	}
	s.invalidate(uuid)
	return nil
}

func (s *Service) SetRNG(ctx context.Context, uri, uuid, model, backendDevice string) error {
	conn, d, dom, err := s.stoppedDomainXML(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	if d.Devices == nil {
		d.Devices = &libvirtxml.DomainDeviceList{}
	}
	d.Devices.RNGs = []libvirtxml.DomainRNG{{
		Model:   model,
		Backend: &libvirtxml.DomainRNGBackend{Random: &libvirtxml.DomainRNGBackendRandom{Device: backendDevice}},
	}}

	if err := s.define(conn, d); err != nil {
		return err
	}
	s.invalidate(uuid)
	return nil
}

func (s *Service) SetWatchdog(ctx context.Context, uri, uuid, model, action string) error {
	conn, d, dom, err := s.stoppedDomainXML(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	if d.Devices == nil {
		d.Devices = &libvirtxml.DomainDeviceList{}
	}
	d.Devices.Watchdogs = []libvirtxml.DomainWatchdog{{Model: model, Action: action}}

	if err := s.define(conn, d); err != nil {
		return err
	}
	s.invalidate(uuid)
	return nil
}

func (s *Service) AddVirtiofs(ctx context.Context, uri, uuid, source, target string, readOnly bool) error {
	conn, d, dom, err := s.stoppedDomainXML(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	if err := xmlmodel.AddVirtiofsShare(d, source, target, readOnly); err != nil {
		return err
	}
	if err := s.define(conn, d); err != nil {
		return err
	}
	s.invalidate(uuid)
	return nil
}

func (s *Service) RemoveVirtiofs(ctx context.Context, uri, uuid, target string) error {
	conn, d, dom, err := s.stoppedDomainXML(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	if d.Devices == nil {
		return vmerrors.NotFoundf("action: domain has no filesystem devices")
	}
	idx := -1
	for i, fs := range d.Devices.Filesystems {
		if fs.Target != nil && fs.Target.Dir == target {
			idx = i
			break
		}
	}
	if idx < 0 {
		return vmerrors.NotFoundf("action: no virtiofs share with target %q", target)
	}
	d.Devices.Filesystems = append(d.Devices.Filesystems[:idx], d.Devices.Filesystems[idx+1:]...)

	if err := s.define(conn, d); err != nil {
		return err
	}
	s.invalidate(uuid)
	return nil
}

// CloneVM defines a new domain from src's persistent XML under a new name
// and UUID, without copying backing storage — a supplemental operation
// beyond the original distillation's scope, grounded on the source
// project's vm_actions clone path.
func (s *Service) CloneVM(ctx context.Context, uri, srcUUID, newName string) (string, error) {
	conn := s.pool.GetConnection(uri)
	if conn == nil {
		return "", vmerrors.Connectionf(uri, nil, "action: no live connection for %s", uri)
	}
	dom, err := s.lookup(uri, srcUUID)
	if err != nil {
		return "", err
	}
	defer dom.Free()

	d, err := s.readXML(dom)
	if err != nil {
		return "", err
	}
	d.Name = newName
	d.UUID = uuid.New().String()

	out, err := xmlmodel.SerializeDomain(d)
	if err != nil {
		return "", err
	}
	cloned, err := conn.DomainDefineXML(out)
	if err != nil {
		return "", vmerrors.ExternalProcessf(err, "action: unable to define cloned domain %q", newName)
	}
	defer cloned.Free()

	newUUID, err := cloned.GetUUIDString()
	if err != nil {
		return "", vmerrors.ExternalProcessf(err, "action: unable to read cloned domain uuid")
	}
	return newUUID, nil
}

// RenameVM undefines and redefines a stopped domain under a new name,
// since libvirt has no in-place rename. A domain carrying snapshots
// refuses the rename unless deleteSnapshots is set, in which case every
// snapshot is deleted first — snapshot metadata embeds the domain name
// it was taken against, so renaming out from under it would orphan it.
// Grounded the same way as CloneVM.
func (s *Service) RenameVM(ctx context.Context, uri, uuid, newName string, deleteSnapshots bool) error {
	conn, d, dom, err := s.stoppedDomainXML(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	numSnapshots, err := dom.SnapshotNum(0)
	if err != nil {
		return vmerrors.ExternalProcessf(err, "action: unable to count snapshots for %s", uuid)
	}
	if numSnapshots > 0 {
		if !deleteSnapshots {
			return vmerrors.Preconditionf("action: cannot rename %s with %d snapshot(s) present", uuid, numSnapshots)
		}
		snaps, err := dom.ListAllSnapshots(0)
		if err != nil {
			return vmerrors.ExternalProcessf(err, "action: unable to list snapshots for %s", uuid)
		}
		for _, snap := range snaps {
			if derr := snap.Delete(0); derr != nil {
				snap.Free()
				return vmerrors.ExternalProcessf(derr, "action: unable to delete snapshot before renaming %s", uuid)
			}
			snap.Free()
		}
	}

	oldXML, err := xmlmodel.SerializeDomain(d)
	if err != nil {
		return err
	}
	d.Name = newName

	if err := dom.UndefineFlags(libvirt.DOMAIN_UNDEFINE_SNAPSHOTS_METADATA); err != nil {
		return vmerrors.ExternalProcessf(err, "action: unable to undefine %s before rename", uuid)
	}
	if err := s.define(conn, d); err != nil {
		// Best effort: put the original definition back so a failed
		// rename doesn't leave the VM permanently undefined.
		if redefErr := s.define(conn, mustReparse(oldXML)); redefErr != nil {
			s.logger.Error("unable to restore original definition after failed rename", "uuid", uuid, "error", redefErr)
		}
		return err
	}
	s.invalidate(uuid)
	return nil
}

func mustReparse(xml string) *libvirtxml.Domain {
	d, err := xmlmodel.ParseDomain(xml)
	if err != nil {
		return &libvirtxml.Domain{}
	}
	return d
}
