// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package storage implements the storage engine (component C7): pool and
// volume CRUD, plus the cross-pool volume move that streams a volume's
// bytes through a pipe without ever touching local disk.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sync/errgroup"
	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/hashicorp/vmanager-core/internal/connpool"
	"github.com/hashicorp/vmanager-core/internal/domain"
	"github.com/hashicorp/vmanager-core/internal/events"
	"github.com/hashicorp/vmanager-core/internal/vmerrors"
	"github.com/hashicorp/vmanager-core/internal/xmlmodel"
)

// Engine implements pool/volume management and cross-pool moves.
type Engine struct {
	pool   *connpool.Pool
	events *events.Bus
	logger hclog.Logger
}

// New constructs an Engine.
func New(pool *connpool.Pool, bus *events.Bus, logger hclog.Logger) *Engine {
	return &Engine{pool: pool, events: bus, logger: logger.Named("storage")}
}

func (e *Engine) conn(uri string) (*libvirt.Connect, error) {
	conn := e.pool.GetConnection(uri)
	if conn == nil {
		return nil, vmerrors.Connectionf(uri, nil, "storage: no live connection for %s", uri)
	}
	return conn, nil
}

// ListPools returns every storage pool visible on uri, active and
// inactive alike.
func (e *Engine) ListPools(ctx context.Context, uri string) ([]domain.StoragePool, error) {
	conn, err := e.conn(uri)
	if err != nil {
		return nil, err
	}

	pools, err := conn.ListAllStoragePools(0)
	if err != nil {
		return nil, vmerrors.ExternalProcessf(err, "storage: unable to list pools on %s", uri)
	}

	out := make([]domain.StoragePool, 0, len(pools))
	for _, p := range pools {
		sp, perr := toStoragePool(&p)
		if perr == nil {
			out = append(out, sp)
		}
		p.Free()
	}
	return out, nil
}

func toStoragePool(p *libvirt.StoragePool) (domain.StoragePool, error) {
	name, err := p.GetName()
	if err != nil {
		return domain.StoragePool{}, err
	}
	active, err := p.IsActive()
	if err != nil {
		return domain.StoragePool{}, err
	}
	autostart, err := p.GetAutostart()
	if err != nil {
		autostart = false
	}
	info, err := p.GetInfo()
	if err != nil {
		return domain.StoragePool{}, err
	}

	sp := domain.StoragePool{
		Name:       name,
		Active:     active,
		Autostart:  autostart,
		Capacity:   info.Capacity,
		Allocation: info.Allocation,
		Type:       domain.PoolDir,
	}

	if desc, derr := p.GetXMLDesc(0); derr == nil {
		if parsed, perr := xmlmodel.ParsePool(desc); perr == nil {
			sp.Type = domain.PoolType(parsed.Type)
			if parsed.Target != nil {
				sp.TargetPath = parsed.Target.Path
			}
		}
	}
	return sp, nil
}

// ListVolumes returns every volume in pool poolName on uri.
func (e *Engine) ListVolumes(ctx context.Context, uri, poolName string) ([]domain.StorageVolume, error) {
	conn, err := e.conn(uri)
	if err != nil {
		return nil, err
	}
	pool, err := conn.LookupStoragePoolByName(poolName)
	if err != nil {
		return nil, vmerrors.NotFoundf("storage: pool %q not found on %s: %v", poolName, uri, err)
	}
	defer pool.Free()

	vols, err := pool.ListAllStorageVolumes(0)
	if err != nil {
		return nil, vmerrors.ExternalProcessf(err, "storage: unable to list volumes in pool %q", poolName)
	}

	out := make([]domain.StorageVolume, 0, len(vols))
	for _, v := range vols {
		sv, verr := toStorageVolume(&v, poolName)
		if verr == nil {
			out = append(out, sv)
		}
		v.Free()
	}
	return out, nil
}

func toStorageVolume(v *libvirt.StorageVol, poolName string) (domain.StorageVolume, error) {
	name, err := v.GetName()
	if err != nil {
		return domain.StorageVolume{}, err
	}
	path, err := v.GetPath()
	if err != nil {
		path = ""
	}
	info, err := v.GetInfo()
	if err != nil {
		return domain.StorageVolume{}, err
	}

	sv := domain.StorageVolume{
		Name:       name,
		Pool:       poolName,
		Path:       path,
		Capacity:   info.Capacity,
		Allocation: info.Allocation,
	}
	if desc, derr := v.GetXMLDesc(0); derr == nil {
		if parsed, perr := xmlmodel.ParseVolume(desc); perr == nil && parsed.Target != nil && parsed.Target.Format != nil {
			sv.Format = parsed.Target.Format.Type
		}
	}
	return sv, nil
}

// CreatePool defines and starts a new directory-backed storage pool.
func (e *Engine) CreatePool(ctx context.Context, uri, name, targetPath string) error {
	conn, err := e.conn(uri)
	if err != nil {
		return err
	}
	spec := libvirtxml.StoragePool{
		Name:   name,
		Type:   string(domain.PoolDir),
		Target: &libvirtxml.StoragePoolTarget{Path: targetPath},
	}
	xmlDoc, err := spec.Marshal()
	if err != nil {
		return vmerrors.Invalidf("storage: unable to render pool xml for %q: %v", name, err)
	}
	pool, err := conn.StoragePoolDefineXML(xmlDoc, 0)
	if err != nil {
		return vmerrors.ExternalProcessf(err, "storage: unable to define pool %q", name)
	}
	defer pool.Free()
	if err := pool.Create(0); err != nil {
		return vmerrors.ExternalProcessf(err, "storage: unable to start pool %q", name)
	}
	if err := pool.SetAutostart(true); err != nil {
		e.logger.Warn("unable to set pool autostart", "pool", name, "error", err)
	}
	return nil
}

// SetPoolActive starts or stops a pool.
func (e *Engine) SetPoolActive(ctx context.Context, uri, poolName string, active bool) error {
	conn, err := e.conn(uri)
	if err != nil {
		return err
	}
	pool, err := conn.LookupStoragePoolByName(poolName)
	if err != nil {
		return vmerrors.NotFoundf("storage: pool %q not found on %s: %v", poolName, uri, err)
	}
	defer pool.Free()

	if active {
		if err := pool.Create(0); err != nil {
			return vmerrors.ExternalProcessf(err, "storage: unable to activate pool %q", poolName)
		}
		return nil
	}
	if err := pool.Destroy(); err != nil {
		return vmerrors.ExternalProcessf(err, "storage: unable to deactivate pool %q", poolName)
	}
	return nil
}

// SetPoolAutostart toggles a pool's autostart flag.
func (e *Engine) SetPoolAutostart(ctx context.Context, uri, poolName string, autostart bool) error {
	conn, err := e.conn(uri)
	if err != nil {
		return err
	}
	pool, err := conn.LookupStoragePoolByName(poolName)
	if err != nil {
		return vmerrors.NotFoundf("storage: pool %q not found on %s: %v", poolName, uri, err)
	}
	defer pool.Free()
	if err := pool.SetAutostart(autostart); err != nil {
		return vmerrors.ExternalProcessf(err, "storage: unable to set autostart on pool %q", poolName)
	}
	return nil
}

// DeletePool destroys (if active) and undefines a pool.
func (e *Engine) DeletePool(ctx context.Context, uri, poolName string) error {
	conn, err := e.conn(uri)
	if err != nil {
		return err
	}
	pool, err := conn.LookupStoragePoolByName(poolName)
	if err != nil {
		return vmerrors.NotFoundf("storage: pool %q not found on %s: %v", poolName, uri, err)
	}
	defer pool.Free()

	if active, _ := pool.IsActive(); active {
		if err := pool.Destroy(); err != nil {
			return vmerrors.ExternalProcessf(err, "storage: unable to stop pool %q before deleting it", poolName)
		}
	}
	if err := pool.Undefine(); err != nil {
		return vmerrors.ExternalProcessf(err, "storage: unable to undefine pool %q", poolName)
	}
	return nil
}

// CreateVolume creates a new volume in poolName.
func (e *Engine) CreateVolume(ctx context.Context, uri, poolName, name string, capacityBytes uint64, format string) error {
	conn, err := e.conn(uri)
	if err != nil {
		return err
	}
	pool, err := conn.LookupStoragePoolByName(poolName)
	if err != nil {
		return vmerrors.NotFoundf("storage: pool %q not found on %s: %v", poolName, uri, err)
	}
	defer pool.Free()

	if active, _ := pool.IsActive(); !active {
		return vmerrors.Preconditionf("storage: pool %q is not active", poolName)
	}

	volXML, err := xmlmodel.NewVolumeXML(name, capacityBytes, format)
	if err != nil {
		return vmerrors.Invalidf("storage: unable to render volume xml for %q: %v", name, err)
	}
	vol, err := pool.StorageVolCreateXML(volXML, 0)
	if err != nil {
		return vmerrors.ExternalProcessf(err, "storage: unable to create volume %q in pool %q", name, poolName)
	}
	vol.Free()
	return nil
}

// DeleteVolume deletes a volume from poolName.
func (e *Engine) DeleteVolume(ctx context.Context, uri, poolName, volName string) error {
	conn, err := e.conn(uri)
	if err != nil {
		return err
	}
	pool, err := conn.LookupStoragePoolByName(poolName)
	if err != nil {
		return vmerrors.NotFoundf("storage: pool %q not found on %s: %v", poolName, uri, err)
	}
	defer pool.Free()

	vol, err := pool.LookupStorageVolByName(volName)
	if err != nil {
		return vmerrors.NotFoundf("storage: volume %q not found in pool %q: %v", volName, poolName, err)
	}
	defer vol.Free()

	if err := vol.Delete(libvirt.STORAGE_VOL_DELETE_NORMAL); err != nil {
		return vmerrors.ExternalProcessf(err, "storage: unable to delete volume %q", volName)
	}
	return nil
}

// ProgressFunc reports a move's completion percentage, 0-100.
type ProgressFunc func(percent float64)

// LogFunc reports a human-readable progress line during a move.
type LogFunc func(message string)

// MoveVolume relocates volName from srcPool to dstPool, optionally
// renaming it to newVolName, streaming its bytes through an in-memory
// pipe rather than staging to local disk. It refuses to move a volume in
// use by a running VM; VMs referencing it while stopped have their
// persistent definitions rewritten to point at the new location. Returns
// the names of VMs whose definitions were updated.
func (e *Engine) MoveVolume(ctx context.Context, uri, srcPool, dstPool, volName, newVolName string, onProgress ProgressFunc, onLog LogFunc) ([]string, error) {
	if newVolName == "" {
		newVolName = volName
	}
	log := func(msg string) {
		if onLog != nil {
			onLog(msg)
		}
		e.logger.Info(msg)
	}
	progress := func(pct float64) {
		if onProgress != nil {
			onProgress(pct)
		}
	}

	conn, err := e.conn(uri)
	if err != nil {
		return nil, err
	}

	srcPoolH, err := conn.LookupStoragePoolByName(srcPool)
	if err != nil {
		return nil, vmerrors.NotFoundf("storage: source pool %q not found: %v", srcPool, err)
	}
	defer srcPoolH.Free()
	dstPoolH, err := conn.LookupStoragePoolByName(dstPool)
	if err != nil {
		return nil, vmerrors.NotFoundf("storage: destination pool %q not found: %v", dstPool, err)
	}
	defer dstPoolH.Free()

	srcVol, err := srcPoolH.LookupStorageVolByName(volName)
	if err != nil {
		return nil, vmerrors.NotFoundf("storage: volume %q not found in pool %q: %v", volName, srcPool, err)
	}
	defer srcVol.Free()

	srcPath, err := srcVol.GetPath()
	if err != nil {
		return nil, vmerrors.ExternalProcessf(err, "storage: unable to resolve path of volume %q", volName)
	}
	srcInfo, err := srcVol.GetInfo()
	if err != nil {
		return nil, vmerrors.ExternalProcessf(err, "storage: unable to read info for volume %q", volName)
	}
	capacity := srcInfo.Capacity

	format := "qcow2"
	if desc, derr := srcVol.GetXMLDesc(0); derr == nil {
		if parsed, perr := xmlmodel.ParseVolume(desc); perr == nil && parsed.Target != nil && parsed.Target.Format != nil && parsed.Target.Format.Type != "" {
			format = parsed.Target.Format.Type
		}
	}

	// Pre-flight: refuse to move a volume any running VM has open.
	usingVMs, err := findVMsUsingVolume(conn, srcPath, volName)
	if err != nil {
		return nil, err
	}
	var running []string
	var offline []*libvirt.Domain
	for _, vm := range usingVMs {
		active, aerr := vm.IsActive()
		if aerr != nil {
			vm.Free()
			continue
		}
		if active {
			name, _ := vm.GetName()
			running = append(running, name)
			vm.Free()
			continue
		}
		offline = append(offline, vm)
	}
	if len(running) > 0 {
		for _, vm := range offline {
			vm.Free()
		}
		return nil, vmerrors.Conflictf("storage: cannot move volume %q, in use by running VM(s): %s", volName, strings.Join(running, ", "))
	}
	defer func() {
		for _, vm := range offline {
			vm.Free()
		}
	}()
	if len(offline) > 0 {
		names := make([]string, 0, len(offline))
		for _, vm := range offline {
			n, _ := vm.GetName()
			names = append(names, n)
		}
		log(fmt.Sprintf("volume is used by offline VM(s) %s; their configuration will be updated after the move", strings.Join(names, ", ")))
	}

	if active, _ := dstPoolH.IsActive(); !active {
		return nil, vmerrors.Preconditionf("storage: destination pool %q is not active", dstPool)
	}

	if err := checkTempDirFreeSpace(capacity); err != nil {
		return nil, err
	}

	volXML, err := xmlmodel.NewVolumeXML(newVolName, capacity, format)
	if err != nil {
		return nil, vmerrors.Invalidf("storage: unable to render destination volume xml: %v", err)
	}
	dstVol, err := dstPoolH.StorageVolCreateXML(volXML, 0)
	if err != nil {
		return nil, vmerrors.ExternalProcessf(err, "storage: unable to create destination volume %q", newVolName)
	}
	cleanupDst := true
	defer func() {
		if cleanupDst {
			if derr := dstVol.Delete(libvirt.STORAGE_VOL_DELETE_NORMAL); derr != nil {
				e.logger.Warn("unable to clean up partial destination volume", "volume", newVolName, "error", derr)
			}
		}
		dstVol.Free()
	}()

	log(fmt.Sprintf("starting stream transfer of volume %q (%d bytes)", volName, capacity))
	if err := e.stream(conn, srcVol, dstVol, capacity, progress, log); err != nil {
		return nil, err
	}
	log("stream transfer complete")
	progress(100)

	if err := dstPoolH.Refresh(0); err != nil {
		e.logger.Warn("unable to refresh destination pool after move", "pool", dstPool, "error", err)
	}

	dstPath, err := dstVol.GetPath()
	if err != nil {
		return nil, vmerrors.ExternalProcessf(err, "storage: unable to resolve path of new volume %q", newVolName)
	}

	var updated []string
	for _, vm := range offline {
		changed, name, rerr := rewriteVMVolumeReference(conn, vm, srcPath, dstPath, srcPool, dstPool, volName, newVolName)
		if rerr != nil {
			e.logger.Warn("unable to update VM referencing moved volume", "vm", name, "error", rerr)
			continue
		}
		if changed {
			updated = append(updated, name)
		}
	}
	if len(updated) > 0 {
		log(fmt.Sprintf("updated configuration for VM(s): %s", strings.Join(updated, ", ")))
	}

	cleanupDst = false
	log(fmt.Sprintf("deleting original volume %q", volName))
	if err := srcVol.Delete(libvirt.STORAGE_VOL_DELETE_NORMAL); err != nil {
		return updated, vmerrors.PartialSuccessf(err, "storage: move completed but unable to delete original volume %q", volName)
	}
	if err := srcPoolH.Refresh(0); err != nil {
		e.logger.Warn("unable to refresh source pool after move", "pool", srcPool, "error", err)
	}

	return updated, nil
}

// stream pipes srcVol's bytes into dstVol through an in-memory pipe,
// running the download and upload sides concurrently; an error on either
// side aborts both.
func (e *Engine) stream(conn *libvirt.Connect, srcVol, dstVol *libvirt.StorageVol, capacity uint64, progress ProgressFunc, log LogFunc) error {
	downloadStream, err := conn.NewStream(0)
	if err != nil {
		return vmerrors.ExternalProcessf(err, "storage: unable to open download stream")
	}
	defer downloadStream.Free()
	uploadStream, err := conn.NewStream(0)
	if err != nil {
		return vmerrors.ExternalProcessf(err, "storage: unable to open upload stream")
	}
	defer uploadStream.Free()

	r, w := io.Pipe()

	g, _ := errgroup.WithContext(context.Background())

	g.Go(func() error {
		defer w.Close()
		if err := srcVol.Download(downloadStream, 0, capacity, 0); err != nil {
			downloadStream.Abort()
			return vmerrors.ExternalProcessf(err, "storage: unable to start volume download")
		}
		var downloaded uint64
		sinkErr := downloadStream.RecvAll(func(_ *libvirt.Stream, data []byte) (int, error) {
			n, werr := w.Write(data)
			if werr != nil {
				return 0, werr
			}
			downloaded += uint64(n)
			if capacity > 0 {
				progress(float64(downloaded) / float64(capacity) * 50)
			}
			return n, nil
		})
		if sinkErr != nil {
			downloadStream.Abort()
			w.CloseWithError(sinkErr)
			return vmerrors.ExternalProcessf(sinkErr, "storage: volume download failed")
		}
		log("download stream finished")
		return downloadStream.Finish()
	})

	g.Go(func() error {
		defer r.Close()
		if err := dstVol.Upload(uploadStream, 0, capacity, 0); err != nil {
			uploadStream.Abort()
			return vmerrors.ExternalProcessf(err, "storage: unable to start volume upload")
		}
		var uploaded uint64
		sourceErr := uploadStream.SendAll(func(_ *libvirt.Stream, nbytes int) ([]byte, error) {
			buf := make([]byte, nbytes)
			n, rerr := r.Read(buf)
			if n > 0 {
				uploaded += uint64(n)
				if capacity > 0 {
					progress(50 + float64(uploaded)/float64(capacity)*50)
				}
				return buf[:n], nil
			}
			if rerr == io.EOF {
				return []byte{}, nil
			}
			return nil, rerr
		})
		if sourceErr != nil {
			uploadStream.Abort()
			return vmerrors.ExternalProcessf(sourceErr, "storage: volume upload failed")
		}
		log("upload stream finished")
		return uploadStream.Finish()
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

// checkTempDirFreeSpace refuses a move before the destination volume is
// ever created if the host's temp directory has fewer than required bytes
// free, mirroring storage_manager.py's own
// shutil.disk_usage(tempfile.gettempdir()) preflight. The move itself
// streams through an in-memory pipe and writes nothing to that directory.
func checkTempDirFreeSpace(required uint64) error {
	usage, err := disk.Usage(os.TempDir())
	if err != nil {
		return vmerrors.ExternalProcessf(err, "storage: unable to check free space in temp directory")
	}
	if usage.Free < required {
		return vmerrors.Preconditionf(
			"storage: insufficient free space in temp directory (%d bytes free, %d bytes required)", usage.Free, required)
	}
	return nil
}

// findVMsUsingVolume scans every domain's disks, matching by direct
// path or by pool/volume reference, the same two cases the Python
// implementation's find_vms_using_volume checked.
func findVMsUsingVolume(conn *libvirt.Connect, volPath, volName string) ([]*libvirt.Domain, error) {
	doms, err := conn.ListAllDomains(0)
	if err != nil {
		return nil, vmerrors.ExternalProcessf(err, "storage: unable to list domains")
	}
	var matches []*libvirt.Domain
	for i := range doms {
		dom := doms[i]
		desc, derr := dom.GetXMLDesc(0)
		if derr != nil {
			dom.Free()
			continue
		}
		if !strings.Contains(desc, volName) {
			dom.Free()
			continue
		}
		parsed, perr := xmlmodel.ParseDomain(desc)
		if perr != nil || parsed.Devices == nil {
			dom.Free()
			continue
		}
		found := false
		for _, disk := range parsed.Devices.Disks {
			if disk.Source == nil {
				continue
			}
			if disk.Source.File != nil && disk.Source.File.File == volPath {
				found = true
				break
			}
			if disk.Source.Block != nil && disk.Source.Block.Dev == volPath {
				found = true
				break
			}
			if disk.Source.Volume != nil && disk.Source.Volume.Volume == volName {
				found = true
				break
			}
		}
		if found {
			matches = append(matches, &dom)
		} else {
			dom.Free()
		}
	}
	return matches, nil
}

// rewriteVMVolumeReference updates vm's persistent definition so its disk
// source points at the new volume location, redefining it on conn.
func rewriteVMVolumeReference(conn *libvirt.Connect, vm *libvirt.Domain, oldPath, newPath, oldPool, newPool, oldVolName, newVolName string) (changed bool, name string, err error) {
	name, _ = vm.GetName()
	desc, err := vm.GetXMLDesc(0)
	if err != nil {
		return false, name, err
	}
	parsed, err := xmlmodel.ParseDomain(desc)
	if err != nil || parsed.Devices == nil {
		return false, name, err
	}

	for i := range parsed.Devices.Disks {
		disk := &parsed.Devices.Disks[i]
		if disk.Source == nil {
			continue
		}
		if disk.Source.File != nil && disk.Source.File.File == oldPath {
			disk.Source.File.File = newPath
			changed = true
		}
		if disk.Source.Block != nil && disk.Source.Block.Dev == oldPath {
			disk.Source.Block.Dev = newPath
			changed = true
		}
		if disk.Source.Volume != nil && disk.Source.Volume.Pool == oldPool && disk.Source.Volume.Volume == oldVolName {
			disk.Source.Volume.Pool = newPool
			disk.Source.Volume.Volume = newVolName
			changed = true
		}
	}
	if !changed {
		return false, name, nil
	}

	newXML, err := xmlmodel.SerializeDomain(parsed)
	if err != nil {
		return false, name, err
	}
	if _, err := conn.DomainDefineXML(newXML); err != nil {
		return false, name, err
	}
	return true, name, nil
}
