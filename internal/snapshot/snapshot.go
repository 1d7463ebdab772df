// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package snapshot implements VM snapshot management: listing, taking,
// deleting, and reverting to a point-in-time snapshot. "snapshot
// create/list/delete" is listed among the hypervisor capabilities every
// component consumes, but it has no owning component of its own in the
// distilled spec; this package gives it one.
package snapshot

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/hashicorp/vmanager-core/internal/cache"
	"github.com/hashicorp/vmanager-core/internal/connpool"
	"github.com/hashicorp/vmanager-core/internal/events"
	"github.com/hashicorp/vmanager-core/internal/vmerrors"
)

// Info is the derived view of one domain snapshot.
type Info struct {
	Name        string
	Description string
	CreatedAt   int64
	Current     bool
}

// Service implements snapshot management for a single VM at a time.
type Service struct {
	pool   *connpool.Pool
	cache  *cache.Cache
	events *events.Bus
	logger hclog.Logger
}

// New constructs a Service.
func New(pool *connpool.Pool, c *cache.Cache, bus *events.Bus, logger hclog.Logger) *Service {
	return &Service{pool: pool, cache: c, events: bus, logger: logger.Named("snapshot")}
}

func (s *Service) lookup(uri, uuid string) (*libvirt.Domain, error) {
	conn := s.pool.GetConnection(uri)
	if conn == nil {
		return nil, vmerrors.Connectionf(uri, nil, "snapshot: no live connection for %s", uri)
	}
	dom, err := conn.LookupDomainByUUIDString(uuid)
	if err != nil {
		return nil, vmerrors.NotFoundf("snapshot: domain %s not found: %v", uuid, err)
	}
	return dom, nil
}

// ListSnapshots returns every snapshot defined for uuid, oldest first by
// libvirt's own listing order.
func (s *Service) ListSnapshots(ctx context.Context, uri, uuid string) ([]Info, error) {
	dom, err := s.lookup(uri, uuid)
	if err != nil {
		return nil, err
	}
	defer dom.Free()

	snaps, err := dom.ListAllSnapshots(0)
	if err != nil {
		return nil, vmerrors.ExternalProcessf(err, "snapshot: unable to list snapshots for %s", uuid)
	}

	current, _ := dom.HasCurrentSnapshot(0)
	var currentName string
	if current {
		if cs, cerr := dom.GetCurrentSnapshot(0); cerr == nil {
			currentName, _ = cs.GetName()
			cs.Free()
		}
	}

	out := make([]Info, 0, len(snaps))
	for _, snap := range snaps {
		info, ierr := toInfo(&snap, currentName)
		if ierr == nil {
			out = append(out, info)
		}
		snap.Free()
	}
	return out, nil
}

func toInfo(snap *libvirt.DomainSnapshot, currentName string) (Info, error) {
	name, err := snap.GetName()
	if err != nil {
		return Info{}, err
	}
	info := Info{Name: name, Current: name == currentName}

	desc, err := snap.GetXMLDesc(0)
	if err != nil {
		return info, nil
	}
	parsed := &libvirtxml.DomainSnapshot{}
	if perr := parsed.Unmarshal(desc); perr == nil {
		info.Description = parsed.Description
		info.CreatedAt = parseCreationTime(parsed.CreationTime)
	}
	return info, nil
}

func parseCreationTime(raw string) int64 {
	var seconds int64
	if _, err := fmt.Sscanf(raw, "%d", &seconds); err != nil {
		return 0
	}
	return seconds
}

// CreateSnapshot takes a new snapshot of uuid's current state. When
// diskOnly is set the snapshot captures disk contents only, without
// memory state, matching a crash-consistent (not live) restore point.
func (s *Service) CreateSnapshot(ctx context.Context, uri, uuid, name, description string, diskOnly bool) error {
	dom, err := s.lookup(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	def := &libvirtxml.DomainSnapshot{Name: name, Description: description}
	xmlDesc, err := def.Marshal()
	if err != nil {
		return vmerrors.Invalidf("snapshot: unable to build snapshot xml for %s: %v", name, err)
	}

	var flags libvirt.DomainSnapshotCreateFlags
	if diskOnly {
		flags |= libvirt.DOMAIN_SNAPSHOT_CREATE_DISK_ONLY
	}

	snap, err := dom.CreateSnapshotXML(xmlDesc, flags)
	if err != nil {
		return vmerrors.ExternalProcessf(err, "snapshot: unable to create snapshot %s for %s", name, uuid)
	}
	snap.Free()

	if s.events != nil {
		s.events.Publish(ctx, events.Event{Kind: events.KindVMChanged, VMUUID: uuid, Message: fmt.Sprintf("snapshot %s created", name)})
	}
	return nil
}

// DeleteSnapshot removes a single named snapshot's metadata and, for a
// disk-backed snapshot, its storage.
func (s *Service) DeleteSnapshot(ctx context.Context, uri, uuid, name string) error {
	dom, err := s.lookup(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	snap, err := dom.SnapshotLookupByName(name, 0)
	if err != nil {
		return vmerrors.NotFoundf("snapshot: %s not found on %s", name, uuid)
	}
	defer snap.Free()

	if err := snap.Delete(0); err != nil {
		return vmerrors.ExternalProcessf(err, "snapshot: unable to delete snapshot %s", name)
	}
	return nil
}

// RevertSnapshot reverts uuid's disks (and, for a full snapshot, memory
// state) back to a prior snapshot. The VM's running state afterward
// follows whatever the snapshot itself captured.
func (s *Service) RevertSnapshot(ctx context.Context, uri, uuid, name string) error {
	dom, err := s.lookup(uri, uuid)
	if err != nil {
		return err
	}
	defer dom.Free()

	snap, err := dom.SnapshotLookupByName(name, 0)
	if err != nil {
		return vmerrors.NotFoundf("snapshot: %s not found on %s", name, uuid)
	}
	defer snap.Free()

	if err := dom.RevertToSnapshot(snap, 0); err != nil {
		return vmerrors.ExternalProcessf(err, "snapshot: unable to revert %s to %s", uuid, name)
	}

	s.cache.InvalidateVM(uuid)
	if s.events != nil {
		s.events.Publish(ctx, events.Event{Kind: events.KindVMChanged, VMUUID: uuid, Message: fmt.Sprintf("reverted to snapshot %s", name)})
	}
	return nil
}
