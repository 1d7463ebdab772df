// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package query implements the VM query service (component C4): it
// composes a full domain.VMInfo from the metadata cache (C3) and the XML
// model helpers (C2), and never mutates anything.
package query

import (
	"context"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"
	"libvirt.org/go/libvirt"

	"github.com/hashicorp/vmanager-core/internal/cache"
	"github.com/hashicorp/vmanager-core/internal/connpool"
	"github.com/hashicorp/vmanager-core/internal/domain"
	"github.com/hashicorp/vmanager-core/internal/vmerrors"
	"github.com/hashicorp/vmanager-core/internal/xmlmodel"
)

// Service is the VM query service.
type Service struct {
	pool   *connpool.Pool
	cache  *cache.Cache
	logger hclog.Logger
}

// New constructs a Service. The cache's fetchers are bound to pool so
// cache misses resolve through the same connection handles the rest of
// the core uses.
func New(pool *connpool.Pool, logger hclog.Logger, cacheOpts ...cache.Option) *Service {
	logger = logger.Named("query")
	s := &Service{pool: pool, logger: logger}

	s.cache = cache.New(s.fetchInfo, s.fetchXML, cacheOpts...)
	return s
}

// Cache exposes the underlying metadata cache so other components (action
// service, stats engine) can share invalidation without re-deriving their
// own fetch logic.
func (s *Service) Cache() *cache.Cache { return s.cache }

func (s *Service) fetchInfo(_ context.Context, uri, uuid string) (cache.DomainInfo, error) {
	conn := s.pool.GetConnection(uri)
	if conn == nil {
		return cache.DomainInfo{}, vmerrors.Connectionf(uri, nil, "query: no live connection for %s", uri)
	}
	dom, err := conn.LookupDomainByUUIDString(uuid)
	if err != nil {
		return cache.DomainInfo{}, vmerrors.NotFoundf("query: domain %s not found: %v", uuid, err)
	}
	defer dom.Free()

	info, err := dom.GetInfo()
	if err != nil {
		return cache.DomainInfo{}, vmerrors.ExternalProcessf(err, "query: unable to read domain info for %s", uuid)
	}
	return cache.DomainInfoFromLibvirt(info), nil
}

func (s *Service) fetchXML(_ context.Context, uri, uuid string) (string, error) {
	conn := s.pool.GetConnection(uri)
	if conn == nil {
		return "", vmerrors.Connectionf(uri, nil, "query: no live connection for %s", uri)
	}
	dom, err := conn.LookupDomainByUUIDString(uuid)
	if err != nil {
		return "", vmerrors.NotFoundf("query: domain %s not found: %v", uuid, err)
	}
	defer dom.Free()

	desc, err := dom.GetXMLDesc(0)
	if err != nil {
		return "", vmerrors.ExternalProcessf(err, "query: unable to read domain xml for %s", uuid)
	}
	return desc, nil
}

// GetVM returns the composed VMInfo for uuid on uri.
func (s *Service) GetVM(ctx context.Context, uri, uuid string) (*domain.VMInfo, error) {
	info, raw, parsed, err := s.cache.GetInfoAndXML(ctx, uri, uuid)
	if err != nil {
		return nil, err
	}
	vm := xmlmodel.ToVMInfo(parsed, info.Status, raw)
	return vm, nil
}

// ListVMs enumerates every domain visible on uri, composes each into a
// VMInfo, and applies filter/sort in memory.
func (s *Service) ListVMs(ctx context.Context, uri string, filter domain.ListFilter, sortKey domain.SortKey) ([]*domain.VMInfo, error) {
	conn := s.pool.GetConnection(uri)
	if conn == nil {
		return nil, vmerrors.Connectionf(uri, nil, "query: no live connection for %s", uri)
	}

	doms, err := conn.ListAllDomains(libvirt.CONNECT_LIST_DOMAINS_ACTIVE | libvirt.CONNECT_LIST_DOMAINS_INACTIVE)
	if err != nil {
		return nil, vmerrors.ExternalProcessf(err, "query: unable to list domains on %s", uri)
	}

	out := make([]*domain.VMInfo, 0, len(doms))
	for i := range doms {
		d := doms[i]
		uuid, uerr := d.GetUUIDString()
		d.Free()
		if uerr != nil {
			s.logger.Warn("unable to resolve domain uuid during listing, skipping", "uri", uri, "error", uerr)
			continue
		}

		vm, verr := s.GetVM(ctx, uri, uuid)
		if verr != nil {
			if vmerrors.Is(verr, vmerrors.NotFound) {
				// Deleted concurrently between ListAllDomains and GetVM.
				continue
			}
			return nil, verr
		}
		if matches(vm, filter) {
			out = append(out, vm)
		}
	}

	sortVMs(out, sortKey)
	return out, nil
}

func matches(vm *domain.VMInfo, filter domain.ListFilter) bool {
	if filter.Status != "" && vm.Status != filter.Status {
		return false
	}
	if filter.Text != "" && !strings.Contains(strings.ToLower(vm.Name), strings.ToLower(filter.Text)) {
		return false
	}
	if filter.SelectedSet != nil {
		if _, ok := filter.SelectedSet[vm.UUID]; !ok {
			return false
		}
	}
	return true
}

func sortVMs(vms []*domain.VMInfo, key domain.SortKey) {
	sort.Slice(vms, func(i, j int) bool {
		switch key {
		case domain.SortByStatus:
			if vms[i].Status != vms[j].Status {
				return vms[i].Status < vms[j].Status
			}
			return vms[i].Name < vms[j].Name
		case domain.SortByUUID:
			return vms[i].UUID < vms[j].UUID
		default:
			return strings.ToLower(vms[i].Name) < strings.ToLower(vms[j].Name)
		}
	})
}
