// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package cache implements the per-UUID metadata cache (component C3): a
// short-TTL "info" tier and a long-TTL "xml" tier, read-through and
// single-flighted so a thundering herd of callers never issues more than
// one refresh per stale tier.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/hashicorp/vmanager-core/internal/domain"
	"github.com/hashicorp/vmanager-core/internal/vmerrors"
)

// DomainInfo is the tuple returned by the hypervisor's cheap "domain info"
// call, cached under the short-TTL tier.
type DomainInfo struct {
	Status    domain.Status
	MaxMemKiB uint64
	MemKiB    uint64
	VCPUs     uint
	CPUTimeNs uint64
}

// InfoFetcher retrieves the cheap per-domain info tuple for uuid.
type InfoFetcher func(ctx context.Context, uri, uuid string) (DomainInfo, error)

// XMLFetcher retrieves the full domain XML description for uuid.
type XMLFetcher func(ctx context.Context, uri, uuid string) (string, error)

type infoEntry struct {
	value     DomainInfo
	fetchedAt time.Time
}

type xmlEntry struct {
	raw       string
	parsed    *libvirtxml.Domain
	fetchedAt time.Time
}

// Cache is the two-tier, read-through metadata cache for one core
// instance, shared across every connected URI.
type Cache struct {
	mu  sync.RWMutex
	info map[string]infoEntry
	xml  map[string]xmlEntry

	infoTTL time.Duration
	xmlTTL  time.Duration

	fetchInfo InfoFetcher
	fetchXML  XMLFetcher

	group singleflight.Group
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithInfoTTL overrides the short-TTL tier's expiry.
func WithInfoTTL(d time.Duration) Option {
	return func(c *Cache) { c.infoTTL = d }
}

// WithXMLTTL overrides the long-TTL tier's expiry.
func WithXMLTTL(d time.Duration) Option {
	return func(c *Cache) { c.xmlTTL = d }
}

// New constructs a Cache backed by the given fetchers.
func New(fetchInfo InfoFetcher, fetchXML XMLFetcher, opts ...Option) *Cache {
	c := &Cache{
		info:      make(map[string]infoEntry),
		xml:       make(map[string]xmlEntry),
		infoTTL:   time.Second,
		xmlTTL:    10 * time.Minute,
		fetchInfo: fetchInfo,
		fetchXML:  fetchXML,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func key(uri, uuid string) string { return uri + "|" + uuid }

// GetInfo returns the cached info tuple for uuid, refreshing it if stale.
func (c *Cache) GetInfo(ctx context.Context, uri, uuid string) (DomainInfo, error) {
	k := key(uri, uuid)

	c.mu.RLock()
	e, ok := c.info[k]
	c.mu.RUnlock()
	if ok && time.Since(e.fetchedAt) < c.infoTTL {
		return e.value, nil
	}

	v, err, _ := c.group.Do("info:"+k, func() (interface{}, error) {
		val, err := c.fetchInfo(ctx, uri, uuid)
		if err != nil {
			return DomainInfo{}, err
		}
		c.mu.Lock()
		c.info[k] = infoEntry{value: val, fetchedAt: time.Now()}
		c.mu.Unlock()
		return val, nil
	})
	if err != nil {
		return DomainInfo{}, err
	}
	return v.(DomainInfo), nil
}

// GetXML returns the cached domain XML for uuid, refreshing it if stale.
// The parsed form is cached alongside the raw string so repeated callers
// within the same TTL window never re-parse.
func (c *Cache) GetXML(ctx context.Context, uri, uuid string) (string, *libvirtxml.Domain, error) {
	k := key(uri, uuid)

	c.mu.RLock()
	e, ok := c.xml[k]
	c.mu.RUnlock()
	if ok && time.Since(e.fetchedAt) < c.xmlTTL {
		return e.raw, e.parsed, nil
	}

	v, err, _ := c.group.Do("xml:"+k, func() (interface{}, error) {
		raw, err := c.fetchXML(ctx, uri, uuid)
		if err != nil {
			return xmlEntry{}, err
		}
		parsed := &libvirtxml.Domain{}
		if perr := parsed.Unmarshal(raw); perr != nil {
			return xmlEntry{}, vmerrors.Invalidf("cache: unable to parse cached domain xml for %s: %v", uuid, perr)
		}
		entry := xmlEntry{raw: raw, parsed: parsed, fetchedAt: time.Now()}
		c.mu.Lock()
		c.xml[k] = entry
		c.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return "", nil, err
	}
	entry := v.(xmlEntry)
	return entry.raw, entry.parsed, nil
}

// GetInfoAndXML returns both tiers for one VM. When both are fresh it
// answers from the cache; otherwise it goes through GetInfo and GetXML,
// so each stale tier is refreshed by its own fetcher. When both tiers are
// stale that is two fetches, one per tier, not a single combined call.
func (c *Cache) GetInfoAndXML(ctx context.Context, uri, uuid string) (DomainInfo, string, *libvirtxml.Domain, error) {
	k := key(uri, uuid)

	c.mu.RLock()
	infoE, infoOK := c.info[k]
	xmlE, xmlOK := c.xml[k]
	c.mu.RUnlock()

	infoFresh := infoOK && time.Since(infoE.fetchedAt) < c.infoTTL
	xmlFresh := xmlOK && time.Since(xmlE.fetchedAt) < c.xmlTTL

	if infoFresh && xmlFresh {
		return infoE.value, xmlE.raw, xmlE.parsed, nil
	}

	if !infoFresh && !xmlFresh {
		info, ierr := c.GetInfo(ctx, uri, uuid)
		if ierr != nil {
			return DomainInfo{}, "", nil, ierr
		}
		raw, parsed, xerr := c.GetXML(ctx, uri, uuid)
		if xerr != nil {
			return DomainInfo{}, "", nil, xerr
		}
		return info, raw, parsed, nil
	}

	info, ierr := c.GetInfo(ctx, uri, uuid)
	if ierr != nil {
		return DomainInfo{}, "", nil, ierr
	}
	raw, parsed, xerr := c.GetXML(ctx, uri, uuid)
	if xerr != nil {
		return DomainInfo{}, "", nil, xerr
	}
	return info, raw, parsed, nil
}

// InvalidateVM drops every cached tier for uuid across all URIs it's
// known under.
func (c *Cache) InvalidateVM(uuid string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.info {
		if hasSuffix(k, uuid) {
			delete(c.info, k)
		}
	}
	for k := range c.xml {
		if hasSuffix(k, uuid) {
			delete(c.xml, k)
		}
	}
}

func hasSuffix(k, uuid string) bool {
	return len(k) >= len(uuid)+1 && k[len(k)-len(uuid):] == uuid && k[len(k)-len(uuid)-1] == '|'
}

// InvalidateDomainHandles drops every cached entry whose key belongs to
// uri, used after a reconnect since domain handles from the old
// connection are no longer valid.
func (c *Cache) InvalidateDomainHandles(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := uri + "|"
	for k := range c.info {
		if hasPrefix(k, prefix) {
			delete(c.info, k)
		}
	}
	for k := range c.xml {
		if hasPrefix(k, prefix) {
			delete(c.xml, k)
		}
	}
}

func hasPrefix(k, prefix string) bool {
	return len(k) >= len(prefix) && k[:len(prefix)] == prefix
}

// Clear drops every cached entry across every URI and UUID.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.info = make(map[string]infoEntry)
	c.xml = make(map[string]xmlEntry)
}

// DomainInfoFromLibvirt converts a raw *libvirt.DomainInfo (vcpu count
// included, from its NrVirtCpu field) into the cache's DomainInfo tuple, applying the state mapping C4 and C6
// both rely on.
func DomainInfoFromLibvirt(raw *libvirt.DomainInfo) DomainInfo {
	return DomainInfo{
		Status:    StatusFromLibvirt(raw.State),
		MaxMemKiB: raw.MaxMem,
		MemKiB:    raw.Memory,
		VCPUs:     uint(raw.NrVirtCpu),
		CPUTimeNs: raw.CpuTime,
	}
}

// StatusFromLibvirt maps a libvirt domain state constant onto the
// service's three-value Status.
func StatusFromLibvirt(state libvirt.DomainState) domain.Status {
	switch state {
	case libvirt.DOMAIN_RUNNING, libvirt.DOMAIN_BLOCKED:
		return domain.StatusRunning
	case libvirt.DOMAIN_PAUSED:
		return domain.StatusPaused
	default:
		return domain.StatusStopped
	}
}
