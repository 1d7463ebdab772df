// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package xmlmodel parses and serializes the hypervisor's domain/pool/
// network XML dialect into typed records (component C2). Every edit goes
// through libvirtxml's typed structs and is written back as a full
// re-serialization; nothing in this package splices XML as text.
package xmlmodel

import (
	"fmt"

	"libvirt.org/go/libvirtxml"

	"github.com/hashicorp/vmanager-core/internal/vmerrors"
)

// ParseDomain parses a domain XML description into a typed Domain.
func ParseDomain(xmlDesc string) (*libvirtxml.Domain, error) {
	d := &libvirtxml.Domain{}
	if err := d.Unmarshal(xmlDesc); err != nil {
		return nil, vmerrors.Invalidf("xmlmodel: unable to parse domain xml: %v", err)
	}
	return d, nil
}

// SerializeDomain renders a Domain back to XML. It adds no namespace
// handling of its own: the vendor metadata subtree is carried verbatim as
// the metadata element's inner XML, with the prefixed namespace
// declaration WriteVendorMetadata already put there.
func SerializeDomain(d *libvirtxml.Domain) (string, error) {
	out, err := d.Marshal()
	if err != nil {
		return "", vmerrors.Invalidf("xmlmodel: unable to serialize domain xml: %v", err)
	}
	return out, nil
}

// ParsePool parses a storage pool XML description.
func ParsePool(xmlDesc string) (*libvirtxml.StoragePool, error) {
	p := &libvirtxml.StoragePool{}
	if err := p.Unmarshal(xmlDesc); err != nil {
		return nil, vmerrors.Invalidf("xmlmodel: unable to parse pool xml: %v", err)
	}
	return p, nil
}

// SerializePool renders a StoragePool back to XML.
func SerializePool(p *libvirtxml.StoragePool) (string, error) {
	out, err := p.Marshal()
	if err != nil {
		return "", vmerrors.Invalidf("xmlmodel: unable to serialize pool xml: %v", err)
	}
	return out, nil
}

// ParseVolume parses a storage volume XML description.
func ParseVolume(xmlDesc string) (*libvirtxml.StorageVolume, error) {
	v := &libvirtxml.StorageVolume{}
	if err := v.Unmarshal(xmlDesc); err != nil {
		return nil, vmerrors.Invalidf("xmlmodel: unable to parse volume xml: %v", err)
	}
	return v, nil
}

// SerializeVolume renders a StorageVolume back to XML.
func SerializeVolume(v *libvirtxml.StorageVolume) (string, error) {
	out, err := v.Marshal()
	if err != nil {
		return "", vmerrors.Invalidf("xmlmodel: unable to serialize volume xml: %v", err)
	}
	return out, nil
}

// ParseNetwork parses a network XML description.
func ParseNetwork(xmlDesc string) (*libvirtxml.Network, error) {
	n := &libvirtxml.Network{}
	if err := n.Unmarshal(xmlDesc); err != nil {
		return nil, vmerrors.Invalidf("xmlmodel: unable to parse network xml: %v", err)
	}
	return n, nil
}

// SerializeNetwork renders a Network back to XML.
func SerializeNetwork(n *libvirtxml.Network) (string, error) {
	out, err := n.Marshal()
	if err != nil {
		return "", vmerrors.Invalidf("xmlmodel: unable to serialize network xml: %v", err)
	}
	return out, nil
}

// NewVolumeXML builds the minimal volume definition used by CreateVolume
// and by the storage engine's cross-pool move (component C7): a name,
// declared capacity in bytes, and target format.
func NewVolumeXML(name string, capacityBytes uint64, format string) (string, error) {
	v := &libvirtxml.StorageVolume{
		Name:     name,
		Capacity: &libvirtxml.StorageVolumeSize{Value: capacityBytes, Unit: "bytes"},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: format},
		},
	}
	return SerializeVolume(v)
}

// DiskIdentity returns the stable identity used for boot-order and
// dependent-VM matching: a disk's resolved source path, or its
// pool/volume reference rendered as "pool/volume" when file-backed
// addressing isn't in use.
func DiskIdentity(d *libvirtxml.DomainDisk) string {
	if d.Source == nil {
		return ""
	}
	if d.Source.File != nil {
		return d.Source.File.File
	}
	if d.Source.Block != nil {
		return d.Source.Block.Dev
	}
	if d.Source.Volume != nil {
		return fmt.Sprintf("%s/%s", d.Source.Volume.Pool, d.Source.Volume.Volume)
	}
	if d.Source.Network != nil {
		return d.Source.Network.Name
	}
	return ""
}
