// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package xmlmodel

import (
	"encoding/xml"
	"strings"

	"libvirt.org/go/libvirtxml"
)

// vendorNamespace is the private XML namespace used to persist
// "disabled disks" and similar non-standard annotations inside a domain's
// <metadata> subtree, matching the pattern the hypervisor's own
// nomad-virt-plugin metadata uses for its own namespace.
const vendorNamespace = "https://vmanager.hashicorp.com/xmlns/1.0/vmanager"

// VendorMetadata is the typed shape of everything this service persists
// in the vendor metadata subtree. Elements are looked up by Clark
// notation ({ns}localname) rather than by prefix, since the hypervisor's
// own XML serializer is free to re-prefix unknown namespaces.
type VendorMetadata struct {
	XMLName       xml.Name       `xml:"https://vmanager.hashicorp.com/xmlns/1.0/vmanager vmanager:instance"`
	DisabledDisks *disabledDisks `xml:"vmanager:disabled-disks"`
}

type disabledDisks struct {
	Disks []disabledDisk `xml:"vmanager:disk"`
}

type disabledDisk struct {
	XML string `xml:",innerxml"`
}

// ReadVendorMetadata extracts the vendor metadata subtree from a parsed
// Domain, returning a zero-value VendorMetadata (never nil) when the
// domain carries no such subtree yet.
func ReadVendorMetadata(d *libvirtxml.Domain) VendorMetadata {
	var vm VendorMetadata
	if d.Metadata == nil || strings.TrimSpace(d.Metadata.XML) == "" {
		return vm
	}
	var raw struct {
		XMLName       xml.Name `xml:"https://vmanager.hashicorp.com/xmlns/1.0/vmanager instance"`
		DisabledDisks *struct {
			Disks []disabledDisk `xml:"https://vmanager.hashicorp.com/xmlns/1.0/vmanager disk"`
		} `xml:"https://vmanager.hashicorp.com/xmlns/1.0/vmanager disabled-disks"`
	}
	if err := xml.Unmarshal([]byte(d.Metadata.XML), &raw); err != nil || raw.DisabledDisks == nil {
		return vm
	}
	vm.DisabledDisks = &disabledDisks{Disks: raw.DisabledDisks.Disks}
	return vm
}

// WriteVendorMetadata serializes vm and installs it as the domain's
// metadata subtree, replacing any previous vendor metadata.
func WriteVendorMetadata(d *libvirtxml.Domain, vm VendorMetadata) error {
	if vm.DisabledDisks == nil || len(vm.DisabledDisks.Disks) == 0 {
		if d.Metadata != nil {
			d.Metadata.XML = ""
		}
		return nil
	}

	out, err := xml.MarshalIndent(vm, "    ", "  ")
	if err != nil {
		return err
	}

	// encoding/xml cannot produce `<foo:thing xmlns:foo="uri">` start
	// elements directly, so the namespace is declared as a bare `xmlns`
	// attribute and fixed up into a prefixed declaration here, exactly
	// the trick the hypervisor metadata serializer depends on.
	fixed := strings.Replace(string(out), ` xmlns="`, ` xmlns:vmanager="`, 1)

	d.Metadata = &libvirtxml.DomainMetadata{XML: fixed}
	return nil
}

// DisabledDiskTargets returns the set of disk target device names (e.g.
// "vdb") currently parked in the vendor metadata subtree as disabled.
func DisabledDiskTargets(d *libvirtxml.Domain) map[string]string {
	vm := ReadVendorMetadata(d)
	targets := make(map[string]string)
	if vm.DisabledDisks == nil {
		return targets
	}
	for _, dd := range vm.DisabledDisks.Disks {
		if target := extractTargetAttr(dd.XML); target != "" {
			targets[target] = dd.XML
		}
	}
	return targets
}

// extractTargetAttr pulls target dev='...' out of a raw disk fragment
// without a full XML parse, used only as a last-resort lookup key; the
// authoritative representation is always the stored raw disk XML itself.
func extractTargetAttr(fragment string) string {
	const marker = `dev='`
	const altMarker = `dev="`
	for _, m := range []string{marker, altMarker} {
		if idx := strings.Index(fragment, m); idx >= 0 {
			rest := fragment[idx+len(m):]
			quote := byte('\'')
			if m == altMarker {
				quote = '"'
			}
			if end := strings.IndexByte(rest, quote); end >= 0 {
				return rest[:end]
			}
		}
	}
	return ""
}

// StashDisabledDisk moves disk's raw XML fragment into the vendor
// metadata subtree for EnableDisk to restore later; DisabledDiskTargets
// and PopDisabledDisk find it again by the target dev inside the fragment.
func StashDisabledDisk(d *libvirtxml.Domain, diskXML string) {
	vm := ReadVendorMetadata(d)
	if vm.DisabledDisks == nil {
		vm.DisabledDisks = &disabledDisks{}
	}
	vm.DisabledDisks.Disks = append(vm.DisabledDisks.Disks, disabledDisk{XML: diskXML})
	_ = WriteVendorMetadata(d, vm)
}

// PopDisabledDisk removes and returns the stashed raw disk XML fragment
// matching target, if any.
func PopDisabledDisk(d *libvirtxml.Domain, target string) (string, bool) {
	vm := ReadVendorMetadata(d)
	if vm.DisabledDisks == nil {
		return "", false
	}
	for i, dd := range vm.DisabledDisks.Disks {
		if extractTargetAttr(dd.XML) == target {
			vm.DisabledDisks.Disks = append(vm.DisabledDisks.Disks[:i], vm.DisabledDisks.Disks[i+1:]...)
			_ = WriteVendorMetadata(d, vm)
			return dd.XML, true
		}
	}
	return "", false
}
