// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package netmgr implements virtual network CRUD and the subnet/DHCP
// validation that guards it: listing, creating, deleting, and toggling
// the active/autostart state of libvirt networks, plus the checks that
// keep a new network from overlapping one that already exists.
package netmgr

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"strings"

	"github.com/hashicorp/go-hclog"
	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/hashicorp/vmanager-core/internal/connpool"
	"github.com/hashicorp/vmanager-core/internal/domain"
	"github.com/hashicorp/vmanager-core/internal/vmerrors"
	"github.com/hashicorp/vmanager-core/internal/xmlmodel"
)

// Engine implements network management.
type Engine struct {
	pool   *connpool.Pool
	logger hclog.Logger
}

// New constructs an Engine.
func New(pool *connpool.Pool, logger hclog.Logger) *Engine {
	return &Engine{pool: pool, logger: logger.Named("netmgr")}
}

func (e *Engine) conn(uri string) (*libvirt.Connect, error) {
	conn := e.pool.GetConnection(uri)
	if conn == nil {
		return nil, vmerrors.Connectionf(uri, nil, "netmgr: no live connection for %s", uri)
	}
	return conn, nil
}

// CreateNetworkOpts describes a new isolated/NAT/routed network.
type CreateNetworkOpts struct {
	Name string
	Mode domain.NetworkMode
	// ForwardDev names the host device a route/nat-mode network forwards
	// through. Empty means libvirt picks the default route.
	ForwardDev string
	// CIDR is the network's address space, e.g. "192.168.200.0/24". The
	// network's own gateway address is derived as the first usable
	// address in the block.
	CIDR string
	DHCPEnabled bool
	// DHCPStart/DHCPEnd bound the DHCP lease pool; both are required
	// when DHCPEnabled is set.
	DHCPStart  string
	DHCPEnd    string
	DomainName string
}

// ListNetworks returns every network defined on uri, active and
// inactive alike.
func (e *Engine) ListNetworks(ctx context.Context, uri string) ([]domain.NetworkDef, error) {
	conn, err := e.conn(uri)
	if err != nil {
		return nil, err
	}

	nets, err := conn.ListAllNetworks(0)
	if err != nil {
		return nil, vmerrors.ExternalProcessf(err, "netmgr: unable to list networks on %s", uri)
	}

	out := make([]domain.NetworkDef, 0, len(nets))
	for _, n := range nets {
		def, derr := toNetworkDef(&n)
		if derr == nil {
			out = append(out, def)
		}
		n.Free()
	}
	return out, nil
}

func toNetworkDef(n *libvirt.Network) (domain.NetworkDef, error) {
	name, err := n.GetName()
	if err != nil {
		return domain.NetworkDef{}, err
	}
	active, err := n.IsActive()
	if err != nil {
		active = false
	}
	autostart, err := n.GetAutostart()
	if err != nil {
		autostart = false
	}

	def := domain.NetworkDef{Name: name, Active: active, Autostart: autostart, Mode: domain.NetworkIsolated}

	desc, err := n.GetXMLDesc(0)
	if err != nil {
		return def, nil
	}
	parsed, err := xmlmodel.ParseNetwork(desc)
	if err != nil {
		return def, nil
	}
	if parsed.Forward != nil && parsed.Forward.Mode != "" {
		def.Mode = domain.NetworkMode(parsed.Forward.Mode)
	}
	if len(parsed.IPs) > 0 {
		ip := parsed.IPs[0]
		ipv4 := &domain.NetworkIPv4{Address: ip.Address, Netmask: ip.Netmask}
		if ip.DHCP != nil && len(ip.DHCP.Ranges) > 0 {
			ipv4.DHCPEnable = true
			ipv4.DHCPStart = ip.DHCP.Ranges[0].Start
			ipv4.DHCPEnd = ip.DHCP.Ranges[0].End
		}
		def.IPv4 = ipv4
	}
	return def, nil
}

// CreateNetwork defines, starts, and marks autostart on a new network,
// refusing first if its address space overlaps one already defined on
// uri or its DHCP range doesn't fit inside it.
func (e *Engine) CreateNetwork(ctx context.Context, uri string, opts CreateNetworkOpts) error {
	ip, ipNet, err := net.ParseCIDR(opts.CIDR)
	if err != nil {
		return vmerrors.Invalidf("netmgr: invalid network CIDR %q: %v", opts.CIDR, err)
	}
	_ = ip

	conn, err := e.conn(uri)
	if err != nil {
		return err
	}

	existing, err := existingSubnets(conn)
	if err != nil {
		return err
	}

	var validationErrs []error
	for _, other := range existing {
		if subnetsOverlap(ipNet, other) {
			validationErrs = append(validationErrs, vmerrors.Conflictf("netmgr: %s overlaps an existing network subnet %s", opts.CIDR, other.String()))
			break
		}
	}
	if opts.DHCPEnabled {
		if verr := validateDHCPRange(ipNet, opts.DHCPStart, opts.DHCPEnd); verr != nil {
			validationErrs = append(validationErrs, verr)
		}
	}
	if err := vmerrors.Aggregate(validationErrs...); err != nil {
		return err
	}

	gateway := firstUsableAddress(ipNet)
	mask := net.IP(ipNet.Mask).String()

	mac, err := generateMAC()
	if err != nil {
		return vmerrors.ExternalProcessf(err, "netmgr: unable to generate a MAC for %s", opts.Name)
	}

	netXML := &libvirtxml.Network{
		Name: opts.Name,
		MAC:  &libvirtxml.NetworkMAC{Address: mac},
	}
	if opts.Mode != "" && opts.Mode != domain.NetworkIsolated {
		forward := &libvirtxml.NetworkForward{Mode: string(opts.Mode)}
		if opts.ForwardDev != "" {
			forward.Dev = opts.ForwardDev
		}
		if opts.Mode == domain.NetworkNAT {
			forward.NAT = &libvirtxml.NetworkForwardNAT{
				Port: &libvirtxml.NetworkForwardNATPort{Start: 1024, End: 65535},
			}
		}
		netXML.Forward = forward
	}
	if opts.DomainName != "" {
		netXML.Domain = &libvirtxml.NetworkDomain{Name: opts.DomainName}
	}

	netIP := libvirtxml.NetworkIP{Address: gateway, Netmask: mask}
	if opts.DHCPEnabled {
		netIP.DHCP = &libvirtxml.NetworkDHCP{
			Ranges: []libvirtxml.NetworkDHCPRange{{Start: opts.DHCPStart, End: opts.DHCPEnd}},
		}
	}
	netXML.IPs = []libvirtxml.NetworkIP{netIP}

	xmlDesc, err := xmlmodel.SerializeNetwork(netXML)
	if err != nil {
		return err
	}

	n, err := conn.NetworkDefineXML(xmlDesc)
	if err != nil {
		return vmerrors.ExternalProcessf(err, "netmgr: unable to define network %s", opts.Name)
	}
	defer n.Free()

	if err := n.Create(); err != nil {
		return vmerrors.ExternalProcessf(err, "netmgr: unable to start network %s", opts.Name)
	}
	if err := n.SetAutostart(true); err != nil {
		e.logger.Warn("unable to set network autostart", "network", opts.Name, "error", err)
	}
	return nil
}

// DeleteNetwork destroys (if active) and undefines a network.
func (e *Engine) DeleteNetwork(ctx context.Context, uri, name string) error {
	conn, err := e.conn(uri)
	if err != nil {
		return err
	}
	n, err := conn.LookupNetworkByName(name)
	if err != nil {
		return vmerrors.NotFoundf("netmgr: network %s not found on %s", name, uri)
	}
	defer n.Free()

	active, _ := n.IsActive()
	if active {
		if err := n.Destroy(); err != nil {
			return vmerrors.ExternalProcessf(err, "netmgr: unable to stop network %s before deletion", name)
		}
	}
	if err := n.Undefine(); err != nil {
		return vmerrors.ExternalProcessf(err, "netmgr: unable to undefine network %s", name)
	}
	return nil
}

// SetNetworkActive starts or stops a network without undefining it.
func (e *Engine) SetNetworkActive(ctx context.Context, uri, name string, active bool) error {
	conn, err := e.conn(uri)
	if err != nil {
		return err
	}
	n, err := conn.LookupNetworkByName(name)
	if err != nil {
		return vmerrors.NotFoundf("netmgr: network %s not found on %s", name, uri)
	}
	defer n.Free()

	isActive, _ := n.IsActive()
	if active == isActive {
		return nil
	}
	if active {
		if err := n.Create(); err != nil {
			return vmerrors.ExternalProcessf(err, "netmgr: unable to start network %s", name)
		}
		return nil
	}
	if err := n.Destroy(); err != nil {
		return vmerrors.ExternalProcessf(err, "netmgr: unable to stop network %s", name)
	}
	return nil
}

// SetNetworkAutostart toggles whether a network is started when the
// hypervisor boots.
func (e *Engine) SetNetworkAutostart(ctx context.Context, uri, name string, autostart bool) error {
	conn, err := e.conn(uri)
	if err != nil {
		return err
	}
	n, err := conn.LookupNetworkByName(name)
	if err != nil {
		return vmerrors.NotFoundf("netmgr: network %s not found on %s", name, uri)
	}
	defer n.Free()

	if err := n.SetAutostart(autostart); err != nil {
		return vmerrors.ExternalProcessf(err, "netmgr: unable to set autostart on network %s", name)
	}
	return nil
}

// VMsUsingNetwork scans every domain's interface list on uri and returns
// the names of VMs with a NIC attached to the given network, so a caller
// can warn before deleting a network still in use.
func (e *Engine) VMsUsingNetwork(ctx context.Context, uri, networkName string) ([]string, error) {
	conn, err := e.conn(uri)
	if err != nil {
		return nil, err
	}

	domains, err := conn.ListAllDomains(0)
	if err != nil {
		return nil, vmerrors.ExternalProcessf(err, "netmgr: unable to list domains on %s", uri)
	}

	var names []string
	for _, d := range domains {
		desc, derr := d.GetXMLDesc(0)
		if derr == nil {
			if parsed, perr := xmlmodel.ParseDomain(desc); perr == nil && parsed.Devices != nil {
				for _, iface := range parsed.Devices.Interfaces {
					if iface.Source != nil && iface.Source.Network != nil && iface.Source.Network.Network == networkName {
						if name, nerr := d.GetName(); nerr == nil {
							names = append(names, name)
						}
						break
					}
				}
			}
		}
		d.Free()
	}
	return names, nil
}

// existingSubnets parses every network already defined on a connection
// into its IPv4 block, so CreateNetwork can check for overlap.
func existingSubnets(conn *libvirt.Connect) ([]*net.IPNet, error) {
	nets, err := conn.ListAllNetworks(0)
	if err != nil {
		return nil, vmerrors.ExternalProcessf(err, "netmgr: unable to list networks for overlap check")
	}
	defer func() {
		for _, n := range nets {
			n.Free()
		}
	}()

	var out []*net.IPNet
	for _, n := range nets {
		desc, derr := n.GetXMLDesc(0)
		if derr != nil {
			continue
		}
		parsed, perr := xmlmodel.ParseNetwork(desc)
		if perr != nil || len(parsed.IPs) == 0 {
			continue
		}
		for _, ip := range parsed.IPs {
			if ip.Address == "" {
				continue
			}
			mask := ip.Netmask
			cidr := ip.Address + "/32"
			if mask != "" {
				ones, _ := net.IPMask(net.ParseIP(mask).To4()).Size()
				cidr = fmt.Sprintf("%s/%d", ip.Address, ones)
			}
			if _, block, perr := net.ParseCIDR(cidr); perr == nil {
				out = append(out, block)
			}
		}
	}
	return out, nil
}

func subnetsOverlap(a, b *net.IPNet) bool {
	return a.Contains(b.IP) || b.Contains(a.IP)
}

// firstUsableAddress returns the network's gateway address: one past the
// network address, matching the teacher's convention of handing the
// hypervisor host the first address in the block.
func firstUsableAddress(n *net.IPNet) string {
	ip := make(net.IP, len(n.IP.To4()))
	copy(ip, n.IP.To4())
	ip[len(ip)-1]++
	return ip.String()
}

// validateDHCPRange confirms start and end both fall inside block and
// start precedes end, aggregating every failure together rather than
// stopping at the first so a caller sees every problem with its request
// at once.
func validateDHCPRange(block *net.IPNet, start, end string) error {
	var errs []error

	startIP := net.ParseIP(start)
	if startIP == nil || !block.Contains(startIP) {
		errs = append(errs, vmerrors.Invalidf("netmgr: dhcp range start %q is not inside %s", start, block.String()))
	}
	endIP := net.ParseIP(end)
	if endIP == nil || !block.Contains(endIP) {
		errs = append(errs, vmerrors.Invalidf("netmgr: dhcp range end %q is not inside %s", end, block.String()))
	}
	if startIP != nil && endIP != nil && bytesCompare(startIP.To4(), endIP.To4()) >= 0 {
		errs = append(errs, vmerrors.Invalidf("netmgr: dhcp range start %q must precede end %q", start, end))
	}
	return vmerrors.Aggregate(errs...)
}

func bytesCompare(a, b []byte) int {
	return strings.Compare(string(a), string(b))
}

// generateMAC produces a random locally-administered MAC under libvirt's
// own OUI prefix, the same scheme the hypervisor's own tooling uses for
// networks it generates addresses for.
func generateMAC() (string, error) {
	suffix := make([]byte, 3)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", suffix[0], suffix[1], suffix[2]), nil
}
