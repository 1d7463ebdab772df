// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package netmgr

import (
	"context"
	"net"
	"testing"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/vmanager-core/internal/connpool"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	pool := connpool.New(hclog.NewNullLogger())
	return New(pool, hclog.NewNullLogger())
}

func TestListNetworks_NoConnectionErrors(t *testing.T) {
	e := testEngine(t)
	if _, err := e.ListNetworks(context.Background(), "qemu:///system"); err == nil {
		t.Fatal("expected an error with no live connection")
	}
}

func TestCreateNetwork_NoConnectionErrors(t *testing.T) {
	e := testEngine(t)
	opts := CreateNetworkOpts{Name: "test-net", CIDR: "192.168.200.0/24"}
	if err := e.CreateNetwork(context.Background(), "qemu:///system", opts); err == nil {
		t.Fatal("expected an error with no live connection")
	}
}

func TestCreateNetwork_InvalidCIDRRejectedBeforeConnectionCheckMatters(t *testing.T) {
	e := testEngine(t)
	opts := CreateNetworkOpts{Name: "bad-net", CIDR: "not-a-cidr"}
	err := e.CreateNetwork(context.Background(), "qemu:///system", opts)
	if err == nil {
		t.Fatal("expected an error for an invalid CIDR")
	}
}

func TestSubnetsOverlap_Detected(t *testing.T) {
	_, a, _ := net.ParseCIDR("192.168.1.0/24")
	_, b, _ := net.ParseCIDR("192.168.1.128/25")
	if !subnetsOverlap(a, b) {
		t.Fatal("expected overlapping subnets to be detected")
	}
}

func TestSubnetsOverlap_DistinctRangesDoNotOverlap(t *testing.T) {
	_, a, _ := net.ParseCIDR("192.168.1.0/24")
	_, b, _ := net.ParseCIDR("10.0.0.0/24")
	if subnetsOverlap(a, b) {
		t.Fatal("expected distinct subnets to not overlap")
	}
}

func TestFirstUsableAddress(t *testing.T) {
	_, block, _ := net.ParseCIDR("192.168.200.0/24")
	if got := firstUsableAddress(block); got != "192.168.200.1" {
		t.Fatalf("expected 192.168.200.1, got %s", got)
	}
}

func TestValidateDHCPRange_InsideBlockPasses(t *testing.T) {
	_, block, _ := net.ParseCIDR("192.168.200.0/24")
	if err := validateDHCPRange(block, "192.168.200.10", "192.168.200.100"); err != nil {
		t.Fatalf("expected a valid range to pass, got %v", err)
	}
}

func TestValidateDHCPRange_OutsideBlockFails(t *testing.T) {
	_, block, _ := net.ParseCIDR("192.168.200.0/24")
	if err := validateDHCPRange(block, "10.0.0.10", "10.0.0.100"); err == nil {
		t.Fatal("expected an out-of-block range to fail")
	}
}

func TestValidateDHCPRange_InvertedRangeFails(t *testing.T) {
	_, block, _ := net.ParseCIDR("192.168.200.0/24")
	if err := validateDHCPRange(block, "192.168.200.100", "192.168.200.10"); err == nil {
		t.Fatal("expected an inverted range to fail")
	}
}

func TestGenerateMAC_UsesLibvirtOUI(t *testing.T) {
	mac, err := generateMAC()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mac) != len("52:54:00:00:00:00") || mac[:9] != "52:54:00:" {
		t.Fatalf("expected a 52:54:00 OUI-prefixed MAC, got %q", mac)
	}
}
