// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/vmanager-core/internal/domain"
)

func countingFetchers(infoCalls, xmlCalls *int32) (InfoFetcher, XMLFetcher) {
	info := func(ctx context.Context, uri, uuid string) (DomainInfo, error) {
		atomic.AddInt32(infoCalls, 1)
		return DomainInfo{Status: domain.StatusRunning, VCPUs: 2}, nil
	}
	xmlFn := func(ctx context.Context, uri, uuid string) (string, error) {
		atomic.AddInt32(xmlCalls, 1)
		return `<domain><name>x</name><uuid>` + uuid + `</uuid></domain>`, nil
	}
	return info, xmlFn
}

func TestGetInfo_CachesWithinTTL(t *testing.T) {
	var infoCalls, xmlCalls int32
	infoFn, xmlFn := countingFetchers(&infoCalls, &xmlCalls)
	c := New(infoFn, xmlFn, WithInfoTTL(time.Hour), WithXMLTTL(time.Hour))

	for i := 0; i < 3; i++ {
		if _, err := c.GetInfo(context.Background(), "qemu:///system", "u1"); err != nil {
			t.Fatalf("GetInfo: %v", err)
		}
	}
	if infoCalls != 1 {
		t.Fatalf("expected exactly one fetch within TTL, got %d", infoCalls)
	}
}

func TestGetInfo_RefreshesAfterTTL(t *testing.T) {
	var infoCalls, xmlCalls int32
	infoFn, xmlFn := countingFetchers(&infoCalls, &xmlCalls)
	c := New(infoFn, xmlFn, WithInfoTTL(time.Millisecond))

	if _, err := c.GetInfo(context.Background(), "qemu:///system", "u1"); err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := c.GetInfo(context.Background(), "qemu:///system", "u1"); err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if infoCalls != 2 {
		t.Fatalf("expected a refresh after ttl expiry, got %d calls", infoCalls)
	}
}

func TestGetInfoAndXML_CombinedRefresh(t *testing.T) {
	var infoCalls, xmlCalls int32
	infoFn, xmlFn := countingFetchers(&infoCalls, &xmlCalls)
	c := New(infoFn, xmlFn, WithInfoTTL(time.Hour), WithXMLTTL(time.Hour))

	info, raw, parsed, err := c.GetInfoAndXML(context.Background(), "qemu:///system", "u1")
	if err != nil {
		t.Fatalf("GetInfoAndXML: %v", err)
	}
	if info.Status != domain.StatusRunning {
		t.Fatalf("expected running status, got %v", info.Status)
	}
	if raw == "" || parsed == nil {
		t.Fatal("expected non-empty raw xml and parsed domain")
	}
	if infoCalls != 1 || xmlCalls != 1 {
		t.Fatalf("expected exactly one fetch per tier, got info=%d xml=%d", infoCalls, xmlCalls)
	}
}

func TestInvalidateVM_DropsAllURIs(t *testing.T) {
	var infoCalls, xmlCalls int32
	infoFn, xmlFn := countingFetchers(&infoCalls, &xmlCalls)
	c := New(infoFn, xmlFn, WithInfoTTL(time.Hour))

	_, _ = c.GetInfo(context.Background(), "qemu:///system", "u1")
	_, _ = c.GetInfo(context.Background(), "qemu+ssh://host/system", "u1")

	c.InvalidateVM("u1")

	_, _ = c.GetInfo(context.Background(), "qemu:///system", "u1")
	if infoCalls != 3 {
		t.Fatalf("expected a refresh for both uris after invalidation, got %d calls", infoCalls)
	}
}

func TestClear_DropsEverything(t *testing.T) {
	var infoCalls, xmlCalls int32
	infoFn, xmlFn := countingFetchers(&infoCalls, &xmlCalls)
	c := New(infoFn, xmlFn, WithInfoTTL(time.Hour))

	_, _ = c.GetInfo(context.Background(), "qemu:///system", "u1")
	c.Clear()
	_, _ = c.GetInfo(context.Background(), "qemu:///system", "u1")
	if infoCalls != 2 {
		t.Fatalf("expected a refresh after Clear, got %d calls", infoCalls)
	}
}
