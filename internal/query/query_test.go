// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package query

import (
	"testing"

	"github.com/hashicorp/vmanager-core/internal/domain"
)

func TestMatches_StatusAndText(t *testing.T) {
	vm := &domain.VMInfo{Name: "web01", Status: domain.StatusRunning, UUID: "abc"}

	cases := []struct {
		name   string
		filter domain.ListFilter
		want   bool
	}{
		{"no filter", domain.ListFilter{}, true},
		{"matching status", domain.ListFilter{Status: domain.StatusRunning}, true},
		{"mismatched status", domain.ListFilter{Status: domain.StatusStopped}, false},
		{"matching text", domain.ListFilter{Text: "WEB"}, true},
		{"mismatched text", domain.ListFilter{Text: "db"}, false},
		{"selected set hit", domain.ListFilter{SelectedSet: map[string]struct{}{"abc": {}}}, true},
		{"selected set miss", domain.ListFilter{SelectedSet: map[string]struct{}{"other": {}}}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := matches(vm, c.filter); got != c.want {
				t.Fatalf("matches() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestSortVMs_ByName(t *testing.T) {
	vms := []*domain.VMInfo{
		{Name: "zebra"},
		{Name: "Apple"},
		{Name: "mango"},
	}
	sortVMs(vms, domain.SortByName)
	want := []string{"Apple", "mango", "zebra"}
	for i, w := range want {
		if vms[i].Name != w {
			t.Fatalf("sortVMs()[%d] = %q, want %q", i, vms[i].Name, w)
		}
	}
}

func TestSortVMs_ByStatusThenName(t *testing.T) {
	vms := []*domain.VMInfo{
		{Name: "b", Status: domain.StatusRunning},
		{Name: "a", Status: domain.StatusStopped},
		{Name: "a", Status: domain.StatusRunning},
	}
	sortVMs(vms, domain.SortByStatus)
	if vms[0].Name != "a" || vms[0].Status != domain.StatusRunning {
		t.Fatalf("expected Running/a first, got %+v", vms[0])
	}
}
