// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package stats

import (
	"testing"

	"github.com/hashicorp/vmanager-core/internal/domain"
)

func TestCpuPercent(t *testing.T) {
	cases := []struct {
		name               string
		prevNs, nowNs      uint64
		deltaT             float64
		vcpus              uint64
		want               float64
	}{
		{"one vcpu full second half busy", 0, 500_000_000, 1, 1, 50},
		{"two vcpus full second half busy total", 0, 1_000_000_000, 1, 2, 50},
		{"counter reset clamps to zero", 1_000_000_000, 10, 1, 1, 0},
		{"zero vcpus clamps to zero", 0, 500_000_000, 1, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := cpuPercent(tc.prevNs, tc.nowNs, tc.deltaT, tc.vcpus)
			if got != tc.want {
				t.Fatalf("cpuPercent() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRateKBps(t *testing.T) {
	if got := rateKBps(1024, 1024+10240, 1); got != 10 {
		t.Fatalf("rateKBps() = %v, want 10", got)
	}
	if got := rateKBps(100, 50, 1); got != 0 {
		t.Fatalf("rateKBps() on counter reset = %v, want 0", got)
	}
	if got := rateKBps(100, 200, 0); got != 0 {
		t.Fatalf("rateKBps() with zero deltaT = %v, want 0", got)
	}
}

func TestRingPushCapsAtHistoryLen(t *testing.T) {
	var r ring
	for i := 0; i < historyLen+5; i++ {
		r.push(float64(i))
	}
	if len(r.values) != historyLen {
		t.Fatalf("ring length = %d, want %d", len(r.values), historyLen)
	}
	if r.values[0] != 5 {
		t.Fatalf("ring.values[0] = %v, want 5 (oldest entries dropped)", r.values[0])
	}
	if r.values[historyLen-1] != float64(historyLen+4) {
		t.Fatalf("ring.values[last] = %v, want %v", r.values[historyLen-1], historyLen+4)
	}
}

func TestHistoryEmptyForUnsampledVM(t *testing.T) {
	e := &Engine{windows: make(map[string]*series), counters: make(map[string]domain.StatCounter)}
	w := e.History("qemu:///system", "nonexistent")
	if w.CPU != nil || w.Mem != nil || w.DiskTotal != nil || w.NetTotal != nil {
		t.Fatalf("expected zero Window for unsampled VM, got %+v", w)
	}
}
