// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package stats implements the stats engine (component C6): rolling
// rate computation from the hypervisor's monotonic per-domain counters.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/mem"
	"libvirt.org/go/libvirt"

	"github.com/hashicorp/vmanager-core/internal/cache"
	"github.com/hashicorp/vmanager-core/internal/connpool"
	"github.com/hashicorp/vmanager-core/internal/domain"
	"github.com/hashicorp/vmanager-core/internal/vmerrors"
)

const historyLen = 20

// metrics holds the optional Prometheus gauges Sample updates, labeled
// by VM UUID. Nil when the Engine was built without a
// Registerer, so Sample's metrics updates are no-ops.
type metrics struct {
	cpuPercent  *prometheus.GaugeVec
	memPercent  *prometheus.GaugeVec
	diskReadKBs *prometheus.GaugeVec
	diskWriteKBs *prometheus.GaugeVec
	netRxKBs    *prometheus.GaugeVec
	netTxKBs    *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		cpuPercent:   prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "vm_cpu_percent", Help: "VM CPU usage as a percentage of its allotted vcpus."}, []string{"uuid"}),
		memPercent:   prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "vm_mem_percent", Help: "VM resident memory as a percentage of host total."}, []string{"uuid"}),
		diskReadKBs:  prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "vm_disk_read_kbps", Help: "VM aggregate disk read rate in KB/s."}, []string{"uuid"}),
		diskWriteKBs: prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "vm_disk_write_kbps", Help: "VM aggregate disk write rate in KB/s."}, []string{"uuid"}),
		netRxKBs:     prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "vm_net_rx_kbps", Help: "VM aggregate network receive rate in KB/s."}, []string{"uuid"}),
		netTxKBs:     prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "vm_net_tx_kbps", Help: "VM aggregate network transmit rate in KB/s."}, []string{"uuid"}),
	}
	for _, c := range []prometheus.Collector{m.cpuPercent, m.memPercent, m.diskReadKBs, m.diskWriteKBs, m.netRxKBs, m.netTxKBs} {
		reg.MustRegister(c)
	}
	return m
}

func (m *metrics) observe(uuid string, out *domain.VMStats) {
	if m == nil {
		return
	}
	m.cpuPercent.WithLabelValues(uuid).Set(out.CPUPercent)
	m.memPercent.WithLabelValues(uuid).Set(out.MemPercent)
	m.diskReadKBs.WithLabelValues(uuid).Set(out.DiskReadKBps)
	m.diskWriteKBs.WithLabelValues(uuid).Set(out.DiskWriteKBps)
	m.netRxKBs.WithLabelValues(uuid).Set(out.NetRxKBps)
	m.netTxKBs.WithLabelValues(uuid).Set(out.NetTxKBps)
}

func (m *metrics) drop(uuid string) {
	if m == nil {
		return
	}
	m.cpuPercent.DeleteLabelValues(uuid)
	m.memPercent.DeleteLabelValues(uuid)
	m.diskReadKBs.DeleteLabelValues(uuid)
	m.diskWriteKBs.DeleteLabelValues(uuid)
	m.netRxKBs.DeleteLabelValues(uuid)
	m.netTxKBs.DeleteLabelValues(uuid)
}

// ring is a fixed-capacity rolling buffer used for the per-VM sparkline
// series (cpu/mem/disk-total/net-total).
type ring struct {
	values []float64
}

func (r *ring) push(v float64) {
	r.values = append(r.values, v)
	if len(r.values) > historyLen {
		r.values = r.values[len(r.values)-historyLen:]
	}
}

// Window is a snapshot of the rolling history for one VM's four series.
type Window struct {
	CPU       []float64
	Mem       []float64
	DiskTotal []float64
	NetTotal  []float64
}

type series struct {
	cpu, mem, disk, net ring
}

// Engine samples per-VM rates on demand and keeps the rolling history and
// monotonic-counter bookkeeping needed to compute them.
type Engine struct {
	pool   *connpool.Pool
	cache  *cache.Cache
	logger hclog.Logger

	mu       sync.Mutex
	counters map[string]domain.StatCounter
	windows  map[string]*series

	metrics *metrics
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithPrometheus registers a set of per-VM gauges (vm_cpu_percent,
// vm_mem_percent, vm_disk_{read,write}_kbps, vm_net_{rx,tx}_kbps) against
// reg; every Sample call updates them alongside the rolling-history
// window. Metrics stay entirely optional: an Engine built without this
// option skips all Prometheus bookkeeping.
func WithPrometheus(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.metrics = newMetrics(reg) }
}

// New constructs an Engine. cache supplies the parsed domain XML used to
// resolve disk/interface device names without a second GetXMLDesc round
// trip per sample.
func New(pool *connpool.Pool, c *cache.Cache, logger hclog.Logger, opts ...Option) *Engine {
	e := &Engine{
		pool:     pool,
		cache:    c,
		logger:   logger.Named("stats"),
		counters: make(map[string]domain.StatCounter),
		windows:  make(map[string]*series),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func key(uri, uuid string) string { return uri + "|" + uuid }

// Drop discards a VM's counters and history, e.g. once it's observed
// inactive, so resuming later starts a fresh window instead of computing
// a bogus rate across the gap.
func (e *Engine) Drop(uri, uuid string) {
	k := key(uri, uuid)
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.counters, k)
	delete(e.windows, k)
	e.metrics.drop(uuid)
}

// History returns the current rolling window for a VM, or a zero Window
// if none has been sampled yet.
func (e *Engine) History(uri, uuid string) Window {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.windows[key(uri, uuid)]
	if !ok {
		return Window{}
	}
	return Window{
		CPU:       append([]float64(nil), s.cpu.values...),
		Mem:       append([]float64(nil), s.mem.values...),
		DiskTotal: append([]float64(nil), s.disk.values...),
		NetTotal:  append([]float64(nil), s.net.values...),
	}
}

// Sample takes one reading for uuid on uri. It returns (nil, nil) when
// the domain is not active, per spec: inactive VMs emit no stats and
// have their counters dropped.
func (e *Engine) Sample(ctx context.Context, uri, uuid string) (*domain.VMStats, error) {
	conn := e.pool.GetConnection(uri)
	if conn == nil {
		return nil, vmerrors.Connectionf(uri, nil, "stats: no live connection for %s", uri)
	}
	dom, err := conn.LookupDomainByUUIDString(uuid)
	if err != nil {
		return nil, vmerrors.NotFoundf("stats: domain %s not found: %v", uuid, err)
	}
	defer dom.Free()

	active, err := dom.IsActive()
	if err != nil {
		return nil, vmerrors.ExternalProcessf(err, "stats: unable to check active state for %s", uuid)
	}
	if !active {
		e.Drop(uri, uuid)
		return nil, nil
	}

	info, err := dom.GetInfo()
	if err != nil {
		return nil, vmerrors.ExternalProcessf(err, "stats: unable to read domain info for %s", uuid)
	}

	now := time.Now()
	k := key(uri, uuid)

	e.mu.Lock()
	prev, hadPrev := e.counters[k]
	e.mu.Unlock()

	diskRead, diskWrite, err := e.diskBytes(ctx, uri, uuid, dom)
	if err != nil {
		e.logger.Warn("unable to read block stats, reporting zero disk rate", "uuid", uuid, "error", err)
	}
	netRx, netTx, err := e.netBytes(ctx, uri, uuid, dom)
	if err != nil {
		e.logger.Warn("unable to read interface stats, reporting zero net rate", "uuid", uuid, "error", err)
	}

	out := &domain.VMStats{Status: domain.StatusRunning, Timestamp: now}

	if hadPrev {
		deltaT := now.Sub(prev.LastTimestamp).Seconds()
		if deltaT > 0 {
			out.CPUPercent = cpuPercent(prev.LastCPUTimeNs, info.CpuTime, deltaT, uint64(info.NrVirtCpu))
			out.DiskReadKBps = rateKBps(prev.LastDiskReadBytes, diskRead, deltaT)
			out.DiskWriteKBps = rateKBps(prev.LastDiskWriteBytes, diskWrite, deltaT)
			out.NetRxKBps = rateKBps(prev.LastNetRxBytes, netRx, deltaT)
			out.NetTxKBps = rateKBps(prev.LastNetTxBytes, netTx, deltaT)
		}
	}

	if rss, ok := e.rssKiB(dom); ok {
		if total, terr := mem.VirtualMemory(); terr == nil && total.Total > 0 {
			out.MemPercent = float64(rss) / (float64(total.Total) / 1024) * 100
		}
	}

	e.mu.Lock()
	e.counters[k] = domain.StatCounter{
		LastCPUTimeNs:      info.CpuTime,
		LastTimestamp:      now,
		LastDiskReadBytes:  diskRead,
		LastDiskWriteBytes: diskWrite,
		LastNetRxBytes:     netRx,
		LastNetTxBytes:     netTx,
	}
	s, ok := e.windows[k]
	if !ok {
		s = &series{}
		e.windows[k] = s
	}
	s.cpu.push(out.CPUPercent)
	s.mem.push(out.MemPercent)
	s.disk.push(out.DiskReadKBps + out.DiskWriteKBps)
	s.net.push(out.NetRxKBps + out.NetTxKBps)
	e.mu.Unlock()

	e.metrics.observe(uuid, out)

	return out, nil
}

// cpuPercent turns a monotonic ns counter delta into a percentage of
// vcpuCount*100, clamping counter resets (a decrease) to a 0% reading
// rather than a negative rate.
func cpuPercent(prevNs, nowNs uint64, deltaT float64, vcpuCount uint64) float64 {
	if nowNs <= prevNs || vcpuCount == 0 {
		return 0
	}
	deltaNs := float64(nowNs - prevNs)
	return deltaNs / (deltaT * 1e9 * float64(vcpuCount)) * 100
}

func rateKBps(prev, now uint64, deltaT float64) float64 {
	if now <= prev || deltaT <= 0 {
		return 0
	}
	return float64(now-prev) / deltaT / 1024
}

// rssKiB reads the resident set size memory stat, if the hypervisor
// reports it for this domain.
func (e *Engine) rssKiB(dom *libvirt.Domain) (uint64, bool) {
	stats, err := dom.MemoryStats(8, 0)
	if err != nil {
		return 0, false
	}
	for _, s := range stats {
		if s.Tag == int32(libvirt.DOMAIN_MEMORY_STAT_RSS) {
			return s.Val, true
		}
	}
	return 0, false
}

// diskBytes sums RdBytes/WrBytes across every disk target resolved from
// the cached, parsed domain XML.
func (e *Engine) diskBytes(ctx context.Context, uri, uuid string, dom *libvirt.Domain) (read, write uint64, err error) {
	_, _, parsed, cerr := e.cache.GetInfoAndXML(ctx, uri, uuid)
	if cerr != nil || parsed == nil || parsed.Devices == nil {
		return 0, 0, cerr
	}
	for _, disk := range parsed.Devices.Disks {
		if disk.Target == nil || disk.Target.Dev == "" {
			continue
		}
		bs, berr := dom.BlockStats(disk.Target.Dev)
		if berr != nil {
			continue
		}
		if bs.RdBytesSet {
			read += uint64(bs.RdBytes)
		}
		if bs.WrBytesSet {
			write += uint64(bs.WrBytes)
		}
	}
	return read, write, nil
}

// netBytes sums RxBytes/TxBytes across every interface's target device
// resolved from the cached, parsed domain XML.
func (e *Engine) netBytes(ctx context.Context, uri, uuid string, dom *libvirt.Domain) (rx, tx uint64, err error) {
	_, _, parsed, cerr := e.cache.GetInfoAndXML(ctx, uri, uuid)
	if cerr != nil || parsed == nil || parsed.Devices == nil {
		return 0, 0, cerr
	}
	for _, iface := range parsed.Devices.Interfaces {
		if iface.Target == nil || iface.Target.Dev == "" {
			continue
		}
		is, ierr := dom.InterfaceStats(iface.Target.Dev)
		if ierr != nil {
			continue
		}
		if is.RxBytesSet {
			rx += uint64(is.RxBytes)
		}
		if is.TxBytesSet {
			tx += uint64(is.TxBytes)
		}
	}
	return rx, tx, nil
}
