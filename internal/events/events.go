// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package events exposes typed events over a channel so the UI layer can
// drain them on its own thread instead of the core reaching back into UI
// code directly. This replaces the "call-from-thread" coupling the
// original implementation used.
package events

import "context"

// Kind enumerates the events the core can emit.
type Kind string

const (
	KindConnectionState Kind = "connection_state"
	KindVMChanged       Kind = "vm_changed"
	KindStats           Kind = "stats"
	KindBulkProgress    Kind = "bulk_progress"
	KindMoveProgress    Kind = "move_progress"
	KindLog             Kind = "log"
	KindWorker          Kind = "worker"
	KindConsole         Kind = "console"
)

// Severity classifies a log-shaped event.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Event is the single typed envelope emitted on the bus. Exactly one of
// the optional payload fields is populated, selected by Kind.
type Event struct {
	Kind Kind

	URI     string
	VMUUID  string
	VMName  string
	Alive   bool
	Message string
	Sev     Severity
	Percent float64

	Stats *StatsPayload
}

// StatsPayload carries one rolling-window sample for a VM.
type StatsPayload struct {
	CPUPercent    float64
	MemPercent    float64
	DiskReadKBps  float64
	DiskWriteKBps float64
	NetRxKBps     float64
	NetTxKBps     float64
}

// Bus is a bounded fan-out channel of Events. Producers call Publish;
// consumers (typically exactly one, the UI's event loop) call Events and
// range over the returned channel.
type Bus struct {
	ch chan Event
}

// NewBus creates a Bus with the given channel capacity. A capacity of 0
// leaves no buffer, so Publish delivers an event only when a consumer is
// already waiting on Events and drops it otherwise.
func NewBus(capacity int) *Bus {
	return &Bus{ch: make(chan Event, capacity)}
}

// Publish enqueues ev if the bus can take it immediately and drops it
// otherwise, without blocking; when ctx is already done the event may be
// dropped even if there is room. A slow or absent UI consumer can never
// wedge a component calling Publish from a hot path.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	select {
	case b.ch <- ev:
	case <-ctx.Done():
	default:
		// Bus full and nobody waiting: drop rather than block the caller.
		// The UI is expected to keep up; a dropped event is a missed
		// notification, not a correctness issue for the underlying state.
	}
}

// Events returns the channel consumers should range over.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Close closes the underlying channel. Only the owner of the Bus
// (typically Core) should call this, once, during shutdown.
func (b *Bus) Close() {
	close(b.ch)
}
