// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package analyzer drains the kernel trace buffer and per-event cumulative
// timers on a fixed cadence, classifies traces against a symbol table, and
// publishes per-CPU fractions, sub-event breakdowns, and derived
// networking power to a collector.
package analyzer

import (
	"github.com/netcost/netcostd/internal/kernelprobe"
	"github.com/netcost/netcostd/internal/tracebuf"
)

// MetricUpdate is one leaf observation for a single CPU, addressed by its
// hierarchical "/"-separated metric name.
type MetricUpdate struct {
	Name     string
	CPU      int
	Fraction float64
}

// SubmitUpdate closes out a tick: derived networking power, the analyzer's
// own overhead as a fraction of the tick period, and the raw /proc/stat
// percentages.
type SubmitUpdate struct {
	NetPowerW         *float64 // nil when RAPL is unavailable
	UserSpaceOverhead float64
	ProcfsMetrics     [10]float64
	NumPossibleCPUs   int
}

// Publisher is the subset of the metrics collector's API the analyzer
// drives. Satisfied by *internal/collector.Collector.
type Publisher interface {
	SubmitMetric(update MetricUpdate)
	SubmitSnapshot(update SubmitUpdate)
}

// TraceSource is the transport's reader half. Satisfied by
// *internal/tracebuf.Reader.
type TraceSource interface {
	SwapDrainReset() ([]tracebuf.Record, error)
}

// EventTimeSource reads the kernel probe's per-CPU cumulative event timers.
// Satisfied by *internal/kernelprobe.Probe.
type EventTimeSource interface {
	ReadEventTotals(evt kernelprobe.Event) ([]kernelprobe.PerEventData, error)
}

// EnergySource reads cumulative RAPL energy in microjoules. ok is false
// when RAPL is unavailable on this host, per spec.md §4.3 step 2.
type EnergySource interface {
	ReadEnergyUJ() (energyUJ uint64, ok bool, err error)
}

// ProcStatSource reads the ten cumulative tick counters from the first
// line of /proc/stat.
type ProcStatSource interface {
	ReadTicks() ([10]uint64, error)
}
