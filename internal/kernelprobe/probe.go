// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kernelprobe loads the netcost eBPF collection, attaches its
// programs in the order startup safety requires, and exposes the loaded
// maps to the trace analyzer.
package kernelprobe

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/go-logr/logr"

	"github.com/netcost/netcostd/internal/ebpf/core"
)

// Config parameterizes Load. BPFObjectPath points at the precompiled
// netcost.bpf.o object; SlotCapacity is the number of trace records each of
// the two trace-buffer halves can hold (see internal/tracebuf.SlotCapacity).
type Config struct {
	BPFObjectPath string
	SlotCapacity  int
}

// Probe owns the loaded eBPF collection and its attached links. It never
// blocks: all its work happens in kernel context once attached.
type Probe struct {
	logger   logr.Logger
	manager  *core.Manager
	attacher *core.Attacher
	coll     *ebpf.Collection

	percpuEventData *ebpf.Map
	traceControl    *ebpf.Map
	traceBuffer     *ebpf.Map
}

// Load opens the precompiled collection with CO-RE relocation and resizes
// the trace buffer to 2*SlotCapacity entries before creating kernel-side
// map state. It does not attach any programs; call Attach for that.
func Load(logger logr.Logger, cfg Config) (*Probe, error) {
	if cfg.SlotCapacity <= 0 {
		return nil, fmt.Errorf("slot capacity must be positive, got %d", cfg.SlotCapacity)
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock: %w", err)
	}

	manager, err := core.NewManager(logger)
	if err != nil {
		return nil, fmt.Errorf("creating CO-RE manager: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(cfg.BPFObjectPath)
	if err != nil {
		return nil, fmt.Errorf("loading collection spec: %w", err)
	}
	if m, ok := spec.Maps[mapTraceBuffer]; ok {
		m.MaxEntries = uint32(2 * cfg.SlotCapacity)
	} else {
		return nil, fmt.Errorf("collection spec missing %q map", mapTraceBuffer)
	}
	if v, ok := spec.Variables[varTraceSlotCapacity]; ok {
		if err := v.Set(uint32(cfg.SlotCapacity)); err != nil {
			return nil, fmt.Errorf("setting %s: %w", varTraceSlotCapacity, err)
		}
	} else {
		return nil, fmt.Errorf("collection spec missing %q variable", varTraceSlotCapacity)
	}

	coll, err := manager.LoadCollectionFromSpec(spec)
	if err != nil {
		return nil, fmt.Errorf("loading BPF collection: %w", err)
	}

	p := &Probe{
		logger:   logger.WithName("kernelprobe"),
		manager:  manager,
		attacher: core.NewAttacher(logger),
		coll:     coll,
	}

	if p.percpuEventData, err = requireMap(coll, mapPerCPUEventData); err != nil {
		p.Close()
		return nil, err
	}
	if p.traceControl, err = requireMap(coll, mapTraceControl); err != nil {
		p.Close()
		return nil, err
	}
	if p.traceBuffer, err = requireMap(coll, mapTraceBuffer); err != nil {
		p.Close()
		return nil, err
	}

	// active_slot_offset, count_slot_0, count_slot_1 all start at zero by
	// virtue of the map being zero-initialized at creation; nothing to do.

	return p, nil
}

func requireMap(coll *ebpf.Collection, name string) (*ebpf.Map, error) {
	m, ok := coll.Maps[name]
	if !ok {
		return nil, fmt.Errorf("collection missing map %q", name)
	}
	return m, nil
}

func requireProgram(coll *ebpf.Collection, name string) (*ebpf.Program, error) {
	prog, ok := coll.Programs[name]
	if !ok {
		return nil, fmt.Errorf("collection missing program %q", name)
	}
	return prog, nil
}

// Attach wires up the kprobe, kretprobe and tracepoint programs. Exit
// probes and the context-switch tracepoint are attached first; entry probes
// are attached last so per-task storage is never referenced before it has
// somewhere to write (§4.1). The perf-sampling program is not attached
// here: OpenPerfEvents attaches it, and the daemon calls that after Attach.
func (p *Probe) Attach() error {
	for _, evt := range []Event{SockSendmsg, SockRecvmsg, NetTxSoftirq, NetRxSoftirq, IOWorker} {
		prog, err := requireProgram(p.coll, kretprobeProgName(evt))
		if err != nil {
			return err
		}
		if _, err := p.attacher.Kretprobe(kprobeSymbol[evt], prog); err != nil {
			return err
		}
	}

	switchProg, err := requireProgram(p.coll, progSchedSwitch)
	if err != nil {
		return err
	}
	if _, err := p.attacher.Tracepoint("sched", "sched_switch", switchProg); err != nil {
		return err
	}

	for _, evt := range []Event{SockSendmsg, SockRecvmsg, NetTxSoftirq, NetRxSoftirq, IOWorker} {
		prog, err := requireProgram(p.coll, kprobeProgName(evt))
		if err != nil {
			return err
		}
		if _, err := p.attacher.Kprobe(kprobeSymbol[evt], prog); err != nil {
			return err
		}
	}

	return nil
}

// PerfSampleProgram returns the loaded perf_sample_stack program, for
// attaching a per-CPU perf event against (see OpenPerfEvents).
func (p *Probe) PerfSampleProgram() (*ebpf.Program, error) {
	return requireProgram(p.coll, progPerfSample)
}

// PerCPUEventData returns the NUM_EVENTS-keyed per-CPU accumulator map.
func (p *Probe) PerCPUEventData() *ebpf.Map { return p.percpuEventData }

// TraceControl returns the 3-entry array map holding active_slot_offset,
// count_slot_0, count_slot_1.
func (p *Probe) TraceControl() *ebpf.Map { return p.traceControl }

// TraceBuffer returns the 2*SlotCapacity-entry trace record array map.
func (p *Probe) TraceBuffer() *ebpf.Map { return p.traceBuffer }

// ReadEventTotals reads the per-CPU total_time/prev_ts pair for evt, one
// entry per possible CPU. cilium/ebpf marshals a PERCPU_ARRAY lookup into a
// slice automatically when the destination is a slice type.
func (p *Probe) ReadEventTotals(evt Event) ([]PerEventData, error) {
	var values []PerEventData
	if err := p.percpuEventData.Lookup(uint32(evt), &values); err != nil {
		return nil, fmt.Errorf("reading per-cpu event totals for %s: %w", evt, err)
	}
	return values, nil
}

// Close detaches every attached link and releases the collection. Safe to
// call on a partially-initialized Probe.
func (p *Probe) Close() error {
	var errs []error
	if p.attacher != nil {
		if err := p.attacher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.coll != nil {
		p.coll.Close()
	}
	return errors.Join(errs...)
}
