// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernelprobe

import (
	"fmt"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"github.com/netcost/netcostd/internal/errors"
)

// PerfEvent is one per-CPU PERF_TYPE_SOFTWARE/PERF_COUNT_SW_CPU_CLOCK
// sampling event with the trace-sampling program attached to it.
type PerfEvent struct {
	CPU int
	fd  int
}

// OpenPerfEvents opens one kernel-mode-only CPU-clock perf event per
// possible CPU at the given sampling frequency and attaches prog to each,
// per §6's kernel surface: PERF_TYPE_SOFTWARE, PERF_COUNT_SW_CPU_CLOCK,
// exclude_user=1, freq=1, sample_freq=<configured>. On any failure, every
// event opened so far is closed before returning the error.
func OpenPerfEvents(prog *ebpf.Program, numCPUs int, sampleFreqHz uint64) ([]*PerfEvent, error) {
	events := make([]*PerfEvent, 0, numCPUs)

	for cpu := 0; cpu < numCPUs; cpu++ {
		pe, err := openPerfEvent(cpu, sampleFreqHz)
		if err != nil {
			closeAll(events)
			return nil, fmt.Errorf("opening perf event on cpu %d: %w", cpu, err)
		}
		if err := pe.attach(prog); err != nil {
			pe.Close()
			closeAll(events)
			return nil, fmt.Errorf("attaching perf event on cpu %d: %w", cpu, err)
		}
		events = append(events, pe)
	}

	return events, nil
}

func openPerfEvent(cpu int, sampleFreqHz uint64) (*PerfEvent, error) {
	attr := unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_SOFTWARE,
		Config: unix.PERF_COUNT_SW_CPU_CLOCK,
		Bits:   unix.PerfBitFreq | unix.PerfBitExcludeUser,
		Sample: sampleFreqHz, // sample_freq, since PerfBitFreq is set
		Wakeup: 1,
	}
	attr.Size = uint32(unix.SizeofPerfEventAttr)

	const pidAll = -1
	const groupFDNone = -1
	fd, err := unix.PerfEventOpen(&attr, pidAll, cpu, groupFDNone, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		retryErr := classifyPerfOpenError(err)
		if !errors.Retryable(retryErr) {
			return nil, retryErr
		}
		// Transient: a second attempt on a busy PMU commonly succeeds.
		fd, err = unix.PerfEventOpen(&attr, pidAll, cpu, groupFDNone, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			return nil, err
		}
	}

	return &PerfEvent{CPU: cpu, fd: fd}, nil
}

// classifyPerfOpenError wraps a bare EAGAIN from perf_event_open as a
// RetryableError so the decision to retry is made through the same
// fatal-vs-retryable contract every other startup error path uses.
func classifyPerfOpenError(err error) error {
	if errors.Is(err, unix.EAGAIN) {
		return errors.NewRetryable(err.Error())
	}
	return err
}

func (pe *PerfEvent) attach(prog *ebpf.Program) error {
	if err := unix.IoctlSetInt(pe.fd, unix.PERF_EVENT_IOC_SET_BPF, prog.FD()); err != nil {
		return fmt.Errorf("PERF_EVENT_IOC_SET_BPF: %w", err)
	}
	if err := unix.IoctlSetInt(pe.fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return fmt.Errorf("PERF_EVENT_IOC_ENABLE: %w", err)
	}
	return nil
}

// Close disables and closes the underlying perf event file descriptor.
func (pe *PerfEvent) Close() error {
	_ = unix.IoctlSetInt(pe.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
	return unix.Close(pe.fd)
}

func closeAll(events []*PerfEvent) {
	for _, pe := range events {
		pe.Close()
	}
}
