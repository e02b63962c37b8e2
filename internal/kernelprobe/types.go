// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernelprobe

// Event identifies one of the fixed, ordered networking-cost phases the
// kernel probe accounts for. Extension is by appending to this enumeration;
// indices are stable and match the eBPF program's EVT_* constants.
type Event uint32

const (
	SockSendmsg Event = iota
	SockRecvmsg
	NetTxSoftirq
	NetRxSoftirq
	IOWorker

	NumEvents = int(IOWorker) + 1
)

func (e Event) String() string {
	switch e {
	case SockSendmsg:
		return "SOCK_SENDMSG"
	case SockRecvmsg:
		return "SOCK_RECVMSG"
	case NetTxSoftirq:
		return "NET_TX_SOFTIRQ"
	case NetRxSoftirq:
		return "NET_RX_SOFTIRQ"
	case IOWorker:
		return "IO_WORKER"
	default:
		return "UNKNOWN_EVENT"
	}
}

// kprobeSymbol is the kernel function instrumented for each event's
// entry/exit trampoline.
var kprobeSymbol = map[Event]string{
	SockSendmsg:  "sock_sendmsg",
	SockRecvmsg:  "sock_recvmsg",
	NetTxSoftirq: "net_tx_softirq",
	NetRxSoftirq: "net_rx_softirq",
	IOWorker:     "io_worker",
}

// PerEventData mirrors struct per_event_data in netcost.bpf.c: one instance
// per possible CPU, read back as a per-CPU slice from the
// BPF_MAP_TYPE_PERCPU_ARRAY keyed by Event.
type PerEventData struct {
	PrevTS    uint64
	TotalTime uint64
}

// Map and program names as emitted into the loaded collection by
// netcost.bpf.c's SEC() annotations.
const (
	mapPerCPUEventData = "percpu_event_data"
	mapTraceControl    = "trace_control"
	mapTraceBuffer     = "trace_buffer"

	progSchedSwitch = "tp_sched_switch"
	progPerfSample  = "perf_sample_stack"

	// varTraceSlotCapacity is the rodata global netcost.bpf.c reads the
	// per-slot capacity from, set once by Load before the collection is
	// created.
	varTraceSlotCapacity = "TRACE_SLOT_CAPACITY"

	// trace_control array indices, matching CTRL_* in netcost.bpf.c.
	ctrlActiveOffset = 0
	ctrlCountSlot0   = 1
	ctrlCountSlot1   = 2
)

func kretprobeProgName(evt Event) string {
	return "kretprobe_" + kprobeSymbol[evt] + "_exit"
}

func kprobeProgName(evt Event) string {
	return "kprobe_" + kprobeSymbol[evt] + "_entry"
}
