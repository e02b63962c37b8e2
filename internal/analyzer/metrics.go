// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package analyzer

import "github.com/netcost/netcostd/internal/kernelprobe"

// Top-level metric names, one per event. The first four match the original
// implementation's literal metric-tree leaf paths; "IO worker" names the
// fifth event, which the original does not have.
const (
	metricTXSyscalls = "TX syscalls"
	metricRXSyscalls = "RX syscalls"
	metricTXSoftirq  = "TX softirq"
	metricRXSoftirq  = "RX softirq"
	metricIOWorker   = "IO worker"
)

var topLevelMetricName = map[kernelprobe.Event]string{
	kernelprobe.SockSendmsg:  metricTXSyscalls,
	kernelprobe.SockRecvmsg:  metricRXSyscalls,
	kernelprobe.NetTxSoftirq: metricTXSoftirq,
	kernelprobe.NetRxSoftirq: metricRXSoftirq,
	kernelprobe.IOWorker:     metricIOWorker,
}

// RX softirq sub-metric leaf names, in the same order as spec.md §4.3 step
// 7's numerator list. napi_gro_receive_overhead and nf_conntrack_in have no
// name in the original implementation's literal constant list; "GRO
// overhead" and "NF conntrack" follow its naming convention.
const (
	metricDriverPoll      = metricRXSoftirq + "/Driver poll"
	metricGROOverhead     = metricRXSoftirq + "/GRO overhead"
	metricXDPGeneric      = metricRXSoftirq + "/XDP generic"
	metricTCClassify      = metricRXSoftirq + "/TC classify"
	metricNFIngress       = metricRXSoftirq + "/NF ingress"
	metricNFConntrack     = metricRXSoftirq + "/NF conntrack"
	metricBridging        = metricRXSoftirq + "/Bridging"
	metricNFPreroutingV4  = metricRXSoftirq + "/NF prerouting/v4"
	metricNFPreroutingV6  = metricRXSoftirq + "/NF prerouting/v6"
	metricForwardingV4    = metricRXSoftirq + "/Forwarding/v4"
	metricForwardingV6    = metricRXSoftirq + "/Forwarding/v6"
	metricLocalDeliveryV4 = metricRXSoftirq + "/Local delivery/v4"
	metricLocalDeliveryV6 = metricRXSoftirq + "/Local delivery/v6"
)
