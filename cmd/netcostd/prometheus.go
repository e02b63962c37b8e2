// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/netcost/netcostd/internal/collector"
)

// prometheusCollector adapts the latest encoded snapshot to the
// prometheus.Collector interface for the --prometheus exposition mode
// (spec.md §6). It holds only the most recently published snapshot; scrapes
// never block the analyzer or the metrics collector goroutine.
type prometheusCollector struct {
	cpuFrac      *prometheus.Desc
	netPowerW    *prometheus.Desc
	userOverhead *prometheus.Desc
	procfsMetric *prometheus.Desc

	mu   sync.Mutex
	snap collector.Snapshot
	have bool
}

// promRegistryFor builds a fresh registry holding only pc, so the
// exposition endpoint carries netcostd's own metrics and nothing from the
// default global registry (no process/Go runtime noise).
func promRegistryFor(pc *prometheusCollector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(pc)
	return reg
}

func newPrometheusCollector() *prometheusCollector {
	return &prometheusCollector{
		cpuFrac: prometheus.NewDesc(
			"netcostd_cpu_fraction",
			"Fraction of CPU time attributed to a networking-cost metric leaf.",
			[]string{"metric", "cpu"}, nil,
		),
		netPowerW: prometheus.NewDesc(
			"netcostd_net_power_watts",
			"Estimated networking-stack power draw in watts, derived from RAPL.",
			nil, nil,
		),
		userOverhead: prometheus.NewDesc(
			"netcostd_user_space_overhead_ratio",
			"Fraction of the tick period spent inside the analyzer's own tick.",
			nil, nil,
		),
		procfsMetric: prometheus.NewDesc(
			"netcostd_procfs_tick_fraction",
			"Fraction of the tick period attributed to a /proc/stat aggregate column.",
			[]string{"column"}, nil,
		),
	}
}

// update replaces the snapshot served by the next scrape.
func (c *prometheusCollector) update(snap collector.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = snap
	c.have = true
}

func (c *prometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuFrac
	ch <- c.netPowerW
	ch <- c.userOverhead
	ch <- c.procfsMetric
}

func (c *prometheusCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	snap := c.snap
	have := c.have
	c.mu.Unlock()
	if !have {
		return
	}

	for _, top := range snap.TopLevelMetrics {
		walkMetric(top.Name, top, func(name string, m *collector.Metric) {
			for cpu, frac := range m.CPUFracs {
				ch <- prometheus.MustNewConstMetric(c.cpuFrac, prometheus.GaugeValue, frac, name, strconv.Itoa(cpu))
			}
		})
	}

	if snap.NetPowerW != nil {
		ch <- prometheus.MustNewConstMetric(c.netPowerW, prometheus.GaugeValue, *snap.NetPowerW)
	}
	ch <- prometheus.MustNewConstMetric(c.userOverhead, prometheus.GaugeValue, snap.UserSpaceOverhead)
	for i, frac := range snap.ProcfsMetrics {
		ch <- prometheus.MustNewConstMetric(c.procfsMetric, prometheus.GaugeValue, frac, strconv.Itoa(i))
	}
}

// walkMetric visits m and every descendant, building the "/"-joined name
// the analyzer originally published each leaf under.
func walkMetric(name string, m *collector.Metric, visit func(string, *collector.Metric)) {
	visit(name, m)
	for _, sub := range m.SubMetrics {
		walkMetric(name+"/"+sub.Name, sub, visit)
	}
}
