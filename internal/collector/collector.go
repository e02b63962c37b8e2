// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package collector maintains the metric tree rooted at "/", fans out
// encoded snapshots to subscribed consumers, and keeps a bounded window of
// recent snapshots for late-joining clients.
package collector

import (
	"context"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/netcost/netcostd/internal/analyzer"
	"github.com/netcost/netcostd/internal/ringbuffer"
)

// Metric is one node of the hierarchical metric tree. Any node that a
// metric name addresses carries per-CPU fractions; a node can also hold
// named children (e.g. "RX softirq" and its sub-metrics). A node that is
// only a path prefix has no fractions.
type Metric struct {
	Name       string    `cbor:"name"`
	CPUFracs   []float64 `cbor:"cpu_fracs"`
	SubMetrics []*Metric `cbor:"sub_metrics"`
}

// defaultHistoryCapacity is the bounded in-process snapshot window
// (SPEC_FULL.md §4, "Bounded in-process history").
const defaultHistoryCapacity = 120

// Collector owns the metric tree and the set of subscribed consumers.
// Metric updates and snapshots arrive as message sends on its channels and
// are handled by a single goroutine (Run), so the tree itself is never
// touched concurrently; subscriber registration and history reads are
// direct calls guarded by a mutex.
type Collector struct {
	logger logr.Logger

	numPossibleCPUs int
	root            Metric

	mu          sync.Mutex
	subscribers map[chan []byte]struct{}
	history     *ringbuffer.RingBuffer[[]byte]

	updates   chan analyzer.MetricUpdate
	snapshots chan analyzer.SubmitUpdate
}

// New builds a Collector for numPossibleCPUs CPUs. historyCapacity <= 0
// uses defaultHistoryCapacity.
func New(logger logr.Logger, numPossibleCPUs int, historyCapacity int) *Collector {
	if historyCapacity <= 0 {
		historyCapacity = defaultHistoryCapacity
	}
	hist, err := ringbuffer.New[[]byte](historyCapacity)
	if err != nil {
		// historyCapacity is always positive at this point.
		panic(err)
	}

	return &Collector{
		logger:          logger.WithName("collector"),
		numPossibleCPUs: numPossibleCPUs,
		root:            Metric{Name: "/"},
		subscribers:     make(map[chan []byte]struct{}),
		history:         hist,
		updates:         make(chan analyzer.MetricUpdate, 4096),
		snapshots:       make(chan analyzer.SubmitUpdate, 16),
	}
}

// SubmitMetric enqueues one leaf observation. Satisfies analyzer.Publisher.
// The update channel is buffered (4096 entries); the send blocks the
// analyzer tick only while that buffer is full.
func (c *Collector) SubmitMetric(update analyzer.MetricUpdate) {
	c.updates <- update
}

// SubmitSnapshot enqueues one tick's closing SubmitUpdate. Satisfies
// analyzer.Publisher.
func (c *Collector) SubmitSnapshot(update analyzer.SubmitUpdate) {
	c.snapshots <- update
}

// Run drains updates and snapshots until ctx is cancelled. It owns the
// metric tree exclusively: this is the only goroutine that ever reads or
// writes c.root, matching the "collector suspends between incoming
// messages" single-actor discipline.
func (c *Collector) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-c.updates:
			c.applyUpdate(u)
		case s := <-c.snapshots:
			c.publishSnapshot(s)
		}
	}
}

// applyUpdate walks the tree from root, creating missing segments, and
// writes the per-CPU fraction at the addressed leaf.
func (c *Collector) applyUpdate(u analyzer.MetricUpdate) {
	target := &c.root
	for _, segment := range strings.Split(u.Name, "/") {
		target = target.child(segment)
	}
	if len(target.CPUFracs) < c.numPossibleCPUs {
		grown := make([]float64, c.numPossibleCPUs)
		copy(grown, target.CPUFracs)
		target.CPUFracs = grown
	}
	if u.CPU >= 0 && u.CPU < len(target.CPUFracs) {
		target.CPUFracs[u.CPU] = u.Fraction
	}
}

// child returns the named child of m, appending it (in first-seen order)
// if it doesn't already exist.
func (m *Metric) child(name string) *Metric {
	for _, sub := range m.SubMetrics {
		if sub.Name == name {
			return sub
		}
	}
	sub := &Metric{Name: name}
	m.SubMetrics = append(m.SubMetrics, sub)
	return sub
}

// Snapshot is the publish-interface object produced once per tick.
type Snapshot struct {
	TopLevelMetrics   []*Metric   `cbor:"top_level_metrics"`
	NetPowerW         *float64    `cbor:"net_power_w"`
	UserSpaceOverhead float64     `cbor:"user_space_overhead"`
	NumPossibleCPUs   int         `cbor:"num_possible_cpus"`
	ProcfsMetrics     [10]float64 `cbor:"procfs_metrics"`
}

// publishSnapshot encodes the current tree plus the tick's derived values,
// appends it to the bounded history, and fans it out to every subscriber
// currently connected. A subscriber whose channel is full is dropped for
// this tick rather than blocking the collector.
func (c *Collector) publishSnapshot(u analyzer.SubmitUpdate) {
	snap := Snapshot{
		TopLevelMetrics:   c.root.SubMetrics,
		NetPowerW:         u.NetPowerW,
		UserSpaceOverhead: u.UserSpaceOverhead,
		NumPossibleCPUs:   u.NumPossibleCPUs,
		ProcfsMetrics:     u.ProcfsMetrics,
	}

	encoded, err := Encode(snap)
	if err != nil {
		c.logger.Error(err, "failed to encode snapshot")
		return
	}

	c.mu.Lock()
	c.history.Push(encoded)
	for ch := range c.subscribers {
		select {
		case ch <- encoded:
		default:
			c.logger.V(1).Info("dropping snapshot for slow subscriber")
		}
	}
	c.mu.Unlock()
}

// Subscribe registers ch to receive every future encoded snapshot.
// Mirrors the original implementation's ClientConnected handler.
func (c *Collector) Subscribe(ch chan []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers[ch] = struct{}{}
}

// Unsubscribe removes ch. Mirrors ClientDisconnected.
func (c *Collector) Unsubscribe(ch chan []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, ch)
}

// History returns the bounded window of recently published encoded
// snapshots, oldest first, for a newly-connected client to catch up on.
func (c *Collector) History() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.GetAll()
}
