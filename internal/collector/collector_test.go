// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collector_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netcost/netcostd/internal/analyzer"
	"github.com/netcost/netcostd/internal/collector"
)

func runUntilIdle(t *testing.T, c *collector.Collector, ctx context.Context, cancel context.CancelFunc) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func net(v float64) *float64 { return &v }

func TestCollector_AppliesNestedMetricUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := collector.New(logr.Discard(), 2, 0)
	runUntilIdle(t, c, ctx, cancel)

	c.SubmitMetric(analyzer.MetricUpdate{Name: "RX softirq/Bridging", CPU: 1, Fraction: 0.5})
	c.SubmitSnapshot(analyzer.SubmitUpdate{NetPowerW: net(1.5), NumPossibleCPUs: 2})

	require.Eventually(t, func() bool {
		return len(c.History()) == 1
	}, time.Second, time.Millisecond)

	hist := c.History()
	snap, err := collector.Decode(hist[0])
	require.NoError(t, err)

	require.Len(t, snap.TopLevelMetrics, 1)
	top := snap.TopLevelMetrics[0]
	assert.Equal(t, "RX softirq", top.Name)
	require.Len(t, top.SubMetrics, 1)
	bridging := top.SubMetrics[0]
	assert.Equal(t, "Bridging", bridging.Name)
	assert.Equal(t, []float64{0.0, 0.5}, bridging.CPUFracs)
	assert.Equal(t, 1.5, *snap.NetPowerW)
}

func TestCollector_ReusesExistingChildOnRepeatedSegment(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := collector.New(logr.Discard(), 1, 0)
	runUntilIdle(t, c, ctx, cancel)

	c.SubmitMetric(analyzer.MetricUpdate{Name: "TX softirq", CPU: 0, Fraction: 0.1})
	c.SubmitMetric(analyzer.MetricUpdate{Name: "TX softirq", CPU: 0, Fraction: 0.2})
	c.SubmitSnapshot(analyzer.SubmitUpdate{NumPossibleCPUs: 1})

	require.Eventually(t, func() bool { return len(c.History()) == 1 }, time.Second, time.Millisecond)

	snap, err := collector.Decode(c.History()[0])
	require.NoError(t, err)
	require.Len(t, snap.TopLevelMetrics, 1, "a repeated top-level segment must not create a sibling")
	assert.Equal(t, []float64{0.2}, snap.TopLevelMetrics[0].CPUFracs)
}

func TestCollector_FansOutToSubscribersAndDropsSlowOnes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := collector.New(logr.Discard(), 1, 0)
	runUntilIdle(t, c, ctx, cancel)

	fast := make(chan []byte, 1)
	slow := make(chan []byte) // unbuffered, never read: must be dropped, not block Run
	c.Subscribe(fast)
	c.Subscribe(slow)

	c.SubmitSnapshot(analyzer.SubmitUpdate{NumPossibleCPUs: 1})

	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("fast subscriber never received a snapshot")
	}

	c.Unsubscribe(slow)
	c.SubmitSnapshot(analyzer.SubmitUpdate{NumPossibleCPUs: 1})
	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("fast subscriber never received second snapshot")
	}
}

func TestCollector_HistoryIsBoundedAndOldestFirst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := collector.New(logr.Discard(), 1, 3)
	runUntilIdle(t, c, ctx, cancel)

	for i := 0; i < 5; i++ {
		c.SubmitMetric(analyzer.MetricUpdate{Name: "TX syscalls", CPU: 0, Fraction: float64(i)})
		c.SubmitSnapshot(analyzer.SubmitUpdate{NumPossibleCPUs: 1})
	}

	require.Eventually(t, func() bool { return len(c.History()) == 3 }, time.Second, time.Millisecond)

	hist := c.History()
	first, err := collector.Decode(hist[0])
	require.NoError(t, err)
	last, err := collector.Decode(hist[2])
	require.NoError(t, err)
	assert.Equal(t, 2.0, first.TopLevelMetrics[0].CPUFracs[0])
	assert.Equal(t, 4.0, last.TopLevelMetrics[0].CPUFracs[0])
}

func TestEncodeDecode_RoundTripsAllSnapshotFields(t *testing.T) {
	snap := collector.Snapshot{
		TopLevelMetrics: []*collector.Metric{
			{Name: "RX softirq", CPUFracs: []float64{0.1, 0.2}, SubMetrics: []*collector.Metric{
				{Name: "Bridging", CPUFracs: []float64{0.0, 0.05}},
			}},
		},
		NetPowerW:         net(2.25),
		UserSpaceOverhead: 0.01,
		NumPossibleCPUs:   2,
		ProcfsMetrics:     [10]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
	}

	encoded, err := collector.Encode(snap)
	require.NoError(t, err)
	decoded, err := collector.Decode(encoded)
	require.NoError(t, err)

	assert.Equal(t, snap.UserSpaceOverhead, decoded.UserSpaceOverhead)
	assert.Equal(t, snap.NumPossibleCPUs, decoded.NumPossibleCPUs)
	assert.Equal(t, snap.ProcfsMetrics, decoded.ProcfsMetrics)
	require.NotNil(t, decoded.NetPowerW)
	assert.Equal(t, *snap.NetPowerW, *decoded.NetPowerW)
	require.Len(t, decoded.TopLevelMetrics, 1)
	assert.Equal(t, "RX softirq", decoded.TopLevelMetrics[0].Name)
	assert.Equal(t, []float64{0.1, 0.2}, decoded.TopLevelMetrics[0].CPUFracs)
	require.Len(t, decoded.TopLevelMetrics[0].SubMetrics, 1)
	assert.Equal(t, "Bridging", decoded.TopLevelMetrics[0].SubMetrics[0].Name)
}

func TestEncodeDecode_NetPowerNilRoundTripsAsUnavailable(t *testing.T) {
	snap := collector.Snapshot{NumPossibleCPUs: 1}
	encoded, err := collector.Encode(snap)
	require.NoError(t, err)
	decoded, err := collector.Decode(encoded)
	require.NoError(t, err)
	assert.Nil(t, decoded.NetPowerW)
}
