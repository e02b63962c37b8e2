// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package analyzer

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/netcost/netcostd/internal/kernelprobe"
	"github.com/netcost/netcostd/internal/symtab"
)

// Config parameterizes an Analyzer.
type Config struct {
	Period  time.Duration
	NumCPUs int
	UserHZ  uint64
}

// Analyzer runs the single periodic tick that owns every piece of mutable
// state in this process: per-CPU event-time baselines, the RAPL energy
// baseline, and the /proc/stat tick baseline. It is not safe for concurrent
// use — by design, there is exactly one caller, the ticker loop in Run.
type Analyzer struct {
	logger logr.Logger
	cfg    Config

	traces     TraceSource
	eventTimes EventTimeSource
	energy     EnergySource
	procStat   ProcStatSource
	symbols    *symtab.Table
	publisher  Publisher

	nowFunc func() time.Time

	prevUpdateTS       time.Time
	prevEnergyUJ       uint64
	prevEnergyValid    bool
	prevEventTotal     [][kernelprobe.NumEvents]uint64
	prevProcTicks      [procStatColumns]uint64
	prevProcTicksValid bool
}

// New builds an Analyzer. All source interfaces are required; the
// analyzer's clock is time.Now.
func New(logger logr.Logger, cfg Config, traces TraceSource, eventTimes EventTimeSource,
	energy EnergySource, procStat ProcStatSource, symbols *symtab.Table, publisher Publisher,
) *Analyzer {
	nowFunc := time.Now
	return &Analyzer{
		logger:         logger.WithName("analyzer"),
		cfg:            cfg,
		traces:         traces,
		eventTimes:     eventTimes,
		energy:         energy,
		procStat:       procStat,
		symbols:        symbols,
		publisher:      publisher,
		nowFunc:        nowFunc,
		prevUpdateTS:   nowFunc(),
		prevEventTotal: make([][kernelprobe.NumEvents]uint64, cfg.NumCPUs),
	}
}

// Run starts the periodic tick and returns a channel that receives exactly
// one value: the first fatal error encountered, or nothing if ctx is
// cancelled first. The analyzer owns this, the sole error channel to the
// main task (spec.md §5/§7).
func (a *Analyzer) Run(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		ticker := time.NewTicker(a.cfg.Period)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				if err := a.tick(t); err != nil {
					errCh <- err
					return
				}
			}
		}
	}()

	return errCh
}

// tick performs one full iteration, in the order spec.md §4.3/§5 requires:
// time/energy delta, counts reset, slot swap, drain, per-event compute and
// emit. A tick either completes and publishes, or returns a fatal error;
// it never partially publishes.
func (a *Analyzer) tick(tickTime time.Time) error {
	wallStart := a.nowFunc()

	// 1. Time delta.
	deltaT := tickTime.Sub(a.prevUpdateTS)
	a.prevUpdateTS = tickTime
	deltaTSeconds := deltaT.Seconds()
	deltaTNanos := float64(deltaT.Nanoseconds())

	// 2. Energy delta.
	var deltaEnergyUJ uint64
	var energyAvailable bool
	curEnergyUJ, raplOK, err := a.energy.ReadEnergyUJ()
	if err != nil {
		return fmt.Errorf("reading RAPL energy: %w", err)
	}
	if raplOK {
		if a.prevEnergyValid {
			deltaEnergyUJ = curEnergyUJ - a.prevEnergyUJ
		}
		a.prevEnergyUJ = curEnergyUJ
		a.prevEnergyValid = true
		energyAvailable = true
	} else {
		a.prevEnergyValid = false
	}

	// 3. Reset per-CPU Counts to zero.
	counts := make([]symtab.Counts, a.cfg.NumCPUs)

	// 4/5. Slot swap and drain.
	records, err := a.traces.SwapDrainReset()
	if err != nil {
		return fmt.Errorf("draining trace buffer: %w", err)
	}
	for _, rec := range records {
		if int(rec.CPU) >= a.cfg.NumCPUs {
			continue
		}
		counts[rec.CPU] = counts[rec.CPU].Add(a.symbols.Classify(rec.Frames))
	}

	// 6. Per-event fraction.
	rxFracByCPU := make([]float64, a.cfg.NumCPUs)
	var totalFracAcrossEvents float64
	for evt := 0; evt < kernelprobe.NumEvents; evt++ {
		totals, err := a.eventTimes.ReadEventTotals(kernelprobe.Event(evt))
		if err != nil {
			return fmt.Errorf("reading event totals for %s: %w", kernelprobe.Event(evt), err)
		}
		n := len(totals)
		if n > a.cfg.NumCPUs {
			n = a.cfg.NumCPUs
		}
		for cpu := 0; cpu < n; cpu++ {
			total := totals[cpu].TotalTime
			prev := a.prevEventTotal[cpu][evt]
			a.prevEventTotal[cpu][evt] = total
			delta := satSubU64(total, prev)

			var frac float64
			if deltaTNanos > 0 {
				frac = float64(delta) / deltaTNanos
			}
			totalFracAcrossEvents += frac
			if kernelprobe.Event(evt) == kernelprobe.NetRxSoftirq {
				rxFracByCPU[cpu] = frac
			}

			a.publisher.SubmitMetric(MetricUpdate{
				Name:     topLevelMetricName[kernelprobe.Event(evt)],
				CPU:      cpu,
				Fraction: frac,
			})
		}
	}

	// 7. Sub-event breakdown for RX softirq.
	for cpu := 0; cpu < a.cfg.NumCPUs; cpu++ {
		c := counts[cpu]
		denominator := c.NetRxAction
		if denominator == 0 {
			denominator = 1
		}
		rxFrac := rxFracByCPU[cpu]

		for _, sub := range rxSubMetrics(c) {
			a.publisher.SubmitMetric(MetricUpdate{
				Name:     sub.name,
				CPU:      cpu,
				Fraction: rxFrac * float64(sub.numerator) / float64(denominator),
			})
		}
	}

	// 8. Emit.
	var netPowerW *float64
	if energyAvailable && deltaTSeconds > 0 {
		avgNetFrac := totalFracAcrossEvents / float64(a.cfg.NumCPUs)
		w := (float64(deltaEnergyUJ) * avgNetFrac) / (deltaTSeconds * 1e6)
		netPowerW = &w
	}

	procTicks, err := a.procStat.ReadTicks()
	if err != nil {
		return fmt.Errorf("reading /proc/stat: %w", err)
	}
	var procfsMetrics [procStatColumns]float64
	if a.prevProcTicksValid && deltaTSeconds > 0 {
		for i := 0; i < procStatColumns; i++ {
			delta := satSubU64(procTicks[i], a.prevProcTicks[i])
			procfsMetrics[i] = float64(delta) / (float64(a.cfg.UserHZ) * deltaTSeconds)
		}
	}
	a.prevProcTicks = procTicks
	a.prevProcTicksValid = true

	userSpaceOverhead := 0.0
	if deltaTSeconds > 0 {
		userSpaceOverhead = a.nowFunc().Sub(wallStart).Seconds() / deltaTSeconds
	}

	a.publisher.SubmitSnapshot(SubmitUpdate{
		NetPowerW:         netPowerW,
		UserSpaceOverhead: userSpaceOverhead,
		ProcfsMetrics:     procfsMetrics,
		NumPossibleCPUs:   a.cfg.NumCPUs,
	})

	return nil
}

type rxSubMetric struct {
	name      string
	numerator uint16
}

// rxSubMetrics returns the thirteen RX softirq sub-event numerators in the
// order spec.md §4.3 step 7 lists them. Subtractions saturate at zero
// rather than underflow (a negative result indicates a counting race).
func rxSubMetrics(c symtab.Counts) []rxSubMetric {
	return []rxSubMetric{
		{metricDriverPoll, satSubU16(c.NapiPoll, c.NetifReceiveSkb)},
		{metricGROOverhead, c.NapiGroReceiveOverhead},
		{metricXDPGeneric, c.DoXdpGeneric},
		{metricTCClassify, c.TcfClassify},
		{metricNFIngress, c.NfNetdevIngress},
		{metricNFConntrack, c.NfConntrackIn},
		{metricBridging, satSubU16(c.BrHandleFrame, c.NetifReceiveSkbSubBr)},
		{metricNFPreroutingV4, c.NfPreroutingV4},
		{metricNFPreroutingV6, c.NfPreroutingV6},
		{metricForwardingV4, c.IPForward},
		{metricForwardingV6, c.IP6Forward},
		{metricLocalDeliveryV4, c.IPLocalDeliver},
		{metricLocalDeliveryV6, c.IP6Input},
	}
}

func satSubU16(a, b uint16) uint16 {
	if a < b {
		return 0
	}
	return a - b
}

func satSubU64(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
