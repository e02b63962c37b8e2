// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cilium/ebpf"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/netcost/netcostd/internal/analyzer"
	"github.com/netcost/netcostd/internal/collector"
	"github.com/netcost/netcostd/internal/config"
	"github.com/netcost/netcostd/internal/kernelprobe"
	"github.com/netcost/netcostd/internal/procutils"
	"github.com/netcost/netcostd/internal/symtab"
	"github.com/netcost/netcostd/internal/tracebuf"
)

var (
	defaults     = config.DefaultConfig()
	frequency    = flag.Uint64("frequency", defaults.FrequencyHz, "Perf sampling frequency in Hz")
	address      = flag.String("address", defaults.Address, "HTTP bind address")
	port         = flag.Uint("port", defaults.Port, "HTTP bind port")
	userPeriodMS = flag.Uint64("user-period", uint64(defaults.UserPeriod/time.Millisecond), "Analyzer tick period in milliseconds")
	logFile      = flag.String("log-file", "", "When set, disables HTTP and writes snapshots to this file instead")
	prom         = flag.Bool("prometheus", false, "Serve a Prometheus-compatible GET / instead of the streaming frontend")
	bpfObject    = flag.String("bpf-object", defaults.BPFObjectPath, "Path to the precompiled netcost eBPF object")
	hostProcPath = flag.String("proc", "", "Path to the proc filesystem (overrides $HOST_PROC)")
	hostSysPath  = flag.String("sys", "", "Path to the sys filesystem (overrides $HOST_SYS)")
	verbose      = flag.Bool("v", false, "Enable verbose logging")
)

func main() {
	flag.Parse()

	var logger logr.Logger
	if *verbose {
		zapLogger, _ := zap.NewDevelopment()
		logger = zapr.NewLogger(zapLogger)
	} else {
		zapLogger, _ := zap.NewProduction()
		logger = zapr.NewLogger(zapLogger)
	}

	cfg := config.Config{
		FrequencyHz:   *frequency,
		Address:       *address,
		Port:          *port,
		UserPeriod:    time.Duration(*userPeriodMS) * time.Millisecond,
		LogFile:       *logFile,
		Prometheus:    *prom,
		BPFObjectPath: *bpfObject,
		Verbose:       *verbose,
		HostProcPath:  *hostProcPath,
		HostSysPath:   *hostSysPath,
	}
	cfg.ApplyDefaults()
	cfg.ApplyHostEnvOverrides()
	if *hostProcPath != "" {
		cfg.HostProcPath = *hostProcPath
	}
	if *hostSysPath != "" {
		cfg.HostSysPath = *hostSysPath
	}

	if err := run(logger, cfg); err != nil {
		logger.Error(err, "netcostd exited with an error")
		os.Exit(1)
	}
}

func run(logger logr.Logger, cfg config.Config) error {
	if os.Geteuid() != 0 {
		log.Println("Warning: not running as root; loading the eBPF collection will likely fail")
	}

	numCPUs, err := ebpf.PossibleCPU()
	if err != nil {
		return fmt.Errorf("determining possible CPU count: %w", err)
	}

	tickPeriod := cfg.UserPeriod
	slotCapacity := tracebuf.SlotCapacity(float64(cfg.FrequencyHz), numCPUs, tickPeriod)

	symbols, err := symtab.Load(cfg.KallsymsPath())
	if err != nil {
		return fmt.Errorf("loading kernel symbol table: %w", err)
	}

	probe, err := kernelprobe.Load(logger, kernelprobe.Config{
		BPFObjectPath: cfg.BPFObjectPath,
		SlotCapacity:  slotCapacity,
	})
	if err != nil {
		return fmt.Errorf("loading kernel probe: %w", err)
	}
	defer probe.Close()

	if err := probe.Attach(); err != nil {
		return fmt.Errorf("attaching kernel probe: %w", err)
	}

	perfProg, err := probe.PerfSampleProgram()
	if err != nil {
		return fmt.Errorf("locating perf-sample program: %w", err)
	}
	perfEvents, err := kernelprobe.OpenPerfEvents(perfProg, numCPUs, cfg.FrequencyHz)
	if err != nil {
		return fmt.Errorf("opening perf events: %w", err)
	}
	defer func() {
		for _, pe := range perfEvents {
			pe.Close()
		}
	}()

	if err := probe.Attach(); err != nil {
		return fmt.Errorf("attaching kernel probe: %w", err)
	}

	reader := tracebuf.NewReader(probe.TraceControl(), probe.TraceBuffer(), slotCapacity)

	putil := procutils.New(cfg.HostProcPath)
	userHZ, err := putil.GetUserHZ()
	if err != nil {
		return fmt.Errorf("determining USER_HZ: %w", err)
	}
	logStartupDiagnostics(logger, putil)

	coll := collector.New(logger, numCPUs, 0)

	a := analyzer.New(logger, analyzer.Config{
		Period:  tickPeriod,
		NumCPUs: numCPUs,
		UserHZ:  uint64(userHZ),
	}, reader, probe, analyzer.NewRAPL(logger, cfg.RAPLPath()), analyzer.NewProcStat(logger, cfg.ProcStatPath()), symbols, coll)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go coll.Run(ctx)
	analyzerErrCh := a.Run(ctx)

	var httpErrCh <-chan error
	var srv *http.Server
	if cfg.LogFile != "" {
		fl, err := newFileLogger(logger, cfg.LogFile, uint64(cfg.UserPeriod/time.Millisecond))
		if err != nil {
			return fmt.Errorf("opening log file sink: %w", err)
		}
		go func() {
			if err := fl.run(ctx, coll); err != nil {
				logger.Error(err, "file logger stopped unexpectedly")
			}
		}()
	} else {
		mux := http.NewServeMux()
		if cfg.Prometheus {
			promCol := newPrometheusCollector()
			go feedPrometheusCollector(ctx, coll, promCol)
			mux.Handle("/", promhttp.HandlerFor(promRegistryFor(promCol), promhttp.HandlerOpts{}))
		} else {
			newStreamServer(logger, coll).routes(mux)
		}

		srv = &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Address, cfg.Port), Handler: mux}
		errCh := make(chan error, 1)
		httpErrCh = errCh
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
		cancel()
		if srv != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	case err := <-analyzerErrCh:
		if err != nil {
			return fmt.Errorf("analyzer stopped: %w", err)
		}
		return nil
	case err := <-httpErrCh:
		return fmt.Errorf("http server stopped: %w", err)
	}
}

// logStartupDiagnostics reports the host facts procutils caches once at
// process start, the same way the CO-RE manager logs kernel/BTF facts once
// in core.NewManager.
func logStartupDiagnostics(logger logr.Logger, putil *procutils.ProcUtils) {
	pageSize, err := putil.GetPageSize()
	if err != nil {
		logger.V(1).Info("could not determine page size", "error", err)
	} else {
		logger.Info("host page size", "bytes", pageSize)
	}

	bootTime, err := putil.GetBootTime()
	if err != nil {
		logger.V(1).Info("could not determine boot time", "error", err)
	} else {
		logger.Info("host boot time", "time", bootTime)
	}
}

// feedPrometheusCollector decodes every published snapshot and installs it
// as the latest scrape target, by subscribing to the same fan-out the
// streaming HTTP handler and file logger use.
func feedPrometheusCollector(ctx context.Context, coll *collector.Collector, pc *prometheusCollector) {
	ch := make(chan []byte, 16)
	coll.Subscribe(ch)
	defer coll.Unsubscribe(ch)

	for _, snap := range coll.History() {
		if decoded, err := collector.Decode(snap); err == nil {
			pc.update(decoded)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := collector.Decode(raw)
			if err != nil {
				continue
			}
			pc.update(decoded)
		}
	}
}
