// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package analyzer

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
)

// procStatColumns is the fixed number of /proc/stat "cpu" columns this
// analyzer reads; extra columns on newer kernels are read but ignored
// (spec.md §9 open question).
const procStatColumns = 10

// ProcStat reads the aggregate "cpu" line of /proc/stat.
type ProcStat struct {
	logger logr.Logger
	path   string
}

// NewProcStat builds a ProcStat reading procPath (typically
// "/proc/stat" or "<HostProcPath>/stat" under a container mount override).
func NewProcStat(logger logr.Logger, procPath string) *ProcStat {
	return &ProcStat{logger: logger.WithName("procstat"), path: procPath}
}

// ReadTicks returns the first ten cumulative tick counters from the
// aggregate "cpu" line: user, nice, system, idle, iowait, irq, softirq,
// steal, guest, guest_nice.
func (p *ProcStat) ReadTicks() ([procStatColumns]uint64, error) {
	var ticks [procStatColumns]uint64

	f, err := os.Open(p.path)
	if err != nil {
		return ticks, fmt.Errorf("opening %s: %w", p.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "cpu" {
			continue
		}

		n := len(fields) - 1
		if n > procStatColumns {
			n = procStatColumns
		}
		for i := 0; i < n; i++ {
			val, err := strconv.ParseUint(fields[i+1], 10, 64)
			if err != nil {
				p.logger.V(2).Info("failed to parse /proc/stat column", "index", i, "value", fields[i+1], "error", err)
				continue
			}
			ticks[i] = val
		}
		return ticks, nil
	}
	if err := scanner.Err(); err != nil {
		return ticks, fmt.Errorf("reading %s: %w", p.path, err)
	}

	return ticks, fmt.Errorf("%s: no aggregate cpu line found", p.path)
}
