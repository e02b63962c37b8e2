// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package analyzer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
)

// RAPL reads cumulative package-level energy from the kernel's powercap
// sysfs interface. No library in the retrieval pack wraps RAPL (the
// original Rust implementation uses the "powercap" crate, with no Go
// equivalent in the corpus) — reading an integer out of a sysfs file
// doesn't justify a dependency either way.
type RAPL struct {
	logger  logr.Logger
	domains []string
	absent  bool
}

// NewRAPL discovers top-level intel-rapl package domains under basePath
// (typically "/sys/class/powercap/intel-rapl"). If none are found, RAPL is
// treated as unavailable for the lifetime of the process rather than
// re-probed every tick.
func NewRAPL(logger logr.Logger, basePath string) *RAPL {
	r := &RAPL{logger: logger.WithName("rapl")}

	matches, err := filepath.Glob(filepath.Join(basePath, "intel-rapl:*", "energy_uj"))
	if err != nil || len(matches) == 0 {
		r.absent = true
		return r
	}

	for _, m := range matches {
		// Only top-level package domains (intel-rapl:N), not subzones
		// (intel-rapl:N:M), to avoid double-counting a package's own
		// energy against its core/uncore subdomains.
		rel := filepath.Base(filepath.Dir(m))
		if strings.Count(rel, ":") == 1 {
			r.domains = append(r.domains, m)
		}
	}
	if len(r.domains) == 0 {
		r.absent = true
	}
	return r
}

// ReadEnergyUJ sums energy_uj across every discovered package domain.
func (r *RAPL) ReadEnergyUJ() (uint64, bool, error) {
	if r.absent {
		return 0, false, nil
	}

	var total uint64
	for _, path := range r.domains {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, false, fmt.Errorf("reading %s: %w", path, err)
		}
		val, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("parsing %s: %w", path, err)
		}
		total += val
	}
	return total, true, nil
}
