// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"flag"
	"fmt"
	"log"
	"sort"

	"github.com/netcost/netcostd/internal/symtab"
)

func main() {
	kallsymsPath := flag.String("kallsyms", "/proc/kallsyms", "Path to the kernel symbol table to load")
	flag.Parse()

	table, err := symtab.Load(*kallsymsPath)
	if err != nil {
		log.Fatalf("failed to load symbol table: %v", err)
	}

	names := make([]string, 0, len(table.Installed))
	for name := range table.Installed {
		names = append(names, name)
	}
	sort.Strings(names)

	installed, missing := 0, 0
	for _, name := range names {
		if table.Installed[name] {
			installed++
			fmt.Printf("%-40s installed\n", name)
		} else {
			missing++
			fmt.Printf("%-40s MISSING\n", name)
		}
	}

	fmt.Printf("\n%d symbols installed, %d missing (counters for missing symbols stay at zero)\n", installed, missing)
}
