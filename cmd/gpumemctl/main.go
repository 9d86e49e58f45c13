// Command gpumemctl exercises the gpumem sub-allocation core against an
// in-memory fake device: it drives allocation workloads and reports
// per-heap/per-type utilization, optionally serving those counters as
// Prometheus metrics.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
