// vtx-inspect prints run journal contents for operators: a single run with
// its node outcomes, or every run in a time window.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/somatechlat/vortex/internal/journal"
)

func main() {
	path := flag.String("journal", "vortex-journal.db", "journal database path")
	runID := flag.String("run", "", "run identifier to inspect")
	since := flag.Duration("since", 24*time.Hour, "window for run listing")
	flag.Parse()

	jnl, err := journal.Open(*path)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	defer jnl.Close()

	if *runID != "" {
		inspectRun(jnl, *runID)
		return
	}

	runs, err := jnl.RunsBetween(time.Now().Add(-*since), time.Now())
	if err != nil {
		log.Fatalf("list runs: %v", err)
	}
	for _, r := range runs {
		fmt.Printf("%s  %-10s  started %s\n", r.ID, r.Status,
			time.UnixMilli(r.StartMs).Format(time.RFC3339))
	}
	fmt.Printf("%d run(s)\n", len(runs))
}

func inspectRun(jnl *journal.Journal, id string) {
	run, err := jnl.GetRun(id)
	if err != nil {
		log.Fatalf("get run: %v", err)
	}
	fmt.Printf("run %s\n", run.ID)
	fmt.Printf("  graph    %s\n", run.GraphFingerprint)
	fmt.Printf("  status   %s\n", run.Status)
	fmt.Printf("  started  %s\n", time.UnixMilli(run.StartMs).Format(time.RFC3339))
	if run.EndMs > 0 {
		fmt.Printf("  duration %s\n", time.Duration(run.EndMs-run.StartMs)*time.Millisecond)
	}
	if run.Error != nil {
		fmt.Printf("  error    %v\n", run.Error)
	}

	nodes, err := jnl.GetNodes(id)
	if err != nil {
		log.Fatalf("get nodes: %v", err)
	}
	for _, n := range nodes {
		fmt.Printf("  node %-20s %-10s slot=%d %dms peak=%dB\n",
			n.NodeID, n.Status, n.SlotID, n.DurationMs, n.PeakDeviceBytes)
	}
}
