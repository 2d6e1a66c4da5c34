// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// clique_demo runs a multi-rank collective workload over the in-process
// loopback driver: every rank acquires the shared clique, then the ranks
// repeatedly all-gather their iteration counters. It demonstrates (and lets
// one eyeball) clique acquisition, the steady-state fast path, and the
// health monitor aborting a faulted communicator.
//
// Try: clique_demo -ranks 8 -iterations 1000 -inject_fault
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/goccl/cliques"
	"github.com/gomlx/goccl/comms"
	"github.com/gomlx/goccl/loopback"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagRanks       = flag.Int("ranks", 4, "Number of local ranks (devices) participating in the clique.")
	flagIterations  = flag.Int("iterations", 100, "Number of all-gather iterations to run.")
	flagInjectFault = flag.Bool("inject_fault", false,
		"After the iterations, inject an asynchronous fault into the last rank and let the health monitor abort it.")
	flagMonitorInterval = flag.Duration("monitor_interval", 50*time.Millisecond,
		"Poll interval of the communicator health monitor.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	numRanks := *flagRanks
	if numRanks < 1 {
		klog.Errorf("-ranks must be >= 1, got %d", numRanks)
		os.Exit(1)
	}
	if *flagIterations < 1 {
		klog.Errorf("-iterations must be >= 1, got %d", *flagIterations)
		os.Exit(1)
	}

	monitor := comms.NewMonitor(*flagMonitorInterval)
	defer monitor.Close()
	registry := cliques.NewRegistry(cliques.Config{
		Driver:         loopback.New(),
		Monitor:        monitor,
		TerminateAfter: time.Minute,
	})

	devices := make([]cliques.GlobalDeviceID, numRanks)
	for ii := range devices {
		devices[ii] = cliques.GlobalDeviceID(ii)
	}
	key := cliques.NewKey(devices, cliques.CollectiveStream)

	bar := progressbar.Default(int64(*flagIterations), "all-gather iterations")
	rankComms := make([]*comms.Comm, numRanks)
	var wg sync.WaitGroup
	for rank := range numRanks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rankComms[rank] = runRank(registry, key, rank, bar)
		}()
	}
	wg.Wait()
	must.M(bar.Finish())
	fmt.Println()

	if *flagInjectFault {
		faulted := rankComms[numRanks-1]
		native := must.M1(faulted.Native())
		native.(*loopback.Conn).InjectFault(fmt.Errorf("injected fault after %d iterations", *flagIterations))
		fmt.Printf("Injected fault into rank %d, waiting for the health monitor...\n", numRanks-1)
		for monitor.NumTracked() == numRanks {
			time.Sleep(*flagMonitorInterval)
		}
	}

	fmt.Println(summaryTable(rankComms))
	fmt.Println(registry)
}

// runRank is one rank's whole life: acquire the clique once per collective
// of a single run (the fast path makes re-acquisitions cheap after the
// first), then all-gather the iteration counter with the peers. It returns
// the rank's communicator for the final report.
func runRank(registry *cliques.Registry, key cliques.Key, rank int,
	bar *progressbar.ProgressBar) *comms.Comm {
	numRanks := key.NumDevices()
	var comm *comms.Comm
	for iter := range *flagIterations {
		guard, err := registry.Acquire(cliques.AcquireParams{
			RunID:                1,
			OpID:                 int64(iter + 1),
			Key:                  key,
			Device:               cliques.GlobalDeviceID(rank),
			NumLocalParticipants: numRanks,
			AllowFastPath:        iter > 0,
		})
		must.M(err)
		comm = must.M1(guard.Comm(rank))

		native := must.M1(comm.Native())
		gathered := must.M1(native.(*loopback.Conn).AllGather([]byte{byte(iter)}))
		for peer, payload := range gathered {
			if len(payload) != 1 || payload[0] != byte(iter) {
				klog.Fatalf("rank %d: iteration %d all-gather returned %v from rank %d",
					rank, iter, payload, peer)
			}
		}
		if rank == 0 {
			must.M(bar.Add(1))
		}
	}
	return comm
}

var headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)

func summaryTable(rankComms []*comms.Comm) string {
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		Headers("Rank", "Communicator", "Status").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row < 0 {
				return headerRowStyle
			}
			return lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
		})
	for rank, comm := range rankComms {
		status := "ok"
		if _, err := comm.Native(); err != nil {
			status = err.Error()
		}
		table.Row(fmt.Sprintf("%d", rank), comm.String(), status)
	}
	return table.Render()
}
