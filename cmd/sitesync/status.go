package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/sitesync/internal/engine"
	"github.com/BadgerOps/sitesync/internal/store"
)

var (
	statusLimit  int
	statusRemote bool
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display recent sync cycles or the state of a running service",
		Long: `Display the cycle history kept in the local status database. With --remote
the running sync service is asked for its scheduler state, pause flags and
transfer progress instead.`,
		Example: `  sitesync status
  sitesync status --limit 50
  sitesync status --remote --server http://studio-sync:8089`,
		Args: cobra.NoArgs,
		RunE: statusRun,
	}

	cmd.Flags().IntVar(&statusLimit, "limit", 10, "number of cycles to show")
	cmd.Flags().BoolVar(&statusRemote, "remote", false, "query the running sync service")
	addServerFlag(cmd)
	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if statusRemote {
		return remoteStatusRun()
	}
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	st, err := openStore(globalCfg)
	if err != nil {
		return fmt.Errorf("failed to open status store: %w", err)
	}
	defer closeStore(st)

	recorder, ok := st.(store.CycleRecorder)
	if !ok {
		return fmt.Errorf("the %s status store keeps no cycle history; use --remote", globalCfg.StatusStore.Backend)
	}
	runs, err := recorder.ListCycles(context.Background(), statusLimit)
	if err != nil {
		return err
	}
	printCycles(runs)
	return nil
}

func printCycles(runs []store.CycleRun) {
	if len(runs) == 0 {
		fmt.Println("No sync cycles recorded.")
		return
	}

	fmt.Println("Recent Sync Cycles")
	fmt.Println("==================")
	fmt.Println("")
	fmt.Printf("%-16s %-9s %8s %8s %8s %8s %9s %10s\n", "Started", "Status", "Projects", "Uploads", "Downlds", "Failed", "Resumable", "Duration")
	fmt.Println(strings.Repeat("-", 84))
	for _, run := range runs {
		duration := "-"
		if !run.EndTime.IsZero() {
			duration = run.EndTime.Sub(run.StartTime).Round(time.Millisecond).String()
		}
		fmt.Printf("%-16s %-9s %8d %8d %8d %8d %9d %10s\n",
			humanize.Time(run.StartTime),
			run.Status,
			run.Projects,
			run.Uploads,
			run.Downloads,
			run.Failed,
			run.Resumable,
			duration,
		)
		if run.ErrorMessage != "" {
			fmt.Printf("  error: %s\n", run.ErrorMessage)
		}
	}
	fmt.Println("")
}

func remoteStatusRun() error {
	var st struct {
		engine.Status
		Version string `json:"version"`
	}
	if err := callControl(http.MethodGet, "/api/status", nil, &st); err != nil {
		return err
	}

	fmt.Printf("Scheduler: %s", st.State)
	if st.Version != "" {
		fmt.Printf(" (sitesync %s)", st.Version)
	}
	fmt.Println("")
	printPauses(st.Pauses)

	if last := st.LastCycle; last != nil {
		fmt.Printf("Last cycle: %s, %s\n", last.CycleID, humanize.Time(last.EndTime))
		for _, p := range last.Projects {
			state := fmt.Sprintf("%d up, %d down, %d ok, %d failed, %d resumable", p.Uploads, p.Downloads, p.Succeeded, p.Failed, p.Resumable)
			if p.Skipped != "" {
				state = "skipped: " + p.Skipped
			}
			fmt.Printf("  %-20s %s -> %s  %s\n", p.Project, p.LocalSite, p.RemoteSite, state)
		}
	}

	if pr := st.Progress; pr != nil && len(pr.Active) > 0 {
		fmt.Printf("Transferring %s of %s (%.0f%%)\n",
			humanize.IBytes(uint64(pr.BytesTransferred)), humanize.IBytes(uint64(pr.TotalBytes)), pr.Percent)
		for _, tp := range pr.Active {
			fmt.Printf("  %-8s %-10s %5.1f%%  %s\n", tp.Direction, tp.Site, tp.Fraction*100, tp.Path)
		}
	}
	return nil
}
