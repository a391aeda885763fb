package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/sitesync/internal/engine"
	"github.com/BadgerOps/sitesync/internal/status"
)

var (
	siteForce            bool
	sitePriority         int
	siteFiles            []string
	siteRemoveLocalFiles bool
	siteMaxRetries       int
)

func newSiteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "site",
		Short: "Manage the presence of items on sites",
		Long: `Manage status records directly in the status store. SITE is a configured
site name; "local" stands for the local site.`,
	}

	cmd.AddCommand(
		newSiteAddCmd(),
		newSiteRemoveCmd(),
		newSiteResetCmd(),
		newSiteShowCmd(),
		newSitePublishCmd(),
	)
	return cmd
}

func newSiteAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add PROJECT ITEM SITE",
		Short: "Queue every file of an item for a site",
		Example: `  sitesync site add show rep-1 sftp
  sitesync site add show rep-1 local --force
  sitesync site add show rep-2 studio --file f1={root[work]}/shot/a.exr=1048576`,
		Args: cobra.ExactArgs(3),
		RunE: siteAddRun,
	}
	cmd.Flags().BoolVar(&siteForce, "force", false, "reset an existing record")
	cmd.Flags().IntVar(&sitePriority, "priority", 0, "record priority (default keeps the stored one)")
	cmd.Flags().StringArrayVar(&siteFiles, "file", nil, "file of the item as ID=PATH[=SIZE] (repeatable)")
	return cmd
}

func newSiteRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove PROJECT ITEM SITE",
		Short: "Remove the record of an item on a site",
		Args:  cobra.ExactArgs(3),
		RunE:  siteRemoveRun,
	}
	cmd.Flags().BoolVar(&siteRemoveLocalFiles, "remove-local-files", false, "also delete the files from the local site")
	return cmd
}

func newSiteResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset PROJECT ITEM SITE",
		Short: "Queue a record again with a fresh retry budget",
		Long:  `SITE may also be "local" or "remote" for the project's active and remote site.`,
		Args:  cobra.ExactArgs(3),
		RunE:  siteResetRun,
	}
}

func newSiteShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show PROJECT ITEM SITE",
		Short: "Show the record of an item on a site",
		Args:  cobra.ExactArgs(3),
		RunE:  siteShowRun,
	}
	cmd.Flags().IntVar(&siteMaxRetries, "max-retries", 0, "report exhaustion once a file failed this often (default sync.retry_count)")
	return cmd
}

func newSitePublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish PROJECT ITEM",
		Short: "Register a new item and create its records on every sync site",
		Args:  cobra.ExactArgs(2),
		RunE:  sitePublishRun,
	}
	cmd.Flags().StringArrayVar(&siteFiles, "file", nil, "file of the item as ID=PATH[=SIZE] (repeatable)")
	return cmd
}

// parseFileFlags parses ID=PATH[=SIZE] values.
func parseFileFlags(values []string) ([]status.File, error) {
	files := make([]status.File, 0, len(values))
	for _, v := range values {
		parts := strings.SplitN(v, "=", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid --file %q: want ID=PATH[=SIZE]", v)
		}
		f := status.File{ID: parts[0], Path: parts[1]}
		if len(parts) == 3 {
			size, err := strconv.ParseInt(parts[2], 10, 64)
			if err != nil || size < 0 {
				return nil, fmt.Errorf("invalid size in --file %q", v)
			}
			f.Size = size
		}
		files = append(files, f)
	}
	return files, nil
}

// withEngine runs fn with an engine on the configured status store.
func withEngine(fn func(ctx context.Context, eng *engine.Engine) error) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	eng, st, err := newEngine(globalCfg, nil)
	if err != nil {
		return err
	}
	defer closeStore(st)
	return fn(context.Background(), eng)
}

func siteAddRun(cmd *cobra.Command, args []string) error {
	files, err := parseFileFlags(siteFiles)
	if err != nil {
		return err
	}
	opts := engine.AddSiteOptions{Force: siteForce, Files: files}
	if cmd.Flags().Changed("priority") {
		p := sitePriority
		opts.Priority = &p
	}

	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		if err := eng.AddSite(ctx, args[0], args[1], args[2], opts); err != nil {
			if errors.Is(err, engine.ErrSiteAlreadyPresent) {
				return fmt.Errorf("%w (use --force to reset it)", err)
			}
			return err
		}
		fmt.Printf("Added %s to %s\n", args[1], args[2])
		return nil
	})
}

func siteRemoveRun(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		if err := eng.RemoveSite(ctx, args[0], args[1], args[2], siteRemoveLocalFiles); err != nil {
			return err
		}
		fmt.Printf("Removed %s from %s\n", args[1], args[2])
		return nil
	})
}

func siteResetRun(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		if err := eng.ResetSite(ctx, args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("Reset %s on %s\n", args[1], args[2])
		return nil
	})
}

func siteShowRun(cmd *cobra.Command, args []string) error {
	project, itemID := args[0], args[1]
	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		site := globalCfg.ResolveSite(args[2])
		rec, err := eng.Store().Get(ctx, project, itemID, site)
		if err != nil {
			return err
		}

		maxRetries := siteMaxRetries
		if maxRetries <= 0 {
			maxRetries = globalCfg.Project(project).RetryCount
		}
		present, err := eng.IsOnSite(ctx, project, itemID, site, maxRetries)
		exhausted := errors.Is(err, engine.ErrRetriesExhausted)
		if err != nil && !exhausted {
			return err
		}

		fmt.Printf("%s on %s: %s (priority %d)\n", itemID, site, rec.Status, rec.Priority)
		fmt.Printf("Present: %t  Retries exhausted: %t\n", present, exhausted)
		fmt.Println("")
		fmt.Printf("%-16s %-12s %10s %8s %8s  %s\n", "File", "Status", "Size", "Progress", "Retries", "Message")
		fmt.Println(strings.Repeat("-", 72))
		for _, f := range rec.Files {
			fmt.Printf("%-16s %-12s %10s %7.0f%% %8d  %s\n",
				f.ID, f.Status, humanize.IBytes(uint64(f.Size)), f.Progress*100, f.Retries, f.Message)
		}
		return nil
	})
}

func sitePublishRun(cmd *cobra.Command, args []string) error {
	files, err := parseFileFlags(siteFiles)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("at least one --file is required")
	}
	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		if err := eng.Publish(ctx, args[0], status.Item{ID: args[1], Files: files}); err != nil {
			return err
		}
		sites, err := eng.ComputeSyncSites(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Published %s to %d sites\n", args[1], len(sites))
		return nil
	})
}
