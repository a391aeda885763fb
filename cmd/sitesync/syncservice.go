package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/sitesync/internal/config"
	"github.com/BadgerOps/sitesync/internal/server"
)

// stopTimeout bounds how long shutdown waits for in-flight transfers.
const stopTimeout = 30 * time.Second

var (
	serviceActiveSite string
	serviceListen     string
	serviceNoServer   bool
)

func newSyncServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "syncservice",
		Short: "Run the sync scheduler and its control API",
		Long: `Run the sync scheduler until interrupted. Every cycle reloads the config
file, asks the status store for items to transfer and moves files between the
project's active and remote site.

--active-site names the site this process runs as; only transfers involving
that site are handled here. The control API listens on server.listen unless
--listen overrides it.`,
		Example: `  sitesync syncservice --active-site studio
  sitesync syncservice --active-site home --listen 127.0.0.1:9000`,
		RunE: syncServiceRun,
	}

	cmd.Flags().StringVar(&serviceActiveSite, "active-site", "", "site this process runs as (overrides sync.local_site_id)")
	cmd.Flags().StringVar(&serviceListen, "listen", "", "control API address (host:port)")
	cmd.Flags().BoolVar(&serviceNoServer, "no-server", false, "do not start the control API")

	return cmd
}

// serviceConfig reloads the config for a cycle with the command line
// overrides applied.
func serviceConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if serviceActiveSite != "" {
		cfg.Sync.LocalSiteID = serviceActiveSite
	}
	return cfg, nil
}

func syncServiceRun(cmd *cobra.Command, args []string) error {
	cfg, err := serviceConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(providerCodes()); err != nil {
		return err
	}
	if cfg.Sync.LocalSiteID == "" {
		return fmt.Errorf("no local site: set --active-site or sync.local_site_id")
	}

	eng, st, err := newEngine(cfg, serviceConfig)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Sync.ResyncCron != "" {
		c := cron.New()
		if _, err := c.AddFunc(cfg.Sync.ResyncCron, eng.ResetTimer); err != nil {
			return fmt.Errorf("invalid resync_cron %q: %w", cfg.Sync.ResyncCron, err)
		}
		c.Start()
		defer c.Stop()
		logger.Info("resync schedule enabled", "cron", cfg.Sync.ResyncCron)
	}

	if cfg.Sync.WatchConfig && cfgPath != "" {
		go func() {
			err := config.Watch(ctx, cfgPath, func() {
				logger.Info("config changed, starting next cycle", "path", cfgPath)
				eng.ResetTimer()
			}, logger)
			if err != nil {
				logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	errChan := make(chan error, 1)
	var srv *server.Server
	if !serviceNoServer {
		listen := cfg.Server.Listen
		if serviceListen != "" {
			listen = serviceListen
		}
		srv = server.NewServer(eng, logger)
		srv.SetVersion(version)
		go func() {
			if err := srv.Start(listen); err != nil {
				errChan <- err
			}
		}()
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	logger.Info("sync service started",
		"local_site", cfg.Sync.LocalSiteID,
		"projects", len(cfg.EnabledProjects()),
		"loop_delay", cfg.LoopDelay(),
	)

	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errChan:
		runErr = err
	case err := <-engineDone:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Error("scheduler did not stop in time", "error", err)
		runErr = errors.Join(runErr, err)
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}

	if runErr != nil {
		return fmt.Errorf("sync service stopped: %w", runErr)
	}
	logger.Info("sync service stopped")
	return nil
}
