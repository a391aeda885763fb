package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/sitesync/internal/config"
	"github.com/BadgerOps/sitesync/internal/engine"
	"github.com/BadgerOps/sitesync/internal/store"
)

var (
	// Global flags
	cfgPath   string
	logLevel  string
	logFormat string
	globalCfg *config.Config
	logger    = slog.Default()
)

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sitesync",
		Short: "Keep published files in sync across storage sites",
		Long: `sitesync reconciles per-site sync status records with the files actually
stored on each site. It uploads from the local site to a remote site, downloads
what is missing locally, and mirrors status to alternate sites that expose the
same storage under another name.`,
		Example: `  sitesync syncservice --active-site studio
  sitesync site add show rep-1 sftp --file f1={root[work]}/shot/a.exr
  sitesync site reset show rep-1 remote
  sitesync reset-timer
  sitesync config validate`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			globalCfg = cfg
			logger.Debug("config loaded", "path", cfgPath, "backend", cfg.StatusStore.Backend)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")

	cmd.AddCommand(
		newSyncServiceCmd(),
		newSiteCmd(),
		newStatusCmd(),
		newResetTimerCmd(),
		newPauseCmd(true),
		newPauseCmd(false),
		newConfigCmd(),
		newVersionCmd(),
	)

	return cmd
}

// loadConfig reads the config file, or the defaults when there is none, and
// applies SITESYNC_* environment overrides.
func loadConfig() (*config.Config, error) {
	if cfgPath == "" {
		path, err := config.FindConfigFile()
		if err != nil {
			logger.Warn("config file not found, using defaults", "error", err)
		}
		cfgPath = path
	}

	cfg := config.DefaultConfig()
	if cfgPath != "" {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}

// openStore opens the status store backend named in the config.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StatusStore.Backend {
	case "", "sqlite":
		return store.NewSQLite(cfg.DatabasePath(), logger)
	case "http":
		return store.NewHTTP(cfg.StatusStore.URL, cfg.StatusStore.Token, store.HTTPOptions{
			Timeout:    cfg.StatusStore.Timeout,
			MaxRetries: cfg.StatusStore.MaxRetries,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown status store backend %q", cfg.StatusStore.Backend)
	}
}

// newEngine opens the store and builds an engine that reloads the config
// file before every cycle.
func newEngine(cfg *config.Config, loader engine.ConfigLoader) (*engine.Engine, store.Store, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open status store: %w", err)
	}
	if loader == nil {
		loader = engine.StaticConfig(cfg)
	}
	return engine.New(st, newRegistry(), loader, logger), st, nil
}

func closeStore(st store.Store) {
	if err := st.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}
}

// providerCodes returns the codes the built-in registry understands.
func providerCodes() []string {
	return newRegistry().Codes()
}
