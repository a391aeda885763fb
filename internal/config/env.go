package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SITESYNC"

// ApplyEnv overrides engine knobs from SITESYNC_* environment variables,
// e.g. SITESYNC_RETRY_COUNT=5 or SITESYNC_ALWAYS_ACCESSIBLE_ON="studio,nas".
func (c *Config) ApplyEnv() {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	keys := []string{
		"local_site_id", "retry_count", "loop_delay", "batch_limit", "max_workers",
		"always_accessible_on", "active_site", "remote_site", "resync_cron",
		"status_store_backend", "status_store_url", "status_store_token", "listen",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	if v.IsSet("local_site_id") {
		c.Sync.LocalSiteID = v.GetString("local_site_id")
	}
	if v.IsSet("retry_count") {
		c.Sync.RetryCount = v.GetInt("retry_count")
	}
	if v.IsSet("loop_delay") {
		c.Sync.LoopDelay = v.GetDuration("loop_delay")
	}
	if v.IsSet("batch_limit") {
		c.Sync.BatchLimit = v.GetInt("batch_limit")
	}
	if v.IsSet("max_workers") {
		c.Sync.MaxWorkers = v.GetInt("max_workers")
	}
	if v.IsSet("always_accessible_on") {
		c.Sync.AlwaysAccessibleOn = splitList(v.GetString("always_accessible_on"))
	}
	if v.IsSet("active_site") {
		c.Sync.ActiveSite = v.GetString("active_site")
	}
	if v.IsSet("remote_site") {
		c.Sync.RemoteSite = v.GetString("remote_site")
	}
	if v.IsSet("resync_cron") {
		c.Sync.ResyncCron = v.GetString("resync_cron")
	}
	if v.IsSet("status_store_backend") {
		c.StatusStore.Backend = v.GetString("status_store_backend")
	}
	if v.IsSet("status_store_url") {
		c.StatusStore.URL = v.GetString("status_store_url")
	}
	if v.IsSet("status_store_token") {
		c.StatusStore.Token = v.GetString("status_store_token")
	}
	if v.IsSet("listen") {
		c.Server.Listen = v.GetString("listen")
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
