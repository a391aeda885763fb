package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/BadgerOps/sitesync/internal/safety"
)

// ValidationError lists every problem found in a config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration:\n  - " + strings.Join(e.Problems, "\n  - ")
}

// Validate checks the config for consistency. knownCodes lists the provider
// codes the binary can build; a nil slice skips that check.
func (c *Config) Validate(knownCodes []string) error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.StatusStore.Backend {
	case "sqlite":
	case "http":
		if c.StatusStore.URL == "" {
			addf("status_store.url is required for the http backend")
		} else if _, err := safety.ValidateHTTPURL(c.StatusStore.URL); err != nil {
			addf("status_store.url: %v", err)
		}
	default:
		addf("status_store.backend must be sqlite or http, got %q", c.StatusStore.Backend)
	}

	if c.Sync.RetryCount <= 0 {
		addf("sync.retry_count must be positive")
	}
	if c.Sync.LoopDelay <= 0 {
		addf("sync.loop_delay must be positive")
	}
	if c.Sync.BatchLimit <= 0 {
		addf("sync.batch_limit must be positive")
	}
	if c.Sync.MaxWorkers <= 0 {
		addf("sync.max_workers must be positive")
	}
	if c.Sync.ResyncCron != "" {
		if _, err := cron.ParseStandard(c.Sync.ResyncCron); err != nil {
			addf("sync.resync_cron: %v", err)
		}
	}

	var known map[string]bool
	if knownCodes != nil {
		known = make(map[string]bool, len(knownCodes))
		for _, code := range knownCodes {
			known[code] = true
		}
	}

	siteNames := make([]string, 0, len(c.Sites))
	for name := range c.Sites {
		siteNames = append(siteNames, name)
	}
	sort.Strings(siteNames)

	for _, name := range siteNames {
		site := c.Sites[name]
		if name == LocalSite {
			addf("site name %q is reserved", LocalSite)
		}
		switch {
		case site.Provider == "":
			addf("sites.%s.provider is required", name)
		case known != nil && !known[site.Provider]:
			addf("sites.%s: unsupported provider %q", name, site.Provider)
		}
		if site.MaxConnections < 0 {
			addf("sites.%s.max_connections must not be negative", name)
		}
		for _, alt := range site.AlternativeSites {
			if _, ok := c.Sites[alt]; !ok {
				addf("sites.%s.alternative_sites: unknown site %q", name, alt)
			}
		}
	}

	checkSite := func(field, name string) {
		if name == LocalSite {
			if c.Sync.LocalSiteID == "" {
				addf("%s is %q but sync.local_site_id is not set", field, LocalSite)
			}
			return
		}
		if _, ok := c.Sites[name]; !ok {
			addf("%s: unknown site %q", field, name)
		}
	}

	if len(c.Sites) > 0 {
		checkSite("sync.active_site", c.Sync.ActiveSite)
		checkSite("sync.remote_site", c.Sync.RemoteSite)
		if c.Sync.LocalSiteID != "" {
			checkSite("sync.local_site_id", c.Sync.LocalSiteID)
		}
		for _, name := range c.Sync.AlwaysAccessibleOn {
			checkSite("sync.always_accessible_on", name)
		}
	}

	projectNames := make([]string, 0, len(c.Projects))
	for name := range c.Projects {
		projectNames = append(projectNames, name)
	}
	sort.Strings(projectNames)

	for _, name := range projectNames {
		p := c.Projects[name]
		if p.ActiveSite != "" {
			checkSite("projects."+name+".active_site", p.ActiveSite)
		}
		if p.RemoteSite != "" {
			checkSite("projects."+name+".remote_site", p.RemoteSite)
		}
		if p.RetryCount < 0 {
			addf("projects.%s.retry_count must not be negative", name)
		}
		if p.LoopDelay < 0 {
			addf("projects.%s.loop_delay must not be negative", name)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
