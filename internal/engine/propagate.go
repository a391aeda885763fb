package engine

import (
	"context"
	"fmt"

	"github.com/BadgerOps/sitesync/internal/sites"
)

// propagate copies the record of (itemID, site) to every alternate of site.
// Alternates expose the same bytes under another name, so this is a status
// write only; no provider is touched.
func (e *Engine) propagate(ctx context.Context, alternates sites.Alternates, project, itemID, site string) error {
	alts := alternates.For(site)
	if len(alts) == 0 {
		return nil
	}

	rec, err := e.store.Get(ctx, project, itemID, site)
	if err != nil {
		return fmt.Errorf("failed to read %s on %s for propagation: %w", itemID, site, err)
	}

	for _, alt := range alts {
		if alt == site {
			continue
		}
		priority := rec.Priority
		if err := e.store.Upsert(ctx, project, itemID, alt, rec.Files, &priority); err != nil {
			return fmt.Errorf("failed to propagate %s from %s to %s: %w", itemID, site, alt, err)
		}
		e.logger.Debug("status propagated", "project", project, "item_id", itemID, "from", site, "to", alt)
	}
	return nil
}
