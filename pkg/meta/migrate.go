package meta

import (
	"context"
	"fmt"
	"time"
)

// MigrateStats summarises a Migrate run.
type MigrateStats struct {
	Entries int
	Aliases int
}

// Migrate copies digest entries and alias mappings from src into dst, for
// example when moving an installation from Bolt to Badger. Zero-reference
// entries are queued for collection again in dst. Either alias index may be
// nil to skip aliases.
func Migrate(ctx context.Context, src, dst DigestIndex, srcAliases, dstAliases AliasIndex) (MigrateStats, error) {
	var stats MigrateStats
	now := time.Now()
	err := src.Scan(ctx, func(key Key, entry Entry) error {
		if err := dst.Restore(ctx, key, entry, now); err != nil {
			return fmt.Errorf("migrate: write %s: %w", key, err)
		}
		stats.Entries++
		return nil
	})
	if err != nil {
		return stats, err
	}
	if srcAliases == nil || dstAliases == nil {
		return stats, nil
	}
	err = srcAliases.Scan(ctx, func(key AliasKey, alias Alias) error {
		existing, stored, err := dstAliases.PutIfAbsent(ctx, key, alias)
		if err != nil {
			return fmt.Errorf("migrate: alias %s: %w", key, err)
		}
		if !stored && existing.PhysicalID != alias.PhysicalID {
			return fmt.Errorf("migrate: alias %s already maps to %s", key, existing.PhysicalID)
		}
		stats.Aliases++
		return nil
	})
	return stats, err
}
