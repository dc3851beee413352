package meta

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestMigrateBoltToBadger(t *testing.T) {
	ctx := context.Background()
	src, err := NewBoltStore(BoltConfig{Path: filepath.Join(t.TempDir(), "src.db")})
	if err != nil {
		t.Fatalf("new bolt store: %v", err)
	}
	defer src.Close()
	dst, err := NewBadgerStore(BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("new badger store: %v", err)
	}
	defer dst.Close()

	now := time.Unix(1_700_000_000, 0)
	live := Key{Bucket: "b1", Digest: "live"}
	dead := Key{Bucket: "b1", Digest: "dead"}
	for _, key := range []Key{live, live, dead} {
		if _, err := src.Acquire(ctx, key, now); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	src.MarkStored(ctx, live, now)
	src.MarkStored(ctx, dead, now)
	src.Release(ctx, dead, now)
	alias := Alias{PhysicalID: "live", Digest: "live", CreatedAt: now}
	src.Aliases().PutIfAbsent(ctx, AliasKey{Bucket: "b1", LogicalID: "m-1"}, alias)

	stats, err := Migrate(ctx, src, dst, src.Aliases(), dst.Aliases())
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if stats.Entries != 2 || stats.Aliases != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	entry, err := dst.Lookup(ctx, live)
	if err != nil || entry.Refs != 2 || entry.State != StateStored {
		t.Fatalf("live entry %+v err=%v", entry, err)
	}
	candidates, err := dst.Candidates(ctx, 0)
	if err != nil || len(candidates) != 1 || candidates[0].Key != dead {
		t.Fatalf("expected dead digest queued, got %+v err=%v", candidates, err)
	}
	got, err := dst.Aliases().Lookup(ctx, AliasKey{Bucket: "b1", LogicalID: "m-1"})
	if err != nil || got.PhysicalID != "live" {
		t.Fatalf("alias %+v err=%v", got, err)
	}
}
