package meta

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDigests  = []byte("digests")
	bucketGCQueue  = []byte("gc_queue")
	bucketAliases  = []byte("aliases")
	bucketStrategy = []byte("strategy")
)

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore persists the digest index, the alias index and the strategy log
// in a single BoltDB file. Bolt serializes write transactions, which makes
// every index operation atomic.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

// NewBoltStore initialises a Bolt-backed store.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	opts := bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	store := &BoltStore{cfg: cfg, db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDigests, bucketGCQueue, bucketAliases, bucketStrategy} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("boltdb: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// Close releases the underlying BoltDB.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func getEntry(tx *bolt.Tx, key Key) (Entry, bool, error) {
	data := tx.Bucket(bucketDigests).Get(key.bytes())
	if data == nil {
		return Entry{}, false, nil
	}
	e, err := decodeEntry(data)
	if err != nil {
		return Entry{}, false, fmt.Errorf("boltdb: decode %s: %w", key, err)
	}
	return e, true, nil
}

func applyBolt(tx *bolt.Tx, key Key, out outcome, now time.Time) error {
	k := key.bytes()
	switch {
	case out.remove:
		if err := tx.Bucket(bucketDigests).Delete(k); err != nil {
			return err
		}
	case out.write:
		data, err := encodeValue(out.entry)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketDigests).Put(k, data); err != nil {
			return err
		}
	}
	switch out.queue {
	case queueAdd:
		return tx.Bucket(bucketGCQueue).Put(k, encodeTime(now))
	case queueDrop:
		return tx.Bucket(bucketGCQueue).Delete(k)
	}
	return nil
}

func (b *BoltStore) Acquire(ctx context.Context, key Key, now time.Time) (Acquisition, error) {
	var acq Acquisition
	err := b.db.Update(func(tx *bolt.Tx) error {
		e, found, err := getEntry(tx, key)
		if err != nil {
			return err
		}
		var out outcome
		out, acq = acquireEntry(e, found, now)
		return applyBolt(tx, key, out, now)
	})
	return acq, err
}

func (b *BoltStore) MarkStored(ctx context.Context, key Key, now time.Time) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		e, found, err := getEntry(tx, key)
		if err != nil {
			return err
		}
		out, ok := markStoredEntry(e, found, now)
		if !ok {
			return notFound("meta.MarkStored", key)
		}
		return applyBolt(tx, key, out, now)
	})
}

func (b *BoltStore) TakeOver(ctx context.Context, key Key, now time.Time, lease time.Duration) (bool, error) {
	var ok bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		e, found, err := getEntry(tx, key)
		if err != nil {
			return err
		}
		var out outcome
		out, ok = takeOverEntry(e, found, now, lease)
		if !ok {
			return nil
		}
		return applyBolt(tx, key, out, now)
	})
	return ok, err
}

func (b *BoltStore) Abandon(ctx context.Context, key Key) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		e, found, err := getEntry(tx, key)
		if err != nil {
			return err
		}
		return applyBolt(tx, key, abandonEntry(e, found), time.Now())
	})
}

func (b *BoltStore) Lookup(ctx context.Context, key Key) (Entry, error) {
	var e Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		var (
			found bool
			err   error
		)
		e, found, err = getEntry(tx, key)
		if err != nil {
			return err
		}
		if !found {
			return notFound("meta.Lookup", key)
		}
		return nil
	})
	return e, err
}

func (b *BoltStore) Release(ctx context.Context, key Key, now time.Time) (int64, error) {
	var refs int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		e, found, err := getEntry(tx, key)
		if err != nil {
			return err
		}
		out, ok := releaseEntry(e, found)
		if !ok {
			return notFound("meta.Release", key)
		}
		refs = out.entry.Refs
		return applyBolt(tx, key, out, now)
	})
	return refs, err
}

func (b *BoltStore) Candidates(ctx context.Context, limit int) ([]Candidate, error) {
	var out []Candidate
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketGCQueue).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			key, err := parseKey(k)
			if err != nil {
				return err
			}
			out = append(out, Candidate{Key: key, Since: decodeTime(v)})
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (b *BoltStore) BeginReclaim(ctx context.Context, key Key, now time.Time, grace time.Duration) (bool, error) {
	var ok bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketGCQueue).Get(key.bytes())
		if v == nil {
			return nil
		}
		e, found, err := getEntry(tx, key)
		if err != nil {
			return err
		}
		var out outcome
		out, ok = beginReclaimEntry(e, found, decodeTime(v), now, grace)
		return applyBolt(tx, key, out, now)
	})
	return ok, err
}

func (b *BoltStore) FinishReclaim(ctx context.Context, key Key) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		e, found, err := getEntry(tx, key)
		if err != nil {
			return err
		}
		return applyBolt(tx, key, finishReclaimEntry(e, found), time.Now())
	})
}

func (b *BoltStore) Scan(ctx context.Context, fn func(Key, Entry) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDigests).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			key, err := parseKey(k)
			if err != nil {
				return err
			}
			e, err := decodeEntry(v)
			if err != nil {
				return fmt.Errorf("boltdb: decode %s: %w", key, err)
			}
			return fn(key, e)
		})
	})
}

func (b *BoltStore) Restore(ctx context.Context, key Key, entry Entry, now time.Time) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return applyBolt(tx, key, restoreEntry(entry), now)
	})
}

// Aliases returns the alias index view of the store.
func (b *BoltStore) Aliases() AliasIndex {
	return boltAliases{b}
}

type boltAliases struct {
	b *BoltStore
}

func (a boltAliases) Lookup(ctx context.Context, key AliasKey) (Alias, error) {
	var alias Alias
	err := a.b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAliases).Get([]byte(key.String()))
		if data == nil {
			return notFound("meta.Aliases.Lookup", key)
		}
		var err error
		alias, err = decodeAlias(data)
		return err
	})
	return alias, err
}

func (a boltAliases) PutIfAbsent(ctx context.Context, key AliasKey, alias Alias) (Alias, bool, error) {
	var (
		existing Alias
		stored   bool
	)
	err := a.b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketAliases)
		k := []byte(key.String())
		if data := bkt.Get(k); data != nil {
			var err error
			existing, err = decodeAlias(data)
			return err
		}
		data, err := encodeValue(alias)
		if err != nil {
			return err
		}
		existing, stored = alias, true
		return bkt.Put(k, data)
	})
	return existing, stored, err
}

func (a boltAliases) Retire(ctx context.Context, key AliasKey) (Alias, error) {
	var alias Alias
	err := a.b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketAliases)
		k := []byte(key.String())
		data := bkt.Get(k)
		var err error
		if data != nil {
			if alias, err = decodeAlias(data); err != nil {
				return err
			}
		}
		tomb, ok := retireAlias(alias, data != nil)
		if !ok {
			return notFound("meta.Aliases.Retire", key)
		}
		encoded, err := encodeValue(tomb)
		if err != nil {
			return err
		}
		return bkt.Put(k, encoded)
	})
	return alias, err
}

func (a boltAliases) Revive(ctx context.Context, key AliasKey, alias Alias) (Alias, bool, error) {
	var (
		current Alias
		revived bool
	)
	err := a.b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketAliases)
		k := []byte(key.String())
		data := bkt.Get(k)
		if data == nil {
			return notFound("meta.Aliases.Revive", key)
		}
		existing, err := decodeAlias(data)
		if err != nil {
			return err
		}
		if current, revived = reviveAlias(existing, alias); !revived {
			return nil
		}
		encoded, err := encodeValue(current)
		if err != nil {
			return err
		}
		return bkt.Put(k, encoded)
	})
	return current, revived, err
}

func (a boltAliases) Scan(ctx context.Context, fn func(AliasKey, Alias) error) error {
	return a.b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAliases).ForEach(func(k, v []byte) error {
			key, err := parseAliasKey(k)
			if err != nil {
				return err
			}
			alias, err := decodeAlias(v)
			if err != nil {
				return err
			}
			return fn(key, alias)
		})
	})
}

func (b *BoltStore) Append(ctx context.Context, rec Record) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketStrategy)
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		data, err := encodeValue(rec)
		if err != nil {
			return err
		}
		return bkt.Put(encodeUint64(seq), data)
	})
}

func (b *BoltStore) Latest(ctx context.Context) (Record, bool, error) {
	var (
		rec Record
		ok  bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(bucketStrategy).Cursor().Last()
		if v == nil {
			return nil
		}
		var err error
		rec, err = decodeRecord(v)
		ok = err == nil
		return err
	})
	return rec, ok, err
}

func (b *BoltStore) All(ctx context.Context) ([]Record, error) {
	var out []Record
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStrategy).ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}
