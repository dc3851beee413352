package meta

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var (
	prefixDigest    = []byte("d/")
	prefixCandidate = []byte("q/")
	prefixAlias     = []byte("a/")
)

// maxConflictRetries bounds how often a transaction is replayed after
// badger.ErrConflict.
const maxConflictRetries = 64

// BadgerConfig configures the Badger-backed store.
type BadgerConfig struct {
	Path     string
	InMemory bool
	Logger   logrus.FieldLogger
}

// BadgerStore persists the digest and alias indexes in Badger. Conditional
// updates run in optimistic transactions that are replayed on conflict.
type BadgerStore struct {
	db  *badger.DB
	log logrus.FieldLogger
}

// NewBadgerStore opens (or creates) a Badger database.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if cfg.Path == "" && !cfg.InMemory {
		return nil, fmt.Errorf("badger: path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	return &BadgerStore{db: db, log: cfg.Logger.WithField("index", "badger")}, nil
}

// Close flushes and closes the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// update runs fn in a read-write transaction, replaying it when a concurrent
// transaction touched the same keys. fn must not keep state across attempts.
func (b *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		err := b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if attempt >= maxConflictRetries {
			return fmt.Errorf("badger: giving up after %d conflicts: %w", attempt+1, err)
		}
		b.log.WithField("attempt", attempt+1).Debug("transaction conflict, retrying")
	}
}

func prefixed(prefix []byte, key string) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}

func badgerGet(txn *badger.Txn, k []byte) ([]byte, bool, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func badgerEntry(txn *badger.Txn, key Key) (Entry, bool, error) {
	data, found, err := badgerGet(txn, prefixed(prefixDigest, key.String()))
	if err != nil || !found {
		return Entry{}, false, err
	}
	e, err := decodeEntry(data)
	if err != nil {
		return Entry{}, false, fmt.Errorf("badger: decode %s: %w", key, err)
	}
	return e, true, nil
}

func applyBadger(txn *badger.Txn, key Key, out outcome, now time.Time) error {
	dk := prefixed(prefixDigest, key.String())
	switch {
	case out.remove:
		if err := txn.Delete(dk); err != nil {
			return err
		}
	case out.write:
		data, err := encodeValue(out.entry)
		if err != nil {
			return err
		}
		if err := txn.Set(dk, data); err != nil {
			return err
		}
	}
	qk := prefixed(prefixCandidate, key.String())
	switch out.queue {
	case queueAdd:
		return txn.Set(qk, encodeTime(now))
	case queueDrop:
		return txn.Delete(qk)
	}
	return nil
}

func (b *BadgerStore) Acquire(ctx context.Context, key Key, now time.Time) (Acquisition, error) {
	var acq Acquisition
	err := b.update(func(txn *badger.Txn) error {
		e, found, err := badgerEntry(txn, key)
		if err != nil {
			return err
		}
		var out outcome
		out, acq = acquireEntry(e, found, now)
		return applyBadger(txn, key, out, now)
	})
	return acq, err
}

func (b *BadgerStore) MarkStored(ctx context.Context, key Key, now time.Time) error {
	return b.update(func(txn *badger.Txn) error {
		e, found, err := badgerEntry(txn, key)
		if err != nil {
			return err
		}
		out, ok := markStoredEntry(e, found, now)
		if !ok {
			return notFound("meta.MarkStored", key)
		}
		return applyBadger(txn, key, out, now)
	})
}

func (b *BadgerStore) TakeOver(ctx context.Context, key Key, now time.Time, lease time.Duration) (bool, error) {
	var ok bool
	err := b.update(func(txn *badger.Txn) error {
		e, found, err := badgerEntry(txn, key)
		if err != nil {
			return err
		}
		var out outcome
		out, ok = takeOverEntry(e, found, now, lease)
		if !ok {
			return nil
		}
		return applyBadger(txn, key, out, now)
	})
	return ok, err
}

func (b *BadgerStore) Abandon(ctx context.Context, key Key) error {
	return b.update(func(txn *badger.Txn) error {
		e, found, err := badgerEntry(txn, key)
		if err != nil {
			return err
		}
		return applyBadger(txn, key, abandonEntry(e, found), time.Now())
	})
}

func (b *BadgerStore) Lookup(ctx context.Context, key Key) (Entry, error) {
	var e Entry
	err := b.db.View(func(txn *badger.Txn) error {
		var (
			found bool
			err   error
		)
		e, found, err = badgerEntry(txn, key)
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

func (b *BadgerStore) Release(ctx context.Context, key Key, now time.Time) (int64, error) {
	var refs int64
	err := b.update(func(txn *badger.Txn) error {
		e, found, err := badgerEntry(txn, key)
		if err != nil {
			return err
		}
		out, ok := releaseEntry(e, found)
		if !ok {
			return notFound("meta.Release", key)
		}
		refs = out.entry.Refs
		return applyBadger(txn, key, out, now)
	})
	return refs, err
}

func (b *BadgerStore) Candidates(ctx context.Context, limit int) ([]Candidate, error) {
	var out []Candidate
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixCandidate
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key, err := parseKey(item.KeyCopy(nil)[len(prefixCandidate):])
			if err != nil {
				return err
			}
			v, err := item.ValueCopy(nil)
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

func (b *BadgerStore) BeginReclaim(ctx context.Context, key Key, now time.Time, grace time.Duration) (bool, error) {
	var ok bool
	err := b.update(func(txn *badger.Txn) error {
		ok = false
		v, queued, err := badgerGet(txn, prefixed(prefixCandidate, key.String()))
		if err != nil || !queued {
			return err
		}
		e, found, err := badgerEntry(txn, key)
		if err != nil {
			return err
		}
		var out outcome
		out, ok = beginReclaimEntry(e, found, decodeTime(v), now, grace)
		return applyBadger(txn, key, out, now)
	})
	return ok, err
}

func (b *BadgerStore) FinishReclaim(ctx context.Context, key Key) error {
	return b.update(func(txn *badger.Txn) error {
		e, found, err := badgerEntry(txn, key)
		if err != nil {
			return err
		}
		return applyBadger(txn, key, finishReclaimEntry(e, found), time.Now())
	})
}

func (b *BadgerStore) Scan(ctx context.Context, fn func(Key, Entry) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixDigest
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key, err := parseKey(item.KeyCopy(nil)[len(prefixDigest):])
			if err != nil {
				return err
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			e, err := decodeEntry(v)
			if err != nil {
				return fmt.Errorf("badger: decode %s: %w", key, err)
			}
			if err := fn(key, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerStore) Restore(ctx context.Context, key Key, entry Entry, now time.Time) error {
	return b.update(func(txn *badger.Txn) error {
		return applyBadger(txn, key, restoreEntry(entry), now)
	})
}

// Aliases returns the alias index view of the store.
func (b *BadgerStore) Aliases() AliasIndex {
	return badgerAliases{b}
}

type badgerAliases struct {
	b *BadgerStore
}

func (a badgerAliases) Lookup(ctx context.Context, key AliasKey) (Alias, error) {
	var alias Alias
	err := a.b.db.View(func(txn *badger.Txn) error {
		data, found, err := badgerGet(txn, prefixed(prefixAlias, key.String()))
		if err != nil {
			return err
		}
		if !found {
			return notFound("meta.Aliases.Lookup", key)
		}
		alias, err = decodeAlias(data)
		return err
	})
	return alias, err
}

func (a badgerAliases) PutIfAbsent(ctx context.Context, key AliasKey, alias Alias) (Alias, bool, error) {
	var (
		existing Alias
		stored   bool
	)
	err := a.b.update(func(txn *badger.Txn) error {
		k := prefixed(prefixAlias, key.String())
		data, found, err := badgerGet(txn, k)
		if err != nil {
			return err
		}
		if found {
			stored = false
			existing, err = decodeAlias(data)
			return err
		}
		encoded, err := encodeValue(alias)
		if err != nil {
			return err
		}
		existing, stored = alias, true
		return txn.Set(k, encoded)
	})
	return existing, stored, err
}

func (a badgerAliases) Retire(ctx context.Context, key AliasKey) (Alias, error) {
	var alias Alias
	err := a.b.update(func(txn *badger.Txn) error {
		alias = Alias{}
		k := prefixed(prefixAlias, key.String())
		data, found, err := badgerGet(txn, k)
		if err != nil {
			return err
		}
		if found {
			if alias, err = decodeAlias(data); err != nil {
				return err
			}
		}
		tomb, ok := retireAlias(alias, found)
		if !ok {
			return notFound("meta.Aliases.Retire", key)
		}
		encoded, err := encodeValue(tomb)
		if err != nil {
			return err
		}
		return txn.Set(k, encoded)
	})
	return alias, err
}

func (a badgerAliases) Revive(ctx context.Context, key AliasKey, alias Alias) (Alias, bool, error) {
	var (
		current Alias
		revived bool
	)
	err := a.b.update(func(txn *badger.Txn) error {
		k := prefixed(prefixAlias, key.String())
		data, found, err := badgerGet(txn, k)
		if err != nil {
			return err
		}
		if !found {
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
		return txn.Set(k, encoded)
	})
	return current, revived, err
}

func (a badgerAliases) Scan(ctx context.Context, fn func(AliasKey, Alias) error) error {
	return a.b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixAlias
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key, err := parseAliasKey(item.KeyCopy(nil)[len(prefixAlias):])
			if err != nil {
				return err
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			alias, err := decodeAlias(v)
			if err != nil {
				return err
			}
			if err := fn(key, alias); err != nil {
				return err
			}
		}
		return nil
	})
}
