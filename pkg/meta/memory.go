package meta

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process implementation of every index, for tests and
// the memory provider.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[Key]Entry
	candidates map[Key]time.Time
	aliases    map[AliasKey]Alias
	records    []Record
}

// NewMemoryStore creates empty indexes.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:    make(map[Key]Entry),
		candidates: make(map[Key]time.Time),
		aliases:    make(map[AliasKey]Alias),
	}
}

// apply persists a transition outcome. Callers hold m.mu.
func (m *MemoryStore) apply(key Key, out outcome, now time.Time) {
	switch {
	case out.remove:
		delete(m.entries, key)
	case out.write:
		m.entries[key] = out.entry
	}
	switch out.queue {
	case queueAdd:
		m.candidates[key] = now
	case queueDrop:
		delete(m.candidates, key)
	}
}

func (m *MemoryStore) Acquire(ctx context.Context, key Key, now time.Time) (Acquisition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, found := m.entries[key]
	out, acq := acquireEntry(e, found, now)
	m.apply(key, out, now)
	return acq, nil
}

func (m *MemoryStore) MarkStored(ctx context.Context, key Key, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, found := m.entries[key]
	out, ok := markStoredEntry(e, found, now)
	if !ok {
		return notFound("meta.MarkStored", key)
	}
	m.apply(key, out, now)
	return nil
}

func (m *MemoryStore) TakeOver(ctx context.Context, key Key, now time.Time, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, found := m.entries[key]
	out, ok := takeOverEntry(e, found, now, lease)
	if ok {
		m.apply(key, out, now)
	}
	return ok, nil
}

func (m *MemoryStore) Abandon(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, found := m.entries[key]
	m.apply(key, abandonEntry(e, found), time.Now())
	return nil
}

func (m *MemoryStore) Lookup(ctx context.Context, key Key) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, notFound("meta.Lookup", key)
	}
	return e, nil
}

func (m *MemoryStore) Release(ctx context.Context, key Key, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, found := m.entries[key]
	out, ok := releaseEntry(e, found)
	if !ok {
		return 0, notFound("meta.Release", key)
	}
	m.apply(key, out, now)
	return out.entry.Refs, nil
}

func (m *MemoryStore) Candidates(ctx context.Context, limit int) ([]Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Candidate, 0, len(m.candidates))
	for key, since := range m.candidates {
		out = append(out, Candidate{Key: key, Since: since})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) BeginReclaim(ctx context.Context, key Key, now time.Time, grace time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	since, queued := m.candidates[key]
	if !queued {
		return false, nil
	}
	e, found := m.entries[key]
	out, ok := beginReclaimEntry(e, found, since, now, grace)
	m.apply(key, out, now)
	return ok, nil
}

func (m *MemoryStore) FinishReclaim(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, found := m.entries[key]
	m.apply(key, finishReclaimEntry(e, found), time.Now())
	return nil
}

func (m *MemoryStore) Scan(ctx context.Context, fn func(Key, Entry) error) error {
	m.mu.Lock()
	keys := make([]Key, 0, len(m.entries))
	snapshot := make(map[Key]Entry, len(m.entries))
	for key, e := range m.entries {
		keys = append(keys, key)
		snapshot[key] = e
	}
	m.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, key := range keys {
		if err := fn(key, snapshot[key]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Restore(ctx context.Context, key Key, entry Entry, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apply(key, restoreEntry(entry), now)
	return nil
}

// Aliases returns the alias index view of the store.
func (m *MemoryStore) Aliases() AliasIndex {
	return memoryAliases{m}
}

type memoryAliases struct {
	m *MemoryStore
}

func (a memoryAliases) Lookup(ctx context.Context, key AliasKey) (Alias, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	alias, ok := a.m.aliases[key]
	if !ok {
		return Alias{}, notFound("meta.Aliases.Lookup", key)
	}
	return alias, nil
}

func (a memoryAliases) PutIfAbsent(ctx context.Context, key AliasKey, alias Alias) (Alias, bool, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	if existing, ok := a.m.aliases[key]; ok {
		return existing, false, nil
	}
	a.m.aliases[key] = alias
	return alias, true, nil
}

func (a memoryAliases) Retire(ctx context.Context, key AliasKey) (Alias, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	alias, ok := a.m.aliases[key]
	tomb, ok := retireAlias(alias, ok)
	if !ok {
		return Alias{}, notFound("meta.Aliases.Retire", key)
	}
	a.m.aliases[key] = tomb
	return alias, nil
}

func (a memoryAliases) Revive(ctx context.Context, key AliasKey, alias Alias) (Alias, bool, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	current, ok := a.m.aliases[key]
	if !ok {
		return Alias{}, false, notFound("meta.Aliases.Revive", key)
	}
	next, revived := reviveAlias(current, alias)
	if revived {
		a.m.aliases[key] = next
	}
	return next, revived, nil
}

func (a memoryAliases) Scan(ctx context.Context, fn func(AliasKey, Alias) error) error {
	a.m.mu.Lock()
	keys := make([]AliasKey, 0, len(a.m.aliases))
	snapshot := make(map[AliasKey]Alias, len(a.m.aliases))
	for key, alias := range a.m.aliases {
		keys = append(keys, key)
		snapshot[key] = alias
	}
	a.m.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, key := range keys {
		if err := fn(key, snapshot[key]); err != nil {
			return err
		}
	}
	return nil
}

// StrategyLog

func (m *MemoryStore) Append(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryStore) Latest(ctx context.Context) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		return Record{}, false, nil
	}
	return m.records[len(m.records)-1], true, nil
}

func (m *MemoryStore) All(ctx context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...), nil
}
