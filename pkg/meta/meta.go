package meta

import (
	"context"
	"strings"
	"time"

	"github.com/jacktea/xgblob/pkg/blob"
	"github.com/jacktea/xgblob/pkg/xerrors"
)

// State is the lifecycle stage of a digest entry.
type State uint8

const (
	// StatePending means a writer has claimed the digest and the physical
	// write has not been confirmed yet.
	StatePending State = iota + 1
	// StateStored means the physical blob exists.
	StateStored
	// StateReclaiming means the collector owns the entry and is deleting
	// the physical blob.
	StateReclaiming
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStored:
		return "stored"
	case StateReclaiming:
		return "reclaiming"
	default:
		return "unknown"
	}
}

// Key addresses a content-addressed blob inside a bucket.
type Key struct {
	Bucket blob.BucketName
	Digest blob.ID
}

func (k Key) String() string {
	return string(k.Bucket) + "/" + string(k.Digest)
}

func (k Key) bytes() []byte {
	return []byte(k.String())
}

// parseKey reverses Key.String. Bucket names never contain a slash.
func parseKey(raw []byte) (Key, error) {
	s := string(raw)
	idx := strings.IndexByte(s, '/')
	if idx <= 0 || idx == len(s)-1 {
		return Key{}, xerrors.E(xerrors.KindCorrupt, "meta.parseKey", s)
	}
	return Key{Bucket: blob.BucketName(s[:idx]), Digest: blob.ID(s[idx+1:])}, nil
}

// Entry is the persisted reference record of one digest.
type Entry struct {
	Refs      int64     `cbor:"refs"`
	State     State     `cbor:"state"`
	ClaimedAt time.Time `cbor:"claimed_at"` // zero once the claim is released
	StoredAt  time.Time `cbor:"stored_at"`
}

// Acquisition tells a saver what Acquire decided.
type Acquisition int

const (
	// AcquireOwner: the caller inserted the entry and must write the blob.
	AcquireOwner Acquisition = iota
	// AcquireStored: the blob already exists; a reference was added.
	AcquireStored
	// AcquireWait: another writer is in flight; a reference was added and
	// the caller waits for StateStored.
	AcquireWait
	// AcquireBusy: the collector is deleting the blob; nothing changed and
	// the caller retries.
	AcquireBusy
)

// Candidate is a zero-reference digest queued for collection.
type Candidate struct {
	Key   Key
	Since time.Time
}

// DigestIndex tracks reference counts of content-addressed blobs. Every
// method is a single atomic step against the backing store.
type DigestIndex interface {
	Acquire(ctx context.Context, key Key, now time.Time) (Acquisition, error)
	// MarkStored confirms the physical write of a pending entry.
	MarkStored(ctx context.Context, key Key, now time.Time) error
	// TakeOver claims a pending entry whose claim is released or older
	// than lease. It reports whether the caller now owns the write.
	TakeOver(ctx context.Context, key Key, now time.Time, lease time.Duration) (bool, error)
	// Abandon drops the owner's reference after a failed write and
	// releases the claim so a waiter can take over.
	Abandon(ctx context.Context, key Key) error
	Lookup(ctx context.Context, key Key) (Entry, error)
	// Release drops one reference and returns the remaining count. At zero
	// a stored entry is queued as a collection candidate.
	Release(ctx context.Context, key Key, now time.Time) (int64, error)
	Candidates(ctx context.Context, limit int) ([]Candidate, error)
	// BeginReclaim re-verifies a candidate and, when it is still
	// unreferenced and older than grace, moves it to StateReclaiming.
	// Candidates that became referenced or vanished are dropped.
	BeginReclaim(ctx context.Context, key Key, now time.Time, grace time.Duration) (bool, error)
	FinishReclaim(ctx context.Context, key Key) error
	Scan(ctx context.Context, fn func(Key, Entry) error) error
	// Restore writes entry verbatim; used when migrating between backends.
	Restore(ctx context.Context, key Key, entry Entry, now time.Time) error
}

// AliasKey addresses a caller-chosen logical id inside a bucket.
type AliasKey struct {
	Bucket    blob.BucketName
	LogicalID blob.ID
}

func (k AliasKey) String() string {
	return string(k.Bucket) + "/" + string(k.LogicalID)
}

func parseAliasKey(raw []byte) (AliasKey, error) {
	key, err := parseKey(raw)
	if err != nil {
		return AliasKey{}, err
	}
	return AliasKey{Bucket: key.Bucket, LogicalID: key.Digest}, nil
}

// Alias maps a logical id onto the physical blob saved for it. A retired
// alias is a tombstone: its physical reference was released, but the
// logical id stays bound to Digest.
type Alias struct {
	PhysicalID blob.ID   `cbor:"physical_id"`
	Digest     blob.ID   `cbor:"digest"`
	CreatedAt  time.Time `cbor:"created_at"`
	Retired    bool      `cbor:"retired,omitempty"`
}

// AliasIndex persists logical id mappings.
type AliasIndex interface {
	Lookup(ctx context.Context, key AliasKey) (Alias, error)
	// PutIfAbsent stores alias unless key is mapped already, in which case
	// the existing mapping is returned with stored=false.
	PutIfAbsent(ctx context.Context, key AliasKey, alias Alias) (existing Alias, stored bool, err error)
	// Retire turns a live mapping into a tombstone and returns what it
	// pointed to. Absent and already retired keys are not found.
	Retire(ctx context.Context, key AliasKey) (Alias, error)
	// Revive replaces a tombstone with alias when both carry the same
	// digest. Otherwise the current mapping is returned with revived=false.
	Revive(ctx context.Context, key AliasKey, alias Alias) (current Alias, revived bool, err error)
	Scan(ctx context.Context, fn func(AliasKey, Alias) error) error
}

// Record is one entry of the storage strategy history.
type Record struct {
	Strategy  string    `cbor:"strategy"`
	Timestamp time.Time `cbor:"timestamp"`
}

// StrategyLog is the append-only history of configured storage strategies.
type StrategyLog interface {
	Append(ctx context.Context, rec Record) error
	// Latest reports ok=false when nothing was ever recorded.
	Latest(ctx context.Context) (rec Record, ok bool, err error)
	All(ctx context.Context) ([]Record, error)
}

func notFound(op string, key interface{ String() string }) error {
	return xerrors.E(xerrors.KindNotFound, op, key.String())
}
