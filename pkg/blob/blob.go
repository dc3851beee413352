package blob

import (
	"context"
	"strings"

	"github.com/jacktea/xgblob/pkg/xerrors"
)

// BucketName is a logical storage namespace. Names are case-sensitive.
type BucketName string

// DefaultBucket is used when callers do not name a bucket.
const DefaultBucket BucketName = "default"

// Validate rejects names that cannot be used as an object key prefix.
func (b BucketName) Validate() error {
	if b == "" {
		return xerrors.E(xerrors.KindInvalid, "blob.BucketName", "empty bucket name")
	}
	if strings.ContainsAny(string(b), "/\\") || b == "." || b == ".." {
		return xerrors.E(xerrors.KindInvalid, "blob.BucketName", string(b))
	}
	return nil
}

// ID is the identifier of a blob within a bucket.
type ID string

// Validate rejects ids that cannot be used as an object key.
func (id ID) Validate() error {
	if id == "" {
		return xerrors.E(xerrors.KindInvalid, "blob.ID", "empty blob id")
	}
	if strings.ContainsAny(string(id), "/\\") || id == "." || id == ".." {
		return xerrors.E(xerrors.KindInvalid, "blob.ID", string(id))
	}
	return nil
}

// Store is the physical object storage contract: raw bytes under (bucket, id).
type Store interface {
	Put(ctx context.Context, bucket BucketName, id ID, data []byte) error
	// Get returns an xerrors.KindNotFound error when the blob does not exist.
	Get(ctx context.Context, bucket BucketName, id ID) ([]byte, error)
	// Delete succeeds when the blob is already absent.
	Delete(ctx context.Context, bucket BucketName, id ID) error
	ListBuckets(ctx context.Context) ([]BucketName, error)
}

// Saver assigns ids to payloads. It is implemented by the strategy layers
// and by the single-save layer on top of them.
type Saver interface {
	Save(ctx context.Context, bucket BucketName, data []byte) (ID, error)
	Read(ctx context.Context, bucket BucketName, id ID) ([]byte, error)
	// Release drops one logical reference to id. Depending on the strategy
	// the physical blob is deleted immediately or queued for collection.
	Release(ctx context.Context, bucket BucketName, id ID) error
	ListBuckets(ctx context.Context) ([]BucketName, error)
}

func keyOf(bucket BucketName, id ID) string {
	return string(bucket) + "/" + string(id)
}

func checkKey(op string, bucket BucketName, id ID) error {
	if err := bucket.Validate(); err != nil {
		return xerrors.Wrap(xerrors.KindInvalid, op, keyOf(bucket, id), err)
	}
	if err := id.Validate(); err != nil {
		return xerrors.Wrap(xerrors.KindInvalid, op, keyOf(bucket, id), err)
	}
	return nil
}

func notFound(op string, bucket BucketName, id ID) error {
	return xerrors.E(xerrors.KindNotFound, op, keyOf(bucket, id))
}
