package blob

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// MirrorOptions control how secondary failures are treated.
type MirrorOptions struct {
	// FailOnSecondaryError makes a failed secondary write fail the Put.
	// By default the secondary is best effort.
	FailOnSecondaryError bool
	Logger               logrus.FieldLogger
}

// MirrorStore writes every blob to a primary store and copies it to a
// secondary one. Reads and deletes only involve the primary.
type MirrorStore struct {
	primary   Store
	secondary Store
	opts      MirrorOptions
	failures  atomic.Int64
}

// NewMirrorStore composes primary and secondary stores. Without a secondary
// the primary is returned unchanged.
func NewMirrorStore(primary, secondary Store, opts MirrorOptions) Store {
	if secondary == nil {
		return primary
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &MirrorStore{primary: primary, secondary: secondary, opts: opts}
}

func (m *MirrorStore) Put(ctx context.Context, bucket BucketName, id ID, data []byte) error {
	if err := m.primary.Put(ctx, bucket, id, data); err != nil {
		return err
	}
	if err := m.secondary.Put(ctx, bucket, id, data); err != nil {
		m.failures.Add(1)
		if m.opts.FailOnSecondaryError {
			return err
		}
		m.opts.Logger.WithFields(logrus.Fields{
			"layer":   "mirror",
			"bucket":  bucket,
			"blob_id": id,
		}).WithError(err).Warn("secondary write failed")
	}
	return nil
}

func (m *MirrorStore) Get(ctx context.Context, bucket BucketName, id ID) ([]byte, error) {
	return m.primary.Get(ctx, bucket, id)
}

func (m *MirrorStore) Delete(ctx context.Context, bucket BucketName, id ID) error {
	return m.primary.Delete(ctx, bucket, id)
}

func (m *MirrorStore) ListBuckets(ctx context.Context) ([]BucketName, error) {
	return m.primary.ListBuckets(ctx)
}

// SecondaryFailures reports how many secondary writes have failed.
func (m *MirrorStore) SecondaryFailures() int64 {
	return m.failures.Load()
}
