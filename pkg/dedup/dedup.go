// Package dedup implements the two save strategies: content-addressed
// deduplication with reference counting, and plain pass-through storage.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jacktea/xgblob/pkg/blob"
	"github.com/jacktea/xgblob/pkg/meta"
	"github.com/jacktea/xgblob/pkg/xerrors"
)

const (
	defaultWriteLease   = 30 * time.Second
	defaultPollInterval = 5 * time.Millisecond
	maxPollInterval     = 250 * time.Millisecond
)

// Options tune a deduplicating store.
type Options struct {
	Digest blob.DigestAlgorithm
	// WriteLease is how long a pending write may stay unconfirmed before
	// another saver of the same content takes it over.
	WriteLease   time.Duration
	PollInterval time.Duration
	Logger       logrus.FieldLogger
	Clock        func() time.Time
}

func (o *Options) setDefaults() {
	if o.Digest == "" {
		o.Digest = blob.DigestSHA256
	}
	if o.WriteLease <= 0 {
		o.WriteLease = defaultWriteLease
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Store is a content-addressed blob.Saver: the id of a payload is its
// digest, identical payloads in a bucket share one physical blob and the
// index counts how many saves reference it.
type Store struct {
	blobs blob.Store
	index meta.DigestIndex
	opts  Options
	log   logrus.FieldLogger
}

// New returns a deduplicating store writing through blobs.
func New(blobs blob.Store, index meta.DigestIndex, opts Options) *Store {
	opts.setDefaults()
	return &Store{
		blobs: blobs,
		index: index,
		opts:  opts,
		log:   opts.Logger.WithField("layer", "dedup"),
	}
}

// Save stores data once per bucket and returns its digest.
func (s *Store) Save(ctx context.Context, bucket blob.BucketName, data []byte) (blob.ID, error) {
	if err := bucket.Validate(); err != nil {
		return "", err
	}
	id := blob.Digest(s.opts.Digest, data)
	key := meta.Key{Bucket: bucket, Digest: id}
	delay := s.opts.PollInterval
	for {
		acq, err := s.index.Acquire(ctx, key, s.opts.Clock())
		if err != nil {
			return "", fmt.Errorf("dedup: acquire %s: %w", key, err)
		}
		switch acq {
		case meta.AcquireOwner:
			if err := s.write(ctx, key, data); err != nil {
				return "", err
			}
			return id, nil
		case meta.AcquireStored:
			s.log.WithFields(logrus.Fields{"bucket": bucket, "digest": id}).Debug("content already stored")
			return id, nil
		case meta.AcquireWait:
			if err := s.wait(ctx, key, data); err != nil {
				return "", err
			}
			return id, nil
		}
		// The collector is deleting this digest; try again once it is done.
		if err := sleep(ctx, delay); err != nil {
			return "", err
		}
		delay = nextDelay(delay)
	}
}

// write performs the physical put the caller owns and confirms it.
func (s *Store) write(ctx context.Context, key meta.Key, data []byte) error {
	if err := s.blobs.Put(ctx, key.Bucket, key.Digest, data); err != nil {
		s.abandon(ctx, key, err)
		return err
	}
	if err := s.index.MarkStored(ctx, key, s.opts.Clock()); err != nil {
		s.abandon(ctx, key, err)
		return fmt.Errorf("dedup: confirm %s: %w", key, err)
	}
	return nil
}

func (s *Store) abandon(ctx context.Context, key meta.Key, cause error) {
	s.log.WithFields(logrus.Fields{"bucket": key.Bucket, "digest": key.Digest}).
		WithError(cause).Warn("write failed, releasing claim")
	if err := s.index.Abandon(context.WithoutCancel(ctx), key); err != nil {
		s.log.WithField("digest", key.Digest).WithError(err).Error("abandon claim")
	}
}

// wait blocks until another writer confirms key, taking the write over when
// that writer gave up or its lease expired.
func (s *Store) wait(ctx context.Context, key meta.Key, data []byte) error {
	delay := s.opts.PollInterval
	for {
		if err := sleep(ctx, delay); err != nil {
			s.dropWaiter(ctx, key)
			return err
		}
		entry, err := s.index.Lookup(ctx, key)
		if err != nil {
			s.dropWaiter(ctx, key)
			return fmt.Errorf("dedup: wait for %s: %w", key, err)
		}
		if entry.State == meta.StateStored {
			return nil
		}
		if entry.State == meta.StatePending {
			owned, err := s.index.TakeOver(ctx, key, s.opts.Clock(), s.opts.WriteLease)
			if err != nil {
				s.dropWaiter(ctx, key)
				return fmt.Errorf("dedup: take over %s: %w", key, err)
			}
			if owned {
				s.log.WithFields(logrus.Fields{"bucket": key.Bucket, "digest": key.Digest}).Info("taking over pending write")
				return s.write(ctx, key, data)
			}
		}
		delay = nextDelay(delay)
	}
}

func (s *Store) dropWaiter(ctx context.Context, key meta.Key) {
	if _, err := s.index.Release(context.WithoutCancel(ctx), key, s.opts.Clock()); err != nil {
		s.log.WithField("digest", key.Digest).WithError(err).Error("drop waiting reference")
	}
}

// Read returns the content stored under id.
func (s *Store) Read(ctx context.Context, bucket blob.BucketName, id blob.ID) ([]byte, error) {
	return s.blobs.Get(ctx, bucket, id)
}

// Release drops one reference. An unreferenced blob is queued for the
// collector and not deleted here.
func (s *Store) Release(ctx context.Context, bucket blob.BucketName, id blob.ID) error {
	key := meta.Key{Bucket: bucket, Digest: id}
	refs, err := s.index.Release(ctx, key, s.opts.Clock())
	if err != nil {
		if xerrors.IsNotFound(err) {
			return err
		}
		return fmt.Errorf("dedup: release %s: %w", key, err)
	}
	if refs == 0 {
		s.log.WithFields(logrus.Fields{"bucket": bucket, "digest": id}).Debug("queued for collection")
	}
	return nil
}

func (s *Store) ListBuckets(ctx context.Context) ([]blob.BucketName, error) {
	return s.blobs.ListBuckets(ctx)
}

// RefCount reports how many saves currently reference id.
func (s *Store) RefCount(ctx context.Context, bucket blob.BucketName, id blob.ID) (int64, error) {
	entry, err := s.index.Lookup(ctx, meta.Key{Bucket: bucket, Digest: id})
	if err != nil {
		return 0, err
	}
	return entry.Refs, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > maxPollInterval {
		return maxPollInterval
	}
	return d
}
