package gc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jacktea/xgblob/pkg/blob"
	"github.com/jacktea/xgblob/pkg/meta"
	"github.com/jacktea/xgblob/pkg/xerrors"
)

const defaultBatchSize = 128

// Options configures a Sweeper.
type Options struct {
	Index     meta.DigestIndex
	Blob      blob.Store
	BatchSize int
	// Grace is how long a blob must stay unreferenced before it is deleted.
	Grace  time.Duration
	Logger logrus.FieldLogger
	Clock  func() time.Time
}

// Sweeper deletes deduplicated blobs whose reference count dropped to zero.
type Sweeper struct {
	index     meta.DigestIndex
	blob      blob.Store
	batchSize int
	grace     time.Duration
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewSweeper wires the digest index and blob store for garbage collection.
func NewSweeper(opts Options) *Sweeper {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Sweeper{
		index:     opts.Index,
		blob:      opts.Blob,
		batchSize: batch,
		grace:     opts.Grace,
		log:       logger.WithField("component", "gc"),
		now:       now,
	}
}

// Sweep performs one collection pass and returns the number of blobs
// deleted. Candidates still inside the grace period are left queued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.index == nil || s.blob == nil {
		return 0, fmt.Errorf("gc sweeper missing dependencies")
	}
	var total int
	kept := make(map[meta.Key]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		// Kept candidates stay in the queue, so ask for enough to see past them.
		want := s.batchSize + len(kept)
		candidates, err := s.index.Candidates(ctx, want)
		if err != nil {
			return total, err
		}
		progressed := false
		for _, c := range candidates {
			if _, ok := kept[c.Key]; ok {
				continue
			}
			progressed = true
			deleted, err := s.reclaim(ctx, c.Key)
			if err != nil {
				return total, err
			}
			if deleted {
				total++
			} else {
				kept[c.Key] = struct{}{}
			}
		}
		if !progressed || len(candidates) < want {
			if total > 0 {
				s.log.WithField("deleted", total).Info("sweep finished")
			}
			return total, nil
		}
	}
}

// reclaim deletes one candidate after the index confirmed it is still
// unreferenced. It reports false when the candidate was skipped.
func (s *Sweeper) reclaim(ctx context.Context, key meta.Key) (bool, error) {
	ok, err := s.index.BeginReclaim(ctx, key, s.now(), s.grace)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := s.blob.Delete(ctx, key.Bucket, key.Digest); err != nil && !xerrors.IsNotFound(err) {
		// The entry stays in StateReclaiming and the candidate stays queued,
		// so the next pass retries the delete.
		return false, fmt.Errorf("gc: delete %s: %w", key, err)
	}
	if err := s.index.FinishReclaim(ctx, key); err != nil {
		return false, err
	}
	s.log.WithFields(logrus.Fields{"bucket": key.Bucket, "digest": key.Digest}).Debug("blob collected")
	return true, nil
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			_, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.WithError(err).Error("gc sweep")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
