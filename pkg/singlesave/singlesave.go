// Package singlesave lets callers address a blob by an id of their own
// choosing, guaranteeing that each logical id is saved at most once.
package singlesave

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

// Options tune the single-save layer.
type Options struct {
	Digest blob.DigestAlgorithm
	Logger logrus.FieldLogger
	Clock  func() time.Time
}

// Store maps logical ids onto the physical ids assigned by the layer below.
// Save, Read and Release pass straight through, so Store is itself a
// blob.Saver.
type Store struct {
	inner   blob.Saver
	aliases meta.AliasIndex
	digest  blob.DigestAlgorithm
	log     logrus.FieldLogger
	now     func() time.Time
}

// New wraps inner with logical id indirection.
func New(inner blob.Saver, aliases meta.AliasIndex, opts Options) *Store {
	if opts.Digest == "" {
		opts.Digest = blob.DigestSHA256
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Store{
		inner:   inner,
		aliases: aliases,
		digest:  opts.Digest,
		log:     opts.Logger.WithField("layer", "singlesave"),
		now:     opts.Clock,
	}
}

// SaveAs stores data under logicalID. Saving the same bytes again returns
// the recorded physical id without touching storage; different bytes fail
// with a mismatch error. A deleted logical id stays bound to its content and
// only accepts the same bytes again.
func (s *Store) SaveAs(ctx context.Context, bucket blob.BucketName, logicalID blob.ID, data []byte) (blob.ID, error) {
	key := meta.AliasKey{Bucket: bucket, LogicalID: logicalID}
	if err := validate("singlesave.SaveAs", key); err != nil {
		return "", err
	}
	digest := blob.Digest(s.digest, data)
	existing, err := s.aliases.Lookup(ctx, key)
	found := err == nil
	switch {
	case err != nil && !xerrors.IsNotFound(err):
		return "", fmt.Errorf("singlesave: lookup %s: %w", key, err)
	case found && (!existing.Retired || existing.Digest != digest):
		return s.compare(key, existing, digest)
	}

	physical, err := s.inner.Save(ctx, bucket, data)
	if err != nil {
		return "", err
	}
	alias := meta.Alias{PhysicalID: physical, Digest: digest, CreatedAt: s.now()}
	if found {
		return s.revive(ctx, key, alias)
	}
	winner, stored, err := s.aliases.PutIfAbsent(ctx, key, alias)
	if err != nil {
		s.releaseOrphan(ctx, bucket, physical)
		return "", fmt.Errorf("singlesave: record %s: %w", key, err)
	}
	if stored {
		return physical, nil
	}
	if winner.Retired && winner.Digest == digest {
		return s.revive(ctx, key, alias)
	}
	// A concurrent SaveAs recorded the logical id first.
	s.releaseOrphan(ctx, bucket, physical)
	return s.compare(key, winner, digest)
}

// revive rebinds a deleted logical id to a freshly saved physical blob.
func (s *Store) revive(ctx context.Context, key meta.AliasKey, alias meta.Alias) (blob.ID, error) {
	current, revived, err := s.aliases.Revive(ctx, key, alias)
	if err != nil {
		s.releaseOrphan(ctx, key.Bucket, alias.PhysicalID)
		return "", fmt.Errorf("singlesave: record %s: %w", key, err)
	}
	if revived {
		return alias.PhysicalID, nil
	}
	s.releaseOrphan(ctx, key.Bucket, alias.PhysicalID)
	return s.compare(key, current, alias.Digest)
}

func (s *Store) compare(key meta.AliasKey, existing meta.Alias, digest blob.ID) (blob.ID, error) {
	if existing.Digest != digest {
		s.log.WithFields(logrus.Fields{"bucket": key.Bucket, "blob_id": key.LogicalID}).
			Warn("logical id already holds different content")
		return "", xerrors.E(xerrors.KindMismatch, "singlesave.SaveAs", key.String())
	}
	return existing.PhysicalID, nil
}

func (s *Store) releaseOrphan(ctx context.Context, bucket blob.BucketName, physical blob.ID) {
	if err := s.inner.Release(context.WithoutCancel(ctx), bucket, physical); err != nil {
		s.log.WithFields(logrus.Fields{"bucket": bucket, "blob_id": physical}).
			WithError(err).Error("release unrecorded blob")
	}
}

// Resolve returns the physical id recorded for logicalID.
func (s *Store) Resolve(ctx context.Context, bucket blob.BucketName, logicalID blob.ID) (blob.ID, error) {
	key := meta.AliasKey{Bucket: bucket, LogicalID: logicalID}
	if err := validate("singlesave.Resolve", key); err != nil {
		return "", err
	}
	alias, err := s.aliases.Lookup(ctx, key)
	if err != nil {
		return "", err
	}
	if alias.Retired {
		return "", xerrors.E(xerrors.KindNotFound, "singlesave.Resolve", key.String())
	}
	return alias.PhysicalID, nil
}

// ReadAs returns the content saved under logicalID.
func (s *Store) ReadAs(ctx context.Context, bucket blob.BucketName, logicalID blob.ID) ([]byte, error) {
	physical, err := s.Resolve(ctx, bucket, logicalID)
	if err != nil {
		return nil, err
	}
	return s.inner.Read(ctx, bucket, physical)
}

// DeleteAs releases the physical blob behind logicalID. The mapping is
// restored when the release fails, so the call can be retried.
func (s *Store) DeleteAs(ctx context.Context, bucket blob.BucketName, logicalID blob.ID) error {
	key := meta.AliasKey{Bucket: bucket, LogicalID: logicalID}
	if err := validate("singlesave.DeleteAs", key); err != nil {
		return err
	}
	alias, err := s.aliases.Retire(ctx, key)
	if err != nil {
		return err
	}
	if err := s.inner.Release(ctx, bucket, alias.PhysicalID); err != nil {
		if _, revived, rerr := s.aliases.Revive(context.WithoutCancel(ctx), key, alias); rerr != nil || !revived {
			s.log.WithFields(logrus.Fields{"bucket": bucket, "blob_id": logicalID}).
				WithError(errors.Join(err, rerr)).Error("restore logical id after failed release")
		}
		return err
	}
	return nil
}

func (s *Store) Save(ctx context.Context, bucket blob.BucketName, data []byte) (blob.ID, error) {
	return s.inner.Save(ctx, bucket, data)
}

func (s *Store) Read(ctx context.Context, bucket blob.BucketName, id blob.ID) ([]byte, error) {
	return s.inner.Read(ctx, bucket, id)
}

func (s *Store) Release(ctx context.Context, bucket blob.BucketName, id blob.ID) error {
	return s.inner.Release(ctx, bucket, id)
}

func (s *Store) ListBuckets(ctx context.Context) ([]blob.BucketName, error) {
	return s.inner.ListBuckets(ctx)
}

func validate(op string, key meta.AliasKey) error {
	if err := key.Bucket.Validate(); err != nil {
		return xerrors.Wrap(xerrors.KindInvalid, op, key.String(), err)
	}
	if err := key.LogicalID.Validate(); err != nil {
		return xerrors.Wrap(xerrors.KindInvalid, op, key.String(), err)
	}
	return nil
}
