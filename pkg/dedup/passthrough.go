package dedup

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jacktea/xgblob/pkg/blob"
)

// PassThrough gives every save its own physical blob under a fresh
// time-ordered id. Nothing is shared, so Release deletes right away.
type PassThrough struct {
	blobs blob.Store
	log   logrus.FieldLogger
}

// NewPassThrough returns a pass-through saver writing through blobs.
func NewPassThrough(blobs blob.Store, logger logrus.FieldLogger) *PassThrough {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PassThrough{blobs: blobs, log: logger.WithField("layer", "passthrough")}
}

func (p *PassThrough) Save(ctx context.Context, bucket blob.BucketName, data []byte) (blob.ID, error) {
	if err := bucket.Validate(); err != nil {
		return "", err
	}
	u, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	id := blob.ID(u.String())
	if err := p.blobs.Put(ctx, bucket, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (p *PassThrough) Read(ctx context.Context, bucket blob.BucketName, id blob.ID) ([]byte, error) {
	return p.blobs.Get(ctx, bucket, id)
}

func (p *PassThrough) Release(ctx context.Context, bucket blob.BucketName, id blob.ID) error {
	if err := p.blobs.Delete(ctx, bucket, id); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"bucket": bucket, "blob_id": id}).Debug("deleted")
	return nil
}

func (p *PassThrough) ListBuckets(ctx context.Context) ([]blob.BucketName, error) {
	return p.blobs.ListBuckets(ctx)
}
