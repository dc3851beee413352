package blob

import (
	"context"

	"github.com/jacktea/xgblob/pkg/encryption"
)

// EncryptedStore encrypts payloads before they reach the wrapped store and
// decrypts them right after they are read back.
type EncryptedStore struct {
	inner Store
	opts  encryption.Options
}

// NewEncryptedStore wraps inner. When opts are disabled inner is returned
// as is.
func NewEncryptedStore(inner Store, opts encryption.Options) (Store, error) {
	if !opts.Enabled() {
		return inner, nil
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &EncryptedStore{inner: inner, opts: opts}, nil
}

func (e *EncryptedStore) Put(ctx context.Context, bucket BucketName, id ID, data []byte) error {
	sealed, err := encryption.Encrypt(data, e.opts)
	if err != nil {
		return err
	}
	return e.inner.Put(ctx, bucket, id, sealed)
}

func (e *EncryptedStore) Get(ctx context.Context, bucket BucketName, id ID) ([]byte, error) {
	sealed, err := e.inner.Get(ctx, bucket, id)
	if err != nil {
		return nil, err
	}
	return encryption.Decrypt(sealed, e.opts)
}

func (e *EncryptedStore) Delete(ctx context.Context, bucket BucketName, id ID) error {
	return e.inner.Delete(ctx, bucket, id)
}

func (e *EncryptedStore) ListBuckets(ctx context.Context) ([]BucketName, error) {
	return e.inner.ListBuckets(ctx)
}
