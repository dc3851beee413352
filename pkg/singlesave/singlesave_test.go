package singlesave

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/xgblob/pkg/blob"
	"github.com/jacktea/xgblob/pkg/dedup"
	"github.com/jacktea/xgblob/pkg/meta"
	"github.com/jacktea/xgblob/pkg/xerrors"
)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// countingSaver records calls reaching the layer below.
type countingSaver struct {
	blob.Saver
	mu       sync.Mutex
	saves    int
	releases []blob.ID
}

func (c *countingSaver) Save(ctx context.Context, bucket blob.BucketName, data []byte) (blob.ID, error) {
	c.mu.Lock()
	c.saves++
	c.mu.Unlock()
	return c.Saver.Save(ctx, bucket, data)
}

func (c *countingSaver) Release(ctx context.Context, bucket blob.BucketName, id blob.ID) error {
	c.mu.Lock()
	c.releases = append(c.releases, id)
	c.mu.Unlock()
	return c.Saver.Release(ctx, bucket, id)
}

func newPassThroughFixture() (*Store, *countingSaver, *blob.MemoryStore) {
	blobs := blob.NewMemoryStore()
	inner := &countingSaver{Saver: dedup.NewPassThrough(blobs, quietLogger())}
	index := meta.NewMemoryStore()
	return New(inner, index.Aliases(), Options{Logger: quietLogger()}), inner, blobs
}

func TestSaveAsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, inner, blobs := newPassThroughFixture()

	first, err := store.SaveAs(ctx, "b1", "message-1", []byte("hello"))
	require.NoError(t, err)
	second, err := store.SaveAs(ctx, "b1", "message-1", []byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.saves, "repeat save must not reach the lower layer")
	assert.Equal(t, 1, blobs.Objects("b1"))

	data, err := store.ReadAs(ctx, "b1", "message-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	resolved, err := store.Resolve(ctx, "b1", "message-1")
	require.NoError(t, err)
	assert.Equal(t, first, resolved)
}

func TestSaveAsMismatch(t *testing.T) {
	ctx := context.Background()
	store, inner, _ := newPassThroughFixture()
	_, err := store.SaveAs(ctx, "b1", "message-1", []byte("hello"))
	require.NoError(t, err)

	_, err = store.SaveAs(ctx, "b1", "message-1", []byte("goodbye"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, xerrors.ErrMismatch), "got %v", err)
	assert.Equal(t, 1, inner.saves)

	data, err := store.ReadAs(ctx, "b1", "message-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data), "original content must be untouched")
}

func TestLogicalIDsAreScopedByBucket(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newPassThroughFixture()
	_, err := store.SaveAs(ctx, "b1", "message-1", []byte("hello"))
	require.NoError(t, err)
	_, err = store.SaveAs(ctx, "b2", "message-1", []byte("other"))
	require.NoError(t, err)
}

func TestReadAsUnknown(t *testing.T) {
	store, _, _ := newPassThroughFixture()
	_, err := store.ReadAs(context.Background(), "b1", "missing")
	assert.True(t, xerrors.IsNotFound(err), "got %v", err)
}

func TestDeleteAsReleasesPhysicalBlob(t *testing.T) {
	ctx := context.Background()
	store, inner, blobs := newPassThroughFixture()
	physical, err := store.SaveAs(ctx, "b1", "message-1", []byte("hello"))
	require.NoError(t, err)

	require.NoError(t, store.DeleteAs(ctx, "b1", "message-1"))
	assert.Equal(t, []blob.ID{physical}, inner.releases)
	assert.Equal(t, 0, blobs.Objects("b1"))

	_, err = store.ReadAs(ctx, "b1", "message-1")
	assert.True(t, xerrors.IsNotFound(err))
	err = store.DeleteAs(ctx, "b1", "message-1")
	assert.True(t, xerrors.IsNotFound(err))

	// A deleted logical id is never remapped to other content.
	_, err = store.SaveAs(ctx, "b1", "message-1", []byte("new content"))
	assert.Equal(t, xerrors.KindMismatch, xerrors.KindOf(err))
	assert.Equal(t, 0, blobs.Objects("b1"))
}

func TestSaveAsAfterDeleteRestoresSameContent(t *testing.T) {
	ctx := context.Background()
	store, inner, blobs := newPassThroughFixture()
	_, err := store.SaveAs(ctx, "b1", "message-1", []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, store.DeleteAs(ctx, "b1", "message-1"))

	physical, err := store.SaveAs(ctx, "b1", "message-1", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 2, inner.saves)
	assert.Equal(t, 1, blobs.Objects("b1"))
	resolved, err := store.Resolve(ctx, "b1", "message-1")
	require.NoError(t, err)
	assert.Equal(t, physical, resolved)
	data, err := store.ReadAs(ctx, "b1", "message-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

// failingRelease makes every Release fail until healed.
type failingRelease struct {
	blob.Saver
	mu     sync.Mutex
	broken bool
}

func (f *failingRelease) Release(ctx context.Context, bucket blob.BucketName, id blob.ID) error {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return xerrors.Wrap(xerrors.KindIO, "release", string(id), errors.New("index unreachable"))
	}
	return f.Saver.Release(ctx, bucket, id)
}

func TestDeleteAsKeepsMappingWhenReleaseFails(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryStore()
	index := meta.NewMemoryStore()
	deduped := dedup.New(blobs, index, dedup.Options{Logger: quietLogger()})
	inner := &failingRelease{Saver: deduped, broken: true}
	store := New(inner, index.Aliases(), Options{Logger: quietLogger()})

	physical, err := store.SaveAs(ctx, "b1", "m1", []byte("hello"))
	require.NoError(t, err)

	err = store.DeleteAs(ctx, "b1", "m1")
	assert.Equal(t, xerrors.KindIO, xerrors.KindOf(err))
	resolved, err := store.Resolve(ctx, "b1", "m1")
	require.NoError(t, err, "mapping must survive a failed release")
	assert.Equal(t, physical, resolved)
	refs, err := deduped.RefCount(ctx, "b1", physical)
	require.NoError(t, err)
	assert.Equal(t, int64(1), refs)

	inner.mu.Lock()
	inner.broken = false
	inner.mu.Unlock()
	require.NoError(t, store.DeleteAs(ctx, "b1", "m1"))
	refs, err = deduped.RefCount(ctx, "b1", physical)
	require.NoError(t, err)
	assert.Equal(t, int64(0), refs)
	_, err = store.Resolve(ctx, "b1", "m1")
	assert.True(t, xerrors.IsNotFound(err))
}

func TestConcurrentSaveAsKeepsOneMapping(t *testing.T) {
	ctx := context.Background()
	store, _, blobs := newPassThroughFixture()
	const writers = 16
	ids := make([]blob.ID, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := store.SaveAs(ctx, "b1", "message-1", []byte("hello"))
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, blobs.Objects("b1"), "losing writers must release their blobs")
}

func TestSaveAsOverDeduplication(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryStore()
	index := meta.NewMemoryStore()
	dd := dedup.New(blobs, index, dedup.Options{Logger: quietLogger()})
	store := New(dd, index.Aliases(), Options{Logger: quietLogger()})

	a, err := store.SaveAs(ctx, "b1", "message-1", []byte("hello"))
	require.NoError(t, err)
	b, err := store.SaveAs(ctx, "b1", "message-2", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, a, b, "different logical ids share deduplicated content")
	refs, err := dd.RefCount(ctx, "b1", a)
	require.NoError(t, err)
	assert.EqualValues(t, 2, refs)

	require.NoError(t, store.DeleteAs(ctx, "b1", "message-1"))
	refs, err = dd.RefCount(ctx, "b1", a)
	require.NoError(t, err)
	assert.EqualValues(t, 1, refs)
}

func TestSaveAsRejectsInvalidLogicalID(t *testing.T) {
	store, _, _ := newPassThroughFixture()
	_, err := store.SaveAs(context.Background(), "b1", "", []byte("x"))
	assert.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
}
