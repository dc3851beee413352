package gc

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jacktea/xgblob/pkg/blob"
	"github.com/jacktea/xgblob/pkg/dedup"
	"github.com/jacktea/xgblob/pkg/meta"
)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fixture struct {
	blobs *blob.MemoryStore
	index *meta.MemoryStore
	store *dedup.Store
}

func newFixture() fixture {
	blobs := blob.NewMemoryStore()
	index := meta.NewMemoryStore()
	return fixture{
		blobs: blobs,
		index: index,
		store: dedup.New(blobs, index, dedup.Options{Logger: quietLogger()}),
	}
}

func TestSweeperRemovesUnreferencedBlobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	var ids []blob.ID
	for _, payload := range []string{"one", "two", "three"} {
		id, err := f.store.Save(ctx, "b1", []byte(payload))
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids[:2] {
		if err := f.store.Release(ctx, "b1", id); err != nil {
			t.Fatalf("release: %v", err)
		}
	}

	sweeper := NewSweeper(Options{Index: f.index, Blob: f.blobs, BatchSize: 1, Logger: quietLogger()})
	count, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 deletions, got %d", count)
	}
	if f.blobs.Objects("b1") != 1 {
		t.Fatalf("expected only the referenced blob to remain, got %d", f.blobs.Objects("b1"))
	}
	if _, ok := f.blobs.Raw("b1", ids[2]); !ok {
		t.Fatalf("referenced blob was deleted")
	}
	pending, err := f.index.Candidates(ctx, 0)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty queue, got %v", pending)
	}
}

func TestSweeperRespectsGrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.store.Save(ctx, "b1", []byte("young"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := f.store.Release(ctx, "b1", id); err != nil {
		t.Fatalf("release: %v", err)
	}
	now := time.Now()
	sweeper := NewSweeper(Options{
		Index:  f.index,
		Blob:   f.blobs,
		Grace:  time.Hour,
		Logger: quietLogger(),
		Clock:  func() time.Time { return now },
	})
	count, err := sweeper.Sweep(ctx)
	if err != nil || count != 0 {
		t.Fatalf("young candidate swept count=%d err=%v", count, err)
	}
	if _, ok := f.blobs.Raw("b1", id); !ok {
		t.Fatalf("blob deleted inside grace period")
	}
	now = now.Add(2 * time.Hour)
	count, err = sweeper.Sweep(ctx)
	if err != nil || count != 1 {
		t.Fatalf("expected collection after grace count=%d err=%v", count, err)
	}
}

func TestSweeperSkipsRevivedBlob(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	id, err := f.store.Save(ctx, "b1", []byte("revived"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := f.store.Release(ctx, "b1", id); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Saved again before the collector ran.
	if _, err := f.store.Save(ctx, "b1", []byte("revived")); err != nil {
		t.Fatalf("save again: %v", err)
	}
	sweeper := NewSweeper(Options{Index: f.index, Blob: f.blobs, Logger: quietLogger()})
	count, err := sweeper.Sweep(ctx)
	if err != nil || count != 0 {
		t.Fatalf("revived blob swept count=%d err=%v", count, err)
	}
	data, err := f.store.Read(ctx, "b1", id)
	if err != nil || string(data) != "revived" {
		t.Fatalf("read after sweep %q err=%v", data, err)
	}
}

// racingStore saves the same content again while the collector deletes.
type racingStore struct {
	*blob.MemoryStore
	onDelete func()
}

func (r *racingStore) Delete(ctx context.Context, bucket blob.BucketName, id blob.ID) error {
	if r.onDelete != nil {
		r.onDelete()
	}
	return r.MemoryStore.Delete(ctx, bucket, id)
}

func TestSaveDuringSweepIsNeverLost(t *testing.T) {
	ctx := context.Background()
	blobs := &racingStore{MemoryStore: blob.NewMemoryStore()}
	index := meta.NewMemoryStore()
	store := dedup.New(blobs, index, dedup.Options{PollInterval: time.Millisecond, Logger: quietLogger()})
	id, err := store.Save(ctx, "b1", []byte("contended"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Release(ctx, "b1", id); err != nil {
		t.Fatalf("release: %v", err)
	}

	var (
		wg      sync.WaitGroup
		saveErr error
	)
	blobs.onDelete = func() {
		blobs.onDelete = nil
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, saveErr = store.Save(ctx, "b1", []byte("contended"))
		}()
		// Give the concurrent save time to hit the reclaiming entry.
		time.Sleep(10 * time.Millisecond)
	}
	sweeper := NewSweeper(Options{Index: index, Blob: blobs, Logger: quietLogger()})
	if _, err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	wg.Wait()
	if saveErr != nil {
		t.Fatalf("concurrent save: %v", saveErr)
	}
	data, err := store.Read(ctx, "b1", id)
	if err != nil || string(data) != "contended" {
		t.Fatalf("content lost after sweep: %q err=%v", data, err)
	}
	refs, err := store.RefCount(ctx, "b1", id)
	if err != nil || refs != 1 {
		t.Fatalf("refs=%d err=%v", refs, err)
	}
}

type failingDelete struct {
	*blob.MemoryStore
	fail bool
}

func (f *failingDelete) Delete(ctx context.Context, bucket blob.BucketName, id blob.ID) error {
	if f.fail {
		return errors.New("backend unavailable")
	}
	return f.MemoryStore.Delete(ctx, bucket, id)
}

func TestSweeperRetriesFailedDelete(t *testing.T) {
	ctx := context.Background()
	blobs := &failingDelete{MemoryStore: blob.NewMemoryStore(), fail: true}
	index := meta.NewMemoryStore()
	store := dedup.New(blobs, index, dedup.Options{Logger: quietLogger()})
	id, _ := store.Save(ctx, "b1", []byte("stubborn"))
	store.Release(ctx, "b1", id)

	sweeper := NewSweeper(Options{Index: index, Blob: blobs, Logger: quietLogger()})
	if _, err := sweeper.Sweep(ctx); err == nil {
		t.Fatalf("expected delete failure to surface")
	}
	blobs.fail = false
	count, err := sweeper.Sweep(ctx)
	if err != nil || count != 1 {
		t.Fatalf("retry count=%d err=%v", count, err)
	}
	if blobs.Objects("b1") != 0 {
		t.Fatalf("blob should be gone after retry")
	}
}

func TestSweeperStartStops(t *testing.T) {
	f := newFixture()
	sweeper := NewSweeper(Options{Index: f.index, Blob: f.blobs, Logger: quietLogger()})
	cancel := sweeper.Start(context.Background(), 5*time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	cancel()
}
