// Package pipeline assembles the storage layers selected by configuration
// into one object: single-save over a save strategy over encryption over
// mirroring over the physical backend.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jacktea/xgblob/pkg/blob"
	"github.com/jacktea/xgblob/pkg/dedup"
	"github.com/jacktea/xgblob/pkg/encryption"
	"github.com/jacktea/xgblob/pkg/gc"
	"github.com/jacktea/xgblob/pkg/meta"
	"github.com/jacktea/xgblob/pkg/singlesave"
	"github.com/jacktea/xgblob/pkg/strategy"
	"github.com/jacktea/xgblob/pkg/xerrors"
)

// Deps are the collaborators a Pipeline is built on.
type Deps struct {
	Primary     blob.Store
	Secondary   blob.Store
	Index       meta.DigestIndex
	Aliases     meta.AliasIndex
	StrategyLog meta.StrategyLog
	Logger      logrus.FieldLogger
	// Closers are closed by Pipeline.Close, in order.
	Closers []io.Closer
}

// layerFactory builds a save strategy over the physical store.
type layerFactory func(physical blob.Store, cfg Config, deps Deps) (blob.Saver, error)

var layerChooser = map[strategy.Strategy]layerFactory{
	strategy.Deduplication: func(physical blob.Store, cfg Config, deps Deps) (blob.Saver, error) {
		if deps.Index == nil {
			return nil, fmt.Errorf("pipeline: deduplication requires a digest index")
		}
		return dedup.New(physical, deps.Index, dedup.Options{
			Digest:     cfg.Digest,
			WriteLease: cfg.WriteLease,
			Logger:     deps.Logger,
		}), nil
	},
	strategy.PassThrough: func(physical blob.Store, cfg Config, deps Deps) (blob.Saver, error) {
		return dedup.NewPassThrough(physical, deps.Logger), nil
	},
}

// Pipeline is the assembled storage stack.
type Pipeline struct {
	cfg      Config
	physical blob.Store
	saver    blob.Saver
	mirror   *blob.MirrorStore
	single   *singlesave.Store
	sweeper  *gc.Sweeper
	closers  []io.Closer
	log      logrus.FieldLogger
}

// Build assembles the layers and then checks the recorded storage strategy.
// The strategy is only recorded once every layer could be assembled, so a
// misconfigured start leaves the history untouched.
func Build(ctx context.Context, cfg Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Primary == nil {
		return nil, fmt.Errorf("pipeline: primary store required")
	}
	if deps.StrategyLog == nil {
		return nil, fmt.Errorf("pipeline: strategy log required")
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if cfg.Mirror.Logger == nil {
		cfg.Mirror.Logger = deps.Logger
	}
	if cfg.SingleSave && deps.Aliases == nil {
		return nil, fmt.Errorf("pipeline: single-save requires an alias index")
	}

	mirrored := blob.NewMirrorStore(deps.Primary, deps.Secondary, cfg.Mirror)
	encOpts := encryption.Options{Method: encryption.MethodNone}
	if cfg.Encryption != nil {
		encOpts = *cfg.Encryption
	}
	physical, err := blob.NewEncryptedStore(mirrored, encOpts)
	if err != nil {
		return nil, err
	}

	factory, ok := layerChooser[cfg.Strategy]
	if !ok {
		return nil, fmt.Errorf("pipeline: no layer for strategy %q", cfg.Strategy)
	}
	saver, err := factory(physical, cfg, deps)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:      cfg,
		physical: physical,
		saver:    saver,
		closers:  deps.Closers,
		log:      deps.Logger.WithField("component", "pipeline"),
	}
	if m, ok := mirrored.(*blob.MirrorStore); ok {
		p.mirror = m
	}
	if cfg.SingleSave {
		p.single = singlesave.New(saver, deps.Aliases, singlesave.Options{Digest: cfg.Digest, Logger: deps.Logger})
		p.saver = p.single
	}
	if cfg.Strategy == strategy.Deduplication {
		p.sweeper = gc.NewSweeper(gc.Options{
			Index:     deps.Index,
			Blob:      physical,
			BatchSize: cfg.GC.BatchSize,
			Grace:     cfg.GC.Grace,
			Logger:    deps.Logger,
		})
	}
	if err := strategy.Enforce(ctx, deps.StrategyLog, cfg.Strategy, time.Now(), deps.Logger); err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{
		"strategy":    cfg.Strategy,
		"single_save": cfg.SingleSave,
		"encrypted":   encOpts.Enabled(),
		"mirrored":    deps.Secondary != nil,
	}).Info("storage pipeline ready")
	return p, nil
}

func bucketOrDefault(bucket blob.BucketName) blob.BucketName {
	if bucket == "" {
		return blob.DefaultBucket
	}
	return bucket
}

// Store saves data and returns its id.
func (p *Pipeline) Store(ctx context.Context, bucket blob.BucketName, data []byte) (blob.ID, error) {
	return p.saver.Save(ctx, bucketOrDefault(bucket), data)
}

// StoreAs saves data under a caller-chosen logical id and returns the
// physical id behind it. It requires single-save.
func (p *Pipeline) StoreAs(ctx context.Context, bucket blob.BucketName, logicalID blob.ID, data []byte) (blob.ID, error) {
	if p.single == nil {
		return "", errSingleSaveDisabled("pipeline.StoreAs")
	}
	return p.single.SaveAs(ctx, bucketOrDefault(bucket), logicalID, data)
}

// Read returns the content of the blob stored under id.
func (p *Pipeline) Read(ctx context.Context, bucket blob.BucketName, id blob.ID) ([]byte, error) {
	return p.saver.Read(ctx, bucketOrDefault(bucket), id)
}

// ReadAs returns the content saved under logicalID.
func (p *Pipeline) ReadAs(ctx context.Context, bucket blob.BucketName, logicalID blob.ID) ([]byte, error) {
	if p.single == nil {
		return nil, errSingleSaveDisabled("pipeline.ReadAs")
	}
	return p.single.ReadAs(ctx, bucketOrDefault(bucket), logicalID)
}

// Delete releases id. Under deduplication the blob is only removed by the
// collector once nothing references it.
func (p *Pipeline) Delete(ctx context.Context, bucket blob.BucketName, id blob.ID) error {
	return p.saver.Release(ctx, bucketOrDefault(bucket), id)
}

// DeleteAs forgets logicalID and releases its blob.
func (p *Pipeline) DeleteAs(ctx context.Context, bucket blob.BucketName, logicalID blob.ID) error {
	if p.single == nil {
		return errSingleSaveDisabled("pipeline.DeleteAs")
	}
	return p.single.DeleteAs(ctx, bucketOrDefault(bucket), logicalID)
}

// ListBuckets lists every bucket holding at least one blob.
func (p *Pipeline) ListBuckets(ctx context.Context) ([]blob.BucketName, error) {
	return p.saver.ListBuckets(ctx)
}

// Sweeper returns the collector for unreferenced blobs, or nil when
// nothing is deduplicated.
func (p *Pipeline) Sweeper() *gc.Sweeper {
	return p.sweeper
}

// SecondaryFailures reports failed mirror writes, zero without a mirror.
func (p *Pipeline) SecondaryFailures() int64 {
	if p.mirror == nil {
		return 0
	}
	return p.mirror.SecondaryFailures()
}

// Close releases the index backends handed over in Deps.
func (p *Pipeline) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func errSingleSaveDisabled(op string) error {
	return xerrors.Wrap(xerrors.KindInvalid, op, "", errors.New("single-save is disabled"))
}
