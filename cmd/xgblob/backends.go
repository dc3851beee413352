package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/jacktea/xgblob/pkg/blob"
	"github.com/jacktea/xgblob/pkg/encryption"
	"github.com/jacktea/xgblob/pkg/meta"
	"github.com/jacktea/xgblob/pkg/pipeline"
	"github.com/jacktea/xgblob/pkg/strategy"
)

type storageOptions struct {
	Root         string
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
}

func readStorageOptions(v *viper.Viper, prefix, rootKey string) storageOptions {
	return storageOptions{
		Root:         v.GetString(rootKey),
		Endpoint:     v.GetString(prefix + "_endpoint"),
		Bucket:       v.GetString(prefix + "_bucket"),
		Region:       v.GetString(prefix + "_region"),
		AccessKey:    v.GetString(prefix + "_access_key"),
		SecretKey:    v.GetString(prefix + "_secret_key"),
		SessionToken: v.GetString(prefix + "_session_token"),
	}
}

func buildBlobStore(provider string, opts storageOptions) (blob.Store, error) {
	switch strings.ToLower(provider) {
	case "":
		return nil, nil
	case "memory":
		return blob.NewMemoryStore(), nil
	case "local":
		if opts.Root == "" {
			return nil, errors.New("local storage requires a root directory")
		}
		return blob.NewPathStore(opts.Root)
	case "s3":
		if opts.Endpoint == "" || opts.Bucket == "" || opts.AccessKey == "" || opts.SecretKey == "" || opts.Region == "" {
			return nil, errors.New("s3 config requires endpoint, bucket, region, access key, and secret key")
		}
		return blob.NewS3Store(blob.S3Config{
			RemoteConfig: blob.RemoteConfig{
				Endpoint:     opts.Endpoint,
				Bucket:       opts.Bucket,
				CacheEntries: 1024,
				CacheTTL:     time.Minute,
			},
			Region:       opts.Region,
			AccessKey:    opts.AccessKey,
			SecretKey:    opts.SecretKey,
			SessionToken: opts.SessionToken,
		})
	default:
		return nil, fmt.Errorf("unknown storage provider %q", provider)
	}
}

// indexes holds the opened metadata backends. log is nil when the index
// backend cannot hold the strategy log.
type indexes struct {
	digest  meta.DigestIndex
	aliases meta.AliasIndex
	log     meta.StrategyLog
	closers []io.Closer
}

func (ix *indexes) Close() error {
	var errs []error
	for _, c := range ix.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openIndex(backend, path string, logger logrus.FieldLogger) (*indexes, error) {
	switch strings.ToLower(backend) {
	case "memory":
		store := meta.NewMemoryStore()
		return &indexes{digest: store, aliases: store.Aliases(), log: store}, nil
	case "", "bolt":
		store, err := meta.NewBoltStore(meta.BoltConfig{Path: path})
		if err != nil {
			return nil, err
		}
		return &indexes{digest: store, aliases: store.Aliases(), log: store, closers: []io.Closer{store}}, nil
	case "badger":
		store, err := meta.NewBadgerStore(meta.BadgerConfig{Path: path, Logger: logger})
		if err != nil {
			return nil, err
		}
		return &indexes{digest: store, aliases: store.Aliases(), closers: []io.Closer{store}}, nil
	default:
		return nil, fmt.Errorf("unknown index backend %q", backend)
	}
}

// attachStrategyLog opens the strategy log on ix. "bolt" reuses a Bolt index
// since a Bolt file cannot be opened twice.
func attachStrategyLog(ix *indexes, kind, path string) error {
	switch strings.ToLower(kind) {
	case "memory":
		ix.log = meta.NewMemoryStore()
	case "", "bolt":
		if _, ok := ix.log.(*meta.BoltStore); ok || (kind == "" && ix.log != nil) {
			return nil
		}
		store, err := meta.NewBoltStore(meta.BoltConfig{Path: path})
		if err != nil {
			return fmt.Errorf("strategy log: %w", err)
		}
		ix.log = store
		ix.closers = append(ix.closers, store)
	case "sqlite":
		store, err := meta.OpenSQLiteStrategyLog(path)
		if err != nil {
			return fmt.Errorf("strategy log: %w", err)
		}
		ix.log = store
		ix.closers = append(ix.closers, store)
	default:
		return fmt.Errorf("unknown strategy log %q", kind)
	}
	return nil
}

func openIndexes(v *viper.Viper, logger logrus.FieldLogger) (*indexes, error) {
	for _, p := range []string{indexPath(v), strategyLogPath(v)} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
	}
	ix, err := openIndex(v.GetString("index_backend"), indexPath(v), logger)
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	if err := attachStrategyLog(ix, v.GetString("strategy_log"), strategyLogPath(v)); err != nil {
		_ = ix.Close()
		return nil, err
	}
	return ix, nil
}

func indexPath(v *viper.Viper) string {
	if p := v.GetString("index_path"); p != "" {
		return p
	}
	name := "index.db"
	if strings.EqualFold(v.GetString("index_backend"), "badger") {
		name = "index.badger"
	}
	return filepath.Join(v.GetString("data_dir"), name)
}

func strategyLogPath(v *viper.Viper) string {
	if p := v.GetString("strategy_log_path"); p != "" {
		return p
	}
	return filepath.Join(v.GetString("data_dir"), "strategy.db")
}

func encryptionOptions(v *viper.Viper) (*encryption.Options, error) {
	if !v.GetBool("encrypt") {
		return nil, nil
	}
	method, err := encryption.ParseMethod(v.GetString("encryption_method"))
	if err != nil {
		return nil, err
	}
	var key []byte
	switch {
	case v.GetString("key") != "":
		key, err = hex.DecodeString(v.GetString("key"))
		if err != nil || len(key) != encryption.KeySize {
			return nil, fmt.Errorf("encryption key must be %d bytes of hex", encryption.KeySize)
		}
	case v.GetString("passphrase") != "":
		key, err = encryption.DeriveKey(v.GetString("passphrase"), v.GetString("salt"))
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("encryption enabled but neither key nor passphrase set")
	}
	return &encryption.Options{Method: method, Key: key}, nil
}

func pipelineConfig(v *viper.Viper) (pipeline.Config, error) {
	strat, err := strategy.Parse(v.GetString("strategy"))
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("strategy: %w", err)
	}
	digest, err := blob.ParseDigestAlgorithm(v.GetString("digest"))
	if err != nil {
		return pipeline.Config{}, err
	}
	enc, err := encryptionOptions(v)
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		Strategy:   strat,
		Digest:     digest,
		SingleSave: v.GetBool("single_save"),
		Encryption: enc,
		Mirror:     blob.MirrorOptions{FailOnSecondaryError: v.GetBool("secondary_fail_fast")},
		WriteLease: v.GetDuration("write_lease"),
		GC: pipeline.GCConfig{
			Interval:  v.GetDuration("gc_interval"),
			Grace:     v.GetDuration("gc_grace"),
			BatchSize: v.GetInt("gc_batch"),
		},
	}, nil
}

// openPipeline assembles the storage pipeline described by v. The returned
// pipeline owns the opened indexes.
func openPipeline(ctx context.Context, v *viper.Viper, logger logrus.FieldLogger) (*pipeline.Pipeline, error) {
	cfg, err := pipelineConfig(v)
	if err != nil {
		return nil, err
	}
	primary, err := buildBlobStore(v.GetString("storage_provider"), readStorageOptions(v, "storage", "root"))
	if err != nil {
		return nil, fmt.Errorf("storage config: %w", err)
	}
	if primary == nil {
		return nil, errors.New("storage config: storage_provider is required")
	}
	secondary, err := buildBlobStore(v.GetString("secondary_provider"), readStorageOptions(v, "secondary", "secondary_root"))
	if err != nil {
		return nil, fmt.Errorf("secondary storage config: %w", err)
	}
	ix, err := openIndexes(v, logger)
	if err != nil {
		return nil, err
	}
	p, err := pipeline.Build(ctx, cfg, pipeline.Deps{
		Primary:     primary,
		Secondary:   secondary,
		Index:       ix.digest,
		Aliases:     ix.aliases,
		StrategyLog: ix.log,
		Logger:      logger,
		Closers:     []io.Closer{ix},
	})
	if err != nil {
		_ = ix.Close()
		return nil, err
	}
	return p, nil
}

func newLogger(level, format string, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(lvl)
	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return logger, nil
}
