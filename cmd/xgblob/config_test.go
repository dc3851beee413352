package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/jacktea/xgblob/pkg/encryption"
	"github.com/jacktea/xgblob/pkg/meta"
	"github.com/jacktea/xgblob/pkg/xerrors"
)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func localConfig(t *testing.T) *viper.Viper {
	t.Helper()
	dir := t.TempDir()
	v := viper.New()
	v.Set("storage_provider", "local")
	v.Set("root", filepath.Join(dir, "blobs"))
	v.Set("data_dir", dir)
	v.Set("index_backend", "bolt")
	v.Set("strategy", "deduplication")
	return v
}

func TestBuildBlobStoreLocal(t *testing.T) {
	root := t.TempDir()
	store, err := buildBlobStore("local", storageOptions{Root: root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store == nil {
		t.Fatalf("expected path store instance")
	}
	if _, err := buildBlobStore("local", storageOptions{}); err == nil {
		t.Fatalf("expected missing root error")
	}
}

func TestBuildBlobStoreDisabled(t *testing.T) {
	store, err := buildBlobStore("", storageOptions{})
	if err != nil || store != nil {
		t.Fatalf("empty provider should disable the store, got %v %v", store, err)
	}
	if _, err := buildBlobStore("ftp", storageOptions{}); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func TestBuildBlobStoreS3Validation(t *testing.T) {
	if _, err := buildBlobStore("s3", storageOptions{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestBuildBlobStoreS3Success(t *testing.T) {
	store, err := buildBlobStore("s3", storageOptions{
		Endpoint:  "https://s3.example.com",
		Bucket:    "bucket",
		Region:    "us-east-1",
		AccessKey: "ak",
		SecretKey: "sk",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store == nil {
		t.Fatalf("expected store instance")
	}
}

func TestEncryptionOptions(t *testing.T) {
	v := viper.New()
	opts, err := encryptionOptions(v)
	if err != nil || opts != nil {
		t.Fatalf("disabled encryption should yield nil options, got %v %v", opts, err)
	}

	v.Set("encrypt", true)
	if _, err := encryptionOptions(v); err == nil {
		t.Fatalf("expected error without key material")
	}

	v.Set("key", strings.Repeat("ab", encryption.KeySize))
	opts, err = encryptionOptions(v)
	if err != nil {
		t.Fatalf("hex key: %v", err)
	}
	if opts.Method != encryption.MethodAES256GCM || len(opts.Key) != encryption.KeySize {
		t.Fatalf("unexpected options %+v", opts)
	}

	v.Set("key", "abcd")
	if _, err := encryptionOptions(v); err == nil {
		t.Fatalf("expected short key error")
	}

	v.Set("key", "")
	v.Set("passphrase", "correct horse")
	v.Set("salt", "mail-store")
	v.Set("encryption_method", "xchacha20-poly1305")
	opts, err = encryptionOptions(v)
	if err != nil {
		t.Fatalf("passphrase: %v", err)
	}
	again, _ := encryptionOptions(v)
	if !bytes.Equal(opts.Key, again.Key) {
		t.Fatalf("derived key must be stable")
	}
}

func TestPipelineConfigRejectsUnknownValues(t *testing.T) {
	v := viper.New()
	v.Set("strategy", "sharded")
	if _, err := pipelineConfig(v); err == nil {
		t.Fatalf("expected strategy error")
	}
	v.Set("strategy", "PassThrough")
	v.Set("digest", "md5")
	if _, err := pipelineConfig(v); err == nil {
		t.Fatalf("expected digest error")
	}
	v.Set("digest", "blake3")
	cfg, err := pipelineConfig(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Strategy != "passthrough" || cfg.Digest != "blake3" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestOpenPipelinePersistsAcrossRuns(t *testing.T) {
	ctx := context.Background()
	v := localConfig(t)
	v.Set("single_save", true)

	p, err := openPipeline(ctx, v, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, err := doStore(ctx, p, "inbox", "", []byte("hello"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := doStore(ctx, p, "inbox", "message-1", []byte("hello")); err != nil {
		t.Fatalf("store as: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	p, err = openPipeline(ctx, v, quietLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	data, err := doRead(ctx, p, "inbox", id, false)
	if err != nil || string(data) != "hello" {
		t.Fatalf("read after reopen: %q %v", data, err)
	}
	data, err = doRead(ctx, p, "inbox", "message-1", true)
	if err != nil || string(data) != "hello" {
		t.Fatalf("read logical after reopen: %q %v", data, err)
	}
	if err := doDelete(ctx, p, "inbox", "message-1", true); err != nil {
		t.Fatalf("delete logical: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestOpenPipelineRefusesStrategySwitch(t *testing.T) {
	ctx := context.Background()
	v := localConfig(t)
	p, err := openPipeline(ctx, v, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	v.Set("strategy", "passthrough")
	if _, err := openPipeline(ctx, v, quietLogger()); xerrors.KindOf(err) != xerrors.KindStrategy {
		t.Fatalf("expected strategy mismatch, got %v", err)
	}

	// The failed open must have released the index file.
	ix, err := openIndexes(v, quietLogger())
	if err != nil {
		t.Fatalf("open indexes: %v", err)
	}
	defer ix.Close()
	var out bytes.Buffer
	if err := doHistory(ctx, ix.log, &out); err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out.String(), "deduplication") || strings.Contains(out.String(), "passthrough") {
		t.Fatalf("unexpected history %q", out.String())
	}
}

func TestBadgerIndexWithSQLiteStrategyLog(t *testing.T) {
	ctx := context.Background()
	v := localConfig(t)
	v.Set("index_backend", "badger")
	v.Set("strategy_log", "sqlite")

	p, err := openPipeline(ctx, v, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, err := doStore(ctx, p, "", "", []byte("hello"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := doDelete(ctx, p, "", id, false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	log, err := meta.OpenSQLiteStrategyLog(filepath.Join(v.GetString("data_dir"), "strategy.db"))
	if err != nil {
		t.Fatalf("strategy log file: %v", err)
	}
	defer log.Close()
	records, err := log.All(ctx)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one recorded strategy, got %v %v", records, err)
	}
}

func TestOpenIndexValidation(t *testing.T) {
	ix, err := openIndex("badger", "", quietLogger())
	if err == nil {
		ix.Close()
		t.Fatalf("expected path error")
	}
	ix, err = openIndex("memory", "", quietLogger())
	if err != nil {
		t.Fatalf("memory index: %v", err)
	}
	if err := attachStrategyLog(ix, "", ""); err != nil {
		t.Fatalf("memory index should hold the strategy log: %v", err)
	}
	if ix.log == nil {
		t.Fatalf("strategy log missing")
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("debug", "json", io.Discard); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := newLogger("loud", "text", io.Discard); err == nil {
		t.Fatalf("expected level error")
	}
	if _, err := newLogger("info", "xml", io.Discard); err == nil {
		t.Fatalf("expected format error")
	}
}
