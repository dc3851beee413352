package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/xgblob/pkg/blob"
	"github.com/jacktea/xgblob/pkg/meta"
	"github.com/jacktea/xgblob/pkg/pipeline"
	"github.com/jacktea/xgblob/pkg/server/httpapi"
	"github.com/jacktea/xgblob/pkg/strategy"
)

type app struct {
	ctx      context.Context
	log      *logrus.Logger
	pipeline *pipeline.Pipeline
}

func (a *app) ensureLogger() error {
	if a.log != nil {
		return nil
	}
	logger, err := newLogger(viper.GetString("log_level"), viper.GetString("log_format"), os.Stderr)
	if err != nil {
		return fmt.Errorf("log config: %w", err)
	}
	a.log = logger
	return nil
}

func (a *app) ensurePipeline() error {
	if a.pipeline != nil {
		return nil
	}
	if err := a.ensureLogger(); err != nil {
		return err
	}
	p, err := openPipeline(a.ctx, viper.GetViper(), a.log)
	if err != nil {
		return err
	}
	a.pipeline = p
	return nil
}

func (a *app) close() {
	if a.pipeline != nil {
		if err := a.pipeline.Close(); err != nil && a.log != nil {
			a.log.WithError(err).Warn("close indexes")
		}
	}
}

var (
	cfgFile     string
	application = &app{ctx: context.Background()}
	rootCmd     = &cobra.Command{
		Use:           "xgblob",
		Short:         "xgblob layered blob storage CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	application.ctx = ctx
	err := rootCmd.Execute()
	application.close()
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("xgblob")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "xgblob"))
		}
	}
	viper.SetEnvPrefix("XGBLOB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// flagKey maps a flag name onto its config key.
func flagKey(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	flags.String("data-dir", ".xgblob", "directory holding the default index and strategy log files")
	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.String("log-format", "text", "log format: text|json")

	flags.String("strategy", "deduplication", "storage strategy: deduplication|passthrough")
	flags.String("digest", "sha256", "content digest: sha256|blake3")
	flags.Bool("single-save", false, "enable caller-chosen logical ids")
	flags.Duration("write-lease", 30*time.Second, "time before a pending first write may be taken over")

	flags.Bool("encrypt", false, "encrypt blobs at rest")
	flags.String("encryption-method", "aes-256-gcm", "encryption method: aes-256-gcm|xchacha20-poly1305")
	flags.String("key", "", "hex-encoded 32-byte key when encryption enabled")
	flags.String("passphrase", "", "derive the encryption key from a passphrase")
	flags.String("salt", "", "salt for passphrase key derivation")

	flags.String("index-backend", "bolt", "digest and alias index: memory|bolt|badger")
	flags.String("index-path", "", "index file or directory (default under data-dir)")
	flags.String("strategy-log", "", "strategy log: memory|bolt|sqlite (default shares the index when possible)")
	flags.String("strategy-log-path", "", "strategy log file (default under data-dir)")

	flags.Duration("gc-interval", time.Minute, "interval between background collection passes")
	flags.Duration("gc-grace", 5*time.Minute, "how long an unreferenced blob is kept before deletion")
	flags.Int("gc-batch", 128, "candidates examined per collection batch")

	flags.String("root", ".xgblob/blobs", "blob storage root (local provider)")
	flags.String("storage-provider", "local", "storage provider: memory|local|s3")
	flags.String("storage-endpoint", "", "remote storage endpoint")
	flags.String("storage-bucket", "", "remote storage bucket name")
	flags.String("storage-region", "", "region (S3 only)")
	flags.String("storage-access-key", "", "remote storage access key")
	flags.String("storage-secret-key", "", "remote storage secret key")
	flags.String("storage-session-token", "", "remote storage session token (S3)")

	flags.String("secondary-provider", "", "mirror provider: memory|local|s3 (empty disables)")
	flags.String("secondary-root", "", "mirror storage root (local provider)")
	flags.String("secondary-endpoint", "", "mirror storage endpoint")
	flags.String("secondary-bucket", "", "mirror storage bucket name")
	flags.String("secondary-region", "", "mirror region (S3 only)")
	flags.String("secondary-access-key", "", "mirror storage access key")
	flags.String("secondary-secret-key", "", "mirror storage secret key")
	flags.String("secondary-session-token", "", "mirror storage session token (S3)")
	flags.Bool("secondary-fail-fast", false, "fail writes when the mirror write fails")

	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		bindConfig(flagKey(f.Name), f)
	})
}

func initCommands() {
	rootCmd.AddCommand(
		newStoreCmd(),
		newReadCmd(),
		newDeleteCmd(),
		newBucketsCmd(),
		newGCCmd(),
		newStrategyCmd(),
		newMigrateCmd(),
		newServeHTTPCmd(),
	)
}

func newStoreCmd() *cobra.Command {
	var bucket, logicalID string
	cmd := &cobra.Command{
		Use:   "store [file]",
		Short: "Store a file (or stdin) and print its id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := application.ensurePipeline(); err != nil {
				return err
			}
			data, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			id, err := doStore(application.ctx, application.pipeline, blob.BucketName(bucket), blob.ID(logicalID), data)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "target bucket (default bucket when empty)")
	cmd.Flags().StringVar(&logicalID, "logical-id", "", "save under a caller-chosen id (requires single-save)")
	return cmd
}

func newReadCmd() *cobra.Command {
	var bucket string
	var logical bool
	cmd := &cobra.Command{
		Use:   "read <id>",
		Short: "Write a blob to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := application.ensurePipeline(); err != nil {
				return err
			}
			data, err := doRead(application.ctx, application.pipeline, blob.BucketName(bucket), blob.ID(args[0]), logical)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "bucket (default bucket when empty)")
	cmd.Flags().BoolVar(&logical, "logical", false, "treat <id> as a logical id")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var bucket string
	var logical bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Release a blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := application.ensurePipeline(); err != nil {
				return err
			}
			return doDelete(application.ctx, application.pipeline, blob.BucketName(bucket), blob.ID(args[0]), logical)
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "bucket (default bucket when empty)")
	cmd.Flags().BoolVar(&logical, "logical", false, "treat <id> as a logical id")
	return cmd
}

func newBucketsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "buckets",
		Short: "List buckets holding blobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := application.ensurePipeline(); err != nil {
				return err
			}
			buckets, err := application.pipeline.ListBuckets(application.ctx)
			if err != nil {
				return err
			}
			for _, b := range buckets {
				fmt.Fprintln(cmd.OutOrStdout(), b)
			}
			return nil
		},
	}
}

func newGCCmd() *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete deduplicated blobs nothing references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := application.ensurePipeline(); err != nil {
				return err
			}
			sweeper := application.pipeline.Sweeper()
			if sweeper == nil {
				return errors.New("garbage collection only applies to the deduplication strategy")
			}
			if loop {
				stop := sweeper.Start(application.ctx, viper.GetDuration("gc_interval"))
				defer stop()
				<-application.ctx.Done()
				return nil
			}
			count, err := sweeper.Sweep(application.ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "gc removed %d blobs\n", count)
			return nil
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep collecting every gc-interval until interrupted")
	return cmd
}

func newStrategyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strategy",
		Short: "Inspect the recorded storage strategy",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Verify the configured strategy matches the recorded one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := application.ensurePipeline(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "strategy %s ok\n", viper.GetString("strategy"))
			return nil
		},
	}, &cobra.Command{
		Use:   "history",
		Short: "List recorded strategy decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := application.ensureLogger(); err != nil {
				return err
			}
			ix, err := openIndexes(viper.GetViper(), application.log)
			if err != nil {
				return err
			}
			defer ix.Close()
			return doHistory(application.ctx, ix.log, cmd.OutOrStdout())
		},
	})
	return cmd
}

func newMigrateCmd() *cobra.Command {
	var toBackend, toPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy the digest and alias indexes into another backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := application.ensureLogger(); err != nil {
				return err
			}
			if toPath == "" && !strings.EqualFold(toBackend, "memory") {
				return errors.New("migrate: --to-path is required")
			}
			src, err := openIndexes(viper.GetViper(), application.log)
			if err != nil {
				return err
			}
			defer src.Close()
			dst, err := openIndex(toBackend, toPath, application.log)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer dst.Close()
			stats, err := meta.Migrate(application.ctx, src.digest, dst.digest, src.aliases, dst.aliases)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %d entries and %d aliases\n", stats.Entries, stats.Aliases)
			return nil
		},
	}
	cmd.Flags().StringVar(&toBackend, "to-backend", "badger", "destination index backend: bolt|badger")
	cmd.Flags().StringVar(&toPath, "to-path", "", "destination index file or directory")
	return cmd
}

func newServeHTTPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-http",
		Short: "Expose the storage pipeline over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := application.ensurePipeline(); err != nil {
				return err
			}
			opts := httpServeOptions{
				Addr:         viper.GetString("serve_http.addr"),
				APIKey:       viper.GetString("serve_http.api_key"),
				RateLimit:    viper.GetInt("serve_http.rate_limit"),
				RateWindow:   viper.GetDuration("serve_http.rate_window"),
				MaxBodyBytes: viper.GetInt64("serve_http.max_body"),
				BackgroundGC: viper.GetBool("serve_http.gc"),
			}
			return runServeHTTP(application.ctx, application.pipeline, application.log, opts)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key or Bearer token)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().Int64("max-body", 64<<20, "maximum upload size in bytes")
	cmd.Flags().Bool("gc", true, "run the collector every gc-interval while serving")
	bindConfig("serve_http.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_http.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve_http.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve_http.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve_http.max_body", cmd.Flags().Lookup("max-body"))
	bindConfig("serve_http.gc", cmd.Flags().Lookup("gc"))
	return cmd
}

type httpServeOptions struct {
	Addr         string
	APIKey       string
	RateLimit    int
	RateWindow   time.Duration
	MaxBodyBytes int64
	BackgroundGC bool
}

func runServeHTTP(ctx context.Context, p *pipeline.Pipeline, logger logrus.FieldLogger, opt httpServeOptions) error {
	server := &httpapi.Server{
		Blobs:   p,
		Sweeper: p.Sweeper(),
		Log:     logger,
		Opts: httpapi.Options{
			APIKey:       opt.APIKey,
			MaxBodyBytes: opt.MaxBodyBytes,
			RateLimit:    httpapi.RateLimitOptions{Requests: opt.RateLimit, Window: opt.RateWindow},
		},
	}
	if opt.BackgroundGC && p.Sweeper() != nil {
		stop := p.Sweeper().Start(ctx, viper.GetDuration("gc_interval"))
		defer stop()
	}
	logger.WithField("addr", opt.Addr).Info("serving HTTP API")
	if err := server.Start(ctx, opt.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func readInput(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(args[0])
}

func doStore(ctx context.Context, p *pipeline.Pipeline, bucket blob.BucketName, logicalID blob.ID, data []byte) (blob.ID, error) {
	if logicalID != "" {
		return p.StoreAs(ctx, bucket, logicalID, data)
	}
	return p.Store(ctx, bucket, data)
}

func doRead(ctx context.Context, p *pipeline.Pipeline, bucket blob.BucketName, id blob.ID, logical bool) ([]byte, error) {
	if logical {
		return p.ReadAs(ctx, bucket, id)
	}
	return p.Read(ctx, bucket, id)
}

func doDelete(ctx context.Context, p *pipeline.Pipeline, bucket blob.BucketName, id blob.ID, logical bool) error {
	if logical {
		return p.DeleteAs(ctx, bucket, id)
	}
	return p.Delete(ctx, bucket, id)
}

func doHistory(ctx context.Context, log meta.StrategyLog, out io.Writer) error {
	records, err := strategy.History(ctx, log)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "no strategy recorded")
		return nil
	}
	for _, rec := range records {
		fmt.Fprintf(out, "%s\t%s\n", rec.Timestamp.Format(time.RFC3339), rec.Strategy)
	}
	return nil
}
